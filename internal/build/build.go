// Package build provides build information that is linked into the application. Other
// packages within this project can use this information in logs etc..
package build

var (
	// Version is the build version of the application.
	Version = "dev"

	// Commit is the sha of the git commit the application was built from.
	Commit = "none"

	// Date is the date when the application was built.
	Date = "unknown"

	// ProjectName is used for metric namespaces and the user agent.
	ProjectName = "oddworks"
)

// MinimumSupportedDatastoreSchemaRevision is the lowest migration revision the
// SQL engines can serve from.
const MinimumSupportedDatastoreSchemaRevision int64 = 1
