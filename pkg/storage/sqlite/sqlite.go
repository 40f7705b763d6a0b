package sqlite

import (
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"slices"
	"strings"

	sq "github.com/Masterminds/squirrel"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/oddnetworks/oddworks/pkg/storage"
	"github.com/oddnetworks/oddworks/pkg/storage/sqlcommon"
)

const engine = "sqlite"

// defaultPragmas are added to every DSN that does not already set them.
var defaultPragmas = []string{"journal_mode(WAL)", "busy_timeout(500)"}

// PrepareDSN fills in the pragmas and transaction lock mode the datastore
// relies on. Values already present in uri are kept.
func PrepareDSN(uri string) (string, error) {
	path, rawQuery, _ := strings.Cut(uri, "?")
	query, err := url.ParseQuery(rawQuery)
	if err != nil {
		return uri, fmt.Errorf("parse sqlite dsn: %w", err)
	}

	for _, pragma := range defaultPragmas {
		name, _, _ := strings.Cut(pragma, "(")
		set := slices.ContainsFunc(query["_pragma"], func(v string) bool {
			return strings.HasPrefix(v, name)
		})
		if !set {
			query.Add("_pragma", pragma)
		}
	}

	if !query.Has("_txlock") {
		query.Set("_txlock", "immediate")
	}

	return path + "?" + query.Encode(), nil
}

// New opens a SQLite backed [storage.Datastore]. The schema must already be
// migrated.
func New(uri string, cfg *sqlcommon.Config) (*sqlcommon.Datastore, error) {
	uri, err := PrepareDSN(uri)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", uri)
	if err != nil {
		return nil, fmt.Errorf("initialize sqlite connection: %w", err)
	}
	sqlcommon.ApplyPool(db, cfg)

	return sqlcommon.New(engine, db, sq.Question, HandleSQLError, cfg)
}

// HandleSQLError processes an SQL error and converts it into a more
// specific error type based on the nature of the SQL error.
func HandleSQLError(err error) error {
	var sqliteErr *sqlite.Error
	if errors.As(err, &sqliteErr) {
		if sqliteErr.Code()&0xFF == sqlite3.SQLITE_CONSTRAINT {
			return storage.ErrCollision
		}
	}

	return sqlcommon.HandleSQLError(err)
}
