// Package cmd contains all the commands included in the binary file.
package cmd

import (
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// NewRootCommand enables all children commands to read flags from CLI flags, environment variables prefixed with ODDWORKS, or config.yaml (in that order).
func NewRootCommand() *cobra.Command {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")

	viper.SetEnvPrefix("ODDWORKS")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()

	configPaths := []string{"/etc/oddworks", "$HOME/.oddworks", "."}
	for _, path := range configPaths {
		viper.AddConfigPath(path)
	}

	return &cobra.Command{
		Use:   "oddworks",
		Short: "A content platform backend serving channels, videos, collections and viewer relationships",
		Long: `A content platform backend serving channels, videos, collections and viewer relationships.

Every read and write is dispatched over an internal command/query bus to the configured datastore. Callers
authenticate with signed bearer tokens that scope them to a channel, a platform and optionally a viewer.`,
		SilenceUsage: true,
	}
}
