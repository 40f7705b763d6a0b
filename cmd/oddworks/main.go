package main

import (
	"os"

	"github.com/oddnetworks/oddworks/cmd"
	"github.com/oddnetworks/oddworks/cmd/migrate"
	"github.com/oddnetworks/oddworks/cmd/run"
	"github.com/oddnetworks/oddworks/cmd/seed"
	"github.com/oddnetworks/oddworks/cmd/token"
)

func main() {
	rootCmd := cmd.NewRootCommand()

	runCmd := run.NewRunCommand()
	rootCmd.AddCommand(runCmd)

	migrateCmd := migrate.NewMigrateCommand()
	rootCmd.AddCommand(migrateCmd)

	rootCmd.AddCommand(seed.NewSeedCommand())
	rootCmd.AddCommand(token.NewTokenCommand())
	rootCmd.AddCommand(cmd.NewVersionCommand())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
