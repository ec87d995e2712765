package main

import (
	"database/sql"
	"fmt"

	"github.com/pressly/goose/v3"
	"github.com/spf13/cobra"
	_ "modernc.org/sqlite"

	"skyfeed/internal/storage"
	"skyfeed/migrations"
)

func newMigrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the database schema",
		Long: `Manage the database schema. The start command applies pending
migrations on its own; these commands are for inspection and rollback.`,
	}

	steps := []struct {
		use   string
		short string
		fn    func(*sql.DB) error
	}{
		{"up", "Migrate to the latest version", func(db *sql.DB) error { return goose.Up(db, ".") }},
		{"up-one", "Migrate one version up", func(db *sql.DB) error { return goose.UpByOne(db, ".") }},
		{"down", "Roll back one version", func(db *sql.DB) error { return goose.Down(db, ".") }},
		{"status", "Show migration status", func(db *sql.DB) error { return goose.Status(db, ".") }},
		{"version", "Show current version", func(db *sql.DB) error { return goose.Version(db, ".") }},
	}
	for _, step := range steps {
		cmd.AddCommand(&cobra.Command{
			Use:   step.use,
			Short: step.short,
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				cfg, _, err := loadConfig(cmd)
				if err != nil {
					return err
				}
				return migrate(cfg.DatabasePath, step.use, step.fn)
			},
		})
	}
	return cmd
}

func migrate(path, name string, fn func(*sql.DB) error) error {
	db, err := sql.Open("sqlite", storage.DSN(path))
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer func() { _ = db.Close() }()

	if err := migrations.Setup(); err != nil {
		return err
	}
	if err := fn(db); err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	return nil
}
