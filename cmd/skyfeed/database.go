package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"skyfeed/internal/model"
	"skyfeed/internal/storage"
)

func newDatabaseCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "database",
		Short: "Inspect and seed the posted entries store",
	}
	cmd.AddCommand(newInsertPostCmd(), newExportPostsCmd())
	return cmd
}

func newInsertPostCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "insert-post <id>[,<id>...]",
		Short: "Mark entry ids as posted without posting them",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			store, err := openStore(cfg.DatabasePath)
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			return insertPosts(cmd.Context(), store, strings.Join(args, ","), cmd.OutOrStdout())
		},
	}
}

func newExportPostsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "export-posts",
		Short: "Print every recorded entry id, comma separated",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, _, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			store, err := openStore(cfg.DatabasePath)
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			return exportPosts(cmd.Context(), store, cmd.OutOrStdout())
		},
	}
}

func openStore(path string) (*storage.SQLite, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("create data directory %s: %w", dir, err)
		}
	}
	store, err := storage.NewSQLite(path)
	if err != nil {
		return nil, fmt.Errorf("open database %s: %w", path, err)
	}
	return store, nil
}

func insertPosts(ctx context.Context, store storage.Storage, raw string, out io.Writer) error {
	var ids []string
	for _, id := range strings.Split(raw, ",") {
		if id = strings.TrimSpace(id); id != "" {
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 {
		return errors.New("no entry ids given")
	}

	inserted := 0
	now := time.Now()
	for _, id := range ids {
		err := store.RecordPosted(ctx, model.EntryRecord{EntryID: id, PostedAt: now})
		switch {
		case err == nil:
			inserted++
		case errors.Is(err, storage.ErrAlreadyRecorded):
			_, _ = fmt.Fprintf(out, "already recorded: %s\n", id)
		default:
			return fmt.Errorf("insert %q: %w", id, err)
		}
	}
	_, _ = fmt.Fprintf(out, "inserted %d of %d ids\n", inserted, len(ids))
	return nil
}

func exportPosts(ctx context.Context, store storage.Storage, out io.Writer) error {
	recs, err := store.ListRecords(ctx)
	if err != nil {
		return fmt.Errorf("list records: %w", err)
	}
	if len(recs) == 0 {
		return errors.New("no posts recorded")
	}

	ids := make([]string, 0, len(recs))
	for _, r := range recs {
		ids = append(ids, r.EntryID)
	}
	_, err = fmt.Fprintln(out, strings.Join(ids, ","))
	return err
}
