package cmd

import (
	"database/sql"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/agentic-research/harvault/internal/store"
)

var importsCmd = &cobra.Command{
	Use:   "imports [database]",
	Short: "List imports recorded in a database",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path, err := databaseArg(args)
		if err != nil {
			return err
		}
		db, err := store.OpenReadOnly(path)
		if err != nil {
			return err
		}
		defer func() { _ = db.Close() }()

		rows, err := store.ListImports(db)
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(os.Stdout, 2, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tIMPORTED AT\tSTATUS\tENTRIES\tSKIPPED\tSOURCE")
		for _, r := range rows {
			fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%s\n",
				r.ID, r.ImportedAt, nullText(r.Status),
				nullIntText(r.EntryCount), nullIntText(r.EntriesSkipped), r.SourceFile)
		}
		return w.Flush()
	},
}

var infoCmd = &cobra.Command{
	Use:   "info [database]",
	Short: "Summarize a capture database",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path, err := databaseArg(args)
		if err != nil {
			return err
		}
		db, err := store.OpenReadOnly(path)
		if err != nil {
			return err
		}
		defer func() { _ = db.Close() }()

		info, err := store.Info(db)
		if err != nil {
			return err
		}

		fmt.Printf("Database: %s (%s)\n", path, humanize.Bytes(uint64(info.FileBytes)))
		fmt.Printf("  Imports: %d\n", info.Imports)
		fmt.Printf("  Pages:   %d\n", info.Pages)
		fmt.Printf("  Entries: %d\n", info.Entries)
		fmt.Printf("  Blobs:   %d (%s)\n", info.Blobs, humanize.Bytes(uint64(info.BlobBytes)))
		fmt.Printf("  FTS documents: %d\n", info.FTSRows)
		return nil
	},
}

func nullText(v sql.NullString) string {
	if !v.Valid {
		return "-"
	}
	return v.String
}

func nullIntText(v sql.NullInt64) string {
	if !v.Valid {
		return "-"
	}
	return fmt.Sprintf("%d", v.Int64)
}

func nullString(v sql.NullString) any {
	if !v.Valid {
		return nil
	}
	return v.String
}

func nullInt(v sql.NullInt64) any {
	if !v.Valid {
		return nil
	}
	return v.Int64
}

func init() {
	rootCmd.AddCommand(importsCmd)
	rootCmd.AddCommand(infoCmd)
}
