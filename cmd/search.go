package cmd

import (
	"fmt"
	"os"

	"github.com/ohler55/ojg/oj"
	"github.com/spf13/cobra"

	"github.com/agentic-research/harvault/internal/store"
)

var searchFlags struct {
	database string
	limit    int
	offset   int
	orderBy  string
	asJSON   bool
}

var searchCmd = &cobra.Command{
	Use:   "search [query]",
	Short: "Full-text search over stored response bodies",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path, err := databaseArg(splitDatabase())
		if err != nil {
			return err
		}
		db, err := store.OpenReadOnly(path)
		if err != nil {
			return err
		}
		defer func() { _ = db.Close() }()

		results, err := store.Search(db, args[0], store.SearchOptions{
			Limit:   searchFlags.limit,
			Offset:  searchFlags.offset,
			OrderBy: searchFlags.orderBy,
		})
		if err != nil {
			return err
		}

		if searchFlags.asJSON {
			rows := make([]map[string]any, 0, len(results))
			for _, r := range results {
				rows = append(rows, map[string]any{
					"rank":       r.Rank,
					"started_at": nullString(r.StartedAt),
					"status":     nullInt(r.Status),
					"url":        nullString(r.URL),
					"snippet":    r.Snippet,
				})
			}
			fmt.Println(oj.JSON(rows))
			return nil
		}

		for _, r := range results {
			fmt.Printf("%8.3f  %-24s  %3s  %s\n    %s\n",
				r.Rank, nullText(r.StartedAt), nullIntText(r.Status), nullText(r.URL), r.Snippet)
		}
		if len(results) == 0 {
			fmt.Fprintln(os.Stderr, "no matches")
		}
		return nil
	},
}

func splitDatabase() []string {
	if searchFlags.database == "" {
		return nil
	}
	return []string{searchFlags.database}
}

func init() {
	f := searchCmd.Flags()
	f.StringVarP(&searchFlags.database, "database", "d", "", "Database to search")
	f.IntVar(&searchFlags.limit, "limit", 20, "Maximum results")
	f.IntVar(&searchFlags.offset, "offset", 0, "Skip this many results")
	f.StringVar(&searchFlags.orderBy, "order-by", "", "Override the rank ordering with a raw ORDER BY expression")
	f.BoolVar(&searchFlags.asJSON, "json", false, "Emit JSON")
	rootCmd.AddCommand(searchCmd)
}
