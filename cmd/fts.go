package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/agentic-research/harvault/internal/size"
	"github.com/agentic-research/harvault/internal/store"
)

var ftsFlags struct {
	tokenizer   string
	maxBodySize string
}

var ftsRebuildCmd = &cobra.Command{
	Use:   "fts-rebuild [database]",
	Short: "Drop and rebuild the response body full-text index",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path, err := databaseArg(args)
		if err != nil {
			return err
		}

		tokenizer := ftsFlags.tokenizer
		maxBodyRaw := ftsFlags.maxBodySize
		if cfg != nil && cfg.FTS != nil {
			if !cmd.Flags().Changed("tokenizer") && cfg.FTS.Tokenizer != "" {
				tokenizer = cfg.FTS.Tokenizer
			}
			if !cmd.Flags().Changed("max-body-size") && cfg.FTS.MaxBodySize != "" {
				maxBodyRaw = cfg.FTS.MaxBodySize
			}
		}

		var maxBody *int64
		if maxBodyRaw != "" {
			maxBody, err = size.ParseBytes(maxBodyRaw)
			if err != nil {
				return usageError{err}
			}
		}

		db, err := store.Open(path)
		if err != nil {
			return err
		}
		defer func() { _ = db.Close() }()

		indexed, err := store.RebuildFTS(db, tokenizer, maxBody)
		if err != nil {
			if strings.Contains(err.Error(), "unknown tokenizer") {
				return usageError{err}
			}
			return err
		}
		fmt.Printf("Rebuilt response body FTS index (tokenizer=%s) with %d documents\n", tokenizer, indexed)
		return nil
	},
}

func init() {
	ftsRebuildCmd.Flags().StringVar(&ftsFlags.tokenizer, "tokenizer", store.DefaultTokenizer,
		"FTS5 tokenizer: "+strings.Join(store.Tokenizers, ", "))
	ftsRebuildCmd.Flags().StringVar(&ftsFlags.maxBodySize, "max-body-size", "", "Largest body to index (default 1MB)")
	rootCmd.AddCommand(ftsRebuildCmd)
}

// databaseArg resolves the positional database path, falling back to
// the config file's database setting.
func databaseArg(args []string) (string, error) {
	if len(args) > 0 {
		return args[0], nil
	}
	if cfg != nil && cfg.Database != "" {
		return cfg.Database, nil
	}
	return "", usageError{fmt.Errorf("no database given and none configured")}
}
