package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/agentic-research/harvault/internal/store"
)

var mergeFlags struct {
	output string
	dedup  bool
}

var mergeCmd = &cobra.Command{
	Use:   "merge [databases...]",
	Short: "Concatenate capture databases into one",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if mergeFlags.output == "" {
			return usageError{fmt.Errorf("--output is required")}
		}

		out, err := store.Open(mergeFlags.output)
		if err != nil {
			return err
		}
		defer func() { _ = out.Close() }()

		stats, err := store.Merge(args, out, store.MergeOptions{
			DedupByEntryHash: mergeFlags.dedup,
		})
		if err != nil {
			return err
		}

		fmt.Printf("Merged %d imports, %d entries, %d blobs into %s\n",
			stats.ImportsAdded, stats.EntriesAdded, stats.BlobsAdded, mergeFlags.output)
		if stats.EntriesDeduped > 0 {
			fmt.Printf("Skipped %d duplicate entries\n", stats.EntriesDeduped)
		}
		return nil
	},
}

func init() {
	mergeCmd.Flags().StringVarP(&mergeFlags.output, "output", "o", "", "Merged database path")
	mergeCmd.Flags().BoolVar(&mergeFlags.dedup, "dedup", false, "Skip entries whose entry hash already exists in the output")
	rootCmd.AddCommand(mergeCmd)
}
