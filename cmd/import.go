package cmd

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/agentic-research/harvault/internal/ingest"
	"github.com/agentic-research/harvault/internal/size"
	"github.com/agentic-research/harvault/internal/store"
)

var importFlags struct {
	output           string
	bodies           bool
	maxBodySize      string
	textOnly         bool
	decompressBodies bool
	keepCompressed   bool
	extractDir       string
	extractKind      string
	shardDepth       int
	incremental      bool
	resume           bool
	jobs             int
	asyncRead        bool
	showStats        bool
	hosts            []string
	methods          []string
	statuses         []int
	urlRegex         []string
	from             string
	to               string
}

var importCmd = &cobra.Command{
	Use:   "import [har files...]",
	Short: "Import one or more HAR files, each as its own import",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		applyImportConfig(cmd)

		output := importFlags.output
		if output == "" {
			stem := strings.TrimSuffix(filepath.Base(args[0]), filepath.Ext(args[0]))
			output = stem + ".db"
		}

		maxBody, err := size.ParseBytes(importFlags.maxBodySize)
		if err != nil {
			return usageError{err}
		}
		if importFlags.keepCompressed && !importFlags.decompressBodies {
			return usageError{fmt.Errorf("--keep-compressed requires --decompress-bodies")}
		}

		var kind store.ExtractKind
		switch importFlags.extractKind {
		case "request":
			kind = store.ExtractRequest
		case "response":
			kind = store.ExtractResponse
		case "both":
			kind = store.ExtractBoth
		default:
			return usageError{fmt.Errorf("invalid --extract-bodies %q; use request, response, or both", importFlags.extractKind)}
		}

		db, err := store.Open(output)
		if err != nil {
			return err
		}
		defer func() { _ = db.Close() }()

		importer, err := ingest.NewImporter(db, ingest.Options{
			StoreBodies:      importFlags.bodies,
			MaxBodySize:      maxBody,
			TextOnly:         importFlags.textOnly,
			DecompressBodies: importFlags.decompressBodies,
			KeepCompressed:   importFlags.keepCompressed,
			Blob: store.BlobConfig{
				ExtractDir: importFlags.extractDir,
				ShardDepth: importFlags.shardDepth,
				Kind:       kind,
			},
			Incremental: importFlags.incremental,
			Resume:      importFlags.resume,
			Jobs:        importFlags.jobs,
			AsyncRead:   importFlags.asyncRead,
			Filters: ingest.FilterOptions{
				Hosts:    importFlags.hosts,
				Methods:  importFlags.methods,
				Statuses: importFlags.statuses,
				URLRegex: importFlags.urlRegex,
				From:     importFlags.from,
				To:       importFlags.to,
			},
			Logger: slog.Default(),
		})
		if err != nil {
			return usageError{err}
		}

		stats, err := importer.ImportFiles(cmd.Context(), args)
		if err != nil {
			return err
		}

		if stats.EntriesSkipped > 0 {
			fmt.Printf("Imported %d entries to %s (skipped %d)\n", stats.EntriesImported, output, stats.EntriesSkipped)
		} else {
			fmt.Printf("Imported %d entries to %s\n", stats.EntriesImported, output)
		}
		if importFlags.showStats {
			printStats(stats)
		}
		return nil
	},
}

// applyImportConfig fills in defaults from harvault.hcl for flags the
// user left untouched.
func applyImportConfig(cmd *cobra.Command) {
	if cfg == nil {
		return
	}
	if importFlags.output == "" && cfg.Database != "" {
		importFlags.output = cfg.Database
	}
	imp := cfg.Import
	if imp == nil {
		return
	}
	flags := cmd.Flags()
	if !flags.Changed("bodies") && imp.Bodies {
		importFlags.bodies = true
	}
	if !flags.Changed("max-body-size") && imp.MaxBodySize != "" {
		importFlags.maxBodySize = imp.MaxBodySize
	}
	if !flags.Changed("text-only") && imp.TextOnly {
		importFlags.textOnly = true
	}
	if !flags.Changed("decompress-bodies") && imp.DecompressBodies {
		importFlags.decompressBodies = true
	}
	if !flags.Changed("keep-compressed") && imp.KeepCompressed {
		importFlags.keepCompressed = true
	}
	if !flags.Changed("jobs") && imp.Jobs > 0 {
		importFlags.jobs = imp.Jobs
	}
	if !flags.Changed("async-read") && imp.AsyncRead {
		importFlags.asyncRead = true
	}
}

func printStats(stats ingest.Stats) {
	created := stats.Request.Created + stats.Response.Created
	deduplicated := stats.Request.Deduplicated + stats.Response.Deduplicated
	stored := stats.Request.BytesStored + stats.Response.BytesStored
	saved := stats.Request.BytesDeduplicated + stats.Response.BytesDeduplicated

	fmt.Println("\nImport statistics:")
	fmt.Printf("  Entries imported: %d\n", stats.EntriesImported)
	if stats.EntriesSkipped > 0 {
		fmt.Printf("  Entries skipped: %d\n", stats.EntriesSkipped)
	}
	if created > 0 || deduplicated > 0 {
		fmt.Printf("  Unique blobs stored: %d\n", created)
		fmt.Printf("  Duplicate blobs skipped: %d\n", deduplicated)
		fmt.Printf("  Bytes stored: %s\n", humanize.Bytes(uint64(stored)))
		fmt.Printf("  Bytes saved by deduplication: %s\n", humanize.Bytes(uint64(saved)))
	}
}

func init() {
	f := importCmd.Flags()
	f.StringVarP(&importFlags.output, "output", "o", "", "Output database path (default: first input's stem + .db)")
	f.BoolVar(&importFlags.bodies, "bodies", false, "Store request and response bodies")
	f.StringVar(&importFlags.maxBodySize, "max-body-size", "100KB", "Largest body to store (e.g. 250KB, 1.5MB, unlimited)")
	f.BoolVar(&importFlags.textOnly, "text-only", false, "Store only text-like bodies")
	f.BoolVar(&importFlags.decompressBodies, "decompress-bodies", false, "Decompress gzip/brotli response bodies before storing")
	f.BoolVar(&importFlags.keepCompressed, "keep-compressed", false, "Also store the original compressed bytes")
	f.StringVar(&importFlags.extractDir, "extract-bodies-dir", "", "Externalize body bytes under this directory")
	f.StringVar(&importFlags.extractKind, "extract-bodies", "both", "Which bodies to externalize: request, response, or both")
	f.IntVar(&importFlags.shardDepth, "shard-depth", 0, "Directory shard depth for externalized bodies")
	f.BoolVar(&importFlags.incremental, "incremental", false, "Skip entries already present anywhere in the database")
	f.BoolVar(&importFlags.resume, "resume", false, "Resume the latest unfinished import of each source file")
	f.IntVarP(&importFlags.jobs, "jobs", "j", 1, "Parse this many files in parallel")
	f.BoolVar(&importFlags.asyncRead, "async-read", false, "Read file bytes on a background goroutine")
	f.BoolVar(&importFlags.showStats, "stats", false, "Print import statistics")
	f.StringArrayVar(&importFlags.hosts, "host", nil, "Only import entries for this host (repeatable)")
	f.StringArrayVar(&importFlags.methods, "method", nil, "Only import entries with this method (repeatable)")
	f.IntSliceVar(&importFlags.statuses, "status", nil, "Only import entries with this status (repeatable)")
	f.StringArrayVar(&importFlags.urlRegex, "url-regex", nil, "Only import entries whose URL matches (repeatable)")
	f.StringVar(&importFlags.from, "from", "", "Only import entries at or after this time (RFC3339 or YYYY-MM-DD)")
	f.StringVar(&importFlags.to, "to", "", "Only import entries at or before this time (RFC3339 or YYYY-MM-DD)")
	rootCmd.AddCommand(importCmd)
}
