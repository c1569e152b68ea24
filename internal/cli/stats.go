package cli

import (
	"fmt"
	"io"
	"sort"

	"github.com/mattn/go-runewidth"
	"github.com/spf13/cobra"

	"github.com/vanderheijden86/annosync/pkg/auditlog"
	"github.com/vanderheijden86/annosync/pkg/backup"
	"github.com/vanderheijden86/annosync/pkg/model"
)

// StatsReport is the stats command output.
type StatsReport struct {
	Document     string      `json:"document"`
	Stats        model.Stats `json:"stats"`
	Backups      int         `json:"backups"`
	LatestBackup string      `json:"latestBackup,omitempty"`
	Operations   int         `json:"operations"`
	Syncs        int         `json:"syncs"`
}

// NewStatsCommand creates the stats command.
func NewStatsCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Summarize the annotation document without starting the server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			report, err := collectStats(opts)
			if err != nil {
				return err
			}
			return writeOutput(cmd.OutOrStdout(), opts.Format, report, func(w io.Writer) {
				printStats(w, report)
			})
		},
	}
}

func collectStats(opts *RootOptions) (StatsReport, error) {
	cfg := opts.Config
	docPath := cfg.DocumentPath()

	doc, err := readDocument(docPath)
	if err != nil {
		return StatsReport{}, err
	}
	report := StatsReport{Document: docPath, Stats: doc.Stats()}

	infos, err := backup.NewManager(docPath, backup.WithDir(cfg.BackupDir())).List()
	if err != nil {
		return StatsReport{}, fmt.Errorf("listing backups: %w", err)
	}
	report.Backups = len(infos)
	if len(infos) > 0 {
		report.LatestBackup = infos[0].Name
	}

	for _, l := range []struct {
		path  string
		cap   int
		count *int
	}{
		{cfg.OperationLogPath(), cfg.Audit.OperationCap, &report.Operations},
		{cfg.SyncLogPath(), cfg.Audit.SyncCap, &report.Syncs},
	} {
		if l.path == "" {
			continue
		}
		lg, err := auditlog.Open(l.path, l.cap, auditlog.WithLogger(opts.Logger))
		if err != nil {
			return StatsReport{}, err
		}
		*l.count = lg.Len()
	}
	return report, nil
}

func printStats(w io.Writer, r StatsReport) {
	fmt.Fprintf(w, "Document:    %s\n", r.Document)
	fmt.Fprintf(w, "Annotations: %d\n", r.Stats.TotalAnnotations)
	fmt.Fprintf(w, "Pages:       %d\n", r.Stats.PageCount)
	if r.LatestBackup != "" {
		fmt.Fprintf(w, "Backups:     %d (latest %s)\n", r.Backups, r.LatestBackup)
	} else {
		fmt.Fprintf(w, "Backups:     %d\n", r.Backups)
	}
	fmt.Fprintf(w, "Operations:  %d\n", r.Operations)
	fmt.Fprintf(w, "Syncs:       %d\n", r.Syncs)

	pages := make([]string, 0, len(r.Stats.PerPageCounts))
	for p := range r.Stats.PerPageCounts {
		pages = append(pages, p)
	}
	sort.Strings(pages)

	// Page keys are often URL paths or localized titles; pad by display
	// width so wide runes keep the counts aligned.
	width := 0
	for _, p := range pages {
		width = max(width, runewidth.StringWidth(p))
	}
	width = min(width, maxPageColumn)
	for _, p := range pages {
		label := runewidth.FillRight(runewidth.Truncate(p, width, "…"), width)
		fmt.Fprintf(w, "  %s  %d\n", label, r.Stats.PerPageCounts[p])
	}
}

const maxPageColumn = 48
