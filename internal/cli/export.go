package cli

import (
	"fmt"
	"io"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/vanderheijden86/annosync/pkg/auditlog"
	"github.com/vanderheijden86/annosync/pkg/config"
	"github.com/vanderheijden86/annosync/pkg/export"
)

// ExportOptions holds flags for the export command.
type ExportOptions struct {
	*RootOptions
	Output string
}

// NewExportCommand creates the export command.
func NewExportCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ExportOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "export",
		Short: "Write the document and audit logs to a SQLite database",
		Long: `Export the annotation document, the operation log and the sync log to a
SQLite database for offline inspection.

Example:
  annosync export -o review.sqlite3
  sqlite3 review.sqlite3 'SELECT page_key, count(*) FROM annotations GROUP BY 1'`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			out, err := runExport(opts)
			if err != nil {
				return err
			}
			return writeOutput(cmd.OutOrStdout(), opts.Format, map[string]string{"output": out}, func(w io.Writer) {
				fmt.Fprintf(w, "Exported to %s\n", out)
			})
		},
	}

	cmd.Flags().StringVarP(&opts.Output, "output", "o", "", "database path (default $XDG_STATE_HOME/annosync/annotations.sqlite3)")

	return cmd
}

func runExport(opts *ExportOptions) (string, error) {
	cfg := opts.Config
	docPath := cfg.DocumentPath()

	doc, err := readDocument(docPath)
	if err != nil {
		return "", err
	}

	var logs [2][]auditlog.Entry
	for i, l := range []struct {
		path string
		cap  int
	}{
		{cfg.OperationLogPath(), cfg.Audit.OperationCap},
		{cfg.SyncLogPath(), cfg.Audit.SyncCap},
	} {
		if l.path == "" {
			continue
		}
		lg, err := auditlog.Open(l.path, l.cap, auditlog.WithLogger(opts.Logger))
		if err != nil {
			return "", err
		}
		logs[i] = lg.Entries()
	}

	out := opts.Output
	if out == "" {
		dir := config.StateDir()
		if dir == "" {
			return "", fmt.Errorf("cannot determine state directory; pass --output")
		}
		out = filepath.Join(dir, "annotations.sqlite3")
	}

	exp := export.NewSQLiteExporter(doc, logs[0], logs[1])
	exp.SetSource(docPath)
	exp.SetLogger(opts.Logger)
	if err := exp.Export(out); err != nil {
		return "", fmt.Errorf("export: %w", err)
	}
	return out, nil
}
