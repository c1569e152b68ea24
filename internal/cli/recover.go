package cli

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/vanderheijden86/annosync/pkg/auditlog"
	"github.com/vanderheijden86/annosync/pkg/backup"
	"github.com/vanderheijden86/annosync/pkg/model"
)

// RecoverOptions holds flags for the recover command.
type RecoverOptions struct {
	*RootOptions
	Force bool
}

// RecoverResult is the recover command output.
type RecoverResult struct {
	Document string      `json:"document"`
	Backup   string      `json:"backup,omitempty"`
	Stats    model.Stats `json:"stats"`
}

// NewRecoverCommand creates the recover command.
func NewRecoverCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RecoverOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "recover",
		Short: "Restore the document from the newest valid backup",
		Long: `Replace the annotation document with the newest backup that parses. When no
backup is usable the document is reset to empty. A document that is still
valid is left alone unless --force is given.

Stop the server first: a running server keeps its own copy in memory.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			res, err := runRecover(opts)
			if err != nil {
				return err
			}
			return writeOutput(cmd.OutOrStdout(), opts.Format, res, func(w io.Writer) {
				if res.Backup == "" {
					fmt.Fprintf(w, "No valid backup found; %s reset to empty\n", res.Document)
					return
				}
				fmt.Fprintf(w, "Restored %d annotations from %s\n", res.Stats.TotalAnnotations, res.Backup)
			})
		},
	}

	cmd.Flags().BoolVarP(&opts.Force, "force", "f", false, "restore even if the current document is valid")

	return cmd
}

func runRecover(opts *RecoverOptions) (RecoverResult, error) {
	cfg := opts.Config
	docPath := cfg.DocumentPath()

	_, readErr := readDocument(docPath)
	if _, err := os.Stat(docPath); os.IsNotExist(err) {
		readErr = fmt.Errorf("%s is missing", docPath)
	}
	if readErr == nil && !opts.Force {
		return RecoverResult{}, fmt.Errorf("%s is valid; use --force to restore the newest backup anyway", docPath)
	}

	m := backup.NewManager(docPath,
		backup.WithDir(cfg.BackupDir()),
		backup.WithMaxBackups(cfg.Storage.MaxBackups),
		backup.WithLogger(opts.Logger),
	)
	doc, name, err := m.Recover()
	if err != nil {
		return RecoverResult{}, err
	}

	stats := doc.Stats()
	opLog, err := auditlog.Open(cfg.OperationLogPath(), cfg.Audit.OperationCap, auditlog.WithLogger(opts.Logger))
	if err != nil {
		return RecoverResult{}, err
	}
	reason := "manual recovery"
	if readErr != nil {
		reason = readErr.Error()
	}
	opLog.Append(auditlog.Entry{
		Action:    model.OpRecover,
		BackupRef: name,
		Summary:   reason,
		Stats:     &stats,
	})

	return RecoverResult{Document: docPath, Backup: name, Stats: stats}, nil
}
