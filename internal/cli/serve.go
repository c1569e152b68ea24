package cli

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/vanderheijden86/annosync/internal/server"
	"github.com/vanderheijden86/annosync/pkg/auditlog"
	"github.com/vanderheijden86/annosync/pkg/backup"
	"github.com/vanderheijden86/annosync/pkg/bus"
	"github.com/vanderheijden86/annosync/pkg/debug"
	"github.com/vanderheijden86/annosync/pkg/engine"
	"github.com/vanderheijden86/annosync/pkg/metrics"
	"github.com/vanderheijden86/annosync/pkg/store"
	"github.com/vanderheijden86/annosync/pkg/watcher"
)

// ServeOptions holds flags for the serve command.
type ServeOptions struct {
	*RootOptions
	Host      string
	Port      int
	NoWatch   bool
	ForcePoll bool

	// OnListen is called with the bound address once the server accepts
	// connections (for testing).
	OnListen func(net.Addr)
}

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ServeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the annotation API and event stream",
		Long: `Start the HTTP server. The annotation document is loaded (or recovered
from the newest valid backup), watched for external edits, and every change is
pushed to viewers connected to /api/events.

Example:
  annosync serve --port 3000
  annosync serve --data-dir ./review --force-poll`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Flags().Changed("host") {
				opts.Config.Server.Host = opts.Host
			}
			if cmd.Flags().Changed("port") {
				opts.Config.Server.Port = opts.Port
			}
			if opts.NoWatch {
				opts.Config.Watch.Disabled = true
			}
			if opts.ForcePoll {
				opts.Config.Watch.ForcePoll = true
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, opts)
		},
	}

	cmd.Flags().StringVar(&opts.Host, "host", "", "listen host (overrides config)")
	cmd.Flags().IntVarP(&opts.Port, "port", "p", 0, "first port to try (overrides config)")
	cmd.Flags().BoolVar(&opts.NoWatch, "no-watch", false, "do not watch the document for external edits")
	cmd.Flags().BoolVar(&opts.ForcePoll, "force-poll", false, "watch by polling instead of filesystem events")

	return cmd
}

// runServe wires the store, bus, engine, server and watcher together and
// blocks until ctx is done or one of them fails.
func runServe(ctx context.Context, opts *ServeOptions) error {
	cfg := opts.Config
	logger := opts.Logger
	docPath := cfg.DocumentPath()

	backups := backup.NewManager(docPath,
		backup.WithDir(cfg.BackupDir()),
		backup.WithMaxBackups(cfg.Storage.MaxBackups),
		backup.WithLogger(logger),
	)
	opLog, err := auditlog.Open(cfg.OperationLogPath(), cfg.Audit.OperationCap, auditlog.WithLogger(logger))
	if err != nil {
		return fmt.Errorf("opening operation log: %w", err)
	}
	syncLog, err := auditlog.Open(cfg.SyncLogPath(), cfg.Audit.SyncCap, auditlog.WithLogger(logger))
	if err != nil {
		return fmt.Errorf("opening sync log: %w", err)
	}

	st := store.New(docPath,
		store.WithLogger(logger),
		store.WithBackups(backups),
		store.WithOperationLog(opLog),
	)
	doc, err := st.Load()
	if err != nil {
		return fmt.Errorf("loading %s: %w", docPath, err)
	}
	logger.Printf("loaded %d annotations across %d pages from %s", doc.Count(), len(doc), docPath)

	b := bus.New(
		bus.WithKeepalive(cfg.Sync.Keepalive),
		bus.WithSendBuffer(cfg.Sync.SendBuffer),
		bus.WithLogger(logger),
	)
	defer b.Shutdown()

	eng := engine.New(st, b, syncLog, engine.WithLogger(logger))
	srv := server.New(eng,
		server.WithLogger(logger),
		server.WithMaxBodyBytes(cfg.Server.MaxBodyBytes),
		server.WithStreamWriteTimeout(cfg.Server.StreamWriteTimeout),
	)

	var w *watcher.Watcher
	if !cfg.Watch.Disabled {
		rec := eng.Reconciler(watcher.WithReconcilerLogger(logger))
		w, err = watcher.NewWatcher(docPath,
			watcher.WithDebounceDuration(cfg.Watch.Debounce),
			watcher.WithPollInterval(cfg.Watch.PollInterval),
			watcher.WithForcePoll(cfg.Watch.ForcePoll),
			watcher.WithOnChange(rec.OnChange),
			watcher.WithOnError(rec.OnError),
			watcher.WithLogger(logger),
		)
		if err != nil {
			return fmt.Errorf("creating watcher: %w", err)
		}
	}

	ln, err := server.Listen(cfg.Server.Host, cfg.Server.Port, cfg.Server.PortSpan)
	if err != nil {
		return err
	}
	if addr, ok := ln.Addr().(*net.TCPAddr); ok && addr.Port != cfg.Server.Port && cfg.Server.Port != 0 {
		logger.Printf("port %d is busy, using %d", cfg.Server.Port, addr.Port)
	}
	if opts.OnListen != nil {
		opts.OnListen(ln.Addr())
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.Serve(gctx, ln)
	})
	if w != nil {
		g.Go(func() error {
			return w.Run(gctx)
		})
	}

	err = g.Wait()
	if debug.Enabled() {
		for _, s := range metrics.AllTimingStats() {
			debug.Log("timing %s: count=%d avg=%.2fms max=%.2fms", s.Name, s.Count, s.AvgMs, s.MaxMs)
		}
	}
	return err
}
