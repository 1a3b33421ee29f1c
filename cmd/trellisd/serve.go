package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/trellishq/trellis/internal/bulk"
	"github.com/trellishq/trellis/internal/config"
	"github.com/trellishq/trellis/internal/debug"
	"github.com/trellishq/trellis/internal/deletion"
	"github.com/trellishq/trellis/internal/issueops"
	"github.com/trellishq/trellis/internal/resolver"
	"github.com/trellishq/trellis/internal/rpc"
	"github.com/trellishq/trellis/internal/sequence"
	"github.com/trellishq/trellis/internal/storage"
	"github.com/trellishq/trellis/internal/storage/memory"
	"github.com/trellishq/trellis/internal/storage/sqlstore"
	"github.com/trellishq/trellis/internal/telemetry"
	"github.com/trellishq/trellis/internal/template"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the tracker daemon",
	Long: `Starts trellisd listening on the workspace socket. The store backend
comes from store.url in config.yaml (or TRELLIS_STORE_URL): "memory://" for
an in-process store, "dolt://<dir>" for an embedded dolt database, or a
MySQL DSN.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe(cmd.Context())
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(ctx context.Context) error {
	dir := trellisDir
	if dir == "" {
		var err error
		dir, err = config.FindDir()
		if err != nil {
			return err
		}
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("failed to create trellis directory: %w", err)
	}

	cfg, err := config.Load(dir)
	if err != nil {
		return err
	}

	if err := telemetry.Init(ctx, telemetry.Info{
		Service:   "trellisd",
		Version:   version,
		Workspace: dir,
		Backend:   storeBackend(cfg.Store.URL),
	}); err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		telemetry.Shutdown(shutdownCtx)
	}()

	store, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer store.Close()
	store = telemetry.WrapAdapter(store)

	seq := sequence.New(store)
	res := resolver.New(store)
	engine := bulk.NewEngine(cfg.Bulk.Retention)
	defer engine.Stop()
	svc := issueops.NewService(store, seq, res, engine, cfg.Priority())
	planner := deletion.NewPlanner(store, res, engine)
	expander := template.NewExpander(seq, res, svc)

	server := rpc.NewServer(cfg.SocketPath, store, svc, planner, expander, engine)
	server.SetDefaultIssueLimit(cfg.DefaultIssueLimit)
	if err := server.Start(); err != nil {
		return err
	}
	debug.PrintNormal("trellisd %s listening on %s\n", version, cfg.SocketPath)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		debug.PrintNormal("received %s, shutting down\n", sig)
	case <-ctx.Done():
	}
	return server.Stop()
}

func storeBackend(url string) string {
	switch {
	case url == "memory://":
		return "memory"
	case strings.HasPrefix(url, "dolt://"):
		return "dolt"
	default:
		return "mysql"
	}
}

func openStore(ctx context.Context, cfg *config.Config) (storage.Adapter, error) {
	if cfg.Store.URL == "memory://" {
		debug.Logf("store: using in-memory backend\n")
		return memory.New(), nil
	}
	return sqlstore.Open(ctx, sqlstore.Config{
		URL:      cfg.Store.URL,
		User:     cfg.Store.User,
		Password: cfg.Store.Password,
		Database: cfg.Store.Database,
		Retry:    cfg.RetryConfig(),
	})
}
