package commands

import (
	"context"
	"log/slog"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/superfly/fsm"

	"github.com/cyberlabs/labd/internal/api"
	"github.com/cyberlabs/labd/internal/config"
	"github.com/cyberlabs/labd/pkg/catalog"
	"github.com/cyberlabs/labd/pkg/errors"
	"github.com/cyberlabs/labd/pkg/lifecycle"
	"github.com/cyberlabs/labd/pkg/reaper"
	"github.com/cyberlabs/labd/pkg/registry"
	"github.com/cyberlabs/labd/pkg/runtime"
	"github.com/cyberlabs/labd/pkg/storage"
	"github.com/cyberlabs/labd/pkg/verifier"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the lab orchestrator API and reaper",
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		return errors.Wrap(err, "config load failed")
	}
	if err := cfg.Validate(); err != nil {
		return errors.Wrap(err, "config invalid")
	}

	// Ensure all necessary directories exist
	if err := ensureDirectories(cfg.RegistryPath, cfg.FSMDBPath, cfg.WorkDir); err != nil {
		return err
	}

	cat, err := catalog.Load(cfg.CatalogPath, cfg.DefaultTimeBudget)
	if err != nil {
		return errors.Wrap(err, "catalog load failed")
	}
	slog.Info("catalog_loaded", "path", cfg.CatalogPath, "labs", len(cat.List()))

	reg, err := registry.New(cfg.RegistryPath)
	if err != nil {
		return errors.Wrap(err, "registry init failed")
	}
	defer reg.Close()

	rt, err := runtime.NewDockerRuntime(runtime.DockerConfig{
		Network:          cfg.DockerNetwork,
		HostAddr:         cfg.AdvertiseAddr,
		StopGraceSeconds: cfg.StopGraceSeconds,
	})
	if err != nil {
		return errors.Wrap(err, "docker runtime failed")
	}

	var attachments *storage.Client
	if cfg.AttachmentBucket != "" {
		cacheDir := filepath.Join(cfg.WorkDir, "attachments")
		attachments, err = storage.NewClient(ctx, cfg.AttachmentBucket, cfg.AttachmentRegion, cacheDir, cfg.MaxAttachmentSize)
		if err != nil {
			return errors.Wrap(err, "attachment store failed")
		}
	}

	manager, err := fsm.New(fsm.Config{DBPath: cfg.FSMDBPath})
	if err != nil {
		return errors.Wrap(err, "FSM manager failed")
	}
	defer manager.Shutdown(10 * time.Second)

	machine := lifecycle.NewMachine(cat, reg, rt, cfg.CreateTimeout, cfg.FSMMaxRetries)
	start, _, err := machine.Register(ctx, manager)
	if err != nil {
		return errors.Wrap(err, "FSM register failed")
	}

	mgr := lifecycle.NewManager(cat, reg, rt, lifecycle.StarterFrom(start, manager), lifecycle.Timeouts{
		Create: cfg.CreateTimeout,
		Stop:   cfg.StopTimeout,
	}, cfg.CASRetries)

	ver := verifier.New(cat, reg)

	sweeper := reaper.New(reg, rt, mgr, reaper.Config{
		Interval:     cfg.ReapInterval,
		OrphanGrace:  cfg.OrphanGrace,
		ProbeTimeout: cfg.ProbeTimeout,
		StrikeLimit:  cfg.StrikeLimit,
	})
	go sweeper.Run(ctx)

	handler := api.NewHandler(cat, reg, mgr, ver, attachments, api.HeaderResolver{})
	server := api.NewServer(cfg.ListenAddr, handler)

	errCh := make(chan error, 1)
	go func() {
		slog.Info("server_listening", "addr", cfg.ListenAddr)
		errCh <- server.Start()
	}()

	select {
	case err := <-errCh:
		return errors.Wrap(err, "server failed")
	case <-ctx.Done():
	}

	slog.Info("shutting_down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown_error", "error", err)
	}
	return nil
}
