package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/cyberlabs/labd/internal/config"
	"github.com/cyberlabs/labd/pkg/catalog"
	"github.com/cyberlabs/labd/pkg/errors"
	"github.com/cyberlabs/labd/pkg/lifecycle"
	"github.com/cyberlabs/labd/pkg/reaper"
	"github.com/cyberlabs/labd/pkg/registry"
	"github.com/cyberlabs/labd/pkg/runtime"
)

var reapCmd = &cobra.Command{
	Use:   "reap",
	Short: "Run a single reconciliation sweep",
	Long: `Runs one pass of the background reaper: stops instances whose time
budget has elapsed and marks instances whose containers have vanished.
Useful after an unclean shutdown, before starting the server again.`,
	RunE: runReap,
}

func init() {
	rootCmd.AddCommand(reapCmd)
}

func runReap(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	cfg, err := config.Load()
	if err != nil {
		return errors.Wrap(err, "config load failed")
	}
	if err := ensureDirectories(cfg.RegistryPath, "", ""); err != nil {
		return err
	}

	cat, err := catalog.Load(cfg.CatalogPath, cfg.DefaultTimeBudget)
	if err != nil {
		return errors.Wrap(err, "catalog load failed")
	}

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

	// No provisioning happens during a sweep, so the manager gets a start
	// function that always refuses.
	mgr := lifecycle.NewManager(cat, reg, rt, func(context.Context, string, *lifecycle.StartRequest) error {
		return fmt.Errorf("provisioning disabled in reap mode")
	}, lifecycle.Timeouts{Create: cfg.CreateTimeout, Stop: cfg.StopTimeout}, cfg.CASRetries)

	sweeper := reaper.New(reg, rt, mgr, reaper.Config{
		Interval:     cfg.ReapInterval,
		OrphanGrace:  cfg.OrphanGrace,
		ProbeTimeout: cfg.ProbeTimeout,
		// A one-shot sweep cannot accumulate strikes across passes, so a
		// missing container is acted on immediately.
		StrikeLimit: 1,
	})
	sweeper.Sweep(ctx)

	fmt.Println("Sweep complete")
	return nil
}
