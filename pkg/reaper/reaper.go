// Package reaper is the background sweep that time-bounds instances and
// reconciles registry intent with runtime reality. It never runs on the
// request path and uses the same CAS discipline as user-initiated
// transitions, so races with the lifecycle manager resolve to whichever
// transition lands first.
package reaper

import (
	"context"
	"log/slog"
	"time"

	"github.com/cyberlabs/labd/pkg/lifecycle"
	"github.com/cyberlabs/labd/pkg/registry"
	"github.com/cyberlabs/labd/pkg/runtime"
)

// Config tunes the sweep.
type Config struct {
	Interval     time.Duration
	OrphanGrace  time.Duration
	ProbeTimeout time.Duration
	// StrikeLimit is how many consecutive not-alive probes it takes before
	// an instance is declared lost. A single failed probe is never trusted.
	StrikeLimit int
}

// Reaper sweeps expired and orphaned instances.
type Reaper struct {
	registry *registry.Registry
	runtime  runtime.Runtime
	manager  *lifecycle.Manager
	cfg      Config
	now      func() time.Time

	// strikes counts consecutive not-alive probes per instance. Only the
	// reaper goroutine touches it.
	strikes map[string]int
}

// New creates a reaper.
func New(reg *registry.Registry, rt runtime.Runtime, mgr *lifecycle.Manager, cfg Config) *Reaper {
	if cfg.StrikeLimit <= 0 {
		cfg.StrikeLimit = 2
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = 5 * time.Second
	}
	return &Reaper{
		registry: reg,
		runtime:  rt,
		manager:  mgr,
		cfg:      cfg,
		now:      time.Now,
		strikes:  make(map[string]int),
	}
}

// SetClock overrides the reaper's time source. Test hook.
func (r *Reaper) SetClock(now func() time.Time) {
	r.now = now
}

// Run sweeps on a fixed interval until ctx is cancelled.
func (r *Reaper) Run(ctx context.Context) {
	slog.Info("reaper_started", "interval", r.cfg.Interval, "orphan_grace", r.cfg.OrphanGrace)
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("reaper_stopped")
			return
		case <-ticker.C:
			r.Sweep(ctx)
		}
	}
}

// Sweep runs one reap cycle: expire instances past their budget, then probe
// heartbeat-stale instances and declare the repeatedly dead ones lost.
func (r *Reaper) Sweep(ctx context.Context) {
	now := r.now()

	expired, err := r.registry.FindExpired(ctx, now)
	if err != nil {
		slog.Error("reaper_find_expired_failed", "error", err)
	}
	for _, inst := range expired {
		if err := r.manager.Expire(ctx, inst.ID); err != nil {
			slog.Error("reaper_expire_failed", "instance_id", inst.ID, "error", err)
		}
	}

	orphans, err := r.registry.FindOrphaned(ctx, now, r.cfg.OrphanGrace)
	if err != nil {
		slog.Error("reaper_find_orphaned_failed", "error", err)
		return
	}

	live := make(map[string]struct{}, len(orphans))
	for _, inst := range orphans {
		live[inst.ID] = struct{}{}
		r.probe(ctx, inst, now)
	}

	// Instances that left the orphan set (stopped, expired, recovered) drop
	// their strike history.
	for id := range r.strikes {
		if _, ok := live[id]; !ok {
			delete(r.strikes, id)
		}
	}

	if len(expired) > 0 || len(orphans) > 0 {
		slog.Info("reaper_sweep_complete", "expired", len(expired), "probed", len(orphans))
	}
}

func (r *Reaper) probe(ctx context.Context, inst *registry.Instance, now time.Time) {
	probeCtx, cancel := context.WithTimeout(ctx, r.cfg.ProbeTimeout)
	alive, err := r.runtime.IsAlive(probeCtx, inst.ContainerID)
	cancel()

	if err != nil {
		// A probe error counts as a strike, same as not-alive: the engine
		// may just be busy, so the decision needs consecutive evidence.
		slog.Error("reaper_probe_failed", "instance_id", inst.ID, "container_id", inst.ContainerID, "error", err)
		alive = false
	}

	if alive {
		delete(r.strikes, inst.ID)
		if hbErr := r.registry.Heartbeat(ctx, inst.ID, now); hbErr != nil {
			slog.Error("reaper_heartbeat_failed", "instance_id", inst.ID, "error", hbErr)
		}
		return
	}

	r.strikes[inst.ID]++
	slog.Info("reaper_strike", "instance_id", inst.ID, "strikes", r.strikes[inst.ID], "limit", r.cfg.StrikeLimit)

	if r.strikes[inst.ID] < r.cfg.StrikeLimit {
		return
	}

	delete(r.strikes, inst.ID)
	if err := r.manager.MarkLost(ctx, inst.ID, "container not alive"); err != nil {
		slog.Error("reaper_mark_lost_failed", "instance_id", inst.ID, "error", err)
	}
}
