package lifecycle

import (
	"context"
	stderrors "errors"
	"log/slog"
	"time"

	"github.com/cyberlabs/labd/pkg/auth"
	"github.com/cyberlabs/labd/pkg/catalog"
	"github.com/cyberlabs/labd/pkg/errors"
	"github.com/cyberlabs/labd/pkg/registry"
	"github.com/cyberlabs/labd/pkg/runtime"
)

// StartFunc launches the provisioning workflow for an instance and blocks
// until it finishes or ctx expires. Production wires StarterFrom; tests
// substitute a fake.
type StartFunc func(ctx context.Context, instanceID string, req *StartRequest) error

// Timeouts bound the adapter calls per operation class.
type Timeouts struct {
	Create time.Duration
	Stop   time.Duration
}

// Manager coordinates instance state between the registry (intent) and the
// container runtime (reality). It holds no locks across runtime calls; all
// cross-actor coordination is the registry's CAS discipline.
type Manager struct {
	catalog    *catalog.Catalog
	registry   *registry.Registry
	runtime    runtime.Runtime
	provision  StartFunc
	timeouts   Timeouts
	casRetries int
	now        func() time.Time
}

// NewManager wires the lifecycle manager. Dependencies are passed in
// explicitly; the manager owns no process-wide state.
func NewManager(cat *catalog.Catalog, reg *registry.Registry, rt runtime.Runtime, provision StartFunc, timeouts Timeouts, casRetries int) *Manager {
	if casRetries <= 0 {
		casRetries = 3
	}
	return &Manager{
		catalog:    cat,
		registry:   reg,
		runtime:    rt,
		provision:  provision,
		timeouts:   timeouts,
		casRetries: casRetries,
		now:        time.Now,
	}
}

// SetClock overrides the manager's time source. Test hook.
func (m *Manager) SetClock(now func() time.Time) {
	m.now = now
}

// Start provisions a new instance of the lab for the user. AlreadyActive is
// surfaced to the caller, never retried here: the existing instance is the
// user's to stop first. On provisioning failure the row stays in error for
// auditing and the returned instance carries its last known state.
func (m *Manager) Start(ctx context.Context, user auth.User, labID string) (*registry.Instance, error) {
	if _, err := m.catalog.GetLab(labID); err != nil {
		return nil, err
	}

	inst, err := m.registry.TryCreate(ctx, user.ID, labID)
	if err != nil {
		return nil, err
	}

	slog.Info("lifecycle_start", "instance_id", inst.ID, "user_id", user.ID, "lab_id", labID)

	// The workflow itself enforces the create timeout on the runtime call;
	// the outer wait gets twice that to cover a cold image pull.
	waitCtx, cancel := context.WithTimeout(ctx, 2*m.timeouts.Create)
	defer cancel()

	provErr := m.provision(waitCtx, inst.ID, &StartRequest{
		InstanceID: inst.ID,
		UserID:     user.ID,
		LabID:      labID,
	})

	final, err := m.registry.Get(ctx, inst.ID)
	if err != nil {
		return nil, err
	}
	if provErr != nil {
		return final, errors.Wrap(provErr, "instance provisioning failed")
	}
	return final, nil
}

// Stop shuts the user's instance down. Idempotent: a terminal instance is a
// no-op success with no adapter call. An instance still provisioning returns
// ErrConflict; the caller retries with backoff once it settles.
func (m *Manager) Stop(ctx context.Context, user auth.User, instanceID string) (*registry.Instance, error) {
	for attempt := 0; attempt < m.casRetries; attempt++ {
		inst, err := m.registry.Get(ctx, instanceID)
		if err != nil {
			return nil, err
		}
		if inst.UserID != user.ID && !user.Admin() {
			return nil, errors.ErrForbidden
		}

		switch inst.State {
		case registry.StateStopped, registry.StateExpired, registry.StateError:
			return inst, nil
		case registry.StateCreated, registry.StateStarting:
			return inst, errors.ErrConflict
		case registry.StateStopping:
			// Another stop already owns the teardown.
			return inst, nil
		}

		err = m.registry.Transition(ctx, instanceID, registry.StateRunning, registry.StateStopping, registry.Fields{})
		if stderrors.Is(err, errors.ErrStaleState) {
			continue
		}
		if err != nil {
			return inst, err
		}

		return m.finishStop(ctx, instanceID, inst.ContainerID)
	}
	return nil, errors.Wrap(errors.ErrStaleState, "stop lost repeated state races")
}

// finishStop owns the stopping → stopped leg. A failed or timed-out engine
// stop parks the instance in error rather than leaving it in stopping; the
// reaper's orphan sweep reconciles whatever the engine actually did.
func (m *Manager) finishStop(ctx context.Context, instanceID, containerID string) (*registry.Instance, error) {
	stopCtx, cancel := context.WithTimeout(ctx, m.timeouts.Stop)
	stopErr := m.runtime.Stop(stopCtx, containerID)
	cancel()

	if stopErr != nil {
		slog.Error("lifecycle_stop_failed", "instance_id", instanceID, "container_id", containerID, "error", stopErr)
		if err := m.registry.Transition(ctx, instanceID, registry.StateStopping, registry.StateError, registry.Fields{
			Error: stopErr.Error(),
		}); err != nil {
			slog.Error("lifecycle_stop_error_transition_lost", "instance_id", instanceID, "error", err)
		}
		inst, _ := m.registry.Get(ctx, instanceID)
		return inst, stopErr
	}

	err := m.registry.Transition(ctx, instanceID, registry.StateStopping, registry.StateStopped, registry.Fields{
		EndedAt: m.now(),
	})
	if err != nil {
		slog.Error("lifecycle_stopped_transition_lost", "instance_id", instanceID, "error", err)
	}

	m.removeQuietly(containerID)

	slog.Info("lifecycle_stopped", "instance_id", instanceID)
	return m.registry.Get(ctx, instanceID)
}

// Expire moves a running instance past its time budget to expired. Reaper
// only. The CAS keeps a racing user stop deterministic: whichever transition
// out of running lands first wins, the loser is a no-op.
func (m *Manager) Expire(ctx context.Context, instanceID string) error {
	inst, err := m.registry.Get(ctx, instanceID)
	if err != nil {
		return err
	}
	if inst.State != registry.StateRunning {
		return nil
	}
	if inst.ExpiresAt == 0 || m.now().Unix() < inst.ExpiresAt {
		return nil
	}

	err = m.registry.Transition(ctx, instanceID, registry.StateRunning, registry.StateExpired, registry.Fields{
		EndedAt: m.now(),
	})
	if stderrors.Is(err, errors.ErrStaleState) {
		slog.Info("lifecycle_expire_cas_lost", "instance_id", instanceID)
		return nil
	}
	if err != nil {
		return err
	}

	slog.Info("lifecycle_expired", "instance_id", instanceID, "container_id", inst.ContainerID)

	stopCtx, cancel := context.WithTimeout(ctx, m.timeouts.Stop)
	if stopErr := m.runtime.Stop(stopCtx, inst.ContainerID); stopErr != nil {
		slog.Error("lifecycle_expire_stop_failed", "instance_id", instanceID, "error", stopErr)
	}
	cancel()
	m.removeQuietly(inst.ContainerID)
	return nil
}

// MarkLost parks a running instance whose container is verifiably gone in
// error. Reaper only, after the consecutive-probe-failure rule.
func (m *Manager) MarkLost(ctx context.Context, instanceID, reason string) error {
	err := m.registry.Transition(ctx, instanceID, registry.StateRunning, registry.StateError, registry.Fields{
		Error: reason,
	})
	if stderrors.Is(err, errors.ErrStaleState) {
		return nil
	}
	if err != nil {
		return err
	}

	slog.Info("lifecycle_marked_lost", "instance_id", instanceID, "reason", reason)

	inst, getErr := m.registry.Get(ctx, instanceID)
	if getErr == nil && inst.ContainerID != "" {
		m.removeQuietly(inst.ContainerID)
	}
	return nil
}

func (m *Manager) removeQuietly(containerID string) {
	if containerID == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), m.timeouts.Stop)
	defer cancel()
	if err := m.runtime.Remove(ctx, containerID); err != nil {
		slog.Error("lifecycle_remove_failed", "container_id", containerID, "error", err)
	}
}
