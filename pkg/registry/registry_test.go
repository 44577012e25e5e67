package registry

import (
	"context"
	stderrors "errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	apperrors "github.com/cyberlabs/labd/pkg/errors"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	reg, err := New(filepath.Join(t.TempDir(), "registry.db"))
	if err != nil {
		t.Fatalf("failed to create registry: %v", err)
	}
	t.Cleanup(func() { reg.Close() })
	return reg
}

func TestTryCreate_OneActivePerUserAndLab(t *testing.T) {
	reg := newTestRegistry(t)
	ctx := context.Background()

	inst, err := reg.TryCreate(ctx, "alice", "sqli-basics")
	if err != nil {
		t.Fatalf("failed to create instance: %v", err)
	}
	if inst.State != StateCreated {
		t.Errorf("expected state %s, got %s", StateCreated, inst.State)
	}

	if _, err := reg.TryCreate(ctx, "alice", "sqli-basics"); !stderrors.Is(err, apperrors.ErrAlreadyActive) {
		t.Errorf("expected ErrAlreadyActive for duplicate, got %v", err)
	}

	// A different lab or a different user is fine.
	if _, err := reg.TryCreate(ctx, "alice", "xss-playground"); err != nil {
		t.Errorf("unexpected error for different lab: %v", err)
	}
	if _, err := reg.TryCreate(ctx, "bob", "sqli-basics"); err != nil {
		t.Errorf("unexpected error for different user: %v", err)
	}
}

func TestTryCreate_Concurrent(t *testing.T) {
	reg := newTestRegistry(t)
	ctx := context.Background()

	const attempts = 10
	var wg sync.WaitGroup
	results := make(chan error, attempts)

	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := reg.TryCreate(ctx, "alice", "sqli-basics")
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	created := 0
	for err := range results {
		if err == nil {
			created++
		} else if !stderrors.Is(err, apperrors.ErrAlreadyActive) {
			t.Errorf("unexpected error: %v", err)
		}
	}
	if created != 1 {
		t.Errorf("expected exactly 1 creation to win, got %d", created)
	}
}

func TestTryCreate_AfterTerminalReleasesSlot(t *testing.T) {
	reg := newTestRegistry(t)
	ctx := context.Background()

	first, err := reg.TryCreate(ctx, "alice", "sqli-basics")
	if err != nil {
		t.Fatalf("failed to create instance: %v", err)
	}

	if err := reg.Transition(ctx, first.ID, StateCreated, StateError, Fields{Error: "image pull failed"}); err != nil {
		t.Fatalf("failed to park instance in error: %v", err)
	}

	second, err := reg.TryCreate(ctx, "alice", "sqli-basics")
	if err != nil {
		t.Fatalf("expected retry after terminal state to succeed: %v", err)
	}
	if second.ID == first.ID {
		t.Error("retry must create a fresh row, not reuse the old one")
	}

	// The failed row survives for auditing.
	old, err := reg.Get(ctx, first.ID)
	if err != nil {
		t.Fatalf("failed to get old instance: %v", err)
	}
	if old.State != StateError || old.ErrorMessage != "image pull failed" {
		t.Errorf("old row not preserved: %+v", old)
	}
	if old.EndedAt == 0 {
		t.Error("terminal transition must stamp ended_at")
	}
}

func TestTransition_StaleState(t *testing.T) {
	reg := newTestRegistry(t)
	ctx := context.Background()

	inst, _ := reg.TryCreate(ctx, "alice", "sqli-basics")
	if err := reg.Transition(ctx, inst.ID, StateCreated, StateStarting, Fields{}); err != nil {
		t.Fatalf("failed to transition: %v", err)
	}

	// Assuming created again must fail without touching the row.
	err := reg.Transition(ctx, inst.ID, StateCreated, StateStarting, Fields{})
	if !stderrors.Is(err, apperrors.ErrStaleState) {
		t.Fatalf("expected ErrStaleState, got %v", err)
	}

	current, _ := reg.Get(ctx, inst.ID)
	if current.State != StateStarting {
		t.Errorf("row changed by losing CAS: state %s", current.State)
	}
}

func TestTransition_NotFound(t *testing.T) {
	reg := newTestRegistry(t)

	err := reg.Transition(context.Background(), "no-such-id", StateCreated, StateStarting, Fields{})
	if !stderrors.Is(err, apperrors.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestTransition_RunningFields(t *testing.T) {
	reg := newTestRegistry(t)
	ctx := context.Background()

	inst, _ := reg.TryCreate(ctx, "alice", "sqli-basics")
	reg.Transition(ctx, inst.ID, StateCreated, StateStarting, Fields{})

	now := time.Now()
	err := reg.Transition(ctx, inst.ID, StateStarting, StateRunning, Fields{
		ContainerID: "c.123",
		Endpoint:    "http://127.0.0.1:32768",
		StartedAt:   now,
		ExpiresAt:   now.Add(time.Hour),
		LastSeenAt:  now,
	})
	if err != nil {
		t.Fatalf("failed to transition to running: %v", err)
	}

	got, _ := reg.Get(ctx, inst.ID)
	if got.ContainerID != "c.123" || got.Endpoint != "http://127.0.0.1:32768" {
		t.Errorf("running fields not stored: %+v", got)
	}
	if got.ExpiresAt != now.Add(time.Hour).Unix() {
		t.Errorf("expires_at mismatch: got %d", got.ExpiresAt)
	}
}

func TestActiveForUser(t *testing.T) {
	reg := newTestRegistry(t)
	ctx := context.Background()

	if _, err := reg.ActiveForUser(ctx, "alice", "sqli-basics"); !stderrors.Is(err, apperrors.ErrNotFound) {
		t.Errorf("expected ErrNotFound with no instance, got %v", err)
	}

	inst, _ := reg.TryCreate(ctx, "alice", "sqli-basics")
	active, err := reg.ActiveForUser(ctx, "alice", "sqli-basics")
	if err != nil {
		t.Fatalf("failed to get active instance: %v", err)
	}
	if active.ID != inst.ID {
		t.Errorf("wrong instance: got %s, want %s", active.ID, inst.ID)
	}

	reg.Transition(ctx, inst.ID, StateCreated, StateError, Fields{Error: "boom"})
	if _, err := reg.ActiveForUser(ctx, "alice", "sqli-basics"); !stderrors.Is(err, apperrors.ErrNotFound) {
		t.Errorf("terminal instance still reported active: %v", err)
	}
}

func runInstance(t *testing.T, reg *Registry, user, lab string, now time.Time, budget time.Duration) *Instance {
	t.Helper()
	ctx := context.Background()
	inst, err := reg.TryCreate(ctx, user, lab)
	if err != nil {
		t.Fatalf("failed to create instance: %v", err)
	}
	if err := reg.Transition(ctx, inst.ID, StateCreated, StateStarting, Fields{}); err != nil {
		t.Fatalf("failed to transition to starting: %v", err)
	}
	err = reg.Transition(ctx, inst.ID, StateStarting, StateRunning, Fields{
		ContainerID: "c." + inst.ID[:8],
		Endpoint:    "http://127.0.0.1:32768",
		StartedAt:   now,
		ExpiresAt:   now.Add(budget),
		LastSeenAt:  now,
	})
	if err != nil {
		t.Fatalf("failed to transition to running: %v", err)
	}
	got, err := reg.Get(ctx, inst.ID)
	if err != nil {
		t.Fatalf("failed to reload instance: %v", err)
	}
	return got
}

func TestFindExpired(t *testing.T) {
	reg := newTestRegistry(t)
	ctx := context.Background()
	now := time.Now()

	short := runInstance(t, reg, "alice", "sqli-basics", now, time.Minute)
	runInstance(t, reg, "bob", "sqli-basics", now, time.Hour)

	expired, err := reg.FindExpired(ctx, now.Add(5*time.Minute))
	if err != nil {
		t.Fatalf("failed to find expired: %v", err)
	}
	if len(expired) != 1 || expired[0].ID != short.ID {
		t.Errorf("expected only the short instance, got %d rows", len(expired))
	}

	none, err := reg.FindExpired(ctx, now.Add(30*time.Second))
	if err != nil {
		t.Fatalf("failed to find expired: %v", err)
	}
	if len(none) != 0 {
		t.Errorf("expected no expired instances yet, got %d", len(none))
	}
}

func TestFindOrphaned_AndHeartbeat(t *testing.T) {
	reg := newTestRegistry(t)
	ctx := context.Background()
	now := time.Now()

	stale := runInstance(t, reg, "alice", "sqli-basics", now, time.Hour)
	fresh := runInstance(t, reg, "bob", "sqli-basics", now, time.Hour)

	later := now.Add(2 * time.Minute)
	if err := reg.Heartbeat(ctx, fresh.ID, later); err != nil {
		t.Fatalf("failed to heartbeat: %v", err)
	}

	orphans, err := reg.FindOrphaned(ctx, later, 90*time.Second)
	if err != nil {
		t.Fatalf("failed to find orphaned: %v", err)
	}
	if len(orphans) != 1 || orphans[0].ID != stale.ID {
		t.Errorf("expected only the stale instance, got %d rows", len(orphans))
	}
}

func TestHeartbeat_IgnoresNonRunning(t *testing.T) {
	reg := newTestRegistry(t)
	ctx := context.Background()

	inst, _ := reg.TryCreate(ctx, "alice", "sqli-basics")
	if err := reg.Heartbeat(ctx, inst.ID, time.Now()); err != nil {
		t.Fatalf("heartbeat on non-running must be a no-op, got: %v", err)
	}

	got, _ := reg.Get(ctx, inst.ID)
	if got.LastSeenAt != 0 {
		t.Errorf("last_seen_at stamped on non-running instance: %d", got.LastSeenAt)
	}
}

func TestList(t *testing.T) {
	reg := newTestRegistry(t)
	ctx := context.Background()

	reg.TryCreate(ctx, "alice", "sqli-basics")
	reg.TryCreate(ctx, "bob", "xss-playground")

	instances, err := reg.List(ctx)
	if err != nil {
		t.Fatalf("failed to list instances: %v", err)
	}
	if len(instances) != 2 {
		t.Errorf("expected 2 instances, got %d", len(instances))
	}
}
