package verifier

import (
	"context"
	stderrors "errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cyberlabs/labd/pkg/auth"
	"github.com/cyberlabs/labd/pkg/catalog"
	apperrors "github.com/cyberlabs/labd/pkg/errors"
	"github.com/cyberlabs/labd/pkg/registry"
)

const verifierTestCatalog = `
labs:
  - id: sqli-basics
    title: SQL Injection Basics
    points: 100
    image: webgoat/webgoat
    internal_port: 8080
    flag: "flag{un1on_s3lect}"
    active: true
`

var alice = auth.User{ID: "alice", Role: auth.RolePlayer}

func newTestVerifier(t *testing.T) (*Verifier, *registry.Registry) {
	t.Helper()

	path := filepath.Join(t.TempDir(), "labs.yaml")
	if err := os.WriteFile(path, []byte(verifierTestCatalog), 0644); err != nil {
		t.Fatalf("failed to write catalog: %v", err)
	}
	cat, err := catalog.Load(path, time.Hour)
	if err != nil {
		t.Fatalf("failed to load catalog: %v", err)
	}

	reg, err := registry.New(filepath.Join(t.TempDir(), "registry.db"))
	if err != nil {
		t.Fatalf("failed to create registry: %v", err)
	}
	t.Cleanup(func() { reg.Close() })

	return New(cat, reg), reg
}

func createInstance(t *testing.T, reg *registry.Registry, user string) *registry.Instance {
	t.Helper()
	inst, err := reg.TryCreate(context.Background(), user, "sqli-basics")
	if err != nil {
		t.Fatalf("failed to create instance: %v", err)
	}
	return inst
}

func TestSubmit_Correct(t *testing.T) {
	v, reg := newTestVerifier(t)
	inst := createInstance(t, reg, "alice")

	verdict, err := v.Submit(context.Background(), alice, inst.ID, "flag{un1on_s3lect}")
	if err != nil {
		t.Fatalf("failed to submit: %v", err)
	}
	if !verdict.Correct || verdict.Points != 100 {
		t.Errorf("expected correct with 100 points, got %+v", verdict)
	}
	if verdict.Attempts != 1 {
		t.Errorf("expected 1 attempt, got %d", verdict.Attempts)
	}
}

func TestSubmit_TrimsWhitespace(t *testing.T) {
	v, reg := newTestVerifier(t)
	inst := createInstance(t, reg, "alice")

	verdict, err := v.Submit(context.Background(), alice, inst.ID, "  flag{un1on_s3lect}\n")
	if err != nil {
		t.Fatalf("failed to submit: %v", err)
	}
	if !verdict.Correct {
		t.Errorf("whitespace-padded flag must match, got %+v", verdict)
	}
}

func TestSubmit_IncorrectCountsAttempt(t *testing.T) {
	v, reg := newTestVerifier(t)
	inst := createInstance(t, reg, "alice")
	ctx := context.Background()

	verdict, err := v.Submit(ctx, alice, inst.ID, "flag{wrong}")
	if err != nil {
		t.Fatalf("failed to submit: %v", err)
	}
	if verdict.Correct {
		t.Error("wrong flag reported correct")
	}
	if verdict.Attempts != 1 {
		t.Errorf("wrong submission must count, got %d attempts", verdict.Attempts)
	}

	// Case matters.
	verdict, _ = v.Submit(ctx, alice, inst.ID, "FLAG{UN1ON_S3LECT}")
	if verdict.Correct {
		t.Error("flag comparison must be case-sensitive")
	}

	p, _ := reg.GetProgress(ctx, "alice", "sqli-basics")
	if p.Score != 0 || p.Status != registry.ProgressInProgress {
		t.Errorf("wrong submissions must not score: %+v", p)
	}
}

func TestSubmit_SecondCorrectIsAlreadyCompleted(t *testing.T) {
	v, reg := newTestVerifier(t)
	inst := createInstance(t, reg, "alice")
	ctx := context.Background()

	if _, err := v.Submit(ctx, alice, inst.ID, "flag{un1on_s3lect}"); err != nil {
		t.Fatalf("failed to submit: %v", err)
	}

	verdict, err := v.Submit(ctx, alice, inst.ID, "flag{un1on_s3lect}")
	if err != nil {
		t.Fatalf("duplicate submission must not error: %v", err)
	}
	if verdict.Correct || !verdict.AlreadyCompleted {
		t.Errorf("expected already-completed verdict, got %+v", verdict)
	}
	if verdict.Attempts != 2 {
		t.Errorf("duplicate submission still counts, got %d attempts", verdict.Attempts)
	}

	p, _ := reg.GetProgress(ctx, "alice", "sqli-basics")
	if p.Score != 100 {
		t.Errorf("score must stay at 100, got %d", p.Score)
	}
}

func TestSubmit_ConcurrentCorrectScoresOnce(t *testing.T) {
	v, reg := newTestVerifier(t)
	inst := createInstance(t, reg, "alice")
	ctx := context.Background()

	const submitters = 8
	var wg sync.WaitGroup
	verdicts := make(chan *Verdict, submitters)

	for i := 0; i < submitters; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			verdict, err := v.Submit(ctx, alice, inst.ID, "flag{un1on_s3lect}")
			if err != nil {
				t.Errorf("submit failed: %v", err)
				return
			}
			verdicts <- verdict
		}()
	}
	wg.Wait()
	close(verdicts)

	scored := 0
	for verdict := range verdicts {
		if verdict.Correct {
			scored++
		}
	}
	if scored != 1 {
		t.Errorf("expected exactly 1 scoring verdict, got %d", scored)
	}

	p, _ := reg.GetProgress(ctx, "alice", "sqli-basics")
	if p.Score != 100 {
		t.Errorf("score awarded more than once: %d", p.Score)
	}
	if p.Attempts != submitters {
		t.Errorf("every submission must count: got %d attempts", p.Attempts)
	}
}

func TestSubmit_WorksAfterInstanceTerminal(t *testing.T) {
	v, reg := newTestVerifier(t)
	inst := createInstance(t, reg, "alice")
	ctx := context.Background()

	// The instance expired before the user submitted; the solve still counts.
	if err := reg.Transition(ctx, inst.ID, registry.StateCreated, registry.StateExpired, registry.Fields{}); err != nil {
		t.Fatalf("failed to expire: %v", err)
	}

	verdict, err := v.Submit(ctx, alice, inst.ID, "flag{un1on_s3lect}")
	if err != nil {
		t.Fatalf("failed to submit after expiry: %v", err)
	}
	if !verdict.Correct {
		t.Errorf("submission after expiry must still verify, got %+v", verdict)
	}
}

func TestSubmit_OwnershipEnforced(t *testing.T) {
	v, reg := newTestVerifier(t)
	inst := createInstance(t, reg, "alice")
	ctx := context.Background()

	mallory := auth.User{ID: "mallory", Role: auth.RolePlayer}
	if _, err := v.Submit(ctx, mallory, inst.ID, "flag{un1on_s3lect}"); !stderrors.Is(err, apperrors.ErrForbidden) {
		t.Errorf("expected ErrForbidden for foreign submission, got %v", err)
	}

	// The blocked submission must not count against the owner.
	p, _ := reg.GetProgress(ctx, "alice", "sqli-basics")
	if p.Attempts != 0 {
		t.Errorf("foreign submission counted: %d attempts", p.Attempts)
	}
}

func TestSubmit_UnknownInstance(t *testing.T) {
	v, _ := newTestVerifier(t)

	_, err := v.Submit(context.Background(), alice, "no-such-id", "flag{un1on_s3lect}")
	if !stderrors.Is(err, apperrors.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestSubmit_RejectsOversizedFlag(t *testing.T) {
	v, reg := newTestVerifier(t)
	inst := createInstance(t, reg, "alice")

	huge := strings.Repeat("a", maxFlagLength+1)
	if _, err := v.Submit(context.Background(), alice, inst.ID, huge); err == nil {
		t.Error("expected oversized flag to be rejected")
	}

	p, _ := reg.GetProgress(context.Background(), "alice", "sqli-basics")
	if p.Attempts != 0 {
		t.Errorf("rejected submission must not count: %d attempts", p.Attempts)
	}
}
