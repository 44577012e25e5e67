// Package verifier checks flag submissions and keeps scoring exactly-once.
// Attempts are counted on every submission; points are awarded by a single
// compare-and-swap on the progress status, so concurrent duplicate correct
// submissions score once.
package verifier

import (
	"context"
	"crypto/subtle"
	stderrors "errors"
	"log/slog"
	"strings"
	"time"

	"github.com/cyberlabs/labd/pkg/auth"
	"github.com/cyberlabs/labd/pkg/catalog"
	"github.com/cyberlabs/labd/pkg/errors"
	"github.com/cyberlabs/labd/pkg/registry"
)

// Submissions longer than this are rejected before touching the registry.
const maxFlagLength = 512

// Verdict is the outcome of one submission.
type Verdict struct {
	Correct          bool
	AlreadyCompleted bool
	Points           int
	Attempts         int
	Message          string
}

// Verifier resolves submissions against the catalog's stored flags.
type Verifier struct {
	catalog  *catalog.Catalog
	registry *registry.Registry
	now      func() time.Time
}

// New creates a verifier.
func New(cat *catalog.Catalog, reg *registry.Registry) *Verifier {
	return &Verifier{catalog: cat, registry: reg, now: time.Now}
}

// SetClock overrides the verifier's time source. Test hook.
func (v *Verifier) SetClock(now func() time.Time) {
	v.now = now
}

// Submit verifies a flag against the lab behind the instance. The submitted
// flag is trimmed of surrounding whitespace and compared case-sensitively.
func (v *Verifier) Submit(ctx context.Context, user auth.User, instanceID, submitted string) (*Verdict, error) {
	if len(submitted) > maxFlagLength {
		return nil, errors.Wrap(errors.ErrConflict, "flag too long")
	}

	inst, err := v.registry.Get(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	if inst.UserID != user.ID && !user.Admin() {
		return nil, errors.ErrForbidden
	}

	lab, err := v.catalog.GetLab(inst.LabID)
	if err != nil {
		return nil, err
	}

	// Every submission counts, whatever the outcome.
	attempts, err := v.registry.RecordAttempt(ctx, inst.UserID, inst.LabID)
	if err != nil {
		return nil, err
	}

	if !flagMatches(lab.Flag, submitted) {
		slog.Info("verify_incorrect", "instance_id", instanceID, "user_id", inst.UserID, "lab_id", inst.LabID, "attempts", attempts)
		return &Verdict{Attempts: attempts, Message: "incorrect flag"}, nil
	}

	err = v.registry.CompleteProgress(ctx, inst.UserID, inst.LabID, lab.Points, v.now())
	if stderrors.Is(err, errors.ErrAlreadyCompleted) {
		slog.Info("verify_already_completed", "instance_id", instanceID, "user_id", inst.UserID, "lab_id", inst.LabID)
		return &Verdict{AlreadyCompleted: true, Attempts: attempts, Message: "lab already completed"}, nil
	}
	if err != nil {
		return nil, err
	}

	slog.Info("verify_correct", "instance_id", instanceID, "user_id", inst.UserID, "lab_id", inst.LabID, "points", lab.Points)
	return &Verdict{Correct: true, Points: lab.Points, Attempts: attempts, Message: "correct"}, nil
}

func flagMatches(expected, submitted string) bool {
	trimmed := strings.TrimSpace(submitted)
	return subtle.ConstantTimeCompare([]byte(expected), []byte(trimmed)) == 1
}
