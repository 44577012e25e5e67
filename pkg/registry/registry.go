// Package registry is the durable store of instance and progress records and
// the single source of truth for what is supposed to be running. All state
// changes go through compare-and-swap transitions; a mismatch between the
// caller's assumed state and the stored state surfaces as ErrStaleState
// instead of silently overwriting.
package registry

import (
	"context"
	"database/sql"
	stderrors "errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/cyberlabs/labd/pkg/errors"
	"github.com/google/uuid"
	sqlite "modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// Registry provides database operations for lab instances and progress.
type Registry struct {
	db  *sql.DB
	now func() time.Time
}

// New opens (or creates) the registry database at dbPath.
func New(dbPath string) (*Registry, error) {
	slog.Info("registry_init", "db_path", dbPath)

	db, err := sql.Open("sqlite", dbPath+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		slog.Error("registry_open_failed", "db_path", dbPath, "error", err)
		return nil, errors.Wrap(err, "failed to open registry database")
	}

	// modernc sqlite serializes best with a single connection; the registry
	// is the only writer so this costs nothing.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(Schema); err != nil {
		db.Close()
		slog.Error("registry_schema_failed", "db_path", dbPath, "error", err)
		return nil, errors.Wrap(err, "failed to create schema")
	}

	slog.Info("registry_ready", "db_path", dbPath)
	return &Registry{db: db, now: time.Now}, nil
}

// Close closes the database connection.
func (r *Registry) Close() error {
	return r.db.Close()
}

// SetClock overrides the registry's time source. Test hook.
func (r *Registry) SetClock(now func() time.Time) {
	r.now = now
}

// TryCreate inserts a new instance row in state "created" for the given
// user and lab. It is atomic with respect to the one-active-instance
// invariant: the partial unique index rejects a second active row and the
// violation is reported as ErrAlreadyActive.
func (r *Registry) TryCreate(ctx context.Context, userID, labID string) (*Instance, error) {
	now := r.now().Unix()
	inst := &Instance{
		ID:        uuid.New().String(),
		LabID:     labID,
		UserID:    userID,
		State:     StateCreated,
		CreatedAt: now,
		UpdatedAt: now,
	}

	query := `
		INSERT INTO lab_instances (id, lab_id, user_id, state, is_active, created_at, updated_at)
		VALUES (?, ?, ?, ?, 1, ?, ?)
	`
	_, err := r.db.ExecContext(ctx, query, inst.ID, labID, userID, inst.State, now, now)
	if err != nil {
		if isUniqueViolation(err) {
			slog.Info("registry_instance_already_active", "user_id", userID, "lab_id", labID)
			return nil, errors.ErrAlreadyActive
		}
		slog.Error("registry_insert_failed", "user_id", userID, "lab_id", labID, "error", err)
		return nil, errors.Wrap(err, "failed to insert instance")
	}

	slog.Info("registry_instance_created", "instance_id", inst.ID, "user_id", userID, "lab_id", labID)
	return inst, nil
}

func isUniqueViolation(err error) bool {
	var serr *sqlite.Error
	if stderrors.As(err, &serr) {
		code := serr.Code()
		return code == sqlite3.SQLITE_CONSTRAINT_UNIQUE || code == sqlite3.SQLITE_CONSTRAINT
	}
	return false
}

const instanceColumns = `id, lab_id, user_id, container_id, endpoint, state, error_message,
       started_at, expires_at, ended_at, last_seen_at, created_at, updated_at`

func scanInstance(row interface{ Scan(...any) error }) (*Instance, error) {
	var inst Instance
	var startedAt, expiresAt, endedAt, lastSeenAt sql.NullInt64
	err := row.Scan(
		&inst.ID, &inst.LabID, &inst.UserID, &inst.ContainerID, &inst.Endpoint,
		&inst.State, &inst.ErrorMessage,
		&startedAt, &expiresAt, &endedAt, &lastSeenAt,
		&inst.CreatedAt, &inst.UpdatedAt)
	if err != nil {
		return nil, err
	}
	inst.StartedAt = startedAt.Int64
	inst.ExpiresAt = expiresAt.Int64
	inst.EndedAt = endedAt.Int64
	inst.LastSeenAt = lastSeenAt.Int64
	return &inst, nil
}

// Get retrieves an instance by id.
func (r *Registry) Get(ctx context.Context, id string) (*Instance, error) {
	query := `SELECT ` + instanceColumns + ` FROM lab_instances WHERE id = ?`
	inst, err := scanInstance(r.db.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, errors.ErrNotFound
	}
	if err != nil {
		slog.Error("registry_query_failed", "instance_id", id, "error", err)
		return nil, errors.Wrap(err, "failed to query instance")
	}
	return inst, nil
}

// ActiveForUser returns the user's non-terminal instance of a lab, if any.
func (r *Registry) ActiveForUser(ctx context.Context, userID, labID string) (*Instance, error) {
	query := `SELECT ` + instanceColumns + ` FROM lab_instances
	          WHERE user_id = ? AND lab_id = ? AND is_active = 1`
	inst, err := scanInstance(r.db.QueryRowContext(ctx, query, userID, labID))
	if err == sql.ErrNoRows {
		return nil, errors.ErrNotFound
	}
	if err != nil {
		slog.Error("registry_query_failed", "user_id", userID, "lab_id", labID, "error", err)
		return nil, errors.Wrap(err, "failed to query active instance")
	}
	return inst, nil
}

// Fields carries the columns a transition may set alongside the state change.
// Zero values are left untouched.
type Fields struct {
	ContainerID string
	Endpoint    string
	Error       string
	StartedAt   time.Time
	ExpiresAt   time.Time
	EndedAt     time.Time
	LastSeenAt  time.Time
}

// Transition performs a compare-and-swap from one state to another. The
// update only applies while the stored state equals from; otherwise the
// caller gets ErrStaleState (or ErrNotFound if the row is gone) and must
// re-read before deciding what to do. Transitions into terminal states
// clear is_active, releasing the unique-index slot for the (user, lab) pair.
func (r *Registry) Transition(ctx context.Context, id, from, to string, f Fields) error {
	now := r.now().Unix()
	sets := []string{"state = ?", "updated_at = ?"}
	args := []any{to, now}

	if f.ContainerID != "" {
		sets = append(sets, "container_id = ?")
		args = append(args, f.ContainerID)
	}
	if f.Endpoint != "" {
		sets = append(sets, "endpoint = ?")
		args = append(args, f.Endpoint)
	}
	if f.Error != "" {
		sets = append(sets, "error_message = ?")
		args = append(args, f.Error)
	}
	if !f.StartedAt.IsZero() {
		sets = append(sets, "started_at = ?")
		args = append(args, f.StartedAt.Unix())
	}
	if !f.ExpiresAt.IsZero() {
		sets = append(sets, "expires_at = ?")
		args = append(args, f.ExpiresAt.Unix())
	}
	if !f.LastSeenAt.IsZero() {
		sets = append(sets, "last_seen_at = ?")
		args = append(args, f.LastSeenAt.Unix())
	}
	if Terminal(to) {
		sets = append(sets, "is_active = 0", "ended_at = ?")
		endedAt := f.EndedAt
		if endedAt.IsZero() {
			endedAt = r.now()
		}
		args = append(args, endedAt.Unix())
	}

	query := "UPDATE lab_instances SET " + strings.Join(sets, ", ") + " WHERE id = ? AND state = ?"
	args = append(args, id, from)

	result, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		slog.Error("registry_transition_failed", "instance_id", id, "from", from, "to", to, "error", err)
		return errors.Wrap(err, "failed to update instance state")
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to get rows affected")
	}
	if rows == 0 {
		current, getErr := r.Get(ctx, id)
		if getErr != nil {
			return errors.ErrNotFound
		}
		slog.Info("registry_transition_stale", "instance_id", id, "assumed", from, "actual", current.State, "wanted", to)
		return fmt.Errorf("instance %s is %s, not %s: %w", id, current.State, from, errors.ErrStaleState)
	}

	slog.Info("registry_transition", "instance_id", id, "from", from, "to", to)
	return nil
}

// Heartbeat stamps last_seen_at on a running instance. A non-running
// instance is left untouched; that is not an error.
func (r *Registry) Heartbeat(ctx context.Context, id string, seen time.Time) error {
	query := `UPDATE lab_instances SET last_seen_at = ?, updated_at = ? WHERE id = ? AND state = ?`
	_, err := r.db.ExecContext(ctx, query, seen.Unix(), r.now().Unix(), id, StateRunning)
	return errors.Wrap(err, "failed to record heartbeat")
}

func (r *Registry) queryInstances(ctx context.Context, query string, args ...any) ([]*Instance, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query instances")
	}
	defer rows.Close()

	var out []*Instance
	for rows.Next() {
		inst, err := scanInstance(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan instance row")
		}
		out = append(out, inst)
	}
	return out, rows.Err()
}

// FindExpired returns running instances whose time budget has elapsed.
func (r *Registry) FindExpired(ctx context.Context, now time.Time) ([]*Instance, error) {
	query := `SELECT ` + instanceColumns + ` FROM lab_instances
	          WHERE state = ? AND expires_at IS NOT NULL AND expires_at <= ?
	          ORDER BY expires_at`
	return r.queryInstances(ctx, query, StateRunning, now.Unix())
}

// FindOrphaned returns instances the registry believes are running but whose
// heartbeat is older than the grace period, candidates for liveness probing.
func (r *Registry) FindOrphaned(ctx context.Context, now time.Time, grace time.Duration) ([]*Instance, error) {
	cutoff := now.Add(-grace).Unix()
	query := `SELECT ` + instanceColumns + ` FROM lab_instances
	          WHERE state = ? AND (last_seen_at IS NULL OR last_seen_at <= ?)
	          ORDER BY created_at`
	return r.queryInstances(ctx, query, StateRunning, cutoff)
}

// List returns all instances, newest first.
func (r *Registry) List(ctx context.Context) ([]*Instance, error) {
	query := `SELECT ` + instanceColumns + ` FROM lab_instances ORDER BY created_at DESC`
	return r.queryInstances(ctx, query)
}
