package registry

// Schema defines the SQLite schema for lab instances and progress. The
// partial unique index on (user_id, lab_id) is the storage-level backstop
// for the one-active-instance invariant: TryCreate relies on the constraint
// violation, never on a separate existence check.
const Schema = `
CREATE TABLE IF NOT EXISTS lab_instances (
    id TEXT PRIMARY KEY,
    lab_id TEXT NOT NULL,
    user_id TEXT NOT NULL,
    container_id TEXT NOT NULL DEFAULT '',
    endpoint TEXT NOT NULL DEFAULT '',
    state TEXT NOT NULL CHECK(state IN ('created', 'starting', 'running', 'stopping', 'stopped', 'expired', 'error')),
    error_message TEXT NOT NULL DEFAULT '',
    is_active INTEGER NOT NULL DEFAULT 1,
    started_at INTEGER,
    expires_at INTEGER,
    ended_at INTEGER,
    last_seen_at INTEGER,
    created_at INTEGER NOT NULL,
    updated_at INTEGER NOT NULL
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_instances_one_active
    ON lab_instances(user_id, lab_id) WHERE is_active = 1;
CREATE INDEX IF NOT EXISTS idx_instances_state ON lab_instances(state);
CREATE INDEX IF NOT EXISTS idx_instances_expires_at ON lab_instances(expires_at);

CREATE TABLE IF NOT EXISTS lab_progress (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    lab_id TEXT NOT NULL,
    user_id TEXT NOT NULL,
    status TEXT NOT NULL DEFAULT 'not_started' CHECK(status IN ('not_started', 'in_progress', 'completed')),
    score INTEGER NOT NULL DEFAULT 0,
    attempts INTEGER NOT NULL DEFAULT 0,
    completed_at INTEGER,
    created_at INTEGER NOT NULL,
    updated_at INTEGER NOT NULL,
    UNIQUE(user_id, lab_id)
);
`

// Instance states.
const (
	StateCreated  = "created"
	StateStarting = "starting"
	StateRunning  = "running"
	StateStopping = "stopping"
	StateStopped  = "stopped"
	StateExpired  = "expired"
	StateError    = "error"
)

// Progress statuses.
const (
	ProgressNotStarted = "not_started"
	ProgressInProgress = "in_progress"
	ProgressCompleted  = "completed"
)

// Terminal reports whether a state admits no further transitions.
func Terminal(state string) bool {
	switch state {
	case StateStopped, StateExpired, StateError:
		return true
	}
	return false
}

// Instance is one provisioning attempt of a lab by a user. A retry after
// failure creates a new row; rows are never reused.
type Instance struct {
	ID           string
	LabID        string
	UserID       string
	ContainerID  string
	Endpoint     string
	State        string
	ErrorMessage string
	StartedAt    int64
	ExpiresAt    int64
	EndedAt      int64
	LastSeenAt   int64
	CreatedAt    int64
	UpdatedAt    int64
}

// Progress is a user's scoring record for one lab. Attempts only grow;
// score is set once on the first correct submission.
type Progress struct {
	LabID       string `json:"lab_id"`
	UserID      string `json:"-"`
	Status      string `json:"status"`
	Score       int    `json:"score"`
	Attempts    int    `json:"attempts"`
	CompletedAt int64  `json:"completed_at,omitempty"`
}
