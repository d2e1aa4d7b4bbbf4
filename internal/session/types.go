// Package session defines the domain model shared by the scheduler,
// orchestrator, and storage layers: sessions, workers, comments, and the
// Repository contract they are persisted through.
package session

import (
	"errors"
	"time"
)

// ErrNotFound is returned by Repository lookups for unknown ids.
var ErrNotFound = errors.New("session: not found")

// Status is the persisted lifecycle state of a session.
// Suspension is not a distinct status: a suspended session is queued with
// its resumption context (conversation id, continuation count) intact.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// WorkerKind identifies an execution target type.
type WorkerKind string

const (
	WorkerLocal  WorkerKind = "local"
	WorkerRemote WorkerKind = "remote"
)

// Session is one logical unit of agent work bound to a working directory.
type Session struct {
	ID         string
	Title      string
	WorkingDir string
	WorkerID   string // empty means local execution

	Status Status

	// ConversationID is the stable conversation identity reported by the
	// agent process. Set once known; persists across suspensions.
	ConversationID string

	// ContinuationCount is incremented once per successful activation and
	// never decreases.
	ContinuationCount int

	// PID is meaningful only while the session is active.
	PID int

	// NeedsInput is sticky: set by idle detection, cleared only by
	// explicit user input.
	NeedsInput bool

	// Locked pins the session against idle preemption.
	Locked bool

	// Worktree requests an isolated workspace created before first spawn.
	Worktree bool

	// StartFresh records that the caller asked for a brand-new
	// conversation on first activation.
	StartFresh bool

	// Position orders the session within the queue; lower runs first.
	Position int

	CreatedAt    time.Time
	LastActiveAt time.Time
}

// Worker is an execution target capable of hosting process handles.
// Connection parameters for remote workers are opaque to the orchestrator
// and interpreted only by the remote bridge.
type Worker struct {
	ID         string
	Name       string
	Kind       WorkerKind
	Connection string // opaque, e.g. JSON owned by the remote bridge
}

// CommentStatus tracks delivery of queued feedback.
type CommentStatus string

const (
	CommentPending CommentStatus = "pending"
	CommentSent    CommentStatus = "sent"
)

// Comment is user feedback queued for a session, delivered in one batched
// write after the session activates.
type Comment struct {
	ID        string
	SessionID string
	Body      string
	Status    CommentStatus
	CreatedAt time.Time
}

// Settings holds operator-tunable values persisted alongside sessions.
type Settings struct {
	MaxConcurrentSessions int
}

// Repository is the durable session/worker/settings store. Implementations
// must make each method atomic with respect to concurrent callers.
type Repository interface {
	CreateSession(s *Session) error
	GetSession(id string) (*Session, error)
	ListSessions(status Status) ([]*Session, error) // empty status lists all
	DeleteSession(id string) error

	// ActivateSession marks the session active with the given pid and
	// increments its continuation count. The conversation id, if any,
	// is preserved.
	ActivateSession(id string, pid int) error

	// SetSessionPID updates the pid of an already-active session (used
	// when a spawn is retried without a new activation).
	SetSessionPID(id string, pid int) error

	CompleteSession(id, conversationID string) error
	FailSession(id string) error

	// QueueSessionForContinue returns the session to the back of the
	// queue with its continuation context intact.
	QueueSessionForContinue(id string) error

	SetNeedsInput(id string, v bool) error
	SetConversationID(id, conversationID string) error
	SetTitle(id, title string) error
	SetLocked(id string, v bool) error

	// GetNextQueuedSession returns the queued session with the lowest
	// position, or nil when the queue is empty.
	GetNextQueuedSession() (*Session, error)
	CountActiveSessions() (int, error)

	GetSettings() (*Settings, error)
	SetMaxConcurrentSessions(n int) error

	GetWorker(id string) (*Worker, error)
	CreateWorker(w *Worker) error

	AddComment(c *Comment) error
	GetCommentsByStatus(sessionID string, status CommentStatus) ([]*Comment, error)
	MarkCommentSent(id string) error
}
