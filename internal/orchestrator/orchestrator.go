// Package orchestrator is the top-level session state machine. It turns
// external intents (create, continue, kill, send input, resize) into
// process-handle actions and repository updates, and turns process events
// back into lifecycle transitions.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/nadavbarak14/agentboard/internal/logging"
	"github.com/nadavbarak14/agentboard/internal/proc"
	"github.com/nadavbarak14/agentboard/internal/scheduler"
	"github.com/nadavbarak14/agentboard/internal/session"
)

var orchLog = logging.ForComponent(logging.CompOrch)

// Spawner starts local processes and exposes the shared event stream the
// orchestrator consumes. *proc.LocalProvider satisfies it.
type Spawner interface {
	Spawn(spec proc.SpawnSpec) (proc.Handle, error)
	Events() <-chan proc.Event
}

// RemoteExecutor runs sessions on remote workers. Its spawned processes
// must report events on the same stream as the Spawner (the SSH bridge
// tunnels through the local provider). EnsureWorkspace is the one awaited
// round trip: it must complete before the remote spawn.
type RemoteExecutor interface {
	EnsureWorkspace(ctx context.Context, w *session.Worker, dir string) error
	Spawn(w *session.Worker, spec proc.SpawnSpec) (proc.Handle, error)
}

// Config carries the orchestrator's tunables.
type Config struct {
	// AgentCommand is the base argv every session runs (before
	// resumption flags).
	AgentCommand []string

	// RetryGrace bounds the early-exit window for the retry-without-
	// continuation rule.
	RetryGrace time.Duration

	// CommentSettle is the delay between activation and batched comment
	// delivery.
	CommentSettle time.Duration
}

// activation records how and when a session's current process was
// started, for the early-exit retry rule.
type activation struct {
	at      time.Time
	mode    session.ResumeKind
	retried bool
}

// Orchestrator owns the session-to-handle map and every per-session
// transient flag. All mutable state is guarded by mu; events for one
// session are processed in emission order by the single Run loop.
type Orchestrator struct {
	cfg    Config
	repo   session.Repository
	sched  *scheduler.Scheduler
	local  Spawner
	remote RemoteExecutor // nil when no remote workers are configured

	mu            sync.Mutex
	handles       map[string]proc.Handle
	guard         map[string]bool // suspend guard armed
	suspending    map[string]bool
	spawning      map[string]bool // activation in flight, no handle yet
	killed        map[string]bool // user-requested kill in flight
	activations   map[string]*activation
	settleTimers  map[string]*time.Timer
	listeners     []Listener
	dataListeners []DataListener
}

// New wires an orchestrator to its collaborators and registers itself as
// the scheduler's dispatch target.
func New(cfg Config, repo session.Repository, sched *scheduler.Scheduler, local Spawner, remote RemoteExecutor) *Orchestrator {
	o := &Orchestrator{
		cfg:          cfg,
		repo:         repo,
		sched:        sched,
		local:        local,
		remote:       remote,
		handles:      make(map[string]proc.Handle),
		guard:        make(map[string]bool),
		suspending:   make(map[string]bool),
		spawning:     make(map[string]bool),
		killed:       make(map[string]bool),
		activations:  make(map[string]*activation),
		settleTimers: make(map[string]*time.Timer),
	}
	sched.OnDispatch(o.handleDispatch)
	return o
}

// Run consumes the process event stream until ctx is cancelled. Must be
// running for any session lifecycle to progress.
func (o *Orchestrator) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			o.shutdown()
			return ctx.Err()
		case ev := <-o.local.Events():
			o.handleEvent(ev)
		}
	}
}

// shutdown stops all pending timers so no stale callback acts after the
// event loop exits.
func (o *Orchestrator) shutdown() {
	o.mu.Lock()
	defer o.mu.Unlock()
	for id, t := range o.settleTimers {
		t.Stop()
		delete(o.settleTimers, id)
	}
}

// CreateInput describes a session to create.
type CreateInput struct {
	Title      string
	WorkingDir string
	WorkerID   string
	Worktree   bool
	Locked     bool
	StartFresh bool
}

// CreateSession persists a new queued session and activates it
// immediately when a slot is free.
func (o *Orchestrator) CreateSession(in CreateInput) (*session.Session, error) {
	if in.WorkingDir == "" {
		return nil, fmt.Errorf("orchestrator: working directory required")
	}
	sess := &session.Session{
		Title:      in.Title,
		WorkingDir: in.WorkingDir,
		WorkerID:   in.WorkerID,
		Worktree:   in.Worktree,
		Locked:     in.Locked,
		StartFresh: in.StartFresh,
	}
	if err := o.repo.CreateSession(sess); err != nil {
		return nil, fmt.Errorf("orchestrator: create session: %w", err)
	}
	orchLog.Info("session_created",
		slog.String("session", sess.ID),
		slog.String("dir", sess.WorkingDir))

	if o.sched.HasAvailableSlot() {
		o.sched.AttemptDispatch()
	}
	return o.repo.GetSession(sess.ID)
}

// ContinueResult reports the outcome of a continue request.
type ContinueResult struct {
	Status  session.Status
	Message string
}

// ContinueSession re-queues a finished session so it resumes its
// conversation, activating it immediately when a slot is free.
func (o *Orchestrator) ContinueSession(id string) (*ContinueResult, error) {
	sess, err := o.repo.GetSession(id)
	if err != nil {
		return nil, err
	}
	switch sess.Status {
	case session.StatusActive:
		return &ContinueResult{Status: session.StatusActive, Message: "session already active"}, nil
	case session.StatusQueued:
		return &ContinueResult{Status: session.StatusQueued, Message: "session already queued"}, nil
	}

	if err := o.repo.QueueSessionForContinue(id); err != nil {
		return nil, fmt.Errorf("orchestrator: queue for continue: %w", err)
	}
	o.sched.AttemptDispatch()

	sess, err = o.repo.GetSession(id)
	if err != nil {
		return nil, err
	}
	if sess.Status == session.StatusActive {
		return &ContinueResult{Status: session.StatusActive, Message: "session activated"}, nil
	}
	return &ContinueResult{Status: session.StatusQueued, Message: "session queued for continuation"}, nil
}

// KillSession terminates a session's process. Returns false when the
// session has no running process; that is an expected race, not an error.
func (o *Orchestrator) KillSession(id string) bool {
	o.mu.Lock()
	h := o.handles[id]
	if h != nil {
		o.killed[id] = true
	}
	o.mu.Unlock()
	if h == nil {
		return false
	}
	_ = h.Kill()
	return true
}

// SendInput writes user input to a session's process. Returns false when
// no process is registered.
func (o *Orchestrator) SendInput(id string, data []byte) bool {
	o.mu.Lock()
	h := o.handles[id]
	o.mu.Unlock()
	if h == nil {
		return false
	}
	if err := h.Write(data); err != nil {
		orchLog.Warn("input_write_failed",
			slog.String("session", id),
			slog.String("error", err.Error()))
		return false
	}
	return true
}

// ResizeSession resizes a session's pty. A session with no process is a
// no-op.
func (o *Orchestrator) ResizeSession(id string, cols, rows int) {
	o.mu.Lock()
	h := o.handles[id]
	o.mu.Unlock()
	if h == nil {
		return
	}
	if err := h.Resize(cols, rows); err != nil {
		orchLog.Debug("resize_failed",
			slog.String("session", id),
			slog.String("error", err.Error()))
	}
}

// AddComment queues feedback for delivery after the session's next
// activation.
func (o *Orchestrator) AddComment(sessionID, body string) error {
	if _, err := o.repo.GetSession(sessionID); err != nil {
		return err
	}
	return o.repo.AddComment(&session.Comment{SessionID: sessionID, Body: body})
}

// DeleteSession kills any running process, cancels pending timers, and
// removes the session permanently.
func (o *Orchestrator) DeleteSession(id string) error {
	o.mu.Lock()
	if t := o.settleTimers[id]; t != nil {
		t.Stop()
		delete(o.settleTimers, id)
	}
	h := o.handles[id]
	if h != nil {
		o.killed[id] = true
	}
	o.mu.Unlock()

	if h != nil {
		_ = h.Kill()
	}
	return o.repo.DeleteSession(id)
}

// SetLocked pins or unpins a session against idle preemption.
func (o *Orchestrator) SetLocked(id string, v bool) error {
	return o.repo.SetLocked(id, v)
}

// --- Activation ---

// handleDispatch is the scheduler's dispatch callback.
func (o *Orchestrator) handleDispatch(sess *session.Session) {
	o.activate(sess)
}

func (o *Orchestrator) activate(sess *session.Session) {
	// A slow spawn can outlast the dispatch gap, letting the retry timer
	// re-select the session while it is still queued in the repository.
	// One activation per session at a time.
	o.mu.Lock()
	if o.handles[sess.ID] != nil || o.spawning[sess.ID] {
		o.mu.Unlock()
		return
	}
	o.spawning[sess.ID] = true
	o.mu.Unlock()

	res := session.SelectResumption(sess.ContinuationCount, sess.ConversationID, sess.StartFresh, sess.Worktree)
	argv := res.Argv(o.cfg.AgentCommand)

	h, err := o.spawnFor(sess, argv)
	if err != nil {
		o.mu.Lock()
		delete(o.spawning, sess.ID)
		o.mu.Unlock()
		orchLog.Error("activation_failed",
			slog.String("session", sess.ID),
			slog.String("mode", res.Kind.String()),
			slog.String("error", err.Error()))
		o.failSession(sess.ID)
		o.sched.OnSessionCompleted()
		return
	}

	o.mu.Lock()
	delete(o.spawning, sess.ID)
	o.handles[sess.ID] = h
	o.guard[sess.ID] = true
	o.activations[sess.ID] = &activation{at: time.Now(), mode: res.Kind}
	o.mu.Unlock()

	if err := o.repo.ActivateSession(sess.ID, h.PID()); err != nil {
		orchLog.Error("activate_persist_failed",
			slog.String("session", sess.ID),
			slog.String("error", err.Error()))
	}
	orchLog.Info("session_activated",
		slog.String("session", sess.ID),
		slog.String("mode", res.Kind.String()),
		slog.Int("pid", h.PID()))
	o.notify(Notification{Kind: NotifSessionActivated, SessionID: sess.ID})
	o.armCommentDelivery(sess.ID)
}

// spawnFor routes a spawn to the session's worker: remote workers go
// through the bridge (with workspace init for worktree sessions), local
// execution goes straight to the provider.
func (o *Orchestrator) spawnFor(sess *session.Session, argv []string) (proc.Handle, error) {
	spec := proc.SpawnSpec{
		SessionID: sess.ID,
		Dir:       sess.WorkingDir,
		Argv:      argv,
	}

	if sess.WorkerID == "" {
		if sess.Worktree {
			if err := os.MkdirAll(sess.WorkingDir, 0o755); err != nil {
				return nil, fmt.Errorf("orchestrator: init workspace: %w", err)
			}
		}
		return o.local.Spawn(spec)
	}

	worker, err := o.repo.GetWorker(sess.WorkerID)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: worker %s: %w", sess.WorkerID, err)
	}
	if worker.Kind != session.WorkerRemote {
		if sess.Worktree {
			if err := os.MkdirAll(sess.WorkingDir, 0o755); err != nil {
				return nil, fmt.Errorf("orchestrator: init workspace: %w", err)
			}
		}
		return o.local.Spawn(spec)
	}
	if o.remote == nil {
		return nil, fmt.Errorf("orchestrator: no remote executor for worker %s", sess.WorkerID)
	}

	if sess.Worktree {
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := o.remote.EnsureWorkspace(ctx, worker, sess.WorkingDir); err != nil {
			return nil, err
		}
	}
	return o.remote.Spawn(worker, spec)
}

func (o *Orchestrator) failSession(id string) {
	if err := o.repo.FailSession(id); err != nil {
		orchLog.Error("fail_persist_failed",
			slog.String("session", id),
			slog.String("error", err.Error()))
	}
	o.notify(Notification{Kind: NotifSessionFailed, SessionID: id})
}

// --- Comment delivery ---

// armCommentDelivery schedules one batched comment write after the
// settle delay, replacing any pending timer for the session.
func (o *Orchestrator) armCommentDelivery(id string) {
	o.mu.Lock()
	if t := o.settleTimers[id]; t != nil {
		t.Stop()
	}
	o.settleTimers[id] = time.AfterFunc(o.cfg.CommentSettle, func() {
		o.deliverComments(id)
	})
	o.mu.Unlock()
}

// deliverComments writes all pending comments as one structured message
// and marks each sent exactly once. A session whose process died before
// the settle delay keeps its comments pending for the next activation.
func (o *Orchestrator) deliverComments(id string) {
	o.mu.Lock()
	delete(o.settleTimers, id)
	h := o.handles[id]
	o.mu.Unlock()
	if h == nil {
		return
	}

	comments, err := o.repo.GetCommentsByStatus(id, session.CommentPending)
	if err != nil {
		orchLog.Warn("comment_load_failed",
			slog.String("session", id),
			slog.String("error", err.Error()))
		return
	}
	if len(comments) == 0 {
		return
	}

	var b strings.Builder
	b.WriteString("\n[queued feedback]\n")
	for _, c := range comments {
		b.WriteString("- ")
		b.WriteString(c.Body)
		b.WriteString("\n")
	}
	if err := h.Write([]byte(b.String())); err != nil {
		orchLog.Warn("comment_write_failed",
			slog.String("session", id),
			slog.String("error", err.Error()))
		return
	}
	for _, c := range comments {
		if err := o.repo.MarkCommentSent(c.ID); err != nil {
			orchLog.Warn("comment_mark_failed",
				slog.String("comment", c.ID),
				slog.String("error", err.Error()))
		}
	}
	orchLog.Info("comments_delivered",
		slog.String("session", id),
		slog.Int("count", len(comments)))
}
