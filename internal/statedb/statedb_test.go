package statedb

import (
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"github.com/nadavbarak14/agentboard/internal/session"
)

func newTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "state.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func mustCreate(t *testing.T, db *DB, sess *session.Session) *session.Session {
	t.Helper()
	if sess.WorkingDir == "" {
		sess.WorkingDir = "/tmp/work"
	}
	if err := db.CreateSession(sess); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	return sess
}

func TestOpenClose(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "state.db")

	db1, err := Open(dbPath)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	mustCreate(t, db1, &session.Session{Title: "first"})
	db1.Close()

	db2, err := Open(dbPath)
	if err != nil {
		t.Fatalf("Reopen: %v", err)
	}
	defer db2.Close()

	sessions, err := db2.ListSessions("")
	if err != nil {
		t.Fatalf("ListSessions: %v", err)
	}
	if len(sessions) != 1 || sessions[0].Title != "first" {
		t.Fatalf("unexpected sessions after reopen: %+v", sessions)
	}
}

func TestSessionRoundTrip(t *testing.T) {
	db := newTestDB(t)
	created := mustCreate(t, db, &session.Session{
		Title:      "build",
		WorkingDir: "/home/dev/proj",
		Worktree:   true,
		StartFresh: true,
	})

	got, err := db.GetSession(created.ID)
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if got.Status != session.StatusQueued {
		t.Errorf("Status = %s, want queued", got.Status)
	}
	if !got.Worktree || !got.StartFresh {
		t.Errorf("flags lost: %+v", got)
	}
	if got.WorkingDir != "/home/dev/proj" {
		t.Errorf("WorkingDir = %s", got.WorkingDir)
	}
	if got.ContinuationCount != 0 {
		t.Errorf("ContinuationCount = %d, want 0", got.ContinuationCount)
	}
}

func TestGetSessionNotFound(t *testing.T) {
	db := newTestDB(t)
	if _, err := db.GetSession("nope"); !errors.Is(err, session.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestActivateIncrementsContinuationCount(t *testing.T) {
	db := newTestDB(t)
	sess := mustCreate(t, db, &session.Session{})

	if err := db.ActivateSession(sess.ID, 100); err != nil {
		t.Fatalf("ActivateSession: %v", err)
	}
	got, _ := db.GetSession(sess.ID)
	if got.ContinuationCount != 1 || got.PID != 100 || got.Status != session.StatusActive {
		t.Fatalf("after activate: %+v", got)
	}

	// Suspend, reactivate: the count keeps growing, never resets.
	if err := db.QueueSessionForContinue(sess.ID); err != nil {
		t.Fatalf("QueueSessionForContinue: %v", err)
	}
	got, _ = db.GetSession(sess.ID)
	if got.ContinuationCount != 1 || got.PID != 0 || got.Status != session.StatusQueued {
		t.Fatalf("after queue: %+v", got)
	}

	if err := db.ActivateSession(sess.ID, 200); err != nil {
		t.Fatalf("ActivateSession: %v", err)
	}
	got, _ = db.GetSession(sess.ID)
	if got.ContinuationCount != 2 {
		t.Errorf("ContinuationCount = %d, want 2", got.ContinuationCount)
	}
}

func TestConversationIDSurvivesSuspendResume(t *testing.T) {
	db := newTestDB(t)
	sess := mustCreate(t, db, &session.Session{})

	db.ActivateSession(sess.ID, 1)
	if err := db.SetConversationID(sess.ID, "conv-42"); err != nil {
		t.Fatalf("SetConversationID: %v", err)
	}
	db.QueueSessionForContinue(sess.ID)
	db.ActivateSession(sess.ID, 2)

	got, _ := db.GetSession(sess.ID)
	if got.ConversationID != "conv-42" {
		t.Errorf("ConversationID = %q, want conv-42", got.ConversationID)
	}
}

func TestCompleteRecordsConversationID(t *testing.T) {
	db := newTestDB(t)
	sess := mustCreate(t, db, &session.Session{})
	db.ActivateSession(sess.ID, 1)

	if err := db.CompleteSession(sess.ID, "conv-9"); err != nil {
		t.Fatalf("CompleteSession: %v", err)
	}
	got, _ := db.GetSession(sess.ID)
	if got.Status != session.StatusCompleted || got.ConversationID != "conv-9" || got.PID != 0 {
		t.Fatalf("after complete: %+v", got)
	}

	// Completing with an empty id must not erase a known one.
	db.QueueSessionForContinue(sess.ID)
	db.ActivateSession(sess.ID, 2)
	db.CompleteSession(sess.ID, "")
	got, _ = db.GetSession(sess.ID)
	if got.ConversationID != "conv-9" {
		t.Errorf("ConversationID erased: %q", got.ConversationID)
	}
}

func TestQueueOrdering(t *testing.T) {
	db := newTestDB(t)
	a := mustCreate(t, db, &session.Session{Title: "a"})
	b := mustCreate(t, db, &session.Session{Title: "b"})

	next, err := db.GetNextQueuedSession()
	if err != nil {
		t.Fatalf("GetNextQueuedSession: %v", err)
	}
	if next == nil || next.ID != a.ID {
		t.Fatalf("next = %+v, want session a", next)
	}

	// A re-queued session goes to the back.
	db.ActivateSession(a.ID, 1)
	db.QueueSessionForContinue(a.ID)
	next, _ = db.GetNextQueuedSession()
	if next.ID != b.ID {
		t.Errorf("next = %s, want session b after a re-queued", next.Title)
	}
}

func TestGetNextQueuedSessionEmpty(t *testing.T) {
	db := newTestDB(t)
	next, err := db.GetNextQueuedSession()
	if err != nil {
		t.Fatalf("GetNextQueuedSession: %v", err)
	}
	if next != nil {
		t.Errorf("next = %+v, want nil", next)
	}
}

func TestCountActiveSessions(t *testing.T) {
	db := newTestDB(t)
	a := mustCreate(t, db, &session.Session{})
	mustCreate(t, db, &session.Session{})

	count, _ := db.CountActiveSessions()
	if count != 0 {
		t.Fatalf("count = %d, want 0", count)
	}
	db.ActivateSession(a.ID, 1)
	count, _ = db.CountActiveSessions()
	if count != 1 {
		t.Errorf("count = %d, want 1", count)
	}
}

func TestRecoverOrphanedActive(t *testing.T) {
	db := newTestDB(t)
	a := mustCreate(t, db, &session.Session{})
	b := mustCreate(t, db, &session.Session{})
	db.ActivateSession(a.ID, 1)
	db.ActivateSession(b.ID, 2)

	n, err := db.RecoverOrphanedActive()
	if err != nil {
		t.Fatalf("RecoverOrphanedActive: %v", err)
	}
	if n != 2 {
		t.Errorf("recovered = %d, want 2", n)
	}
	got, _ := db.GetSession(a.ID)
	if got.Status != session.StatusCompleted || got.PID != 0 {
		t.Errorf("after recover: %+v", got)
	}
}

func TestSettings(t *testing.T) {
	db := newTestDB(t)
	settings, err := db.GetSettings()
	if err != nil {
		t.Fatalf("GetSettings: %v", err)
	}
	if settings.MaxConcurrentSessions != DefaultMaxConcurrent {
		t.Errorf("default max = %d", settings.MaxConcurrentSessions)
	}

	if err := db.SetMaxConcurrentSessions(7); err != nil {
		t.Fatalf("SetMaxConcurrentSessions: %v", err)
	}
	settings, _ = db.GetSettings()
	if settings.MaxConcurrentSessions != 7 {
		t.Errorf("max = %d, want 7", settings.MaxConcurrentSessions)
	}

	if err := db.SetMaxConcurrentSessions(0); err == nil {
		t.Error("expected error for max < 1")
	}
}

func TestConcurrentWritersDoNotLoseUpdates(t *testing.T) {
	db := newTestDB(t)
	sess := mustCreate(t, db, &session.Session{})

	// The daemon writes from the event loop, timer callbacks, and API
	// handlers at once; every write must queue, never fail or vanish.
	const writers = 8
	const rounds = 25
	var wg sync.WaitGroup
	errs := make(chan error, writers*rounds)
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < rounds; i++ {
				var err error
				switch w % 3 {
				case 0:
					err = db.SetConversationID(sess.ID, "conv-42")
				case 1:
					err = db.SetNeedsInput(sess.ID, i%2 == 0)
				default:
					err = db.SetTitle(sess.ID, "busy")
				}
				if err != nil {
					errs <- err
				}
			}
		}(w)
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		t.Errorf("concurrent write: %v", err)
	}

	got, err := db.GetSession(sess.ID)
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if got.ConversationID != "conv-42" {
		t.Errorf("conversation id = %q, want conv-42", got.ConversationID)
	}
}

func TestSeedMaxConcurrentDoesNotOverride(t *testing.T) {
	db := newTestDB(t)

	if err := db.SeedMaxConcurrent(5); err != nil {
		t.Fatalf("SeedMaxConcurrent: %v", err)
	}
	settings, _ := db.GetSettings()
	if settings.MaxConcurrentSessions != 5 {
		t.Errorf("seeded max = %d, want 5", settings.MaxConcurrentSessions)
	}

	// A later seed (next boot with a different config file) loses to the
	// stored value.
	if err := db.SeedMaxConcurrent(9); err != nil {
		t.Fatalf("SeedMaxConcurrent: %v", err)
	}
	settings, _ = db.GetSettings()
	if settings.MaxConcurrentSessions != 5 {
		t.Errorf("max = %d, want 5 after re-seed", settings.MaxConcurrentSessions)
	}
}

func TestWorkers(t *testing.T) {
	db := newTestDB(t)
	w := &session.Worker{Name: "builder", Kind: session.WorkerRemote, Connection: `{"host":"dev@build1"}`}
	if err := db.CreateWorker(w); err != nil {
		t.Fatalf("CreateWorker: %v", err)
	}
	got, err := db.GetWorker(w.ID)
	if err != nil {
		t.Fatalf("GetWorker: %v", err)
	}
	if got.Kind != session.WorkerRemote || got.Connection != w.Connection {
		t.Errorf("worker round trip: %+v", got)
	}
	if _, err := db.GetWorker("missing"); !errors.Is(err, session.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestCommentsPendingToSent(t *testing.T) {
	db := newTestDB(t)
	sess := mustCreate(t, db, &session.Session{})

	c1 := &session.Comment{SessionID: sess.ID, Body: "first"}
	c2 := &session.Comment{SessionID: sess.ID, Body: "second"}
	if err := db.AddComment(c1); err != nil {
		t.Fatalf("AddComment: %v", err)
	}
	if err := db.AddComment(c2); err != nil {
		t.Fatalf("AddComment: %v", err)
	}

	pending, err := db.GetCommentsByStatus(sess.ID, session.CommentPending)
	if err != nil {
		t.Fatalf("GetCommentsByStatus: %v", err)
	}
	if len(pending) != 2 || pending[0].Body != "first" {
		t.Fatalf("pending = %+v", pending)
	}

	if err := db.MarkCommentSent(c1.ID); err != nil {
		t.Fatalf("MarkCommentSent: %v", err)
	}
	pending, _ = db.GetCommentsByStatus(sess.ID, session.CommentPending)
	if len(pending) != 1 || pending[0].Body != "second" {
		t.Errorf("pending after send = %+v", pending)
	}
}

func TestDeleteSessionCascadesComments(t *testing.T) {
	db := newTestDB(t)
	sess := mustCreate(t, db, &session.Session{})
	db.AddComment(&session.Comment{SessionID: sess.ID, Body: "bye"})

	if err := db.DeleteSession(sess.ID); err != nil {
		t.Fatalf("DeleteSession: %v", err)
	}
	pending, _ := db.GetCommentsByStatus(sess.ID, session.CommentPending)
	if len(pending) != 0 {
		t.Errorf("comments survived delete: %+v", pending)
	}
	if err := db.DeleteSession(sess.ID); !errors.Is(err, session.ErrNotFound) {
		t.Errorf("second delete err = %v, want ErrNotFound", err)
	}
}
