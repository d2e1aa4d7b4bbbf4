package orchestrator

import (
	"log/slog"
	"time"

	"github.com/nadavbarak14/agentboard/internal/boardproto"
	"github.com/nadavbarak14/agentboard/internal/proc"
	"github.com/nadavbarak14/agentboard/internal/session"
)

// handleEvent routes one process event. Events for a session arrive in
// emission order, so a user input racing an idle notification resolves
// in the order the process handle observed them.
func (o *Orchestrator) handleEvent(ev proc.Event) {
	switch ev.Kind {
	case proc.EventData:
		o.notifyData(ev.SessionID, ev.Data)
	case proc.EventCommand:
		o.applyCommand(ev.SessionID, ev.Command)
	case proc.EventInputSent:
		o.handleInputSent(ev.SessionID)
	case proc.EventIdle:
		o.handleIdle(ev.SessionID)
	case proc.EventExit:
		o.handleExit(ev)
	}
}

// applyCommand reacts to a board command decoded from process output.
func (o *Orchestrator) applyCommand(id string, cmd boardproto.Command) {
	switch cmd.Type {
	case boardproto.CmdConversationID:
		conv := cmd.Params["id"]
		if conv == "" {
			return
		}
		if err := o.repo.SetConversationID(id, conv); err != nil {
			orchLog.Warn("conversation_persist_failed",
				slog.String("session", id),
				slog.String("error", err.Error()))
		}
	case boardproto.CmdSessionTitle:
		title := cmd.Params["value"]
		if title == "" {
			return
		}
		if err := o.repo.SetTitle(id, title); err != nil {
			orchLog.Warn("title_persist_failed",
				slog.String("session", id),
				slog.String("error", err.Error()))
		}
	default:
		orchLog.Debug("unknown_board_command",
			slog.String("session", id),
			slog.String("type", cmd.Type))
	}
}

// handleInputSent clears the sticky needs-input flag and the suspend
// guard: the session has now done its turn and is fair game for idle
// preemption.
func (o *Orchestrator) handleInputSent(id string) {
	o.mu.Lock()
	delete(o.guard, id)
	o.mu.Unlock()

	sess, err := o.repo.GetSession(id)
	if err != nil {
		return
	}
	if sess.NeedsInput {
		if err := o.repo.SetNeedsInput(id, false); err != nil {
			orchLog.Warn("needs_input_clear_failed",
				slog.String("session", id),
				slog.String("error", err.Error()))
			return
		}
		o.notify(Notification{Kind: NotifNeedsInput, SessionID: id, NeedsInput: false})
	}
}

// handleIdle marks the session as waiting for input, then preempts it to
// free a slot for queued work — unless the session is locked, still under
// its suspend guard, or nothing is waiting.
func (o *Orchestrator) handleIdle(id string) {
	o.mu.Lock()
	h := o.handles[id]
	guarded := o.guard[id]
	o.mu.Unlock()
	if h == nil {
		return
	}

	sess, err := o.repo.GetSession(id)
	if err != nil {
		return
	}

	if !sess.NeedsInput {
		if err := o.repo.SetNeedsInput(id, true); err != nil {
			orchLog.Warn("needs_input_set_failed",
				slog.String("session", id),
				slog.String("error", err.Error()))
		} else {
			o.notify(Notification{Kind: NotifNeedsInput, SessionID: id, NeedsInput: true})
		}
	}

	if sess.Locked || guarded || !o.sched.HasQueuedWork() {
		return
	}

	orchLog.Info("idle_preemption",
		slog.String("session", id))
	o.mu.Lock()
	o.suspending[id] = true
	o.mu.Unlock()
	_ = h.Kill()
}

// handleExit is the single sink for process termination: suspension,
// completion, failure, and the early-exit retry all resolve here.
func (o *Orchestrator) handleExit(ev proc.Event) {
	id := ev.SessionID

	o.mu.Lock()
	delete(o.handles, id)
	wasSuspending := o.suspending[id]
	delete(o.suspending, id)
	wasKilled := o.killed[id]
	delete(o.killed, id)
	act := o.activations[id]
	if t := o.settleTimers[id]; t != nil {
		t.Stop()
		delete(o.settleTimers, id)
	}
	o.mu.Unlock()

	if wasSuspending {
		if ev.ConversationID != "" {
			if err := o.repo.SetConversationID(id, ev.ConversationID); err != nil {
				orchLog.Warn("conversation_persist_failed",
					slog.String("session", id),
					slog.String("error", err.Error()))
			}
		}
		if err := o.repo.QueueSessionForContinue(id); err != nil {
			orchLog.Error("requeue_failed",
				slog.String("session", id),
				slog.String("error", err.Error()))
		}
		o.clearActivation(id)
		orchLog.Info("session_suspended", slog.String("session", id))
		o.notify(Notification{Kind: NotifSessionSuspended, SessionID: id})
		o.sched.OnSessionCompleted()
		return
	}

	if ev.ExitCode == 0 {
		if err := o.repo.CompleteSession(id, ev.ConversationID); err != nil {
			orchLog.Error("complete_persist_failed",
				slog.String("session", id),
				slog.String("error", err.Error()))
		}
		o.clearActivation(id)
		orchLog.Info("session_completed",
			slog.String("session", id),
			slog.String("conversation", ev.ConversationID))
		o.notify(Notification{
			Kind:           NotifSessionCompleted,
			SessionID:      id,
			ConversationID: ev.ConversationID,
		})
		o.sched.OnSessionCompleted()
		return
	}

	// A kill the user asked for is never a transient failure.
	if !wasKilled && o.retryAfterEarlyExit(id, act) {
		return
	}

	o.clearActivation(id)
	orchLog.Warn("session_failed",
		slog.String("session", id),
		slog.Int("code", ev.ExitCode))
	o.failSession(id)
	o.sched.OnSessionCompleted()
}

// retryAfterEarlyExit implements the transient-failure rule: a session
// activated via "continue most recent conversation" that dies non-zero
// inside the grace window is respawned once with no continuation flag.
// This recovers the race where no prior conversation actually existed in
// the directory. Returns true when a retry was launched (the session
// keeps its slot).
func (o *Orchestrator) retryAfterEarlyExit(id string, act *activation) bool {
	if act == nil || act.mode != session.ContinueRecent || act.retried {
		return false
	}
	if time.Since(act.at) > o.cfg.RetryGrace {
		return false
	}

	sess, err := o.repo.GetSession(id)
	if err != nil {
		return false
	}

	argv := session.Resumption{Kind: session.SpawnFresh}.Argv(o.cfg.AgentCommand)
	h, err := o.spawnFor(sess, argv)
	if err != nil {
		orchLog.Warn("retry_spawn_failed",
			slog.String("session", id),
			slog.String("error", err.Error()))
		return false
	}

	o.mu.Lock()
	act.retried = true
	o.handles[id] = h
	o.guard[id] = true
	o.mu.Unlock()

	if err := o.repo.SetSessionPID(id, h.PID()); err != nil {
		orchLog.Warn("retry_pid_persist_failed",
			slog.String("session", id),
			slog.String("error", err.Error()))
	}
	orchLog.Info("early_exit_retry",
		slog.String("session", id),
		slog.Int("pid", h.PID()))
	o.armCommentDelivery(id)
	return true
}

func (o *Orchestrator) clearActivation(id string) {
	o.mu.Lock()
	delete(o.activations, id)
	delete(o.guard, id)
	o.mu.Unlock()
}
