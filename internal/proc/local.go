//go:build !windows

package proc

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/creack/pty"

	"github.com/nadavbarak14/agentboard/internal/boardproto"
	"github.com/nadavbarak14/agentboard/internal/logging"
)

var procLog = logging.ForComponent(logging.CompProc)

// LocalProvider spawns processes under a pty on this machine and pumps
// their output, idle, and exit events onto a single shared stream.
type LocalProvider struct {
	idleThreshold time.Duration
	events        chan Event

	mu      sync.Mutex
	handles map[string]*localHandle
}

// NewLocalProvider creates a provider. idleThreshold controls how long a
// process must stay silent before an idle event fires.
func NewLocalProvider(idleThreshold time.Duration) *LocalProvider {
	return &LocalProvider{
		idleThreshold: idleThreshold,
		events:        make(chan Event, 256),
		handles:       make(map[string]*localHandle),
	}
}

// Events returns the shared event stream. Events for one session are
// delivered in emission order.
func (p *LocalProvider) Events() <-chan Event {
	return p.events
}

// Spawn starts the process under a pty and begins pumping its events.
func (p *LocalProvider) Spawn(spec SpawnSpec) (Handle, error) {
	if len(spec.Argv) == 0 {
		return nil, fmt.Errorf("proc: empty argv for session %s", spec.SessionID)
	}

	cmd := exec.Command(spec.Argv[0], spec.Argv[1:]...)
	cmd.Dir = spec.Dir
	cmd.Env = os.Environ()
	// Own process group so Kill can take down the whole tree.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	cols, rows := spec.Cols, spec.Rows
	if cols <= 0 {
		cols = 80
	}
	if rows <= 0 {
		rows = 24
	}

	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{Cols: uint16(cols), Rows: uint16(rows)})
	if err != nil {
		return nil, fmt.Errorf("proc: start pty: %w", err)
	}

	h := &localHandle{
		sessionID:  spec.SessionID,
		provider:   p,
		cmd:        cmd,
		ptmx:       ptmx,
		decoder:    boardproto.NewDecoder(),
		lastOutput: time.Now(),
		done:       make(chan struct{}),
	}

	p.mu.Lock()
	p.handles[spec.SessionID] = h
	p.mu.Unlock()

	go h.reader()
	go h.idleMonitor(p.idleThreshold)
	go h.waiter()

	procLog.Info("spawned",
		slog.String("session", spec.SessionID),
		slog.Int("pid", cmd.Process.Pid),
		slog.String("dir", spec.Dir))
	return h, nil
}

func (p *LocalProvider) emit(ev Event) {
	p.events <- ev
}

func (p *LocalProvider) forget(sessionID string) {
	p.mu.Lock()
	delete(p.handles, sessionID)
	p.mu.Unlock()
}

type localHandle struct {
	sessionID string
	provider  *LocalProvider
	cmd       *exec.Cmd
	ptmx      *os.File
	decoder   *boardproto.Decoder

	mu         sync.Mutex
	lastOutput time.Time
	lastConv   string
	idleSent   bool

	done     chan struct{}
	killOnce sync.Once
}

func (h *localHandle) PID() int {
	return h.cmd.Process.Pid
}

// Write sends user input to the process and reports it on the event
// stream so the orchestrator can clear needs-input state.
func (h *localHandle) Write(p []byte) error {
	if _, err := h.ptmx.Write(p); err != nil {
		return fmt.Errorf("proc: write: %w", err)
	}
	h.provider.emit(Event{SessionID: h.sessionID, Kind: EventInputSent})
	return nil
}

func (h *localHandle) Resize(cols, rows int) error {
	if cols <= 0 || rows <= 0 {
		return fmt.Errorf("proc: invalid size %dx%d", cols, rows)
	}
	if err := pty.Setsize(h.ptmx, &pty.Winsize{Cols: uint16(cols), Rows: uint16(rows)}); err != nil {
		return fmt.Errorf("proc: resize: %w", err)
	}
	return nil
}

// Kill terminates the whole process group. The exit event follows from
// the waiter goroutine; callers never wait on Kill itself.
func (h *localHandle) Kill() error {
	h.killOnce.Do(func() {
		if pgid, err := syscall.Getpgid(h.cmd.Process.Pid); err == nil {
			_ = syscall.Kill(-pgid, syscall.SIGKILL)
		} else {
			_ = h.cmd.Process.Kill()
		}
	})
	return nil
}

// reader pumps pty output: raw data events plus any board commands the
// decoder extracts from the stream.
func (h *localHandle) reader() {
	buf := make([]byte, 4096)
	for {
		n, err := h.ptmx.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])

			h.mu.Lock()
			h.lastOutput = time.Now()
			h.idleSent = false
			h.mu.Unlock()

			h.provider.emit(Event{SessionID: h.sessionID, Kind: EventData, Data: chunk})

			for _, cmd := range h.decoder.Feed(chunk) {
				if cmd.Type == boardproto.CmdConversationID {
					h.mu.Lock()
					h.lastConv = cmd.Params["id"]
					h.mu.Unlock()
				}
				h.provider.emit(Event{SessionID: h.sessionID, Kind: EventCommand, Command: cmd})
			}
		}
		if err != nil {
			// EIO is the normal pty read error after process exit.
			if !errors.Is(err, io.EOF) && !errors.Is(err, syscall.EIO) {
				procLog.Debug("read_error",
					slog.String("session", h.sessionID),
					slog.String("error", err.Error()))
			}
			return
		}
	}
}

// idleMonitor emits a single idle event after the threshold of silence,
// re-arming whenever output resumes.
func (h *localHandle) idleMonitor(threshold time.Duration) {
	if threshold <= 0 {
		return
	}
	tick := threshold / 4
	if tick < 10*time.Millisecond {
		tick = 10 * time.Millisecond
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	for {
		select {
		case <-h.done:
			return
		case <-ticker.C:
			h.mu.Lock()
			silent := time.Since(h.lastOutput) >= threshold
			fire := silent && !h.idleSent
			if fire {
				h.idleSent = true
			}
			h.mu.Unlock()
			if fire {
				h.provider.emit(Event{SessionID: h.sessionID, Kind: EventIdle})
			}
		}
	}
}

// waiter reaps the process and emits the exit event.
func (h *localHandle) waiter() {
	err := h.cmd.Wait()
	close(h.done)
	_ = h.ptmx.Close()

	code := 0
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			code = exitErr.ExitCode()
		} else {
			code = -1
		}
	}

	h.mu.Lock()
	conv := h.lastConv
	h.mu.Unlock()

	h.provider.forget(h.sessionID)
	h.provider.emit(Event{
		SessionID:      h.sessionID,
		Kind:           EventExit,
		ExitCode:       code,
		ConversationID: conv,
	})
	procLog.Info("exited",
		slog.String("session", h.sessionID),
		slog.Int("code", code),
		slog.String("conversation", conv))
}
