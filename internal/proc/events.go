// Package proc abstracts one spawned interactive process, local or
// remotely tunneled, behind a control surface (write/resize/kill) and a
// typed event stream.
package proc

import "github.com/nadavbarak14/agentboard/internal/boardproto"

// EventKind discriminates process events.
type EventKind int

const (
	// EventData carries a raw output chunk.
	EventData EventKind = iota

	// EventExit reports process termination with its exit code and the
	// last conversation id the process announced, if any.
	EventExit

	// EventInputSent fires after user input reached the process.
	EventInputSent

	// EventIdle fires once when the process has produced no output for
	// the idle threshold. Re-arms on the next output.
	EventIdle

	// EventCommand carries a board command decoded from the output
	// stream.
	EventCommand
)

func (k EventKind) String() string {
	switch k {
	case EventData:
		return "data"
	case EventExit:
		return "exit"
	case EventInputSent:
		return "input_sent"
	case EventIdle:
		return "idle"
	case EventCommand:
		return "command"
	default:
		return "unknown"
	}
}

// Event is one process lifecycle or output event, keyed by session id.
type Event struct {
	SessionID string
	Kind      EventKind

	Data           []byte            // EventData
	ExitCode       int               // EventExit
	ConversationID string            // EventExit
	Command        boardproto.Command // EventCommand
}

// Handle is the control surface of one live process.
type Handle interface {
	PID() int
	Write(p []byte) error
	Resize(cols, rows int) error
	Kill() error
}

// SpawnSpec describes one process to start.
type SpawnSpec struct {
	SessionID string
	Dir       string
	Argv      []string
	Cols      int
	Rows      int
}
