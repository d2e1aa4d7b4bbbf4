// Package boardproto decodes board commands embedded in a process's
// terminal output stream.
//
// A command travels inside an APC escape sequence so terminals pass it
// through without rendering:
//
//	ESC '_' "agentboard" ';' TYPE [';' key '=' value]... ESC '\'
//
// The decoder is incremental: a command may arrive split across any number
// of output chunks, and each Feed call returns the commands completed so
// far in terminator-arrival order.
package boardproto

import (
	"bytes"
	"log/slog"
	"strings"

	"github.com/nadavbarak14/agentboard/internal/logging"
)

var decodeLog = logging.ForComponent(logging.CompDecoder)

// Start marker, protocol tag, and terminator for embedded commands.
const (
	startMarker = "\x1b_"
	Tag         = "agentboard"
	terminator  = "\x1b\\"
)

// Buffer caps. A buffer with no partial start marker is dropped beyond
// maxLooseBuffer; an unterminated sequence is abandoned beyond maxPending.
const (
	maxLooseBuffer = 1024
	maxPending     = 256
)

// Command is one structured instruction decoded from process output.
// Commands are ephemeral: consumed immediately, never persisted.
type Command struct {
	Type   string
	Params map[string]string
}

// Well-known command types emitted by hosted agent processes.
const (
	CmdConversationID = "conversation.id"
	CmdSessionTitle   = "session.title"
)

// Decoder incrementally extracts commands from raw output chunks.
// Not safe for concurrent use; each process handle owns one decoder.
type Decoder struct {
	buf []byte
}

// NewDecoder returns a decoder with an empty accumulation buffer.
func NewDecoder() *Decoder {
	return &Decoder{}
}

var seqPrefix = []byte(startMarker + Tag + ";")

// Feed appends a chunk and returns zero or more completed commands.
func (d *Decoder) Feed(chunk []byte) []Command {
	d.buf = append(d.buf, chunk...)

	var cmds []Command
	for {
		start := bytes.Index(d.buf, seqPrefix)
		if start < 0 {
			d.trimLoose()
			return cmds
		}

		end := bytes.Index(d.buf[start+len(seqPrefix):], []byte(terminator))
		if end < 0 {
			// Unterminated sequence. Drop everything before it, and
			// abandon the sequence itself once it grows past the cap.
			d.buf = d.buf[start:]
			if len(d.buf) > maxPending {
				decodeLog.Debug("unterminated_sequence_abandoned",
					slog.Int("len", len(d.buf)))
				d.buf = nil
			}
			return cmds
		}

		body := d.buf[start+len(seqPrefix) : start+len(seqPrefix)+end]
		if cmd, ok := parseBody(string(body)); ok {
			cmds = append(cmds, cmd)
		} else {
			decodeLog.Debug("malformed_command_discarded",
				slog.String("body", string(body)))
		}
		d.buf = d.buf[start+len(seqPrefix)+end+len(terminator):]
	}
}

// trimLoose bounds the buffer when it holds no complete start marker.
// A trailing partial marker (a prefix of ESC '_' "agentboard;") is kept so
// a command split exactly at the marker still decodes; everything before
// it is droppable terminal noise.
func (d *Decoder) trimLoose() {
	tail := partialPrefixAt(d.buf)
	if tail < 0 {
		if len(d.buf) > maxLooseBuffer {
			d.buf = nil
		}
		return
	}
	if tail > 0 {
		d.buf = append(d.buf[:0], d.buf[tail:]...)
	}
	if len(d.buf) > maxPending {
		d.buf = nil
	}
}

// partialPrefixAt returns the index where a trailing partial start
// sequence begins, or -1 if the buffer ends in plain output.
func partialPrefixAt(buf []byte) int {
	max := len(seqPrefix) - 1
	if max > len(buf) {
		max = len(buf)
	}
	for n := max; n > 0; n-- {
		if bytes.Equal(buf[len(buf)-n:], seqPrefix[:n]) {
			return len(buf) - n
		}
	}
	return -1
}

// parseBody splits "TYPE[;k=v]..." into a Command. Parameter segments
// without '=' are malformed and silently dropped.
func parseBody(body string) (Command, bool) {
	segs := strings.Split(body, ";")
	if len(segs) == 0 || segs[0] == "" {
		return Command{}, false
	}
	cmd := Command{Type: segs[0], Params: make(map[string]string)}
	for _, seg := range segs[1:] {
		key, value, ok := strings.Cut(seg, "=")
		if !ok || key == "" {
			continue
		}
		cmd.Params[key] = value
	}
	return cmd, true
}

// Encode renders a command as its wire sequence. Used by tests and by
// agent-side tooling that wants to emit commands.
func Encode(cmdType string, params map[string]string) string {
	var b strings.Builder
	b.WriteString(startMarker)
	b.WriteString(Tag)
	b.WriteByte(';')
	b.WriteString(cmdType)
	for k, v := range params {
		b.WriteByte(';')
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(v)
	}
	b.WriteString(terminator)
	return b.String()
}
