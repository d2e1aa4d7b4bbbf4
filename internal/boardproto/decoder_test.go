package boardproto

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFeedSingleCommand(t *testing.T) {
	d := NewDecoder()
	cmds := d.Feed([]byte("\x1b_agentboard;conversation.id;id=conv-42\x1b\\"))
	require.Len(t, cmds, 1)
	assert.Equal(t, "conversation.id", cmds[0].Type)
	assert.Equal(t, map[string]string{"id": "conv-42"}, cmds[0].Params)
}

func TestFeedPassThroughTextIgnored(t *testing.T) {
	d := NewDecoder()
	assert.Empty(t, d.Feed([]byte("ordinary terminal output\r\n")))
	assert.Empty(t, d.Feed([]byte("more output with \x1b[32mcolors\x1b[0m")))
}

func TestFeedCommandSplitAcrossChunks(t *testing.T) {
	d := NewDecoder()

	cmds := d.Feed([]byte("\x1b_agentboard;cmd.foo;a=1"))
	assert.Empty(t, cmds, "no command before the terminator arrives")

	cmds = d.Feed([]byte(";b=2\x1b\\"))
	require.Len(t, cmds, 1)
	assert.Equal(t, "cmd.foo", cmds[0].Type)
	assert.Equal(t, map[string]string{"a": "1", "b": "2"}, cmds[0].Params)
}

func TestFeedSplitInsideStartMarker(t *testing.T) {
	d := NewDecoder()
	assert.Empty(t, d.Feed([]byte("some text\x1b_agent")))
	cmds := d.Feed([]byte("board;cmd.bar\x1b\\"))
	require.Len(t, cmds, 1)
	assert.Equal(t, "cmd.bar", cmds[0].Type)
}

func TestFeedMultipleCommandsInOneChunk(t *testing.T) {
	d := NewDecoder()
	chunk := Encode("first", map[string]string{"n": "1"}) +
		"interleaved text" +
		Encode("second", nil)
	cmds := d.Feed([]byte(chunk))
	require.Len(t, cmds, 2)
	assert.Equal(t, "first", cmds[0].Type)
	assert.Equal(t, "second", cmds[1].Type)
}

func TestFeedCommandsEmittedInTerminatorOrder(t *testing.T) {
	d := NewDecoder()
	d.Feed([]byte("\x1b_agentboard;one"))
	cmds := d.Feed([]byte("\x1b\\\x1b_agentboard;two\x1b\\"))
	require.Len(t, cmds, 2)
	assert.Equal(t, "one", cmds[0].Type)
	assert.Equal(t, "two", cmds[1].Type)
}

func TestFeedMalformedParamsDropped(t *testing.T) {
	d := NewDecoder()
	cmds := d.Feed([]byte("\x1b_agentboard;cmd.x;good=1;nodelimiter;=noval;also=2\x1b\\"))
	require.Len(t, cmds, 1)
	assert.Equal(t, map[string]string{"good": "1", "also": "2"}, cmds[0].Params)
}

func TestFeedEmptyTypeDropped(t *testing.T) {
	d := NewDecoder()
	cmds := d.Feed([]byte("\x1b_agentboard;\x1b\\"))
	assert.Empty(t, cmds)
}

func TestLooseBufferDiscardedPastCap(t *testing.T) {
	d := NewDecoder()
	// Plain output larger than the cap with no marker anywhere: the
	// buffer must be dropped, not grown forever.
	d.Feed([]byte(strings.Repeat("x", maxLooseBuffer+100)))
	assert.Empty(t, d.buf)
}

func TestAgedUnterminatedSequenceAbandoned(t *testing.T) {
	d := NewDecoder()
	d.Feed([]byte("\x1b_agentboard;cmd.never"))
	// The sequence keeps growing without a terminator; past the pending
	// cap it is abandoned and must never produce a command.
	cmds := d.Feed([]byte(strings.Repeat("y", maxPending+1)))
	assert.Empty(t, cmds)
	assert.Empty(t, d.buf)

	// A later well-formed command still decodes normally.
	cmds = d.Feed([]byte(Encode("cmd.after", nil)))
	require.Len(t, cmds, 1)
	assert.Equal(t, "cmd.after", cmds[0].Type)
}

func TestPrefixBeforePartialMarkerDropped(t *testing.T) {
	d := NewDecoder()
	// Lots of noise followed by a partial start marker: the noise is
	// dropped, the partial marker survives for the next chunk.
	noise := strings.Repeat("n", maxLooseBuffer+10)
	d.Feed([]byte(noise + "\x1b_"))
	cmds := d.Feed([]byte("agentboard;cmd.kept\x1b\\"))
	require.Len(t, cmds, 1)
	assert.Equal(t, "cmd.kept", cmds[0].Type)
}

func TestEncodeRoundTrip(t *testing.T) {
	d := NewDecoder()
	wire := Encode(CmdSessionTitle, map[string]string{"value": "fix flaky tests"})
	cmds := d.Feed([]byte(wire))
	require.Len(t, cmds, 1)
	assert.Equal(t, CmdSessionTitle, cmds[0].Type)
	assert.Equal(t, "fix flaky tests", cmds[0].Params["value"])
}
