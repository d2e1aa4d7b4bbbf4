// Package remote runs agent processes on remote workers over SSH. The
// remote process is driven through a local pty (ssh -t), so it shares the
// local provider's event machinery; only argv construction and workspace
// initialization differ.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/nadavbarak14/agentboard/internal/logging"
	"github.com/nadavbarak14/agentboard/internal/proc"
	"github.com/nadavbarak14/agentboard/internal/session"
)

var remoteLog = logging.ForComponent(logging.CompRemote)

// sshControlDir holds SSH ControlMaster sockets so repeated commands to
// the same worker reuse one connection.
const sshControlDir = "/tmp/agentboard-ssh"

// Endpoint is the connection parameters a remote worker carries. The
// orchestrator treats the worker's connection blob as opaque; only this
// package interprets it.
type Endpoint struct {
	Host      string `json:"host"`       // e.g. "dev@build1"
	AgentPath string `json:"agent_path"` // optional remote agent binary override
}

// ParseEndpoint decodes a worker's connection blob.
func ParseEndpoint(w *session.Worker) (Endpoint, error) {
	var ep Endpoint
	if err := json.Unmarshal([]byte(w.Connection), &ep); err != nil {
		return Endpoint{}, fmt.Errorf("remote: parse endpoint for worker %s: %w", w.ID, err)
	}
	if ep.Host == "" {
		return Endpoint{}, fmt.Errorf("remote: worker %s has no host", w.ID)
	}
	return ep, nil
}

// Bridge spawns and controls processes on remote workers.
type Bridge struct {
	local *proc.LocalProvider
}

// NewBridge creates a bridge that runs remote processes through the given
// local provider's pty machinery.
func NewBridge(local *proc.LocalProvider) *Bridge {
	return &Bridge{local: local}
}

// EnsureWorkspace creates the working directory on the remote worker.
// Idempotent: repeating it for an existing directory is a no-op. This is
// the one genuinely awaited round trip before a remote spawn.
func (b *Bridge) EnsureWorkspace(ctx context.Context, w *session.Worker, dir string) error {
	ep, err := ParseEndpoint(w)
	if err != nil {
		return err
	}
	_ = os.MkdirAll(sshControlDir, 0o700)

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	args := append(controlArgs(), ep.Host, "mkdir -p "+shellQuote(dir))
	cmd := exec.CommandContext(ctx, "ssh", args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return fmt.Errorf("remote: init workspace %s on %s: %w: %s",
			dir, ep.Host, err, strings.TrimSpace(stderr.String()))
	}
	remoteLog.Debug("workspace_ready", slog.String("host", ep.Host), slog.String("dir", dir))
	return nil
}

// Spawn starts the agent argv on the remote worker inside the session's
// working directory, tunneled through a local pty. The resulting events
// arrive on the underlying local provider's stream.
func (b *Bridge) Spawn(w *session.Worker, spec proc.SpawnSpec) (proc.Handle, error) {
	ep, err := ParseEndpoint(w)
	if err != nil {
		return nil, err
	}
	_ = os.MkdirAll(sshControlDir, 0o700)

	argv := spec.Argv
	if ep.AgentPath != "" && len(argv) > 0 {
		argv = append([]string{ep.AgentPath}, argv[1:]...)
	}
	remoteCmd := buildRemoteCommand(spec.Dir, argv)
	sshArgv := append([]string{"ssh", "-t"}, controlArgs()...)
	sshArgv = append(sshArgv, ep.Host, remoteCmd)

	local := spec
	local.Argv = sshArgv
	local.Dir = "" // the working directory lives on the remote side

	remoteLog.Info("remote_spawn",
		slog.String("session", spec.SessionID),
		slog.String("host", ep.Host),
		slog.String("dir", spec.Dir))
	return b.local.Spawn(local)
}

func controlArgs() []string {
	return []string{
		"-o", "ControlMaster=auto",
		"-o", "ControlPath=" + sshControlDir + "/%r@%h:%p",
		"-o", "ControlPersist=600",
		"-o", "ConnectTimeout=10",
		"-o", "BatchMode=yes",
	}
}

// buildRemoteCommand quotes each argv element for the remote shell and
// prefixes the working-directory change.
func buildRemoteCommand(dir string, argv []string) string {
	parts := make([]string, 0, len(argv))
	for _, arg := range argv {
		parts = append(parts, shellQuote(arg))
	}
	return "cd " + shellQuote(dir) + " && exec " + strings.Join(parts, " ")
}

// shellQuote wraps a string in single quotes, escaping embedded quotes.
func shellQuote(s string) string {
	if s == "" {
		return "''"
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
