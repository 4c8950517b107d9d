package agent

import (
	"bufio"
	"context"
	"os/exec"

	"github.com/migasfree/swarm-control/internal/tunnel"
)

// runCommand executes a shell command and streams its merged output line by
// line through emit, finishing with exec_complete or exec_error. emit is the
// session's bounded enqueue; a false return means the relay link is gone and
// the command is abandoned.
func runCommand(ctx context.Context, execID, command string, emit func(*tunnel.Frame) bool) {
	cmd := exec.CommandContext(ctx, "/bin/sh", "-c", command)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		emit(&tunnel.Frame{Type: tunnel.TypeExecError, ExecID: execID, Error: err.Error()})
		return
	}
	cmd.Stderr = cmd.Stdout

	if err := cmd.Start(); err != nil {
		emit(&tunnel.Frame{Type: tunnel.TypeExecError, ExecID: execID, Error: err.Error()})
		return
	}

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		if !emit(&tunnel.Frame{Type: tunnel.TypeExecOutput, ExecID: execID, Data: scanner.Text()}) {
			_ = cmd.Process.Kill()
			_ = cmd.Wait()
			return
		}
	}

	if err := cmd.Wait(); err != nil {
		emit(&tunnel.Frame{Type: tunnel.TypeExecError, ExecID: execID, Error: err.Error()})
		return
	}
	emit(&tunnel.Frame{Type: tunnel.TypeExecComplete, ExecID: execID})
}
