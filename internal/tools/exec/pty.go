package exec

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/creack/pty"
)

// RunCommandPTY executes a command attached to a pseudo-terminal, so
// interactive programs, prompts, and color output behave as they would in
// a real shell. Stdout and stderr arrive interleaved on the terminal and
// are reported together as Stdout. If a PTY cannot be allocated the
// command falls back to the plain pipe path.
func (m *Manager) RunCommandPTY(ctx context.Context, command string, cwd string, env map[string]string, input string, timeout time.Duration) (ExecResult, error) {
	runCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	cmd, _, _, err := m.buildCommand(runCtx, command, cwd, env, "")
	if err != nil {
		return ExecResult{}, err
	}
	// pty.Start wires the command's stdio to the terminal itself.
	cmd.Stdout = nil
	cmd.Stderr = nil
	cmd.Stdin = nil

	start := time.Now()
	ptmx, err := pty.Start(cmd)
	if err != nil {
		return m.runSync(ctx, command, cwd, env, input, timeout)
	}
	defer ptmx.Close()

	if input != "" {
		_, _ = io.WriteString(ptmx, input)
	}

	output := newLimitedBuffer(m.maxOutput)
	copyDone := make(chan struct{})
	go func() {
		defer close(copyDone)
		// Reading the master side fails with EIO once the child exits
		// and the slave side closes; that is normal termination.
		_, _ = io.Copy(output, ptmx)
	}()

	waitErr := cmd.Wait()
	select {
	case <-copyDone:
	case <-time.After(time.Second):
	}

	result := ExecResult{
		Command:  command,
		Cwd:      cmd.Dir,
		Stdout:   output.String(),
		Duration: time.Since(start),
		ExitCode: exitCode(waitErr),
		Finished: true,
	}
	if waitErr != nil && !errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		result.Error = waitErr.Error()
	}
	if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		result.Error = "command timed out"
	}
	return result, nil
}
