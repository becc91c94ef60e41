package ssh

import (
	"bytes"
	"context"
	"io"
	"os/exec"
)

// LocalExecutor runs commands through the local shell. It serves devices
// whose files live on this machine.
type LocalExecutor struct {
	shell string
}

// NewLocalExecutor creates a LocalExecutor using /bin/sh.
func NewLocalExecutor() *LocalExecutor {
	return &LocalExecutor{shell: "/bin/sh"}
}

// Exec runs a command and returns its stdout and stderr output.
func (e *LocalExecutor) Exec(ctx context.Context, cmd string) (stdout, stderr []byte, err error) {
	return e.exec(ctx, cmd, nil)
}

// ExecInteractive runs a command, streaming stdin to the process.
func (e *LocalExecutor) ExecInteractive(ctx context.Context, cmd string, stdin io.Reader) error {
	_, _, err := e.exec(ctx, cmd, stdin)
	return err
}

// Close is a no-op.
func (e *LocalExecutor) Close() error {
	return nil
}

func (e *LocalExecutor) exec(ctx context.Context, cmd string, stdin io.Reader) ([]byte, []byte, error) {
	command := exec.CommandContext(ctx, e.shell, "-c", cmd)
	if stdin != nil {
		command.Stdin = stdin
	}

	var stdoutBuf, stderrBuf bytes.Buffer
	command.Stdout = &stdoutBuf
	command.Stderr = &stderrBuf

	err := command.Run()
	stdout := stdoutBuf.Bytes()
	stderr := stderrBuf.Bytes()
	if err != nil {
		return stdout, stderr, newExecError(err, cmd, stdout, stderr)
	}
	return stdout, stderr, nil
}
