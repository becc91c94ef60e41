package ssh

import (
	"bytes"
	"context"
	"io"
	"math"
	"os/exec"
	"strconv"
)

// SystemExecutor shells out to the ssh binary, so ~/.ssh/config, agents
// and ControlMaster sockets behave exactly as they do for the operator.
type SystemExecutor struct {
	options ConnectionOptions
	binary  string
}

// NewSystemExecutor creates a SystemExecutor for options.
func NewSystemExecutor(options ConnectionOptions) *SystemExecutor {
	return &SystemExecutor{options: options, binary: "ssh"}
}

// SetBinary overrides the ssh binary path. An empty path is ignored.
func (e *SystemExecutor) SetBinary(path string) {
	if path != "" {
		e.binary = path
	}
}

func (e *SystemExecutor) Exec(ctx context.Context, cmd string) (stdout, stderr []byte, err error) {
	return e.run(ctx, cmd, nil)
}

func (e *SystemExecutor) ExecInteractive(ctx context.Context, cmd string, stdin io.Reader) error {
	_, _, err := e.run(ctx, cmd, stdin)
	return err
}

// Close is a no-op; multiplexed connections belong to the ssh client.
func (e *SystemExecutor) Close() error {
	return nil
}

func (e *SystemExecutor) run(ctx context.Context, cmd string, stdin io.Reader) ([]byte, []byte, error) {
	if e.options.Host == "" {
		return nil, nil, ErrMissingHost
	}

	command := exec.CommandContext(ctx, e.binary, sshCommandArgs(e.options, cmd)...)
	command.Stdin = stdin
	var stdoutBuf, stderrBuf bytes.Buffer
	command.Stdout = &stdoutBuf
	command.Stderr = &stderrBuf

	runErr := command.Run()
	stdout, stderr := stdoutBuf.Bytes(), stderrBuf.Bytes()
	if runErr == nil {
		return stdout, stderr, nil
	}
	if ctx.Err() != nil {
		return stdout, stderr, ctx.Err()
	}
	err := newExecError(runErr, cmd, stdout, stderr)
	if ExitCodeOf(err) == sshTransportExit {
		err = unreachable(sshDestination(e.options), err)
	}
	return stdout, stderr, err
}

// sshCommandArgs builds the full argument list for running cmd on the
// device described by options. Prompts are disabled so a missing key
// fails fast instead of hanging a CLI invocation.
func sshCommandArgs(options ConnectionOptions, cmd string) []string {
	args := []string{"-T", "-o", "BatchMode=yes", "-o", "LogLevel=ERROR"}
	if options.Port > 0 {
		args = append(args, "-p", strconv.Itoa(options.Port))
	}
	if options.KeyPath != "" {
		args = append(args, "-i", options.KeyPath)
	}
	if options.ProxyJump != "" {
		args = append(args, "-J", options.ProxyJump)
	}

	for _, opt := range []struct{ key, value string }{
		{"UserKnownHostsFile", options.KnownHostsPath},
		{"ControlMaster", options.ControlMaster},
		{"ControlPath", options.ControlPath},
		{"ControlPersist", options.ControlPersist},
	} {
		if opt.value != "" {
			args = append(args, "-o", opt.key+"="+opt.value)
		}
	}
	if options.Timeout > 0 {
		seconds := int(math.Ceil(options.Timeout.Seconds()))
		args = append(args, "-o", "ConnectTimeout="+strconv.Itoa(seconds))
	}

	return append(args, "--", sshDestination(options), cmd)
}

func sshDestination(options ConnectionOptions) string {
	if options.User == "" {
		return options.Host
	}
	return options.User + "@" + options.Host
}
