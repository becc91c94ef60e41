package ssh

import (
	"errors"
	"fmt"
	"os/exec"
)

var (
	ErrMissingHost         = errors.New("ssh host is required")
	ErrPassphraseRequired  = errors.New("passphrase required for private key")
	ErrSSHAgentUnavailable = errors.New("ssh agent not available")
	ErrNoAuthMethods       = errors.New("no authentication methods available")
	ErrUnknownBackend      = errors.New("unknown ssh backend")

	// ErrUnreachable marks failures to reach the device at all, as opposed
	// to a command that ran and failed there.
	ErrUnreachable = errors.New("device unreachable")
)

// sshTransportExit is the status the ssh client exits with when the
// connection itself fails.
const sshTransportExit = 255

// ExecError is a command that ran on the device and exited non-zero.
type ExecError struct {
	Command  string
	ExitCode int
	Stdout   []byte
	Stderr   []byte
	Err      error
}

func (e *ExecError) Error() string {
	return fmt.Sprintf("exit status %d running %q", e.ExitCode, e.Command)
}

func (e *ExecError) Unwrap() error {
	return e.Err
}

// ExitCodeOf returns the exit code carried by err, or -1 when the command
// never reported one.
func ExitCodeOf(err error) int {
	var execErr *ExecError
	if errors.As(err, &execErr) {
		return execErr.ExitCode
	}
	return -1
}

// IsUnreachable reports whether err means the device could not be
// contacted.
func IsUnreachable(err error) bool {
	return errors.Is(err, ErrUnreachable)
}

func unreachable(target string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrUnreachable, target, err)
}

// newExecError converts an *exec.ExitError into an *ExecError. Other
// errors, such as a missing binary, pass through unchanged.
func newExecError(err error, cmd string, stdout, stderr []byte) error {
	var exitErr *exec.ExitError
	if !errors.As(err, &exitErr) {
		return err
	}
	return &ExecError{
		Command:  cmd,
		ExitCode: exitErr.ExitCode(),
		Stdout:   stdout,
		Stderr:   stderr,
		Err:      err,
	}
}
