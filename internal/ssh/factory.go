package ssh

import (
	"fmt"
	"os/exec"

	"github.com/tOgg1/changegate/internal/models"
)

// NewExecutor builds an Executor for the given backend. Auto prefers the
// system ssh binary when it is on PATH and falls back to the native client.
// The system binary reads ~/.ssh/config itself; the native client gets the
// options resolved by ApplySSHConfig.
func NewExecutor(backend models.SSHBackend, options ConnectionOptions, opts ...NativeOption) (Executor, error) {
	resolved, err := ApplySSHConfig(options)
	if err != nil {
		return nil, err
	}

	switch backend {
	case models.SSHBackendSystem:
		return NewSystemExecutor(options), nil
	case models.SSHBackendNative:
		return NewNativeExecutor(resolved, opts...)
	case models.SSHBackendAuto, "":
		if _, err := exec.LookPath("ssh"); err == nil {
			return NewSystemExecutor(options), nil
		}
		return NewNativeExecutor(resolved, opts...)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownBackend, backend)
	}
}
