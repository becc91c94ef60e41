// Package applier writes approved configuration changes to devices and
// reads their current content, over an ssh.Executor per device.
package applier

import (
	"fmt"
	"strings"

	"github.com/tOgg1/changegate/internal/models"
	"github.com/tOgg1/changegate/internal/ssh"
)

// ExecutorFactory returns an executor bound to device. Callers close it.
type ExecutorFactory func(device *models.Device) (ssh.Executor, error)

// DeviceExecutors builds executors from device records. Local devices run
// through the local shell. Remote devices use their own target, key and
// backend, with defaults filling whatever the device leaves unset.
func DeviceExecutors(backend models.SSHBackend, defaults ssh.ConnectionOptions, opts ...ssh.NativeOption) ExecutorFactory {
	return func(device *models.Device) (ssh.Executor, error) {
		if device == nil {
			return nil, fmt.Errorf("device is required")
		}
		if device.IsLocal {
			return ssh.NewLocalExecutor(), nil
		}
		if strings.TrimSpace(device.SSHTarget) == "" {
			return nil, fmt.Errorf("device %s: %w", device.Name, models.ErrInvalidSSHTarget)
		}

		options := ssh.OptionsFromTarget(device.SSHTarget, ssh.ConnectionOptions{
			KeyPath:        device.SSHKeyPath,
			ProxyJump:      defaults.ProxyJump,
			KnownHostsPath: defaults.KnownHostsPath,
			Timeout:        defaults.Timeout,
		})
		if options.User == "" {
			options.User = defaults.User
		}
		if options.Port == 0 {
			options.Port = defaults.Port
		}
		if options.KeyPath == "" {
			options.KeyPath = defaults.KeyPath
		}

		selected := device.SSHBackend
		if selected == "" || selected == models.SSHBackendAuto {
			selected = backend
		}
		return ssh.NewExecutor(selected, options, opts...)
	}
}

// shellQuote quotes s for POSIX sh.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'"'"'`) + "'"
}

func validatePath(path string) error {
	if strings.TrimSpace(path) == "" {
		return fmt.Errorf("file path is required")
	}
	if strings.ContainsAny(path, "\n\x00") {
		return fmt.Errorf("file path contains invalid characters")
	}
	return nil
}
