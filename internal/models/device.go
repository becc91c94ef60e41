package models

import (
	"strings"
	"time"
)

// SSHBackend selects how commands reach a device.
type SSHBackend string

const (
	SSHBackendNative SSHBackend = "native" // golang.org/x/crypto/ssh
	SSHBackendSystem SSHBackend = "system" // the ssh binary on PATH
	SSHBackendAuto   SSHBackend = "auto"   // system when available, else native
)

// Valid reports whether b names a known backend. Empty means auto.
func (b SSHBackend) Valid() bool {
	switch b {
	case "", SSHBackendNative, SSHBackendSystem, SSHBackendAuto:
		return true
	}
	return false
}

// Device is a managed machine whose configuration files changegate gates.
// Local devices are edited in place; remote ones over SSH.
type Device struct {
	ID         string            `json:"id"`
	Name       string            `json:"name"`
	SSHTarget  string            `json:"ssh_target,omitempty"` // user@host:port
	SSHBackend SSHBackend        `json:"ssh_backend,omitempty"`
	SSHKeyPath string            `json:"ssh_key_path,omitempty"`
	IsLocal    bool              `json:"is_local"`
	Metadata   map[string]string `json:"metadata,omitempty"` // labels such as site or role
	CreatedAt  time.Time         `json:"created_at"`
	UpdatedAt  time.Time         `json:"updated_at"`
}

// Validate reports every problem with the device at once.
func (d *Device) Validate() error {
	validation := &ValidationErrors{}
	switch {
	case d.Name == "":
		validation.Add("name", ErrInvalidDeviceName)
	case strings.ContainsAny(d.Name, " \t\n/"):
		validation.AddMessage("name", "must not contain whitespace or '/'")
	}
	if !d.IsLocal && strings.TrimSpace(d.SSHTarget) == "" {
		validation.Add("ssh_target", ErrInvalidSSHTarget)
	}
	if !d.SSHBackend.Valid() {
		validation.AddMessage("ssh_backend", "must be one of native, system, auto")
	}
	return validation.Err()
}
