// Package ssh runs commands on managed devices, either through the system
// ssh binary, through golang.org/x/crypto/ssh, or locally.
package ssh

import (
	"context"
	"io"
	"strconv"
	"strings"
	"time"
)

// Executor defines a common interface for running commands on a device.
type Executor interface {
	// Exec runs a command and returns its stdout and stderr output.
	Exec(ctx context.Context, cmd string) (stdout, stderr []byte, err error)

	// ExecInteractive runs a command, streaming stdin to the remote process.
	ExecInteractive(ctx context.Context, cmd string, stdin io.Reader) error

	// Close releases any resources held by the executor.
	Close() error
}

// ConnectionOptions configures how an SSH connection is established.
type ConnectionOptions struct {
	// Host is the target host name or IP.
	Host string

	// Port is the SSH port (defaults to 22 when unset).
	Port int

	// User is the SSH username.
	User string

	// KeyPath is an optional path to the private key.
	KeyPath string

	// ProxyJump specifies a bastion host to reach the target (user@host:port).
	ProxyJump string

	// KnownHostsPath overrides ~/.ssh/known_hosts for the native backend.
	KnownHostsPath string

	// ControlMaster, ControlPath and ControlPersist enable connection
	// multiplexing for the system backend.
	ControlMaster  string
	ControlPath    string
	ControlPersist string

	// Timeout controls how long to wait when establishing connections.
	Timeout time.Duration
}

// OptionsFromTarget parses a user@host:port target into options. Values
// already set on base win over the parsed ones.
func OptionsFromTarget(target string, base ConnectionOptions) ConnectionOptions {
	user, host, port := parseSSHTarget(target)
	opts := base
	if opts.Host == "" {
		opts.Host = host
	}
	if opts.User == "" {
		opts.User = user
	}
	if opts.Port == 0 && port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			opts.Port = p
		}
	}
	return opts
}

func parseSSHTarget(target string) (user, host, port string) {
	host = target
	if at := strings.LastIndex(host, "@"); at >= 0 {
		user = host[:at]
		host = host[at+1:]
	}
	if strings.HasPrefix(host, "[") {
		if end := strings.Index(host, "]"); end > 0 {
			rest := host[end+1:]
			port = strings.TrimPrefix(rest, ":")
			host = host[1:end]
			return user, host, port
		}
	}
	if colon := strings.LastIndex(host, ":"); colon >= 0 && strings.Count(host, ":") == 1 {
		port = host[colon+1:]
		host = host[:colon]
	}
	return user, host, port
}
