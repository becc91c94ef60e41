package ssh

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// fakeSSH installs a script standing in for the ssh binary.
func fakeSSH(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ssh")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0o755); err != nil {
		t.Fatalf("write fake ssh: %v", err)
	}
	return path
}

func TestSSHCommandArgs(t *testing.T) {
	args := sshCommandArgs(ConnectionOptions{
		Host:           "edge-1.lan",
		User:           "ops",
		Port:           2222,
		KeyPath:        "/keys/edge",
		ProxyJump:      "bastion",
		KnownHostsPath: "/tmp/known_hosts",
		ControlMaster:  "auto",
		ControlPath:    "/tmp/cg-%r@%h:%p",
		ControlPersist: "10m",
		Timeout:        1500 * time.Millisecond,
	}, "cat /etc/app.conf")

	n := len(args)
	if n < 3 || args[n-3] != "--" || args[n-2] != "ops@edge-1.lan" || args[n-1] != "cat /etc/app.conf" {
		t.Fatalf("expected destination and command last, got %#v", args)
	}
	for _, want := range [][2]string{
		{"-o", "BatchMode=yes"},
		{"-p", "2222"},
		{"-i", "/keys/edge"},
		{"-J", "bastion"},
		{"-o", "UserKnownHostsFile=/tmp/known_hosts"},
		{"-o", "ControlMaster=auto"},
		{"-o", "ControlPath=/tmp/cg-%r@%h:%p"},
		{"-o", "ControlPersist=10m"},
		{"-o", "ConnectTimeout=2"},
	} {
		if !hasFlagValue(args, want[0], want[1]) {
			t.Errorf("missing %s %s in %#v", want[0], want[1], args)
		}
	}
}

func TestSSHCommandArgsMinimal(t *testing.T) {
	args := sshCommandArgs(ConnectionOptions{Host: "edge-2"}, "true")
	for _, arg := range args {
		if strings.HasPrefix(arg, "Control") || arg == "-J" || arg == "-p" || arg == "-i" {
			t.Fatalf("unexpected option %q in %#v", arg, args)
		}
	}
	if args[len(args)-2] != "edge-2" {
		t.Fatalf("expected bare host destination, got %#v", args)
	}
}

func TestSystemExecutorPassesCommandAndStdin(t *testing.T) {
	dir := t.TempDir()
	e := NewSystemExecutor(ConnectionOptions{Host: "edge-1", User: "ops"})
	e.SetBinary(fakeSSH(t, `for last; do :; done; printf '%s' "$last" > `+dir+`/cmd; cat > `+dir+`/stdin`))

	if err := e.ExecInteractive(context.Background(), "cat > /etc/app.conf", strings.NewReader("listen 80;")); err != nil {
		t.Fatalf("ExecInteractive failed: %v", err)
	}
	cmd, _ := os.ReadFile(filepath.Join(dir, "cmd"))
	stdin, _ := os.ReadFile(filepath.Join(dir, "stdin"))
	if string(cmd) != "cat > /etc/app.conf" || string(stdin) != "listen 80;" {
		t.Fatalf("remote saw cmd %q stdin %q", cmd, stdin)
	}
}

func TestSystemExecutorClassifiesFailures(t *testing.T) {
	e := NewSystemExecutor(ConnectionOptions{Host: "edge-1"})

	e.SetBinary(fakeSSH(t, "echo 'Permission denied' >&2; exit 1"))
	_, stderr, err := e.Exec(context.Background(), "cat /etc/shadow")
	if ExitCodeOf(err) != 1 || IsUnreachable(err) {
		t.Fatalf("expected remote exit 1, got %v", err)
	}
	if strings.TrimSpace(string(stderr)) != "Permission denied" {
		t.Fatalf("unexpected stderr %q", stderr)
	}

	e.SetBinary(fakeSSH(t, "echo 'ssh: connect to host edge-1 port 22: No route to host' >&2; exit 255"))
	_, _, err = e.Exec(context.Background(), "true")
	if !IsUnreachable(err) {
		t.Fatalf("expected unreachable, got %v", err)
	}
	var execErr *ExecError
	if !errors.As(err, &execErr) || execErr.ExitCode != 255 {
		t.Fatalf("expected wrapped exec error, got %v", err)
	}
}

func TestSystemExecutorRequiresHost(t *testing.T) {
	if _, _, err := NewSystemExecutor(ConnectionOptions{}).Exec(context.Background(), "true"); !errors.Is(err, ErrMissingHost) {
		t.Fatalf("expected ErrMissingHost, got %v", err)
	}
}

func TestSystemExecutorHonorsContext(t *testing.T) {
	e := NewSystemExecutor(ConnectionOptions{Host: "edge-1"})
	e.SetBinary(fakeSSH(t, "exec sleep 5"))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, _, err := e.Exec(ctx, "true")
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

func hasFlagValue(args []string, flag, value string) bool {
	for i := 0; i+1 < len(args); i++ {
		if args[i] == flag && args[i+1] == value {
			return true
		}
	}
	return false
}
