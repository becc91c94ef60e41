package ssh

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

func TestLocalExecutorExec(t *testing.T) {
	e := NewLocalExecutor()
	defer e.Close()

	stdout, _, err := e.Exec(context.Background(), "printf hello")
	if err != nil {
		t.Fatalf("Exec failed: %v", err)
	}
	if string(stdout) != "hello" {
		t.Fatalf("unexpected stdout %q", stdout)
	}
}

func TestLocalExecutorExitCode(t *testing.T) {
	e := NewLocalExecutor()

	_, stderr, err := e.Exec(context.Background(), "echo boom >&2; exit 7")
	if err == nil {
		t.Fatal("expected error")
	}
	if code := ExitCodeOf(err); code != 7 {
		t.Fatalf("expected exit 7, got %d", code)
	}
	var execErr *ExecError
	if !errors.As(err, &execErr) {
		t.Fatalf("expected *ExecError, got %T", err)
	}
	if strings.TrimSpace(string(stderr)) != "boom" {
		t.Fatalf("unexpected stderr %q", stderr)
	}
	if ExitCodeOf(errors.New("other")) != -1 {
		t.Fatal("expected -1 for non exec errors")
	}
}

func TestLocalExecutorStdinAndCancel(t *testing.T) {
	e := NewLocalExecutor()
	dir := t.TempDir()

	if err := e.ExecInteractive(context.Background(), "cat > "+dir+"/out", strings.NewReader("payload")); err != nil {
		t.Fatalf("ExecInteractive failed: %v", err)
	}
	stdout, _, err := e.Exec(context.Background(), "cat "+dir+"/out")
	if err != nil || string(stdout) != "payload" {
		t.Fatalf("unexpected read back %q: %v", stdout, err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, _, err := e.Exec(ctx, "sleep 5"); err == nil {
		t.Fatal("expected cancelled command to fail")
	}
}
