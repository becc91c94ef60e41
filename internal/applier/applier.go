package applier

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/tOgg1/changegate/internal/logging"
	"github.com/tOgg1/changegate/internal/models"
	"github.com/tOgg1/changegate/internal/ssh"
)

// ErrApplyFailed wraps every failure to write a change to a device.
var ErrApplyFailed = errors.New("apply failed")

// NewFileSnapshotPrefix marks the snapshot reference of a file that did not
// exist before the change.
const NewFileSnapshotPrefix = "new:"

// SSHApplier writes changes through an ssh.Executor. Before touching the
// file it copies the current version next to it; the copy's path is the
// snapshot reference.
type SSHApplier struct {
	executors ExecutorFactory
	logger    zerolog.Logger
	now       func() time.Time
}

// Option configures an SSHApplier.
type Option func(*SSHApplier)

// WithLogger overrides the component logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(a *SSHApplier) {
		a.logger = logger
	}
}

// WithClock overrides the clock used to name snapshots.
func WithClock(now func() time.Time) Option {
	return func(a *SSHApplier) {
		a.now = now
	}
}

// New creates an SSHApplier.
func New(executors ExecutorFactory, opts ...Option) *SSHApplier {
	a := &SSHApplier{
		executors: executors,
		logger:    logging.Component("applier"),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Apply writes content to filePath on device, or removes the file for a
// delete, and returns the snapshot reference.
func (a *SSHApplier) Apply(ctx context.Context, device *models.Device, filePath, content string, changeType models.ChangeType) (string, error) {
	if err := validatePath(filePath); err != nil {
		return "", fmt.Errorf("%w: %w", ErrApplyFailed, err)
	}

	executor, err := a.executors(device)
	if err != nil {
		return "", fmt.Errorf("%w: connect to %s: %w", ErrApplyFailed, device.Name, err)
	}
	defer executor.Close()

	logger := logging.WithDevice(a.logger, device.ID, device.Name).With().
		Str("path", filePath).
		Str("change_type", string(changeType)).
		Logger()

	snapshotRef, err := a.snapshot(ctx, executor, filePath)
	if err != nil {
		return "", err
	}

	switch changeType {
	case models.ChangeTypeDelete:
		if _, stderr, err := executor.Exec(ctx, "rm -f -- "+shellQuote(filePath)); err != nil {
			return snapshotRef, commandError("remove file", err, stderr)
		}
	case models.ChangeTypeCreate, models.ChangeTypeUpdate:
		tmp := filePath + ".changegate.tmp"
		cmd := fmt.Sprintf("mkdir -p -- %s && cat > %s && mv -f -- %s %s",
			shellQuote(path.Dir(filePath)),
			shellQuote(tmp),
			shellQuote(tmp),
			shellQuote(filePath),
		)
		if err := executor.ExecInteractive(ctx, cmd, strings.NewReader(content)); err != nil {
			var execErr *ssh.ExecError
			var stderr []byte
			if errors.As(err, &execErr) {
				stderr = execErr.Stderr
			}
			return snapshotRef, commandError("write file", err, stderr)
		}
	default:
		return snapshotRef, fmt.Errorf("%w: %w: %q", ErrApplyFailed, models.ErrInvalidChangeType, changeType)
	}

	logger.Info().Str("snapshot", snapshotRef).Int("bytes", len(content)).Msg("change applied")
	return snapshotRef, nil
}

func (a *SSHApplier) snapshot(ctx context.Context, executor ssh.Executor, filePath string) (string, error) {
	backup := fmt.Sprintf("%s.changegate-%s.bak", filePath, a.now().UTC().Format("20060102T150405.000000000"))
	cmd := fmt.Sprintf("if [ -e %s ]; then cp -p -- %s %s && printf '%%s' %s; fi",
		shellQuote(filePath),
		shellQuote(filePath),
		shellQuote(backup),
		shellQuote(backup),
	)
	stdout, stderr, err := executor.Exec(ctx, cmd)
	if err != nil {
		return "", commandError("snapshot file", err, stderr)
	}
	if ref := strings.TrimSpace(string(stdout)); ref != "" {
		return ref, nil
	}
	return NewFileSnapshotPrefix + filePath, nil
}

func commandError(action string, err error, stderr []byte) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) || ssh.IsUnreachable(err) {
		return fmt.Errorf("%w: %s: %w", ErrApplyFailed, action, err)
	}
	detail := strings.TrimSpace(logging.Redact(string(stderr)))
	if detail == "" {
		return fmt.Errorf("%w: %s: %w", ErrApplyFailed, action, err)
	}
	return fmt.Errorf("%w: %s: %w: %s", ErrApplyFailed, action, err, detail)
}
