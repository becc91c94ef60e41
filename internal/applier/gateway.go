package applier

import (
	"context"
	"fmt"

	"github.com/tOgg1/changegate/internal/models"
	"github.com/tOgg1/changegate/internal/ssh"
)

// missingFileExit is the exit status the read command uses for a file that
// does not exist.
const missingFileExit = 44

// Gateway reads current file content from devices.
type Gateway struct {
	executors ExecutorFactory
}

// NewGateway creates a Gateway.
func NewGateway(executors ExecutorFactory) *Gateway {
	return &Gateway{executors: executors}
}

// ReadFile returns the content of filePath on device. exists is false when
// the file is absent, which is not an error.
func (g *Gateway) ReadFile(ctx context.Context, device *models.Device, filePath string) (content string, exists bool, err error) {
	if err := validatePath(filePath); err != nil {
		return "", false, err
	}

	executor, err := g.executors(device)
	if err != nil {
		return "", false, fmt.Errorf("connect to %s: %w", device.Name, err)
	}
	defer executor.Close()

	quoted := shellQuote(filePath)
	cmd := fmt.Sprintf("if [ -e %s ]; then cat -- %s; else exit %d; fi", quoted, quoted, missingFileExit)
	stdout, stderr, err := executor.Exec(ctx, cmd)
	if err != nil {
		if ssh.ExitCodeOf(err) == missingFileExit {
			return "", false, nil
		}
		return "", false, fmt.Errorf("read %s on %s: %w: %s", filePath, device.Name, err, stderr)
	}
	return string(stdout), true, nil
}
