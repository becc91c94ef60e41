package cli

import (
	"fmt"
	"io"

	"github.com/tOgg1/changegate/internal/models"
)

// HintContext provides context for generating relevant next steps.
type HintContext struct {
	// Action is the command that was executed (e.g. "create", "decide").
	Action string

	RequestID string
	Status    models.ChangeStatus

	// Remaining is the number of approvals still needed.
	Remaining int

	DeviceName string
}

// PrintNextSteps prints contextual next steps after a successful command.
// Does nothing under --json or --jsonl.
func PrintNextSteps(out io.Writer, ctx HintContext) {
	if IsJSONOutput() || IsJSONLOutput() {
		return
	}
	hints := generateHints(ctx)
	if len(hints) == 0 {
		return
	}
	fmt.Fprintln(out)
	fmt.Fprintln(out, "Next steps:")
	for _, hint := range hints {
		fmt.Fprintf(out, "  %s\n", hint)
	}
}

func generateHints(ctx HintContext) []string {
	switch ctx.Action {
	case "create", "decide":
		return hintsForRequest(ctx)
	case "execute":
		return hintsForExecute(ctx)
	case "device_add":
		return hintsForDeviceAdd(ctx)
	default:
		return nil
	}
}

func hintsForRequest(ctx HintContext) []string {
	id := shortID(ctx.RequestID)
	switch ctx.Status {
	case models.ChangeStatusPending:
		hints := []string{
			fmt.Sprintf("changegate request approve %s      # Record an approval", id),
			fmt.Sprintf("changegate request reject %s       # Veto the change", id),
		}
		if ctx.Remaining > 0 {
			hints = append(hints, fmt.Sprintf("# %d more approval(s) needed", ctx.Remaining))
		}
		return hints
	case models.ChangeStatusApproved:
		return []string{
			fmt.Sprintf("changegate request execute %s      # Apply the change", id),
			fmt.Sprintf("changegate request history %s      # Review the audit trail", id),
		}
	case models.ChangeStatusRejected:
		return []string{fmt.Sprintf("changegate request history %s      # See who rejected and why", id)}
	default:
		return nil
	}
}

func hintsForExecute(ctx HintContext) []string {
	id := shortID(ctx.RequestID)
	if ctx.Status == models.ChangeStatusFailed {
		return []string{
			fmt.Sprintf("changegate request history %s      # Inspect the failure", id),
			fmt.Sprintf("changegate request execute %s      # Retry", id),
			fmt.Sprintf("changegate request cancel %s       # Give up on the change", id),
		}
	}
	return []string{fmt.Sprintf("changegate request history %s      # Review the audit trail", id)}
}

func hintsForDeviceAdd(ctx HintContext) []string {
	return []string{
		fmt.Sprintf("changegate graph import %s <compose-file>   # Load service dependencies", ctx.DeviceName),
		fmt.Sprintf("changegate request create %s <path> --file <new-content>", ctx.DeviceName),
		fmt.Sprintf("changegate context set --device %s          # Make it the default device", ctx.DeviceName),
	}
}
