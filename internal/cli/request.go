package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/pmezard/go-difflib/difflib"
	"github.com/spf13/cobra"

	"github.com/tOgg1/changegate/internal/db"
	"github.com/tOgg1/changegate/internal/logging"
	"github.com/tOgg1/changegate/internal/models"
	"github.com/tOgg1/changegate/internal/ssh"
	"github.com/tOgg1/changegate/internal/workflow"
)

var (
	reqDevice      string
	reqFile        string
	reqOldFile     string
	reqNoFetch     bool
	reqConfigType  string
	reqChangeType  string
	reqTitle       string
	reqDescription string
	reqReason      string
	reqEmergency   bool

	reqListStatus string
	reqListRisk   string
	reqListBy     string
	reqListSince  time.Duration
	reqListLimit  int

	reqShowDiff   bool
	reqReveal     bool
	reqComment    string
	reqCancelNote string
)

func init() {
	rootCmd.AddCommand(requestCmd)
	requestCmd.AddCommand(
		requestCreateCmd,
		requestListCmd,
		requestShowCmd,
		requestHistoryCmd,
		requestApproveCmd,
		requestRejectCmd,
		requestExecuteCmd,
		requestCancelCmd,
	)

	flags := requestCreateCmd.Flags()
	flags.StringVarP(&reqDevice, "device", "d", "", "target device (default: context device)")
	flags.StringVarP(&reqFile, "file", "f", "", "file holding the proposed content (- for stdin)")
	flags.StringVar(&reqOldFile, "old-file", "", "file holding the current content instead of reading it from the device")
	flags.BoolVar(&reqNoFetch, "no-fetch", false, "treat the target as a new file without reading the device")
	flags.StringVar(&reqConfigType, "type", "", "config type (compose, proxy, systemd, generic; default: detect from path)")
	flags.StringVar(&reqChangeType, "change", "", "change type (create, update, delete; default: from current content)")
	flags.StringVarP(&reqTitle, "title", "t", "", "short title")
	flags.StringVar(&reqDescription, "description", "", "longer description")
	flags.StringVarP(&reqReason, "reason", "r", "", "why the change is needed")
	flags.BoolVar(&reqEmergency, "emergency", false, "mark the change as an emergency")

	listFlags := requestListCmd.Flags()
	listFlags.StringVarP(&reqDevice, "device", "d", "", "filter by device")
	listFlags.StringVar(&reqListStatus, "status", "", "filter by status")
	listFlags.StringVar(&reqListRisk, "risk", "", "filter by risk level")
	listFlags.StringVar(&reqListBy, "requested-by", "", "filter by requester")
	listFlags.DurationVar(&reqListSince, "since", 0, "only requests created within this duration")
	listFlags.IntVar(&reqListLimit, "limit", 50, "maximum requests to show (0 for all)")

	requestShowCmd.Flags().BoolVar(&reqShowDiff, "diff", false, "print a unified diff of the change")
	requestShowCmd.Flags().BoolVar(&reqReveal, "reveal", false, "do not mask secret values in --diff output")
	requestApproveCmd.Flags().StringVarP(&reqComment, "comment", "m", "", "comment recorded with the decision")
	requestRejectCmd.Flags().StringVarP(&reqComment, "comment", "m", "", "comment recorded with the decision")
	requestCancelCmd.Flags().StringVarP(&reqCancelNote, "reason", "r", "", "why the request is cancelled")
}

var requestCmd = &cobra.Command{
	Use:     "request",
	Aliases: []string{"req", "change"},
	Short:   "Create, review and apply change requests",
}

var requestCreateCmd = &cobra.Command{
	Use:   "create <path>",
	Short: "Propose a change to a configuration file",
	Long: `Propose a change to a configuration file on a device.

The current content is read from the device unless --old-file or --no-fetch
is given. The change is analyzed for impact and routed through the approval
policy before it is stored.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		deviceRef, err := deviceArg(reqDevice)
		if err != nil {
			return err
		}
		changeType, err := parseChangeTypeFlag(reqChangeType)
		if err != nil {
			return err
		}
		proposed, err := readProposed(cmd.InOrStdin(), reqFile, changeType)
		if err != nil {
			return err
		}

		return withApp(cmd, func(ctx context.Context, a *app) error {
			device, err := findDevice(ctx, a.devices, deviceRef)
			if err != nil {
				return err
			}
			oldContent, err := currentContent(ctx, a, device, args[0], reqOldFile, reqNoFetch)
			if err != nil {
				return err
			}
			if changeType == "" {
				changeType = models.ChangeTypeUpdate
				if oldContent == nil {
					changeType = models.ChangeTypeCreate
				}
			}

			cr, err := a.workflow.Create(ctx, workflow.CreateParams{
				Title:           reqTitle,
				Description:     reqDescription,
				Device:          device.ID,
				ConfigType:      reqConfigType,
				FilePath:        args[0],
				OldContent:      oldContent,
				ProposedContent: proposed,
				ChangeType:      changeType,
				Reason:          reqReason,
				Emergency:       reqEmergency,
				RequestedBy:     currentActor(),
			})
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if IsJSONOutput() || IsJSONLOutput() {
				return WriteOutput(out, cr)
			}
			fmt.Fprintf(out, "Created change request %s\n", cr.ID)
			writeRequestSummary(out, cr)
			PrintNextSteps(out, HintContext{
				Action:    "create",
				RequestID: cr.ID,
				Status:    cr.Status,
				Remaining: cr.ApprovalsRequired,
			})
			return nil
		})
	},
}

func parseChangeTypeFlag(value string) (models.ChangeType, error) {
	if strings.TrimSpace(value) == "" {
		return "", nil
	}
	changeType, ok := models.ParseChangeType(value)
	if !ok {
		validation := &models.ValidationErrors{}
		validation.AddMessage("change", fmt.Sprintf("must be one of create, update, delete (got %q)", value))
		return "", validation.Err()
	}
	return changeType, nil
}

func readProposed(stdin io.Reader, path string, changeType models.ChangeType) (string, error) {
	switch {
	case path == "" && changeType == models.ChangeTypeDelete:
		return "", nil
	case path == "":
		return "", &PreflightError{
			Message:  "no proposed content given",
			Hint:     "Pass --file with the new content, or --change delete",
			NextStep: "changegate request create /etc/app.conf --file ./app.conf",
		}
	case path == "-":
		data, err := io.ReadAll(io.LimitReader(stdin, workflow.MaxContentBytes+1))
		return string(data), err
	default:
		data, err := os.ReadFile(path)
		if err != nil {
			return "", fmt.Errorf("failed to read proposed content: %w", err)
		}
		return string(data), nil
	}
}

// currentContent returns the file's present content, or nil when the file
// does not exist.
func currentContent(ctx context.Context, a *app, device *models.Device, filePath, oldFile string, noFetch bool) (*string, error) {
	if oldFile != "" {
		data, err := os.ReadFile(oldFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read current content: %w", err)
		}
		content := string(data)
		return &content, nil
	}
	if noFetch {
		return nil, nil
	}
	content, exists, err := a.gateway.ReadFile(ctx, device, filePath)
	if err != nil {
		return nil, &PreflightError{
			Message:  fmt.Sprintf("cannot read %s on %s: %v", filePath, device.Name, err),
			Hint:     "Check SSH access to the device, or pass the current content with --old-file",
			NextStep: fmt.Sprintf("changegate request create %s --device %s --old-file <current> --file <new>", filePath, device.Name),
			Err:      err,
		}
	}
	if !exists {
		return nil, nil
	}
	return &content, nil
}

var requestListCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List change requests",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		filter := db.ChangeRequestFilter{
			Status:      models.ChangeStatus(strings.ToLower(reqListStatus)),
			RequestedBy: reqListBy,
			Limit:       reqListLimit,
		}
		if reqListRisk != "" {
			risk, err := models.ParseRiskLevel(reqListRisk)
			if err != nil {
				return err
			}
			filter.RiskLevel = risk
		}
		if reqListSince > 0 {
			since := time.Now().Add(-reqListSince)
			filter.Since = &since
		}

		return withApp(cmd, func(ctx context.Context, a *app) error {
			if reqDevice != "" {
				device, err := findDevice(ctx, a.devices, reqDevice)
				if err != nil {
					return err
				}
				filter.DeviceID = device.ID
			}
			requests, err := a.workflow.List(ctx, filter)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if IsJSONOutput() || IsJSONLOutput() {
				return WriteOutput(out, requests)
			}
			if len(requests) == 0 {
				fmt.Fprintln(out, "No change requests.")
				return nil
			}
			rows := make([][]string, 0, len(requests))
			for _, cr := range requests {
				rows = append(rows, []string{
					shortID(cr.ID),
					styles.StatusBadge(cr.Status),
					styles.RiskBadge(cr.RiskLevel),
					string(cr.ConfigType),
					truncateCell(cr.FilePath),
					cr.RequestedBy,
					formatTime(cr.CreatedAt),
				})
			}
			return writeTable(out, []string{"ID", "STATUS", "RISK", "TYPE", "FILE", "BY", "CREATED"}, rows)
		})
	},
}

var requestShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show a change request",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app) error {
			cr, err := findRequest(ctx, a.workflow, args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if IsJSONOutput() || IsJSONLOutput() {
				return WriteOutput(out, cr)
			}
			fmt.Fprintf(out, "ID:          %s\n", cr.ID)
			fmt.Fprintf(out, "Title:       %s\n", cr.Title)
			writeRequestSummary(out, cr)
			if cr.Reason != "" {
				fmt.Fprintf(out, "Reason:      %s\n", cr.Reason)
			}
			if cr.FailureReason != "" {
				fmt.Fprintf(out, "Failure:     %s\n", cr.FailureReason)
			}
			if cr.SnapshotRef != "" {
				fmt.Fprintf(out, "Snapshot:    %s\n", cr.SnapshotRef)
			}
			if cr.Impact != nil {
				for _, rec := range cr.Impact.Recommendations {
					fmt.Fprintf(out, "  * %s\n", rec)
				}
			}
			if reqShowDiff {
				text, err := unifiedDiff(cr)
				if err != nil {
					return err
				}
				if !reqReveal {
					text = logging.RedactLines(text)
				}
				fmt.Fprintln(out)
				fmt.Fprint(out, text)
			}
			return nil
		})
	},
}

func writeRequestSummary(out io.Writer, cr *models.ChangeRequest) {
	fmt.Fprintf(out, "Status:      %s\n", styles.StatusBadge(cr.Status))
	fmt.Fprintf(out, "Risk:        %s\n", styles.RiskBadge(cr.RiskLevel))
	fmt.Fprintf(out, "File:        %s (%s, %s)\n", cr.FilePath, cr.ConfigType, cr.ChangeType)
	fmt.Fprintf(out, "Impact:      %s\n", formatOptional(cr.ImpactSummary))
	if len(cr.AffectedServices) > 0 {
		fmt.Fprintf(out, "Affected:    %s\n", strings.Join(cr.AffectedServices, ", "))
	}
	fmt.Fprintf(out, "Restart:     %s\n", formatYesNo(cr.RequiresRestart))
	approval := fmt.Sprintf("%d required", cr.ApprovalsRequired)
	if cr.PolicyName != "" {
		approval += " by policy " + cr.PolicyName
	}
	if cr.Emergency {
		approval += " (emergency)"
	}
	fmt.Fprintf(out, "Approvals:   %s\n", approval)
	fmt.Fprintf(out, "Requested:   %s by %s\n", formatTime(cr.CreatedAt), cr.RequestedBy)
}

func unifiedDiff(cr *models.ChangeRequest) (string, error) {
	path := strings.TrimPrefix(cr.FilePath, "/")
	text, err := difflib.GetUnifiedDiffString(difflib.UnifiedDiff{
		A:        difflib.SplitLines(cr.OldContent),
		B:        difflib.SplitLines(cr.ProposedContent),
		FromFile: "a/" + path,
		ToFile:   "b/" + path,
		Context:  3,
	})
	if err != nil {
		return "", fmt.Errorf("failed to render diff: %w", err)
	}
	if text == "" {
		return "(no content changes)\n", nil
	}
	return text, nil
}

var requestHistoryCmd = &cobra.Command{
	Use:   "history <id>",
	Short: "Show the audit trail of a change request",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app) error {
			cr, err := findRequest(ctx, a.workflow, args[0])
			if err != nil {
				return err
			}
			history, err := a.workflow.History(ctx, cr.ID)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if IsJSONOutput() {
				return WriteOutput(out, history)
			}
			if IsJSONLOutput() {
				return WriteOutput(out, history.Steps)
			}

			fmt.Fprintf(out, "%s  %s  %s\n\n", shortID(cr.ID), styles.StatusBadge(cr.Status), cr.FilePath)
			rows := make([][]string, 0, len(history.Steps))
			for _, step := range history.Steps {
				rows = append(rows, []string{
					fmt.Sprintf("%d", step.Seq),
					formatTime(step.CreatedAt),
					step.StepName,
					formatOptional(step.PerformedBy),
					styles.Dim(truncateCell(string(step.Payload))),
				})
			}
			if err := writeTable(out, []string{"SEQ", "AT", "STEP", "BY", "DETAIL"}, rows); err != nil {
				return err
			}
			if len(history.Approvals) > 0 {
				fmt.Fprintln(out)
				rows = rows[:0]
				for _, ap := range history.Approvals {
					decided := time.Time{}
					if ap.DecidedAt != nil {
						decided = *ap.DecidedAt
					}
					rows = append(rows, []string{ap.ApproverID, string(ap.Status), formatTime(decided), truncateCell(ap.Comments)})
				}
				return writeTable(out, []string{"APPROVER", "DECISION", "AT", "COMMENTS"}, rows)
			}
			return nil
		})
	},
}

var requestApproveCmd = &cobra.Command{
	Use:   "approve <id>...",
	Short: "Approve one or more change requests",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runDecision(cmd, args, models.ApprovalStatusApproved)
	},
}

var requestRejectCmd = &cobra.Command{
	Use:   "reject <id>...",
	Short: "Reject one or more change requests",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runDecision(cmd, args, models.ApprovalStatusRejected)
	},
}

func runDecision(cmd *cobra.Command, args []string, decision models.ApprovalStatus) error {
	actor := currentActor()
	params := workflow.DecideParams{
		ApproverID:   actor,
		ApproverName: actor,
		Decision:     decision,
		Comments:     reqComment,
	}

	return withApp(cmd, func(ctx context.Context, a *app) error {
		out := cmd.OutOrStdout()
		if len(args) == 1 {
			cr, err := findRequest(ctx, a.workflow, args[0])
			if err != nil {
				return err
			}
			params.RequestID = cr.ID
			result, err := a.workflow.Decide(ctx, params)
			if err != nil {
				return err
			}
			if IsJSONOutput() || IsJSONLOutput() {
				return WriteOutput(out, result)
			}
			writeDecision(out, result)
			PrintNextSteps(out, HintContext{
				Action:    "decide",
				RequestID: result.Request.ID,
				Status:    result.Request.Status,
				Remaining: remainingApprovals(ctx, a, result.Request),
			})
			return nil
		}

		results := a.workflow.BulkDecide(ctx, resolveRequestIDs(ctx, a.workflow, args), params)
		if IsJSONOutput() || IsJSONLOutput() {
			if err := WriteOutput(out, results); err != nil {
				return err
			}
		} else {
			rows := make([][]string, 0, len(results))
			for _, r := range results {
				if r.Err != nil {
					rows = append(rows, []string{shortID(r.RequestID), "error", r.Error})
					continue
				}
				rows = append(rows, []string{shortID(r.RequestID), styles.StatusBadge(r.Result.Request.Status), string(decision)})
			}
			if err := writeTable(out, []string{"ID", "STATUS", "RESULT"}, rows); err != nil {
				return err
			}
		}
		for _, r := range results {
			if r.Err != nil {
				return fmt.Errorf("%d of %d decisions failed: %w", countFailed(results), len(results), r.Err)
			}
		}
		return nil
	})
}

func countFailed(results []workflow.BulkResult) int {
	n := 0
	for _, r := range results {
		if r.Err != nil {
			n++
		}
	}
	return n
}

func writeDecision(out io.Writer, result *workflow.DecideResult) {
	cr := result.Request
	verb := "Recorded"
	if result.Previous != "" && result.Previous != result.Approval.Status {
		verb = fmt.Sprintf("Changed %s to", result.Previous)
	}
	fmt.Fprintf(out, "%s %s on %s\n", verb, result.Approval.Status, shortID(cr.ID))
	if result.Transitioned {
		fmt.Fprintf(out, "Request is now %s\n", styles.StatusBadge(cr.Status))
	}
}

func remainingApprovals(ctx context.Context, a *app, cr *models.ChangeRequest) int {
	if cr.Status != models.ChangeStatusPending {
		return 0
	}
	history, err := a.workflow.History(ctx, cr.ID)
	if err != nil {
		return 0
	}
	approved := 0
	for _, ap := range history.Approvals {
		if ap.Status == models.ApprovalStatusApproved {
			approved++
		}
	}
	return max(cr.ApprovalsRequired-approved, 0)
}

var requestExecuteCmd = &cobra.Command{
	Use:     "execute <id>",
	Aliases: []string{"apply"},
	Short:   "Apply an approved change request, or retry a failed one",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app) error {
			cr, err := findRequest(ctx, a.workflow, args[0])
			if err != nil {
				return err
			}
			cr, err = a.workflow.Execute(ctx, cr.ID, currentActor())
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if IsJSONOutput() || IsJSONLOutput() {
				if err := WriteOutput(out, cr); err != nil {
					return err
				}
			} else if cr.Status == models.ChangeStatusApplied {
				fmt.Fprintf(out, "Applied %s to %s\n", shortID(cr.ID), cr.FilePath)
				if cr.SnapshotRef != "" {
					fmt.Fprintf(out, "Previous content saved at %s\n", cr.SnapshotRef)
				}
			} else {
				fmt.Fprintf(out, "Execution of %s failed (attempt %d): %s\n", shortID(cr.ID), cr.RetryCount, cr.FailureReason)
			}
			PrintNextSteps(out, HintContext{Action: "execute", RequestID: cr.ID, Status: cr.Status})

			if cr.Status == models.ChangeStatusFailed {
				if strings.HasPrefix(cr.FailureReason, workflow.UnreachablePrefix) {
					return fmt.Errorf("%s: %w", shortID(cr.ID), ssh.ErrUnreachable)
				}
				return errExecutionFailed
			}
			return nil
		})
	},
}

var requestCancelCmd = &cobra.Command{
	Use:   "cancel <id>",
	Short: "Cancel a pending or failed change request",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app) error {
			cr, err := findRequest(ctx, a.workflow, args[0])
			if err != nil {
				return err
			}
			cr, err = a.workflow.Cancel(ctx, cr.ID, currentActor(), reqCancelNote)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if IsJSONOutput() || IsJSONLOutput() {
				return WriteOutput(out, cr)
			}
			fmt.Fprintf(out, "Cancelled %s\n", shortID(cr.ID))
			return nil
		})
	},
}
