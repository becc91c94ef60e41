package cli

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/tOgg1/changegate/internal/configdoc"
	"github.com/tOgg1/changegate/internal/impact"
	"github.com/tOgg1/changegate/internal/models"
	"github.com/tOgg1/changegate/internal/policy"
)

var (
	analyzeDevice     string
	analyzeFile       string
	analyzeOldFile    string
	analyzeNoFetch    bool
	analyzeConfigType string
	analyzeChangeType string
	analyzeEmergency  bool
)

func init() {
	rootCmd.AddCommand(analyzeCmd)

	flags := analyzeCmd.Flags()
	flags.StringVarP(&analyzeDevice, "device", "d", "", "target device (default: context device)")
	flags.StringVarP(&analyzeFile, "file", "f", "", "file holding the proposed content (- for stdin)")
	flags.StringVar(&analyzeOldFile, "old-file", "", "file holding the current content")
	flags.BoolVar(&analyzeNoFetch, "no-fetch", false, "treat the target as a new file without reading the device")
	flags.StringVar(&analyzeConfigType, "type", "", "config type (default: detect from path)")
	flags.StringVar(&analyzeChangeType, "change", "", "change type used for policy matching")
	flags.BoolVar(&analyzeEmergency, "emergency", false, "evaluate policies as an emergency change")
}

// analyzeReport is the dry-run outcome of analysis and policy evaluation.
type analyzeReport struct {
	Impact   *models.ImpactAnalysis `json:"impact"`
	Decision policy.Decision        `json:"decision"`
}

var analyzeCmd = &cobra.Command{
	Use:   "analyze <path>",
	Short: "Analyze a proposed change without creating a request",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		deviceRef, err := deviceArg(analyzeDevice)
		if err != nil {
			return err
		}
		changeType, err := parseChangeTypeFlag(analyzeChangeType)
		if err != nil {
			return err
		}
		proposed, err := readProposed(cmd.InOrStdin(), analyzeFile, changeType)
		if err != nil {
			return err
		}

		return withApp(cmd, func(ctx context.Context, a *app) error {
			device, err := findDevice(ctx, a.devices, deviceRef)
			if err != nil {
				return err
			}
			oldContent, err := currentContent(ctx, a, device, args[0], analyzeOldFile, analyzeNoFetch)
			if err != nil {
				return err
			}
			if changeType == "" {
				changeType = models.ChangeTypeUpdate
				if oldContent == nil {
					changeType = models.ChangeTypeCreate
				}
			}

			configType := configdoc.DetectConfigType(args[0])
			if strings.TrimSpace(analyzeConfigType) != "" {
				configType = models.ParseConfigType(analyzeConfigType)
			}
			result, err := a.analyzer.Analyze(ctx, impact.NewRequest(device.ID, args[0], configType, oldContent, proposed))
			if err != nil {
				return err
			}

			active, err := a.policies.ListActive(ctx)
			if err != nil {
				return err
			}
			attrs := policy.Attributes{
				RiskLevel:  result.RiskLevel,
				ConfigType: configType,
				ChangeType: changeType,
				Emergency:  analyzeEmergency,
			}
			decision, err := policy.Evaluate(attrs, active)
			if err != nil {
				logger.Warn().Err(err).Msg("policy evaluation failed; showing default requirement")
				decision = policy.Default(attrs)
			}

			out := cmd.OutOrStdout()
			if IsJSONOutput() || IsJSONLOutput() {
				return WriteOutput(out, analyzeReport{Impact: result, Decision: decision})
			}
			fmt.Fprintf(out, "Risk:        %s\n", styles.RiskBadge(result.RiskLevel))
			fmt.Fprintf(out, "Summary:     %s\n", result.Summary)
			fmt.Fprintf(out, "Affected:    %s\n", joinOrDash(result.AffectedServices))
			fmt.Fprintf(out, "Restart:     %s\n", formatYesNo(result.RequiresRestart))
			if dep := result.DependencyAnalysis; dep != nil && dep.TotalDependentServices > 0 {
				fmt.Fprintf(out, "Dependents:  %s\n", joinOrDash(dep.DependentServices))
				if dep.RiskElevated {
					fmt.Fprintf(out, "Escalated:   from %s\n", styles.RiskBadge(dep.OriginalRiskLevel))
				}
			}
			for _, rec := range result.Recommendations {
				fmt.Fprintf(out, "  * %s\n", rec)
			}
			fmt.Fprintln(out)
			switch {
			case decision.AutoApprove:
				fmt.Fprintf(out, "Policy:      %s (auto-approved)\n", decision.PolicyName)
			case !decision.RequiresApproval:
				fmt.Fprintf(out, "Policy:      %s (not mandated; %d sign-off before execution)\n", decision.PolicyName, max(decision.ApprovalsRequired, 1))
			default:
				fmt.Fprintf(out, "Policy:      %s (%d approval(s) required)\n", decision.PolicyName, decision.ApprovalsRequired)
			}
			return nil
		})
	},
}
