package cli

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/tOgg1/changegate/internal/models"
	"github.com/tOgg1/changegate/internal/policy"
)

var (
	policyFile       string
	policyRisk       string
	policyConfigType string
	policyChangeType string
	policyEmergency  bool
)

func init() {
	rootCmd.AddCommand(policyCmd)
	policyCmd.AddCommand(policyListCmd, policyCheckCmd, policyMatchCmd)
	policyCmd.PersistentFlags().StringVar(&policyFile, "file", "", "policy file (default: policy.file or <config_dir>/policies.yaml)")

	policyMatchCmd.Flags().StringVar(&policyRisk, "risk", string(models.RiskMedium), "risk level")
	policyMatchCmd.Flags().StringVar(&policyConfigType, "type", string(models.ConfigTypeGeneric), "config type")
	policyMatchCmd.Flags().StringVar(&policyChangeType, "change", string(models.ChangeTypeUpdate), "change type")
	policyMatchCmd.Flags().BoolVar(&policyEmergency, "emergency", false, "evaluate as an emergency change")
}

var policyCmd = &cobra.Command{
	Use:     "policy",
	Aliases: []string{"policies"},
	Short:   "Inspect approval policies",
}

func policyPath() string {
	if policyFile != "" {
		return policyFile
	}
	return GetConfig().PolicyPath()
}

var policyListCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List policies in evaluation order",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		policies, err := policy.LoadFile(policyPath())
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if IsJSONOutput() || IsJSONLOutput() {
			return WriteOutput(out, policies)
		}
		if len(policies) == 0 {
			fmt.Fprintf(out, "No policies in %s; the default requires one approval for high and critical risk.\n", policyPath())
			return nil
		}

		ordered := policy.Order(policies)
		rows := make([][]string, 0, len(policies))
		for _, p := range ordered {
			rows = append(rows, policyRow(p))
		}
		for _, p := range policies {
			if !p.Active {
				rows = append(rows, policyRow(p))
			}
		}
		return writeTable(out, []string{"PRIORITY", "NAME", "ACTIVE", "MATCHES", "APPROVALS", "AUTO-EMERGENCY"}, rows)
	},
}

func policyRow(p *models.ApprovalPolicy) []string {
	active := formatYesNo(p.Active)
	if !p.Active {
		active = styles.Dim(active)
	}
	return []string{
		fmt.Sprintf("%d", p.Priority),
		p.Name,
		active,
		describeConditions(p.Conditions),
		fmt.Sprintf("%d", p.ApprovalsRequired),
		formatYesNo(p.AutoApproveEmergency),
	}
}

func describeConditions(c models.PolicyConditions) string {
	var parts []string
	if len(c.RiskLevels) > 0 {
		parts = append(parts, "risk="+joinTyped(c.RiskLevels))
	}
	if len(c.ConfigTypes) > 0 {
		parts = append(parts, "type="+joinTyped(c.ConfigTypes))
	}
	if len(c.ChangeTypes) > 0 {
		parts = append(parts, "change="+joinTyped(c.ChangeTypes))
	}
	if c.Emergency != nil {
		parts = append(parts, "emergency="+formatYesNo(*c.Emergency))
	}
	if len(parts) == 0 {
		return "any"
	}
	return strings.Join(parts, " ")
}

func joinTyped[T ~string](values []T) string {
	out := make([]string, len(values))
	for i, v := range values {
		out[i] = string(v)
	}
	return strings.Join(out, ",")
}

var policyCheckCmd = &cobra.Command{
	Use:   "check",
	Short: "Validate the policy file",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		path := policyPath()
		policies, err := policy.LoadFile(path)
		if err != nil {
			return err
		}

		var problems []error
		seen := map[string]bool{}
		for _, p := range policies {
			if err := p.Validate(); err != nil {
				problems = append(problems, fmt.Errorf("policy %q: %w", p.Name, err))
			}
			if seen[p.Name] {
				problems = append(problems, fmt.Errorf("policy %q: duplicate name", p.Name))
			}
			seen[p.Name] = true
		}
		if len(problems) > 0 {
			return fmt.Errorf("%w in %s: %w", policy.ErrMalformedPolicy, path, errors.Join(problems...))
		}
		if IsJSONOutput() || IsJSONLOutput() {
			return WriteOutput(cmd.OutOrStdout(), map[string]any{"path": path, "policies": len(policies), "valid": true})
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s: %d policy(ies) OK\n", path, len(policies))
		return nil
	},
}

var policyMatchCmd = &cobra.Command{
	Use:   "match",
	Short: "Show which policy applies to a change with the given attributes",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		risk, err := models.ParseRiskLevel(policyRisk)
		if err != nil {
			return err
		}
		changeType, err := parseChangeTypeFlag(policyChangeType)
		if err != nil {
			return err
		}
		policies, err := policy.LoadFile(policyPath())
		if err != nil {
			return err
		}

		attrs := policy.Attributes{
			RiskLevel:  risk,
			ConfigType: models.ParseConfigType(policyConfigType),
			ChangeType: changeType,
			Emergency:  policyEmergency,
		}
		decision, err := policy.Evaluate(attrs, policies)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if IsJSONOutput() || IsJSONLOutput() {
			return WriteOutput(out, decision)
		}
		fmt.Fprintf(out, "Policy:      %s\n", decision.PolicyName)
		fmt.Fprintf(out, "Matched:     %s\n", formatYesNo(decision.Matched))
		fmt.Fprintf(out, "Required:    %s (%d approval(s))\n", formatYesNo(decision.RequiresApproval), decision.ApprovalsRequired)
		fmt.Fprintf(out, "Auto:        %s\n", formatYesNo(decision.AutoApprove))
		return nil
	},
}
