package impact

import (
	"fmt"
	"reflect"
	"strings"

	"github.com/tOgg1/changegate/internal/configdoc"
	"github.com/tOgg1/changegate/internal/models"
)

func analyzeSystemd(oldDoc, newDoc *configdoc.Document, filePath string) *models.ImpactAnalysis {
	after := configdoc.SummarizeSystemd(newDoc, filePath)
	result := &models.ImpactAnalysis{
		ChangeDetails: map[string]any{
			"unit":         after.Name,
			"service_type": after.ServiceType,
		},
	}
	if after.Name != "" {
		result.AffectedServices = []string{after.Name}
	}

	if oldDoc == nil {
		result.RiskLevel = models.RiskHigh
		result.RequiresRestart = true
		result.Summary = fmt.Sprintf("New unit %s", after.Name)
		result.Recommendations = []string{"Reload the unit manager and enable the unit explicitly after applying"}
		return result
	}

	before := configdoc.SummarizeSystemd(oldDoc, filePath)
	result.RiskLevel = models.RiskLow
	var reasons []string

	if before.ServiceType != after.ServiceType {
		result.RiskLevel = models.RiskHigh
		result.ChangeDetails["service_type_before"] = before.ServiceType
		reasons = append(reasons, fmt.Sprintf("service type %q -> %q", before.ServiceType, after.ServiceType))
	}

	beforeDeps, afterDeps := before.DependencySet(), after.DependencySet()
	if !reflect.DeepEqual(beforeDeps, afterDeps) {
		result.RiskLevel = models.RiskHigh
		result.ChangeDetails["dependencies_added"] = subtract(afterDeps, beforeDeps)
		result.ChangeDetails["dependencies_removed"] = subtract(beforeDeps, afterDeps)
		reasons = append(reasons, "dependency directives changed")
		result.Recommendations = append(result.Recommendations,
			"Review unit ordering and requirement dependencies before reloading")
	}

	if len(reasons) == 0 && !configdoc.Equal(oldDoc, newDoc) {
		result.RiskLevel = models.RiskMedium
		reasons = append(reasons, "unit settings changed")
	}

	if len(reasons) == 0 {
		result.Summary = fmt.Sprintf("No changes to unit %s", after.Name)
		result.AffectedServices = nil
		return result
	}
	result.RequiresRestart = true
	result.Summary = fmt.Sprintf("Unit %s: %s", after.Name, strings.Join(reasons, "; "))
	return result
}

// subtract returns entries of a not present in b, keeping order.
func subtract(a, b []string) []string {
	drop := make(map[string]bool, len(b))
	for _, v := range b {
		drop[v] = true
	}
	out := []string{}
	for _, v := range a {
		if !drop[v] {
			out = append(out, v)
		}
	}
	return out
}
