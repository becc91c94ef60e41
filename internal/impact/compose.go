package impact

import (
	"fmt"
	"reflect"
	"sort"
	"strings"

	"github.com/tOgg1/changegate/internal/configdoc"
	"github.com/tOgg1/changegate/internal/models"
)

// Service fields that change risk. Image, ports and volumes are HIGH;
// environment is MEDIUM.
var composeFieldRisk = map[string]models.RiskLevel{
	"image":       models.RiskHigh,
	"ports":       models.RiskHigh,
	"volumes":     models.RiskHigh,
	"environment": models.RiskMedium,
}

func analyzeCompose(oldDoc, newDoc *configdoc.Document) *models.ImpactAnalysis {
	result := &models.ImpactAnalysis{RiskLevel: models.RiskLow}
	details := map[string]any{}
	result.ChangeDetails = details

	newServices := configdoc.ComposeServices(newDoc)
	oldServices := configdoc.ComposeServices(oldDoc)

	added := missingFrom(keys(newServices), oldServices)
	removed := missingFrom(keys(oldServices), newServices)
	affected := map[string]bool{}

	if len(added) > 0 || len(removed) > 0 {
		result.RiskLevel = models.RiskHigh
		result.RequiresRestart = true
		for _, name := range append(append([]string{}, added...), removed...) {
			affected[name] = true
		}
		if len(added) > 0 {
			details["services_added"] = added
		}
		if len(removed) > 0 {
			details["services_removed"] = removed
			result.Recommendations = append(result.Recommendations,
				fmt.Sprintf("Confirm nothing still relies on removed service(s): %s", strings.Join(removed, ", ")))
		}
	}

	modified := map[string][]string{}
	for _, name := range keys(newServices) {
		before, ok := oldServices[name]
		if !ok {
			continue
		}
		after := newServices[name]

		var changed []string
		fieldRisk := models.RiskLow
		for _, field := range []string{"image", "ports", "environment", "volumes"} {
			if !reflect.DeepEqual(before.Fields[field], after.Fields[field]) {
				changed = append(changed, field)
				fieldRisk = fieldRisk.AtLeast(composeFieldRisk[field])
			}
		}
		other := otherChangedFields(before.Fields, after.Fields)
		changed = append(changed, other...)
		if len(changed) == 0 {
			continue
		}

		modified[name] = changed
		affected[name] = true
		result.RiskLevel = result.RiskLevel.AtLeast(fieldRisk)
	}
	if len(modified) > 0 {
		details["services_modified"] = modified
	}

	if networksChanged := setDiff(configdoc.ComposeNetworks(oldDoc), configdoc.ComposeNetworks(newDoc)); len(networksChanged) > 0 {
		result.RiskLevel = result.RiskLevel.AtLeast(models.RiskMedium)
		details["networks_changed"] = networksChanged
		for _, name := range networksChanged {
			affected[models.NetworkNode(name)] = true
		}
		result.Recommendations = append(result.Recommendations,
			"Network definitions changed; verify service connectivity after applying")
	}
	if volumesChanged := setDiff(configdoc.ComposeVolumes(oldDoc), configdoc.ComposeVolumes(newDoc)); len(volumesChanged) > 0 {
		result.RiskLevel = result.RiskLevel.AtLeast(models.RiskMedium)
		details["volumes_changed"] = volumesChanged
		for _, name := range volumesChanged {
			affected[models.VolumeNode(name)] = true
		}
		result.Recommendations = append(result.Recommendations,
			"Named volumes changed; back up persistent data before applying")
	}

	result.AffectedServices = sortedSet(affected)
	result.Summary = composeSummary(oldDoc == nil, len(newServices), added, removed, modified)
	return result
}

func composeSummary(newFile bool, total int, added, removed []string, modified map[string][]string) string {
	if newFile {
		return fmt.Sprintf("New compose configuration with %d service(s)", total)
	}
	var parts []string
	if len(added) > 0 {
		parts = append(parts, fmt.Sprintf("%d service(s) added", len(added)))
	}
	if len(removed) > 0 {
		parts = append(parts, fmt.Sprintf("%d service(s) removed", len(removed)))
	}
	if len(modified) > 0 {
		parts = append(parts, fmt.Sprintf("%d service(s) modified", len(modified)))
	}
	if len(parts) == 0 {
		return "No service-level changes detected"
	}
	return "Compose change: " + strings.Join(parts, ", ")
}

// otherChangedFields lists fields outside the risk table that differ.
func otherChangedFields(before, after map[string]any) []string {
	seen := map[string]bool{}
	var out []string
	for _, fields := range []map[string]any{before, after} {
		for field := range fields {
			if _, tracked := composeFieldRisk[field]; tracked || seen[field] {
				continue
			}
			seen[field] = true
			if !reflect.DeepEqual(before[field], after[field]) {
				out = append(out, field)
			}
		}
	}
	sort.Strings(out)
	return out
}

func keys(services map[string]configdoc.ComposeService) []string {
	out := make([]string, 0, len(services))
	for name := range services {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func missingFrom(names []string, other map[string]configdoc.ComposeService) []string {
	var out []string
	for _, name := range names {
		if _, ok := other[name]; !ok {
			out = append(out, name)
		}
	}
	return out
}

// setDiff returns the sorted symmetric difference of two name sets.
func setDiff(a, b []string) []string {
	inA := map[string]bool{}
	for _, v := range a {
		inA[v] = true
	}
	inB := map[string]bool{}
	for _, v := range b {
		inB[v] = true
	}
	changed := map[string]bool{}
	for v := range inA {
		if !inB[v] {
			changed[v] = true
		}
	}
	for v := range inB {
		if !inA[v] {
			changed[v] = true
		}
	}
	return sortedSet(changed)
}

func sortedSet(set map[string]bool) []string {
	out := make([]string, 0, len(set))
	for v := range set {
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}
