package impact

import (
	"fmt"
	"reflect"
	"strings"

	"github.com/tOgg1/changegate/internal/configdoc"
	"github.com/tOgg1/changegate/internal/models"
)

func analyzeProxy(oldDoc, newDoc *configdoc.Document) *models.ImpactAnalysis {
	after := configdoc.SummarizeProxy(newDoc)
	details := map[string]any{
		"server_blocks":   after.ServerBlocks,
		"ssl_servers":     after.SSLServers,
		"upstream_blocks": len(after.Upstreams),
	}
	result := &models.ImpactAnalysis{ChangeDetails: details}

	if oldDoc == nil {
		result.RiskLevel = models.RiskHigh
		result.Summary = fmt.Sprintf("New proxy configuration with %d server block(s)", after.ServerBlocks)
		result.AffectedServices = after.UpstreamNames()
		result.Recommendations = []string{"Test the configuration with the proxy's syntax check before reloading"}
		return result
	}

	before := configdoc.SummarizeProxy(oldDoc)
	result.RiskLevel = models.RiskLow
	var reasons []string

	if before.ServerBlocks != after.ServerBlocks {
		result.RiskLevel = models.RiskHigh
		reasons = append(reasons, fmt.Sprintf("server blocks %d -> %d", before.ServerBlocks, after.ServerBlocks))
		details["server_blocks_before"] = before.ServerBlocks
	}
	if len(before.Upstreams) != len(after.Upstreams) {
		result.RiskLevel = models.RiskHigh
		reasons = append(reasons, fmt.Sprintf("upstream blocks %d -> %d", len(before.Upstreams), len(after.Upstreams)))
		details["upstream_blocks_before"] = len(before.Upstreams)
		result.Recommendations = append(result.Recommendations, "Verify upstream connectivity after reloading")
	}
	if before.SSLServers != after.SSLServers {
		result.RiskLevel = models.RiskHigh
		reasons = append(reasons, fmt.Sprintf("SSL servers %d -> %d", before.SSLServers, after.SSLServers))
		details["ssl_servers_before"] = before.SSLServers
		result.Recommendations = append(result.Recommendations, "Verify certificate paths and validity for SSL servers")
	}

	changedUpstreams := changedUpstreamNames(before.Upstreams, after.Upstreams)
	if len(changedUpstreams) > 0 {
		details["upstreams_changed"] = changedUpstreams
	}
	result.AffectedServices = changedUpstreams

	if len(reasons) == 0 && !configdoc.Equal(oldDoc, newDoc) {
		result.RiskLevel = models.RiskMedium
		if len(changedUpstreams) > 0 {
			reasons = append(reasons, "upstream members changed")
		} else {
			reasons = append(reasons, "directives changed")
		}
	}

	if len(reasons) == 0 {
		result.Summary = "No proxy configuration changes detected"
	} else {
		result.Summary = "Proxy change: " + strings.Join(reasons, "; ")
	}
	return result
}

// changedUpstreamNames returns upstreams that were added, removed or whose
// member list differs.
func changedUpstreamNames(before, after map[string][]string) []string {
	changed := map[string]bool{}
	for name, members := range after {
		if prev, ok := before[name]; !ok || !reflect.DeepEqual(prev, members) {
			changed[name] = true
		}
	}
	for name := range before {
		if _, ok := after[name]; !ok {
			changed[name] = true
		}
	}
	return sortedSet(changed)
}
