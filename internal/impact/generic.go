package impact

import (
	"fmt"

	"github.com/tOgg1/changegate/internal/configdoc"
	"github.com/tOgg1/changegate/internal/models"
)

// sizeChangeThreshold is the fraction of the old size above which a size
// change counts as HIGH risk.
const sizeChangeThreshold = 0.5

func analyzeGeneric(oldDoc, newDoc *configdoc.Document) *models.ImpactAnalysis {
	oldSize := 0
	if oldDoc != nil {
		oldSize = oldDoc.Size
	}
	newSize := newDoc.Size

	delta := newSize - oldSize
	if delta < 0 {
		delta = -delta
	}

	result := &models.ImpactAnalysis{
		RiskLevel:        models.RiskMedium,
		AffectedServices: []string{},
		ChangeDetails: map[string]any{
			"old_size":   oldSize,
			"new_size":   newSize,
			"size_delta": newSize - oldSize,
		},
	}
	if float64(delta) > sizeChangeThreshold*float64(oldSize) {
		result.RiskLevel = models.RiskHigh
	}

	switch {
	case oldDoc == nil:
		result.Summary = fmt.Sprintf("New file (%d bytes)", newSize)
	default:
		result.Summary = fmt.Sprintf("File size %d -> %d bytes", oldSize, newSize)
	}
	if result.RiskLevel == models.RiskHigh {
		result.Recommendations = []string{"Large relative size change; review the full diff"}
	}
	return result
}
