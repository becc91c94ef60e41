package impact

import (
	"strings"

	"github.com/pmezard/go-difflib/difflib"
	"github.com/sourcegraph/go-diff/diff"
	"github.com/wI2L/jsondiff"

	"github.com/tOgg1/changegate/internal/logging"
	"github.com/tOgg1/changegate/internal/models"
)

// Operation is one structured change between the old and new documents,
// expressed as a JSON Patch style operation over the parsed sections.
type Operation struct {
	Op    string `json:"op"`
	Path  string `json:"path"`
	Value any    `json:"value,omitempty"`
}

// LineStats counts changed lines in the unified diff of the raw contents.
type LineStats struct {
	Added   int `json:"added"`
	Removed int `json:"removed"`
	Hunks   int `json:"hunks"`
}

// attachDetails adds structured operations, line statistics and parse
// errors to change_details. It never changes the risk level.
func (a *Analyzer) attachDetails(req Request, result *models.ImpactAnalysis) {
	details := result.ChangeDetails

	var oldSections map[string]any
	if req.Old != nil {
		oldSections = req.Old.Sections
	}
	if ops, truncated, err := structuredOperations(oldSections, req.New.Sections, a.maxOperations); err == nil {
		details["operations"] = ops
		if truncated {
			details["operations_truncated"] = true
		}
	} else {
		a.logger.Debug().Err(err).Str("file_path", req.FilePath).Msg("structured diff unavailable")
	}

	if req.OldContent != "" || req.NewContent != "" {
		if stats, err := lineStats(req.FilePath, req.OldContent, req.NewContent); err == nil {
			details["line_stats"] = stats
		} else {
			a.logger.Debug().Err(err).Str("file_path", req.FilePath).Msg("line stats unavailable")
		}
	}

	if req.New.Partial() {
		details["parse_errors"] = append([]string(nil), req.New.ParseErrors...)
		result.Recommendations = append(result.Recommendations,
			"Proposed content did not parse cleanly; analysis used a partial document")
	}
}

// structuredOperations diffs two section maps. Values under sensitive keys
// are redacted. At most limit operations are returned.
func structuredOperations(oldSections, newSections map[string]any, limit int) ([]Operation, bool, error) {
	if oldSections == nil {
		oldSections = map[string]any{}
	}
	patch, err := jsondiff.Compare(oldSections, newSections)
	if err != nil {
		return nil, false, err
	}

	ops := make([]Operation, 0, len(patch))
	truncated := false
	for _, op := range patch {
		if len(ops) >= limit {
			truncated = true
			break
		}
		path := string(op.Path)
		ops = append(ops, Operation{
			Op:    op.Type,
			Path:  path,
			Value: redactOperationValue(path, op.Value),
		})
	}
	return ops, truncated, nil
}

func redactOperationValue(path string, value any) any {
	if value == nil {
		return nil
	}
	for _, segment := range strings.Split(path, "/") {
		if logging.IsSensitiveField(segment) {
			return logging.RedactedValue
		}
	}
	return logging.RedactValue(value)
}

// lineStats renders a unified diff with difflib and counts it with go-diff.
func lineStats(filePath, oldContent, newContent string) (LineStats, error) {
	if oldContent == newContent {
		return LineStats{}, nil
	}
	text, err := difflib.GetUnifiedDiffString(difflib.UnifiedDiff{
		A:        splitLines(oldContent),
		B:        splitLines(newContent),
		FromFile: "a/" + strings.TrimPrefix(filePath, "/"),
		ToFile:   "b/" + strings.TrimPrefix(filePath, "/"),
		Context:  0,
	})
	if err != nil {
		return LineStats{}, err
	}
	if text == "" {
		return LineStats{}, nil
	}

	fileDiff, err := diff.ParseFileDiff([]byte(text))
	if err != nil {
		return LineStats{}, err
	}

	var stats LineStats
	for _, hunk := range fileDiff.Hunks {
		stats.Hunks++
		for _, line := range strings.Split(string(hunk.Body), "\n") {
			switch {
			case strings.HasPrefix(line, "+"):
				stats.Added++
			case strings.HasPrefix(line, "-"):
				stats.Removed++
			}
		}
	}
	return stats, nil
}

func splitLines(content string) []string {
	if content == "" {
		return nil
	}
	return difflib.SplitLines(content)
}
