package models

// ServiceDependencies is the per-service graph detail attached to an
// enhanced impact analysis.
type ServiceDependencies struct {
	Upstream   []string `json:"upstream"`
	Downstream []string `json:"downstream"`
}

// DependencyAnalysis describes how the dependency graph changed the result.
type DependencyAnalysis struct {
	TotalDependentServices int                            `json:"total_dependent_services"`
	DependentServices      []string                       `json:"dependent_services,omitempty"`
	Services               map[string]ServiceDependencies `json:"services,omitempty"`
	OriginalRiskLevel      RiskLevel                      `json:"original_risk_level"`
	RiskElevated           bool                           `json:"risk_elevated"`
}

// ImpactAnalysis is the transient outcome of impact analysis.
type ImpactAnalysis struct {
	RiskLevel          RiskLevel           `json:"risk_level"`
	Summary            string              `json:"summary"`
	AffectedServices   []string            `json:"affected_services"`
	RequiresRestart    bool                `json:"requires_restart"`
	Recommendations    []string            `json:"recommendations,omitempty"`
	ChangeDetails      map[string]any      `json:"change_details,omitempty"`
	DependencyAnalysis *DependencyAnalysis `json:"dependency_analysis,omitempty"`

	// AnalysisError is set when the result is a conservative fallback
	// produced after analysis failed.
	AnalysisError string `json:"analysis_error,omitempty"`
}

// Failed reports whether the result is a fallback after an analysis error.
func (a *ImpactAnalysis) Failed() bool {
	return a != nil && a.AnalysisError != ""
}
