// Package impact classifies the risk of a configuration change and expands
// the set of affected services through the dependency graph.
package impact

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/rs/zerolog"

	"github.com/tOgg1/changegate/internal/logging"
	"github.com/tOgg1/changegate/internal/models"
)

// DefaultFallbackRisk is the risk assigned when analysis fails.
const DefaultFallbackRisk = models.RiskMedium

// DefaultCacheEntries bounds the variant result cache.
const DefaultCacheEntries = 256

// ErrAnalysisFailed wraps every error returned by Analyze.
var ErrAnalysisFailed = errors.New("impact analysis failed")

// ErrMissingDocument is returned when a request has no proposed document.
var ErrMissingDocument = errors.New("proposed document is required")

// Graph is the dependency lookup used by enhancement.
type Graph interface {
	GetDownstream(ctx context.Context, deviceID, service string) ([]string, error)
	GetTransitiveClosure(ctx context.Context, deviceID, service string, maxDepth int) (*models.Closure, error)
}

// Analyzer computes ImpactAnalysis results. It is safe for concurrent use.
type Analyzer struct {
	graph         Graph
	logger        zerolog.Logger
	cache         *resultCache
	maxDepth      int
	maxOperations int
}

// Option configures an Analyzer.
type Option func(*Analyzer)

// WithLogger overrides the component logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(a *Analyzer) {
		a.logger = logger
	}
}

// WithCacheEntries sets the variant cache size. Zero disables caching.
func WithCacheEntries(n int) Option {
	return func(a *Analyzer) {
		if n <= 0 {
			a.cache = nil
			return
		}
		a.cache = newResultCache(n)
	}
}

// WithMaxDepth bounds the per-service closure in dependency_analysis.
func WithMaxDepth(depth int) Option {
	return func(a *Analyzer) {
		if depth > 0 {
			a.maxDepth = depth
		}
	}
}

// WithMaxOperations caps the structured operations kept in change_details.
func WithMaxOperations(n int) Option {
	return func(a *Analyzer) {
		if n > 0 {
			a.maxOperations = n
		}
	}
}

// NewAnalyzer creates an Analyzer. graph may be nil, in which case results
// are not expanded through dependencies.
func NewAnalyzer(graph Graph, opts ...Option) *Analyzer {
	a := &Analyzer{
		graph:         graph,
		logger:        logging.Component("impact"),
		cache:         newResultCache(DefaultCacheEntries),
		maxDepth:      5,
		maxOperations: 50,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Analyze classifies the change and expands it through the dependency graph.
// Any failure, including a panic inside a variant, is returned as an error
// wrapping ErrAnalysisFailed; callers decide the fallback with Fallback.
func (a *Analyzer) Analyze(ctx context.Context, req Request) (result *models.ImpactAnalysis, err error) {
	defer func() {
		if r := recover(); r != nil {
			result = nil
			err = fmt.Errorf("%w: panic in %s analyzer: %v", ErrAnalysisFailed, req.ConfigType, r)
		}
	}()

	if req.New == nil {
		return nil, fmt.Errorf("%w: %w", ErrAnalysisFailed, ErrMissingDocument)
	}

	compute := func(context.Context) (*models.ImpactAnalysis, error) {
		base, err := classify(req)
		if err != nil {
			return nil, err
		}
		a.attachDetails(req, base)
		return base, nil
	}

	var base *models.ImpactAnalysis
	if a.cache != nil {
		base, err = a.cache.getOrCompute(ctx, req.cacheKey(), compute)
	} else {
		base, err = compute(ctx)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %s analyzer: %w", ErrAnalysisFailed, req.ConfigType, err)
	}

	if err := a.enhance(ctx, req.DeviceID, base); err != nil {
		return nil, fmt.Errorf("%w: dependency enhancement: %w", ErrAnalysisFailed, err)
	}

	a.logger.Debug().
		Str("device_id", req.DeviceID).
		Str("file_path", req.FilePath).
		Str("config_type", string(req.ConfigType)).
		Str("risk", string(base.RiskLevel)).
		Int("affected", len(base.AffectedServices)).
		Msg("impact analyzed")
	return base, nil
}

// CacheStats reports variant cache counters. It is zero when caching is off.
func (a *Analyzer) CacheStats() CacheStats {
	if a.cache == nil {
		return CacheStats{}
	}
	return a.cache.stats()
}

// classify dispatches to the variant for the config type. Unrecognized types
// use the generic size heuristic.
func classify(req Request) (*models.ImpactAnalysis, error) {
	var result *models.ImpactAnalysis
	switch req.ConfigType {
	case models.ConfigTypeCompose:
		result = analyzeCompose(req.Old, req.New)
	case models.ConfigTypeProxy:
		result = analyzeProxy(req.Old, req.New)
	case models.ConfigTypeSystemd:
		result = analyzeSystemd(req.Old, req.New, req.FilePath)
	case models.ConfigTypeGeneric:
		result = analyzeGeneric(req.Old, req.New)
	default:
		result = analyzeGeneric(req.Old, req.New)
	}
	if result == nil || !result.RiskLevel.Valid() {
		return nil, fmt.Errorf("analyzer produced no valid risk level")
	}
	if result.AffectedServices == nil {
		result.AffectedServices = []string{}
	}
	if result.ChangeDetails == nil {
		result.ChangeDetails = map[string]any{}
	}
	return result, nil
}

// enhance unions direct dependents of every affected service into the
// affected set and escalates risk by dependent count. Risk never decreases.
func (a *Analyzer) enhance(ctx context.Context, deviceID string, result *models.ImpactAnalysis) error {
	original := result.RiskLevel
	analysis := &models.DependencyAnalysis{
		OriginalRiskLevel: original,
		Services:          map[string]models.ServiceDependencies{},
	}
	result.DependencyAnalysis = analysis
	if a.graph == nil || len(result.AffectedServices) == 0 {
		return nil
	}

	dependents := map[string]bool{}
	for _, service := range result.AffectedServices {
		downstream, err := a.graph.GetDownstream(ctx, deviceID, service)
		if err != nil {
			return fmt.Errorf("downstream of %s: %w", service, err)
		}
		for _, dependent := range downstream {
			if dependent != service {
				dependents[dependent] = true
			}
		}

		closure, err := a.graph.GetTransitiveClosure(ctx, deviceID, service, a.maxDepth)
		if err != nil {
			return fmt.Errorf("closure of %s: %w", service, err)
		}
		analysis.Services[service] = models.ServiceDependencies{
			Upstream:   closure.Upstream,
			Downstream: closure.Downstream,
		}
	}

	names := make([]string, 0, len(dependents))
	for name := range dependents {
		names = append(names, name)
	}
	sort.Strings(names)
	count := len(names)

	result.AffectedServices = mergeSorted(result.AffectedServices, names)
	result.RiskLevel = escalate(original, count)

	analysis.TotalDependentServices = count
	analysis.DependentServices = names
	analysis.RiskElevated = result.RiskLevel.Rank() > original.Rank()

	if count > 0 {
		lead := fmt.Sprintf("%d dependent service(s) may be affected: %s", count, strings.Join(names, ", "))
		result.Recommendations = append([]string{lead}, result.Recommendations...)
		result.Recommendations = append(result.Recommendations,
			"Roll out in stages and verify dependent services between steps")
	}
	if count >= 3 {
		result.Recommendations = append(result.Recommendations,
			"Schedule the change during a maintenance window")
	}
	return nil
}

// escalate raises risk according to the number of dependents.
func escalate(risk models.RiskLevel, dependents int) models.RiskLevel {
	switch {
	case dependents >= 5:
		return risk.AtLeast(models.RiskCritical)
	case dependents >= 3:
		return risk.AtLeast(models.RiskHigh)
	case dependents >= 1:
		return risk.AtLeast(models.RiskMedium)
	default:
		return risk
	}
}

// Fallback builds the conservative result used when analysis fails. An
// invalid risk uses DefaultFallbackRisk.
func Fallback(err error, risk models.RiskLevel) *models.ImpactAnalysis {
	if !risk.Valid() {
		risk = DefaultFallbackRisk
	}
	reason := "unknown error"
	if err != nil {
		reason = err.Error()
	}
	return &models.ImpactAnalysis{
		RiskLevel:        risk,
		Summary:          fmt.Sprintf("Impact analysis failed; change treated as %s risk", risk),
		AffectedServices: []string{},
		Recommendations: []string{
			"Automated impact analysis failed; review the change manually before approving",
		},
		ChangeDetails: map[string]any{},
		AnalysisError: reason,
	}
}

func mergeSorted(a, b []string) []string {
	seen := make(map[string]bool, len(a)+len(b))
	out := make([]string, 0, len(a)+len(b))
	for _, list := range [][]string{a, b} {
		for _, v := range list {
			if !seen[v] {
				seen[v] = true
				out = append(out, v)
			}
		}
	}
	sort.Strings(out)
	return out
}
