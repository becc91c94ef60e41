package models

import (
	"fmt"
	"strings"
)

// RiskLevel is the ordinal classification of a change's blast radius.
type RiskLevel string

const (
	RiskLow      RiskLevel = "low"
	RiskMedium   RiskLevel = "medium"
	RiskHigh     RiskLevel = "high"
	RiskCritical RiskLevel = "critical"
)

// Rank returns the ordinal position of the risk level (low=1 .. critical=4).
// Unknown values rank 0.
func (r RiskLevel) Rank() int {
	switch r {
	case RiskLow:
		return 1
	case RiskMedium:
		return 2
	case RiskHigh:
		return 3
	case RiskCritical:
		return 4
	default:
		return 0
	}
}

// Valid reports whether r is one of the known risk levels.
func (r RiskLevel) Valid() bool {
	return r.Rank() > 0
}

// AtLeast returns the higher of r and floor.
func (r RiskLevel) AtLeast(floor RiskLevel) RiskLevel {
	if floor.Rank() > r.Rank() {
		return floor
	}
	return r
}

// MaxRisk returns the highest risk level among levels (low when empty).
func MaxRisk(levels ...RiskLevel) RiskLevel {
	out := RiskLow
	for _, level := range levels {
		out = out.AtLeast(level)
	}
	return out
}

// ParseRiskLevel parses a case-insensitive risk level.
func ParseRiskLevel(value string) (RiskLevel, error) {
	level := RiskLevel(strings.ToLower(strings.TrimSpace(value)))
	if !level.Valid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidRiskLevel, value)
	}
	return level, nil
}
