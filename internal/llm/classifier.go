package llm

import (
	"strings"

	"github.com/Sumatoshi-tech/peer/internal/analysis"
)

// Complexity buckets for routing.
const (
	ComplexitySimple  = "simple"
	ComplexityComplex = "complex"
)

// complexKeywords mark rules whose fixes need stronger reasoning.
var complexKeywords = []string{
	"security", "sql", "injection", "auth", "crypto", "logic",
	"credential", "token", "tls", "race",
}

// Classify buckets a finding set as simple or complex. Rules carrying a
// security/logic keyword or severity critical/high vote complex; majority
// wins, ties are simple.
func Classify(findings []analysis.Finding) string {
	complexVotes := 0

	for _, f := range findings {
		if isComplexFinding(f) {
			complexVotes++
		}
	}

	if complexVotes*2 > len(findings) {
		return ComplexityComplex
	}

	return ComplexitySimple
}

func isComplexFinding(f analysis.Finding) bool {
	if f.Severity == analysis.SeverityCritical || f.Severity == analysis.SeverityHigh {
		return true
	}

	rule := strings.ToLower(f.Rule)
	category := strings.ToLower(f.Category)

	for _, kw := range complexKeywords {
		if strings.Contains(rule, kw) || category == kw {
			return true
		}
	}

	return false
}

// Chain returns the provider fallback order for a complexity bucket.
func Chain(complexity string) []string {
	if complexity == ComplexityComplex {
		return []string{ProviderDeepSeek, ProviderGemini, ProviderGroq, ProviderOpenRouter}
	}

	return []string{ProviderGroq, ProviderOpenRouter, ProviderGemini, ProviderDeepSeek}
}
