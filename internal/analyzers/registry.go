package analyzers

import (
	"github.com/Sumatoshi-tech/peer/internal/analysis"
	"github.com/Sumatoshi-tech/peer/internal/analyzers/tools"
)

// DefaultRegistry returns a registry with the built-in heuristic analyzers.
func DefaultRegistry() *analysis.Registry {
	registry := analysis.NewRegistry()

	registry.MustRegister(NewSecurity())
	registry.MustRegister(NewJavaScript())
	registry.MustRegister(NewPython())
	registry.MustRegister(NewDocker())
	registry.MustRegister(NewIaC())

	return registry
}

// WithTools registers the external tool adapters. Each adapter probes for
// its binary at run time and yields nothing when it is absent.
func WithTools(registry *analysis.Registry) *analysis.Registry {
	registry.MustRegister(tools.NewESLint())
	registry.MustRegister(tools.NewGosec())
	registry.MustRegister(tools.NewTrivy())
	registry.MustRegister(tools.NewTfsec())

	return registry
}
