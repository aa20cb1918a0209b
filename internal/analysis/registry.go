package analysis

import (
	"context"
	"errors"
	"fmt"
)

// ErrDuplicateAnalyzer is returned when two analyzers register the same name.
var ErrDuplicateAnalyzer = errors.New("analysis: duplicate analyzer name")

// ErrUnknownAnalyzer is returned when looking up an unregistered analyzer.
var ErrUnknownAnalyzer = errors.New("analysis: unknown analyzer")

// Analyzer inspects a subset of the changed files in a working copy.
// Implementations filter files to those they understand, must not mutate
// the workdir, and skip unreadable files silently.
type Analyzer interface {
	// Name is the unique registry key, also recorded on findings.
	Name() string

	// Analyze produces findings for the candidate files under workdir.
	// Paths are repo-relative. The (file, line, rule) triple must be
	// unique within the returned slice.
	Analyze(ctx context.Context, workdir string, files []string) ([]Finding, error)
}

// Registry holds the ordered set of registered analyzers.
type Registry struct {
	analyzers []Analyzer
	byName    map[string]Analyzer
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		byName: make(map[string]Analyzer),
	}
}

// Register adds an analyzer. Registration order is preserved.
func (r *Registry) Register(a Analyzer) error {
	name := a.Name()

	if _, exists := r.byName[name]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateAnalyzer, name)
	}

	r.byName[name] = a
	r.analyzers = append(r.analyzers, a)

	return nil
}

// MustRegister adds an analyzer and panics on a duplicate name. Intended
// for static setup at startup.
func (r *Registry) MustRegister(a Analyzer) {
	err := r.Register(a)
	if err != nil {
		panic(err)
	}
}

// Get returns the analyzer registered under name.
func (r *Registry) Get(name string) (Analyzer, error) {
	a, ok := r.byName[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownAnalyzer, name)
	}

	return a, nil
}

// Names returns the registered analyzer names in registration order.
func (r *Registry) Names() []string {
	names := make([]string, len(r.analyzers))
	for i, a := range r.analyzers {
		names[i] = a.Name()
	}

	return names
}

// All returns the registered analyzers in registration order.
func (r *Registry) All() []Analyzer {
	out := make([]Analyzer, len(r.analyzers))
	copy(out, r.analyzers)

	return out
}
