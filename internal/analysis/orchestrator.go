package analysis

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"
	"golang.org/x/sync/errgroup"
)

// Result is the normalized output of one orchestration pass.
type Result struct {
	Findings []Finding `json:"findings"`
	Summary  Summary   `json:"summary"`
}

// Orchestrator fans registered analyzers out over a working copy and
// de-duplicates, ranks, and summarizes their combined findings.
type Orchestrator struct {
	registry *Registry
	logger   *slog.Logger
	tracer   trace.Tracer
}

// OrchestratorOption customizes an Orchestrator.
type OrchestratorOption func(*Orchestrator)

// WithLogger sets the logger used for analyzer failure warnings.
func WithLogger(logger *slog.Logger) OrchestratorOption {
	return func(o *Orchestrator) { o.logger = logger }
}

// WithTracer sets the tracer wrapping each analyzer invocation in a span.
func WithTracer(tracer trace.Tracer) OrchestratorOption {
	return func(o *Orchestrator) { o.tracer = tracer }
}

// NewOrchestrator creates an orchestrator over the given registry.
func NewOrchestrator(registry *Registry, opts ...OrchestratorOption) *Orchestrator {
	o := &Orchestrator{
		registry: registry,
		logger:   slog.Default(),
		tracer:   nooptrace.NewTracerProvider().Tracer("analysis"),
	}

	for _, opt := range opts {
		opt(o)
	}

	return o
}

// Run invokes every registered analyzer concurrently over the candidate
// files and normalizes the union of their findings. An analyzer failure
// contributes an empty slice and a warning; it never fails the run.
// Identical inputs yield identical output ordering and counts.
func (o *Orchestrator) Run(ctx context.Context, workdir string, files []string) (Result, error) {
	analyzers := o.registry.All()
	perAnalyzer := make([][]Finding, len(analyzers))

	group, groupCtx := errgroup.WithContext(ctx)

	for i, analyzer := range analyzers {
		group.Go(func() error {
			// Each goroutine writes its own slot; no shared state.
			perAnalyzer[i] = o.invoke(groupCtx, analyzer, workdir, files)

			return nil
		})
	}

	// Analyzer errors are swallowed per analyzer; the only group error
	// source is context cancellation.
	if err := group.Wait(); err != nil {
		return Result{}, fmt.Errorf("analyzer fan-out: %w", err)
	}

	if err := ctx.Err(); err != nil {
		return Result{}, fmt.Errorf("analyzer fan-out: %w", err)
	}

	var all []Finding
	for _, findings := range perAnalyzer {
		all = append(all, findings...)
	}

	return Orchestrate(all), nil
}

// invoke runs one analyzer inside a span, clamping its findings and
// converting failure into an empty result.
func (o *Orchestrator) invoke(ctx context.Context, analyzer Analyzer, workdir string, files []string) []Finding {
	spanCtx, span := o.tracer.Start(ctx, "analysis.analyzer",
		trace.WithAttributes(attribute.String("analyzer.name", analyzer.Name())))
	defer span.End()

	findings, err := analyzer.Analyze(spanCtx, workdir, files)
	if err != nil {
		o.logger.WarnContext(ctx, "analyzer failed",
			slog.String("analyzer", analyzer.Name()),
			slog.Any("error", err))

		return nil
	}

	for i := range findings {
		if findings[i].Analyzer == "" {
			findings[i].Analyzer = analyzer.Name()
		}

		findings[i].Clamp()
	}

	span.SetAttributes(attribute.Int("analyzer.findings", len(findings)))

	return findings
}

// Orchestrate normalizes a raw finding set: de-duplicate on
// (file, line, rule) preferring higher severity weight with ties broken by
// the more specific source, rank by severity then file then line, summarize
// per-severity counts, and assign stable sequential ids.
func Orchestrate(findings []Finding) Result {
	deduped := dedupe(findings)
	rank(deduped)

	var summary Summary

	for i := range deduped {
		deduped[i].ID = fmt.Sprintf("f-%04d", i+1)
		summary.Add(deduped[i].Severity)
	}

	return Result{Findings: deduped, Summary: summary}
}

type findingKey struct {
	file string
	line int
	rule string
}

// dedupe collapses cross-analyzer duplicates of the same (file, line, rule).
func dedupe(findings []Finding) []Finding {
	best := make(map[findingKey]int, len(findings))
	out := make([]Finding, 0, len(findings))

	for _, f := range findings {
		key := findingKey{file: f.File, line: f.Line, rule: f.Rule}

		idx, seen := best[key]
		if !seen {
			best[key] = len(out)
			out = append(out, f)

			continue
		}

		if prefer(f, out[idx]) {
			out[idx] = f
		}
	}

	return out
}

// prefer reports whether candidate should replace incumbent for the same
// finding key: higher severity weight wins, longer source breaks ties.
func prefer(candidate, incumbent Finding) bool {
	if candidate.SeverityWeight != incumbent.SeverityWeight {
		return candidate.SeverityWeight > incumbent.SeverityWeight
	}

	return len(candidate.Source) > len(incumbent.Source)
}

// rank orders findings by descending severity, then file, then line.
func rank(findings []Finding) {
	sort.SliceStable(findings, func(i, j int) bool {
		a, b := findings[i], findings[j]

		if a.SeverityWeight != b.SeverityWeight {
			return a.SeverityWeight > b.SeverityWeight
		}

		if a.File != b.File {
			return a.File < b.File
		}

		return a.Line < b.Line
	})
}

// FilterSeverities returns the findings whose severity is in the allowed
// set. An empty set allows everything.
func FilterSeverities(findings []Finding, allowed []string) []Finding {
	if len(allowed) == 0 {
		return findings
	}

	allowedSet := make(map[string]struct{}, len(allowed))
	for _, s := range allowed {
		allowedSet[s] = struct{}{}
	}

	out := make([]Finding, 0, len(findings))

	for _, f := range findings {
		if _, ok := allowedSet[f.Severity]; ok {
			out = append(out, f)
		}
	}

	return out
}

// Summarize recounts per-severity totals for a finding list.
func Summarize(findings []Finding) Summary {
	var summary Summary
	for _, f := range findings {
		summary.Add(f.Severity)
	}

	return summary
}
