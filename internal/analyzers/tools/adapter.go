// Package tools adapts external analysis binaries (eslint, gosec, trivy,
// tfsec) into the analyzer registry. Every adapter probes for its binary on
// the host and returns an empty result when it is absent: the tools are
// optional and must never fail a run.
package tools

import (
	"bytes"
	"context"
	"os/exec"

	"github.com/Sumatoshi-tech/peer/internal/analysis"
)

// Tool wraps one external binary as an analysis.Analyzer.
type Tool struct {
	name   string
	binary string

	// selectFiles filters the candidates to those the tool accepts.
	// A nil result skips the invocation entirely.
	selectFiles func(files []string) []string

	// buildArgs produces the command arguments for the selected files.
	buildArgs func(workdir string, files []string) []string

	// parse maps the tool's stdout to findings. Paths echoed back as
	// absolute are made relative to workdir.
	parse func(workdir string, files []string, out []byte) []analysis.Finding
}

// Name implements analysis.Analyzer.
func (t *Tool) Name() string { return t.name }

// Analyze runs the tool when its binary is present. A missing binary, a
// non-zero exit (linters exit non-zero on findings), or unparseable output
// all yield an empty result.
func (t *Tool) Analyze(ctx context.Context, workdir string, files []string) ([]analysis.Finding, error) {
	path, err := exec.LookPath(t.binary)
	if err != nil {
		return nil, nil
	}

	selected := t.selectFiles(files)
	if len(selected) == 0 {
		return nil, nil
	}

	cmd := exec.CommandContext(ctx, path, t.buildArgs(workdir, selected)...)
	cmd.Dir = workdir

	var stdout bytes.Buffer

	cmd.Stdout = &stdout
	cmd.Stderr = nil

	// Exit status is not a failure signal for linters.
	_ = cmd.Run()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	findings := t.parse(workdir, selected, stdout.Bytes())
	for i := range findings {
		findings[i].Analyzer = t.name
		findings[i].Source = "tool:" + t.binary
	}

	return findings, nil
}

// severityFromTool normalizes an external tool severity label.
func severityFromTool(label string) string {
	switch label {
	case "CRITICAL", "critical":
		return analysis.SeverityCritical
	case "HIGH", "high", "error", "ERROR":
		return analysis.SeverityHigh
	case "MEDIUM", "medium", "warning", "WARNING":
		return analysis.SeverityMedium
	default:
		return analysis.SeverityLow
	}
}
