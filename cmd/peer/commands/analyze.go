// Package commands implements CLI command handlers for peer.
package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/Sumatoshi-tech/peer/internal/analysis"
	"github.com/Sumatoshi-tech/peer/internal/analyzers"
	"github.com/Sumatoshi-tech/peer/internal/report"
)

// Output formats for the analyze command.
const (
	formatTable    = "table"
	formatJSON     = "json"
	formatMarkdown = "markdown"
	formatHTML     = "html"
)

// defaultScanLimit caps the files analyzed in one local run.
const defaultScanLimit = 500

// ErrUnknownFormat indicates an unsupported --format value.
var ErrUnknownFormat = errors.New("unknown format (expected table, json, markdown, or html)")

// ErrUnknownSeverity indicates an unsupported --fail-on value.
var ErrUnknownSeverity = errors.New("unknown severity (expected critical, high, medium, or low)")

// ErrFindingsAtThreshold signals findings at or above the --fail-on severity.
var ErrFindingsAtThreshold = errors.New("findings at or above fail-on severity")

// severityPainter colors a severity cell for terminal output.
var severityPainter = map[string]*color.Color{
	analysis.SeverityCritical: color.New(color.FgRed, color.Bold),
	analysis.SeverityHigh:     color.New(color.FgRed),
	analysis.SeverityMedium:   color.New(color.FgYellow),
	analysis.SeverityLow:      color.New(color.FgCyan),
}

// AnalyzeCommand holds configuration for the local analyze command.
type AnalyzeCommand struct {
	format     string
	output     string
	failOn     string
	severities []string
	maxFiles   int
	noColor    bool
}

// NewAnalyzeCommand creates the analyze subcommand.
func NewAnalyzeCommand() *cobra.Command {
	ac := &AnalyzeCommand{}

	cmd := &cobra.Command{
		Use:   "analyze <path>",
		Short: "Analyze a local directory or file",
		Long: `Analyze a local directory or file with the built-in analyzers plus any
external tools found on PATH (eslint, gosec, trivy, tfsec).`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cobraCmd *cobra.Command, args []string) error {
			return ac.run(cobraCmd.Context(), args[0], cobraCmd.OutOrStdout())
		},
	}

	cmd.Flags().StringVarP(&ac.format, "format", "f", formatTable, "output format: table, json, markdown, html")
	cmd.Flags().StringVarP(&ac.output, "output", "o", "", "write the report to a file instead of stdout")
	cmd.Flags().StringVar(&ac.failOn, "fail-on", "", "exit non-zero on findings at or above this severity")
	cmd.Flags().StringSliceVarP(&ac.severities, "severity", "s", nil, "only report these severities")
	cmd.Flags().IntVar(&ac.maxFiles, "max-files", defaultScanLimit, "maximum files to analyze")
	cmd.Flags().BoolVar(&ac.noColor, "no-color", false, "disable colored table output")

	return cmd
}

func (ac *AnalyzeCommand) run(ctx context.Context, target string, stdout io.Writer) error {
	if err := ac.validate(); err != nil {
		return err
	}

	absTarget, err := filepath.Abs(target)
	if err != nil {
		return fmt.Errorf("resolve path: %w", err)
	}

	workdir, files, err := scanTarget(absTarget, ac.maxFiles)
	if err != nil {
		return err
	}

	started := time.Now()

	orchestrator := analysis.NewOrchestrator(analyzers.WithTools(analyzers.DefaultRegistry()))

	result, err := orchestrator.Run(ctx, workdir, files)
	if err != nil {
		return fmt.Errorf("analyze %s: %w", target, err)
	}

	result.Findings = analysis.FilterSeverities(result.Findings, ac.severities)
	result.Summary = analysis.Summarize(result.Findings)

	out, closeOut, err := ac.openOutput(stdout)
	if err != nil {
		return err
	}
	defer closeOut()

	rep := report.FromFindings(target, result.Findings)

	if renderErr := ac.render(rep, result, out, len(files), time.Since(started)); renderErr != nil {
		return renderErr
	}

	return ac.checkThreshold(result.Findings)
}

func (ac *AnalyzeCommand) validate() error {
	switch ac.format {
	case formatTable, formatJSON, formatMarkdown, formatHTML:
	default:
		return fmt.Errorf("%w: %q", ErrUnknownFormat, ac.format)
	}

	if ac.failOn != "" && analysis.SeverityWeight(ac.failOn) == 0 {
		return fmt.Errorf("%w: %q", ErrUnknownSeverity, ac.failOn)
	}

	return nil
}

// openOutput resolves the report destination: --output file or stdout.
func (ac *AnalyzeCommand) openOutput(stdout io.Writer) (io.Writer, func(), error) {
	if ac.output == "" {
		return stdout, func() {}, nil
	}

	file, err := os.Create(ac.output)
	if err != nil {
		return nil, nil, fmt.Errorf("create output: %w", err)
	}

	return file, func() { _ = file.Close() }, nil
}

func (ac *AnalyzeCommand) render(rep report.Report, result analysis.Result, out io.Writer, fileCount int, took time.Duration) error {
	switch ac.format {
	case formatJSON:
		return rep.WriteJSON(out)
	case formatMarkdown:
		return rep.WriteMarkdown(out)
	case formatHTML:
		return rep.WriteHTML(out)
	default:
		ac.renderTable(result, out, fileCount, took)

		return nil
	}
}

// renderTable writes the terminal table plus a one-line footer.
func (ac *AnalyzeCommand) renderTable(result analysis.Result, out io.Writer, fileCount int, took time.Duration) {
	if len(result.Findings) > 0 {
		tw := table.NewWriter()
		tw.SetOutputMirror(out)
		tw.AppendHeader(table.Row{"Severity", "File", "Line", "Rule", "Message"})

		for _, f := range result.Findings {
			tw.AppendRow(table.Row{ac.paintSeverity(f.Severity), f.File, f.Line, f.Rule, f.Message})
		}

		tw.SetStyle(table.StyleLight)
		tw.Render()
	}

	fmt.Fprintf(out, "%s findings (%d critical, %d high, %d medium, %d low) in %s files, %s\n",
		humanize.Comma(int64(result.Summary.Total())),
		result.Summary.Critical, result.Summary.High, result.Summary.Medium, result.Summary.Low,
		humanize.Comma(int64(fileCount)),
		took.Round(time.Millisecond))
}

func (ac *AnalyzeCommand) paintSeverity(severity string) string {
	painter, ok := severityPainter[severity]
	if ac.noColor || !ok {
		return severity
	}

	return painter.Sprint(severity)
}

func (ac *AnalyzeCommand) checkThreshold(findings []analysis.Finding) error {
	if ac.failOn == "" {
		return nil
	}

	threshold := analysis.SeverityWeight(ac.failOn)
	for _, f := range findings {
		if analysis.SeverityWeight(f.Severity) >= threshold {
			return fmt.Errorf("%w: %s", ErrFindingsAtThreshold, ac.failOn)
		}
	}

	return nil
}

// skippedScanDirs are never descended into when scanning a target.
var skippedScanDirs = map[string]struct{}{
	".git":         {},
	"node_modules": {},
	"vendor":       {},
	"dist":         {},
	"build":        {},
}

// scanTarget resolves the analysis workdir and its relative candidate
// files. A file target analyzes just that file inside its parent directory.
func scanTarget(target string, limit int) (string, []string, error) {
	info, err := os.Stat(target)
	if err != nil {
		return "", nil, fmt.Errorf("stat %s: %w", target, err)
	}

	if !info.IsDir() {
		return filepath.Dir(target), []string{filepath.Base(target)}, nil
	}

	var files []string

	err = filepath.WalkDir(target, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return nil //nolint:nilerr // unreadable entries are skipped
		}

		if d.IsDir() {
			if _, ok := skippedScanDirs[d.Name()]; ok {
				return fs.SkipDir
			}

			return nil
		}

		if len(files) >= limit {
			return fs.SkipAll
		}

		rel, relErr := filepath.Rel(target, path)
		if relErr != nil {
			return nil //nolint:nilerr
		}

		files = append(files, filepath.ToSlash(rel))

		return nil
	})
	if err != nil {
		return "", nil, fmt.Errorf("walk %s: %w", target, err)
	}

	return target, files, nil
}
