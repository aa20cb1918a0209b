package analyzers

import (
	"context"
	"regexp"
	"strings"

	"github.com/Sumatoshi-tech/peer/internal/analysis"
)

// pythonName is the registry name of the Python analyzer.
const pythonName = "python"

var (
	reBareExcept     = regexp.MustCompile(`^\s*except\s*:`)
	reMutableDefault = regexp.MustCompile(`def\s+\w+\s*\([^)]*=\s*(\[\]|\{\}|\(\))`)
	rePrintCall      = regexp.MustCompile(`^\s*print\s*\(`)
	reShellTrue      = regexp.MustCompile(`subprocess\.\w+\([^)]*shell\s*=\s*True`)
	reFStringSQL     = regexp.MustCompile(`(?i)f["'].*\b(select|insert|update|delete)\b.*\{`)
)

// Python flags bare excepts, mutable default arguments, stray prints,
// shell=True subprocess calls, and f-string SQL in Python sources.
type Python struct{}

// NewPython creates the Python analyzer.
func NewPython() *Python { return &Python{} }

// Name implements analysis.Analyzer.
func (p *Python) Name() string { return pythonName }

// Analyze implements analysis.Analyzer.
func (p *Python) Analyze(ctx context.Context, workdir string, files []string) ([]analysis.Finding, error) {
	var findings []analysis.Finding

	for _, file := range filterExt(files, ".py") {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		lines, ok := readLines(workdir, file)
		if !ok {
			continue
		}

		findings = append(findings, p.scanFile(file, lines)...)
	}

	return findings, nil
}

func (p *Python) scanFile(file string, lines []string) []analysis.Finding {
	var findings []analysis.Finding

	for i, line := range lines {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "#") {
			continue
		}

		lineNo := i + 1

		if f, ok := p.checkLine(file, lineNo, line); ok {
			f.CodeSnippet = snippet(line)
			f.Language = "Python"
			findings = append(findings, f)
		}
	}

	return findings
}

func (p *Python) checkLine(file string, lineNo int, line string) (analysis.Finding, bool) {
	switch {
	case reBareExcept.MatchString(line):
		f := newFinding(pythonName, file, lineNo, "bare-except", analysis.SeverityMedium,
			"Bare except catches SystemExit and KeyboardInterrupt")
		f.Suggestion = "Catch a specific exception type"
		f.Category = "logic"

		return f, true

	case reMutableDefault.MatchString(line):
		f := newFinding(pythonName, file, lineNo, "mutable-default-arg", analysis.SeverityHigh,
			"Mutable default argument is shared across calls")
		f.Suggestion = "Default to None and create the value inside the function"
		f.Category = "logic"

		return f, true

	case reShellTrue.MatchString(line):
		f := newFinding(pythonName, file, lineNo, "subprocess-shell-true", analysis.SeverityCritical,
			"shell=True enables shell injection")
		f.Suggestion = "Pass an argument list without shell=True"
		f.CWE = []string{"CWE-78"}
		f.OWASP = []string{"A03:2021"}
		f.Category = "security"

		return f, true

	case reFStringSQL.MatchString(line):
		f := newFinding(pythonName, file, lineNo, "fstring-sql", analysis.SeverityCritical,
			"SQL built with f-string interpolation")
		f.Suggestion = "Use parameterized queries"
		f.CWE = []string{"CWE-89"}
		f.OWASP = []string{"A03:2021"}
		f.Category = "security"

		return f, true

	case rePrintCall.MatchString(line):
		f := newFinding(pythonName, file, lineNo, "print-statement", analysis.SeverityLow,
			"print in library code; use logging")
		f.Suggestion = "Replace print with the logging module"
		f.Category = "style"

		return f, true
	}

	return analysis.Finding{}, false
}
