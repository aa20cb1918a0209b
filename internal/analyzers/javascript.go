package analyzers

import (
	"context"
	"regexp"
	"strings"

	"github.com/Sumatoshi-tech/peer/internal/analysis"
)

// javascriptName is the registry name of the JavaScript analyzer.
const javascriptName = "javascript"

var javascriptExts = []string{".js", ".jsx", ".ts", ".tsx", ".mjs", ".cjs"}

var (
	reVarDecl       = regexp.MustCompile(`(^|[^.\w])var\s+\w`)
	reLooseEquality = regexp.MustCompile(`[^=!<>]==[^=]|[^=!<>]!=[^=]`)
	reConsoleLog    = regexp.MustCompile(`\bconsole\.(log|debug|info)\s*\(`)
	reAsyncCall     = regexp.MustCompile(`\b(fetch|axios\.(get|post|put|patch|delete|request))\s*\(`)
	reAwaited       = regexp.MustCompile(`\b(await|then|void)\b`)
	reEmptyCatch    = regexp.MustCompile(`catch\s*(\([^)]*\))?\s*\{\s*\}`)
)

// JavaScript flags var declarations, loose equality, stray console logging,
// un-awaited async calls, and empty catch blocks in JS/TS sources.
type JavaScript struct{}

// NewJavaScript creates the JavaScript analyzer.
func NewJavaScript() *JavaScript { return &JavaScript{} }

// Name implements analysis.Analyzer.
func (j *JavaScript) Name() string { return javascriptName }

// Analyze implements analysis.Analyzer.
func (j *JavaScript) Analyze(ctx context.Context, workdir string, files []string) ([]analysis.Finding, error) {
	var findings []analysis.Finding

	for _, file := range filterExt(files, javascriptExts...) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		lines, ok := readLines(workdir, file)
		if !ok {
			continue
		}

		findings = append(findings, j.scanFile(file, lines)...)
	}

	return findings, nil
}

func (j *JavaScript) scanFile(file string, lines []string) []analysis.Finding {
	var findings []analysis.Finding

	for i, line := range lines {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || isComment(trimmed) {
			continue
		}

		lineNo := i + 1

		for _, f := range j.checkLine(file, lineNo, line) {
			f.CodeSnippet = snippet(line)
			f.Language = detectLanguage(file, line)
			findings = append(findings, f)
		}
	}

	return findings
}

// checkLine may report several distinct rules on one line; each rule fires
// at most once per line.
func (j *JavaScript) checkLine(file string, lineNo int, line string) []analysis.Finding {
	var findings []analysis.Finding

	if reVarDecl.MatchString(line) {
		f := newFinding(javascriptName, file, lineNo, "no-var", analysis.SeverityLow,
			"var is function-scoped; prefer let or const")
		f.Suggestion = "Replace var with let or const"
		f.Category = "style"
		findings = append(findings, f)
	}

	if reLooseEquality.MatchString(line) {
		f := newFinding(javascriptName, file, lineNo, "loose-equality", analysis.SeverityMedium,
			"Loose equality coerces types; use === / !==")
		f.Suggestion = "Use strict equality"
		f.Category = "logic"
		findings = append(findings, f)
	}

	if reConsoleLog.MatchString(line) {
		f := newFinding(javascriptName, file, lineNo, "console-log-remove", analysis.SeverityLow,
			"console logging left in code")
		f.Suggestion = "Remove the console call or use a logger"
		f.Category = "style"
		findings = append(findings, f)
	}

	if reAsyncCall.MatchString(line) && !reAwaited.MatchString(line) {
		f := newFinding(javascriptName, file, lineNo, "missing-await-async-call", analysis.SeverityHigh,
			"Async call is not awaited; the promise result is lost")
		f.Suggestion = "Prepend await and mark the enclosing function async"
		f.Category = "logic"
		findings = append(findings, f)
	}

	if reEmptyCatch.MatchString(line) {
		f := newFinding(javascriptName, file, lineNo, "empty-catch", analysis.SeverityMedium,
			"Empty catch block swallows errors")
		f.Suggestion = "Handle or rethrow the error, at minimum log it"
		f.Category = "logic"
		findings = append(findings, f)
	}

	return findings
}
