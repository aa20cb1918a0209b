// Package analyzers implements the built-in heuristic analyzers: pattern
// matchers for common security, JavaScript, Python, Docker, and IaC issues.
// External tool adapters live in the tools subpackage, the LLM-backed
// analyzer in the ai subpackage.
package analyzers

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/src-d/enry/v2"

	"github.com/Sumatoshi-tech/peer/internal/analysis"
)

// maxSnippetLen caps the code snippet recorded on a finding.
const maxSnippetLen = 300

// maxFileSize skips files larger than 1 MiB; heuristics on generated or
// vendored bundles produce noise, not findings.
const maxFileSize = 1 << 20

// readLines returns the lines of a file under workdir. Unreadable or
// oversized files yield ok=false and are skipped silently per the analyzer
// contract.
func readLines(workdir, file string) (lines []string, ok bool) {
	path := filepath.Join(workdir, filepath.FromSlash(file))

	info, err := os.Stat(path)
	if err != nil || info.IsDir() || info.Size() > maxFileSize {
		return nil, false
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, false
	}

	if enry.IsBinary(data) {
		return nil, false
	}

	text := strings.ReplaceAll(string(data), "\r\n", "\n")

	return strings.Split(text, "\n"), true
}

// snippet trims and caps a source line for inclusion in a finding.
func snippet(line string) string {
	s := strings.TrimSpace(line)
	if len(s) > maxSnippetLen {
		s = s[:maxSnippetLen]
	}

	return s
}

// filterExt returns the files whose lowercase extension is in exts.
func filterExt(files []string, exts ...string) []string {
	allowed := make(map[string]struct{}, len(exts))
	for _, e := range exts {
		allowed[e] = struct{}{}
	}

	var out []string

	for _, f := range files {
		if _, ok := allowed[strings.ToLower(filepath.Ext(f))]; ok {
			out = append(out, f)
		}
	}

	return out
}

// detectLanguage names the language of a file for finding metadata.
func detectLanguage(file string, firstLine string) string {
	lang := enry.GetLanguage(filepath.Base(file), []byte(firstLine))
	if lang == enry.OtherLanguage {
		return ""
	}

	return lang
}

// isComment reports whether a trimmed line is a line comment in the common
// languages the heuristics cover. Keeps obvious commented-out code from
// producing findings.
func isComment(trimmed string) bool {
	return strings.HasPrefix(trimmed, "//") ||
		strings.HasPrefix(trimmed, "#") ||
		strings.HasPrefix(trimmed, "*") ||
		strings.HasPrefix(trimmed, "/*")
}

func newFinding(analyzer, file string, line int, rule, severity, message string) analysis.Finding {
	return analysis.Finding{
		File:           file,
		Line:           line,
		Column:         1,
		Rule:           rule,
		Analyzer:       analyzer,
		Source:         "heuristic:" + analyzer,
		Severity:       severity,
		SeverityWeight: analysis.SeverityWeight(severity),
		Message:        message,
	}
}
