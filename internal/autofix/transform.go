// Package autofix generates and applies fixes for findings: deterministic
// per-rule line transformers, LLM-backed minimal patches and full rewrites,
// syntax validation of proposed output, preview assembly, and application
// as a branch + pull request with an optional auto-merge gate.
package autofix

import (
	"path/filepath"
	"regexp"
	"strings"
)

// Transformed is the result of a deterministic line fix.
type Transformed struct {
	// InsertedLine replaces the original line. Empty means the original
	// is only commented out, with nothing inserted.
	InsertedLine string

	// RequiresAsync flags fixes that assume an async enclosing function.
	RequiresAsync bool

	// Reason is the human-readable explanation recorded on the hunk.
	Reason string
}

// Transformer turns one offending line into a fix, or nil when the rule
// does not apply to this line.
type Transformer func(line string) *Transformed

// transformers maps rule names to their deterministic fixes.
var transformers = map[string]Transformer{
	"http-not-https":           transformHTTPS,
	"missing-await-async-call": transformAwait,
	"no-var":                   transformNoVar,
	"loose-equality":           transformLooseEquality,
	"console-log-remove":       transformConsoleLog,
}

// TransformerFor returns the deterministic transformer for a rule.
func TransformerFor(rule string) (Transformer, bool) {
	t, ok := transformers[rule]

	return t, ok
}

var reHTTPURL = regexp.MustCompile(`http://`)

func transformHTTPS(line string) *Transformed {
	if !reHTTPURL.MatchString(line) {
		return nil
	}

	return &Transformed{
		InsertedLine: strings.ReplaceAll(line, "http://", "https://"),
		Reason:       "use https:// instead of http://",
	}
}

var reAsyncCallee = regexp.MustCompile(`(\bfetch\s*\(|\baxios\s*[.(])`)

func transformAwait(line string) *Transformed {
	loc := reAsyncCallee.FindStringIndex(line)
	if loc == nil {
		return nil
	}

	if strings.Contains(line[:loc[0]], "await ") {
		return nil
	}

	return &Transformed{
		InsertedLine:  line[:loc[0]] + "await " + line[loc[0]:],
		RequiresAsync: true,
		Reason:        "await the asynchronous call",
	}
}

var reVarDecl = regexp.MustCompile(`(^|\s)var\s`)

func transformNoVar(line string) *Transformed {
	loc := reVarDecl.FindStringSubmatchIndex(line)
	if loc == nil {
		return nil
	}

	// Replace only the keyword, preserving indentation.
	fixed := reVarDecl.ReplaceAllString(line, "${1}let ")

	return &Transformed{
		InsertedLine: fixed,
		Reason:       "replace var with let",
	}
}

// reLooseEq matches == / != not already part of === / !==.
var reLooseEq = regexp.MustCompile(`([^=!<>])(==|!=)([^=])`)

func transformLooseEquality(line string) *Transformed {
	if !reLooseEq.MatchString(line) {
		return nil
	}

	fixed := reLooseEq.ReplaceAllString(line, "${1}${2}=${3}")

	return &Transformed{
		InsertedLine: fixed,
		Reason:       "use strict equality",
	}
}

func transformConsoleLog(line string) *Transformed {
	if !strings.Contains(line, "console.log") {
		return nil
	}

	return &Transformed{
		Reason: "remove console.log from production code",
	}
}

// commentStyle is the comment syntax of a file type.
type commentStyle struct {
	open  string
	close string
}

// extComments maps extensions to their comment syntax. Line-comment
// languages leave close empty.
var extComments = map[string]commentStyle{
	".js":   {open: "//"},
	".jsx":  {open: "//"},
	".mjs":  {open: "//"},
	".cjs":  {open: "//"},
	".ts":   {open: "//"},
	".tsx":  {open: "//"},
	".go":   {open: "//"},
	".java": {open: "//"},
	".c":    {open: "//"},
	".h":    {open: "//"},
	".cpp":  {open: "//"},
	".cs":   {open: "//"},
	".rs":   {open: "//"},
	".py":   {open: "#"},
	".rb":   {open: "#"},
	".sh":   {open: "#"},
	".yml":  {open: "#"},
	".yaml": {open: "#"},
	".tf":   {open: "#"},
	".sql":  {open: "--"},
	".lua":  {open: "--"},
	".css":  {open: "/*", close: "*/"},
	".html": {open: "<!--", close: "-->"},
	".xml":  {open: "<!--", close: "-->"},
	".vue":  {open: "//"},
}

// commentFor resolves a file's comment syntax; unknown extensions use
// line comments.
func commentFor(path string) commentStyle {
	if style, ok := extComments[strings.ToLower(filepath.Ext(path))]; ok {
		return style
	}

	return commentStyle{open: "//"}
}

// comment renders text as a comment in the given style.
func (s commentStyle) comment(text string) string {
	if s.close != "" {
		return s.open + " " + text + " " + s.close
	}

	return s.open + " " + text
}

// Fix marker text framing deterministic fixes in the output.
const (
	markerBegin = "peer:fix begin"
	markerEnd   = "peer:fix end"
)

// FrameFix renders the replacement lines for a deterministic fix: a begin
// marker, the commented-out original, the fixed line (when present), and
// an end marker.
func FrameFix(path, original, rule string, tr *Transformed) []string {
	style := commentFor(path)
	indent := leadingWhitespace(original)

	lines := []string{
		indent + style.comment(markerBegin+" "+rule+": "+tr.Reason),
		indent + style.comment(strings.TrimLeft(original, " \t")),
	}

	if tr.InsertedLine != "" {
		lines = append(lines, tr.InsertedLine)
	}

	return append(lines, indent+style.comment(markerEnd))
}

func leadingWhitespace(line string) string {
	return line[:len(line)-len(strings.TrimLeft(line, " \t"))]
}
