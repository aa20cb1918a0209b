// Package ai implements the LLM-backed analyzer. It fans out over a capped
// subset of changed source files, asks the provider router for a JSON
// findings array per file, and validates the response against a schema
// before mapping it to findings.
package ai

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/src-d/enry/v2"
	"github.com/xeipuuv/gojsonschema"
	"golang.org/x/sync/errgroup"

	"github.com/Sumatoshi-tech/peer/internal/analysis"
	"github.com/Sumatoshi-tech/peer/internal/llm"
)

// analyzerName is the registry name of the AI analyzer.
const analyzerName = "ai"

// maxPromptFileSize skips files too large to prompt with.
const maxPromptFileSize = 48 * 1024

// findingsSchema constrains the LLM response: a JSON array of finding
// objects with bounded fields. Responses that do not validate are dropped.
const findingsSchema = `{
	"type": "array",
	"items": {
		"type": "object",
		"required": ["line", "rule", "severity", "message"],
		"properties": {
			"line": {"type": "integer", "minimum": 1},
			"rule": {"type": "string", "minLength": 1, "maxLength": 120},
			"severity": {"type": "string", "enum": ["critical", "high", "medium", "low"]},
			"message": {"type": "string", "minLength": 1, "maxLength": 500},
			"suggestion": {"type": "string", "maxLength": 500}
		}
	}
}`

const systemPrompt = `You are a strict code reviewer. Report genuine bugs,
security issues, and maintainability problems in the file you are given.
Respond with ONLY a JSON array, no prose, no code fences:
[{"line": <1-based line>, "rule": "<kebab-case-rule>", "severity": "critical|high|medium|low", "message": "<short>", "suggestion": "<optional fix>"}]
Return [] when the file is clean.`

// aiFinding is one element of the validated LLM response.
type aiFinding struct {
	Line       int    `json:"line"`
	Rule       string `json:"rule"`
	Severity   string `json:"severity"`
	Message    string `json:"message"`
	Suggestion string `json:"suggestion"`
}

// Analyzer is the LLM-backed analysis.Analyzer.
type Analyzer struct {
	router      *llm.Router
	maxFiles    int
	parallelism int
	logger      *slog.Logger
	schema      *gojsonschema.Schema
}

// New creates the AI analyzer. maxFiles caps the files prompted per run,
// parallelism bounds concurrent provider calls.
func New(router *llm.Router, maxFiles, parallelism int, logger *slog.Logger) *Analyzer {
	schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(findingsSchema))
	if err != nil {
		// The schema is a compile-time constant; failing to parse it is
		// a programming error.
		panic(err)
	}

	if logger == nil {
		logger = slog.Default()
	}

	return &Analyzer{
		router:      router,
		maxFiles:    maxFiles,
		parallelism: parallelism,
		logger:      logger,
		schema:      schema,
	}
}

// Name implements analysis.Analyzer.
func (a *Analyzer) Name() string { return analyzerName }

// Analyze implements analysis.Analyzer. Router errors and invalid responses
// yield zero findings for the affected file, never a failed run.
func (a *Analyzer) Analyze(ctx context.Context, workdir string, files []string) ([]analysis.Finding, error) {
	selected := a.selectFiles(workdir, files)
	if len(selected) == 0 {
		return nil, nil
	}

	perFile := make([][]analysis.Finding, len(selected))

	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(a.parallelism)

	for i, file := range selected {
		group.Go(func() error {
			perFile[i] = a.analyzeFile(groupCtx, workdir, file)

			return nil
		})
	}

	_ = group.Wait()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var findings []analysis.Finding
	for _, fs := range perFile {
		findings = append(findings, fs...)
	}

	return findings, nil
}

// selectFiles keeps code files (by enry language detection), dropping
// vendored, generated, and binary content, capped at maxFiles.
func (a *Analyzer) selectFiles(workdir string, files []string) []string {
	var selected []string

	for _, file := range files {
		if len(selected) >= a.maxFiles {
			break
		}

		if enry.IsVendor(file) || enry.IsDotFile(file) {
			continue
		}

		path := filepath.Join(workdir, filepath.FromSlash(file))

		info, err := os.Stat(path)
		if err != nil || info.IsDir() || info.Size() > maxPromptFileSize {
			continue
		}

		data, err := os.ReadFile(path)
		if err != nil || enry.IsBinary(data) {
			continue
		}

		lang := enry.GetLanguage(filepath.Base(file), data)
		if lang == enry.OtherLanguage || enry.GetLanguageType(lang) != enry.Programming {
			continue
		}

		selected = append(selected, file)
	}

	return selected
}

// analyzeFile prompts the router for one file and maps the validated
// response to findings.
func (a *Analyzer) analyzeFile(ctx context.Context, workdir, file string) []analysis.Finding {
	data, err := os.ReadFile(filepath.Join(workdir, filepath.FromSlash(file)))
	if err != nil {
		return nil
	}

	content := string(data)

	resp, err := a.router.Route(ctx, llm.RouteRequest{
		System:  systemPrompt,
		User:    "File: " + file + "\n\n" + content,
		File:    file,
		Content: content,
	})
	if err != nil || resp.Text == "" {
		if err != nil {
			a.logger.WarnContext(ctx, "ai.route_failed",
				slog.String("file", file), slog.Any("error", err))
		}

		return nil
	}

	parsed, ok := a.parseResponse(ctx, file, resp.Text)
	if !ok {
		return nil
	}

	lineCount := strings.Count(content, "\n") + 1
	findings := make([]analysis.Finding, 0, len(parsed))

	for _, af := range parsed {
		if af.Line > lineCount {
			continue
		}

		findings = append(findings, analysis.Finding{
			File:       file,
			Line:       af.Line,
			Column:     1,
			Rule:       af.Rule,
			Analyzer:   analyzerName,
			Source:     "ai:" + resp.Model,
			Severity:   af.Severity,
			Message:    af.Message,
			Suggestion: af.Suggestion,
			Category:   "ai",
		})
	}

	return findings
}

// parseResponse validates the raw LLM text against the findings schema.
func (a *Analyzer) parseResponse(ctx context.Context, file, text string) ([]aiFinding, bool) {
	cleaned := stripCodeFences(text)

	result, err := a.schema.Validate(gojsonschema.NewStringLoader(cleaned))
	if err != nil || !result.Valid() {
		a.logger.WarnContext(ctx, "ai.invalid_response", slog.String("file", file))

		return nil, false
	}

	var parsed []aiFinding

	if err := json.Unmarshal([]byte(cleaned), &parsed); err != nil {
		return nil, false
	}

	return parsed, true
}

// stripCodeFences removes a ```json ... ``` wrapper some models emit.
func stripCodeFences(text string) string {
	trimmed := strings.TrimSpace(text)

	if !strings.HasPrefix(trimmed, "```") {
		return trimmed
	}

	trimmed = strings.TrimPrefix(trimmed, "```json")
	trimmed = strings.TrimPrefix(trimmed, "```")
	trimmed = strings.TrimSuffix(strings.TrimSpace(trimmed), "```")

	return strings.TrimSpace(trimmed)
}
