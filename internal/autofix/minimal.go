package autofix

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/xeipuuv/gojsonschema"

	"github.com/Sumatoshi-tech/peer/internal/analysis"
	"github.com/Sumatoshi-tech/peer/internal/llm"
	"github.com/Sumatoshi-tech/peer/internal/store"
)

// Hunk failure reasons.
const (
	FailMultiLineNotAllowed = "multi_line_not_allowed"
	FailLineOutOfRange      = "line_out_of_range"
	FailSyntaxCheck         = "syntax_check_failed"
	FailChecksumMismatch    = "checksum_mismatch"
	FailNoTransformer       = "no_transformer"
	FailNotApplicable       = "not_applicable"
)

// patchSchema validates the minimal-patch LLM response: a JSON array of
// single-line patch objects.
const patchSchema = `{
	"type": "array",
	"items": {
		"type": "object",
		"required": ["findingId", "line", "newCode"],
		"properties": {
			"findingId": {"type": "string", "minLength": 1},
			"line": {"type": "integer", "minimum": 1},
			"newCode": {"type": "string"},
			"reason": {"type": "string", "maxLength": 500},
			"warn": {"type": "string", "maxLength": 500},
			"type": {"type": "string", "enum": ["single_line", "multi_line"]}
		}
	}
}`

const minimalSystemPrompt = `You fix code review findings with the smallest possible change.
For each finding, rewrite ONLY the offending line. Respond with ONLY a JSON array, no prose:
[{"findingId": "<id>", "line": <1-based line>, "newCode": "<replacement line>", "reason": "<short>", "warn": "<optional caveat>", "type": "single_line"}]
Use "type": "multi_line" only when a one-line fix is impossible. Return [] when nothing can be fixed safely.`

// minimalPatch is one element of the validated LLM response.
type minimalPatch struct {
	FindingID string `json:"findingId"`
	Line      int    `json:"line"`
	NewCode   string `json:"newCode"`
	Reason    string `json:"reason"`
	Warn      string `json:"warn"`
	Type      string `json:"type"`
}

// MinimalPatcher asks the LLM router for single-line patches and validates
// them into hunks.
type MinimalPatcher struct {
	router         *llm.Router
	maxPerFile     int
	allowMultiLine bool
	schema         *gojsonschema.Schema
}

// NewMinimalPatcher builds the minimal-patch strategy. maxPerFile caps
// accepted patches per file.
func NewMinimalPatcher(router *llm.Router, maxPerFile int, allowMultiLine bool) *MinimalPatcher {
	schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(patchSchema))
	if err != nil {
		panic(err)
	}

	return &MinimalPatcher{
		router:         router,
		maxPerFile:     maxPerFile,
		allowMultiLine: allowMultiLine,
		schema:         schema,
	}
}

// Propose requests patches for the findings of one file. Hunks carry the
// original line checksum; invalid patches come back Failed with a reason.
// A router failure or empty response yields no hunks and no error.
func (m *MinimalPatcher) Propose(ctx context.Context, file, content string, findings []analysis.Finding, userCtx *llm.UserContext) ([]store.Hunk, error) {
	resp, err := m.router.Route(ctx, llm.RouteRequest{
		System:      minimalSystemPrompt,
		User:        m.prompt(file, content, findings),
		File:        file,
		Content:     content,
		Findings:    findings,
		UserContext: userCtx,
	})
	if err != nil {
		return nil, fmt.Errorf("minimal patch %s: %w", file, err)
	}

	if resp.Text == "" {
		return nil, nil
	}

	patches, ok := m.parse(resp.Text)
	if !ok {
		return nil, nil
	}

	lines := strings.Split(content, "\n")

	hunks := make([]store.Hunk, 0, len(patches))
	accepted := 0

	for _, p := range patches {
		hunk := store.Hunk{
			FindingID: p.FindingID,
			Line:      p.Line,
			NewCode:   p.NewCode,
			Reason:    p.Reason,
			Warn:      p.Warn,
		}

		switch {
		case p.Type == "multi_line" && !m.allowMultiLine:
			hunk.Failed = true
			hunk.FailReason = FailMultiLineNotAllowed
		case p.Line < 1 || p.Line > len(lines):
			hunk.Failed = true
			hunk.FailReason = FailLineOutOfRange
		case accepted >= m.maxPerFile:
			hunk.Failed = true
			hunk.FailReason = "max_patches_per_file"
		default:
			hunk.OriginalChecksum = LineChecksum(lines[p.Line-1])
			accepted++
		}

		hunks = append(hunks, hunk)
	}

	return hunks, nil
}

// prompt renders the user message: the file content plus the findings to fix.
func (m *MinimalPatcher) prompt(file, content string, findings []analysis.Finding) string {
	var sb strings.Builder

	fmt.Fprintf(&sb, "File: %s\n\nFindings to fix:\n", file)

	for _, f := range findings {
		fmt.Fprintf(&sb, "- id=%s line=%d rule=%s: %s\n", f.ID, f.Line, f.Rule, f.Message)
	}

	sb.WriteString("\nFile content:\n")
	sb.WriteString(content)

	return sb.String()
}

// parse validates the raw response against the patch schema.
func (m *MinimalPatcher) parse(text string) ([]minimalPatch, bool) {
	cleaned := stripCodeFences(text)

	result, err := m.schema.Validate(gojsonschema.NewStringLoader(cleaned))
	if err != nil || !result.Valid() {
		return nil, false
	}

	var patches []minimalPatch
	if err := json.Unmarshal([]byte(cleaned), &patches); err != nil {
		return nil, false
	}

	return patches, true
}

// ApplyHunks replaces each non-failed hunk's line in lines with the fixed
// line plus FIX/OLD/WARN comments, verifying the original checksum first.
// Returns the updated lines and the hunks annotated with apply outcomes.
func ApplyHunks(path string, lines []string, hunks []store.Hunk) ([]string, []store.Hunk) {
	style := commentFor(path)

	out := make([]string, len(lines))
	copy(out, lines)

	applied := make([]store.Hunk, len(hunks))
	copy(applied, hunks)

	// Apply bottom-up so inserted comment lines never shift the line
	// numbers of hunks still to be applied.
	order := make([]int, len(applied))
	for i := range order {
		order[i] = i
	}

	sort.SliceStable(order, func(a, b int) bool {
		return applied[order[a]].Line > applied[order[b]].Line
	})

	for _, i := range order {
		h := applied[i]
		if h.Failed {
			continue
		}

		if h.Line < 1 || h.Line > len(out) {
			applied[i].Failed = true
			applied[i].FailReason = FailLineOutOfRange

			continue
		}

		original := out[h.Line-1]

		if h.OriginalChecksum != "" && LineChecksum(original) != h.OriginalChecksum {
			applied[i].Failed = true
			applied[i].FailReason = FailChecksumMismatch

			continue
		}

		fixed := h.NewCode
		if h.Reason != "" {
			fixed += " " + style.comment("FIX: "+h.Reason)
		}

		replacement := []string{fixed, style.comment("OLD: " + original)}
		if h.Warn != "" {
			replacement = append(replacement, style.comment("WARN: "+h.Warn))
		}

		out = append(out[:h.Line-1], append(replacement, out[h.Line:]...)...)
	}

	return out, applied
}
