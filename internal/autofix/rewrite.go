package autofix

import (
	"context"
	"fmt"
	"strings"

	"github.com/Sumatoshi-tech/peer/internal/analysis"
	"github.com/Sumatoshi-tech/peer/internal/llm"
)

const rewriteSystemPrompt = `You are a careful code fixer. You are given a file and a list of
review findings. Rewrite the ENTIRE file with all findings fixed, changing as little as
possible otherwise. Respond with ONLY the complete replacement file content, no prose,
no code fences.`

// Rewriter asks the LLM router for a full-file replacement.
type Rewriter struct {
	router *llm.Router
}

// NewRewriter builds the full-rewrite strategy.
func NewRewriter(router *llm.Router) *Rewriter {
	return &Rewriter{router: router}
}

// Rewrite returns the replacement file text, or "" when the provider gave
// nothing usable (empty after trim, or identical to the input).
func (r *Rewriter) Rewrite(ctx context.Context, file, content string, findings []analysis.Finding, userCtx *llm.UserContext) (string, error) {
	var sb strings.Builder

	fmt.Fprintf(&sb, "File: %s\n\nFindings to fix:\n", file)

	for _, f := range findings {
		fmt.Fprintf(&sb, "- line=%d rule=%s: %s\n", f.Line, f.Rule, f.Message)
	}

	sb.WriteString("\nFile content:\n")
	sb.WriteString(content)

	resp, err := r.router.Route(ctx, llm.RouteRequest{
		System:      rewriteSystemPrompt,
		User:        sb.String(),
		File:        file,
		Content:     content,
		Findings:    findings,
		UserContext: userCtx,
	})
	if err != nil {
		return "", fmt.Errorf("rewrite %s: %w", file, err)
	}

	improved := stripCodeFences(resp.Text)
	if strings.TrimSpace(improved) == "" || improved == content {
		return "", nil
	}

	return improved, nil
}

// stripCodeFences removes a ``` wrapper some models emit around file
// content, including a language tag on the opening fence.
func stripCodeFences(text string) string {
	trimmed := strings.TrimSpace(text)

	if !strings.HasPrefix(trimmed, "```") {
		return trimmed
	}

	if idx := strings.IndexByte(trimmed, '\n'); idx >= 0 {
		trimmed = trimmed[idx+1:]
	} else {
		trimmed = strings.TrimPrefix(trimmed, "```")
	}

	trimmed = strings.TrimSuffix(strings.TrimSpace(trimmed), "```")

	return strings.TrimSpace(trimmed)
}
