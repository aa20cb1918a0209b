package autofix

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/Sumatoshi-tech/peer/internal/analysis"
	"github.com/Sumatoshi-tech/peer/internal/config"
	"github.com/Sumatoshi-tech/peer/internal/llm"
	"github.com/Sumatoshi-tech/peer/internal/store"
	"github.com/Sumatoshi-tech/peer/pkg/gitws"
	"github.com/Sumatoshi-tech/peer/pkg/unidiff"
)

// CloneURLFunc resolves an authenticated clone URL for a repo slug.
type CloneURLFunc func(ctx context.Context, repo string) (string, error)

// PreviewEngine generates per-file fix previews and assembles them into a
// PatchRequest preview through its status machine. Preview files complete
// in arbitrary order; the status is monotone.
type PreviewEngine struct {
	store      *store.Store
	minimal    *MinimalPatcher
	rewriter   *Rewriter
	llmCfg     config.LLMConfig
	previewCfg config.PreviewConfig
	gitOpts    gitws.Options
	cloneURL   CloneURLFunc
	logger     *slog.Logger
}

// NewPreviewEngine wires the preview engine.
func NewPreviewEngine(
	st *store.Store,
	minimal *MinimalPatcher,
	rewriter *Rewriter,
	llmCfg config.LLMConfig,
	previewCfg config.PreviewConfig,
	gitOpts gitws.Options,
	cloneURL CloneURLFunc,
	logger *slog.Logger,
) *PreviewEngine {
	if logger == nil {
		logger = slog.Default()
	}

	return &PreviewEngine{
		store:      st,
		minimal:    minimal,
		rewriter:   rewriter,
		llmCfg:     llmCfg,
		previewCfg: previewCfg,
		gitOpts:    gitOpts,
		cloneURL:   cloneURL,
		logger:     logger,
	}
}

// useMinimal reports whether the minimal-patch strategy applies: configured
// explicitly, or when the forced provider is gemini.
func (e *PreviewEngine) useMinimal() bool {
	return e.llmCfg.Strategy == config.StrategyMinimal || e.llmCfg.Provider == llm.ProviderGemini
}

// PreviewFile processes one preview_file job: materialize the workspace,
// fix the file, and persist the artifact. Returns true when this file
// completed the preview (status flipped to preview_ready).
func (e *PreviewEngine) PreviewFile(ctx context.Context, patchID, file string) (bool, error) {
	patch, err := e.store.GetPatch(ctx, patchID)
	if err != nil {
		return false, err
	}

	switch patch.Status {
	case store.PatchApplying, store.PatchCompleted, store.PatchFailed:
		// Late or duplicate job; the preview already moved on.
		return false, nil
	}

	run, err := e.store.GetRun(ctx, patch.RunID)
	if err != nil {
		return false, err
	}

	userCtx, err := e.userContext(ctx, patch.UserID)
	if err != nil {
		return false, err
	}

	url, err := e.cloneURL(ctx, patch.Repo)
	if err != nil {
		return false, err
	}

	var artifact store.PreviewFile

	err = gitws.WithWorkspace(ctx, url, patch.SHA, e.gitOpts, func(ws *gitws.Workspace) error {
		var previewErr error

		artifact, previewErr = e.previewOne(ctx, ws, file, selectFindings(run, patch, file), userCtx)

		return previewErr
	})
	if err != nil {
		if errors.Is(err, llm.ErrQuotaExceeded) {
			return false, e.failForQuota(ctx, patch)
		}

		return false, fmt.Errorf("preview %s: %w", file, err)
	}

	return e.saveArtifact(ctx, patchID, artifact)
}

// previewOne fixes a single file inside the workspace. Only quota denial
// is returned as an error; everything else degrades to a partial artifact.
func (e *PreviewEngine) previewOne(ctx context.Context, ws *gitws.Workspace, file string, findings []analysis.Finding, userCtx *llm.UserContext) (store.PreviewFile, error) {
	artifact := store.PreviewFile{File: file, Ready: true}

	for _, f := range findings {
		artifact.FindingIDs = append(artifact.FindingIDs, f.ID)
	}

	data, err := ws.ReadFile(file)
	if err != nil {
		artifact.Skipped = true
		artifact.SkipReason = "unreadable"

		return artifact, nil
	}

	if reason, skip := SkipReason(file, data); skip {
		artifact.Skipped = true
		artifact.SkipReason = reason

		return artifact, nil
	}

	original := string(data)
	artifact.EOL = DetectEOL(original)
	normalized := strings.ReplaceAll(original, "\r\n", "\n")
	lines := strings.Split(normalized, "\n")

	improved, hunks, changed := e.applyTransformersOnly(file, lines, findings)

	detCount := len(hunks)

	var llmApplied bool

	if e.shouldAssist(hunks, changed) {
		improved, hunks, llmApplied, err = e.assist(ctx, file, normalized, improved, hunks, findings, userCtx, &artifact)
		if err != nil {
			return store.PreviewFile{}, err
		}
	}

	improvedText := strings.Join(improved, "\n")

	if llmApplied && !ValidateSyntax(ctx, file, improvedText) {
		// Discard the LLM output, keep deterministic output. Hunks the
		// LLM contributed stay recorded as syntax failures.
		artifact.AIRewritten = false
		markAIFailed(hunks[detCount:], FailSyntaxCheck)

		detLines, _, _ := e.applyTransformersOnly(file, lines, findings)
		improvedText = strings.Join(detLines, "\n")
	}

	artifact.Hunks = hunks
	artifact.OriginalText = normalized
	artifact.ImprovedText = improvedText
	artifact.UnifiedDiff = unidiff.Unified(file, normalized, improvedText)
	artifact.ChangeSummary = summarize(hunks, artifact.AIRewritten)

	return artifact, nil
}

// applyTransformersOnly is the deterministic pass, reusable after an AI
// rewrite is rejected.
func (e *PreviewEngine) applyTransformersOnly(file string, lines []string, findings []analysis.Finding) ([]string, []store.Hunk, bool) {
	type framedFix struct {
		line  int
		frame []string
	}

	var (
		hunks   []store.Hunk
		fixes   []framedFix
		changed bool
	)

	for _, f := range findings {
		hunk := store.Hunk{FindingID: f.ID, Line: f.Line}

		transformer, ok := TransformerFor(f.Rule)
		if !ok {
			hunk.Failed = true
			hunk.FailReason = FailNoTransformer
			hunks = append(hunks, hunk)

			continue
		}

		if f.Line < 1 || f.Line > len(lines) {
			hunk.Failed = true
			hunk.FailReason = FailLineOutOfRange
			hunks = append(hunks, hunk)

			continue
		}

		original := lines[f.Line-1]

		tr := transformer(original)
		if tr == nil {
			hunk.Failed = true
			hunk.FailReason = FailNotApplicable
			hunks = append(hunks, hunk)

			continue
		}

		hunk.NewCode = tr.InsertedLine
		hunk.Reason = tr.Reason
		hunk.OriginalChecksum = LineChecksum(original)
		hunks = append(hunks, hunk)

		fixes = append(fixes, framedFix{line: f.Line, frame: FrameFix(file, original, f.Rule, tr)})
		changed = true
	}

	out := make([]string, len(lines))
	copy(out, lines)

	// Bottom-up so earlier replacements keep later line numbers valid.
	sort.Slice(fixes, func(i, j int) bool { return fixes[i].line > fixes[j].line })

	for _, fix := range fixes {
		out = append(out[:fix.line-1], append(fix.frame, out[fix.line:]...)...)
	}

	return out, hunks, changed
}

// shouldAssist decides whether the LLM augments the deterministic pass.
func (e *PreviewEngine) shouldAssist(hunks []store.Hunk, changed bool) bool {
	switch e.llmCfg.AssistMode {
	case config.AssistAlways:
		return true
	case config.AssistUnchangedOnly:
		return !changed
	default: // auto
		return !changed || anyFailed(hunks)
	}
}

// assist runs the configured LLM strategy over the file. Quota denial is
// the only error returned; other failures keep the deterministic output.
// The bool reports whether LLM output landed in the returned lines, which
// obligates the caller to syntax-check them.
func (e *PreviewEngine) assist(
	ctx context.Context,
	file, normalized string,
	improved []string,
	hunks []store.Hunk,
	findings []analysis.Finding,
	userCtx *llm.UserContext,
	artifact *store.PreviewFile,
) ([]string, []store.Hunk, bool, error) {
	if e.useMinimal() {
		proposed, err := e.minimal.Propose(ctx, file, normalized, unfixed(findings, hunks), userCtx)
		if err != nil {
			if errors.Is(err, llm.ErrQuotaExceeded) {
				return nil, nil, false, err
			}

			e.logger.WarnContext(ctx, "autofix.minimal_failed", slog.String("file", file), slog.Any("error", err))

			return improved, hunks, false, nil
		}

		applied, annotated := ApplyHunks(file, strings.Split(normalized, "\n"), proposed)

		spliced := anyApplied(annotated)
		if spliced {
			// The LLM patches replace the deterministic output for this
			// file; deterministic hunks stay recorded for transparency.
			improved = applied
		}

		return improved, append(hunks, annotated...), spliced, nil
	}

	text, err := e.rewriter.Rewrite(ctx, file, normalized, findings, userCtx)
	if err != nil {
		if errors.Is(err, llm.ErrQuotaExceeded) {
			return nil, nil, false, err
		}

		e.logger.WarnContext(ctx, "autofix.rewrite_failed", slog.String("file", file), slog.Any("error", err))

		return improved, hunks, false, nil
	}

	if text != "" {
		artifact.AIRewritten = true

		return strings.Split(text, "\n"), hunks, true, nil
	}

	return improved, hunks, false, nil
}

// saveArtifact persists a completed file artifact under the patch lock and
// advances the preview status machine.
func (e *PreviewEngine) saveArtifact(ctx context.Context, patchID string, artifact store.PreviewFile) (bool, error) {
	ready := false

	err := e.store.WithLock(ctx, "patch:"+patchID, func(ctx context.Context) error {
		patch, err := e.store.GetPatch(ctx, patchID)
		if err != nil {
			return err
		}

		placed := false

		for i := range patch.Preview.Files {
			if patch.Preview.Files[i].File == artifact.File {
				patch.Preview.Files[i] = artifact
				placed = true

				break
			}
		}

		if !placed {
			// Unknown file slot; the preview layout is fixed at creation.
			return nil
		}

		readyCount := patch.ReadyFileCount()

		switch {
		case readyCount >= patch.Preview.FilesExpected:
			patch.Preview.UnifiedDiff = assembleDiff(patch.Preview.Files)

			patch, err = patch.MarkPreviewReady()
			if err != nil {
				return err
			}

			ready = true
		case readyCount >= e.previewCfg.InitialMaxFiles,
			time.Since(patch.CreatedAt) >= e.previewCfg.TimeBudget:
			patch, err = patch.MarkPreviewPartial()
			if err != nil {
				return err
			}
		}

		return e.store.UpdatePatch(ctx, patch)
	})

	return ready, err
}

// failForQuota fails the patch fast and records the user notification.
func (e *PreviewEngine) failForQuota(ctx context.Context, patch store.PatchRequest) error {
	failed, err := patch.Fail(store.NotifyTokenLimitExceeded)
	if err == nil {
		if updateErr := e.store.UpdatePatch(ctx, failed); updateErr != nil {
			return updateErr
		}
	}

	if patch.UserID != "" {
		_, _ = e.store.CreateNotification(ctx, store.Notification{
			UserID:  patch.UserID,
			Kind:    store.NotifyTokenLimitExceeded,
			Message: "autofix stopped: token limit exceeded",
			Metadata: map[string]string{
				"patchRequestId": patch.ID,
			},
		})
	}

	return nil
}

// userContext loads the quota state for the requesting user, nil when the
// patch is unattributed.
func (e *PreviewEngine) userContext(ctx context.Context, userID string) (*llm.UserContext, error) {
	if userID == "" {
		return nil, nil
	}

	user, err := e.store.GetUser(ctx, userID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, nil
		}

		return nil, err
	}

	return &llm.UserContext{
		UserID:          user.ID,
		TokenLimit:      user.TokenLimit,
		TokensUsed:      user.TokensUsed,
		PurchasedTokens: user.PurchasedTokens,
		APIKeys:         user.APIKeys,
	}, nil
}

// selectFindings filters the run's findings to the patch selection for one
// file.
func selectFindings(run store.PRRun, patch store.PatchRequest, file string) []analysis.Finding {
	selected := make(map[string]struct{}, len(patch.SelectedFindingIDs))
	for _, id := range patch.SelectedFindingIDs {
		selected[id] = struct{}{}
	}

	var out []analysis.Finding

	for _, f := range run.Findings {
		if f.File != file {
			continue
		}

		if _, ok := selected[f.ID]; ok {
			out = append(out, f)
		}
	}

	return out
}

// unfixed returns the findings whose deterministic hunk failed.
func unfixed(findings []analysis.Finding, hunks []store.Hunk) []analysis.Finding {
	failed := make(map[string]struct{})

	for _, h := range hunks {
		if h.Failed {
			failed[h.FindingID] = struct{}{}
		}
	}

	var out []analysis.Finding

	for _, f := range findings {
		if _, ok := failed[f.ID]; ok {
			out = append(out, f)
		}
	}

	if len(out) == 0 {
		return findings
	}

	return out
}

// assembleDiff concatenates the per-file diffs in discovery order.
func assembleDiff(files []store.PreviewFile) string {
	var sb strings.Builder

	for _, f := range files {
		if f.UnifiedDiff != "" {
			sb.WriteString(f.UnifiedDiff)
		}
	}

	return sb.String()
}

func anyFailed(hunks []store.Hunk) bool {
	for _, h := range hunks {
		if h.Failed {
			return true
		}
	}

	return false
}

func anyApplied(hunks []store.Hunk) bool {
	for _, h := range hunks {
		if !h.Failed {
			return true
		}
	}

	return false
}

// markAIFailed flags non-failed hunks with the given reason.
func markAIFailed(hunks []store.Hunk, reason string) {
	for i := range hunks {
		if !hunks[i].Failed {
			hunks[i].Failed = true
			hunks[i].FailReason = reason
		}
	}
}

// summarize renders a short per-file change summary.
func summarize(hunks []store.Hunk, aiRewritten bool) string {
	applied, failed := 0, 0

	for _, h := range hunks {
		if h.Failed {
			failed++
		} else {
			applied++
		}
	}

	switch {
	case aiRewritten:
		return "file rewritten by AI"
	case applied == 0 && failed == 0:
		return "no changes"
	case failed == 0:
		return fmt.Sprintf("%d fixes applied", applied)
	default:
		return fmt.Sprintf("%d fixes applied, %d failed", applied, failed)
	}
}
