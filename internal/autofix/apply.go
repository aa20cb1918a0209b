package autofix

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/Sumatoshi-tech/peer/internal/host"
	"github.com/Sumatoshi-tech/peer/internal/store"
	"github.com/Sumatoshi-tech/peer/pkg/gitws"
)

// Commit identity for autofix commits.
const (
	commitAuthorName  = "Peer Autofix"
	commitAuthorEmail = "autofix@peer.dev"
)

// BranchPrefix namespaces autofix branches; webhook dispatch ignores PRs
// from these heads to avoid fix loops.
const BranchPrefix = "peer/autofix/"

// BranchName builds the fix branch name for a run.
func BranchName(runID string, at time.Time) string {
	return fmt.Sprintf("%s%s-%d", BranchPrefix, runID, at.Unix())
}

// RunIDFromBranch extracts the run id from a fix branch name. Run ids
// contain hyphens, so the timestamp suffix is cut at the last one.
func RunIDFromBranch(branch string) (string, bool) {
	rest, ok := strings.CutPrefix(branch, BranchPrefix)
	if !ok {
		return "", false
	}

	idx := strings.LastIndexByte(rest, '-')
	if idx <= 0 {
		return "", false
	}

	return rest[:idx], true
}

// Applier writes a ready preview into a fresh workspace, commits it to a
// new branch, pushes, and opens a fix PR. Per-file problems are recorded
// in Results; only push or PR-creation failure fails the PatchRequest.
type Applier struct {
	store    *store.Store
	hostAPI  host.Host
	gitOpts  gitws.Options
	cloneURL CloneURLFunc
	gate     *MergeGate
	logger   *slog.Logger
}

// NewApplier wires the apply engine. gate may be nil when auto-merge is
// never used.
func NewApplier(st *store.Store, hostAPI host.Host, gitOpts gitws.Options, cloneURL CloneURLFunc, gate *MergeGate, logger *slog.Logger) *Applier {
	if logger == nil {
		logger = slog.Default()
	}

	return &Applier{
		store:    st,
		hostAPI:  hostAPI,
		gitOpts:  gitOpts,
		cloneURL: cloneURL,
		gate:     gate,
		logger:   logger,
	}
}

// Apply executes the apply job for a patch request.
func (a *Applier) Apply(ctx context.Context, patchID string) error {
	patch, err := a.store.GetPatch(ctx, patchID)
	if err != nil {
		return err
	}

	patch, err = patch.StartApply()
	if err != nil {
		// Idempotence: duplicate apply jobs find a non-ready status.
		a.logger.InfoContext(ctx, "apply.skipped", slog.String("patch", patchID), slog.Any("error", err))

		return nil
	}

	if err := a.store.UpdatePatch(ctx, patch); err != nil {
		return err
	}

	inst := a.installation(ctx, patch.Repo)

	url, err := a.cloneURL(ctx, patch.Repo)
	if err != nil {
		return a.failPatch(ctx, patch, fmt.Sprintf("resolve clone url: %v", err))
	}

	results := store.Results{BranchName: BranchName(patch.RunID, time.Now().UTC())}

	err = gitws.WithWorkspace(ctx, url, patch.SHA, a.gitOpts, func(ws *gitws.Workspace) error {
		if err := ws.CreateBranch(strings.TrimPrefix(results.BranchName, "refs/heads/")); err != nil {
			return err
		}

		a.applyFiles(ws, patch, &results)

		if len(results.Applied) == 0 {
			return fmt.Errorf("no files applied: %s", strings.Join(results.Errors, "; "))
		}

		sha, err := ws.CommitAll(a.commitMessage(patch), commitAuthorName, commitAuthorEmail)
		if err != nil {
			return fmt.Errorf("commit: %w", err)
		}

		results.CommitSHA = sha

		if err := ws.Push(results.BranchName); err != nil {
			return fmt.Errorf("push: %w", err)
		}

		return nil
	})
	if err != nil {
		return a.failPatch(ctx, patch, err.Error())
	}

	mode := inst.Config.Mode
	if mode == store.ModeCommit || mode == store.ModeMerge {
		if err := a.openFixPR(ctx, patch, inst, &results); err != nil {
			return a.failPatch(ctx, patch, err.Error())
		}
	}

	completed, err := patch.Complete(results)
	if err != nil {
		return err
	}

	if err := a.store.UpdatePatch(ctx, completed); err != nil {
		return err
	}

	if results.AutoMerged {
		if err := a.markFindingsFixed(ctx, completed); err != nil {
			return err
		}
	}

	a.notifyCompleted(ctx, completed)

	return nil
}

// applyFiles writes every ready preview file into the worktree.
func (a *Applier) applyFiles(ws *gitws.Workspace, patch store.PatchRequest, results *store.Results) {
	for _, f := range patch.Preview.Files {
		if !f.Ready || f.Skipped {
			if f.Skipped {
				results.Skipped = append(results.Skipped, f.File+": "+f.SkipReason)
			}

			continue
		}

		if err := a.applyFile(ws, f); err != nil {
			results.Errors = append(results.Errors, f.File+": "+err.Error())

			continue
		}

		results.Applied = append(results.Applied, f.File)
	}
}

// applyFile writes one preview file: AI rewrites verbatim, otherwise the
// recorded hunks against the current file content.
func (a *Applier) applyFile(ws *gitws.Workspace, f store.PreviewFile) error {
	if f.AIRewritten && f.ImprovedText != "" {
		return ws.WriteFile(f.File, []byte(NormalizeEOL(f.ImprovedText, f.EOL)))
	}

	data, err := ws.ReadFile(f.File)
	if err != nil {
		return fmt.Errorf("read: %w", err)
	}

	current := strings.ReplaceAll(string(data), "\r\n", "\n")
	lines := strings.Split(current, "\n")

	// ApplyHunks re-verifies each checksum against the live file; drift
	// since preview surfaces as checksum_mismatch skips.
	updated, annotated := ApplyHunks(f.File, lines, f.Hunks)

	if !anyApplied(annotated) {
		return fmt.Errorf("%s", FailChecksumMismatch)
	}

	return ws.WriteFile(f.File, []byte(NormalizeEOL(strings.Join(updated, "\n"), f.EOL)))
}

// openFixPR creates the fix pull request and, in merge mode, runs the gate.
func (a *Applier) openFixPR(ctx context.Context, patch store.PatchRequest, inst store.Installation, results *store.Results) error {
	base, err := a.hostAPI.DefaultBranch(ctx, patch.Repo)
	if err != nil {
		return fmt.Errorf("default branch: %w", err)
	}

	title := fmt.Sprintf("Peer autofix for PR #%d", patch.PRNumber)
	body := a.prBody(patch)

	pr, err := a.hostAPI.CreatePR(ctx, patch.Repo, title, body, results.BranchName, base)
	if err != nil {
		return fmt.Errorf("create fix pr: %w", err)
	}

	results.FixPRNumber = pr.Number
	results.FixPRURL = pr.URL

	if inst.Config.Mode == store.ModeMerge && a.gate != nil {
		outcome := a.gate.Evaluate(ctx, patch.Repo, pr.Number, inst.Config.AutoMerge)
		results.AutoMerged = outcome.Merged
		results.AutoMergeReason = outcome.Reason

		if outcome.Merged {
			results.CommitSHA = outcome.MergedSHA
		}
	}

	return nil
}

// markFindingsFixed flips the selected findings on the run after a merge.
func (a *Applier) markFindingsFixed(ctx context.Context, patch store.PatchRequest) error {
	return a.store.WithLock(ctx, "run:"+patch.RunID, func(ctx context.Context) error {
		run, err := a.store.GetRun(ctx, patch.RunID)
		if err != nil {
			return err
		}

		run = run.MarkFindingsFixed(patch.SelectedFindingIDs, patch.ID, time.Now().UTC())

		return a.store.UpdateRun(ctx, run)
	})
}

// notifyCompleted records the completion notification for attributed
// patches.
func (a *Applier) notifyCompleted(ctx context.Context, patch store.PatchRequest) {
	if patch.UserID == "" {
		return
	}

	_, _ = a.store.CreateNotification(ctx, store.Notification{
		UserID:  patch.UserID,
		Kind:    store.NotifyAutofixCompleted,
		Message: fmt.Sprintf("autofix applied to %s#%d", patch.Repo, patch.PRNumber),
		Metadata: map[string]string{
			"patchRequestId": patch.ID,
			"branch":         patch.Results.BranchName,
		},
	})
}

// installation resolves the repo's installation; a missing record falls
// back to commit mode so the fix PR is still opened.
func (a *Applier) installation(ctx context.Context, repo string) store.Installation {
	inst, err := a.store.FindInstallationByRepo(ctx, repo)
	if err != nil {
		return store.Installation{Config: store.InstallationConfig{Mode: store.ModeCommit}}
	}

	return inst
}

// failPatch records a terminal failure.
func (a *Applier) failPatch(ctx context.Context, patch store.PatchRequest, reason string) error {
	failed, err := patch.Fail(reason)
	if err != nil {
		return err
	}

	return a.store.UpdatePatch(ctx, failed)
}

// commitMessage renders the autofix commit message.
func (a *Applier) commitMessage(patch store.PatchRequest) string {
	return fmt.Sprintf("Peer autofix: %d findings from PR #%d\n\nRun %s",
		len(patch.SelectedFindingIDs), patch.PRNumber, patch.RunID)
}

// prBody renders the fix PR description from the preview.
func (a *Applier) prBody(patch store.PatchRequest) string {
	var sb strings.Builder

	fmt.Fprintf(&sb, "Automated fixes for %d selected findings from PR #%d.\n\n", len(patch.SelectedFindingIDs), patch.PRNumber)

	for _, f := range patch.Preview.Files {
		if !f.Ready || f.Skipped {
			continue
		}

		fmt.Fprintf(&sb, "- `%s`: %s\n", f.File, f.ChangeSummary)
	}

	return sb.String()
}
