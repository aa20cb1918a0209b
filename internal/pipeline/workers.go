package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/Sumatoshi-tech/peer/internal/analysis"
	"github.com/Sumatoshi-tech/peer/internal/queue"
	"github.com/Sumatoshi-tech/peer/internal/store"
	"github.com/Sumatoshi-tech/peer/pkg/gitws"
)

// HandleAnalyze is the analyze-queue worker: check out the PR head, run the
// analyzer orchestration over the changed files, and persist the result. In
// commit and merge modes it seeds the autofix stage.
func (p *Pipeline) HandleAnalyze(ctx context.Context, job queue.Job) error {
	var payload AnalyzePayload
	if err := queue.DecodePayload(job, &payload); err != nil {
		return err
	}

	run, err := p.fetchRun(ctx, payload.RunID)
	if err != nil {
		return err
	}

	run, err = run.Start()
	if err != nil {
		// Duplicate delivery of an already-started run.
		p.logger.InfoContext(ctx, "analyze.skipped", slog.String("run", run.ID), slog.Any("error", err))

		return nil
	}

	if err := p.store.UpdateRun(ctx, run); err != nil {
		return err
	}

	inst := p.installationFor(ctx, run)

	result, analyzed, err := p.analyze(ctx, run, inst)
	if err != nil {
		return p.failRun(ctx, run, err)
	}

	result.Findings = analysis.FilterSeverities(result.Findings, inst.Config.Severities)
	result.Summary = analysis.Summarize(result.Findings)

	run, err = run.Complete(result.Findings, result.Summary)
	if err != nil {
		return err
	}

	if err := p.store.UpdateRun(ctx, run); err != nil {
		return err
	}

	p.logger.InfoContext(ctx, "analyze.completed",
		slog.String("run", run.ID),
		slog.Int("files", analyzed),
		slog.Int("findings", len(run.Findings)))

	mode := inst.Config.Mode
	if (mode == store.ModeCommit || mode == store.ModeMerge) && len(run.Findings) > 0 {
		return p.seedAutofix(ctx, run)
	}

	return nil
}

// analyze materializes the workspace and runs the orchestrator over the
// changed files, capped by the installation policy.
func (p *Pipeline) analyze(ctx context.Context, run store.PRRun, inst store.Installation) (analysis.Result, int, error) {
	url, err := p.cloneURL(ctx, run.Repo)
	if err != nil {
		return analysis.Result{}, 0, fmt.Errorf("resolve clone url: %w", err)
	}

	maxFiles := inst.Config.MaxFilesPerRun
	if maxFiles < 1 {
		maxFiles = p.analyzeCfg.MaxFilesPerRun
	}

	var (
		result analysis.Result
		count  int
	)

	err = gitws.WithWorkspace(ctx, url, run.SHA, p.gitOpts, func(ws *gitws.Workspace) error {
		files, err := ws.ChangedFiles(run.BaseSHA, run.SHA)
		if err != nil {
			return fmt.Errorf("changed files: %w", err)
		}

		if maxFiles > 0 && len(files) > maxFiles {
			files = files[:maxFiles]
		}

		count = len(files)

		if len(files) == 0 {
			// Nothing changed; an empty result still completes the run.
			return nil
		}

		result, err = p.orchestrator.Run(ctx, ws.Path(), files)

		return err
	})
	if err != nil {
		return analysis.Result{}, 0, err
	}

	return result, count, nil
}

// seedAutofix creates the patch request covering every finding and enqueues
// one preview job per affected file.
func (p *Pipeline) seedAutofix(ctx context.Context, run store.PRRun) error {
	_, err := p.createPatch(ctx, run, nil, "")

	return err
}

// CreatePatchRequest creates a patch over a subset of a completed run's
// findings and queues the per-file preview jobs. Empty findingIDs selects
// every finding.
func (p *Pipeline) CreatePatchRequest(ctx context.Context, runID string, findingIDs []string, userID string) (store.PatchRequest, error) {
	run, err := p.store.GetRun(ctx, runID)
	if err != nil {
		return store.PatchRequest{}, err
	}

	if run.Status != store.RunCompleted {
		return store.PatchRequest{}, fmt.Errorf("%w: run is %s", ErrRunNotCompleted, run.Status)
	}

	return p.createPatch(ctx, run, findingIDs, userID)
}

// createPatch lays out the preview slots in finding discovery order and
// enqueues one preview job per affected file.
func (p *Pipeline) createPatch(ctx context.Context, run store.PRRun, findingIDs []string, userID string) (store.PatchRequest, error) {
	selected := make(map[string]struct{}, len(findingIDs))
	for _, id := range findingIDs {
		selected[id] = struct{}{}
	}

	var (
		ids   []string
		files []string
		seen  = make(map[string]struct{})
		slots []store.PreviewFile
	)

	for _, f := range run.Findings {
		if len(selected) > 0 {
			if _, ok := selected[f.ID]; !ok {
				continue
			}
		}

		ids = append(ids, f.ID)

		if _, ok := seen[f.File]; ok {
			continue
		}

		seen[f.File] = struct{}{}
		files = append(files, f.File)
		slots = append(slots, store.PreviewFile{File: f.File})
	}

	if len(ids) == 0 {
		return store.PatchRequest{}, ErrNoFindings
	}

	patch, err := p.store.CreatePatch(ctx, store.PatchRequest{
		RunID:              run.ID,
		Repo:               run.Repo,
		PRNumber:           run.PRNumber,
		SHA:                run.SHA,
		UserID:             userID,
		SelectedFindingIDs: ids,
		Preview:            store.Preview{Files: slots, FilesExpected: len(slots)},
	})
	if err != nil {
		return store.PatchRequest{}, err
	}

	for _, file := range files {
		if _, err := p.autofixQ.Enqueue(ctx, AutofixPayload{PatchID: patch.ID, File: file}); err != nil {
			return store.PatchRequest{}, fmt.Errorf("pipeline: enqueue autofix %s: %w", file, err)
		}
	}

	p.logger.InfoContext(ctx, "pipeline.patch_queued",
		slog.String("patch", patch.ID),
		slog.String("run", run.ID),
		slog.Int("files", len(files)))

	return patch, nil
}

// HandleAutofix is the autofix-queue worker: preview one file. The job that
// completes the preview enqueues the apply stage in commit and merge modes.
func (p *Pipeline) HandleAutofix(ctx context.Context, job queue.Job) error {
	var payload AutofixPayload
	if err := queue.DecodePayload(job, &payload); err != nil {
		return err
	}

	done, err := p.engine.PreviewFile(ctx, payload.PatchID, payload.File)
	if err != nil {
		return err
	}

	if !done {
		return nil
	}

	patch, err := p.store.GetPatch(ctx, payload.PatchID)
	if err != nil {
		return err
	}

	inst := p.installationFor(ctx, store.PRRun{Repo: patch.Repo})

	mode := inst.Config.Mode
	if mode != store.ModeCommit && mode != store.ModeMerge {
		return nil
	}

	if _, err := p.applyQ.Enqueue(ctx, ApplyPayload{PatchID: patch.ID}); err != nil {
		return fmt.Errorf("pipeline: enqueue apply: %w", err)
	}

	return nil
}

// HandleApply is the apply-queue worker.
func (p *Pipeline) HandleApply(ctx context.Context, job queue.Job) error {
	var payload ApplyPayload
	if err := queue.DecodePayload(job, &payload); err != nil {
		return err
	}

	return p.applier.Apply(ctx, payload.PatchID)
}

// fetchRun loads a run, retrying briefly: the job can land on a worker
// before the run write is visible to it.
func (p *Pipeline) fetchRun(ctx context.Context, id string) (store.PRRun, error) {
	delay := 50 * time.Millisecond

	var lastErr error

	for attempt := range runFetchAttempts {
		run, err := p.store.GetRun(ctx, id)
		if err == nil {
			return run, nil
		}

		if !errors.Is(err, store.ErrNotFound) {
			return store.PRRun{}, err
		}

		lastErr = err

		if attempt < runFetchAttempts-1 {
			select {
			case <-ctx.Done():
				return store.PRRun{}, ctx.Err()
			case <-time.After(delay):
			}

			delay *= 2
		}
	}

	return store.PRRun{}, fmt.Errorf("pipeline: run %s not visible: %w", id, lastErr)
}

// installationFor resolves the run's installation, falling back to analyze
// mode defaults when the repo is not enrolled.
func (p *Pipeline) installationFor(ctx context.Context, run store.PRRun) store.Installation {
	inst, err := p.store.FindInstallationByRepo(ctx, run.Repo)
	if err != nil {
		return store.Installation{Config: defaultInstallationConfig()}
	}

	return inst
}

// failRun records a terminal analysis failure.
func (p *Pipeline) failRun(ctx context.Context, run store.PRRun, cause error) error {
	failed, err := run.Fail(cause.Error())
	if err != nil {
		return err
	}

	if err := p.store.UpdateRun(ctx, failed); err != nil {
		return err
	}

	return cause
}
