package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/Sumatoshi-tech/peer/internal/analysis"
	"github.com/Sumatoshi-tech/peer/internal/autofix"
	"github.com/Sumatoshi-tech/peer/internal/config"
	"github.com/Sumatoshi-tech/peer/internal/queue"
	"github.com/Sumatoshi-tech/peer/internal/store"
	"github.com/Sumatoshi-tech/peer/pkg/gitws"
)

// Job payloads.
type (
	// AnalyzePayload points the analyze worker at a run.
	AnalyzePayload struct {
		RunID string `json:"runId"`
	}

	// AutofixPayload points a preview worker at one file of a patch.
	AutofixPayload struct {
		PatchID string `json:"patchRequestId"`
		File    string `json:"file"`
	}

	// ApplyPayload points the apply worker at a patch.
	ApplyPayload struct {
		PatchID string `json:"patchRequestId"`
	}
)

// runFetchAttempts bounds the read-after-write retries when a worker picks
// up a job before the run write is visible.
const runFetchAttempts = 5

// ErrRunNotCompleted rejects patch creation on runs that have not finished
// analysis.
var ErrRunNotCompleted = errors.New("pipeline: run not completed")

// ErrNoFindings rejects patch creation when the selection matches nothing.
var ErrNoFindings = errors.New("pipeline: no findings selected")

// Pipeline owns the event-to-work translation and the queue workers.
type Pipeline struct {
	store        *store.Store
	orchestrator *analysis.Orchestrator
	engine       *autofix.PreviewEngine
	applier      *autofix.Applier
	gate         *autofix.MergeGate
	cloneURL     autofix.CloneURLFunc
	gitOpts      gitws.Options
	analyzeCfg   config.AnalyzeConfig
	logger       *slog.Logger

	analyzeQ *queue.Queue
	autofixQ *queue.Queue
	applyQ   *queue.Queue
}

// Deps carries the pipeline's collaborators.
type Deps struct {
	Store        *store.Store
	Orchestrator *analysis.Orchestrator
	Engine       *autofix.PreviewEngine
	Applier      *autofix.Applier
	Gate         *autofix.MergeGate
	CloneURL     autofix.CloneURLFunc
	GitOpts      gitws.Options
	AnalyzeCfg   config.AnalyzeConfig
	Logger       *slog.Logger

	AnalyzeQueue *queue.Queue
	AutofixQueue *queue.Queue
	ApplyQueue   *queue.Queue
}

// New wires the pipeline.
func New(deps Deps) *Pipeline {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}

	return &Pipeline{
		store:        deps.Store,
		orchestrator: deps.Orchestrator,
		engine:       deps.Engine,
		applier:      deps.Applier,
		gate:         deps.Gate,
		cloneURL:     deps.CloneURL,
		gitOpts:      deps.GitOpts,
		analyzeCfg:   deps.AnalyzeCfg,
		logger:       deps.Logger,
		analyzeQ:     deps.AnalyzeQueue,
		autofixQ:     deps.AutofixQueue,
		applyQ:       deps.ApplyQueue,
	}
}

// Dispatch routes a parsed webhook event into pipeline work. A run conflict
// surfaces as store.ErrRunConflict so the HTTP boundary can answer 409.
func (p *Pipeline) Dispatch(ctx context.Context, event Event) error {
	switch event.Kind {
	case EventInstallation:
		return p.handleInstallation(ctx, event)
	case EventPullRequest:
		return p.handlePullRequest(ctx, event)
	case EventReview:
		return p.handleReview(ctx, event)
	default:
		p.logger.InfoContext(ctx, "webhook.ignored", slog.String("kind", event.Kind), slog.String("action", event.Action))

		return nil
	}
}

// handleInstallation keeps the installation records in sync with the host.
func (p *Pipeline) handleInstallation(ctx context.Context, event Event) error {
	switch event.Action {
	case ActionCreated:
		return p.store.SaveInstallation(ctx, store.Installation{
			InstallationID: event.InstallationID,
			Account:        event.Account,
			Repos:          event.Repos,
			Config:         defaultInstallationConfig(),
		})
	case ActionDeleted:
		return p.store.DeleteInstallation(ctx, event.InstallationID)
	case ActionAdded:
		inst, err := p.store.GetInstallation(ctx, event.InstallationID)
		if errors.Is(err, store.ErrNotFound) {
			inst = store.Installation{
				InstallationID: event.InstallationID,
				Account:        event.Account,
				Config:         defaultInstallationConfig(),
			}
		} else if err != nil {
			return err
		}

		inst.Repos = mergeRepos(inst.Repos, event.Repos)

		return p.store.SaveInstallation(ctx, inst)
	case ActionRemoved:
		inst, err := p.store.GetInstallation(ctx, event.InstallationID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return nil
			}

			return err
		}

		inst.Repos = dropRepos(inst.Repos, event.Repos)

		if err := p.store.UnindexRepos(ctx, event.Repos); err != nil {
			return err
		}

		return p.store.SaveInstallation(ctx, inst)
	default:
		p.logger.InfoContext(ctx, "webhook.installation_ignored", slog.String("action", event.Action))

		return nil
	}
}

// handlePullRequest creates a run and queues analysis for opened and
// synchronized PRs. Autofix branches are ignored to avoid fix loops.
func (p *Pipeline) handlePullRequest(ctx context.Context, event Event) error {
	if event.Action != ActionOpened && event.Action != ActionSynchronize {
		p.logger.InfoContext(ctx, "webhook.pr_ignored", slog.String("action", event.Action))

		return nil
	}

	if strings.HasPrefix(event.HeadRef, autofix.BranchPrefix) {
		p.logger.InfoContext(ctx, "webhook.autofix_head_ignored", slog.String("head", event.HeadRef))

		return nil
	}

	run := store.PRRun{
		Repo:     event.Repo,
		PRNumber: event.PRNumber,
		SHA:      event.HeadSHA,
		BaseSHA:  event.BaseSHA,
		HeadRef:  event.HeadRef,
	}

	if inst, err := p.store.FindInstallationByRepo(ctx, event.Repo); err == nil {
		run.InstallationID = inst.InstallationID
	} else if event.InstallationID != 0 {
		run.InstallationID = event.InstallationID
	}

	created, err := p.store.CreateRun(ctx, run)
	if err != nil {
		// Redelivered webhooks hit the unique (repo, pr, sha) index.
		return err
	}

	if _, err := p.analyzeQ.Enqueue(ctx, AnalyzePayload{RunID: created.ID}); err != nil {
		return fmt.Errorf("pipeline: enqueue analyze: %w", err)
	}

	p.logger.InfoContext(ctx, "pipeline.run_queued",
		slog.String("run", created.ID),
		slog.String("repo", event.Repo),
		slog.Int("pr", event.PRNumber))

	return nil
}

// handleReview reacts to an approval of a fix PR in review mode: the gate
// re-evaluates and merges when policy allows.
func (p *Pipeline) handleReview(ctx context.Context, event Event) error {
	if event.ReviewState != "approved" {
		return nil
	}

	runID, ok := autofix.RunIDFromBranch(event.HeadRef)
	if !ok {
		return nil
	}

	patch, err := p.store.FindPatchByRun(ctx, runID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			p.logger.WarnContext(ctx, "pipeline.review_without_patch", slog.String("run", runID))

			return nil
		}

		return err
	}

	if patch.Status != store.PatchCompleted || patch.Results.AutoMerged || p.gate == nil {
		return nil
	}

	inst, err := p.store.FindInstallationByRepo(ctx, event.Repo)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}

		return err
	}

	outcome := p.gate.Evaluate(ctx, event.Repo, event.PRNumber, inst.Config.AutoMerge)

	patch.Results.AutoMerged = outcome.Merged
	patch.Results.AutoMergeReason = outcome.Reason

	if outcome.Merged {
		patch.Results.CommitSHA = outcome.MergedSHA

		if err := p.markFindingsFixed(ctx, patch); err != nil {
			return err
		}
	}

	return p.store.UpdatePatch(ctx, patch)
}

func (p *Pipeline) markFindingsFixed(ctx context.Context, patch store.PatchRequest) error {
	return p.store.WithLock(ctx, "run:"+patch.RunID, func(ctx context.Context) error {
		run, err := p.store.GetRun(ctx, patch.RunID)
		if err != nil {
			return err
		}

		run = run.MarkFindingsFixed(patch.SelectedFindingIDs, patch.ID, time.Now().UTC())

		return p.store.UpdateRun(ctx, run)
	})
}

func defaultInstallationConfig() store.InstallationConfig {
	return store.InstallationConfig{
		Mode:           store.ModeAnalyze,
		MaxFilesPerRun: 50,
	}
}

func mergeRepos(existing, added []string) []string {
	seen := make(map[string]struct{}, len(existing))
	out := make([]string, 0, len(existing)+len(added))

	for _, repo := range existing {
		seen[repo] = struct{}{}
		out = append(out, repo)
	}

	for _, repo := range added {
		if _, ok := seen[repo]; !ok {
			out = append(out, repo)
		}
	}

	return out
}

func dropRepos(existing, removed []string) []string {
	gone := make(map[string]struct{}, len(removed))
	for _, repo := range removed {
		gone[repo] = struct{}{}
	}

	var out []string

	for _, repo := range existing {
		if _, ok := gone[repo]; !ok {
			out = append(out, repo)
		}
	}

	return out
}
