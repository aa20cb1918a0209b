package pipeline_test

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	git2go "github.com/libgit2/git2go/v34"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Sumatoshi-tech/peer/internal/analysis"
	"github.com/Sumatoshi-tech/peer/internal/autofix"
	"github.com/Sumatoshi-tech/peer/internal/config"
	"github.com/Sumatoshi-tech/peer/internal/host"
	"github.com/Sumatoshi-tech/peer/internal/llm"
	"github.com/Sumatoshi-tech/peer/internal/pipeline"
	"github.com/Sumatoshi-tech/peer/internal/queue"
	"github.com/Sumatoshi-tech/peer/internal/store"
	"github.com/Sumatoshi-tech/peer/pkg/gitws"
	"github.com/Sumatoshi-tech/peer/pkg/kv"
)

// repoFixture is a local git repository used in place of a remote.
type repoFixture struct {
	t    *testing.T
	path string
	repo *git2go.Repository
}

func newRepoFixture(t *testing.T) *repoFixture {
	t.Helper()

	dir := t.TempDir()

	repo, err := git2go.InitRepository(dir, false)
	require.NoError(t, err)

	t.Cleanup(repo.Free)

	return &repoFixture{t: t, path: dir, repo: repo}
}

func (f *repoFixture) write(name, content string) {
	f.t.Helper()

	path := filepath.Join(f.path, name)
	require.NoError(f.t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(f.t, os.WriteFile(path, []byte(content), 0o644))
}

func (f *repoFixture) commit() string {
	f.t.Helper()

	index, err := f.repo.Index()
	require.NoError(f.t, err)

	defer index.Free()

	require.NoError(f.t, index.AddAll([]string{"*"}, git2go.IndexAddDefault, nil))
	require.NoError(f.t, index.Write())

	treeID, err := index.WriteTree()
	require.NoError(f.t, err)

	tree, err := f.repo.LookupTree(treeID)
	require.NoError(f.t, err)

	defer tree.Free()

	sig := &git2go.Signature{Name: "Fixture", Email: "fixture@example.com", When: time.Now()}

	var parents []*git2go.Commit

	if head, headErr := f.repo.Head(); headErr == nil {
		parent, lookupErr := f.repo.LookupCommit(head.Target())
		require.NoError(f.t, lookupErr)

		parents = append(parents, parent)

		head.Free()
	}

	oid, err := f.repo.CreateCommit("HEAD", sig, sig, "fixture", tree, parents...)
	require.NoError(f.t, err)

	for _, parent := range parents {
		parent.Free()
	}

	return oid.String()
}

// lineAnalyzer flags every line matching a rule in .js files.
type lineAnalyzer struct {
	rule string
	line int
}

func (a *lineAnalyzer) Name() string { return "stub" }

func (a *lineAnalyzer) Analyze(_ context.Context, _ string, files []string) ([]analysis.Finding, error) {
	var findings []analysis.Finding

	for _, file := range files {
		if filepath.Ext(file) != ".js" {
			continue
		}

		findings = append(findings, analysis.Finding{
			File:     file,
			Line:     a.line,
			Rule:     a.rule,
			Analyzer: "stub",
			Severity: analysis.SeverityMedium,
			Message:  "stubbed finding",
		})
	}

	return findings, nil
}

type env struct {
	store    *store.Store
	pipeline *pipeline.Pipeline
	analyzeQ *queue.Queue
	autofixQ *queue.Queue
	applyQ   *queue.Queue
	fake     *host.Fake
	fixture  *repoFixture
}

func newEnv(t *testing.T, fx *repoFixture) *env {
	t.Helper()

	backend := kv.NewMemory()
	st := store.New(backend)

	registry := analysis.NewRegistry()
	registry.MustRegister(&lineAnalyzer{rule: "no-var", line: 1})

	llmCfg := config.LLMConfig{
		Strategy:      config.StrategyMinimal,
		AssistMode:    config.AssistUnchangedOnly,
		Timeout:       time.Second,
		GeminiTimeout: time.Second,
	}
	router := llm.NewRouter(llmCfg, kv.NewMemory(), llm.WithProviders(map[string]llm.Provider{}))

	cloneURL := func(context.Context, string) (string, error) { return fx.path, nil }

	engine := autofix.NewPreviewEngine(
		st,
		autofix.NewMinimalPatcher(router, 5, false),
		autofix.NewRewriter(router),
		llmCfg,
		config.PreviewConfig{TimeBudget: time.Minute, InitialMaxFiles: 30, SaveEvery: 5},
		gitws.Options{},
		cloneURL,
		nil,
	)

	fake := &host.Fake{Repo: fx.path}
	gate := autofix.NewMergeGate(fake, "merge", nil, autofix.WithPollDelay(time.Millisecond))
	applier := autofix.NewApplier(st, fake, gitws.Options{}, cloneURL, gate, nil)

	analyzeQ := queue.NewQueue(queue.QueueAnalyze, backend)
	autofixQ := queue.NewQueue(queue.QueueAutofix, backend)
	applyQ := queue.NewQueue(queue.QueueApply, backend)

	p := pipeline.New(pipeline.Deps{
		Store:        st,
		Orchestrator: analysis.NewOrchestrator(registry),
		Engine:       engine,
		Applier:      applier,
		Gate:         gate,
		CloneURL:     cloneURL,
		GitOpts:      gitws.Options{},
		AnalyzeCfg:   config.AnalyzeConfig{MaxFilesPerRun: 50},
		AnalyzeQueue: analyzeQ,
		AutofixQueue: autofixQ,
		ApplyQueue:   applyQ,
	})

	return &env{store: st, pipeline: p, analyzeQ: analyzeQ, autofixQ: autofixQ, applyQ: applyQ, fake: fake, fixture: fx}
}

func (e *env) installRepo(t *testing.T, mode string) {
	t.Helper()

	require.NoError(t, e.store.SaveInstallation(context.Background(), store.Installation{
		InstallationID: 7,
		Repos:          []string{"org/app"},
		Config: store.InstallationConfig{
			Mode:           mode,
			MaxFilesPerRun: 50,
		},
	}))
}

func prEvent(sha string) pipeline.Event {
	return pipeline.Event{
		Kind:     pipeline.EventPullRequest,
		Action:   pipeline.ActionOpened,
		Repo:     "org/app",
		PRNumber: 12,
		HeadRef:  "feature/x",
		HeadSHA:  sha,
	}
}

func TestParseEventPullRequest(t *testing.T) {
	t.Parallel()

	body := []byte(`{
		"action": "opened",
		"installation": {"id": 7},
		"repository": {"full_name": "org/app"},
		"pull_request": {
			"number": 12,
			"head": {"ref": "feature/x", "sha": "abc"},
			"base": {"sha": "def"}
		}
	}`)

	event, err := pipeline.ParseEvent("pull_request", body)
	require.NoError(t, err)

	assert.Equal(t, pipeline.EventPullRequest, event.Kind)
	assert.Equal(t, "org/app", event.Repo)
	assert.Equal(t, 12, event.PRNumber)
	assert.Equal(t, "feature/x", event.HeadRef)
	assert.Equal(t, "abc", event.HeadSHA)
	assert.Equal(t, "def", event.BaseSHA)
	assert.Equal(t, int64(7), event.InstallationID)
}

func TestParseEventMissingFields(t *testing.T) {
	t.Parallel()

	_, err := pipeline.ParseEvent("pull_request", []byte(`{"action": "opened"}`))
	assert.ErrorIs(t, err, pipeline.ErrMissingFields)
}

func TestParseEventUnknownName(t *testing.T) {
	t.Parallel()

	event, err := pipeline.ParseEvent("star", []byte(`{"action": "created"}`))
	require.NoError(t, err)
	assert.Equal(t, pipeline.EventUnknown, event.Kind)
}

func TestDispatchPullRequestQueuesRun(t *testing.T) {
	t.Parallel()

	fx := newRepoFixture(t)
	fx.write("app.js", "var x = 1\n")
	sha := fx.commit()

	e := newEnv(t, fx)
	e.installRepo(t, store.ModeAnalyze)

	ctx := context.Background()
	require.NoError(t, e.pipeline.Dispatch(ctx, prEvent(sha)))

	run, err := e.store.FindRun(ctx, "org/app", 12, sha)
	require.NoError(t, err)
	assert.Equal(t, store.RunQueued, run.Status)
	assert.Equal(t, int64(7), run.InstallationID)

	depth, err := e.analyzeQ.Depth(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, depth)
}

func TestDispatchDuplicateDeliveryConflicts(t *testing.T) {
	t.Parallel()

	fx := newRepoFixture(t)
	fx.write("app.js", "var x = 1\n")
	sha := fx.commit()

	e := newEnv(t, fx)

	ctx := context.Background()
	require.NoError(t, e.pipeline.Dispatch(ctx, prEvent(sha)))

	err := e.pipeline.Dispatch(ctx, prEvent(sha))
	assert.ErrorIs(t, err, store.ErrRunConflict)
}

func TestDispatchIgnoresAutofixHeads(t *testing.T) {
	t.Parallel()

	fx := newRepoFixture(t)
	fx.write("app.js", "var x = 1\n")
	sha := fx.commit()

	e := newEnv(t, fx)

	event := prEvent(sha)
	event.HeadRef = "peer/autofix/run-1-1756000000"

	ctx := context.Background()
	require.NoError(t, e.pipeline.Dispatch(ctx, event))

	depth, err := e.analyzeQ.Depth(ctx)
	require.NoError(t, err)
	assert.Zero(t, depth, "fix branches never trigger analysis")
}

func TestDispatchInstallationLifecycle(t *testing.T) {
	t.Parallel()

	fx := newRepoFixture(t)
	e := newEnv(t, fx)
	ctx := context.Background()

	created := pipeline.Event{
		Kind:           pipeline.EventInstallation,
		Action:         pipeline.ActionCreated,
		InstallationID: 9,
		Account:        "org",
		Repos:          []string{"org/one"},
	}
	require.NoError(t, e.pipeline.Dispatch(ctx, created))

	inst, err := e.store.FindInstallationByRepo(ctx, "org/one")
	require.NoError(t, err)
	assert.Equal(t, store.ModeAnalyze, inst.Config.Mode, "new installations default to analyze mode")

	added := created
	added.Action = pipeline.ActionAdded
	added.Repos = []string{"org/two"}
	require.NoError(t, e.pipeline.Dispatch(ctx, added))

	inst, err = e.store.GetInstallation(ctx, 9)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"org/one", "org/two"}, inst.Repos)

	removed := created
	removed.Action = pipeline.ActionRemoved
	removed.Repos = []string{"org/one"}
	require.NoError(t, e.pipeline.Dispatch(ctx, removed))

	_, err = e.store.FindInstallationByRepo(ctx, "org/one")
	assert.ErrorIs(t, err, store.ErrNotFound, "removed repos leave the index")

	deleted := created
	deleted.Action = pipeline.ActionDeleted
	require.NoError(t, e.pipeline.Dispatch(ctx, deleted))

	_, err = e.store.GetInstallation(ctx, 9)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func dequeue(t *testing.T, q *queue.Queue) queue.Job {
	t.Helper()

	job, err := q.Dequeue(context.Background())
	require.NoError(t, err)

	return job
}

func TestAnalyzeWorkerCompletesRun(t *testing.T) {
	t.Parallel()

	fx := newRepoFixture(t)
	fx.write("app.js", "var x = 1\n")
	sha := fx.commit()

	e := newEnv(t, fx)
	e.installRepo(t, store.ModeAnalyze)

	ctx := context.Background()
	require.NoError(t, e.pipeline.Dispatch(ctx, prEvent(sha)))
	require.NoError(t, e.pipeline.HandleAnalyze(ctx, dequeue(t, e.analyzeQ)))

	run, err := e.store.FindRun(ctx, "org/app", 12, sha)
	require.NoError(t, err)

	assert.Equal(t, store.RunCompleted, run.Status)
	require.NotEmpty(t, run.Findings)
	assert.Equal(t, "no-var", run.Findings[0].Rule)
	assert.Equal(t, 1, run.Summary.Medium)

	depth, err := e.autofixQ.Depth(ctx)
	require.NoError(t, err)
	assert.Zero(t, depth, "analyze mode stops at findings")
}

func TestAnalyzeWorkerEmptyChangeSet(t *testing.T) {
	t.Parallel()

	fx := newRepoFixture(t)
	fx.write("notes.txt", "hello\n")
	sha := fx.commit()

	e := newEnv(t, fx)
	e.installRepo(t, store.ModeAnalyze)

	ctx := context.Background()

	event := prEvent(sha)
	// Base equals head: no changed files.
	event.BaseSHA = sha
	require.NoError(t, e.pipeline.Dispatch(ctx, event))
	require.NoError(t, e.pipeline.HandleAnalyze(ctx, dequeue(t, e.analyzeQ)))

	run, err := e.store.FindRun(ctx, "org/app", 12, sha)
	require.NoError(t, err)

	assert.Equal(t, store.RunCompleted, run.Status)
	assert.Empty(t, run.Findings)
	assert.Zero(t, run.Summary.Total())
}

func TestAnalyzeWorkerSeedsAutofixInCommitMode(t *testing.T) {
	t.Parallel()

	fx := newRepoFixture(t)
	fx.write("app.js", "var x = 1\n")
	fx.write("lib.js", "var y = 2\n")
	sha := fx.commit()

	e := newEnv(t, fx)
	e.installRepo(t, store.ModeCommit)

	ctx := context.Background()
	require.NoError(t, e.pipeline.Dispatch(ctx, prEvent(sha)))
	require.NoError(t, e.pipeline.HandleAnalyze(ctx, dequeue(t, e.analyzeQ)))

	run, err := e.store.FindRun(ctx, "org/app", 12, sha)
	require.NoError(t, err)

	patch, err := e.store.FindPatchByRun(ctx, run.ID)
	require.NoError(t, err)

	assert.Equal(t, store.PatchQueued, patch.Status)
	assert.Len(t, patch.SelectedFindingIDs, len(run.Findings))
	assert.Equal(t, 2, patch.Preview.FilesExpected, "one preview slot per affected file")

	depth, err := e.autofixQ.Depth(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, depth)
}

func TestAutofixWorkerEnqueuesApplyWhenDone(t *testing.T) {
	t.Parallel()

	fx := newRepoFixture(t)
	fx.write("app.js", "var x = 1\n")
	sha := fx.commit()

	e := newEnv(t, fx)
	e.installRepo(t, store.ModeCommit)

	ctx := context.Background()
	require.NoError(t, e.pipeline.Dispatch(ctx, prEvent(sha)))
	require.NoError(t, e.pipeline.HandleAnalyze(ctx, dequeue(t, e.analyzeQ)))
	require.NoError(t, e.pipeline.HandleAutofix(ctx, dequeue(t, e.autofixQ)))

	run, err := e.store.FindRun(ctx, "org/app", 12, sha)
	require.NoError(t, err)

	patch, err := e.store.FindPatchByRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, store.PatchPreviewReady, patch.Status)

	depth, err := e.applyQ.Depth(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, depth, "the completing preview job hands off to apply")
}

func TestAnalyzeWorkerMissingRunRetriesThenFails(t *testing.T) {
	t.Parallel()

	fx := newRepoFixture(t)
	e := newEnv(t, fx)
	ctx := context.Background()

	job, err := e.analyzeQ.Enqueue(ctx, pipeline.AnalyzePayload{RunID: "ghost"})
	require.NoError(t, err)

	claimed, err := e.analyzeQ.Dequeue(ctx)
	require.NoError(t, err)
	require.Equal(t, job.ID, claimed.ID)

	err = e.pipeline.HandleAnalyze(ctx, claimed)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestAnalyzeWorkerFailsRunOnBadClone(t *testing.T) {
	t.Parallel()

	fx := newRepoFixture(t)
	fx.write("app.js", "var x = 1\n")
	sha := fx.commit()

	e := newEnv(t, fx)

	ctx := context.Background()
	require.NoError(t, e.pipeline.Dispatch(ctx, prEvent(sha)))

	run, err := e.store.FindRun(ctx, "org/app", 12, sha)
	require.NoError(t, err)

	// Point the run at a sha the fixture does not have.
	run.SHA = "0000000000000000000000000000000000000000"
	require.NoError(t, e.store.UpdateRun(ctx, run))

	err = e.pipeline.HandleAnalyze(ctx, queue.Job{
		Queue:   queue.QueueAnalyze,
		Payload: mustPayload(t, pipeline.AnalyzePayload{RunID: run.ID}),
	})
	require.Error(t, err)

	run, err = e.store.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, store.RunFailed, run.Status)
	assert.NotEmpty(t, run.Error)
}

func mustPayload(t *testing.T, v any) []byte {
	t.Helper()

	data, err := json.Marshal(v)
	require.NoError(t, err)

	return data
}
