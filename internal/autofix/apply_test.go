package autofix_test

import (
	"context"
	"errors"
	"testing"
	"time"

	git2go "github.com/libgit2/git2go/v34"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Sumatoshi-tech/peer/internal/analysis"
	"github.com/Sumatoshi-tech/peer/internal/autofix"
	"github.com/Sumatoshi-tech/peer/internal/host"
	"github.com/Sumatoshi-tech/peer/internal/store"
	"github.com/Sumatoshi-tech/peer/pkg/gitws"
	"github.com/Sumatoshi-tech/peer/pkg/kv"
)

// bare clones the fixture to a bare repository, which accepts pushes.
func (f *fixture) bare() string {
	f.t.Helper()

	dir := f.t.TempDir()

	repo, err := git2go.Clone(f.path, dir, &git2go.CloneOptions{Bare: true})
	require.NoError(f.t, err)

	f.t.Cleanup(repo.Free)

	return dir
}

// applyEnv wires a store, host fake, and applier over a bare fixture clone.
type applyEnv struct {
	store   *store.Store
	fake    *host.Fake
	applier *autofix.Applier
	run     store.PRRun
	patch   store.PatchRequest
}

func newApplyEnv(t *testing.T, bareDir, sha string, findings []analysis.Finding, files []store.PreviewFile) *applyEnv {
	t.Helper()

	st := store.New(kv.NewMemory())
	ctx := context.Background()

	run, err := st.CreateRun(ctx, store.PRRun{Repo: "org/app", PRNumber: 1, SHA: sha, Findings: findings})
	require.NoError(t, err)

	ids := make([]string, 0, len(findings))
	for _, f := range findings {
		ids = append(ids, f.ID)
	}

	patch, err := st.CreatePatch(ctx, store.PatchRequest{
		RunID:              run.ID,
		Repo:               "org/app",
		PRNumber:           1,
		SHA:                sha,
		SelectedFindingIDs: ids,
		Preview:            store.Preview{Files: files, FilesExpected: len(files)},
	})
	require.NoError(t, err)

	patch, err = patch.MarkPreviewReady()
	require.NoError(t, err)
	require.NoError(t, st.UpdatePatch(ctx, patch))

	fake := &host.Fake{Mergeable: boolPtr(true)}
	gate := autofix.NewMergeGate(fake, "merge", nil, autofix.WithPollDelay(time.Millisecond))

	cloneURL := func(context.Context, string) (string, error) { return bareDir, nil }
	applier := autofix.NewApplier(st, fake, gitws.Options{}, cloneURL, gate, nil)

	return &applyEnv{store: st, fake: fake, applier: applier, run: run, patch: patch}
}

// readyFile builds a one-hunk ready preview file.
func readyFile(name, findingID string, line int, newCode, checksum string) store.PreviewFile {
	return store.PreviewFile{
		File:       name,
		Ready:      true,
		FindingIDs: []string{findingID},
		Hunks: []store.Hunk{{
			FindingID:        findingID,
			Line:             line,
			NewCode:          newCode,
			OriginalChecksum: checksum,
		}},
	}
}

func TestApplySkipsDriftedFileAndLandsTheRest(t *testing.T) {
	t.Parallel()

	fx := newFixture(t)
	fx.write("a.js", "var a = 1\n")
	fx.write("b.js", "var b = 2\n")
	sha := fx.commit()

	findings := []analysis.Finding{
		{ID: "f-a", File: "a.js", Line: 1, Rule: "no-var"},
		{ID: "f-b", File: "b.js", Line: 1, Rule: "no-var"},
	}

	// b.js's recorded checksum no longer matches the live line, modeling
	// drift between preview and apply.
	files := []store.PreviewFile{
		readyFile("a.js", "f-a", 1, "let a = 1", autofix.LineChecksum("var a = 1")),
		readyFile("b.js", "f-b", 1, "let b = 2", autofix.LineChecksum("var b = 9")),
		{File: "README.md", Ready: true, Skipped: true, SkipReason: "documentation"},
	}

	env := newApplyEnv(t, fx.bare(), sha, findings, files)
	ctx := context.Background()

	require.NoError(t, env.applier.Apply(ctx, env.patch.ID))

	patch, err := env.store.GetPatch(ctx, env.patch.ID)
	require.NoError(t, err)

	assert.Equal(t, store.PatchCompleted, patch.Status)
	assert.Equal(t, []string{"a.js"}, patch.Results.Applied)
	require.Len(t, patch.Results.Errors, 1)
	assert.Contains(t, patch.Results.Errors[0], "b.js")
	assert.Contains(t, patch.Results.Errors[0], autofix.FailChecksumMismatch)
	assert.Equal(t, []string{"README.md: documentation"}, patch.Results.Skipped)
	assert.NotEmpty(t, patch.Results.CommitSHA)

	// Without an installation record the applier falls back to commit
	// mode and still opens the fix PR.
	require.Len(t, env.fake.Created, 1)
	assert.Equal(t, patch.Results.BranchName, env.fake.Created[0].HeadRef)
	assert.Equal(t, patch.Results.FixPRNumber, env.fake.Created[0].Number)
}

func TestApplyPushesFixBranch(t *testing.T) {
	t.Parallel()

	fx := newFixture(t)
	fx.write("a.js", "var a = 1\n")
	sha := fx.commit()

	findings := []analysis.Finding{{ID: "f-a", File: "a.js", Line: 1, Rule: "no-var"}}
	files := []store.PreviewFile{
		readyFile("a.js", "f-a", 1, "let a = 1", autofix.LineChecksum("var a = 1")),
	}

	bareDir := fx.bare()
	env := newApplyEnv(t, bareDir, sha, findings, files)
	ctx := context.Background()

	require.NoError(t, env.applier.Apply(ctx, env.patch.ID))

	patch, err := env.store.GetPatch(ctx, env.patch.ID)
	require.NoError(t, err)

	origin, err := git2go.OpenRepository(bareDir)
	require.NoError(t, err)

	t.Cleanup(origin.Free)

	ref, err := origin.References.Lookup("refs/heads/" + patch.Results.BranchName)
	require.NoError(t, err, "fix branch must exist on origin after push")

	defer ref.Free()

	assert.Equal(t, patch.Results.CommitSHA, ref.Target().String())
}

func TestApplyFailsWhenPRCreationFails(t *testing.T) {
	t.Parallel()

	fx := newFixture(t)
	fx.write("a.js", "var a = 1\n")
	sha := fx.commit()

	findings := []analysis.Finding{{ID: "f-a", File: "a.js", Line: 1, Rule: "no-var"}}
	files := []store.PreviewFile{
		readyFile("a.js", "f-a", 1, "let a = 1", autofix.LineChecksum("var a = 1")),
	}

	env := newApplyEnv(t, fx.bare(), sha, findings, files)
	env.fake.CreateErr = errors.New("api down")
	ctx := context.Background()

	require.NoError(t, env.applier.Apply(ctx, env.patch.ID))

	patch, err := env.store.GetPatch(ctx, env.patch.ID)
	require.NoError(t, err)

	assert.Equal(t, store.PatchFailed, patch.Status)
	assert.Contains(t, patch.Error, "create fix pr")

	// The run's findings stay unfixed when nothing merged.
	run, err := env.store.GetRun(ctx, env.run.ID)
	require.NoError(t, err)

	for _, f := range run.Findings {
		assert.False(t, f.Fixed)
	}
}

func TestApplyAutoMergeMarksFindingsFixed(t *testing.T) {
	t.Parallel()

	fx := newFixture(t)
	fx.write("a.js", "var a = 1\n")
	sha := fx.commit()

	findings := []analysis.Finding{{ID: "f-a", File: "a.js", Line: 1, Rule: "no-var"}}
	files := []store.PreviewFile{
		readyFile("a.js", "f-a", 1, "let a = 1", autofix.LineChecksum("var a = 1")),
	}

	env := newApplyEnv(t, fx.bare(), sha, findings, files)
	ctx := context.Background()

	require.NoError(t, env.store.SaveInstallation(ctx, store.Installation{
		InstallationID: 7,
		Repos:          []string{"org/app"},
		Config: store.InstallationConfig{
			Mode:      store.ModeMerge,
			AutoMerge: store.AutoMergeConfig{Enabled: true},
		},
	}))

	require.NoError(t, env.applier.Apply(ctx, env.patch.ID))

	patch, err := env.store.GetPatch(ctx, env.patch.ID)
	require.NoError(t, err)

	assert.Equal(t, store.PatchCompleted, patch.Status)
	assert.True(t, patch.Results.AutoMerged)
	assert.Equal(t, autofix.Merged, patch.Results.AutoMergeReason)
	assert.Equal(t, []int{1}, env.fake.Merged)

	run, err := env.store.GetRun(ctx, env.run.ID)
	require.NoError(t, err)

	require.Len(t, run.Findings, 1)
	assert.True(t, run.Findings[0].Fixed)
	require.NotNil(t, run.Findings[0].FixedAt)
	assert.Equal(t, patch.ID, run.Findings[0].FixedByPatchRequestID)
}

func TestApplyDuplicateJobIsNoOp(t *testing.T) {
	t.Parallel()

	fx := newFixture(t)
	fx.write("a.js", "var a = 1\n")
	sha := fx.commit()

	findings := []analysis.Finding{{ID: "f-a", File: "a.js", Line: 1, Rule: "no-var"}}
	files := []store.PreviewFile{
		readyFile("a.js", "f-a", 1, "let a = 1", autofix.LineChecksum("var a = 1")),
	}

	env := newApplyEnv(t, fx.bare(), sha, findings, files)
	ctx := context.Background()

	require.NoError(t, env.applier.Apply(ctx, env.patch.ID))
	require.NoError(t, env.applier.Apply(ctx, env.patch.ID))

	patch, err := env.store.GetPatch(ctx, env.patch.ID)
	require.NoError(t, err)

	assert.Equal(t, store.PatchCompleted, patch.Status)
	assert.Len(t, env.fake.Created, 1, "second apply must not open another PR")
}
