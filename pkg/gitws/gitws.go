// Package gitws materializes ephemeral git working copies for analysis and
// autofix jobs. A Workspace is always owned by the handler that checked it
// out and must be released on every exit path; use WithWorkspace for scoped
// acquisition.
package gitws

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"

	git2go "github.com/libgit2/git2go/v34"
)

// ErrCommitNotFound is returned when the requested sha does not exist in the
// fetched repository.
var ErrCommitNotFound = errors.New("gitws: commit not found")

// ErrPathEscapesWorkspace is returned when a repo-relative path resolves
// outside the workspace directory.
var ErrPathEscapesWorkspace = errors.New("gitws: path escapes workspace")

// tokenUser is the username GitHub expects for installation-token HTTPS auth.
const tokenUser = "x-access-token"

// Options configures workspace materialization.
type Options struct {
	// Token authenticates HTTPS remotes. Empty for public repositories.
	Token string

	// BaseDir is the parent directory for workspace checkouts.
	// Empty uses the system temp directory.
	BaseDir string
}

// Workspace is an ephemeral working copy checked out at a specific commit.
type Workspace struct {
	repo *git2go.Repository
	dir  string
	sha  string
	opts Options

	cleanupOnce sync.Once
}

// Checkout materializes repoURL at sha in a fresh temporary directory.
// It first attempts a minimal fetch of the single commit; servers that do
// not allow fetching unadvertised objects fall back to a full clone.
func Checkout(ctx context.Context, repoURL, sha string, opts Options) (*Workspace, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("checkout %s: %w", repoURL, err)
	}

	dir, err := os.MkdirTemp(opts.BaseDir, "peer-ws-*")
	if err != nil {
		return nil, fmt.Errorf("create workspace dir: %w", err)
	}

	repo, err := fetchCommit(dir, repoURL, sha, opts)
	if err != nil {
		// Minimal fetch refused or failed; retry with a full clone.
		if rmErr := os.RemoveAll(dir); rmErr != nil {
			return nil, errors.Join(err, rmErr)
		}

		dir, err = os.MkdirTemp(opts.BaseDir, "peer-ws-*")
		if err != nil {
			return nil, fmt.Errorf("create workspace dir: %w", err)
		}

		repo, err = fullClone(dir, repoURL, opts)
		if err != nil {
			_ = os.RemoveAll(dir)

			return nil, fmt.Errorf("clone %s: %w", repoURL, err)
		}
	}

	ws := &Workspace{repo: repo, dir: dir, sha: sha, opts: opts}

	err = ws.checkoutDetached(sha)
	if err != nil {
		ws.Cleanup()

		return nil, err
	}

	return ws, nil
}

// WithWorkspace runs fn with a checked-out workspace and releases it on
// every exit path, including panics.
func WithWorkspace(ctx context.Context, repoURL, sha string, opts Options, fn func(ws *Workspace) error) error {
	ws, err := Checkout(ctx, repoURL, sha, opts)
	if err != nil {
		return err
	}
	defer ws.Cleanup()

	return fn(ws)
}

// Path returns the workspace root directory.
func (w *Workspace) Path() string { return w.dir }

// SHA returns the checked-out commit.
func (w *Workspace) SHA() string { return w.sha }

// Cleanup frees the repository handle and removes the working directory.
// Safe to call more than once.
func (w *Workspace) Cleanup() {
	w.cleanupOnce.Do(func() {
		if w.repo != nil {
			w.repo.Free()
		}

		_ = os.RemoveAll(w.dir)
	})
}

// fetchCommit initializes an empty repository and fetches only the wanted
// commit from the remote.
func fetchCommit(dir, repoURL, sha string, opts Options) (*git2go.Repository, error) {
	repo, err := git2go.InitRepository(dir, false)
	if err != nil {
		return nil, fmt.Errorf("init repository: %w", err)
	}

	remote, err := repo.Remotes.Create("origin", repoURL)
	if err != nil {
		repo.Free()

		return nil, fmt.Errorf("create remote: %w", err)
	}
	defer remote.Free()

	fetchOpts := fetchOptions(opts)

	err = remote.Fetch([]string{sha}, &fetchOpts, "")
	if err != nil {
		repo.Free()

		return nil, fmt.Errorf("fetch %s: %w", sha, err)
	}

	return repo, nil
}

// fullClone clones the entire repository without checking out a worktree.
func fullClone(dir, repoURL string, opts Options) (*git2go.Repository, error) {
	cloneOpts := &git2go.CloneOptions{
		FetchOptions: fetchOptions(opts),
		CheckoutOptions: git2go.CheckoutOptions{
			Strategy: git2go.CheckoutNone,
		},
	}

	repo, err := git2go.Clone(repoURL, dir, cloneOpts)
	if err != nil {
		return nil, err
	}

	return repo, nil
}

// checkoutDetached populates the worktree from the commit's tree and points
// HEAD at it.
func (w *Workspace) checkoutDetached(sha string) error {
	oid, err := git2go.NewOid(sha)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrCommitNotFound, sha)
	}

	commit, err := w.repo.LookupCommit(oid)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrCommitNotFound, sha)
	}
	defer commit.Free()

	tree, err := commit.Tree()
	if err != nil {
		return fmt.Errorf("lookup tree for %s: %w", sha, err)
	}
	defer tree.Free()

	err = w.repo.CheckoutTree(tree, &git2go.CheckoutOptions{Strategy: git2go.CheckoutForce})
	if err != nil {
		return fmt.Errorf("checkout tree %s: %w", sha, err)
	}

	err = w.repo.SetHeadDetached(oid)
	if err != nil {
		return fmt.Errorf("set head %s: %w", sha, err)
	}

	return nil
}

// fetchOptions builds fetch options with credential callbacks when a token
// is configured.
func fetchOptions(opts Options) git2go.FetchOptions {
	return git2go.FetchOptions{
		RemoteCallbacks: remoteCallbacks(opts),
	}
}

func remoteCallbacks(opts Options) git2go.RemoteCallbacks {
	if opts.Token == "" {
		return git2go.RemoteCallbacks{}
	}

	token := opts.Token

	return git2go.RemoteCallbacks{
		CredentialsCallback: func(_ string, _ string, _ git2go.CredentialType) (*git2go.Credential, error) {
			return git2go.NewCredentialUserpassPlaintext(tokenUser, token)
		},
	}
}
