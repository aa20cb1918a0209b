package gitws

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	git2go "github.com/libgit2/git2go/v34"
)

// ReadFile reads a repo-relative file from the worktree.
func (w *Workspace) ReadFile(rel string) ([]byte, error) {
	abs, err := w.resolve(rel)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(abs)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", rel, err)
	}

	return data, nil
}

// WriteFile writes a repo-relative file in the worktree, creating parent
// directories as needed.
func (w *Workspace) WriteFile(rel string, data []byte) error {
	abs, err := w.resolve(rel)
	if err != nil {
		return err
	}

	err = os.MkdirAll(filepath.Dir(abs), 0o755)
	if err != nil {
		return fmt.Errorf("create dir for %s: %w", rel, err)
	}

	err = os.WriteFile(abs, data, 0o644)
	if err != nil {
		return fmt.Errorf("write %s: %w", rel, err)
	}

	return nil
}

// FileExists reports whether a repo-relative path exists in the worktree.
func (w *Workspace) FileExists(rel string) bool {
	abs, err := w.resolve(rel)
	if err != nil {
		return false
	}

	info, err := os.Stat(abs)

	return err == nil && !info.IsDir()
}

// CreateBranch creates a local branch at the checked-out commit and points
// HEAD at it so subsequent commits advance the branch.
func (w *Workspace) CreateBranch(name string) error {
	commit, err := w.lookupCommit(w.sha)
	if err != nil {
		return err
	}
	defer commit.Free()

	branch, err := w.repo.CreateBranch(name, commit, false)
	if err != nil {
		return fmt.Errorf("create branch %s: %w", name, err)
	}
	defer branch.Free()

	err = w.repo.SetHead("refs/heads/" + name)
	if err != nil {
		return fmt.Errorf("set head to %s: %w", name, err)
	}

	return nil
}

// CommitAll stages every worktree change and commits it. Returns the new
// commit sha.
func (w *Workspace) CommitAll(message, authorName, authorEmail string) (string, error) {
	index, err := w.repo.Index()
	if err != nil {
		return "", fmt.Errorf("open index: %w", err)
	}
	defer index.Free()

	err = index.AddAll([]string{"*"}, git2go.IndexAddDefault, nil)
	if err != nil {
		return "", fmt.Errorf("stage changes: %w", err)
	}

	err = index.Write()
	if err != nil {
		return "", fmt.Errorf("write index: %w", err)
	}

	treeID, err := index.WriteTree()
	if err != nil {
		return "", fmt.Errorf("write tree: %w", err)
	}

	tree, err := w.repo.LookupTree(treeID)
	if err != nil {
		return "", fmt.Errorf("lookup tree: %w", err)
	}
	defer tree.Free()

	sig := &git2go.Signature{
		Name:  authorName,
		Email: authorEmail,
		When:  time.Now(),
	}

	parent, err := w.headCommit()
	if err != nil {
		return "", err
	}
	defer parent.Free()

	oid, err := w.repo.CreateCommit("HEAD", sig, sig, message, tree, parent)
	if err != nil {
		return "", fmt.Errorf("create commit: %w", err)
	}

	return oid.String(), nil
}

// Push pushes a local branch to origin.
func (w *Workspace) Push(branch string) error {
	remote, err := w.repo.Remotes.Lookup("origin")
	if err != nil {
		return fmt.Errorf("lookup origin: %w", err)
	}
	defer remote.Free()

	refspec := fmt.Sprintf("refs/heads/%s:refs/heads/%s", branch, branch)

	err = remote.Push([]string{refspec}, &git2go.PushOptions{
		RemoteCallbacks: remoteCallbacks(w.opts),
	})
	if err != nil {
		return fmt.Errorf("push %s: %w", branch, err)
	}

	return nil
}

// headCommit returns the commit HEAD points at.
func (w *Workspace) headCommit() (*git2go.Commit, error) {
	head, err := w.repo.Head()
	if err != nil {
		return nil, fmt.Errorf("lookup head: %w", err)
	}
	defer head.Free()

	commit, err := w.repo.LookupCommit(head.Target())
	if err != nil {
		return nil, fmt.Errorf("lookup head commit: %w", err)
	}

	return commit, nil
}

// resolve joins a repo-relative path to the workspace root, rejecting
// escapes outside the workspace.
func (w *Workspace) resolve(rel string) (string, error) {
	abs := filepath.Clean(filepath.Join(w.dir, rel))

	if abs != w.dir && !strings.HasPrefix(abs, w.dir+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %s", ErrPathEscapesWorkspace, rel)
	}

	return abs, nil
}
