package gitws

import (
	"fmt"
	"sort"

	git2go "github.com/libgit2/git2go/v34"
)

// ChangedFiles returns the repo-relative paths that differ between
// baseSHA..sha. When baseSHA is empty, the commit's first parent is used;
// an initial commit yields every file in its tree.
func (w *Workspace) ChangedFiles(baseSHA, sha string) ([]string, error) {
	headCommit, err := w.lookupCommit(sha)
	if err != nil {
		return nil, err
	}
	defer headCommit.Free()

	headTree, err := headCommit.Tree()
	if err != nil {
		return nil, fmt.Errorf("lookup head tree: %w", err)
	}
	defer headTree.Free()

	baseTree, err := w.baseTree(headCommit, baseSHA)
	if err != nil {
		return nil, err
	}

	if baseTree == nil {
		return treePaths(headTree)
	}
	defer baseTree.Free()

	return w.diffPaths(baseTree, headTree)
}

// baseTree resolves the comparison base: the given sha, or the head
// commit's first parent. Nil means the head commit has no parent.
func (w *Workspace) baseTree(headCommit *git2go.Commit, baseSHA string) (*git2go.Tree, error) {
	if baseSHA != "" {
		baseCommit, err := w.lookupCommit(baseSHA)
		if err == nil {
			defer baseCommit.Free()

			tree, treeErr := baseCommit.Tree()
			if treeErr != nil {
				return nil, fmt.Errorf("lookup base tree: %w", treeErr)
			}

			return tree, nil
		}
		// Base not fetched; fall through to the parent commit.
	}

	if headCommit.ParentCount() == 0 {
		return nil, nil
	}

	parent := headCommit.Parent(0)
	defer parent.Free()

	tree, err := parent.Tree()
	if err != nil {
		return nil, fmt.Errorf("lookup parent tree: %w", err)
	}

	return tree, nil
}

// diffPaths extracts the changed path set from a tree-to-tree diff.
func (w *Workspace) diffPaths(oldTree, newTree *git2go.Tree) ([]string, error) {
	diff, err := w.repo.DiffTreeToTree(oldTree, newTree, nil)
	if err != nil {
		return nil, fmt.Errorf("diff trees: %w", err)
	}
	defer diff.Free()

	numDeltas, err := diff.NumDeltas()
	if err != nil {
		return nil, fmt.Errorf("get num deltas: %w", err)
	}

	seen := make(map[string]struct{}, numDeltas)

	for i := range numDeltas {
		delta, deltaErr := diff.Delta(i)
		if deltaErr != nil {
			continue
		}

		switch delta.Status {
		case git2go.DeltaAdded, git2go.DeltaModified, git2go.DeltaRenamed, git2go.DeltaCopied:
			seen[delta.NewFile.Path] = struct{}{}
		case git2go.DeltaDeleted:
			seen[delta.OldFile.Path] = struct{}{}
		case git2go.DeltaUnmodified, git2go.DeltaIgnored, git2go.DeltaUntracked,
			git2go.DeltaTypeChange, git2go.DeltaUnreadable, git2go.DeltaConflicted:
			continue
		}
	}

	paths := make([]string, 0, len(seen))
	for path := range seen {
		paths = append(paths, path)
	}

	sort.Strings(paths)

	return paths, nil
}

// treePaths lists every blob path in a tree, used for initial commits.
func treePaths(tree *git2go.Tree) ([]string, error) {
	var paths []string

	err := tree.Walk(func(parent string, entry *git2go.TreeEntry) error {
		if entry.Type != git2go.ObjectBlob {
			return nil
		}

		path := entry.Name
		if parent != "" {
			path = parent + entry.Name
		}

		paths = append(paths, path)

		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk tree: %w", err)
	}

	sort.Strings(paths)

	return paths, nil
}

func (w *Workspace) lookupCommit(sha string) (*git2go.Commit, error) {
	oid, err := git2go.NewOid(sha)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrCommitNotFound, sha)
	}

	commit, err := w.repo.LookupCommit(oid)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrCommitNotFound, sha)
	}

	return commit, nil
}
