package host

import (
	"context"
	"fmt"
	"sync"
)

// Fake is an in-memory Host for tests. Zero value is usable; all fields
// are guarded by an internal mutex.
type Fake struct {
	mu sync.Mutex

	// Branch is the reported default branch; "main" when empty.
	Branch string

	// Repo is the clone URL returned by CloneURL, letting tests point at
	// a local bare repository.
	Repo string

	// Mergeable controls GetPR's mergeability; nil models the host still
	// computing it.
	Mergeable *bool

	// Reviews and Checks feed the auto-merge gate.
	Reviews []Review
	Checks  []CheckRun

	// CreateErr, when set, fails CreatePR.
	CreateErr error

	// MergeErr, when set, fails MergePR.
	MergeErr error

	nextPR  int
	Created []PullRequest
	Merged  []int
}

// CreatePR implements Host.
func (f *Fake) CreatePR(_ context.Context, _, title, _, head, base string) (PullRequest, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.CreateErr != nil {
		return PullRequest{}, f.CreateErr
	}

	f.nextPR++

	pr := PullRequest{
		Number:    f.nextPR,
		Title:     title,
		HeadRef:   head,
		BaseRef:   base,
		URL:       fmt.Sprintf("https://example.test/pr/%d", f.nextPR),
		Mergeable: f.Mergeable,
	}
	f.Created = append(f.Created, pr)

	return pr, nil
}

// GetPR implements Host.
func (f *Fake) GetPR(_ context.Context, repo string, number int) (PullRequest, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	for _, pr := range f.Created {
		if pr.Number == number {
			pr.Mergeable = f.Mergeable

			return pr, nil
		}
	}

	return PullRequest{}, fmt.Errorf("%w: %s#%d", ErrPRNotFound, repo, number)
}

// ListFiles implements Host.
func (f *Fake) ListFiles(context.Context, string, int) ([]string, error) {
	return nil, nil
}

// ListReviews implements Host.
func (f *Fake) ListReviews(context.Context, string, int) ([]Review, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	return append([]Review(nil), f.Reviews...), nil
}

// ListCheckRuns implements Host.
func (f *Fake) ListCheckRuns(context.Context, string, string) ([]CheckRun, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	return append([]CheckRun(nil), f.Checks...), nil
}

// MergePR implements Host.
func (f *Fake) MergePR(_ context.Context, _ string, number int, _ string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.MergeErr != nil {
		return "", f.MergeErr
	}

	f.Merged = append(f.Merged, number)

	return fmt.Sprintf("merged-%d", number), nil
}

// DefaultBranch implements Host.
func (f *Fake) DefaultBranch(context.Context, string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.Branch == "" {
		return "main", nil
	}

	return f.Branch, nil
}

// CloneURL implements Host.
func (f *Fake) CloneURL(_ context.Context, repo string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.Repo != "" {
		return f.Repo, nil
	}

	return "https://example.test/" + repo + ".git", nil
}
