// Package host wraps the source-control host API consumed by the pipeline:
// pull request creation and inspection, review and check-run listings, and
// merging. The concrete implementation speaks the GitHub wire format; tests
// use the in-memory Fake.
package host

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Review states consumed by the auto-merge gate.
const (
	ReviewApproved         = "APPROVED"
	ReviewChangesRequested = "CHANGES_REQUESTED"
)

// Check run statuses and conclusions consumed by the auto-merge gate.
const (
	CheckCompleted = "completed"

	ConclusionSuccess = "success"
	ConclusionSkipped = "skipped"
	ConclusionNeutral = "neutral"
)

// ErrInvalidRepo is returned when a repo slug is not "owner/name".
var ErrInvalidRepo = errors.New("host: repo must be owner/name")

// ErrPRNotFound is returned when the referenced pull request does not exist.
var ErrPRNotFound = errors.New("host: pull request not found")

// PullRequest is the subset of PR state the pipeline consumes.
type PullRequest struct {
	Number    int
	Title     string
	HeadRef   string
	HeadSHA   string
	BaseRef   string
	URL       string
	Mergeable *bool
	Merged    bool
}

// Review is one submitted PR review.
type Review struct {
	User  string
	State string
}

// CheckRun is one CI check attached to a commit.
type CheckRun struct {
	Name       string
	Status     string
	Conclusion string
}

// Host is the outbound host API surface.
type Host interface {
	// CreatePR opens a pull request from head into base.
	CreatePR(ctx context.Context, repo, title, body, head, base string) (PullRequest, error)

	// GetPR fetches a pull request by number.
	GetPR(ctx context.Context, repo string, number int) (PullRequest, error)

	// ListFiles returns the changed file paths of a pull request.
	ListFiles(ctx context.Context, repo string, number int) ([]string, error)

	// ListReviews returns the submitted reviews of a pull request.
	ListReviews(ctx context.Context, repo string, number int) ([]Review, error)

	// ListCheckRuns returns the check runs for a commit.
	ListCheckRuns(ctx context.Context, repo, sha string) ([]CheckRun, error)

	// MergePR merges a pull request and returns the merge commit SHA.
	MergePR(ctx context.Context, repo string, number int, method string) (string, error)

	// DefaultBranch returns the repository's default branch name.
	DefaultBranch(ctx context.Context, repo string) (string, error)

	// CloneURL returns an HTTPS remote URL carrying credentials that
	// allow fetch and push.
	CloneURL(ctx context.Context, repo string) (string, error)
}

// splitRepo parses an "owner/name" slug.
func splitRepo(repo string) (string, string, error) {
	owner, name, ok := strings.Cut(repo, "/")
	if !ok || owner == "" || name == "" || strings.Contains(name, "/") {
		return "", "", fmt.Errorf("%w: %q", ErrInvalidRepo, repo)
	}

	return owner, name, nil
}
