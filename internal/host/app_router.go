package host

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// ErrNoInstallation is returned when no app installation covers a repo.
var ErrNoInstallation = errors.New("host: no installation for repo")

// InstallationLookup resolves the app installation id covering a repo slug.
type InstallationLookup func(ctx context.Context, repo string) (int64, error)

// AppRouter is a Host that authenticates as a GitHub App. Each call is
// routed to a per-installation client, created lazily and cached; the
// installation covering a repo comes from the lookup.
type AppRouter struct {
	appID   int64
	keyPath string
	lookup  InstallationLookup

	mu      sync.Mutex
	clients map[int64]*GitHub
}

// NewAppRouter builds an app-authenticated Host over the given lookup.
func NewAppRouter(appID int64, privateKeyPath string, lookup InstallationLookup) *AppRouter {
	return &AppRouter{
		appID:   appID,
		keyPath: privateKeyPath,
		lookup:  lookup,
		clients: make(map[int64]*GitHub),
	}
}

// forRepo returns the client for the installation covering repo.
func (r *AppRouter) forRepo(ctx context.Context, repo string) (*GitHub, error) {
	installationID, err := r.lookup(ctx, repo)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrNoInstallation, repo, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if client, ok := r.clients[installationID]; ok {
		return client, nil
	}

	client, err := NewAppClient(r.appID, installationID, r.keyPath)
	if err != nil {
		return nil, err
	}

	r.clients[installationID] = client

	return client, nil
}

// CreatePR implements Host.
func (r *AppRouter) CreatePR(ctx context.Context, repo, title, body, head, base string) (PullRequest, error) {
	client, err := r.forRepo(ctx, repo)
	if err != nil {
		return PullRequest{}, err
	}

	return client.CreatePR(ctx, repo, title, body, head, base)
}

// GetPR implements Host.
func (r *AppRouter) GetPR(ctx context.Context, repo string, number int) (PullRequest, error) {
	client, err := r.forRepo(ctx, repo)
	if err != nil {
		return PullRequest{}, err
	}

	return client.GetPR(ctx, repo, number)
}

// ListFiles implements Host.
func (r *AppRouter) ListFiles(ctx context.Context, repo string, number int) ([]string, error) {
	client, err := r.forRepo(ctx, repo)
	if err != nil {
		return nil, err
	}

	return client.ListFiles(ctx, repo, number)
}

// ListReviews implements Host.
func (r *AppRouter) ListReviews(ctx context.Context, repo string, number int) ([]Review, error) {
	client, err := r.forRepo(ctx, repo)
	if err != nil {
		return nil, err
	}

	return client.ListReviews(ctx, repo, number)
}

// ListCheckRuns implements Host.
func (r *AppRouter) ListCheckRuns(ctx context.Context, repo, sha string) ([]CheckRun, error) {
	client, err := r.forRepo(ctx, repo)
	if err != nil {
		return nil, err
	}

	return client.ListCheckRuns(ctx, repo, sha)
}

// MergePR implements Host.
func (r *AppRouter) MergePR(ctx context.Context, repo string, number int, method string) (string, error) {
	client, err := r.forRepo(ctx, repo)
	if err != nil {
		return "", err
	}

	return client.MergePR(ctx, repo, number, method)
}

// DefaultBranch implements Host.
func (r *AppRouter) DefaultBranch(ctx context.Context, repo string) (string, error) {
	client, err := r.forRepo(ctx, repo)
	if err != nil {
		return "", err
	}

	return client.DefaultBranch(ctx, repo)
}

// CloneURL implements Host.
func (r *AppRouter) CloneURL(ctx context.Context, repo string) (string, error) {
	client, err := r.forRepo(ctx, repo)
	if err != nil {
		return "", err
	}

	return client.CloneURL(ctx, repo)
}
