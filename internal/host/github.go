package host

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/bradleyfalzon/ghinstallation/v2"
	"github.com/google/go-github/v75/github"
	"github.com/hashicorp/go-retryablehttp"
	"golang.org/x/oauth2"
)

// githubRetries bounds host API retries; 4xx responses are never retried.
const githubRetries = 3

// GitHub implements Host against the GitHub REST API.
type GitHub struct {
	client *github.Client

	// installation is set for app-authenticated clients and mints
	// short-lived tokens for git push.
	installation *ghinstallation.Transport

	// token is set for PAT-authenticated clients.
	token string
}

// newRetryTransport builds the retrying transport shared by both auth modes.
func newRetryTransport() http.RoundTripper {
	rc := retryablehttp.NewClient()
	rc.RetryMax = githubRetries
	rc.RetryWaitMin = 500 * time.Millisecond
	rc.RetryWaitMax = 5 * time.Second
	rc.Logger = nil

	return &retryablehttp.RoundTripper{Client: rc}
}

// NewAppClient authenticates as a GitHub App installation from a private
// key file. Tokens are minted and refreshed per request.
func NewAppClient(appID, installationID int64, privateKeyPath string) (*GitHub, error) {
	transport, err := ghinstallation.NewKeyFromFile(newRetryTransport(), appID, installationID, privateKeyPath)
	if err != nil {
		return nil, fmt.Errorf("host: installation transport: %w", err)
	}

	return &GitHub{
		client:       github.NewClient(&http.Client{Transport: transport}),
		installation: transport,
	}, nil
}

// NewTokenClient authenticates with a personal access token. The oauth2
// transport injects the bearer header above the retrying transport, so
// retried requests stay authenticated.
func NewTokenClient(token string) *GitHub {
	transport := &oauth2.Transport{
		Source: oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token}),
		Base:   newRetryTransport(),
	}

	return &GitHub{
		client: github.NewClient(&http.Client{Transport: transport}),
		token:  token,
	}
}

// CreatePR implements Host.
func (g *GitHub) CreatePR(ctx context.Context, repo, title, body, head, base string) (PullRequest, error) {
	owner, name, err := splitRepo(repo)
	if err != nil {
		return PullRequest{}, err
	}

	pr, _, err := g.client.PullRequests.Create(ctx, owner, name, &github.NewPullRequest{
		Title: github.Ptr(title),
		Body:  github.Ptr(body),
		Head:  github.Ptr(head),
		Base:  github.Ptr(base),
	})
	if err != nil {
		return PullRequest{}, fmt.Errorf("host: create pr on %s: %w", repo, err)
	}

	return mapPR(pr), nil
}

// GetPR implements Host.
func (g *GitHub) GetPR(ctx context.Context, repo string, number int) (PullRequest, error) {
	owner, name, err := splitRepo(repo)
	if err != nil {
		return PullRequest{}, err
	}

	pr, resp, err := g.client.PullRequests.Get(ctx, owner, name, number)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusNotFound {
			return PullRequest{}, fmt.Errorf("%w: %s#%d", ErrPRNotFound, repo, number)
		}

		return PullRequest{}, fmt.Errorf("host: get pr %s#%d: %w", repo, number, err)
	}

	return mapPR(pr), nil
}

// ListFiles implements Host, following pagination.
func (g *GitHub) ListFiles(ctx context.Context, repo string, number int) ([]string, error) {
	owner, name, err := splitRepo(repo)
	if err != nil {
		return nil, err
	}

	opts := &github.ListOptions{PerPage: 100}

	var files []string

	for {
		page, resp, err := g.client.PullRequests.ListFiles(ctx, owner, name, number, opts)
		if err != nil {
			return nil, fmt.Errorf("host: list files %s#%d: %w", repo, number, err)
		}

		for _, f := range page {
			files = append(files, f.GetFilename())
		}

		if resp.NextPage == 0 {
			break
		}

		opts.Page = resp.NextPage
	}

	return files, nil
}

// ListReviews implements Host.
func (g *GitHub) ListReviews(ctx context.Context, repo string, number int) ([]Review, error) {
	owner, name, err := splitRepo(repo)
	if err != nil {
		return nil, err
	}

	reviews, _, err := g.client.PullRequests.ListReviews(ctx, owner, name, number, &github.ListOptions{PerPage: 100})
	if err != nil {
		return nil, fmt.Errorf("host: list reviews %s#%d: %w", repo, number, err)
	}

	out := make([]Review, 0, len(reviews))
	for _, r := range reviews {
		out = append(out, Review{User: r.GetUser().GetLogin(), State: r.GetState()})
	}

	return out, nil
}

// ListCheckRuns implements Host.
func (g *GitHub) ListCheckRuns(ctx context.Context, repo, sha string) ([]CheckRun, error) {
	owner, name, err := splitRepo(repo)
	if err != nil {
		return nil, err
	}

	result, _, err := g.client.Checks.ListCheckRunsForRef(ctx, owner, name, sha,
		&github.ListCheckRunsOptions{ListOptions: github.ListOptions{PerPage: 100}})
	if err != nil {
		return nil, fmt.Errorf("host: list check runs %s@%s: %w", repo, sha, err)
	}

	out := make([]CheckRun, 0, len(result.CheckRuns))
	for _, c := range result.CheckRuns {
		out = append(out, CheckRun{
			Name:       c.GetName(),
			Status:     c.GetStatus(),
			Conclusion: c.GetConclusion(),
		})
	}

	return out, nil
}

// MergePR implements Host.
func (g *GitHub) MergePR(ctx context.Context, repo string, number int, method string) (string, error) {
	owner, name, err := splitRepo(repo)
	if err != nil {
		return "", err
	}

	result, _, err := g.client.PullRequests.Merge(ctx, owner, name, number, "",
		&github.PullRequestOptions{MergeMethod: method})
	if err != nil {
		return "", fmt.Errorf("host: merge pr %s#%d: %w", repo, number, err)
	}

	return result.GetSHA(), nil
}

// DefaultBranch implements Host.
func (g *GitHub) DefaultBranch(ctx context.Context, repo string) (string, error) {
	owner, name, err := splitRepo(repo)
	if err != nil {
		return "", err
	}

	repository, _, err := g.client.Repositories.Get(ctx, owner, name)
	if err != nil {
		return "", fmt.Errorf("host: get repo %s: %w", repo, err)
	}

	return repository.GetDefaultBranch(), nil
}

// CloneURL implements Host, embedding an access token usable for fetch and
// push. App clients mint a fresh installation token.
func (g *GitHub) CloneURL(ctx context.Context, repo string) (string, error) {
	if _, _, err := splitRepo(repo); err != nil {
		return "", err
	}

	token := g.token

	if g.installation != nil {
		minted, err := g.installation.Token(ctx)
		if err != nil {
			return "", fmt.Errorf("host: mint installation token: %w", err)
		}

		token = minted
	}

	if token == "" {
		return "https://github.com/" + repo + ".git", nil
	}

	return "https://x-access-token:" + token + "@github.com/" + repo + ".git", nil
}

func mapPR(pr *github.PullRequest) PullRequest {
	return PullRequest{
		Number:    pr.GetNumber(),
		Title:     pr.GetTitle(),
		HeadRef:   pr.GetHead().GetRef(),
		HeadSHA:   pr.GetHead().GetSHA(),
		BaseRef:   pr.GetBase().GetRef(),
		URL:       pr.GetHTMLURL(),
		Mergeable: pr.Mergeable,
		Merged:    pr.GetMerged(),
	}
}
