package autofix

import (
	"context"
	"log/slog"
	"time"

	"github.com/Sumatoshi-tech/peer/internal/host"
	"github.com/Sumatoshi-tech/peer/internal/store"
)

// Auto-merge refusal and success reasons.
const (
	MergeDisabled              = "disabled"
	MergeMergeableUnknown      = "mergeable_unknown"
	MergeNotMergeable          = "not_mergeable"
	MergeChecksFailed          = "checks_failed"
	MergeChecksPending         = "checks_pending"
	MergeChangesRequested      = "changes_requested"
	MergeInsufficientApprovals = "insufficient_approvals"
	MergeFailed                = "merge_failed"
	Merged                     = "merged"
)

// mergeableRetries polls the host while it computes mergeability.
const (
	mergeableRetries = 5
	mergeableDelay   = 2 * time.Second
)

// GateOutcome is the auto-merge gate decision.
type GateOutcome struct {
	Merged    bool
	Reason    string
	MergedSHA string
}

// MergeGate evaluates the ordered auto-merge conditions and merges the fix
// PR when they all pass. The first failed condition aborts with its reason.
type MergeGate struct {
	hostAPI host.Host
	method  string
	logger  *slog.Logger

	// delay overrides the mergeability poll interval in tests.
	delay time.Duration
}

// GateOption customizes a MergeGate.
type GateOption func(*MergeGate)

// WithPollDelay overrides the mergeability poll interval.
func WithPollDelay(d time.Duration) GateOption {
	return func(g *MergeGate) { g.delay = d }
}

// NewMergeGate builds the gate. method is the merge method (merge, squash,
// rebase).
func NewMergeGate(hostAPI host.Host, method string, logger *slog.Logger, opts ...GateOption) *MergeGate {
	if logger == nil {
		logger = slog.Default()
	}

	g := &MergeGate{hostAPI: hostAPI, method: method, logger: logger, delay: mergeableDelay}

	for _, opt := range opts {
		opt(g)
	}

	return g
}

// Evaluate runs the gate for a fix PR.
func (g *MergeGate) Evaluate(ctx context.Context, repo string, prNumber int, cfg store.AutoMergeConfig) GateOutcome {
	if !cfg.Enabled {
		return GateOutcome{Reason: MergeDisabled}
	}

	pr, reason := g.awaitMergeable(ctx, repo, prNumber)
	if reason != "" {
		return GateOutcome{Reason: reason}
	}

	if cfg.RequireTests {
		if reason := g.checkRuns(ctx, repo, pr.HeadSHA); reason != "" {
			return GateOutcome{Reason: reason}
		}
	}

	if cfg.RequireReviews >= 1 {
		if reason := g.reviews(ctx, repo, prNumber, cfg.RequireReviews); reason != "" {
			return GateOutcome{Reason: reason}
		}
	}

	sha, err := g.hostAPI.MergePR(ctx, repo, prNumber, g.method)
	if err != nil {
		g.logger.WarnContext(ctx, "merge.failed",
			slog.String("repo", repo), slog.Int("pr", prNumber), slog.Any("error", err))

		return GateOutcome{Reason: MergeFailed}
	}

	return GateOutcome{Merged: true, Reason: Merged, MergedSHA: sha}
}

// awaitMergeable polls until the host reports mergeability. A persistent
// null is mergeable_unknown; an explicit false is not_mergeable.
func (g *MergeGate) awaitMergeable(ctx context.Context, repo string, prNumber int) (host.PullRequest, string) {
	var pr host.PullRequest

	for attempt := 0; attempt < mergeableRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return pr, MergeMergeableUnknown
			case <-time.After(g.delay):
			}
		}

		fetched, err := g.hostAPI.GetPR(ctx, repo, prNumber)
		if err != nil {
			return pr, MergeMergeableUnknown
		}

		pr = fetched

		if pr.Mergeable == nil {
			continue
		}

		if *pr.Mergeable {
			return pr, ""
		}

		return pr, MergeNotMergeable
	}

	return pr, MergeMergeableUnknown
}

// checkRuns requires every check run completed with a passing conclusion.
func (g *MergeGate) checkRuns(ctx context.Context, repo, sha string) string {
	checks, err := g.hostAPI.ListCheckRuns(ctx, repo, sha)
	if err != nil {
		return MergeChecksPending
	}

	for _, c := range checks {
		if c.Status != host.CheckCompleted {
			return MergeChecksPending
		}

		switch c.Conclusion {
		case host.ConclusionSuccess, host.ConclusionSkipped, host.ConclusionNeutral:
		default:
			return MergeChecksFailed
		}
	}

	return ""
}

// reviews requires no change requests and enough approvals, counting the
// latest review per reviewer.
func (g *MergeGate) reviews(ctx context.Context, repo string, prNumber, required int) string {
	reviews, err := g.hostAPI.ListReviews(ctx, repo, prNumber)
	if err != nil {
		return MergeInsufficientApprovals
	}

	latest := make(map[string]string, len(reviews))
	for _, r := range reviews {
		latest[r.User] = r.State
	}

	approvals := 0

	for _, state := range latest {
		switch state {
		case host.ReviewChangesRequested:
			return MergeChangesRequested
		case host.ReviewApproved:
			approvals++
		}
	}

	if approvals < required {
		return MergeInsufficientApprovals
	}

	return ""
}
