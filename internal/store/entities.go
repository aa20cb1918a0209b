// Package store persists the pipeline entities (PRRun, PatchRequest,
// Installation, User, Notification) in the shared K/V store. Entities are
// immutable values; state transitions are explicit methods returning a new
// value, so the state machines are unit-testable without storage.
package store

import (
	"errors"
	"fmt"
	"time"

	"github.com/Sumatoshi-tech/peer/internal/analysis"
)

// PRRun statuses.
const (
	RunQueued    = "queued"
	RunRunning   = "running"
	RunCompleted = "completed"
	RunFailed    = "failed"
)

// PatchRequest statuses.
const (
	PatchQueued         = "queued"
	PatchPreviewPartial = "preview_partial"
	PatchPreviewReady   = "preview_ready"
	PatchApplying       = "applying"
	PatchCompleted      = "completed"
	PatchFailed         = "failed"
)

// Installation modes.
const (
	ModeAnalyze = "analyze"
	ModeReview  = "review"
	ModeCommit  = "commit"
	ModeMerge   = "merge"
)

// Notification kinds consumed by the pipeline.
const (
	NotifyTokenLimitExceeded = "token_limit_exceeded"
	NotifyAutofixCompleted   = "autofix_completed"
)

// ErrIllegalTransition is returned when a status transition violates the
// entity state machine.
var ErrIllegalTransition = errors.New("store: illegal status transition")

// PRRun is one analysis attempt for (repo, prNumber, sha). The triple is
// globally unique. The analyze worker is the sole writer after creation;
// the autofix worker only flips Findings[].Fixed.
type PRRun struct {
	ID             string             `json:"id"`
	Repo           string             `json:"repo"`
	PRNumber       int                `json:"prNumber"`
	SHA            string             `json:"sha"`
	BaseSHA        string             `json:"baseSha"`
	HeadRef        string             `json:"headRef"`
	InstallationID int64              `json:"installationId"`
	Status         string             `json:"status"`
	Findings       []analysis.Finding `json:"findings"`
	Summary        analysis.Summary   `json:"summary"`
	Error          string             `json:"error,omitempty"`
	CreatedAt      time.Time          `json:"createdAt"`
	UpdatedAt      time.Time          `json:"updatedAt"`
}

// Start transitions queued → running.
func (r PRRun) Start() (PRRun, error) {
	if r.Status != RunQueued {
		return r, fmt.Errorf("%w: run %s → running", ErrIllegalTransition, r.Status)
	}

	r.Status = RunRunning
	r.UpdatedAt = time.Now().UTC()

	return r, nil
}

// Complete transitions running → completed with the orchestration result.
func (r PRRun) Complete(findings []analysis.Finding, summary analysis.Summary) (PRRun, error) {
	if r.Status != RunRunning {
		return r, fmt.Errorf("%w: run %s → completed", ErrIllegalTransition, r.Status)
	}

	r.Status = RunCompleted
	r.Findings = findings
	r.Summary = summary
	r.UpdatedAt = time.Now().UTC()

	return r, nil
}

// Fail transitions queued|running → failed with a reason.
func (r PRRun) Fail(reason string) (PRRun, error) {
	if r.Status != RunQueued && r.Status != RunRunning {
		return r, fmt.Errorf("%w: run %s → failed", ErrIllegalTransition, r.Status)
	}

	r.Status = RunFailed
	r.Error = reason
	r.UpdatedAt = time.Now().UTC()

	return r, nil
}

// MarkFindingsFixed flips Fixed on every finding in ids, recording the
// completing patch request.
func (r PRRun) MarkFindingsFixed(ids []string, patchRequestID string, at time.Time) PRRun {
	idSet := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		idSet[id] = struct{}{}
	}

	findings := make([]analysis.Finding, len(r.Findings))
	copy(findings, r.Findings)

	for i := range findings {
		if _, ok := idSet[findings[i].ID]; !ok {
			continue
		}

		findings[i].Fixed = true
		fixedAt := at
		findings[i].FixedAt = &fixedAt
		findings[i].FixedByPatchRequestID = patchRequestID
	}

	r.Findings = findings
	r.UpdatedAt = time.Now().UTC()

	return r
}

// PatchRequest is a request to fix a subset of a run's findings.
type PatchRequest struct {
	ID                 string    `json:"id"`
	RunID              string    `json:"runId"`
	Repo               string    `json:"repo"`
	PRNumber           int       `json:"prNumber"`
	SHA                string    `json:"sha"`
	UserID             string    `json:"userId,omitempty"`
	SelectedFindingIDs []string  `json:"selectedFindingIds"`
	Status             string    `json:"status"`
	Preview            Preview   `json:"preview"`
	Results            Results   `json:"results"`
	Error              string    `json:"error,omitempty"`
	CreatedAt          time.Time `json:"createdAt"`
	UpdatedAt          time.Time `json:"updatedAt"`
}

// Preview is the assembled fix preview.
type Preview struct {
	UnifiedDiff   string        `json:"unifiedDiff"`
	Files         []PreviewFile `json:"files"`
	FilesExpected int           `json:"filesExpected"`
}

// PreviewFile is one file's preview artifact. Files keep discovery order
// across progressive saves.
type PreviewFile struct {
	File          string   `json:"file"`
	Ready         bool     `json:"ready"`
	Hunks         []Hunk   `json:"hunks,omitempty"`
	OriginalText  string   `json:"originalText,omitempty"`
	ImprovedText  string   `json:"improvedText,omitempty"`
	UnifiedDiff   string   `json:"unifiedDiff,omitempty"`
	AIRewritten   bool     `json:"aiRewritten"`
	EOL           string   `json:"eol,omitempty"`
	FindingIDs    []string `json:"findingIds,omitempty"`
	ChangeSummary string   `json:"changeSummary,omitempty"`
	Skipped       bool     `json:"skipped,omitempty"`
	SkipReason    string   `json:"skipReason,omitempty"`
}

// Hunk is one attempted line fix inside a preview file.
type Hunk struct {
	FindingID        string `json:"findingId"`
	Line             int    `json:"line"`
	NewCode          string `json:"newCode,omitempty"`
	Reason           string `json:"reason,omitempty"`
	Warn             string `json:"warn,omitempty"`
	OriginalChecksum string `json:"originalChecksum,omitempty"`
	Failed           bool   `json:"failed,omitempty"`
	FailReason       string `json:"failReason,omitempty"`
}

// Results records the outcome of applying a patch request.
type Results struct {
	BranchName      string   `json:"branchName,omitempty"`
	CommitSHA       string   `json:"commitSha,omitempty"`
	Applied         []string `json:"applied,omitempty"`
	Skipped         []string `json:"skipped,omitempty"`
	Errors          []string `json:"errors,omitempty"`
	FixPRNumber     int      `json:"fixPrNumber,omitempty"`
	FixPRURL        string   `json:"fixPrUrl,omitempty"`
	AutoMerged      bool     `json:"autoMerged"`
	AutoMergeReason string   `json:"autoMergeReason,omitempty"`
}

// MarkPreviewPartial transitions queued → preview_partial. Already-partial
// or ready patches are left unchanged: the status is monotone.
func (p PatchRequest) MarkPreviewPartial() (PatchRequest, error) {
	switch p.Status {
	case PatchQueued:
		p.Status = PatchPreviewPartial
		p.UpdatedAt = time.Now().UTC()

		return p, nil
	case PatchPreviewPartial, PatchPreviewReady:
		// Monotone: never regress.
		return p, nil
	default:
		return p, fmt.Errorf("%w: patch %s → preview_partial", ErrIllegalTransition, p.Status)
	}
}

// MarkPreviewReady transitions queued|preview_partial → preview_ready.
func (p PatchRequest) MarkPreviewReady() (PatchRequest, error) {
	switch p.Status {
	case PatchQueued, PatchPreviewPartial:
		p.Status = PatchPreviewReady
		p.UpdatedAt = time.Now().UTC()

		return p, nil
	case PatchPreviewReady:
		return p, nil
	default:
		return p, fmt.Errorf("%w: patch %s → preview_ready", ErrIllegalTransition, p.Status)
	}
}

// StartApply transitions preview_ready → applying.
func (p PatchRequest) StartApply() (PatchRequest, error) {
	if p.Status != PatchPreviewReady {
		return p, fmt.Errorf("%w: patch %s → applying", ErrIllegalTransition, p.Status)
	}

	p.Status = PatchApplying
	p.UpdatedAt = time.Now().UTC()

	return p, nil
}

// Complete transitions applying → completed with the apply results.
func (p PatchRequest) Complete(results Results) (PatchRequest, error) {
	if p.Status != PatchApplying {
		return p, fmt.Errorf("%w: patch %s → completed", ErrIllegalTransition, p.Status)
	}

	p.Status = PatchCompleted
	p.Results = results
	p.UpdatedAt = time.Now().UTC()

	return p, nil
}

// Fail transitions any non-terminal status → failed with a reason.
func (p PatchRequest) Fail(reason string) (PatchRequest, error) {
	if p.Status == PatchCompleted || p.Status == PatchFailed {
		return p, fmt.Errorf("%w: patch %s → failed", ErrIllegalTransition, p.Status)
	}

	p.Status = PatchFailed
	p.Error = reason
	p.UpdatedAt = time.Now().UTC()

	return p, nil
}

// ReadyFileCount returns the number of preview files marked ready.
func (p PatchRequest) ReadyFileCount() int {
	count := 0

	for _, f := range p.Preview.Files {
		if f.Ready {
			count++
		}
	}

	return count
}

// Installation is a tenant's enrollment carrying pipeline configuration.
type Installation struct {
	InstallationID int64              `json:"installationId"`
	Account        string             `json:"account,omitempty"`
	Repos          []string           `json:"repos"`
	Config         InstallationConfig `json:"config"`
	CreatedAt      time.Time          `json:"createdAt"`
	UpdatedAt      time.Time          `json:"updatedAt"`
}

// InstallationConfig is the per-tenant pipeline policy.
type InstallationConfig struct {
	// Mode is analyze, review, commit, or merge.
	Mode string `json:"mode"`

	// Severities restricts retained findings; empty keeps all.
	Severities []string `json:"severities,omitempty"`

	// MaxFilesPerRun caps analyzed files, minimum 1.
	MaxFilesPerRun int `json:"maxFilesPerRun"`

	AutoMerge AutoMergeConfig `json:"autoMerge"`
}

// AutoMergeConfig gates the auto-merge step.
type AutoMergeConfig struct {
	Enabled        bool `json:"enabled"`
	RequireTests   bool `json:"requireTests"`
	RequireReviews int  `json:"requireReviews"`
}

// User carries the quota state and optional private provider keys.
// APIKeys are stored encrypted and decrypted on read.
type User struct {
	ID              string            `json:"id"`
	TokenLimit      int64             `json:"tokenLimit"`
	TokensUsed      int64             `json:"tokensUsed"`
	PurchasedTokens int64             `json:"purchasedTokens"`
	APIKeys         map[string]string `json:"apiKeys,omitempty"`
}

// Notification is a user-facing event record.
type Notification struct {
	ID        string            `json:"id"`
	UserID    string            `json:"userId"`
	Kind      string            `json:"kind"`
	Message   string            `json:"message"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	CreatedAt time.Time         `json:"createdAt"`
	Read      bool              `json:"read"`
}
