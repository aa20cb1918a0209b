package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/Sumatoshi-tech/peer/pkg/kv"
)

// Key namespaces.
const (
	runPrefix      = "run:"
	runIndexPrefix = "run:index:"
	patchPrefix    = "patch:"
	patchRunPrefix = "patch:index:run:"
	installPrefix  = "install:"
	repoIdxPrefix  = "install:index:repo:"
	userPrefix     = "user:"
	notifyPrefix   = "notify:"
)

// ErrRunConflict is returned when a run already exists for the
// (repo, prNumber, sha) triple.
var ErrRunConflict = errors.New("store: run already exists for (repo, pr, sha)")

// ErrNotFound is returned when an entity does not exist.
var ErrNotFound = errors.New("store: not found")

// Store persists pipeline entities in a K/V backend. API keys on User are
// transparently encrypted when a Cipher is configured.
type Store struct {
	kv     kv.Store
	cipher *Cipher
}

// Option customizes a Store.
type Option func(*Store)

// WithCipher enables API-key encryption at rest.
func WithCipher(cipher *Cipher) Option {
	return func(s *Store) { s.cipher = cipher }
}

// New wraps a K/V backend in the entity store.
func New(backend kv.Store, opts ...Option) *Store {
	s := &Store{kv: backend}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// runIndexKey is the unique-run index key for a (repo, pr, sha) triple.
// The pipe separator cannot appear in any of the three parts.
func runIndexKey(repo string, prNumber int, sha string) string {
	return runIndexPrefix + repo + "|" + strconv.Itoa(prNumber) + "|" + sha
}

// CreateRun persists a new queued run, enforcing (repo, pr, sha) uniqueness
// via the index key. On conflict the existing run is returned alongside
// ErrRunConflict.
func (s *Store) CreateRun(ctx context.Context, run PRRun) (PRRun, error) {
	if run.ID == "" {
		run.ID = uuid.NewString()
	}

	if run.Status == "" {
		run.Status = RunQueued
	}

	now := time.Now().UTC()
	run.CreatedAt = now
	run.UpdatedAt = now

	stored, err := s.kv.SetNX(ctx, runIndexKey(run.Repo, run.PRNumber, run.SHA), []byte(run.ID))
	if err != nil {
		return PRRun{}, fmt.Errorf("store: index run: %w", err)
	}

	if !stored {
		existing, getErr := s.FindRun(ctx, run.Repo, run.PRNumber, run.SHA)
		if getErr != nil {
			return PRRun{}, fmt.Errorf("store: load conflicting run: %w", getErr)
		}

		return existing, ErrRunConflict
	}

	if err := s.putJSON(ctx, runPrefix+run.ID, run); err != nil {
		return PRRun{}, err
	}

	return run, nil
}

// GetRun loads a run by ID.
func (s *Store) GetRun(ctx context.Context, id string) (PRRun, error) {
	var run PRRun
	if err := s.getJSON(ctx, runPrefix+id, &run); err != nil {
		return PRRun{}, err
	}

	return run, nil
}

// FindRun loads the run for a (repo, pr, sha) triple via the unique index.
func (s *Store) FindRun(ctx context.Context, repo string, prNumber int, sha string) (PRRun, error) {
	id, err := s.kv.Get(ctx, runIndexKey(repo, prNumber, sha))
	if err != nil {
		if errors.Is(err, kv.ErrNotFound) {
			return PRRun{}, ErrNotFound
		}

		return PRRun{}, fmt.Errorf("store: find run: %w", err)
	}

	return s.GetRun(ctx, string(id))
}

// UpdateRun persists a modified run.
func (s *Store) UpdateRun(ctx context.Context, run PRRun) error {
	return s.putJSON(ctx, runPrefix+run.ID, run)
}

// ListRuns returns all runs for a repo and PR, newest first. prNumber 0
// returns every run of the repo; an empty repo returns all runs.
func (s *Store) ListRuns(ctx context.Context, repo string, prNumber int) ([]PRRun, error) {
	keys, err := s.kv.Keys(ctx, runPrefix)
	if err != nil {
		return nil, fmt.Errorf("store: list runs: %w", err)
	}

	var runs []PRRun

	for _, key := range keys {
		if len(key) > len(runIndexPrefix) && key[:len(runIndexPrefix)] == runIndexPrefix {
			continue
		}

		var run PRRun
		if err := s.getJSON(ctx, key, &run); err != nil {
			continue
		}

		if repo != "" && run.Repo != repo {
			continue
		}

		if prNumber != 0 && run.PRNumber != prNumber {
			continue
		}

		runs = append(runs, run)
	}

	sort.Slice(runs, func(i, j int) bool {
		return runs[i].CreatedAt.After(runs[j].CreatedAt)
	})

	return runs, nil
}

// CreatePatch persists a new queued patch request and indexes it by run.
func (s *Store) CreatePatch(ctx context.Context, patch PatchRequest) (PatchRequest, error) {
	if patch.ID == "" {
		patch.ID = uuid.NewString()
	}

	if patch.Status == "" {
		patch.Status = PatchQueued
	}

	now := time.Now().UTC()
	patch.CreatedAt = now
	patch.UpdatedAt = now

	if err := s.putJSON(ctx, patchPrefix+patch.ID, patch); err != nil {
		return PatchRequest{}, err
	}

	// Latest patch wins the per-run index; the review-approval flow only
	// needs the most recent one.
	if err := s.kv.Set(ctx, patchRunPrefix+patch.RunID, []byte(patch.ID)); err != nil {
		return PatchRequest{}, fmt.Errorf("store: index patch: %w", err)
	}

	return patch, nil
}

// GetPatch loads a patch request by ID.
func (s *Store) GetPatch(ctx context.Context, id string) (PatchRequest, error) {
	var patch PatchRequest
	if err := s.getJSON(ctx, patchPrefix+id, &patch); err != nil {
		return PatchRequest{}, err
	}

	return patch, nil
}

// FindPatchByRun loads the most recent patch request for a run.
func (s *Store) FindPatchByRun(ctx context.Context, runID string) (PatchRequest, error) {
	id, err := s.kv.Get(ctx, patchRunPrefix+runID)
	if err != nil {
		if errors.Is(err, kv.ErrNotFound) {
			return PatchRequest{}, ErrNotFound
		}

		return PatchRequest{}, fmt.Errorf("store: find patch: %w", err)
	}

	return s.GetPatch(ctx, string(id))
}

// UpdatePatch persists a modified patch request.
func (s *Store) UpdatePatch(ctx context.Context, patch PatchRequest) error {
	return s.putJSON(ctx, patchPrefix+patch.ID, patch)
}

// SaveInstallation persists an installation and its repo index entries.
func (s *Store) SaveInstallation(ctx context.Context, inst Installation) error {
	now := time.Now().UTC()
	if inst.CreatedAt.IsZero() {
		inst.CreatedAt = now
	}

	inst.UpdatedAt = now

	key := installPrefix + strconv.FormatInt(inst.InstallationID, 10)
	if err := s.putJSON(ctx, key, inst); err != nil {
		return err
	}

	for _, repo := range inst.Repos {
		idBytes := []byte(strconv.FormatInt(inst.InstallationID, 10))
		if err := s.kv.Set(ctx, repoIdxPrefix+repo, idBytes); err != nil {
			return fmt.Errorf("store: index installation repo: %w", err)
		}
	}

	return nil
}

// GetInstallation loads an installation by its ID.
func (s *Store) GetInstallation(ctx context.Context, installationID int64) (Installation, error) {
	var inst Installation
	if err := s.getJSON(ctx, installPrefix+strconv.FormatInt(installationID, 10), &inst); err != nil {
		return Installation{}, err
	}

	return inst, nil
}

// FindInstallationByRepo resolves the installation covering a repo.
func (s *Store) FindInstallationByRepo(ctx context.Context, repo string) (Installation, error) {
	id, err := s.kv.Get(ctx, repoIdxPrefix+repo)
	if err != nil {
		if errors.Is(err, kv.ErrNotFound) {
			return Installation{}, ErrNotFound
		}

		return Installation{}, fmt.Errorf("store: find installation: %w", err)
	}

	installationID, err := strconv.ParseInt(string(id), 10, 64)
	if err != nil {
		return Installation{}, fmt.Errorf("store: corrupt installation index: %w", err)
	}

	return s.GetInstallation(ctx, installationID)
}

// UnindexRepos drops repo index entries for repos leaving an installation.
func (s *Store) UnindexRepos(ctx context.Context, repos []string) error {
	for _, repo := range repos {
		if err := s.kv.Delete(ctx, repoIdxPrefix+repo); err != nil {
			return fmt.Errorf("store: unindex repo %s: %w", repo, err)
		}
	}

	return nil
}

// DeleteInstallation removes an installation and its repo index entries.
func (s *Store) DeleteInstallation(ctx context.Context, installationID int64) error {
	inst, err := s.GetInstallation(ctx, installationID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}

	for _, repo := range inst.Repos {
		if err := s.kv.Delete(ctx, repoIdxPrefix+repo); err != nil {
			return fmt.Errorf("store: drop installation index: %w", err)
		}
	}

	if err := s.kv.Delete(ctx, installPrefix+strconv.FormatInt(installationID, 10)); err != nil {
		return fmt.Errorf("store: delete installation: %w", err)
	}

	return nil
}

// SaveUser persists a user. API keys are encrypted when a cipher is set.
func (s *Store) SaveUser(ctx context.Context, user User) error {
	if s.cipher != nil && len(user.APIKeys) > 0 {
		sealed := make(map[string]string, len(user.APIKeys))

		for provider, key := range user.APIKeys {
			enc, err := s.cipher.Encrypt(key)
			if err != nil {
				return fmt.Errorf("store: encrypt api key: %w", err)
			}

			sealed[provider] = enc
		}

		user.APIKeys = sealed
	}

	return s.putJSON(ctx, userPrefix+user.ID, user)
}

// GetUser loads a user, decrypting stored API keys.
func (s *Store) GetUser(ctx context.Context, id string) (User, error) {
	var user User
	if err := s.getJSON(ctx, userPrefix+id, &user); err != nil {
		return User{}, err
	}

	if s.cipher != nil && len(user.APIKeys) > 0 {
		opened := make(map[string]string, len(user.APIKeys))

		for provider, blob := range user.APIKeys {
			plain, err := s.cipher.Decrypt(blob)
			if err != nil {
				return User{}, fmt.Errorf("store: decrypt api key for %s: %w", provider, err)
			}

			opened[provider] = plain
		}

		user.APIKeys = opened
	}

	return user, nil
}

// AddTokenUsage increments a user's consumed token count.
func (s *Store) AddTokenUsage(ctx context.Context, userID string, tokens int64) error {
	user, err := s.GetUser(ctx, userID)
	if err != nil {
		return err
	}

	user.TokensUsed += tokens

	return s.SaveUser(ctx, user)
}

// CreateNotification persists a user notification.
func (s *Store) CreateNotification(ctx context.Context, n Notification) (Notification, error) {
	if n.ID == "" {
		n.ID = uuid.NewString()
	}

	n.CreatedAt = time.Now().UTC()

	if err := s.putJSON(ctx, notifyPrefix+n.UserID+":"+n.ID, n); err != nil {
		return Notification{}, err
	}

	return n, nil
}

// ListNotifications returns a user's notifications, newest first.
func (s *Store) ListNotifications(ctx context.Context, userID string) ([]Notification, error) {
	keys, err := s.kv.Keys(ctx, notifyPrefix+userID+":")
	if err != nil {
		return nil, fmt.Errorf("store: list notifications: %w", err)
	}

	var notes []Notification

	for _, key := range keys {
		var n Notification
		if err := s.getJSON(ctx, key, &n); err != nil {
			continue
		}

		notes = append(notes, n)
	}

	sort.Slice(notes, func(i, j int) bool {
		return notes[i].CreatedAt.After(notes[j].CreatedAt)
	})

	return notes, nil
}

// Ping verifies the backing store is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.kv.Ping(ctx)
}

func (s *Store) putJSON(ctx context.Context, key string, value any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("store: marshal %s: %w", key, err)
	}

	if err := s.kv.Set(ctx, key, data); err != nil {
		return fmt.Errorf("store: put %s: %w", key, err)
	}

	return nil
}

func (s *Store) getJSON(ctx context.Context, key string, out any) error {
	data, err := s.kv.Get(ctx, key)
	if err != nil {
		if errors.Is(err, kv.ErrNotFound) {
			return ErrNotFound
		}

		return fmt.Errorf("store: get %s: %w", key, err)
	}

	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("store: unmarshal %s: %w", key, err)
	}

	return nil
}
