// Package pipeline binds webhook events to pipeline work: run creation,
// queue dispatch, and the analyze/autofix/apply workers.
package pipeline

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Event kinds after webhook dispatch.
const (
	EventInstallation = "installation"
	EventPullRequest  = "pull_request"
	EventReview       = "pull_request_review"
	EventUnknown      = "unknown"
)

// Pull request actions that trigger analysis.
const (
	ActionOpened      = "opened"
	ActionSynchronize = "synchronize"
)

// Installation actions.
const (
	ActionCreated = "created"
	ActionDeleted = "deleted"
	ActionAdded   = "added"
	ActionRemoved = "removed"
)

// ErrMissingFields is returned when a consumed webhook field is absent.
var ErrMissingFields = errors.New("pipeline: webhook payload missing required fields")

// Event is a parsed webhook delivery, reduced to the consumed fields.
type Event struct {
	Kind   string
	Action string

	// Installation fields.
	InstallationID int64
	Account        string
	Repos          []string

	// Pull request fields.
	Repo     string
	PRNumber int
	HeadRef  string
	HeadSHA  string
	BaseSHA  string

	// Review fields.
	ReviewState string
}

// webhookPayload mirrors the consumed subset of the host wire format.
type webhookPayload struct {
	Action string `json:"action"`

	Installation struct {
		ID      int64 `json:"id"`
		Account struct {
			Login string `json:"login"`
		} `json:"account"`
	} `json:"installation"`

	Repositories []struct {
		FullName string `json:"full_name"`
	} `json:"repositories"`

	RepositoriesAdded []struct {
		FullName string `json:"full_name"`
	} `json:"repositories_added"`

	RepositoriesRemoved []struct {
		FullName string `json:"full_name"`
	} `json:"repositories_removed"`

	Repository struct {
		FullName string `json:"full_name"`
	} `json:"repository"`

	PullRequest struct {
		Number int `json:"number"`
		Head   struct {
			Ref string `json:"ref"`
			SHA string `json:"sha"`
		} `json:"head"`
		Base struct {
			SHA string `json:"sha"`
		} `json:"base"`
	} `json:"pull_request"`

	Review struct {
		State string `json:"state"`
	} `json:"review"`
}

// ParseEvent reduces a webhook delivery to an Event. Unhandled event names
// map to EventUnknown without error; handled events with missing consumed
// fields return ErrMissingFields.
func ParseEvent(name string, body []byte) (Event, error) {
	var payload webhookPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrMissingFields, err)
	}

	switch name {
	case EventInstallation, "installation_repositories":
		return parseInstallation(payload)
	case EventPullRequest:
		return parsePullRequest(payload)
	case EventReview:
		return parseReview(payload)
	default:
		return Event{Kind: EventUnknown, Action: payload.Action}, nil
	}
}

func parseInstallation(payload webhookPayload) (Event, error) {
	if payload.Installation.ID == 0 {
		return Event{}, fmt.Errorf("%w: installation.id", ErrMissingFields)
	}

	event := Event{
		Kind:           EventInstallation,
		Action:         payload.Action,
		InstallationID: payload.Installation.ID,
		Account:        payload.Installation.Account.Login,
	}

	for _, r := range payload.Repositories {
		event.Repos = append(event.Repos, r.FullName)
	}

	for _, r := range payload.RepositoriesAdded {
		event.Repos = append(event.Repos, r.FullName)
	}

	if payload.Action == ActionRemoved {
		event.Repos = nil
		for _, r := range payload.RepositoriesRemoved {
			event.Repos = append(event.Repos, r.FullName)
		}
	}

	return event, nil
}

func parsePullRequest(payload webhookPayload) (Event, error) {
	if payload.Repository.FullName == "" || payload.PullRequest.Number == 0 || payload.PullRequest.Head.SHA == "" {
		return Event{}, fmt.Errorf("%w: repository, number, head.sha", ErrMissingFields)
	}

	return Event{
		Kind:           EventPullRequest,
		Action:         payload.Action,
		InstallationID: payload.Installation.ID,
		Repo:           payload.Repository.FullName,
		PRNumber:       payload.PullRequest.Number,
		HeadRef:        payload.PullRequest.Head.Ref,
		HeadSHA:        payload.PullRequest.Head.SHA,
		BaseSHA:        payload.PullRequest.Base.SHA,
	}, nil
}

func parseReview(payload webhookPayload) (Event, error) {
	if payload.Repository.FullName == "" || payload.PullRequest.Number == 0 {
		return Event{}, fmt.Errorf("%w: repository, number", ErrMissingFields)
	}

	return Event{
		Kind:        EventReview,
		Action:      payload.Action,
		Repo:        payload.Repository.FullName,
		PRNumber:    payload.PullRequest.Number,
		HeadRef:     payload.PullRequest.Head.Ref,
		HeadSHA:     payload.PullRequest.Head.SHA,
		ReviewState: payload.Review.State,
	}, nil
}
