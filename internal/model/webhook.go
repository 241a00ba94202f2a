package model

import (
	"encoding/json"
	"time"
)

// EventType is the normalized "<event>[.<action>]" name of a webhook delivery
type EventType string

const (
	EventPush                   EventType = "push"
	EventPullRequestOpened      EventType = "pull_request.opened"
	EventPullRequestSynchronize EventType = "pull_request.synchronize"
	EventPullRequestReopened    EventType = "pull_request.reopened"
	EventPullRequestClosed      EventType = "pull_request.closed"
	EventCheckSuiteRequested    EventType = "check_suite.requested"
	EventCheckSuiteCompleted    EventType = "check_suite.completed"
	EventCheckRunRerequested    EventType = "check_run.rerequested"
	EventInstallationCreated    EventType = "installation.created"
	EventInstallationDeleted    EventType = "installation.deleted"
	EventUnknown                EventType = "unknown"
)

// Commit is the subset of a pushed commit the fixers look at
type Commit struct {
	ID       string   `json:"id"`
	Message  string   `json:"message"`
	Added    []string `json:"added,omitempty"`
	Modified []string `json:"modified,omitempty"`
	Removed  []string `json:"removed,omitempty"`
}

// WebhookEvent is a verified, classified delivery
type WebhookEvent struct {
	DeliveryID string    `json:"delivery_id"`
	Type       EventType `json:"type"`
	Name       string    `json:"name"`
	Action     string    `json:"action,omitempty"`

	Repository    string `json:"repository"`
	DefaultBranch string `json:"default_branch,omitempty"`
	Ref           string `json:"ref,omitempty"`
	SHA           string `json:"sha,omitempty"`
	BaseSHA       string `json:"base_sha,omitempty"`
	BaseRef       string `json:"base_ref,omitempty"`

	PRNumber int    `json:"pr_number,omitempty"`
	PRTitle  string `json:"pr_title,omitempty"`
	PRBody   string `json:"pr_body,omitempty"`

	CheckConclusion string   `json:"check_conclusion,omitempty"`
	Sender          string   `json:"sender,omitempty"`
	Commits         []Commit `json:"commits,omitempty"`

	Payload    json.RawMessage `json:"-"`
	ReceivedAt time.Time       `json:"received_at"`
}

// ChangedFiles returns added and modified paths across all commits, in
// first-seen order without duplicates
func (e *WebhookEvent) ChangedFiles() []string {
	seen := make(map[string]bool)
	var files []string
	for _, c := range e.Commits {
		for _, group := range [][]string{c.Added, c.Modified} {
			for _, f := range group {
				if !seen[f] {
					seen[f] = true
					files = append(files, f)
				}
			}
		}
	}
	return files
}

// FixOutcome is what a fixer stage decided
type FixOutcome string

const (
	FixOutcomeNoop    FixOutcome = "no-op"
	FixOutcomeFixed   FixOutcome = "fixed"
	FixOutcomeFlagged FixOutcome = "flagged"
	FixOutcomeError   FixOutcome = "error"
)

// FixResult is produced by exactly one fixer stage per dispatch
type FixResult struct {
	Fixer          string        `json:"fixer"`
	Outcome        FixOutcome    `json:"outcome"`
	Details        []string      `json:"details,omitempty"`
	PullRequestURL string        `json:"pull_request_url,omitempty"`
	Duration       time.Duration `json:"duration"`
}

// DispatchStatus summarises the fixer results of one delivery
type DispatchStatus string

const (
	DispatchStatusOK      DispatchStatus = "ok"
	DispatchStatusPartial DispatchStatus = "partial"
	DispatchStatusError   DispatchStatus = "error"
	DispatchStatusNoop    DispatchStatus = "no-op"
)

// DispatchResult aggregates the fan-out of one webhook event
type DispatchResult struct {
	ID          string         `json:"id"`
	DeliveryID  string         `json:"delivery_id,omitempty"`
	EventType   EventType      `json:"event_type"`
	Repository  string         `json:"repository,omitempty"`
	Status      DispatchStatus `json:"status"`
	Results     []FixResult    `json:"results"`
	CompletedAt time.Time      `json:"completed_at"`
}
