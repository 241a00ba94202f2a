package webhook

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/t77yq/opsgate/internal/model"
)

var eventTypes = map[string]model.EventType{
	"pull_request.opened":      model.EventPullRequestOpened,
	"pull_request.synchronize": model.EventPullRequestSynchronize,
	"pull_request.reopened":    model.EventPullRequestReopened,
	"pull_request.closed":      model.EventPullRequestClosed,
	"check_suite.requested":    model.EventCheckSuiteRequested,
	"check_suite.completed":    model.EventCheckSuiteCompleted,
	"check_run.rerequested":    model.EventCheckRunRerequested,
	"installation.created":     model.EventInstallationCreated,
	"installation.deleted":     model.EventInstallationDeleted,
}

// Classify maps a GitHub event name and action to an EventType. Pairs the
// dispatcher does not handle map to EventUnknown.
func Classify(name, action string) model.EventType {
	if name == "push" {
		return model.EventPush
	}
	if t, ok := eventTypes[name+"."+action]; ok {
		return t
	}
	return model.EventUnknown
}

type gitRef struct {
	Ref string `json:"ref"`
	SHA string `json:"sha"`
}

type checkSuite struct {
	HeadSHA    string `json:"head_sha"`
	HeadBranch string `json:"head_branch"`
	Conclusion string `json:"conclusion"`
}

// payload is the union of the GitHub payload fields the fixers use
type payload struct {
	Action     string `json:"action"`
	Repository *struct {
		FullName      string `json:"full_name"`
		DefaultBranch string `json:"default_branch"`
	} `json:"repository"`
	Sender *struct {
		Login string `json:"login"`
	} `json:"sender"`

	// push
	Ref     string         `json:"ref"`
	Before  string         `json:"before"`
	After   string         `json:"after"`
	Commits []model.Commit `json:"commits"`

	PullRequest *struct {
		Number int    `json:"number"`
		Title  string `json:"title"`
		Body   string `json:"body"`
		Head   gitRef `json:"head"`
		Base   gitRef `json:"base"`
	} `json:"pull_request"`

	CheckSuite *checkSuite `json:"check_suite"`
	CheckRun   *struct {
		HeadSHA    string     `json:"head_sha"`
		Conclusion string     `json:"conclusion"`
		CheckSuite checkSuite `json:"check_suite"`
	} `json:"check_run"`
}

// Parse builds a WebhookEvent from verified delivery headers and body
func Parse(h http.Header, body []byte) (*model.WebhookEvent, error) {
	name := h.Get(HeaderEvent)
	if name == "" {
		return nil, errors.Wrap(ErrValidation, "missing event header")
	}

	var p payload
	if err := json.Unmarshal(body, &p); err != nil {
		return nil, errors.Wrap(errors.Mark(err, ErrValidation), "malformed JSON body")
	}

	event := &model.WebhookEvent{
		DeliveryID: h.Get(HeaderDelivery),
		Type:       Classify(name, p.Action),
		Name:       name,
		Action:     p.Action,
		Payload:    json.RawMessage(body),
		ReceivedAt: time.Now().UTC(),
	}
	if p.Repository != nil {
		event.Repository = p.Repository.FullName
		event.DefaultBranch = p.Repository.DefaultBranch
	}
	if p.Sender != nil {
		event.Sender = p.Sender.Login
	}

	switch {
	case name == "push":
		event.Ref = p.Ref
		event.SHA = p.After
		event.BaseSHA = p.Before
		event.Commits = p.Commits
	case p.PullRequest != nil:
		pr := p.PullRequest
		event.PRNumber = pr.Number
		event.PRTitle = pr.Title
		event.PRBody = pr.Body
		event.Ref = pr.Head.Ref
		event.SHA = pr.Head.SHA
		event.BaseRef = pr.Base.Ref
		event.BaseSHA = pr.Base.SHA
	case p.CheckSuite != nil:
		event.Ref = p.CheckSuite.HeadBranch
		event.SHA = p.CheckSuite.HeadSHA
		event.CheckConclusion = p.CheckSuite.Conclusion
	case p.CheckRun != nil:
		event.Ref = p.CheckRun.CheckSuite.HeadBranch
		event.SHA = p.CheckRun.HeadSHA
		event.CheckConclusion = p.CheckRun.Conclusion
	}

	return event, nil
}
