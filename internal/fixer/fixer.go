// Package fixer holds the remediation stages run for webhook events. Each
// stage looks at one event in isolation and either does nothing, proposes
// an automatic fix as a pull request, or flags the event for human review.
package fixer

import (
	"context"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"github.com/t77yq/opsgate/internal/model"
	"github.com/t77yq/opsgate/internal/scheduler"
)

var (
	// ErrTransient marks failures of the source host that are worth retrying
	ErrTransient = errors.New("transient infrastructure error")

	// ErrNotFound is returned when a file or ref does not exist on the host
	ErrNotFound = errors.New("not found on source host")
)

// Fixer is one remediation stage. Implementations must be safe to call
// concurrently and must not share mutable state with other fixers.
type Fixer interface {
	Name() string
	Events() []model.EventType
	Fix(ctx context.Context, event *model.WebhookEvent) (model.FixResult, error)
}

// FileChange is one edit carried by a proposed pull request. A non-empty
// RenameTo moves Path; otherwise Content replaces the file at Path.
type FileChange struct {
	Path     string
	RenameTo string
	Content  []byte
}

// PullRequest is an automatic fix proposed against a repository
type PullRequest struct {
	Repository string
	Base       string
	Branch     string
	Title      string
	Body       string
	Changes    []FileChange
}

// PullRequestCreator opens pull requests on the source host
type PullRequestCreator interface {
	CreatePullRequest(ctx context.Context, pr PullRequest) (string, error)
}

// ContentReader fetches file contents from the source host
type ContentReader interface {
	FileContent(ctx context.Context, repo, ref, path string) ([]byte, error)
}

// RetryConfig bounds retries of transient host failures
type RetryConfig struct {
	Attempts     int
	InitialDelay time.Duration
}

// DefaultRetryConfig returns sensible defaults
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		Attempts:     3,
		InitialDelay: 500 * time.Millisecond,
	}
}

// Options carries the capabilities shared by the built-in fixers
type Options struct {
	Creator PullRequestCreator
	Reader  ContentReader
	Retry   RetryConfig
	Logger  *zap.Logger
}

func (o Options) withDefaults() Options {
	if o.Retry.Attempts <= 0 {
		o.Retry = DefaultRetryConfig()
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	return o
}

// Defaults returns the naming, security and dependency fixers
func Defaults(opts Options) []Fixer {
	opts = opts.withDefaults()
	return []Fixer{
		NewNamingFixer(opts),
		NewSecurityFixer(opts),
		NewDependencyFixer(opts),
	}
}

// retryTransient calls fn until it succeeds, fails permanently, or the
// attempts are used up. Only errors marked ErrTransient are retried.
func retryTransient(ctx context.Context, cfg RetryConfig, logger *zap.Logger, op string, fn func() error) error {
	backoff := &scheduler.ExponentialBackoff{
		InitialDelay: cfg.InitialDelay,
		MaxDelay:     30 * time.Second,
		Multiplier:   2,
	}

	var err error
	for attempt := 0; attempt < cfg.Attempts; attempt++ {
		if err = fn(); err == nil || !errors.Is(err, ErrTransient) {
			return err
		}
		if attempt == cfg.Attempts-1 {
			break
		}

		delay := backoff.NextRetry(uint(attempt))
		logger.Warn("Transient failure, retrying",
			zap.String("operation", op),
			zap.Int("attempt", attempt+1),
			zap.Duration("delay", delay),
			zap.Error(err))

		select {
		case <-ctx.Done():
			return errors.Wrap(ctx.Err(), op)
		case <-time.After(delay):
		}
	}
	return errors.Wrapf(err, "%s failed after %d attempts", op, cfg.Attempts)
}

// propose opens pr with retries. A transient failure that outlasts the
// retries turns into a flagged result so the fix is reviewed by hand
// instead of being dropped.
func propose(ctx context.Context, opts Options, result *model.FixResult, pr PullRequest) error {
	if opts.Creator == nil {
		result.Outcome = model.FixOutcomeFlagged
		result.Details = append(result.Details, "no pull request creator configured; manual fix required")
		return nil
	}

	var url string
	err := retryTransient(ctx, opts.Retry, opts.Logger, "create pull request", func() error {
		var err error
		url, err = opts.Creator.CreatePullRequest(ctx, pr)
		return err
	})
	switch {
	case err == nil:
		result.Outcome = model.FixOutcomeFixed
		result.PullRequestURL = url
		return nil
	case errors.Is(err, ErrTransient):
		result.Outcome = model.FixOutcomeFlagged
		result.Details = append(result.Details, "automatic fix could not be proposed: "+err.Error())
		return nil
	default:
		return err
	}
}

// branchName strips the refs/heads/ prefix from a git ref
func branchName(ref string) string {
	return strings.TrimPrefix(ref, "refs/heads/")
}

// shortSHA returns the first seven characters of sha
func shortSHA(sha string) string {
	if len(sha) > 7 {
		return sha[:7]
	}
	return sha
}

// BranchPrefix namespaces every branch opened by the fixers. Events on
// these branches are ignored so fixes never trigger further fixes.
const BranchPrefix = "opsgate/"

func isOwnBranch(ref string) bool {
	return strings.HasPrefix(branchName(ref), BranchPrefix)
}
