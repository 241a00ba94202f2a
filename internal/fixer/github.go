package fixer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// DefaultGitHubAPIURL is the public GitHub REST endpoint
const DefaultGitHubAPIURL = "https://api.github.com"

// GitHubConfig contains configuration for the GitHub client
type GitHubConfig struct {
	BaseURL           string
	Token             string
	RequestsPerSecond float64
	Burst             int
	Timeout           time.Duration
}

// DefaultGitHubConfig returns limits that stay under the authenticated
// 5000 requests per hour budget
func DefaultGitHubConfig() GitHubConfig {
	return GitHubConfig{
		BaseURL:           DefaultGitHubAPIURL,
		RequestsPerSecond: 1.3,
		Burst:             10,
		Timeout:           15 * time.Second,
	}
}

// GitHubClient implements PullRequestCreator and ContentReader on the
// GitHub REST API. Pull requests are built with the Git Data API: one tree
// and one commit on top of the base branch, a new ref, then the PR.
type GitHubClient struct {
	cfg        GitHubConfig
	httpClient *http.Client
	limiter    *rate.Limiter
	logger     *zap.Logger
}

// NewGitHubClient creates a new GitHub client
func NewGitHubClient(cfg GitHubConfig, logger *zap.Logger) *GitHubClient {
	def := DefaultGitHubConfig()
	if cfg.BaseURL == "" {
		cfg.BaseURL = def.BaseURL
	}
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = def.RequestsPerSecond
	}
	if cfg.Burst <= 0 {
		cfg.Burst = def.Burst
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	cfg.BaseURL = strings.TrimSuffix(cfg.BaseURL, "/")

	return &GitHubClient{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		limiter:    rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), cfg.Burst),
		logger:     logger.Named("github-client"),
	}
}

// FileContent implements ContentReader.FileContent
func (c *GitHubClient) FileContent(ctx context.Context, repo, ref, filePath string) ([]byte, error) {
	endpoint := fmt.Sprintf("/repos/%s/contents/%s?ref=%s", repo, escapePath(filePath), url.QueryEscape(ref))

	var raw []byte
	err := c.do(ctx, http.MethodGet, endpoint, nil, func(resp *http.Response) error {
		var err error
		raw, err = io.ReadAll(resp.Body)
		return err
	}, "application/vnd.github.raw+json")
	return raw, err
}

// treeEntry is one entry of a Git Data API tree. Exactly one of SHA and
// Content is set; neither means the path is deleted.
type treeEntry struct {
	Path    string
	Mode    string
	Type    string
	SHA     *string
	Content *string
}

func deletedEntry(p string) treeEntry {
	return treeEntry{Path: p, Mode: "100644", Type: "blob"}
}

// MarshalJSON writes deletions as "sha": null, which the API requires
func (e treeEntry) MarshalJSON() ([]byte, error) {
	m := map[string]interface{}{"path": e.Path, "mode": e.Mode, "type": e.Type}
	switch {
	case e.Content != nil:
		m["content"] = *e.Content
	case e.SHA != nil:
		m["sha"] = *e.SHA
	default:
		m["sha"] = nil
	}
	return json.Marshal(m)
}

// CreatePullRequest implements PullRequestCreator.CreatePullRequest
func (c *GitHubClient) CreatePullRequest(ctx context.Context, pr PullRequest) (string, error) {
	if c.cfg.Token == "" {
		return "", errors.New("github token is required to create pull requests")
	}
	repo := pr.Repository

	var ref struct {
		Object struct {
			SHA string `json:"sha"`
		} `json:"object"`
	}
	if err := c.getJSON(ctx, fmt.Sprintf("/repos/%s/git/ref/heads/%s", repo, escapePath(pr.Base)), &ref); err != nil {
		return "", errors.Wrapf(err, "resolve base branch %s", pr.Base)
	}
	baseSHA := ref.Object.SHA

	var commit struct {
		Tree struct {
			SHA string `json:"sha"`
		} `json:"tree"`
	}
	if err := c.getJSON(ctx, fmt.Sprintf("/repos/%s/git/commits/%s", repo, baseSHA), &commit); err != nil {
		return "", errors.Wrap(err, "read base commit")
	}

	entries := make([]treeEntry, 0, len(pr.Changes)*2)
	for _, change := range pr.Changes {
		if change.RenameTo != "" {
			var file struct {
				SHA string `json:"sha"`
			}
			endpoint := fmt.Sprintf("/repos/%s/contents/%s?ref=%s", repo, escapePath(change.Path), url.QueryEscape(baseSHA))
			if err := c.getJSON(ctx, endpoint, &file); err != nil {
				return "", errors.Wrapf(err, "look up %s", change.Path)
			}
			sha := file.SHA
			entries = append(entries,
				treeEntry{Path: change.RenameTo, Mode: "100644", Type: "blob", SHA: &sha},
				deletedEntry(change.Path))
			continue
		}
		content := string(change.Content)
		entries = append(entries, treeEntry{Path: change.Path, Mode: "100644", Type: "blob", Content: &content})
	}

	var tree struct {
		SHA string `json:"sha"`
	}
	if err := c.postJSON(ctx, fmt.Sprintf("/repos/%s/git/trees", repo), map[string]interface{}{
		"base_tree": commit.Tree.SHA,
		"tree":      entries,
	}, &tree); err != nil {
		return "", errors.Wrap(err, "create tree")
	}

	var newCommit struct {
		SHA string `json:"sha"`
	}
	if err := c.postJSON(ctx, fmt.Sprintf("/repos/%s/git/commits", repo), map[string]interface{}{
		"message": pr.Title,
		"tree":    tree.SHA,
		"parents": []string{baseSHA},
	}, &newCommit); err != nil {
		return "", errors.Wrap(err, "create commit")
	}

	if err := c.postJSON(ctx, fmt.Sprintf("/repos/%s/git/refs", repo), map[string]string{
		"ref": "refs/heads/" + pr.Branch,
		"sha": newCommit.SHA,
	}, nil); err != nil {
		return "", errors.Wrapf(err, "create branch %s", pr.Branch)
	}

	var created struct {
		HTMLURL string `json:"html_url"`
	}
	if err := c.postJSON(ctx, fmt.Sprintf("/repos/%s/pulls", repo), map[string]string{
		"title": pr.Title,
		"head":  pr.Branch,
		"base":  pr.Base,
		"body":  pr.Body,
	}, &created); err != nil {
		return "", errors.Wrap(err, "open pull request")
	}

	c.logger.Info("Pull request opened",
		zap.String("repository", repo),
		zap.String("branch", pr.Branch),
		zap.String("url", created.HTMLURL))
	return created.HTMLURL, nil
}

func (c *GitHubClient) getJSON(ctx context.Context, endpoint string, out interface{}) error {
	return c.do(ctx, http.MethodGet, endpoint, nil, decodeInto(out), "application/vnd.github+json")
}

func (c *GitHubClient) postJSON(ctx context.Context, endpoint string, body, out interface{}) error {
	data, err := json.Marshal(body)
	if err != nil {
		return errors.Wrap(err, "failed to marshal request")
	}
	return c.do(ctx, http.MethodPost, endpoint, data, decodeInto(out), "application/vnd.github+json")
}

func decodeInto(out interface{}) func(*http.Response) error {
	return func(resp *http.Response) error {
		if out == nil {
			_, err := io.Copy(io.Discard, resp.Body)
			return err
		}
		return json.NewDecoder(resp.Body).Decode(out)
	}
}

// do sends one rate-limited request and maps failures onto ErrTransient and
// ErrNotFound
func (c *GitHubClient) do(ctx context.Context, method, endpoint string, body []byte, handle func(*http.Response) error, accept string) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return errors.Wrap(err, "rate limiter")
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+endpoint, reader)
	if err != nil {
		return errors.Wrap(err, "failed to create request")
	}
	req.Header.Set("Accept", accept)
	req.Header.Set("X-GitHub-Api-Version", "2022-11-28")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.Token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return errors.Wrap(err, "request cancelled")
		}
		return errors.Mark(errors.Wrapf(err, "%s %s", method, endpoint), ErrTransient)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return handle(resp)
	}

	msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
	err = errors.Newf("%s %s: status %d: %s", method, endpoint, resp.StatusCode, strings.TrimSpace(string(msg)))

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return errors.Mark(err, ErrNotFound)
	case resp.StatusCode == http.StatusTooManyRequests, resp.StatusCode >= 500:
		return errors.Mark(err, ErrTransient)
	case resp.StatusCode == http.StatusForbidden && resp.Header.Get("X-RateLimit-Remaining") == "0":
		return errors.Mark(err, ErrTransient)
	default:
		return err
	}
}

func escapePath(p string) string {
	parts := strings.Split(p, "/")
	for i, part := range parts {
		parts[i] = url.PathEscape(part)
	}
	return strings.Join(parts, "/")
}

// DryRunCreator logs proposed pull requests instead of opening them. It is
// used when no GitHub token is configured.
type DryRunCreator struct {
	logger *zap.Logger
}

// NewDryRunCreator creates a dry-run pull request creator
func NewDryRunCreator(logger *zap.Logger) *DryRunCreator {
	return &DryRunCreator{logger: logger.Named("dry-run-pr")}
}

// CreatePullRequest implements PullRequestCreator.CreatePullRequest
func (d *DryRunCreator) CreatePullRequest(ctx context.Context, pr PullRequest) (string, error) {
	d.logger.Info("Dry run: pull request not opened",
		zap.String("repository", pr.Repository),
		zap.String("base", pr.Base),
		zap.String("branch", pr.Branch),
		zap.String("title", pr.Title),
		zap.Int("changes", len(pr.Changes)))
	return fmt.Sprintf("dry-run://%s/%s", pr.Repository, pr.Branch), nil
}
