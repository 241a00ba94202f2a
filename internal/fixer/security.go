package fixer

import (
	"context"
	"fmt"
	"path"
	"regexp"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"github.com/t77yq/opsgate/internal/model"
)

// maxScannedFiles bounds how many changed files are fetched per event
const maxScannedFiles = 20

type secretRule struct {
	name    string
	pattern *regexp.Regexp
}

var secretRules = []secretRule{
	{"AWS access key", regexp.MustCompile(`AKIA[0-9A-Z]{16}`)},
	{"GitHub token", regexp.MustCompile(`gh[pousr]_[A-Za-z0-9]{36,}`)},
	{"Slack token", regexp.MustCompile(`xox[abprs]-[A-Za-z0-9-]{10,}`)},
	{"private key", regexp.MustCompile(`-----BEGIN [A-Z ]*PRIVATE KEY-----`)},
	{"hard-coded credential", regexp.MustCompile(`(?i)(password|passwd|secret|api[_-]?key|token)\s*[:=]\s*["'][^"'\s]{8,}["']`)},
}

var dangerousRules = []secretRule{
	{"eval call", regexp.MustCompile(`\beval\s*\(`)},
	{"os.system call", regexp.MustCompile(`\bos\.system\s*\(`)},
	{"shell=True subprocess", regexp.MustCompile(`shell\s*=\s*True`)},
	{"exec call", regexp.MustCompile(`(^|[^.\w])exec\s*\(`)},
}

var sensitiveFiles = map[string]bool{
	".env":             true,
	"id_rsa":           true,
	"id_dsa":           true,
	"id_ecdsa":         true,
	"id_ed25519":       true,
	"credentials.json": true,
	".npmrc":           true,
	".pypirc":          true,
	".netrc":           true,
}

var sensitiveExtensions = map[string]bool{".pem": true, ".key": true, ".p12": true, ".pfx": true}

var scannedExtensions = map[string]bool{
	".py": true, ".js": true, ".ts": true, ".go": true, ".rb": true, ".php": true, ".sh": true,
	".yaml": true, ".yml": true, ".json": true, ".toml": true, ".ini": true, ".cfg": true, ".conf": true,
	".env": true, ".tf": true, ".java": true, ".kt": true,
}

// SecurityFixer looks for committed secrets, sensitive files and dangerous
// calls. Findings are always flagged for human review and never fixed
// automatically.
type SecurityFixer struct {
	opts   Options
	logger *zap.Logger
}

// NewSecurityFixer creates the security fixer
func NewSecurityFixer(opts Options) *SecurityFixer {
	opts = opts.withDefaults()
	return &SecurityFixer{opts: opts, logger: opts.Logger.Named("security-fixer")}
}

func (f *SecurityFixer) Name() string { return "security" }

func (f *SecurityFixer) Events() []model.EventType {
	return []model.EventType{
		model.EventPush,
		model.EventPullRequestOpened,
		model.EventPullRequestSynchronize,
		model.EventPullRequestReopened,
	}
}

// Fix implements Fixer.Fix
func (f *SecurityFixer) Fix(ctx context.Context, event *model.WebhookEvent) (model.FixResult, error) {
	start := time.Now()
	result := model.FixResult{Fixer: f.Name(), Outcome: model.FixOutcomeNoop}

	var findings []string

	for _, c := range event.Commits {
		findings = append(findings, scanText("commit "+shortSHA(c.ID)+" message", c.Message, secretRules)...)
	}
	findings = append(findings, scanText("pull request title", event.PRTitle, secretRules)...)
	findings = append(findings, scanText("pull request body", event.PRBody, secretRules)...)

	files := event.ChangedFiles()
	for _, file := range files {
		if isSensitiveFile(file) {
			findings = append(findings, fmt.Sprintf("sensitive file committed: %s", file))
		}
	}

	contentFindings, err := f.scanContents(ctx, event, files)
	if err != nil {
		return result, err
	}
	findings = append(findings, contentFindings...)

	if len(findings) > 0 {
		result.Outcome = model.FixOutcomeFlagged
		result.Details = append(findings, "security findings require manual review")
		f.logger.Warn("Security findings flagged",
			zap.String("repository", event.Repository),
			zap.String("sha", event.SHA),
			zap.Int("findings", len(findings)),
			zap.Bool("security_event", true))
	}

	result.Duration = time.Since(start)
	return result, nil
}

// scanContents fetches changed text files at the pushed commit and scans
// their lines
func (f *SecurityFixer) scanContents(ctx context.Context, event *model.WebhookEvent, files []string) ([]string, error) {
	if f.opts.Reader == nil || event.SHA == "" || isDeletion(event.SHA) {
		return nil, nil
	}

	var findings []string
	scanned := 0
	for _, file := range files {
		if !scannedExtensions[strings.ToLower(path.Ext(file))] {
			continue
		}
		if scanned == maxScannedFiles {
			findings = append(findings, fmt.Sprintf("only the first %d changed files were scanned", maxScannedFiles))
			break
		}
		scanned++

		var content []byte
		err := retryTransient(ctx, f.opts.Retry, f.logger, "fetch "+file, func() error {
			var err error
			content, err = f.opts.Reader.FileContent(ctx, event.Repository, event.SHA, file)
			return err
		})
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}

		for i, line := range strings.Split(string(content), "\n") {
			where := fmt.Sprintf("%s:%d", file, i+1)
			findings = append(findings, scanText(where, line, secretRules)...)
			findings = append(findings, scanText(where, line, dangerousRules)...)
		}
	}
	return findings, nil
}

func scanText(where, text string, rules []secretRule) []string {
	if text == "" {
		return nil
	}
	var findings []string
	for _, rule := range rules {
		if m := rule.pattern.FindString(text); m != "" {
			findings = append(findings, fmt.Sprintf("%s in %s: %s", rule.name, where, redact(m)))
		}
	}
	return findings
}

// redact keeps a short prefix of a match so reviewers can find it without
// the secret being copied into logs and events
func redact(s string) string {
	s = strings.TrimSpace(s)
	if len(s) <= 8 {
		return s
	}
	return s[:6] + "…"
}

func isSensitiveFile(file string) bool {
	base := path.Base(file)
	if sensitiveFiles[base] || sensitiveExtensions[strings.ToLower(path.Ext(base))] {
		return true
	}
	// .env.production and similar, but not the documented templates
	if strings.HasPrefix(base, ".env.") {
		return !strings.HasSuffix(base, ".example") && !strings.HasSuffix(base, ".sample") && !strings.HasSuffix(base, ".template")
	}
	return false
}
