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

var manifestFiles = map[string]bool{
	"go.mod":           true,
	"package.json":     true,
	"Pipfile":          true,
	"pyproject.toml":   true,
	"Cargo.toml":       true,
	"Gemfile":          true,
	"composer.json":    true,
	"pom.xml":          true,
	"build.gradle":     true,
	"build.gradle.kts": true,
}

var (
	requirementsFile = regexp.MustCompile(`^requirements([-_.][\w.-]+)?\.txt$`)
	requirementLine  = regexp.MustCompile(`^([A-Za-z0-9][A-Za-z0-9._-]*(?:\[[^\]]*\])?)\s*(.*)$`)
	lowerBoundOnly   = regexp.MustCompile(`^>=\s*([^,\s]+)$`)
)

// Branch prefixes of automated dependency update tools
var dependencyBranchPrefixes = []string{BranchPrefix + "deps-", "dependabot/", "renovate/"}

// DependencyFixer keeps dependency manifests reproducible. Python
// requirements with a single lower bound are pinned to that bound through a
// pull request; requirements without any usable version are flagged, since
// guessing a version is worse than asking. Failed checks on dependency
// update branches are flagged too.
type DependencyFixer struct {
	opts   Options
	logger *zap.Logger
}

// NewDependencyFixer creates the dependency fixer
func NewDependencyFixer(opts Options) *DependencyFixer {
	opts = opts.withDefaults()
	return &DependencyFixer{opts: opts, logger: opts.Logger.Named("dependency-fixer")}
}

func (f *DependencyFixer) Name() string { return "dependency" }

func (f *DependencyFixer) Events() []model.EventType {
	return []model.EventType{model.EventPush, model.EventCheckSuiteCompleted}
}

// Fix implements Fixer.Fix
func (f *DependencyFixer) Fix(ctx context.Context, event *model.WebhookEvent) (model.FixResult, error) {
	start := time.Now()
	result := model.FixResult{Fixer: f.Name(), Outcome: model.FixOutcomeNoop}

	var err error
	switch event.Type {
	case model.EventCheckSuiteCompleted:
		f.checkSuite(event, &result)
	case model.EventPush:
		err = f.push(ctx, event, &result)
	}

	result.Duration = time.Since(start)
	return result, err
}

func (f *DependencyFixer) checkSuite(event *model.WebhookEvent, result *model.FixResult) {
	switch event.CheckConclusion {
	case "failure", "timed_out", "action_required":
	default:
		return
	}

	branch := branchName(event.Ref)
	for _, prefix := range dependencyBranchPrefixes {
		if strings.HasPrefix(branch, prefix) {
			result.Outcome = model.FixOutcomeFlagged
			result.Details = append(result.Details,
				fmt.Sprintf("dependency update branch %s finished checks with %q at %s", branch, event.CheckConclusion, shortSHA(event.SHA)))
			return
		}
	}
}

func (f *DependencyFixer) push(ctx context.Context, event *model.WebhookEvent, result *model.FixResult) error {
	if isOwnBranch(event.Ref) || isDeletion(event.SHA) {
		return nil
	}

	var changes []FileChange
	var flagged []string
	for _, file := range event.ChangedFiles() {
		base := path.Base(file)
		if manifestFiles[base] {
			result.Details = append(result.Details, "manifest changed: "+file)
			continue
		}
		if !requirementsFile.MatchString(base) {
			continue
		}
		result.Details = append(result.Details, "manifest changed: "+file)

		if f.opts.Reader == nil {
			continue
		}
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
			return err
		}

		pinned, unpinned, updated := pinRequirements(string(content))
		for _, name := range unpinned {
			flagged = append(flagged, fmt.Sprintf("%s: %s has no pinned version; pin it with == after choosing a release", file, name))
		}
		if len(pinned) > 0 {
			changes = append(changes, FileChange{Path: file, Content: []byte(updated)})
			for _, p := range pinned {
				result.Details = append(result.Details, fmt.Sprintf("%s: pin %s", file, p))
			}
		}
	}

	if len(changes) > 0 {
		pr := PullRequest{
			Repository: event.Repository,
			Base:       branchName(event.Ref),
			Branch:     fmt.Sprintf("%sdeps-%s", BranchPrefix, shortSHA(event.SHA)),
			Title:      "Pin Python requirements to their minimum versions",
			Body:       "Requirements declared with only a lower bound are pinned to that bound so installs are reproducible.",
			Changes:    changes,
		}
		if err := propose(ctx, f.opts, result, pr); err != nil {
			return err
		}
	}

	if len(flagged) > 0 {
		result.Outcome = model.FixOutcomeFlagged
		result.Details = append(result.Details, flagged...)
	}
	return nil
}

// pinRequirements rewrites "name>=X" lines of a requirements file as
// "name==X". It returns the pinned requirements, the names that carry no
// usable version, and the rewritten file.
func pinRequirements(content string) (pinned, unpinned []string, updated string) {
	lines := strings.Split(content, "\n")
	for i, line := range lines {
		body, comment := line, ""
		if idx := strings.Index(line, " #"); idx >= 0 {
			body, comment = line[:idx], line[idx:]
		}
		trimmed := strings.TrimSpace(body)
		if trimmed == "" || strings.HasPrefix(trimmed, "#") || strings.HasPrefix(trimmed, "-") || strings.Contains(trimmed, "://") {
			continue
		}

		req, marker := trimmed, ""
		if idx := strings.Index(trimmed, ";"); idx >= 0 {
			req, marker = strings.TrimSpace(trimmed[:idx]), trimmed[idx:]
		}

		m := requirementLine.FindStringSubmatch(req)
		if m == nil {
			continue
		}
		name, spec := m[1], strings.TrimSpace(m[2])

		switch {
		case strings.HasPrefix(spec, "==") && !strings.Contains(spec, ","):
			// already pinned
		case lowerBoundOnly.MatchString(spec):
			version := lowerBoundOnly.FindStringSubmatch(spec)[1]
			newLine := name + "==" + version
			if marker != "" {
				newLine += " " + marker
			}
			lines[i] = newLine + body[len(strings.TrimRight(body, " \t")):] + comment
			pinned = append(pinned, newLine)
		default:
			unpinned = append(unpinned, name)
		}
	}
	return pinned, unpinned, strings.Join(lines, "\n")
}
