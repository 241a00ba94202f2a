package fixer

import (
	"context"
	"fmt"
	"path"
	"regexp"
	"strings"
	"time"
	"unicode"

	"go.uber.org/zap"

	"github.com/t77yq/opsgate/internal/model"
)

var (
	kebabPattern = regexp.MustCompile(`^[a-z0-9]+(-[a-z0-9]+)*$`)

	// README.md, CHANGELOG.md, CODE_OF_CONDUCT.md and friends
	conventionalDoc = regexp.MustCompile(`^[A-Z0-9_]+$`)

	namedExtensions = map[string]bool{".yaml": true, ".yml": true, ".md": true, ".json": true}

	protectedBranches = map[string]bool{"main": true, "master": true, "develop": true}
)

// NamingFixer enforces kebab-case names for config and doc files,
// directories and branches. File names are fixed by a rename pull request;
// directories and branches cannot be renamed safely from one event and are
// flagged instead.
type NamingFixer struct {
	opts   Options
	logger *zap.Logger
}

// NewNamingFixer creates the naming convention fixer
func NewNamingFixer(opts Options) *NamingFixer {
	opts = opts.withDefaults()
	return &NamingFixer{opts: opts, logger: opts.Logger.Named("naming-fixer")}
}

func (f *NamingFixer) Name() string { return "naming" }

func (f *NamingFixer) Events() []model.EventType {
	return []model.EventType{
		model.EventPush,
		model.EventPullRequestOpened,
		model.EventPullRequestReopened,
	}
}

// Fix implements Fixer.Fix
func (f *NamingFixer) Fix(ctx context.Context, event *model.WebhookEvent) (model.FixResult, error) {
	start := time.Now()
	result := model.FixResult{Fixer: f.Name(), Outcome: model.FixOutcomeNoop}

	if isOwnBranch(event.Ref) || isDeletion(event.SHA) || strings.HasPrefix(event.Ref, "refs/tags/") {
		result.Duration = time.Since(start)
		return result, nil
	}

	var flagged []string
	branch := branchName(event.Ref)
	if branch != "" && branch != event.DefaultBranch && !protectedBranches[branch] {
		if !isKebabPath(branch) {
			flagged = append(flagged, fmt.Sprintf("branch %q is not kebab-case (suggested %q)", branch, kebabPath(branch)))
		}
	}

	var renames []FileChange
	if event.Type == model.EventPush {
		for _, file := range event.ChangedFiles() {
			if skipNamingCheck(file) {
				continue
			}
			dir, base := path.Split(file)
			if d := strings.TrimSuffix(dir, "/"); d != "" && !isKebabPath(d) {
				flagged = append(flagged, fmt.Sprintf("directory %q of %s is not kebab-case", d, file))
			}
			if fixed, ok := kebabFileName(base); ok && fixed != base {
				renames = append(renames, FileChange{Path: file, RenameTo: dir + fixed})
			}
		}
	}

	if len(renames) > 0 {
		pr := PullRequest{
			Repository: event.Repository,
			Base:       branch,
			Branch:     fmt.Sprintf("%snaming-%s", BranchPrefix, shortSHA(event.SHA)),
			Title:      fmt.Sprintf("Rename %d file(s) to kebab-case", len(renames)),
			Body:       renameBody(renames),
			Changes:    renames,
		}
		for _, r := range renames {
			result.Details = append(result.Details, fmt.Sprintf("rename %s -> %s", r.Path, r.RenameTo))
		}
		if err := propose(ctx, f.opts, &result, pr); err != nil {
			return result, err
		}
	}

	if len(flagged) > 0 {
		result.Outcome = model.FixOutcomeFlagged
		result.Details = append(result.Details, flagged...)
	}

	f.logger.Debug("Naming check finished",
		zap.String("repository", event.Repository),
		zap.Int("renames", len(renames)),
		zap.Int("flagged", len(flagged)))

	result.Duration = time.Since(start)
	return result, nil
}

func renameBody(renames []FileChange) string {
	var b strings.Builder
	b.WriteString("Files pushed with names outside the kebab-case convention:\n\n")
	for _, r := range renames {
		fmt.Fprintf(&b, "- `%s` -> `%s`\n", r.Path, r.RenameTo)
	}
	return b.String()
}

// skipNamingCheck excludes hidden tool directories and vendored code
func skipNamingCheck(file string) bool {
	for _, part := range strings.Split(file, "/") {
		if strings.HasPrefix(part, ".") || strings.HasPrefix(part, "_") {
			return true
		}
		if part == "vendor" || part == "node_modules" {
			return true
		}
	}
	return false
}

// kebabFileName returns the kebab-case form of a checked file name. ok is
// false for files outside the convention's scope.
func kebabFileName(base string) (string, bool) {
	ext := path.Ext(base)
	if !namedExtensions[strings.ToLower(ext)] {
		return "", false
	}
	stem := strings.TrimSuffix(base, ext)
	if ext == ".md" && conventionalDoc.MatchString(stem) {
		return "", false
	}

	parts := strings.Split(stem, ".")
	for i, p := range parts {
		parts[i] = toKebab(p)
		if parts[i] == "" {
			return "", false
		}
	}
	return strings.Join(parts, ".") + strings.ToLower(ext), true
}

func isKebabPath(p string) bool {
	for _, part := range strings.Split(p, "/") {
		if !kebabPattern.MatchString(part) {
			return false
		}
	}
	return true
}

func kebabPath(p string) string {
	parts := strings.Split(p, "/")
	for i, part := range parts {
		parts[i] = toKebab(part)
	}
	return strings.Join(parts, "/")
}

// toKebab converts camelCase, PascalCase, snake_case and spaced names to
// kebab-case
func toKebab(s string) string {
	runes := []rune(s)
	var b strings.Builder
	lastHyphen := true
	for i, r := range runes {
		switch {
		case r == '_' || r == '-' || r == ' ' || r == '.':
			if !lastHyphen {
				b.WriteByte('-')
				lastHyphen = true
			}
		case unicode.IsUpper(r):
			// Break before an upper case letter that starts a new word:
			// fooBar -> foo-bar, HTTPServer -> http-server
			if !lastHyphen && i > 0 {
				prev := runes[i-1]
				nextLower := i+1 < len(runes) && unicode.IsLower(runes[i+1])
				if unicode.IsLower(prev) || unicode.IsDigit(prev) || (unicode.IsUpper(prev) && nextLower) {
					b.WriteByte('-')
				}
			}
			b.WriteRune(unicode.ToLower(r))
			lastHyphen = false
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			b.WriteRune(unicode.ToLower(r))
			lastHyphen = false
		}
	}
	return strings.TrimSuffix(b.String(), "-")
}

func isDeletion(sha string) bool {
	return sha != "" && strings.Trim(sha, "0") == ""
}
