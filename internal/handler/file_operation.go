package handler

import (
	"context"
	"encoding/json"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"github.com/t77yq/opsgate/internal/scheduler"
)

// FileOperationType defines the type of file operation
type FileOperationType string

const (
	FileOperationDelete FileOperationType = "delete"
	FileOperationMove   FileOperationType = "move"
	FileOperationCopy   FileOperationType = "copy"
	// FileOperationPrune removes files under source_path older than max_age
	FileOperationPrune FileOperationType = "prune"
)

// FileOperationPayload represents the payload for file operation jobs. Paths
// are relative to the handler's base directory.
type FileOperationPayload struct {
	Operation  FileOperationType `json:"operation"`
	SourcePath string            `json:"source_path"`
	TargetPath string            `json:"target_path,omitempty"`
	Pattern    string            `json:"pattern,omitempty"`
	MaxAge     string            `json:"max_age,omitempty"`
}

type fileOperation struct {
	op      FileOperationType
	source  string
	target  string
	pattern string
	maxAge  time.Duration
}

// FileOperationHandler performs housekeeping on files inside one base
// directory
type FileOperationHandler struct {
	logger  *zap.Logger
	baseDir string
	timeNow func() time.Time
}

// NewFileOperationHandler creates a new file operation handler
func NewFileOperationHandler(logger *zap.Logger, baseDir string) *FileOperationHandler {
	return NewFileOperationHandlerWithClock(logger, baseDir, time.Now)
}

// NewFileOperationHandlerWithClock creates a file operation handler that reads
// the current time from timeNow
func NewFileOperationHandlerWithClock(logger *zap.Logger, baseDir string, timeNow func() time.Time) *FileOperationHandler {
	return &FileOperationHandler{
		logger:  logger.Named("file-operation-handler"),
		baseDir: filepath.Clean(baseDir),
		timeNow: timeNow,
	}
}

// Build validates payload and returns the job handler
func (h *FileOperationHandler) Build(payload json.RawMessage) (scheduler.Handler, error) {
	var p FileOperationPayload
	if err := decodePayload(payload, &p); err != nil {
		return nil, err
	}

	source, err := h.resolve(p.SourcePath)
	if err != nil {
		return nil, errors.Wrap(err, "source_path")
	}
	op := fileOperation{op: p.Operation, source: source, pattern: p.Pattern}

	switch p.Operation {
	case FileOperationDelete:
	case FileOperationMove, FileOperationCopy:
		if p.TargetPath == "" {
			return nil, errors.Newf("target_path is required for %s", p.Operation)
		}
		if op.target, err = h.resolve(p.TargetPath); err != nil {
			return nil, errors.Wrap(err, "target_path")
		}
	case FileOperationPrune:
		if p.MaxAge == "" {
			return nil, errors.New("max_age is required for prune")
		}
		if op.maxAge, err = time.ParseDuration(p.MaxAge); err != nil || op.maxAge <= 0 {
			return nil, errors.Newf("invalid max_age %q", p.MaxAge)
		}
		if p.Pattern != "" {
			if _, err := filepath.Match(p.Pattern, ""); err != nil {
				return nil, errors.Wrapf(err, "invalid pattern %q", p.Pattern)
			}
		}
	default:
		return nil, errors.Newf("unsupported operation %q", p.Operation)
	}

	if op.source == h.baseDir && p.Operation != FileOperationPrune {
		return nil, errors.New("source_path must name an entry inside the base directory")
	}

	return scheduler.HandlerFunc(func(ctx context.Context) error {
		return h.execute(ctx, op)
	}), nil
}

// resolve joins rel onto the base directory and rejects anything that
// escapes it
func (h *FileOperationHandler) resolve(rel string) (string, error) {
	if rel == "" {
		return "", errors.New("path is required")
	}
	if filepath.IsAbs(rel) {
		return "", errors.Newf("path %q must be relative", rel)
	}
	full := filepath.Clean(filepath.Join(h.baseDir, rel))
	inside, err := filepath.Rel(h.baseDir, full)
	if err != nil || inside == ".." || strings.HasPrefix(inside, ".."+string(filepath.Separator)) {
		return "", errors.Newf("path %q must be within the base directory", rel)
	}
	return full, nil
}

func (h *FileOperationHandler) execute(ctx context.Context, op fileOperation) error {
	h.logger.Info("Executing file operation",
		zap.String("operation", string(op.op)),
		zap.String("source", op.source),
		zap.String("target", op.target))

	switch op.op {
	case FileOperationDelete:
		return errors.Wrap(os.Remove(op.source), "failed to delete file")
	case FileOperationMove:
		if err := os.MkdirAll(filepath.Dir(op.target), 0o755); err != nil {
			return errors.Wrap(err, "failed to create target directory")
		}
		return errors.Wrap(os.Rename(op.source, op.target), "failed to move file")
	case FileOperationCopy:
		return copyFile(op.source, op.target)
	default:
		removed, err := h.prune(ctx, op)
		h.logger.Info("Pruned files", zap.String("dir", op.source), zap.Int("removed", removed))
		return err
	}
}

// prune removes regular files older than maxAge whose base name matches
// pattern. Directories are left in place.
func (h *FileOperationHandler) prune(ctx context.Context, op fileOperation) (int, error) {
	cutoff := h.timeNow().Add(-op.maxAge)
	removed := 0

	err := filepath.WalkDir(op.source, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !d.Type().IsRegular() {
			return nil
		}
		if op.pattern != "" {
			if ok, _ := filepath.Match(op.pattern, d.Name()); !ok {
				return nil
			}
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		if !info.ModTime().Before(cutoff) {
			return nil
		}
		if err := os.Remove(path); err != nil {
			return err
		}
		removed++
		return nil
	})
	return removed, errors.Wrap(err, "failed to prune files")
}

func copyFile(source, target string) error {
	sourceFile, err := os.Open(source)
	if err != nil {
		return errors.Wrap(err, "failed to open source file")
	}
	defer sourceFile.Close()

	sourceInfo, err := sourceFile.Stat()
	if err != nil {
		return errors.Wrap(err, "failed to get source file info")
	}

	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return errors.Wrap(err, "failed to create target directory")
	}

	targetFile, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, sourceInfo.Mode().Perm())
	if err != nil {
		return errors.Wrap(err, "failed to create target file")
	}
	if _, err := io.Copy(targetFile, sourceFile); err != nil {
		targetFile.Close()
		return errors.Wrap(err, "failed to copy file")
	}
	return errors.Wrap(targetFile.Close(), "failed to close target file")
}
