package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"github.com/t77yq/opsgate/internal/scheduler"
)

// ShellCommandPayload represents the payload for shell command jobs
type ShellCommandPayload struct {
	Command    string            `json:"command"`
	Args       []string          `json:"args"`
	Env        map[string]string `json:"env"`
	WorkingDir string            `json:"working_dir"`
}

// ShellCommandHandler runs a process on every job run
type ShellCommandHandler struct {
	logger *zap.Logger
}

// NewShellCommandHandler creates a new shell command handler
func NewShellCommandHandler(logger *zap.Logger) *ShellCommandHandler {
	return &ShellCommandHandler{
		logger: logger.Named("shell-command-handler"),
	}
}

// Build validates payload and returns the job handler
func (h *ShellCommandHandler) Build(payload json.RawMessage) (scheduler.Handler, error) {
	var p ShellCommandPayload
	if err := decodePayload(payload, &p); err != nil {
		return nil, err
	}
	if p.Command == "" {
		return nil, errors.New("command is required")
	}

	return scheduler.HandlerFunc(func(ctx context.Context) error {
		return h.Execute(ctx, p)
	}), nil
}

// Execute runs the command. The process is killed when ctx ends.
func (h *ShellCommandHandler) Execute(ctx context.Context, p ShellCommandPayload) error {
	cmd := exec.CommandContext(ctx, p.Command, p.Args...)

	if p.WorkingDir != "" {
		cmd.Dir = p.WorkingDir
	}

	if len(p.Env) > 0 {
		env := os.Environ()
		for k, v := range p.Env {
			env = append(env, fmt.Sprintf("%s=%s", k, v))
		}
		cmd.Env = env
	}

	h.logger.Info("Executing shell command",
		zap.String("command", p.Command),
		zap.Strings("args", p.Args))

	output, err := cmd.CombinedOutput()
	if err != nil {
		if ctx.Err() != nil {
			return errors.Wrap(ctx.Err(), "command interrupted")
		}
		return errors.Wrapf(err, "command failed: %s", strings.TrimSpace(string(output)))
	}
	return nil
}
