package handler

import (
	"context"
	"encoding/json"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/t77yq/opsgate/internal/scheduler"
)

// LogPayload represents the payload for log jobs
type LogPayload struct {
	Message string            `json:"message"`
	Level   string            `json:"level"`
	Fields  map[string]string `json:"fields"`
}

// LogHandler writes a log entry on every run. It is mostly useful as a
// heartbeat that proves the scheduler is alive.
type LogHandler struct {
	logger *zap.Logger
}

// NewLogHandler creates a new log handler
func NewLogHandler(logger *zap.Logger) *LogHandler {
	return &LogHandler{logger: logger.Named("log-handler")}
}

// Build validates payload and returns the job handler
func (h *LogHandler) Build(payload json.RawMessage) (scheduler.Handler, error) {
	var p LogPayload
	if err := decodePayload(payload, &p); err != nil {
		return nil, err
	}
	if p.Message == "" {
		return nil, errors.New("message is required")
	}

	level := zapcore.InfoLevel
	if p.Level != "" {
		if err := level.UnmarshalText([]byte(p.Level)); err != nil {
			return nil, errors.Wrapf(err, "invalid level %q", p.Level)
		}
		if level > zapcore.ErrorLevel {
			return nil, errors.Newf("level %q would stop the process", p.Level)
		}
	}

	fields := make([]zap.Field, 0, len(p.Fields))
	for k, v := range p.Fields {
		fields = append(fields, zap.String(k, v))
	}

	return scheduler.HandlerFunc(func(ctx context.Context) error {
		if ce := h.logger.Check(level, p.Message); ce != nil {
			ce.Write(fields...)
		}
		return nil
	}), nil
}
