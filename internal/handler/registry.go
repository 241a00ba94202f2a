package handler

import (
	"encoding/json"
	"sort"
	"sync"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"github.com/t77yq/opsgate/internal/scheduler"
)

// Handler kinds available to jobs created over the API
const (
	KindHTTPRequest   = "http_request"
	KindShellCommand  = "shell_command"
	KindLog           = "log"
	KindFileOperation = "file_operation"
)

// ErrUnknownHandler is returned when no factory is registered under a name
var ErrUnknownHandler = errors.New("unknown handler")

// Factory builds a job handler from its JSON payload
type Factory func(payload json.RawMessage) (scheduler.Handler, error)

// Options selects which handler kinds are offered
type Options struct {
	// AllowShell enables shell_command jobs. Off by default because it lets
	// any authenticated caller run processes on the host.
	AllowShell bool
	// FilesDir enables file_operation jobs confined to this directory
	FilesDir string
}

// Registry resolves handler names to factories
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry creates an empty handler registry
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// NewDefaultRegistry creates a registry with the built-in handler kinds
func NewDefaultRegistry(logger *zap.Logger, opts Options) *Registry {
	r := NewRegistry()

	httpHandler := NewHTTPRequestHandler(logger)
	r.Register(KindHTTPRequest, httpHandler.Build)

	logHandler := NewLogHandler(logger)
	r.Register(KindLog, logHandler.Build)

	if opts.AllowShell {
		shellHandler := NewShellCommandHandler(logger)
		r.Register(KindShellCommand, shellHandler.Build)
	}

	if opts.FilesDir != "" {
		fileHandler := NewFileOperationHandler(logger, opts.FilesDir)
		r.Register(KindFileOperation, fileHandler.Build)
	}
	return r
}

// Register adds or replaces the factory for name
func (r *Registry) Register(name string, factory Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = factory
}

// Build creates a handler of kind name from payload. Unknown names and bad
// payloads are job validation errors.
func (r *Registry) Build(name string, payload json.RawMessage) (scheduler.Handler, error) {
	r.mu.RLock()
	factory, ok := r.factories[name]
	r.mu.RUnlock()

	if !ok {
		return nil, errors.Mark(errors.Wrapf(ErrUnknownHandler, "handler %q", name), scheduler.ErrInvalidJob)
	}

	h, err := factory(payload)
	if err != nil {
		return nil, errors.Mark(errors.Wrapf(err, "invalid payload for handler %q", name), scheduler.ErrInvalidJob)
	}
	return h, nil
}

// Names lists the registered handler kinds in alphabetical order
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func decodePayload(payload json.RawMessage, v interface{}) error {
	if len(payload) == 0 {
		return errors.New("payload is required")
	}
	if err := json.Unmarshal(payload, v); err != nil {
		return errors.Wrap(err, "failed to unmarshal payload")
	}
	return nil
}
