// Package provider abstracts the language-model backends that turn a
// composed prompt into raw text. Backends share one capability surface
// and one error taxonomy so the loop never branches on backend type.
package provider

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"sync"

	"go.uber.org/zap"

	"patchpilot/internal/config"
	"patchpilot/internal/pty"
)

// Response is a successful backend answer.
type Response struct {
	// Text is the raw model output, patch extraction not yet applied.
	Text string
	// Model is the model that produced the text, empty for manual input.
	Model string
	// Backend names the backend type that answered.
	Backend string
}

// CycleContext tells a backend where the current cycle lives on disk.
// Only the manual backend uses it, to publish the prompt and watch for
// a human-supplied patch.
type CycleContext struct {
	// Index is the 1-based cycle number.
	Index int
	// Dir is the cycle's artifact bundle directory.
	Dir string
	// InboxDir is the shared drop directory for manual patches.
	InboxDir string
}

// Provider is the capability surface the loop programs against.
type Provider interface {
	// Name returns the backend type label.
	Name() string
	// Model returns the currently selected model, empty if the backend
	// has no model concept.
	Model() string
	// SetModel switches the model used by subsequent generations.
	// Backends without a model concept ignore it.
	SetModel(model string)
	// GeneratePatch sends the prompt and returns the raw response text.
	GeneratePatch(ctx context.Context, prompt string, cycle CycleContext) (*Response, error)
	// ListModels enumerates models the backend can serve, nil when the
	// backend has no such notion.
	ListModels(ctx context.Context) ([]string, error)
	// HealthCheck verifies the backend is reachable before the loop starts.
	HealthCheck(ctx context.Context) error
}

// Deps carries the shared collaborators backends need. Zero values are
// replaced with production defaults.
type Deps struct {
	Logger *zap.Logger
	// Client is used by the HTTP and hosted backends.
	Client *http.Client
	// PTY runs the command backend under a pseudo-terminal when
	// use_pty is set.
	PTY pty.Runner
	// LookupEnv resolves API keys. Defaults to os.LookupEnv.
	LookupEnv func(string) (string, bool)
}

func (d Deps) withDefaults() Deps {
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	if d.Client == nil {
		d.Client = &http.Client{}
	}
	if d.PTY == nil {
		d.PTY = pty.CreackPTY{}
	}
	if d.LookupEnv == nil {
		d.LookupEnv = os.LookupEnv
	}
	return d
}

// modelRef holds the mutable model selection shared by the backends.
// The control plane can switch models between cycles while status
// reporting reads it from another goroutine.
type modelRef struct {
	mu sync.RWMutex
	m  string
}

func (r *modelRef) get() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.m
}

func (r *modelRef) set(m string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.m = m
}

// New builds the backend selected by cfg.Type. The type set is closed:
// anything else is a configuration error.
func New(cfg config.ProviderConfig, deps Deps) (Provider, error) {
	deps = deps.withDefaults()
	switch cfg.Type {
	case config.ProviderCommand:
		return newCommandBackend(cfg, deps)
	case config.ProviderHTTP:
		return newHTTPBackend(cfg, deps)
	case config.ProviderHosted:
		return newHostedBackend(cfg, deps)
	case config.ProviderManual:
		return newManualBackend(cfg, deps)
	default:
		return nil, fmt.Errorf("%w: unknown provider type %q", config.ErrInvalid, cfg.Type)
	}
}
