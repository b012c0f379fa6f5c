package provider

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"patchpilot/internal/config"
)

// promptFileName is where the manual backend publishes the prompt inside
// the cycle directory.
const promptFileName = "prompt.md"

// manualBackend hands the prompt to a human and waits for a patch file to
// appear. An fsnotify watcher wakes the wait early; a poll ticker guarantees
// progress when the watcher is unavailable (network filesystems, editors
// that bypass events).
type manualBackend struct {
	pollInterval time.Duration
	waitTimeout  time.Duration
	logger       *zap.Logger
}

func newManualBackend(cfg config.ProviderConfig, deps Deps) (*manualBackend, error) {
	return &manualBackend{
		pollInterval: cfg.PollInterval,
		waitTimeout:  cfg.WaitTimeout,
		logger:       deps.Logger,
	}, nil
}

func (b *manualBackend) Name() string    { return config.ProviderManual }
func (b *manualBackend) Model() string   { return "" }
func (b *manualBackend) SetModel(string) {}

// GeneratePatch publishes the prompt and blocks until a patch file shows up,
// the wait deadline passes (ErrAwaitingInput), or ctx is canceled. A consumed
// patch file is removed so the next cycle cannot re-read it.
func (b *manualBackend) GeneratePatch(ctx context.Context, prompt string, cycle CycleContext) (*Response, error) {
	if cycle.Dir != "" {
		path := filepath.Join(cycle.Dir, promptFileName)
		if err := os.WriteFile(path, []byte(prompt), 0o644); err != nil {
			return nil, fmt.Errorf("publish prompt: %w", err)
		}
	}
	if cycle.InboxDir != "" {
		if err := os.MkdirAll(cycle.InboxDir, 0o755); err != nil {
			return nil, fmt.Errorf("create inbox: %w", err)
		}
	}

	candidates := b.candidates(cycle)
	b.logger.Info("waiting for manual patch",
		zap.Strings("paths", candidates),
		zap.Duration("wait_timeout", b.waitTimeout))

	// Watcher is best effort: a nil channel blocks forever in the select
	// and the ticker carries the loop alone.
	var events chan fsnotify.Event
	var watchErrs chan error
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		b.logger.Warn("inbox watcher unavailable, polling only", zap.Error(err))
	} else {
		defer func() { _ = watcher.Close() }()
		if cycle.InboxDir != "" {
			_ = watcher.Add(cycle.InboxDir)
		}
		if cycle.Dir != "" {
			_ = watcher.Add(cycle.Dir)
		}
		events = watcher.Events
		watchErrs = watcher.Errors
	}

	deadline := time.NewTimer(b.waitTimeout)
	defer deadline.Stop()
	tick := time.NewTicker(b.pollInterval)
	defer tick.Stop()

	for {
		resp, found, err := b.consume(candidates)
		if err != nil {
			return nil, err
		}
		if found {
			return resp, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline.C:
			return nil, ErrAwaitingInput
		case <-tick.C:
		case <-events:
		case err, ok := <-watchErrs:
			if ok && err != nil {
				b.logger.Debug("inbox watcher error", zap.Error(err))
			}
		}
	}
}

// candidates lists the paths a human may drop the patch at, in priority
// order: the shared inbox keyed by cycle number, then the cycle directory.
func (b *manualBackend) candidates(cycle CycleContext) []string {
	var paths []string
	if cycle.InboxDir != "" {
		paths = append(paths,
			filepath.Join(cycle.InboxDir, fmt.Sprintf("cycle_%d.patch", cycle.Index)),
			filepath.Join(cycle.InboxDir, fmt.Sprintf("cycle_%03d.patch", cycle.Index)),
		)
	}
	if cycle.Dir != "" {
		paths = append(paths, filepath.Join(cycle.Dir, "inbox.patch"))
	}
	return paths
}

// consume returns the first readable candidate and deletes it. An empty
// file is left alone: a writer mid-copy shows up as zero bytes first.
func (b *manualBackend) consume(candidates []string) (*Response, bool, error) {
	for _, path := range candidates {
		info, err := os.Stat(path)
		if err != nil || info.IsDir() || info.Size() == 0 {
			continue
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, false, fmt.Errorf("read manual patch %s: %w", path, err)
		}
		if err := os.Remove(path); err != nil {
			return nil, false, fmt.Errorf("consume manual patch %s: %w", path, err)
		}
		b.logger.Info("manual patch received",
			zap.String("path", path),
			zap.Int("bytes", len(data)))
		return &Response{Text: string(data), Backend: b.Name()}, true, nil
	}
	return nil, false, nil
}

// ListModels is meaningless for a human backend.
func (b *manualBackend) ListModels(context.Context) ([]string, error) { return nil, nil }

// HealthCheck always passes: the inbox is created lazily per cycle.
func (b *manualBackend) HealthCheck(context.Context) error { return nil }
