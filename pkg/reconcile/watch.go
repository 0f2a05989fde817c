package reconcile

import (
	"context"
	"fmt"
	"time"

	"github.com/openfroyo/reconcile/pkg/config"
	"github.com/openfroyo/reconcile/pkg/engine"
)

// WatchOptions configures Watch.
type WatchOptions struct {
	// Debounce defaults to config.DefaultDebounce.
	Debounce time.Duration

	// Apply runs the reconfigure plan after each change instead of only
	// computing it.
	Apply bool

	// DryRun simulates applied plans.
	DryRun bool
}

// WatchEvent is reported once at start and after every batch of changes.
type WatchEvent struct {
	// Files that changed. Empty for the initial evaluation.
	Files []string

	Planned *Planned
	Result  *Result
	Err     error
}

// Watch re-plans a reconfigure whenever collection or variable files change,
// until ctx is cancelled. onEvent is called from the watching goroutine.
func (s *Service) Watch(ctx context.Context, opts WatchOptions, onEvent func(WatchEvent)) error {
	paths := append([]string(nil), s.settings.Collections.Paths...)
	if s.settings.Variables.Path != "" {
		paths = append(paths, s.settings.Variables.Path)
	}

	w, err := config.NewWatcher(paths, opts.Debounce, *s.tel.Logger.Zerolog())
	if err != nil {
		return fmt.Errorf("failed to watch configuration: %w", err)
	}

	onEvent(s.evaluate(ctx, nil, opts))

	return w.Run(ctx, func(ctx context.Context, files []string) {
		_ = s.tel.Events.PublishConfigChanged(files)
		s.tel.Logger.Zerolog().Info().Strs("files", files).Msg("Configuration changed, re-planning")
		onEvent(s.evaluate(ctx, files, opts))
	})
}

func (s *Service) evaluate(ctx context.Context, files []string, opts WatchOptions) WatchEvent {
	ev := WatchEvent{Files: files}
	req := Request{Mode: engine.PlanModeReconfigure, DryRun: opts.DryRun, Command: "watch"}

	if !opts.Apply {
		ev.Planned, ev.Err = s.Plan(ctx, req)
		return ev
	}

	ev.Result, ev.Err = s.Reconfigure(ctx, req)
	if ev.Result != nil {
		ev.Planned = ev.Result.Planned
	}
	return ev
}
