package painter

import (
	"context"
	"log/slog"
	"time"
)

// DefaultBusyProbe is evaluated to read the compute engine's busy flag.
const DefaultBusyProbe = "alg.compute.isBusy()"

// Evaluator runs a script and decodes its JSON result.
type Evaluator interface {
	Eval(ctx context.Context, script string, out any) error
}

// StatusWatcher polls the authoring tool's busy flag and reports edges.
type StatusWatcher struct {
	eval     Evaluator
	probe    string
	interval time.Duration
	logger   *slog.Logger
}

// NewStatusWatcher creates a watcher evaluating probe every interval.
func NewStatusWatcher(eval Evaluator, probe string, interval time.Duration, logger *slog.Logger) *StatusWatcher {
	if probe == "" {
		probe = DefaultBusyProbe
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &StatusWatcher{eval: eval, probe: probe, interval: interval, logger: logger}
}

// Run polls until ctx is done. onChange is called with the first reading
// and then only when the flag changes. Failed probes are skipped.
func (w *StatusWatcher) Run(ctx context.Context, onChange func(busy bool)) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	var last, known bool
	for {
		var busy bool
		if err := w.eval.Eval(ctx, w.probe, &busy); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			w.logger.Debug("busy probe failed", "err", err)
		} else if !known || busy != last {
			known = true
			last = busy
			onChange(busy)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
