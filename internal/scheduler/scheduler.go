// Package scheduler implements auto-link: when the authoring tool's compute
// engine goes idle, the selected texture set is pushed to the peer again.
//
// Large texture sets are sent twice. A quick export at a degraded resolution
// goes out right away and a full-resolution export follows after
// HQInterval:
//
//	busy -> idle --QuickInterval--> AutoLink
//	                                   |
//	            w*h <= T*T: full res   |   w*h > T*T: degraded now,
//	                                   |   full res after HQInterval
//
// Any busy/idle edge cancels whatever is pending, and arming one timer
// cancels the other, so at most one auto-export is ever pending.
package scheduler

import (
	"context"
	"log/slog"
	"math"
	"time"

	"github.com/texlink/texlink/internal/link"
	"github.com/texlink/texlink/internal/painter"
)

// Options tune the auto-link timers.
type Options struct {
	QuickInterval time.Duration
	HQInterval    time.Duration
	// DegradedResolution is the width of the quick export in pixels.
	DegradedResolution int
	// HQThreshold is the side length above which a texture set is sent
	// degraded first.
	HQThreshold int
}

// StateReader exposes the link state.
type StateReader interface {
	State() link.State
}

// MapSender sends maps of the given materials to the peer.
type MapSender interface {
	SendMaps(ctx context.Context, materials []string, cfg painter.ExportConfig)
}

// Dispatch runs fn on the event loop.
type Dispatch func(fn func(ctx context.Context))

type pending int

const (
	none pending = iota
	quick
	hq
)

// Scheduler is the auto-link scheduler. Its methods must be called from the
// event loop; timer callbacks are routed back onto it through Dispatch.
type Scheduler struct {
	state    StateReader
	exporter painter.MapExporter
	sender   MapSender
	clock    Clock
	dispatch Dispatch
	logger   *slog.Logger

	opts    Options
	enabled bool

	timer Timer
	kind  pending
	// gen invalidates callbacks of stopped timers that already fired.
	gen uint64
}

// New creates a scheduler with auto-link disabled.
func New(state StateReader, exporter painter.MapExporter, sender MapSender, clock Clock, dispatch Dispatch, opts Options, logger *slog.Logger) *Scheduler {
	if clock == nil {
		clock = RealClock{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		state:    state,
		exporter: exporter,
		sender:   sender,
		clock:    clock,
		dispatch: dispatch,
		logger:   logger,
		opts:     opts,
	}
}

// UpdateOptions replaces the timing options. Pending timers keep their
// original deadline.
func (s *Scheduler) UpdateOptions(opts Options) {
	s.opts = opts
}

// Options returns the current options.
func (s *Scheduler) Options() Options {
	return s.opts
}

// Enabled reports whether auto-link is on.
func (s *Scheduler) Enabled() bool {
	return s.enabled
}

// SetAutoLinkEnabled toggles auto-link. Switching it on runs AutoLink once
// immediately; switching it off drops any pending export.
func (s *Scheduler) SetAutoLinkEnabled(ctx context.Context, on bool) {
	was := s.enabled
	s.enabled = on
	switch {
	case on && !was:
		s.AutoLink(ctx)
	case !on && was:
		s.Cancel()
	}
}

// OnComputationStatusChanged reacts to a busy flag edge of the compute
// engine.
func (s *Scheduler) OnComputationStatusChanged(busy bool) {
	s.Cancel()
	if busy || !s.enabled || s.state.State() != link.Connected {
		return
	}
	s.arm(quick, s.opts.QuickInterval, s.AutoLink)
}

// AutoLink exports the selected texture set, degraded first when it is
// larger than the HQ threshold.
func (s *Scheduler) AutoLink(ctx context.Context) {
	if !s.state.State().Linked() {
		return
	}

	name, ok := s.activeTextureSet(ctx)
	if !ok {
		return
	}

	res, err := s.exporter.TextureSetResolution(ctx, name)
	if err != nil {
		s.logger.Warn("auto-link: reading resolution", "material", name, "err", err)
		return
	}

	threshold := s.opts.HQThreshold
	if res.Pixels() <= threshold*threshold || res.Width <= 0 {
		s.sender.SendMaps(ctx, []string{name}, painter.ExportConfig{})
		return
	}

	degraded := DegradedResolution(res, s.opts.DegradedResolution)
	s.logger.Debug("auto-link: quick export", "material", name, "width", degraded[0], "height", degraded[1])
	s.sender.SendMaps(ctx, []string{name}, painter.ExportConfig{Resolution: degraded})

	s.arm(hq, s.opts.HQInterval, s.sendHQ)
}

// sendHQ re-sends the texture set active when the timer fires at native
// resolution.
func (s *Scheduler) sendHQ(ctx context.Context) {
	name, ok := s.activeTextureSet(ctx)
	if !ok {
		return
	}
	s.logger.Debug("auto-link: high quality export", "material", name)
	s.sender.SendMaps(ctx, []string{name}, painter.ExportConfig{})
}

func (s *Scheduler) activeTextureSet(ctx context.Context) (string, bool) {
	doc, err := s.exporter.DocumentStructure(ctx)
	if err != nil {
		s.logger.Warn("auto-link: reading document structure", "err", err)
		return "", false
	}
	selected, ok := doc.Selected()
	if !ok {
		s.logger.Debug("auto-link: no texture set selected")
		return "", false
	}
	return selected.Name, true
}

// Cancel stops both timers.
func (s *Scheduler) Cancel() {
	s.gen++
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.kind = none
}

// PendingQuick reports whether the quick-link timer is armed.
func (s *Scheduler) PendingQuick() bool {
	return s.kind == quick
}

// PendingHQ reports whether the high-quality timer is armed.
func (s *Scheduler) PendingHQ() bool {
	return s.kind == hq
}

func (s *Scheduler) arm(kind pending, d time.Duration, fn func(ctx context.Context)) {
	s.Cancel()
	gen := s.gen
	s.kind = kind
	s.timer = s.clock.AfterFunc(d, func() {
		s.dispatch(func(ctx context.Context) {
			if s.gen != gen {
				return
			}
			s.timer = nil
			s.kind = none
			fn(ctx)
		})
	})
}

// DegradedResolution scales res to the given width, keeping its aspect
// ratio.
func DegradedResolution(res painter.Resolution, width int) []int {
	height := int(math.Round(float64(width) * float64(res.Height) / float64(res.Width)))
	if height < 1 {
		height = 1
	}
	return []int{width, height}
}
