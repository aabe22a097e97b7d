package commands

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/texlink/texlink/internal/channel"
	"github.com/texlink/texlink/internal/client"
	"github.com/texlink/texlink/internal/config"
	"github.com/texlink/texlink/internal/painter"
	"github.com/texlink/texlink/internal/sync"
)

// loopQueueSize bounds events waiting for the controller.
const loopQueueSize = 256

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the link server",
	Long: `Run the link server.

Listens for one engine peer on the configured websocket address, drives the
authoring tool through its remote-scripting endpoint and streams texture maps
back to the peer. The .texlink file is watched: timing, thresholds and the
auto-link toggle are applied without a restart.

Examples:
  texlink serve
  texlink serve --log-level debug
  texlink serve --config ~/texlink.yaml`,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := newLogger(os.Stderr, cfg.LogLevel, isTerminal(os.Stderr))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	watchPath, err := config.FindPath()
	if err != nil {
		watchPath = ""
	}
	return serve(ctx, cfg, watchPath, logger)
}

// timingFrom extracts the controller timing from a configuration.
func timingFrom(cfg *config.Config) sync.Timing {
	return sync.Timing{
		Scheduler:    cfg.SchedulerOptions(),
		InitDelay:    cfg.InitDelayOnProjectCreation.Std(),
		ReadyTimeout: cfg.ProjectReadyTimeout.Std(),
	}
}

// serve runs every component until ctx is done or one of them fails.
// watchPath may be empty to disable config reloads.
func serve(ctx context.Context, cfg *config.Config, watchPath string, logger *slog.Logger) error {
	loop := sync.NewLoop(loopQueueSize)
	remote := painter.NewRemote(client.NewWithTimeout(cfg.PainterURL, cfg.PainterTimeout.Std()))
	server := channel.NewServer(logger.With("component", "channel"))
	session := sync.NewSessionRecorder(cfg.SessionFile, logger)

	ctrl := sync.New(sync.Options{
		Host:     remote,
		Channel:  server,
		Sink:     session,
		Session:  session,
		Dispatch: loop.Dispatch,
		Logger:   logger.With("component", "link"),
		Timing:   timingFrom(cfg),
	})
	ctrl.Register(server)

	logger.Info("starting",
		"version", versionInfo.version,
		"listen", cfg.Listen,
		"path", cfg.Path,
		"painter", cfg.PainterURL,
		"auto_link", cfg.AutoLinkEnabled())

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		err := loop.Run(ctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})

	autoLink := cfg.AutoLinkEnabled()
	loop.Dispatch(func(ctx context.Context) { ctrl.SetAutoLinkEnabled(ctx, autoLink) })

	g.Go(func() error {
		watcher := painter.NewStatusWatcher(remote, cfg.BusyProbe, cfg.StatusPollInterval.Std(), logger.With("component", "status"))
		err := watcher.Run(ctx, func(busy bool) {
			loop.Dispatch(func(context.Context) { ctrl.OnComputationStatusChanged(busy) })
		})
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})

	if watchPath != "" {
		g.Go(func() error {
			return config.Watch(ctx, watchPath, logger.With("component", "config"), func(next *config.Config) {
				loop.Dispatch(func(ctx context.Context) {
					ctrl.ApplyTiming(timingFrom(next))
					ctrl.SetAutoLinkEnabled(ctx, next.AutoLinkEnabled())
				})
				if next.Listen != cfg.Listen || next.Path != cfg.Path || next.PainterURL != cfg.PainterURL {
					logger.Warn("listen, path and painterUrl changes need a restart")
				}
			})
		})
	}

	g.Go(func() error {
		if err := server.ListenAndServe(ctx, cfg.Listen, cfg.Path); err != nil {
			return fmt.Errorf("serving %s: %w", cfg.Listen, err)
		}
		return nil
	})

	err := g.Wait()
	logger.Info("stopped")
	return err
}
