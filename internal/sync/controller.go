// Package sync implements the link controller: it handles peer commands,
// creates or opens the requested project, and streams texture maps back.
//
// All controller methods run on one event loop (see Loop). Transport
// readers, timers and the busy/idle watcher post onto the loop instead of
// calling in directly.
package sync

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/texlink/texlink/internal/link"
	"github.com/texlink/texlink/internal/painter"
	"github.com/texlink/texlink/internal/protocol"
	"github.com/texlink/texlink/internal/scheduler"
)

// LinkIdentifierKey is the project setting holding the identifier of the
// peer session bound to the project.
const LinkIdentifierKey = "texlink/linkIdentifier"

// exportFormat is the file format of every map export.
const exportFormat = "png"

// Sender delivers outbound commands to the peer.
type Sender interface {
	Send(ctx context.Context, command string, payload any) error
}

// Registrar registers inbound command handlers and connectivity callbacks.
type Registrar interface {
	Handle(command string, fn func(payload json.RawMessage))
	OnConnectivityChanged(fn func(connected bool))
}

// ExportSink is told whether exporting to the peer is currently possible.
type ExportSink interface {
	SetExportEnabled(enabled bool)
}

// Options configure a Controller.
type Options struct {
	Host    painter.Host
	Channel Sender

	// Sink receives link changes; nil disables it.
	Sink ExportSink

	// Session records the link for `texlink status`; nil disables it.
	Session *SessionRecorder

	Clock    scheduler.Clock
	Dispatch scheduler.Dispatch
	Logger   *slog.Logger

	Timing Timing
}

// Timing holds every configurable delay and threshold.
type Timing struct {
	Scheduler scheduler.Options

	// InitDelay is how long to wait after creating a project before
	// synchronizing, when the host cannot report readiness.
	InitDelay time.Duration

	// ReadyTimeout bounds the wait for a host that reports readiness.
	ReadyTimeout time.Duration
}

// Controller is the link controller.
type Controller struct {
	machine *link.Machine
	host    painter.Host
	channel Sender
	sched   *scheduler.Scheduler
	session *SessionRecorder

	clock    scheduler.Clock
	dispatch scheduler.Dispatch
	logger   *slog.Logger
	timing   Timing

	// pending project-ready wait after CREATE_PROJECT
	initGen     uint64
	initTimer   scheduler.Timer
	readyCancel context.CancelFunc
}

// New creates a controller in the disconnected state.
func New(opts Options) *Controller {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	clock := opts.Clock
	if clock == nil {
		clock = scheduler.RealClock{}
	}
	dispatch := opts.Dispatch
	if dispatch == nil {
		dispatch = func(fn func(ctx context.Context)) { fn(context.Background()) }
	}

	c := &Controller{
		machine:  link.NewMachine(),
		host:     opts.Host,
		channel:  opts.Channel,
		session:  opts.Session,
		clock:    clock,
		dispatch: dispatch,
		logger:   logger,
		timing:   opts.Timing,
	}
	c.sched = scheduler.New(c.machine, opts.Host, c, clock, dispatch, opts.Timing.Scheduler, logger.With("component", "autolink"))

	sink := opts.Sink
	c.machine.OnLinkedChanged(func(linked bool) {
		if sink != nil {
			sink.SetExportEnabled(linked)
		}
	})
	return c
}

// Register wires inbound commands and connectivity changes of r onto the
// event loop.
func (c *Controller) Register(r Registrar) {
	r.Handle(protocol.CreateProject, func(payload json.RawMessage) {
		c.dispatch(func(ctx context.Context) { c.HandleCreateProject(ctx, payload) })
	})
	r.Handle(protocol.OpenProject, func(payload json.RawMessage) {
		c.dispatch(func(ctx context.Context) { c.HandleOpenProject(ctx, payload) })
	})
	r.Handle(protocol.SendProjectInfo, func(json.RawMessage) {
		c.dispatch(c.HandleSendProjectInfo)
	})
	r.OnConnectivityChanged(func(connected bool) {
		if connected {
			return
		}
		c.dispatch(func(context.Context) { c.Disconnect() })
	})
}

// Machine exposes the link state.
func (c *Controller) Machine() *link.Machine {
	return c.machine
}

// Scheduler exposes the auto-link scheduler.
func (c *Controller) Scheduler() *scheduler.Scheduler {
	return c.sched
}

// ApplyTiming replaces delays and thresholds, e.g. after a config reload.
func (c *Controller) ApplyTiming(t Timing) {
	c.timing = t
	c.sched.UpdateOptions(t.Scheduler)
}

// OnComputationStatusChanged forwards a busy/idle edge to auto-link.
func (c *Controller) OnComputationStatusChanged(busy bool) {
	c.sched.OnComputationStatusChanged(busy)
}

// SetAutoLinkEnabled toggles auto-link.
func (c *Controller) SetAutoLinkEnabled(ctx context.Context, on bool) {
	c.sched.SetAutoLinkEnabled(ctx, on)
}

// HandleCreateProject handles CREATE_PROJECT: it replaces any open project
// with a new one built from the peer's mesh and saves it where the peer
// asked. Synchronization starts once the project is ready.
func (c *Controller) HandleCreateProject(ctx context.Context, payload json.RawMessage) {
	p, err := protocol.DecodeLinkPayload(protocol.CreateProject, payload)
	if err != nil {
		c.logger.Warn("ignoring command", "command", protocol.CreateProject, "err", err)
		return
	}
	cfg := p.LinkConfig()
	c.linkToClient(cfg)

	if err := c.createProject(ctx, cfg); err != nil {
		c.logger.Error("creating project failed", "peer", cfg.PeerName, "url", cfg.Project.URL, "err", err)
		c.Disconnect()
		return
	}
	c.awaitProjectReady()
}

// HandleOpenProject handles OPEN_PROJECT. Maps are only sent when the
// project actually changed.
func (c *Controller) HandleOpenProject(ctx context.Context, payload json.RawMessage) {
	p, err := protocol.DecodeLinkPayload(protocol.OpenProject, payload)
	if err != nil {
		c.logger.Warn("ignoring command", "command", protocol.OpenProject, "err", err)
		return
	}
	cfg := p.LinkConfig()
	c.linkToClient(cfg)

	alreadyOpen, err := c.openProject(ctx, cfg)
	if err == nil {
		err = c.InitSynchronization(ctx, !alreadyOpen)
	}
	if err != nil {
		c.logger.Error("opening project failed", "peer", cfg.PeerName, "url", cfg.Project.URL, "err", err)
		c.Disconnect()
	}
}

// HandleSendProjectInfo answers SEND_PROJECT_INFO with the link identifier
// bound to the open project. Best effort: nothing is sent when no
// identifier is stored.
func (c *Controller) HandleSendProjectInfo(ctx context.Context) {
	open, err := c.host.IsOpen(ctx)
	if err != nil || !open {
		return
	}
	id, ok := c.persistedIdentifier(ctx)
	if !ok {
		return
	}
	url, err := c.host.URL(ctx)
	if err != nil {
		c.logger.Debug("project info unavailable", "err", err)
		return
	}
	info := protocol.ProjectInfo{LinkIdentifier: id, ProjectURL: url}
	if err := c.channel.Send(ctx, protocol.OpenedProjectInfo, info); err != nil {
		c.logger.Debug("sending project info", "err", err)
	}
}

// InitSynchronization establishes the link once the requested project is
// open.
//
// With exactly one local texture set and exactly one remote binding, the
// binding is re-keyed to the local name even if the names differ.
func (c *Controller) InitSynchronization(ctx context.Context, mapsNeeded bool) error {
	cfg := c.machine.Config()
	if cfg == nil {
		return fmt.Errorf("no link configuration")
	}

	doc, err := c.host.DocumentStructure(ctx)
	if err != nil {
		return fmt.Errorf("reading document structure: %w", err)
	}
	if len(doc.Materials) == 1 && len(cfg.Materials) == 1 {
		local := doc.Materials[0].Name
		if remote := cfg.MaterialNames()[0]; remote != local {
			c.logger.Warn("associating the only remote material with the only texture set",
				"remote", remote, "texture_set", local)
		}
		cfg.Rekey(local)
	}

	c.machine.TransitionTo(link.Connected)
	c.logger.Info("linked", "peer", cfg.PeerName, "workspace", cfg.WorkspacePath)

	if err := c.host.SetValue(ctx, LinkIdentifierKey, cfg.LinkIdentifier); err != nil {
		return fmt.Errorf("storing link identifier: %w", err)
	}
	if c.session != nil {
		c.session.Linked(cfg, cfg.Project.URL)
	}

	if mapsNeeded {
		c.SendMaps(ctx, nil, painter.ExportConfig{})
	}
	c.ApplyResourceShaders(ctx)
	return nil
}

// SendMaps exports the maps of every bound texture set (or only of
// materials, when non-nil) and sends one SET_MATERIAL_PARAMS per texture
// set. Failures are logged and end the batch; they are never returned.
func (c *Controller) SendMaps(ctx context.Context, materials []string, cfg painter.ExportConfig) {
	if !c.machine.IsLinked() {
		return
	}
	if err := c.sendMaps(ctx, materials, cfg); err != nil {
		c.logger.Error("sending maps failed", "err", err)
	}
}

func (c *Controller) sendMaps(ctx context.Context, materials []string, exportCfg painter.ExportConfig) error {
	cfg := c.machine.Config()

	doc, err := c.host.DocumentStructure(ctx)
	if err != nil {
		return fmt.Errorf("reading document structure: %w", err)
	}
	names := doc.MaterialNames()
	if materials != nil {
		names = filterNames(names, materials)
	}
	sort.Strings(names)

	for _, name := range names {
		binding, ok := cfg.Binding(name)
		if !ok {
			c.logger.Warn("texture set has no remote material", "texture_set", name)
			continue
		}

		result, err := c.exportMaterial(ctx, cfg, name, binding, exportCfg)
		if err != nil {
			return fmt.Errorf("exporting %s: %w", name, err)
		}

		params, err := c.materialParams(cfg, binding, name, result)
		if err != nil {
			return err
		}
		msg := protocol.MaterialParams{Material: binding.AssetPath, Params: params}
		if err := c.channel.Send(ctx, protocol.SetMaterialParams, msg); err != nil {
			return fmt.Errorf("sending %s params: %w", name, err)
		}
		if c.session != nil {
			c.session.MapsSent(binding.AssetPath)
		}
	}
	return nil
}

// exportMaterial runs one export inside the exporting state.
func (c *Controller) exportMaterial(ctx context.Context, cfg *link.Config, name string, binding *link.MaterialBinding, exportCfg painter.ExportConfig) (painter.ExportResult, error) {
	c.machine.TransitionTo(link.Exporting)
	defer func() {
		if c.machine.State() == link.Exporting {
			c.machine.TransitionTo(link.Connected)
		}
	}()

	return c.host.ExportDocumentMaps(ctx, painter.ExportRequest{
		Preset:    binding.ExportPreset,
		Dir:       cfg.ExportDir(),
		Format:    exportFormat,
		Config:    exportCfg,
		Materials: []string{name},
	})
}

// materialParams turns exported map paths into workspace-relative paths
// keyed by remote property.
func (c *Controller) materialParams(cfg *link.Config, binding *link.MaterialBinding, name string, result painter.ExportResult) (map[string]string, error) {
	params := make(map[string]string)
	for _, stack := range sortedKeys(result) {
		maps := result[stack]
		for _, mapName := range sortedKeys(maps) {
			property, ok := binding.MapProperties[mapName]
			if !ok {
				c.logger.Warn("exported map has no remote property", "texture_set", name, "map", mapName)
				continue
			}
			rel, err := painter.RelativePath(cfg.WorkspacePath, maps[mapName])
			if err != nil {
				return nil, fmt.Errorf("map %s of %s: %w", mapName, name, err)
			}
			params[property] = rel
		}
	}
	return params, nil
}

// ApplyResourceShaders creates one shader instance per bound texture set and
// assigns it. Failures are logged as warnings.
func (c *Controller) ApplyResourceShaders(ctx context.Context) {
	cfg := c.machine.Config()
	if cfg == nil {
		return
	}

	desc := painter.ShaderInstances{TextureSets: make(map[string]painter.ShaderAssignment)}
	for _, name := range cfg.MaterialNames() {
		binding := cfg.Materials[name]
		if binding == nil || binding.Shader == "" {
			continue
		}
		desc.Shaders = append(desc.Shaders, painter.ShaderInstance{Shader: binding.Shader, Instance: name})
		desc.TextureSets[name] = painter.ShaderAssignment{Shader: name}
	}
	if len(desc.Shaders) == 0 {
		return
	}

	if err := c.host.ShaderInstancesFromObject(ctx, desc); err != nil {
		c.logger.Warn("applying resource shaders", "err", err)
	}
}

// Disconnect tears the link down. It cancels every pending timer so nothing
// fires for a peer that is gone. Safe to call when already disconnected.
func (c *Controller) Disconnect() {
	if cfg := c.machine.Config(); cfg != nil && cfg.PeerName != "" {
		c.logger.Info("disconnecting", "peer", cfg.PeerName)
	}
	c.sched.Cancel()
	c.cancelProjectReady()
	c.machine.Reset()
}

// linkToClient stores a new peer configuration. A new link attempt drops
// anything still pending for the previous one.
func (c *Controller) linkToClient(cfg *link.Config) {
	c.sched.Cancel()
	c.cancelProjectReady()
	c.machine.Link(cfg)
}

func (c *Controller) createProject(ctx context.Context, cfg *link.Config) error {
	open, err := c.host.IsOpen(ctx)
	if err != nil {
		return fmt.Errorf("checking open project: %w", err)
	}
	if open {
		if err := c.host.Close(ctx); err != nil {
			return fmt.Errorf("closing project: %w", err)
		}
	}

	opts := painter.CreateOptions{NormalMapFormat: cfg.Project.NormalMapFormat}
	if err := c.host.Create(ctx, cfg.Project.MeshURL, cfg.Project.Template, opts); err != nil {
		return fmt.Errorf("creating project from %s: %w", cfg.Project.MeshURL, err)
	}
	if err := c.host.Save(ctx, cfg.Project.URL); err != nil {
		return fmt.Errorf("saving project to %s: %w", cfg.Project.URL, err)
	}
	return nil
}

// awaitProjectReady schedules InitSynchronization after project creation.
// Hosts that report readiness are waited for, bounded by ReadyTimeout;
// others get the fixed InitDelay.
func (c *Controller) awaitProjectReady() {
	c.cancelProjectReady()
	gen := c.initGen

	notifier, ok := c.host.(painter.ReadyNotifier)
	if !ok {
		c.initTimer = c.clock.AfterFunc(c.timing.InitDelay, func() {
			c.dispatch(func(ctx context.Context) { c.onProjectReady(ctx, gen) })
		})
		return
	}

	var (
		readyCtx context.Context
		cancel   context.CancelFunc
	)
	if c.timing.ReadyTimeout > 0 {
		readyCtx, cancel = context.WithTimeout(context.Background(), c.timing.ReadyTimeout)
	} else {
		readyCtx, cancel = context.WithCancel(context.Background())
	}
	c.readyCancel = cancel
	go func() {
		err := notifier.WaitProjectReady(readyCtx)
		if err != nil && readyCtx.Err() == context.Canceled {
			return
		}
		c.dispatch(func(ctx context.Context) {
			if err != nil {
				c.logger.Warn("project not reported ready, synchronizing anyway", "err", err)
			}
			c.onProjectReady(ctx, gen)
		})
	}()
}

func (c *Controller) onProjectReady(ctx context.Context, gen uint64) {
	if gen != c.initGen {
		return
	}
	c.cancelProjectReady()

	if err := c.InitSynchronization(ctx, true); err != nil {
		c.logger.Error("synchronizing new project failed", "err", err)
		c.Disconnect()
	}
}

func (c *Controller) cancelProjectReady() {
	c.initGen++
	if c.initTimer != nil {
		c.initTimer.Stop()
		c.initTimer = nil
	}
	if c.readyCancel != nil {
		c.readyCancel()
		c.readyCancel = nil
	}
}

// openProject opens the requested project unless it is already open. A
// project counts as already open when its URL matches OR when the link
// identifier stored in it matches the peer's; the identifier match lets a
// peer reconnect to a project that was saved elsewhere without a full
// resend.
func (c *Controller) openProject(ctx context.Context, cfg *link.Config) (bool, error) {
	open, err := c.host.IsOpen(ctx)
	if err != nil {
		return false, fmt.Errorf("checking open project: %w", err)
	}

	alreadyOpen := false
	if open {
		current, err := c.host.URL(ctx)
		if err != nil {
			return false, fmt.Errorf("reading project url: %w", err)
		}
		sameURL := painter.SameLocation(current, cfg.Project.URL)
		id, ok := c.persistedIdentifier(ctx)
		sameID := ok && id == cfg.LinkIdentifier
		alreadyOpen = sameURL || sameID
	}
	if alreadyOpen {
		c.logger.Info("project already open", "url", cfg.Project.URL)
		return true, nil
	}

	if open {
		if err := c.host.Close(ctx); err != nil {
			return false, fmt.Errorf("closing project: %w", err)
		}
	}
	if err := c.host.Open(ctx, cfg.Project.URL); err != nil {
		return false, fmt.Errorf("opening %s: %w", cfg.Project.URL, err)
	}
	return false, nil
}

// persistedIdentifier reads the link identifier stored in the open project.
func (c *Controller) persistedIdentifier(ctx context.Context) (string, bool) {
	has, err := c.host.Contains(ctx, LinkIdentifierKey)
	if err != nil || !has {
		return "", false
	}
	id, err := c.host.Value(ctx, LinkIdentifierKey)
	if err != nil || id == "" {
		return "", false
	}
	return id, true
}

func filterNames(names, keep []string) []string {
	wanted := make(map[string]bool, len(keep))
	for _, k := range keep {
		wanted[k] = true
	}
	var out []string
	for _, n := range names {
		if wanted[n] {
			out = append(out, n)
		}
	}
	return out
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
