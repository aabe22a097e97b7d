package sync

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/texlink/texlink/internal/link"
	"github.com/texlink/texlink/internal/painter"
	"github.com/texlink/texlink/internal/painter/paintertest"
	"github.com/texlink/texlink/internal/protocol"
	"github.com/texlink/texlink/internal/scheduler"
	"github.com/texlink/texlink/internal/scheduler/clocktest"
)

type sent struct {
	command string
	payload any
}

type fakeChannel struct {
	sent     []sent
	err      error
	handlers map[string]func(json.RawMessage)
	onConn   func(bool)
}

func (f *fakeChannel) Send(ctx context.Context, command string, payload any) error {
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, sent{command: command, payload: payload})
	return nil
}

func (f *fakeChannel) Handle(command string, fn func(json.RawMessage)) {
	if f.handlers == nil {
		f.handlers = make(map[string]func(json.RawMessage))
	}
	f.handlers[command] = fn
}

func (f *fakeChannel) OnConnectivityChanged(fn func(bool)) {
	f.onConn = fn
}

func (f *fakeChannel) params() []protocol.MaterialParams {
	var out []protocol.MaterialParams
	for _, s := range f.sent {
		if s.command == protocol.SetMaterialParams {
			out = append(out, s.payload.(protocol.MaterialParams))
		}
	}
	return out
}

type fakeSink struct{ edges []bool }

func (f *fakeSink) SetExportEnabled(enabled bool) { f.edges = append(f.edges, enabled) }

var testTiming = Timing{
	Scheduler: scheduler.Options{
		QuickInterval:      time.Second,
		HQInterval:         5 * time.Second,
		DegradedResolution: 512,
		HQThreshold:        1024,
	},
	InitDelay:    2 * time.Second,
	ReadyTimeout: time.Minute,
}

type fixture struct {
	host    *paintertest.Host
	channel *fakeChannel
	sink    *fakeSink
	clock   *clocktest.Clock
	ctrl    *Controller
}

func newFixture(t *testing.T, host painter.Host, dispatch scheduler.Dispatch) *fixture {
	t.Helper()
	f := &fixture{
		channel: &fakeChannel{},
		sink:    &fakeSink{},
		clock:   clocktest.New(),
	}
	switch h := host.(type) {
	case *paintertest.Host:
		f.host = h
	case *paintertest.ReadyHost:
		f.host = h.Host
	}
	if dispatch == nil {
		dispatch = func(fn func(ctx context.Context)) { fn(context.Background()) }
	}
	f.ctrl = New(Options{
		Host:     host,
		Channel:  f.channel,
		Sink:     f.sink,
		Clock:    f.clock,
		Dispatch: dispatch,
		Timing:   testTiming,
	})
	return f
}

type payloadOpt func(*protocol.LinkPayload)

func linkPayload(t *testing.T, opts ...payloadOpt) json.RawMessage {
	t.Helper()
	p := protocol.LinkPayload{
		ApplicationName: "Unity",
		ExportPath:      "Assets/Textures",
		WorkspacePath:   "/abs/ws",
		LinkIdentifier:  "link-1",
		Materials: map[string]protocol.MaterialPayload{
			"Alpha": {
				AssetPath:      "Assets/Alpha.mat",
				ExportPreset:   "preset-urp",
				ResourceShader: "urp-lit",
				MapProperties:  map[string]string{"diffuse": "_MainTex"},
			},
		},
		Project: protocol.ProjectPayload{
			MeshURL:  "file:///abs/ws/Assets/crate.fbx",
			Normal:   "OpenGL",
			Template: "pbr",
			URL:      "file:///abs/ws/crate.spp",
		},
	}
	for _, o := range opts {
		o(&p)
	}
	raw, err := json.Marshal(p)
	require.NoError(t, err)
	return raw
}

func withMaterials(m map[string]protocol.MaterialPayload) payloadOpt {
	return func(p *protocol.LinkPayload) { p.Materials = m }
}

func withProjectURL(url string) payloadOpt {
	return func(p *protocol.LinkPayload) { p.Project.URL = url }
}

func TestOpenProject_OpensLinksAndSendsMaps(t *testing.T) {
	f := newFixture(t, paintertest.NewHost(), nil)
	f.host.SetMaterials("Alpha")
	f.host.Maps["Alpha"] = map[string]string{"diffuse": "/abs/ws/Assets/Textures/alpha_diffuse.png"}

	f.ctrl.HandleOpenProject(context.Background(), linkPayload(t))

	assert.Equal(t, link.Connected, f.ctrl.Machine().State())
	assert.Equal(t, 1, f.host.CallCount("Open"))
	id, ok := f.host.Setting("file:///abs/ws/crate.spp", LinkIdentifierKey)
	assert.True(t, ok)
	assert.Equal(t, "link-1", id)

	require.Len(t, f.host.Exports, 1)
	exp := f.host.Exports[0]
	assert.Equal(t, "preset-urp", exp.Preset)
	assert.Equal(t, "/abs/ws/Assets/Textures", exp.Dir)
	assert.Equal(t, "png", exp.Format)
	assert.Equal(t, []string{"Alpha"}, exp.Materials)

	params := f.channel.params()
	require.Len(t, params, 1)
	assert.Equal(t, "Assets/Alpha.mat", params[0].Material)
	assert.Equal(t, map[string]string{"_MainTex": "Assets/Textures/alpha_diffuse.png"}, params[0].Params)

	require.Len(t, f.host.ShaderBatches, 1)
	batch := f.host.ShaderBatches[0]
	assert.Equal(t, []painter.ShaderInstance{{Shader: "urp-lit", Instance: "Alpha"}}, batch.Shaders)
	assert.Equal(t, painter.ShaderAssignment{Shader: "Alpha"}, batch.TextureSets["Alpha"])

	assert.Equal(t, []bool{true}, f.sink.edges)
}

func TestOpenProject_IdentifierMatchSuppressesMapResend(t *testing.T) {
	f := newFixture(t, paintertest.NewHost(), nil)
	f.host.SetMaterials("Alpha")
	f.host.OpenProjectAt("file:///elsewhere/crate.spp")
	f.host.PutSetting("file:///elsewhere/crate.spp", LinkIdentifierKey, "link-1")

	f.ctrl.HandleOpenProject(context.Background(), linkPayload(t))

	assert.Equal(t, link.Connected, f.ctrl.Machine().State())
	assert.Equal(t, 0, f.host.CallCount("Open"))
	assert.Equal(t, 0, f.host.CallCount("Close"))
	assert.Equal(t, 0, f.host.CallCount("ExportDocumentMaps"))
	assert.Empty(t, f.channel.params())
	// Shaders are applied even without a map send.
	assert.Len(t, f.host.ShaderBatches, 1)
}

func TestOpenProject_URLMatchSuppressesMapResend(t *testing.T) {
	f := newFixture(t, paintertest.NewHost(), nil)
	f.host.SetMaterials("Alpha")
	f.host.OpenProjectAt("file:///abs/ws/crate.spp")

	f.ctrl.HandleOpenProject(context.Background(), linkPayload(t))

	assert.Equal(t, 0, f.host.CallCount("Open"))
	assert.Equal(t, 0, f.host.CallCount("ExportDocumentMaps"))
	assert.True(t, f.ctrl.Machine().IsLinked())
}

func TestOpenProject_DifferentProjectIsReplaced(t *testing.T) {
	f := newFixture(t, paintertest.NewHost(), nil)
	f.host.SetMaterials("Alpha")
	f.host.OpenProjectAt("file:///other/thing.spp")
	f.host.PutSetting("file:///other/thing.spp", LinkIdentifierKey, "someone-else")

	f.ctrl.HandleOpenProject(context.Background(), linkPayload(t))

	assert.Equal(t, 1, f.host.CallCount("Close"))
	assert.Equal(t, 1, f.host.CallCount("Open"))
	assert.Equal(t, "file:///abs/ws/crate.spp", f.host.ProjectURL)
	assert.Equal(t, 1, f.host.CallCount("ExportDocumentMaps"))
}

func TestOpenProject_FailureDisconnects(t *testing.T) {
	f := newFixture(t, paintertest.NewHost(), nil)
	f.host.Errs["Open"] = errors.New("file not found")

	f.ctrl.HandleOpenProject(context.Background(), linkPayload(t))

	assert.Equal(t, link.Disconnected, f.ctrl.Machine().State())
	assert.Nil(t, f.ctrl.Machine().Config())
	assert.Empty(t, f.channel.sent)
}

func TestOpenProject_InvalidPayloadIgnored(t *testing.T) {
	f := newFixture(t, paintertest.NewHost(), nil)

	f.ctrl.HandleOpenProject(context.Background(), json.RawMessage(`{"applicationName":"Unity"}`))

	assert.Equal(t, link.Disconnected, f.ctrl.Machine().State())
	assert.Empty(t, f.host.Calls)
}

func TestInitSynchronization_SingleMaterialIsRekeyed(t *testing.T) {
	f := newFixture(t, paintertest.NewHost(), nil)
	f.host.SetMaterials("Mat_A")
	f.host.Maps["Mat_A"] = map[string]string{"diffuse": "/abs/ws/tex/diffuse.png"}
	payload := linkPayload(t, withMaterials(map[string]protocol.MaterialPayload{
		"UnityMatX": {AssetPath: "Assets/X.mat", ExportPreset: "p", MapProperties: map[string]string{"diffuse": "_MainTex"}},
	}))

	f.ctrl.HandleOpenProject(context.Background(), payload)

	cfg := f.ctrl.Machine().Config()
	require.NotNil(t, cfg)
	_, ok := cfg.Binding("Mat_A")
	assert.True(t, ok)
	_, ok = cfg.Binding("UnityMatX")
	assert.False(t, ok)

	params := f.channel.params()
	require.Len(t, params, 1)
	assert.Equal(t, "Assets/X.mat", params[0].Material)
}

func TestSendMaps_FilterAndUnboundMaterials(t *testing.T) {
	f := newFixture(t, paintertest.NewHost(), nil)
	f.host.SetMaterials("Beta", "Alpha")
	f.host.OpenProjectAt("file:///abs/ws/crate.spp")
	f.ctrl.HandleOpenProject(context.Background(), linkPayload(t))
	f.host.Calls = nil
	f.host.Exports = nil
	f.channel.sent = nil

	f.ctrl.SendMaps(context.Background(), []string{"Alpha"}, painter.ExportConfig{})

	assert.Equal(t, []string{"Alpha"}, f.host.ExportedMaterials())
	params := f.channel.params()
	require.Len(t, params, 1)
	assert.Equal(t, "Assets/Alpha.mat", params[0].Material)

	// Without a filter Beta is visited but has no binding.
	f.host.Exports = nil
	f.ctrl.SendMaps(context.Background(), nil, painter.ExportConfig{})
	assert.Equal(t, []string{"Alpha"}, f.host.ExportedMaterials())
}

func TestSendMaps_RelativeParamsAndUnassociatedMaps(t *testing.T) {
	f := newFixture(t, paintertest.NewHost(), nil)
	f.host.SetMaterials("Alpha")
	f.host.OpenProjectAt("file:///abs/ws/crate.spp")
	f.host.Maps["Alpha"] = map[string]string{
		"diffuse":   "/abs/ws/tex/diffuse.png",
		"roughness": "/abs/ws/tex/roughness.png",
	}
	f.ctrl.HandleOpenProject(context.Background(), linkPayload(t))
	f.channel.sent = nil

	f.ctrl.SendMaps(context.Background(), nil, painter.ExportConfig{Resolution: []int{256, 256}})

	params := f.channel.params()
	require.Len(t, params, 1)
	assert.Equal(t, map[string]string{"_MainTex": "tex/diffuse.png"}, params[0].Params)
	require.NotEmpty(t, f.host.Exports)
	assert.Equal(t, []int{256, 256}, f.host.Exports[len(f.host.Exports)-1].Config.Resolution)
}

func TestSendMaps_ExportingDuringExport(t *testing.T) {
	f := newFixture(t, paintertest.NewHost(), nil)
	f.host.SetMaterials("Alpha")
	f.host.OpenProjectAt("file:///abs/ws/crate.spp")
	f.ctrl.HandleOpenProject(context.Background(), linkPayload(t))

	var during link.State
	f.host.OnExport = func(painter.ExportRequest) { during = f.ctrl.Machine().State() }
	f.ctrl.SendMaps(context.Background(), nil, painter.ExportConfig{})

	assert.Equal(t, link.Exporting, during)
	assert.Equal(t, link.Connected, f.ctrl.Machine().State())
	// Exporting keeps the link: no sink edge.
	assert.Equal(t, []bool{true}, f.sink.edges)
}

func TestSendMaps_ErrorIsContained(t *testing.T) {
	f := newFixture(t, paintertest.NewHost(), nil)
	f.host.SetMaterials("Alpha")
	f.host.OpenProjectAt("file:///abs/ws/crate.spp")
	f.ctrl.HandleOpenProject(context.Background(), linkPayload(t))
	f.host.Errs["ExportDocumentMaps"] = errors.New("disk full")

	f.ctrl.SendMaps(context.Background(), nil, painter.ExportConfig{})

	assert.Equal(t, link.Connected, f.ctrl.Machine().State())
	assert.Empty(t, f.channel.params())
}

func TestSendMaps_NoOpWhenDisconnected(t *testing.T) {
	f := newFixture(t, paintertest.NewHost(), nil)
	f.host.SetMaterials("Alpha")

	f.ctrl.SendMaps(context.Background(), nil, painter.ExportConfig{})

	assert.Empty(t, f.host.Calls)
}

func TestApplyResourceShaders_FailureDoesNotAbortSync(t *testing.T) {
	f := newFixture(t, paintertest.NewHost(), nil)
	f.host.SetMaterials("Alpha")
	f.host.Errs["ShaderInstancesFromObject"] = errors.New("unknown shader")

	f.ctrl.HandleOpenProject(context.Background(), linkPayload(t))

	assert.Equal(t, link.Connected, f.ctrl.Machine().State())
}

func TestCreateProject_FixedDelayThenSync(t *testing.T) {
	f := newFixture(t, paintertest.NewHost(), nil)
	f.host.SetMaterials("Alpha")
	f.host.OpenProjectAt("file:///old.spp")

	f.ctrl.HandleCreateProject(context.Background(), linkPayload(t))

	assert.Equal(t, 1, f.host.CallCount("Close"))
	require.Len(t, f.host.Created, 1)
	assert.Equal(t, "file:///abs/ws/Assets/crate.fbx", f.host.Created[0].MeshURL)
	assert.Equal(t, "pbr", f.host.Created[0].Template)
	assert.Equal(t, "OpenGL", f.host.Created[0].Opts.NormalMapFormat)
	assert.Equal(t, "file:///abs/ws/crate.spp", f.host.ProjectURL)
	assert.Equal(t, link.Disconnected, f.ctrl.Machine().State())

	f.clock.Advance(testTiming.InitDelay - time.Millisecond)
	assert.Equal(t, link.Disconnected, f.ctrl.Machine().State())

	f.clock.Advance(time.Millisecond)
	assert.Equal(t, link.Connected, f.ctrl.Machine().State())
	assert.Len(t, f.channel.params(), 1)
}

func TestCreateProject_MissingMeshIgnored(t *testing.T) {
	f := newFixture(t, paintertest.NewHost(), nil)
	raw := linkPayload(t, func(p *protocol.LinkPayload) { p.Project.MeshURL = "" })

	f.ctrl.HandleCreateProject(context.Background(), raw)

	assert.Empty(t, f.host.Created)
}

func TestCreateProject_FailureDisconnects(t *testing.T) {
	f := newFixture(t, paintertest.NewHost(), nil)
	f.host.Errs["Create"] = errors.New("bad mesh")

	f.ctrl.HandleCreateProject(context.Background(), linkPayload(t))

	assert.Nil(t, f.ctrl.Machine().Config())
	assert.Equal(t, 0, f.clock.Pending())
}

func TestCreateProject_WaitsForReadyNotifier(t *testing.T) {
	host := paintertest.NewReadyHost()
	host.SetMaterials("Alpha")
	queue := make(chan func(ctx context.Context), 4)
	dispatch := func(fn func(ctx context.Context)) { queue <- fn }
	f := newFixture(t, host, dispatch)

	f.ctrl.HandleCreateProject(context.Background(), linkPayload(t))
	assert.Equal(t, 0, f.clock.Pending())

	close(host.Ready)
	select {
	case fn := <-queue:
		fn(context.Background())
	case <-time.After(5 * time.Second):
		t.Fatal("project ready was never dispatched")
	}

	assert.Equal(t, link.Connected, f.ctrl.Machine().State())
	assert.Len(t, f.channel.params(), 1)
}

func TestDisconnect_CancelsPendingInit(t *testing.T) {
	f := newFixture(t, paintertest.NewHost(), nil)
	f.host.SetMaterials("Alpha")

	f.ctrl.HandleCreateProject(context.Background(), linkPayload(t))
	f.ctrl.Disconnect()
	f.clock.Advance(time.Hour)

	assert.Equal(t, link.Disconnected, f.ctrl.Machine().State())
	assert.Empty(t, f.channel.sent)
}

func TestDisconnect_ThenTimersProduceNoOutput(t *testing.T) {
	f := newFixture(t, paintertest.NewHost(), nil)
	f.host.SetMaterials("Alpha")
	f.host.Resolutions["Alpha"] = painter.Resolution{Width: 4096, Height: 4096}
	f.host.OpenProjectAt("file:///abs/ws/crate.spp")
	f.ctrl.HandleOpenProject(context.Background(), linkPayload(t))

	f.ctrl.SetAutoLinkEnabled(context.Background(), true)
	require.True(t, f.ctrl.Scheduler().PendingHQ())
	f.channel.sent = nil

	f.ctrl.Disconnect()
	f.ctrl.Disconnect()
	f.clock.Advance(time.Hour)

	assert.Empty(t, f.channel.sent)
	assert.Equal(t, []bool{true, false}, f.sink.edges)
}

func TestSendProjectInfo(t *testing.T) {
	f := newFixture(t, paintertest.NewHost(), nil)
	f.host.OpenProjectAt("file:///abs/ws/crate.spp")

	f.ctrl.HandleSendProjectInfo(context.Background())
	assert.Empty(t, f.channel.sent)

	f.host.PutSetting("file:///abs/ws/crate.spp", LinkIdentifierKey, "link-1")
	f.ctrl.HandleSendProjectInfo(context.Background())

	require.Len(t, f.channel.sent, 1)
	assert.Equal(t, protocol.OpenedProjectInfo, f.channel.sent[0].command)
	assert.Equal(t, protocol.ProjectInfo{LinkIdentifier: "link-1", ProjectURL: "file:///abs/ws/crate.spp"}, f.channel.sent[0].payload)
}

func TestSendProjectInfo_FailureIsSwallowed(t *testing.T) {
	f := newFixture(t, paintertest.NewHost(), nil)
	f.host.OpenProjectAt("file:///abs/ws/crate.spp")
	f.host.PutSetting("file:///abs/ws/crate.spp", LinkIdentifierKey, "link-1")
	f.channel.err = errors.New("closed")

	f.ctrl.HandleSendProjectInfo(context.Background())
}

func TestRegister_RoutesCommandsAndDisconnects(t *testing.T) {
	f := newFixture(t, paintertest.NewHost(), nil)
	f.host.SetMaterials("Alpha")
	f.ctrl.Register(f.channel)

	require.Contains(t, f.channel.handlers, protocol.OpenProject)
	f.channel.handlers[protocol.OpenProject](linkPayload(t, withProjectURL("file:///abs/ws/a.spp")))
	assert.True(t, f.ctrl.Machine().IsLinked())

	f.channel.handlers[protocol.SendProjectInfo](nil)
	assert.Equal(t, protocol.OpenedProjectInfo, f.channel.sent[len(f.channel.sent)-1].command)

	f.channel.onConn(true)
	assert.True(t, f.ctrl.Machine().IsLinked())
	f.channel.onConn(false)
	assert.False(t, f.ctrl.Machine().IsLinked())
}
