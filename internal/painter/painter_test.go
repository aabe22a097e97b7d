package painter

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/texlink/texlink/internal/client"
)

// scriptServer answers each script with the JSON registered for it and
// records what it ran.
type scriptServer struct {
	mu      sync.Mutex
	replies map[string]string
	scripts []string
}

func (s *scriptServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var req client.RunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	script, _ := base64.StdEncoding.DecodeString(req.JS)

	s.mu.Lock()
	s.scripts = append(s.scripts, string(script))
	reply, ok := s.replies[string(script)]
	s.mu.Unlock()

	if !ok {
		w.Write([]byte("null"))
		return
	}
	w.Write([]byte(reply))
}

func (s *scriptServer) ran() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.scripts...)
}

func newRemote(t *testing.T, replies map[string]string) (*Remote, *scriptServer) {
	t.Helper()
	ss := &scriptServer{replies: replies}
	server := httptest.NewServer(ss)
	t.Cleanup(server.Close)
	return NewRemote(client.New(server.URL)), ss
}

func TestRemote_Project(t *testing.T) {
	r, ss := newRemote(t, map[string]string{
		"alg.project.isOpen()": "true",
		"alg.project.url()":    `"file:///C:/proj/crate.spp"`,
	})
	ctx := context.Background()

	open, err := r.IsOpen(ctx)
	require.NoError(t, err)
	assert.True(t, open)

	u, err := r.URL(ctx)
	require.NoError(t, err)
	assert.Equal(t, "file:///C:/proj/crate.spp", u)

	require.NoError(t, r.Create(ctx, "file:///C:/mesh.fbx", "", CreateOptions{NormalMapFormat: "OpenGL"}))
	require.NoError(t, r.Save(ctx, "file:///C:/proj/crate.spp"))
	require.NoError(t, r.Open(ctx, "file:///C:/proj/crate.spp"))
	require.NoError(t, r.Close(ctx))

	assert.Equal(t, []string{
		"alg.project.isOpen()",
		"alg.project.url()",
		`alg.project.create("file:///C:/mesh.fbx", null, null, {"normalMapFormat":"OpenGL"})`,
		`alg.project.save("file:///C:/proj/crate.spp")`,
		`alg.project.open("file:///C:/proj/crate.spp")`,
		"alg.project.close()",
	}, ss.ran())
}

func TestRemote_Settings(t *testing.T) {
	r, ss := newRemote(t, map[string]string{
		`alg.project.settings.contains("texlink/linkIdentifier")`: "true",
		`alg.project.settings.value("texlink/linkIdentifier")`:    `"link-1"`,
		`alg.project.settings.value("count")`:                     `3`,
	})
	ctx := context.Background()

	ok, err := r.Contains(ctx, "texlink/linkIdentifier")
	require.NoError(t, err)
	assert.True(t, ok)

	v, err := r.Value(ctx, "texlink/linkIdentifier")
	require.NoError(t, err)
	assert.Equal(t, "link-1", v)

	v, err = r.Value(ctx, "count")
	require.NoError(t, err)
	assert.Equal(t, "3", v)

	require.NoError(t, r.SetValue(ctx, "texlink/linkIdentifier", "link-2"))
	assert.Contains(t, ss.ran(), `alg.project.settings.setValue("texlink/linkIdentifier", "link-2")`)
}

func TestRemote_MapExport(t *testing.T) {
	exportScript := `alg.mapexport.exportDocumentMaps("preset", "/ws/tex", "png", {"resolution":[512,256]}, ["Crate"])`
	r, ss := newRemote(t, map[string]string{
		"alg.mapexport.documentStructure()":            `{"materials":[{"name":"Crate","selected":true,"stacks":[]},{"name":"Lid","selected":false}]}`,
		`alg.mapexport.textureSetResolution("Crate")`:  `[2048, 1024]`,
		`alg.mapexport.textureSetResolution("Broken")`: `[2048]`,
		exportScript: `{"Crate":{"diffuse":"/ws/tex/Crate_diffuse.png"}}`,
	})
	ctx := context.Background()

	doc, err := r.DocumentStructure(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"Crate", "Lid"}, doc.MaterialNames())
	sel, ok := doc.Selected()
	require.True(t, ok)
	assert.Equal(t, "Crate", sel.Name)

	res, err := r.TextureSetResolution(ctx, "Crate")
	require.NoError(t, err)
	assert.Equal(t, Resolution{Width: 2048, Height: 1024}, res)

	_, err = r.TextureSetResolution(ctx, "Broken")
	assert.Error(t, err)

	result, err := r.ExportDocumentMaps(ctx, ExportRequest{
		Preset:    "preset",
		Dir:       "/ws/tex",
		Format:    "png",
		Config:    ExportConfig{Resolution: []int{512, 256}},
		Materials: []string{"Crate"},
	})
	require.NoError(t, err)
	assert.Equal(t, "/ws/tex/Crate_diffuse.png", result["Crate"]["diffuse"])

	require.NoError(t, r.ShaderInstancesFromObject(ctx, ShaderInstances{
		Shaders:     []ShaderInstance{{Shader: "pbr", Instance: "Crate"}},
		TextureSets: map[string]ShaderAssignment{"Crate": {Shader: "Crate"}},
	}))
	assert.Contains(t, ss.ran(), `alg.shaders.shaderInstancesFromObject({"shaders":[{"shader":"pbr","shaderInstance":"Crate"}],"texturesets":{"Crate":{"shader":"Crate"}}})`)
}

func TestRemote_WaitProjectReady(t *testing.T) {
	var mu sync.Mutex
	calls := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		calls++
		if calls < 3 {
			w.Write([]byte("false"))
			return
		}
		w.Write([]byte("true"))
	}))
	defer server.Close()

	r := NewRemote(client.New(server.URL))
	r.pollInterval = 5 * time.Millisecond

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, r.WaitProjectReady(ctx))
}

func TestRemote_WaitProjectReadyCancelled(t *testing.T) {
	r, _ := newRemote(t, map[string]string{"alg.project.isOpen()": "false"})
	r.pollInterval = 5 * time.Millisecond

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, r.WaitProjectReady(ctx), context.DeadlineExceeded)
}

type seqEvaluator struct {
	mu     sync.Mutex
	values []any // bool or error
}

func (e *seqEvaluator) Eval(ctx context.Context, script string, out any) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.values) == 0 {
		<-ctx.Done()
		return ctx.Err()
	}
	v := e.values[0]
	e.values = e.values[1:]
	if err, ok := v.(error); ok {
		return err
	}
	*(out.(*bool)) = v.(bool)
	return nil
}

func TestStatusWatcher_ReportsEdges(t *testing.T) {
	eval := &seqEvaluator{values: []any{false, false, true, assert.AnError, true, false}}
	w := NewStatusWatcher(eval, "", time.Millisecond, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	var edges []bool
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = w.Run(ctx, func(busy bool) {
			edges = append(edges, busy)
			if len(edges) == 3 {
				cancel()
			}
		})
	}()
	<-done

	assert.Equal(t, []bool{false, true, false}, edges)
	assert.Equal(t, DefaultBusyProbe, w.probe)
}

func TestURLToLocalPath(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"file:///C:/Projects/crate.spp", "C:/Projects/crate.spp"},
		{"file:///home/me/crate.spp", "/home/me/crate.spp"},
		{"file://server/share/crate.spp", "//server/share/crate.spp"},
		{"file:///home/me/My%20Crate.spp", "/home/me/My Crate.spp"},
		{`C:\Projects\crate.spp`, "C:/Projects/crate.spp"},
		{"/home/me/crate.spp", "/home/me/crate.spp"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, URLToLocalPath(tt.in), "URLToLocalPath(%q)", tt.in)
	}
}

func TestLocalPathToURL(t *testing.T) {
	assert.Equal(t, "file:///C:/Projects/crate.spp", LocalPathToURL(`C:\Projects\crate.spp`))
	assert.Equal(t, "file:///home/me/crate.spp", LocalPathToURL("/home/me/crate.spp"))
	assert.Equal(t, "file:///home/me/crate.spp", LocalPathToURL("file:///home/me/crate.spp"))
}

func TestSameLocation(t *testing.T) {
	assert.True(t, SameLocation("file:///C:/Projects/crate.spp", `C:\Projects\crate.spp`))
	assert.False(t, SameLocation("file:///C:/Projects/crate.spp", "file:///C:/Projects/other.spp"))
	assert.False(t, SameLocation("", ""))
}

func TestRelativePath(t *testing.T) {
	rel, err := RelativePath("/abs/ws", "/abs/ws/tex/diffuse.png")
	require.NoError(t, err)
	assert.Equal(t, "tex/diffuse.png", rel)

	rel, err = RelativePath("/abs/ws/", "/abs/other/diffuse.png")
	require.NoError(t, err)
	assert.Equal(t, "../other/diffuse.png", rel)

	rel, err = RelativePath("C:/Game", `C:\Game\Assets\Textures\a.png`)
	require.NoError(t, err)
	assert.Equal(t, "Assets/Textures/a.png", rel)
}
