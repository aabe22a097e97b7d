package painter

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/texlink/texlink/internal/client"
)

// Remote drives the authoring tool through its remote-scripting endpoint.
type Remote struct {
	c            *client.Client
	pollInterval time.Duration
}

var (
	_ Host          = (*Remote)(nil)
	_ ReadyNotifier = (*Remote)(nil)
)

// NewRemote wraps a remote-scripting client.
func NewRemote(c *client.Client) *Remote {
	return &Remote{c: c, pollInterval: 100 * time.Millisecond}
}

// Eval runs an arbitrary script. It lets StatusWatcher share the client.
func (r *Remote) Eval(ctx context.Context, script string, out any) error {
	return r.c.Eval(ctx, script, out)
}

func (r *Remote) IsOpen(ctx context.Context) (bool, error) {
	var open bool
	err := r.call(ctx, &open, "alg.project.isOpen")
	return open, err
}

func (r *Remote) Close(ctx context.Context) error {
	return r.call(ctx, nil, "alg.project.close")
}

func (r *Remote) Create(ctx context.Context, meshURL, template string, opts CreateOptions) error {
	var tmpl any
	if template != "" {
		tmpl = template
	}
	return r.call(ctx, nil, "alg.project.create", meshURL, nil, tmpl, opts)
}

// WaitProjectReady polls until the authoring tool reports an open project.
func (r *Remote) WaitProjectReady(ctx context.Context) error {
	ticker := time.NewTicker(r.pollInterval)
	defer ticker.Stop()
	for {
		open, err := r.IsOpen(ctx)
		if err == nil && open {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (r *Remote) Save(ctx context.Context, url string) error {
	return r.call(ctx, nil, "alg.project.save", url)
}

func (r *Remote) Open(ctx context.Context, url string) error {
	return r.call(ctx, nil, "alg.project.open", url)
}

func (r *Remote) URL(ctx context.Context) (string, error) {
	var u string
	err := r.call(ctx, &u, "alg.project.url")
	return u, err
}

func (r *Remote) SetValue(ctx context.Context, key, value string) error {
	return r.call(ctx, nil, "alg.project.settings.setValue", key, value)
}

func (r *Remote) Value(ctx context.Context, key string) (string, error) {
	var raw json.RawMessage
	if err := r.call(ctx, &raw, "alg.project.settings.value", key); err != nil {
		return "", err
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		// Non-string values are returned in their JSON form.
		return string(raw), nil
	}
	return s, nil
}

func (r *Remote) Contains(ctx context.Context, key string) (bool, error) {
	var ok bool
	err := r.call(ctx, &ok, "alg.project.settings.contains", key)
	return ok, err
}

func (r *Remote) DocumentStructure(ctx context.Context) (*Document, error) {
	var doc Document
	if err := r.call(ctx, &doc, "alg.mapexport.documentStructure"); err != nil {
		return nil, err
	}
	return &doc, nil
}

func (r *Remote) TextureSetResolution(ctx context.Context, material string) (Resolution, error) {
	var wh []int
	if err := r.call(ctx, &wh, "alg.mapexport.textureSetResolution", material); err != nil {
		return Resolution{}, err
	}
	if len(wh) != 2 {
		return Resolution{}, fmt.Errorf("texture set %q: unexpected resolution %v", material, wh)
	}
	return Resolution{Width: wh[0], Height: wh[1]}, nil
}

func (r *Remote) ExportDocumentMaps(ctx context.Context, req ExportRequest) (ExportResult, error) {
	var result ExportResult
	err := r.call(ctx, &result, "alg.mapexport.exportDocumentMaps",
		req.Preset, req.Dir, req.Format, req.Config, req.Materials)
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (r *Remote) ShaderInstancesFromObject(ctx context.Context, desc ShaderInstances) error {
	return r.call(ctx, nil, "alg.shaders.shaderInstancesFromObject", desc)
}

func (r *Remote) call(ctx context.Context, out any, fn string, args ...any) error {
	script, err := callScript(fn, args...)
	if err != nil {
		return err
	}
	return r.c.Eval(ctx, script, out)
}

// callScript renders fn(args...) with every argument as a JSON literal.
func callScript(fn string, args ...any) (string, error) {
	parts := make([]string, len(args))
	for i, arg := range args {
		data, err := json.Marshal(arg)
		if err != nil {
			return "", fmt.Errorf("encoding argument %d of %s: %w", i, fn, err)
		}
		parts[i] = string(data)
	}
	return fn + "(" + strings.Join(parts, ", ") + ")", nil
}
