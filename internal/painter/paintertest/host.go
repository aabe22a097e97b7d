// Package paintertest provides an in-memory authoring tool for tests.
package paintertest

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/texlink/texlink/internal/painter"
)

// Host is an in-memory painter.Host. Settings are scoped to the project
// URL, like project settings in the real tool. Set Errs[method] to make a
// method fail.
type Host struct {
	mu sync.Mutex

	Opened     bool
	ProjectURL string
	settings   map[string]map[string]string

	Doc         painter.Document
	Resolutions map[string]painter.Resolution
	// Maps holds, per material, the map name -> absolute path an export
	// produces.
	Maps map[string]map[string]string

	Errs map[string]error
	// OnExport runs inside ExportDocumentMaps before it returns.
	OnExport func(req painter.ExportRequest)

	Calls         []string
	Exports       []painter.ExportRequest
	ShaderBatches []painter.ShaderInstances
	Created       []CreateCall
}

// CreateCall records a Create invocation.
type CreateCall struct {
	MeshURL  string
	Template string
	Opts     painter.CreateOptions
}

var _ painter.Host = (*Host)(nil)

// NewHost returns a host with no project open.
func NewHost() *Host {
	return &Host{
		settings:    make(map[string]map[string]string),
		Resolutions: make(map[string]painter.Resolution),
		Maps:        make(map[string]map[string]string),
		Errs:        make(map[string]error),
	}
}

// SetMaterials replaces the document with the named materials, selecting
// the first one.
func (h *Host) SetMaterials(names ...string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.Doc.Materials = nil
	for i, n := range names {
		h.Doc.Materials = append(h.Doc.Materials, painter.Material{Name: n, Selected: i == 0})
	}
}

// Select makes name the only selected material.
func (h *Host) Select(name string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for i := range h.Doc.Materials {
		h.Doc.Materials[i].Selected = h.Doc.Materials[i].Name == name
	}
}

// OpenProjectAt marks a project as open at url.
func (h *Host) OpenProjectAt(url string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.Opened = true
	h.ProjectURL = url
}

// Setting returns a stored setting of the project at url.
func (h *Host) Setting(url, key string) (string, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	v, ok := h.settings[url][key]
	return v, ok
}

// PutSetting stores a setting for the project at url.
func (h *Host) PutSetting(url, key, value string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.putLocked(url, key, value)
}

// CallCount counts recorded calls of a method.
func (h *Host) CallCount(method string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for _, c := range h.Calls {
		if c == method {
			n++
		}
	}
	return n
}

// ExportedMaterials lists the materials of every export, in call order.
func (h *Host) ExportedMaterials() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	var names []string
	for _, e := range h.Exports {
		names = append(names, e.Materials...)
	}
	return names
}

func (h *Host) putLocked(url, key, value string) {
	if h.settings[url] == nil {
		h.settings[url] = make(map[string]string)
	}
	h.settings[url][key] = value
}

func (h *Host) record(method string) error {
	h.Calls = append(h.Calls, method)
	return h.Errs[method]
}

func (h *Host) IsOpen(ctx context.Context) (bool, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.record("IsOpen"); err != nil {
		return false, err
	}
	return h.Opened, nil
}

func (h *Host) Close(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.record("Close"); err != nil {
		return err
	}
	h.Opened = false
	h.ProjectURL = ""
	return nil
}

func (h *Host) Create(ctx context.Context, meshURL, template string, opts painter.CreateOptions) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.record("Create"); err != nil {
		return err
	}
	h.Created = append(h.Created, CreateCall{MeshURL: meshURL, Template: template, Opts: opts})
	h.Opened = true
	h.ProjectURL = ""
	delete(h.settings, "")
	return nil
}

func (h *Host) Save(ctx context.Context, url string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.record("Save"); err != nil {
		return err
	}
	if !h.Opened {
		return fmt.Errorf("no project open")
	}
	if s, ok := h.settings[h.ProjectURL]; ok && h.ProjectURL != url {
		h.settings[url] = s
	}
	h.ProjectURL = url
	return nil
}

func (h *Host) Open(ctx context.Context, url string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.record("Open"); err != nil {
		return err
	}
	h.Opened = true
	h.ProjectURL = url
	return nil
}

func (h *Host) URL(ctx context.Context) (string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.record("URL"); err != nil {
		return "", err
	}
	if !h.Opened {
		return "", fmt.Errorf("no project open")
	}
	return h.ProjectURL, nil
}

func (h *Host) SetValue(ctx context.Context, key, value string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.record("SetValue"); err != nil {
		return err
	}
	h.putLocked(h.ProjectURL, key, value)
	return nil
}

func (h *Host) Value(ctx context.Context, key string) (string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.record("Value"); err != nil {
		return "", err
	}
	v, ok := h.settings[h.ProjectURL][key]
	if !ok {
		return "", fmt.Errorf("no setting %q", key)
	}
	return v, nil
}

func (h *Host) Contains(ctx context.Context, key string) (bool, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.record("Contains"); err != nil {
		return false, err
	}
	_, ok := h.settings[h.ProjectURL][key]
	return ok, nil
}

func (h *Host) DocumentStructure(ctx context.Context) (*painter.Document, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.record("DocumentStructure"); err != nil {
		return nil, err
	}
	doc := painter.Document{Materials: append([]painter.Material(nil), h.Doc.Materials...)}
	return &doc, nil
}

func (h *Host) TextureSetResolution(ctx context.Context, material string) (painter.Resolution, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.record("TextureSetResolution"); err != nil {
		return painter.Resolution{}, err
	}
	r, ok := h.Resolutions[material]
	if !ok {
		return painter.Resolution{Width: 1024, Height: 1024}, nil
	}
	return r, nil
}

func (h *Host) ExportDocumentMaps(ctx context.Context, req painter.ExportRequest) (painter.ExportResult, error) {
	h.mu.Lock()
	if err := h.record("ExportDocumentMaps"); err != nil {
		h.mu.Unlock()
		return nil, err
	}
	h.Exports = append(h.Exports, req)
	result := make(painter.ExportResult)
	names := append([]string(nil), req.Materials...)
	sort.Strings(names)
	for _, name := range names {
		maps := make(map[string]string)
		for k, v := range h.Maps[name] {
			maps[k] = v
		}
		result[name] = maps
	}
	hook := h.OnExport
	h.mu.Unlock()

	if hook != nil {
		hook(req)
	}
	return result, nil
}

func (h *Host) ShaderInstancesFromObject(ctx context.Context, desc painter.ShaderInstances) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.record("ShaderInstancesFromObject"); err != nil {
		return err
	}
	h.ShaderBatches = append(h.ShaderBatches, desc)
	return nil
}

// ReadyHost is a Host whose project creation completes when Ready is
// signalled.
type ReadyHost struct {
	*Host
	Ready chan struct{}
}

var _ painter.ReadyNotifier = (*ReadyHost)(nil)

// NewReadyHost returns a ReadyHost with an unsignalled Ready channel.
func NewReadyHost() *ReadyHost {
	return &ReadyHost{Host: NewHost(), Ready: make(chan struct{})}
}

func (h *ReadyHost) WaitProjectReady(ctx context.Context) error {
	select {
	case <-h.Ready:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
