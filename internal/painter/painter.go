// Package painter describes the authoring-tool collaborators texlink drives:
// project management, per-project settings, map export and shader
// instances.
//
// Remote implements all of them on top of the authoring tool's
// remote-scripting endpoint; tests use the fakes in paintertest.
package painter

import "context"

// Project manages the single project open in the authoring tool.
type Project interface {
	IsOpen(ctx context.Context) (bool, error)
	Close(ctx context.Context) error
	// Create starts a new project from a mesh. Creation may complete
	// asynchronously; see ReadyNotifier.
	Create(ctx context.Context, meshURL, template string, opts CreateOptions) error
	Save(ctx context.Context, url string) error
	Open(ctx context.Context, url string) error
	// URL returns the file URL of the open project.
	URL(ctx context.Context) (string, error)
}

// CreateOptions are the project settings passed on creation.
type CreateOptions struct {
	NormalMapFormat string `json:"normalMapFormat,omitempty"`
}

// ReadyNotifier is implemented by Project implementations that can signal
// when an asynchronous Create has finished.
type ReadyNotifier interface {
	// WaitProjectReady blocks until the project being created is usable or
	// ctx is done.
	WaitProjectReady(ctx context.Context) error
}

// Settings is a key/value store scoped to the open project.
type Settings interface {
	SetValue(ctx context.Context, key, value string) error
	Value(ctx context.Context, key string) (string, error)
	Contains(ctx context.Context, key string) (bool, error)
}

// MapExporter exports texture maps of the open project.
type MapExporter interface {
	DocumentStructure(ctx context.Context) (*Document, error)
	TextureSetResolution(ctx context.Context, material string) (Resolution, error)
	ExportDocumentMaps(ctx context.Context, req ExportRequest) (ExportResult, error)
}

// Shaders creates shader instances and assigns them to texture sets.
type Shaders interface {
	ShaderInstancesFromObject(ctx context.Context, desc ShaderInstances) error
}

// Host bundles every collaborator.
type Host interface {
	Project
	Settings
	MapExporter
	Shaders
}

// Document is the material (texture set) layout of the open project.
type Document struct {
	Materials []Material `json:"materials"`
}

// Material is one texture set.
type Material struct {
	Name     string `json:"name"`
	Selected bool   `json:"selected"`
}

// MaterialNames returns the material names in document order.
func (d *Document) MaterialNames() []string {
	names := make([]string, 0, len(d.Materials))
	for _, m := range d.Materials {
		names = append(names, m.Name)
	}
	return names
}

// Selected returns the selected material, if any.
func (d *Document) Selected() (Material, bool) {
	for _, m := range d.Materials {
		if m.Selected {
			return m, true
		}
	}
	return Material{}, false
}

// Resolution is a texture set size in pixels.
type Resolution struct {
	Width  int
	Height int
}

// Pixels returns Width*Height.
func (r Resolution) Pixels() int {
	return r.Width * r.Height
}

// ExportConfig overrides export parameters. The zero value keeps the
// project's own settings.
type ExportConfig struct {
	// Resolution is [width, height] in pixels.
	Resolution []int `json:"resolution,omitempty"`
}

// ExportRequest describes one export.
type ExportRequest struct {
	Preset    string
	Dir       string
	Format    string
	Config    ExportConfig
	Materials []string
}

// ExportResult maps an exported stack to its map name -> absolute file path.
type ExportResult map[string]map[string]string

// ShaderInstances is a batch of shader instances and their assignment to
// texture sets.
type ShaderInstances struct {
	Shaders     []ShaderInstance            `json:"shaders"`
	TextureSets map[string]ShaderAssignment `json:"texturesets"`
}

// ShaderInstance names an instance of a resource shader.
type ShaderInstance struct {
	Shader   string `json:"shader"`
	Instance string `json:"shaderInstance"`
}

// ShaderAssignment binds a texture set to a shader instance.
type ShaderAssignment struct {
	Shader string `json:"shader"`
}
