package link

import (
	"sort"
	"strings"
)

// Config is the configuration received from a linked peer.
type Config struct {
	PeerName       string
	ExportPath     string
	WorkspacePath  string
	LinkIdentifier string
	Materials      map[string]*MaterialBinding
	Project        ProjectSpec
}

// MaterialBinding maps one local texture set onto a remote material.
type MaterialBinding struct {
	// AssetPath is the remote material asset the maps are sent to.
	AssetPath    string
	ExportPreset string
	// MapProperties maps an exported map name to the remote shader property
	// that receives it.
	MapProperties map[string]string
	Shader        string
}

// ProjectSpec describes the local project a peer asks for.
type ProjectSpec struct {
	MeshURL         string
	NormalMapFormat string
	Template        string
	URL             string
}

// ExportDir is the directory maps are exported to, in forward-slash form.
func (c *Config) ExportDir() string {
	return c.WorkspacePath + "/" + c.ExportPath
}

// Binding returns the binding for a local material name.
func (c *Config) Binding(material string) (*MaterialBinding, bool) {
	b, ok := c.Materials[material]
	return b, ok && b != nil
}

// MaterialNames returns the bound local material names, sorted.
func (c *Config) MaterialNames() []string {
	names := make([]string, 0, len(c.Materials))
	for name := range c.Materials {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Rekey moves the only binding under a new local material name. It returns
// false and leaves the bindings untouched unless exactly one binding exists.
func (c *Config) Rekey(material string) bool {
	if len(c.Materials) != 1 {
		return false
	}
	for name, b := range c.Materials {
		if name == material {
			return true
		}
		delete(c.Materials, name)
		c.Materials[material] = b
	}
	return true
}

// NormalizePath converts backslashes to forward slashes and drops trailing
// separators, keeping a bare root intact.
func NormalizePath(p string) string {
	p = strings.ReplaceAll(p, "\\", "/")
	for len(p) > 1 && strings.HasSuffix(p, "/") {
		p = strings.TrimSuffix(p, "/")
	}
	return p
}
