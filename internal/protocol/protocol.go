// Package protocol defines the commands exchanged between texlink and its
// peer.
//
// Every frame is one JSON envelope:
//
//	{"command": "OPEN_PROJECT", "payload": {...}}
//
// Inbound payloads are validated against an embedded JSON schema before they
// are decoded, so handlers only ever see well-formed values.
package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/texlink/texlink/internal/link"
)

// Command names.
const (
	CreateProject     = "CREATE_PROJECT"
	OpenProject       = "OPEN_PROJECT"
	SendProjectInfo   = "SEND_PROJECT_INFO"
	SetMaterialParams = "SET_MATERIAL_PARAMS"
	OpenedProjectInfo = "OPENED_PROJECT_INFO"
)

// Envelope is a single framed message.
type Envelope struct {
	Command string          `json:"command"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Encode builds the wire form of a command.
func Encode(command string, payload any) ([]byte, error) {
	env := Envelope{Command: command}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshaling %s payload: %w", command, err)
		}
		env.Payload = raw
	}
	return json.Marshal(env)
}

// DecodeEnvelope parses a frame. It does not look at the payload.
func DecodeEnvelope(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("parsing envelope: %w", err)
	}
	if env.Command == "" {
		return nil, fmt.Errorf("envelope has no command")
	}
	return &env, nil
}

// LinkPayload is the payload of CREATE_PROJECT and OPEN_PROJECT.
type LinkPayload struct {
	ApplicationName string                     `json:"applicationName"`
	ExportPath      string                     `json:"exportPath"`
	WorkspacePath   string                     `json:"workspacePath"`
	LinkIdentifier  string                     `json:"linkIdentifier"`
	Materials       map[string]MaterialPayload `json:"materials"`
	Project         ProjectPayload             `json:"project"`
}

// MaterialPayload binds a local texture set to a remote material.
type MaterialPayload struct {
	AssetPath      string            `json:"assetPath"`
	ExportPreset   string            `json:"exportPreset"`
	ResourceShader string            `json:"resourceShader,omitempty"`
	MapProperties  map[string]string `json:"spToLiveLinkProperties,omitempty"`
}

// ProjectPayload describes the project to create or open.
type ProjectPayload struct {
	MeshURL  string `json:"meshUrl,omitempty"`
	Normal   string `json:"normal,omitempty"`
	Template string `json:"template,omitempty"`
	URL      string `json:"url"`
}

// MaterialParams is the payload of SET_MATERIAL_PARAMS.
type MaterialParams struct {
	Material string            `json:"material"`
	Params   map[string]string `json:"params"`
}

// ProjectInfo is the payload of OPENED_PROJECT_INFO.
type ProjectInfo struct {
	LinkIdentifier string `json:"linkIdentifier"`
	ProjectURL     string `json:"projectUrl"`
}

// DecodeLinkPayload validates and decodes a CREATE_PROJECT or OPEN_PROJECT
// payload.
func DecodeLinkPayload(command string, raw json.RawMessage) (*LinkPayload, error) {
	if err := validate(command, raw); err != nil {
		return nil, err
	}
	var p LinkPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("decoding %s payload: %w", command, err)
	}
	if command == CreateProject && p.Project.MeshURL == "" {
		return nil, &ValidationError{Command: command, Issues: []string{"/project: missing property 'meshUrl'"}}
	}
	return &p, nil
}

// LinkConfig converts the payload into a normalized link configuration.
func (p *LinkPayload) LinkConfig() *link.Config {
	cfg := &link.Config{
		PeerName:       p.ApplicationName,
		ExportPath:     link.NormalizePath(p.ExportPath),
		WorkspacePath:  link.NormalizePath(p.WorkspacePath),
		LinkIdentifier: p.LinkIdentifier,
		Materials:      make(map[string]*link.MaterialBinding, len(p.Materials)),
		Project: link.ProjectSpec{
			MeshURL:         p.Project.MeshURL,
			NormalMapFormat: p.Project.Normal,
			Template:        p.Project.Template,
			URL:             p.Project.URL,
		},
	}
	for name, m := range p.Materials {
		props := make(map[string]string, len(m.MapProperties))
		for k, v := range m.MapProperties {
			props[k] = v
		}
		cfg.Materials[name] = &link.MaterialBinding{
			AssetPath:     m.AssetPath,
			ExportPreset:  m.ExportPreset,
			MapProperties: props,
			Shader:        m.ResourceShader,
		}
	}
	return cfg
}
