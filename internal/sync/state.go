// Session record for `texlink status`.
//
// IMPORTANT: Only one texlink process should own a session file. Two
// processes writing the same file race and the last writer wins. The file is
// informational, so a lost update only shows a stale status.
package sync

import (
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/texlink/texlink/internal/link"
)

// SessionState is the persisted view of the current link.
type SessionState struct {
	// Linked mirrors link.Machine.IsLinked.
	Linked bool `json:"linked"`

	Peer           string `json:"peer,omitempty"`
	LinkIdentifier string `json:"link_identifier,omitempty"`
	ProjectURL     string `json:"project_url,omitempty"`
	WorkspacePath  string `json:"workspace_path,omitempty"`

	LinkedAt  time.Time `json:"linked_at,omitzero"`
	UpdatedAt time.Time `json:"updated_at"`

	// LastMaps maps a remote material to the time its maps were last sent.
	LastMaps map[string]time.Time `json:"last_maps,omitempty"`
	// MapsSent counts SET_MATERIAL_PARAMS commands since the link was made.
	MapsSent int `json:"maps_sent"`
}

// LoadState loads the session file. A missing or corrupt file yields an
// empty, unlinked state.
func LoadState(path string) (*SessionState, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &SessionState{LastMaps: make(map[string]time.Time)}, nil
		}
		return nil, err
	}

	var state SessionState
	if err := json.Unmarshal(data, &state); err != nil {
		return &SessionState{LastMaps: make(map[string]time.Time)}, nil
	}
	if state.LastMaps == nil {
		state.LastMaps = make(map[string]time.Time)
	}
	return &state, nil
}

// SaveState saves the session file atomically.
// Uses write-rename pattern to prevent corruption.
func SaveState(path string, state *SessionState) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return err
	}

	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0644); err != nil {
		return err
	}

	return os.Rename(tmpPath, path)
}

// SessionRecorder keeps the session file up to date. It is the export
// enablement sink of `texlink serve`.
type SessionRecorder struct {
	path   string
	state  *SessionState
	now    func() time.Time
	logger *slog.Logger
}

// NewSessionRecorder starts a fresh, unlinked session at path.
func NewSessionRecorder(path string, logger *slog.Logger) *SessionRecorder {
	if logger == nil {
		logger = slog.Default()
	}
	r := &SessionRecorder{
		path:   path,
		state:  &SessionState{LastMaps: make(map[string]time.Time)},
		now:    time.Now,
		logger: logger,
	}
	r.save()
	return r
}

// State returns the recorded state.
func (r *SessionRecorder) State() SessionState {
	return *r.state
}

// SetExportEnabled records a change of the linked flag.
func (r *SessionRecorder) SetExportEnabled(enabled bool) {
	r.state.Linked = enabled
	if !enabled {
		*r.state = SessionState{LastMaps: make(map[string]time.Time)}
	}
	r.save()
}

// Linked records the configuration of a freshly established link.
func (r *SessionRecorder) Linked(cfg *link.Config, projectURL string) {
	r.state.Linked = true
	r.state.Peer = cfg.PeerName
	r.state.LinkIdentifier = cfg.LinkIdentifier
	r.state.WorkspacePath = cfg.WorkspacePath
	r.state.ProjectURL = projectURL
	r.state.LinkedAt = r.now().UTC()
	r.state.MapsSent = 0
	r.state.LastMaps = make(map[string]time.Time)
	r.save()
}

// MapsSent records one SET_MATERIAL_PARAMS for a remote material.
func (r *SessionRecorder) MapsSent(material string) {
	r.state.MapsSent++
	r.state.LastMaps[material] = r.now().UTC()
	r.save()
}

func (r *SessionRecorder) save() {
	if r.path == "" {
		return
	}
	r.state.UpdatedAt = r.now().UTC()
	if err := SaveState(r.path, r.state); err != nil {
		r.logger.Warn("writing session file", "path", r.path, "err", err)
	}
}
