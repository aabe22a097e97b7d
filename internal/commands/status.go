package commands

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/texlink/texlink/internal/client"
	"github.com/texlink/texlink/internal/config"
	"github.com/texlink/texlink/internal/sync"
)

const statusProbeTimeout = 2 * time.Second

var statusJSON bool

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the current link",
	Long: `Show the current link status.

Displays:
  - Whether a link server is listening
  - Whether the authoring tool answers on its scripting endpoint
  - The linked peer, project and link identifier
  - When maps were last sent, per engine material

Examples:
  texlink status           # Show status
  texlink status --json    # Output as JSON`,
	RunE: runStatus,
}

func init() {
	statusCmd.Flags().BoolVar(&statusJSON, "json", false, "Output as JSON")
}

// MaterialSend is the last map send for one engine material.
type MaterialSend struct {
	Material string    `json:"material"`
	SentAt   time.Time `json:"sent_at"`
}

// StatusResult contains the result of the status command.
type StatusResult struct {
	Listen           string `json:"listen"`
	ServerListening  bool   `json:"server_listening"`
	PainterURL       string `json:"painter_url"`
	PainterReachable bool   `json:"painter_reachable"`
	PainterError     string `json:"painter_error,omitempty"`
	AutoLink         bool   `json:"auto_link"`

	Linked         bool           `json:"linked"`
	Peer           string         `json:"peer,omitempty"`
	LinkIdentifier string         `json:"link_identifier,omitempty"`
	ProjectURL     string         `json:"project_url,omitempty"`
	WorkspacePath  string         `json:"workspace_path,omitempty"`
	LinkedAt       time.Time      `json:"linked_at,omitzero"`
	MapsSent       int            `json:"maps_sent"`
	LastMaps       []MaterialSend `json:"last_maps,omitempty"`
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	result, err := fetchStatus(cmd.Context(), cfg)
	if err != nil {
		return err
	}

	fmt.Fprint(cmd.OutOrStdout(), formatStatusOutput(result, statusJSON))
	return nil
}

// fetchStatus combines the session file with live probes of the server and
// the authoring tool.
func fetchStatus(ctx context.Context, cfg *config.Config) (*StatusResult, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	state, err := sync.LoadState(cfg.SessionFile)
	if err != nil {
		return nil, fmt.Errorf("reading session file: %w", err)
	}

	result := &StatusResult{
		Listen:     cfg.Listen,
		PainterURL: cfg.PainterURL,
		AutoLink:   cfg.AutoLinkEnabled(),
	}
	result.ServerListening = isListening(cfg.Listen)

	probeCtx, cancel := context.WithTimeout(ctx, statusProbeTimeout)
	defer cancel()
	c := client.NewWithTimeout(cfg.PainterURL, statusProbeTimeout)
	var open bool
	if err := c.Eval(probeCtx, "alg.project.isOpen()", &open); err != nil {
		var clientErr *client.Error
		if errors.As(err, &clientErr) {
			// The tool answered, the script did not.
			result.PainterReachable = true
		}
		result.PainterError = err.Error()
	} else {
		result.PainterReachable = true
	}

	// A session file left behind by a dead server is stale.
	if state.Linked && result.ServerListening {
		result.Linked = true
		result.Peer = state.Peer
		result.LinkIdentifier = state.LinkIdentifier
		result.ProjectURL = state.ProjectURL
		result.WorkspacePath = state.WorkspacePath
		result.LinkedAt = state.LinkedAt
		result.MapsSent = state.MapsSent
		for material, at := range state.LastMaps {
			result.LastMaps = append(result.LastMaps, MaterialSend{Material: material, SentAt: at})
		}
		sort.Slice(result.LastMaps, func(i, j int) bool {
			return result.LastMaps[i].Material < result.LastMaps[j].Material
		})
	}
	return result, nil
}

func isListening(addr string) bool {
	conn, err := net.DialTimeout("tcp", addr, statusProbeTimeout)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}

// formatStatusOutput formats the status result for display.
func formatStatusOutput(result *StatusResult, asJSON bool) string {
	if asJSON {
		return formatJSON(result)
	}

	var sb strings.Builder

	sb.WriteString("## Server\n")
	if result.ServerListening {
		sb.WriteString(fmt.Sprintf("- Listening: %s\n", result.Listen))
	} else {
		sb.WriteString(fmt.Sprintf("- Not running (%s)\n", result.Listen))
	}
	sb.WriteString(fmt.Sprintf("- Auto-link: %s\n", onOff(result.AutoLink)))

	sb.WriteString("\n## Authoring tool\n")
	switch {
	case result.PainterReachable && result.PainterError == "":
		sb.WriteString(fmt.Sprintf("- Reachable: %s\n", result.PainterURL))
	case result.PainterReachable:
		sb.WriteString(fmt.Sprintf("- Reachable: %s (%s)\n", result.PainterURL, result.PainterError))
	default:
		sb.WriteString(fmt.Sprintf("- Unreachable: %s\n", result.PainterURL))
	}

	sb.WriteString("\n## Link\n")
	if !result.Linked {
		sb.WriteString("No peer linked.\n")
		return sb.String()
	}
	sb.WriteString(fmt.Sprintf("- Peer: %s", result.Peer))
	if !result.LinkedAt.IsZero() {
		sb.WriteString(fmt.Sprintf(" — linked %s", formatTimeAgo(result.LinkedAt)))
	}
	sb.WriteString("\n")
	if result.ProjectURL != "" {
		sb.WriteString(fmt.Sprintf("- Project: %s\n", result.ProjectURL))
	}
	if result.WorkspacePath != "" {
		sb.WriteString(fmt.Sprintf("- Workspace: %s\n", result.WorkspacePath))
	}
	sb.WriteString(fmt.Sprintf("- Link identifier: %s\n", result.LinkIdentifier))

	if len(result.LastMaps) > 0 {
		sb.WriteString(fmt.Sprintf("\n## Maps (%d sent)\n", result.MapsSent))
		for _, m := range result.LastMaps {
			sb.WriteString(fmt.Sprintf("- %s — %s\n", m.Material, formatTimeAgo(m.SentAt)))
		}
	}

	return sb.String()
}

func onOff(on bool) string {
	if on {
		return "on"
	}
	return "off"
}
