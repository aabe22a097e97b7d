package commands

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"

	"github.com/texlink/texlink/internal/channel"
	"github.com/texlink/texlink/internal/config"
	"github.com/texlink/texlink/internal/protocol"
)

var (
	sendURL  string
	sendWait time.Duration
)

var sendCmd = &cobra.Command{
	Use:   "send <COMMAND> [payload.json]",
	Short: "Send one command to a running server, acting as the peer",
	Long: `Send one command to a running server, acting as the engine peer.

The payload is read from the given file, or from stdin when the file is "-".
CREATE_PROJECT and OPEN_PROJECT payloads are validated before sending.
With --wait, commands sent back by the server are printed one JSON envelope
per line until the wait expires.

Examples:
  texlink send OPEN_PROJECT link.json --wait 30s
  texlink send SEND_PROJECT_INFO --wait 2s
  cat link.json | texlink send CREATE_PROJECT -`,
	Args: cobra.RangeArgs(1, 2),
	RunE: runSend,
}

func init() {
	sendCmd.Flags().StringVar(&sendURL, "url", "", "Server websocket URL (default from listen and path)")
	sendCmd.Flags().DurationVar(&sendWait, "wait", 0, "Print replies for this long after sending")
}

func runSend(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	command := strings.ToUpper(args[0])
	var payload json.RawMessage
	if len(args) == 2 {
		payload, err = readPayload(args[1], cmd.InOrStdin())
		if err != nil {
			return err
		}
	}
	if err := checkPayload(command, payload); err != nil {
		return err
	}

	url := sendURL
	if url == "" {
		url = serverURL(cfg)
	}
	return sendAndWait(cmd.Context(), url, command, payload, sendWait, cmd.OutOrStdout())
}

// serverURL builds the websocket URL of the configured listen address.
func serverURL(cfg *config.Config) string {
	host := cfg.Listen
	if strings.HasPrefix(host, ":") {
		host = "localhost" + host
	}
	return "ws://" + host + cfg.Path
}

func readPayload(name string, stdin io.Reader) (json.RawMessage, error) {
	var data []byte
	var err error
	if name == "-" {
		data, err = io.ReadAll(stdin)
	} else {
		data, err = os.ReadFile(name)
	}
	if err != nil {
		return nil, fmt.Errorf("reading payload: %w", err)
	}
	if !json.Valid(data) {
		return nil, fmt.Errorf("payload %s is not valid JSON", name)
	}
	return json.RawMessage(data), nil
}

// checkPayload validates payloads the server would otherwise ignore.
func checkPayload(command string, payload json.RawMessage) error {
	switch command {
	case protocol.CreateProject, protocol.OpenProject:
		_, err := protocol.DecodeLinkPayload(command, payload)
		return err
	case protocol.SendProjectInfo:
		return nil
	default:
		return fmt.Errorf("unknown command %q (want %s, %s or %s)", command,
			protocol.CreateProject, protocol.OpenProject, protocol.SendProjectInfo)
	}
}

func sendAndWait(ctx context.Context, url, command string, payload json.RawMessage, wait time.Duration, out io.Writer) error {
	if ctx == nil {
		ctx = context.Background()
	}
	conn, err := channel.Dial(ctx, url)
	if err != nil {
		return err
	}
	defer conn.Close()

	var body any
	if len(payload) > 0 {
		body = payload
	}
	if err := conn.Send(ctx, command, body); err != nil {
		return fmt.Errorf("sending %s: %w", command, err)
	}
	if wait <= 0 {
		return nil
	}

	waitCtx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()
	for {
		env, err := conn.Receive(waitCtx)
		if err != nil {
			if waitCtx.Err() != nil || isTimeout(err) || websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				return nil
			}
			return fmt.Errorf("receiving: %w", err)
		}
		line, err := json.Marshal(env)
		if err != nil {
			return err
		}
		fmt.Fprintln(out, string(line))
	}
}

func isTimeout(err error) bool {
	var te interface{ Timeout() bool }
	return errors.As(err, &te) && te.Timeout()
}
