// Package channel is the command transport between texlink and its peer: a
// websocket endpoint carrying one JSON envelope per text frame.
package channel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/texlink/texlink/internal/protocol"
)

// ErrNoPeer is returned by Send when no peer is connected.
var ErrNoPeer = errors.New("no peer connected")

const (
	writeWait    = 10 * time.Second
	pongWait     = 60 * time.Second
	pingInterval = pongWait * 9 / 10
	sendQueue    = 64
	maxFrameSize = 16 << 20
)

// Server accepts one peer at a time. Inbound commands are delivered to the
// registered handlers on the connection's read goroutine; handlers are
// expected to hand work off to the event loop.
type Server struct {
	logger   *slog.Logger
	upgrader websocket.Upgrader

	mu       sync.Mutex
	handlers map[string]func(payload json.RawMessage)
	onConn   []func(connected bool)
	peer     *peer
}

type peer struct {
	id     string
	conn   *websocket.Conn
	out    chan []byte
	closed chan struct{}
	once   sync.Once
}

func (p *peer) close() {
	p.once.Do(func() {
		close(p.closed)
		p.conn.Close()
	})
}

// NewServer creates a server with no handlers.
func NewServer(logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		logger:   logger,
		handlers: make(map[string]func(json.RawMessage)),
		upgrader: websocket.Upgrader{
			// The peer is a local desktop application, not a browser page.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// Handle registers fn for inbound command. A later registration replaces an
// earlier one.
func (s *Server) Handle(command string, fn func(payload json.RawMessage)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[command] = fn
}

// OnConnectivityChanged registers fn to be told when a peer connects or
// goes away.
func (s *Server) OnConnectivityChanged(fn func(connected bool)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onConn = append(s.onConn, fn)
}

// Connected reports whether a peer is connected.
func (s *Server) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.peer != nil
}

// Send queues a command for the connected peer.
func (s *Server) Send(ctx context.Context, command string, payload any) error {
	frame, err := protocol.Encode(command, payload)
	if err != nil {
		return err
	}

	s.mu.Lock()
	p := s.peer
	s.mu.Unlock()
	if p == nil {
		return ErrNoPeer
	}

	select {
	case p.out <- frame:
		return nil
	case <-p.closed:
		return ErrNoPeer
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ServeHTTP upgrades the request and serves the peer until it disconnects.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	busy := s.peer != nil
	s.mu.Unlock()
	if busy {
		http.Error(w, "a peer is already linked", http.StatusConflict)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "err", err)
		return
	}

	p := &peer{
		id:     uuid.NewString(),
		conn:   conn,
		out:    make(chan []byte, sendQueue),
		closed: make(chan struct{}),
	}
	s.mu.Lock()
	if s.peer != nil {
		s.mu.Unlock()
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "a peer is already linked"),
			time.Now().Add(writeWait))
		conn.Close()
		return
	}
	s.peer = p
	s.mu.Unlock()

	logger := s.logger.With("session", p.id, "remote", r.RemoteAddr)
	logger.Info("peer connected")
	s.notify(true)

	go s.writeLoop(p, logger)
	s.readLoop(p, logger)

	p.close()
	s.mu.Lock()
	if s.peer == p {
		s.peer = nil
	}
	s.mu.Unlock()
	logger.Info("peer disconnected")
	s.notify(false)
}

func (s *Server) readLoop(p *peer, logger *slog.Logger) {
	p.conn.SetReadLimit(maxFrameSize)
	p.conn.SetReadDeadline(time.Now().Add(pongWait))
	p.conn.SetPongHandler(func(string) error {
		return p.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		typ, data, err := p.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.Warn("reading from peer", "err", err)
			}
			return
		}
		if typ != websocket.TextMessage {
			logger.Warn("ignoring non-text frame", "type", typ)
			continue
		}

		env, err := protocol.DecodeEnvelope(data)
		if err != nil {
			logger.Warn("ignoring malformed frame", "err", err)
			continue
		}

		s.mu.Lock()
		fn := s.handlers[env.Command]
		s.mu.Unlock()
		if fn == nil {
			logger.Warn("ignoring unknown command", "command", env.Command)
			continue
		}
		logger.Debug("received", "command", env.Command)
		fn(env.Payload)
	}
}

func (s *Server) writeLoop(p *peer, logger *slog.Logger) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.closed:
			return
		case frame := <-p.out:
			p.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := p.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				logger.Warn("writing to peer", "err", err)
				p.close()
				return
			}
		case <-ticker.C:
			if err := p.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				p.close()
				return
			}
		}
	}
}

func (s *Server) notify(connected bool) {
	s.mu.Lock()
	fns := slices.Clone(s.onConn)
	s.mu.Unlock()
	for _, fn := range fns {
		fn(connected)
	}
}

// Close drops the current peer, if any.
func (s *Server) Close() {
	s.mu.Lock()
	p := s.peer
	s.mu.Unlock()
	if p != nil {
		p.close()
	}
}

// ListenAndServe serves the websocket endpoint at addr+path until ctx is
// done.
func (s *Server) ListenAndServe(ctx context.Context, addr, path string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", addr, err)
	}
	return s.Serve(ctx, ln, path)
}

// Serve is ListenAndServe on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener, path string) error {
	mux := http.NewServeMux()
	mux.Handle(path, s)
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: writeWait}

	errc := make(chan error, 1)
	go func() { errc <- srv.Serve(ln) }()
	s.logger.Info("listening", "addr", ln.Addr().String(), "path", path)

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	s.Close()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutting down: %w", err)
	}
	return nil
}
