// Package bridge exposes an avatar context to out-of-process controllers
// over a WebSocket. Commands are parsed on the connection goroutine and run
// on the frame goroutine through the context queue.
package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/normanking/cortexrig/internal/avatar"
	"github.com/normanking/cortexrig/internal/bus"
)

var (
	// ErrUnknownCommand is returned for command types with no handler
	ErrUnknownCommand = errors.New("bridge: unknown command")
	// ErrTimeout is returned when the frame loop did not run a command in
	// time
	ErrTimeout = errors.New("bridge: command timed out")
)

// Config configures the control endpoint
type Config struct {
	Enabled      bool          `mapstructure:"enabled" yaml:"enabled"`
	Addr         string        `mapstructure:"addr" yaml:"addr"`
	Path         string        `mapstructure:"path" yaml:"path"`
	ReplyTimeout time.Duration `mapstructure:"reply_timeout" yaml:"reply_timeout"`
}

// DefaultConfig listens on localhost only
func DefaultConfig() Config {
	return Config{
		Enabled:      true,
		Addr:         "127.0.0.1:8765",
		Path:         "/ws",
		ReplyTimeout: 2 * time.Second,
	}
}

// Target is the avatar the bridge controls
type Target interface {
	Enqueue(fn func(*avatar.Context))
}

// Reply is sent for every command, and for forwarded bus events
type Reply struct {
	Type    string         `json:"type"`
	ID      string         `json:"id,omitempty"`
	Command string         `json:"command,omitempty"`
	Result  any            `json:"result,omitempty"`
	Error   string         `json:"error,omitempty"`
	Event   string         `json:"event,omitempty"`
	Data    map[string]any `json:"data,omitempty"`
}

type envelope struct {
	Type string `json:"type"`
	ID   string `json:"id,omitempty"`
}

// eventBuffer bounds the events waiting to be forwarded
const eventBuffer = 256

// forwarded are the bus events pushed to every client
var forwarded = []bus.EventType{
	bus.EventTypeModelLoaded,
	bus.EventTypeModelUnloaded,
	bus.EventTypeClipStarted,
	bus.EventTypeClipStopped,
	bus.EventTypeClipFailed,
	bus.EventTypePersistentApplied,
	bus.EventTypePersistentCleared,
	bus.EventTypeReinstallFailed,
	bus.EventTypeTrackerReset,
}

type client struct {
	id   string
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *client) send(r Reply) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteJSON(r)
}

// Server is the WebSocket control endpoint
type Server struct {
	cfg      Config
	target   Target
	logger   zerolog.Logger
	upgrader websocket.Upgrader
	handlers map[string]Handler

	mu      sync.RWMutex
	clients map[string]*client
	http    *http.Server

	events *bus.Subscription
}

// NewServer creates a server driving target. When events is non-nil, bus
// events are forwarded to every connected client in publish order.
func NewServer(cfg Config, target Target, events *bus.EventBus, logger zerolog.Logger) *Server {
	if cfg.ReplyTimeout <= 0 {
		cfg.ReplyTimeout = DefaultConfig().ReplyTimeout
	}
	if cfg.Path == "" {
		cfg.Path = DefaultConfig().Path
	}
	s := &Server{
		cfg:      cfg,
		target:   target,
		logger:   logger.With().Str("component", "bridge").Logger(),
		handlers: defaultHandlers(),
		clients:  make(map[string]*client),
	}
	if events != nil {
		s.events = events.SubscribeOrdered(forwarded, eventBuffer, s.broadcast)
	}
	return s
}

// Register adds or replaces a command handler
func (s *Server) Register(command string, h Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[command] = h
}

// Handler returns the HTTP handler serving the WebSocket path
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(s.cfg.Path, s.handleWebSocket)
	return mux
}

// Start listens on the configured address until ctx is cancelled
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("bridge listen: %w", err)
	}

	s.mu.Lock()
	s.http = &http.Server{Handler: s.Handler(), ReadHeaderTimeout: 5 * time.Second}
	srv := s.http
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		s.Close()
	}()

	s.logger.Info().Str("addr", ln.Addr().String()).Msg("bridge listening")
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("bridge stopped")
		}
	}()
	return nil
}

// Close stops event forwarding and shuts the listener down along with
// every client
func (s *Server) Close() error {
	if s.events != nil {
		s.events.Close()
	}

	s.mu.Lock()
	srv := s.http
	s.http = nil
	clients := s.clients
	s.clients = make(map[string]*client)
	s.mu.Unlock()

	for _, c := range clients {
		c.conn.Close()
	}
	if srv == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	return srv.Shutdown(ctx)
}

// Clients returns the number of connected clients
func (s *Server) Clients() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients)
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn().Err(err).Msg("upgrade failed")
		return
	}

	c := &client{id: uuid.NewString(), conn: conn}
	s.mu.Lock()
	s.clients[c.id] = c
	s.mu.Unlock()
	s.logger.Debug().Str("client", c.id).Msg("client connected")

	defer func() {
		s.mu.Lock()
		delete(s.clients, c.id)
		s.mu.Unlock()
		conn.Close()
		s.logger.Debug().Str("client", c.id).Msg("client disconnected")
	}()

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}
		if err := c.send(s.dispatch(r.Context(), data)); err != nil {
			return
		}
	}
}

// dispatch parses one command, runs it on the frame goroutine and builds
// the reply
func (s *Server) dispatch(ctx context.Context, data []byte) Reply {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Reply{Type: "error", Error: fmt.Sprintf("decode command: %v", err)}
	}
	reply := Reply{ID: env.ID, Command: env.Type}

	s.mu.RLock()
	h, ok := s.handlers[env.Type]
	s.mu.RUnlock()
	if !ok {
		reply.Type = "error"
		reply.Error = fmt.Errorf("%w: %q", ErrUnknownCommand, env.Type).Error()
		return reply
	}

	run, err := h(data)
	if err != nil {
		reply.Type = "error"
		reply.Error = err.Error()
		return reply
	}

	result, err := s.execute(ctx, run)
	if err != nil {
		reply.Type = "error"
		reply.Error = err.Error()
		return reply
	}
	reply.Type = "ack"
	reply.Result = result
	return reply
}

type outcome struct {
	result any
	err    error
}

func (s *Server) execute(ctx context.Context, run Op) (any, error) {
	done := make(chan outcome, 1)
	s.target.Enqueue(func(c *avatar.Context) {
		result, err := run(c)
		done <- outcome{result: result, err: err}
	})

	timer := time.NewTimer(s.cfg.ReplyTimeout)
	defer timer.Stop()
	select {
	case o := <-done:
		return o.result, o.err
	case <-timer.C:
		return nil, ErrTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *Server) broadcast(e bus.Event) {
	s.mu.RLock()
	clients := make([]*client, 0, len(s.clients))
	for _, c := range s.clients {
		clients = append(clients, c)
	}
	s.mu.RUnlock()

	for _, c := range clients {
		if err := c.send(Reply{Type: "event", Event: string(e.Type), Data: e.Data}); err != nil {
			s.logger.Debug().Err(err).Str("client", c.id).Msg("event not delivered")
		}
	}
}
