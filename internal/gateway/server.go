// Package gateway fronts the modal orchestrator for browser embedders over
// a WebSocket frame protocol. Each authenticated connection hosts exactly
// one modal session; orchestrator events stream to the client as event
// frames with a per-connection monotonic sequence.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/branchline/concierge/internal/avatar"
	"github.com/branchline/concierge/internal/bargein"
	"github.com/branchline/concierge/internal/config"
	"github.com/branchline/concierge/internal/logging"
	"github.com/branchline/concierge/internal/orchestrator"
	"github.com/branchline/concierge/internal/realtime"
	"github.com/branchline/concierge/internal/session"
	"github.com/branchline/concierge/internal/triage"
	"github.com/branchline/concierge/internal/version"
)

// ErrClientClosed is returned when writing to a closed client connection.
var ErrClientClosed = errors.New("client connection closed")

// ModalSession is the per-connection slice of the orchestrator the gateway
// drives. *orchestrator.Orchestrator satisfies it.
type ModalSession interface {
	Open(question string) session.Context
	Snapshot() session.Context
	Ask(ctx context.Context, prompt string) session.Context
	ConnectAudio(ctx context.Context) *realtime.FlowError
	ConnectVideo(ctx context.Context) *avatar.ConnectError
	SwitchMode(ctx context.Context, mode session.Mode) error
	VideoConversation() *avatar.Conversation
	Escalate()
	ClearTranscript() session.Context
	Close()
}

// ModalFactory builds a modal session whose events are delivered to emit.
type ModalFactory func(emit func(orchestrator.Event)) ModalSession

// Server is the concierge gateway HTTP + WebSocket server.
type Server struct {
	cfg      config.Config
	auth     ResolvedAuth
	log      *logging.Logger
	clients  *ClientRegistry
	newModal ModalFactory

	capture realtime.CaptureSource
	sink    realtime.RemoteSink
	handoff func(session.Context)

	startedAt  time.Time
	httpServer *http.Server
	upgrader   websocket.Upgrader

	limiterMu sync.Mutex
	failures  map[string][]time.Time
}

const (
	authRateWindow   = 5 * time.Minute
	authRateMaxFails = 10
)

// ServerOption configures the gateway server.
type ServerOption func(*Server)

// WithModalFactory replaces the orchestrator-backed modal factory,
// mainly for tests.
func WithModalFactory(f ModalFactory) ServerOption {
	return func(s *Server) { s.newModal = f }
}

// WithCaptureSource wires a microphone capture source into audio sessions.
func WithCaptureSource(src realtime.CaptureSource) ServerOption {
	return func(s *Server) { s.capture = src }
}

// WithRemoteSink wires an audio playback sink into audio sessions.
func WithRemoteSink(sink realtime.RemoteSink) ServerOption {
	return func(s *Server) { s.sink = sink }
}

// WithHandoff sets the specialist-handoff callback for escalations.
func WithHandoff(fn func(session.Context)) ServerOption {
	return func(s *Server) { s.handoff = fn }
}

// New creates a gateway server.
func New(cfg config.Config, log *logging.Logger, opts ...ServerOption) *Server {
	s := &Server{
		cfg:      cfg,
		auth:     ResolveAuth(cfg.Gateway.Auth),
		log:      log.Sub("gateway"),
		clients:  NewClientRegistry(log.Sub("clients")),
		sink:     realtime.NopSink{},
		failures: make(map[string][]time.Time),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     checkWebSocketOrigin(cfg.Gateway.AllowedOrigins),
		},
	}

	for _, opt := range opts {
		opt(s)
	}

	if s.newModal == nil {
		s.newModal = s.buildModal
	}
	return s
}

// buildModal assembles the production orchestrator for one connection.
func (s *Server) buildModal(emit func(orchestrator.Event)) ModalSession {
	audio := realtime.NewManager(realtime.ManagerConfigFrom(s.cfg.Realtime), s.capture, s.sink, s.log)
	video := avatar.NewManager(avatar.ManagerConfigFrom(s.cfg.Avatar), s.log)
	asker := triage.NewClient(s.cfg.Triage.Endpoint,
		time.Duration(s.cfg.Triage.TimeoutSeconds)*time.Second, s.log)

	opts := []orchestrator.Option{orchestrator.WithListener(emit)}
	if s.handoff != nil {
		opts = append(opts, orchestrator.WithHandoff(s.handoff))
	}
	return orchestrator.New(orchestrator.Config{
		IntroText: s.cfg.Session.IntroText,
		BargeIn:   bargein.ConfigFrom(s.cfg.BargeIn),
	}, audio, video, asker, s.log, opts...)
}

// checkWebSocketOrigin validates WebSocket Origin headers. Same-origin and
// non-browser clients (no Origin header) are always allowed.
func checkWebSocketOrigin(allowed []string) func(*http.Request) bool {
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		return isOriginAllowed(origin, allowed)
	}
}

// Methods returns the RPC method names served per connection.
func (s *Server) Methods() []string {
	return []string{
		"health",
		"modal.open",
		"modal.ask",
		"modal.audio.connect",
		"modal.video.connect",
		"modal.switch",
		"modal.escalate",
		"modal.clear",
		"modal.close",
	}
}

// Events returns the event names a client can receive.
func (s *Server) Events() []string {
	return []string{
		string(orchestrator.EventAudioConnected),
		string(orchestrator.EventVideoConnected),
		string(orchestrator.EventFallbackEntered),
		string(orchestrator.EventEscalated),
		string(orchestrator.EventTranscriptAppended),
		string(orchestrator.EventSpeakingChanged),
	}
}

// resolveBindAddr computes the listen address from config.
func resolveBindAddr(cfg config.GatewayConfig) string {
	switch cfg.Bind {
	case "lan":
		return fmt.Sprintf("0.0.0.0:%d", cfg.Port)
	case "custom":
		host := cfg.CustomBindHost
		if host == "" {
			host = "0.0.0.0"
		}
		return fmt.Sprintf("%s:%d", host, cfg.Port)
	default: // "loopback"
		return fmt.Sprintf("127.0.0.1:%d", cfg.Port)
	}
}

// Start listens for HTTP and WebSocket connections. It blocks until the
// context is cancelled or an error occurs.
func (s *Server) Start(ctx context.Context) error {
	addr := resolveBindAddr(s.cfg.Gateway)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /ws", s.handleWebSocket)
	mux.HandleFunc("/", handleNotFound)

	handler := withMiddleware(mux, s.log, s.cfg.Gateway.AllowedOrigins)

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      handler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
		BaseContext:  func(l net.Listener) context.Context { return ctx },
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	s.startedAt = time.Now()
	s.log.Info().
		Str("addr", ln.Addr().String()).
		Str("bind", s.cfg.Gateway.Bind).
		Msg("gateway server ready")

	go func() {
		<-ctx.Done()
		s.log.Info().Msg("shutting down gateway server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		s.clients.CloseAll()
		s.httpServer.Shutdown(shutdownCtx)
	}()

	if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// handleHealth reports liveness. Detail stays behind authentication.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func handleNotFound(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusNotFound)
	json.NewEncoder(w).Encode(map[string]string{
		"error": "not found",
		"path":  r.URL.Path,
	})
}

// handleWebSocket upgrades the connection and runs its modal session until
// disconnect. Teardown always runs, including on abnormal close.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if !s.allowAttempt(r.RemoteAddr) {
		s.log.Warn().Str("remote", r.RemoteAddr).Msg("rate limited, too many failed auth attempts")
		http.Error(w, "too many requests", http.StatusTooManyRequests)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Error().Err(err).Msg("websocket upgrade failed")
		return
	}
	conn.SetReadLimit(1 * 1024 * 1024)

	client, err := s.handshake(conn)
	if err != nil {
		s.log.Warn().Err(err).Msg("handshake failed")
		s.recordFailure(conn.RemoteAddr().String())
		conn.Close()
		return
	}

	modal := s.newModal(func(evt orchestrator.Event) {
		if err := client.SendEvent(string(evt.Kind), evt); err != nil && !errors.Is(err, ErrClientClosed) {
			s.log.Warn().Err(err).Str("connId", client.ConnID).Msg("event send failed")
		}
	})

	// In-flight connect/ask calls die with the connection.
	ctx, cancel := context.WithCancel(context.Background())

	s.clients.Add(client)
	defer func() {
		cancel()
		modal.Close()
		s.clients.Remove(client.ConnID)
		client.Close()
	}()

	s.readLoop(ctx, client, modal)
}

// handshake authenticates the first frame, which must be a connect request.
func (s *Server) handshake(conn *websocket.Conn) (*Client, error) {
	conn.SetReadDeadline(time.Now().Add(10 * time.Second))

	_, msg, err := conn.ReadMessage()
	if err != nil {
		return nil, fmt.Errorf("reading connect: %w", err)
	}

	var frame Frame
	if err := json.Unmarshal(msg, &frame); err != nil {
		return nil, fmt.Errorf("parsing connect frame: %w", err)
	}
	if frame.Type != FrameTypeRequest || frame.Method != "connect" {
		sendErrorAndClose(conn, frame.ID, "protocol_error", "expected connect request")
		return nil, fmt.Errorf("expected connect request, got type=%s method=%s", frame.Type, frame.Method)
	}

	var params ConnectParams
	if err := json.Unmarshal(frame.Params, &params); err != nil {
		sendErrorAndClose(conn, frame.ID, "invalid_params", "invalid connect params")
		return nil, fmt.Errorf("parsing connect params: %w", err)
	}

	authResult := Authorize(s.auth, params.Auth)
	if !authResult.OK {
		sendErrorAndClose(conn, frame.ID, "unauthorized", authResult.Reason)
		return nil, fmt.Errorf("auth failed: %s", authResult.Reason)
	}

	conn.SetReadDeadline(time.Time{})
	client := NewClient(conn, params.Client, s.log.Sub("ws"))

	hello := HelloOK{
		Protocol: ProtocolVersion,
		Server:   ServerInfo{Version: version.Version, ConnID: client.ConnID},
		Methods:  s.Methods(),
		Events:   s.Events(),
	}
	resp, err := NewResponse(frame.ID, hello)
	if err != nil {
		return nil, fmt.Errorf("creating hello response: %w", err)
	}
	if err := conn.WriteJSON(resp); err != nil {
		return nil, fmt.Errorf("sending hello: %w", err)
	}

	s.log.Info().
		Str("connId", client.ConnID).
		Str("clientId", params.Client.ID).
		Msg("client authenticated")
	return client, nil
}

// readLoop processes request frames until the connection drops.
func (s *Server) readLoop(ctx context.Context, client *Client, modal ModalSession) {
	for {
		frame, err := client.ReadFrame()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.log.Debug().Str("connId", client.ConnID).Msg("client closed connection")
			} else {
				s.log.Warn().Err(err).Str("connId", client.ConnID).Msg("read error")
			}
			return
		}
		if frame.Type != FrameTypeRequest {
			s.log.Debug().Str("type", frame.Type).Msg("ignoring non-request frame")
			continue
		}
		s.dispatch(ctx, client, modal, frame)
	}
}

// allowAttempt and recordFailure implement a small per-IP failure limiter.
func (s *Server) allowAttempt(remoteAddr string) bool {
	host, _, _ := net.SplitHostPort(remoteAddr)
	if host == "" {
		host = remoteAddr
	}

	s.limiterMu.Lock()
	defer s.limiterMu.Unlock()

	cutoff := time.Now().Add(-authRateWindow)
	recent := s.failures[host][:0]
	for _, t := range s.failures[host] {
		if t.After(cutoff) {
			recent = append(recent, t)
		}
	}
	if len(recent) == 0 {
		delete(s.failures, host)
		return true
	}
	s.failures[host] = recent
	return len(recent) < authRateMaxFails
}

func (s *Server) recordFailure(remoteAddr string) {
	host, _, _ := net.SplitHostPort(remoteAddr)
	if host == "" {
		host = remoteAddr
	}

	s.limiterMu.Lock()
	defer s.limiterMu.Unlock()
	s.failures[host] = append(s.failures[host], time.Now())
}

// sendErrorAndClose sends an error response and closes the connection.
func sendErrorAndClose(conn *websocket.Conn, reqID, code, message string) {
	conn.WriteJSON(NewErrorResponse(reqID, ErrorShape{Code: code, Message: message}))
	conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, message))
}
