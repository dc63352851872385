// Package realtime establishes and tears down the low-latency audio link to
// the voice agent. Every connect failure is classified into a stable,
// user-displayable stage before the session demotes to fallback.
package realtime

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/branchline/concierge/internal/config"
	"github.com/branchline/concierge/internal/logging"
)

// State is the audio session lifecycle state.
type State string

const (
	StateIdle       State = "idle"
	StateConnecting State = "connecting"
	StateLive       State = "live"
	StateFallback   State = "fallback"
)

// ManagerConfig carries the tunables for one audio session manager.
type ManagerConfig struct {
	Enabled            bool
	BootstrapEndpoint  string
	ProviderBaseURL    string
	DataChannelTimeout time.Duration
	HTTPTimeout        time.Duration
	SpeakingHold       time.Duration
}

// ManagerConfigFrom converts the file-level realtime section.
func ManagerConfigFrom(cfg config.RealtimeConfig) ManagerConfig {
	return ManagerConfig{
		Enabled:            cfg.Enabled,
		BootstrapEndpoint:  cfg.BootstrapEndpoint,
		ProviderBaseURL:    cfg.ProviderBaseURL,
		DataChannelTimeout: time.Duration(cfg.DataChannelTimeoutMs) * time.Millisecond,
		HTTPTimeout:        time.Duration(cfg.HTTPTimeoutSeconds) * time.Second,
		SpeakingHold:       time.Duration(cfg.SpeakingHoldMs) * time.Millisecond,
	}
}

// Hooks receive session output. Both callbacks fire from transport
// goroutines; implementations must be safe for that.
type Hooks struct {
	// OnTranscript receives agent text whenever the provider marks a
	// response complete.
	OnTranscript func(text string)

	// OnSpeaking fires when the agent-speaking indicator toggles.
	OnSpeaking func(speaking bool)
}

// connection bundles the resources of one live attempt so they are always
// disposed together.
type connection struct {
	stream    CaptureStream
	transport transport
	creds     Credentials

	closeOnce sync.Once
}

// dispose tears everything down. Safe to call twice.
func (c *connection) dispose() {
	c.closeOnce.Do(func() {
		if c.transport != nil {
			_ = c.transport.Close()
		}
		if c.stream != nil {
			_ = c.stream.Close()
		}
	})
}

// Manager owns the audio session state machine: idle → connecting → live →
// fallback. There is no fallback → live shortcut; reconnection re-enters
// Connect explicitly.
type Manager struct {
	cfg          ManagerConfig
	capture      CaptureSource
	sink         RemoteSink
	newTransport transportFactory
	client       *http.Client
	log          *logging.Logger

	mu         sync.Mutex
	state      State
	epoch      uint64
	conn       *connection
	hooks      Hooks
	speaking   bool
	speakTimer *time.Timer
}

// Option customizes a Manager, mainly for tests.
type Option func(*Manager)

// WithTransportFactory replaces the pion-backed transport.
func WithTransportFactory(f transportFactory) Option {
	return func(m *Manager) { m.newTransport = f }
}

// WithHTTPClient replaces the bootstrap/handshake HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(m *Manager) { m.client = c }
}

// NewManager creates an audio session manager. capture may be nil when the
// runtime has no media capture wired in; Connect then degrades immediately
// with the unsupported stage.
func NewManager(cfg ManagerConfig, capture CaptureSource, sink RemoteSink, log *logging.Logger, opts ...Option) *Manager {
	m := &Manager{
		cfg:     cfg,
		capture: capture,
		sink:    sink,
		client:  &http.Client{Timeout: cfg.HTTPTimeout},
		log:     log.Sub("realtime"),
		state:   StateIdle,
	}
	m.newTransport = func(stream CaptureStream) (transport, error) {
		return newPionTransport(stream, m.sink, m.log)
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// State returns the current lifecycle state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Speaking reports whether the agent-speaking indicator is set.
func (m *Manager) Speaking() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.speaking
}

// Level returns the live microphone amplitude, or 0 when not connected.
func (m *Manager) Level() float64 {
	m.mu.Lock()
	conn := m.conn
	m.mu.Unlock()
	if conn == nil || conn.stream == nil {
		return 0
	}
	return conn.stream.Level()
}

// Connect runs the full setup sequence for the given triage question. On
// failure it cleans up all resources, moves to fallback, and returns the
// stage-tagged error; the caller turns that into a transcript note.
// Returns nil once live.
func (m *Manager) Connect(ctx context.Context, question string, hooks Hooks) *FlowError {
	m.mu.Lock()
	if !m.cfg.Enabled {
		m.state = StateFallback
		m.mu.Unlock()
		return flowErr(StageFeatureDisabled, "voice sessions are disabled", nil)
	}
	if m.capture == nil || m.newTransport == nil {
		m.state = StateFallback
		m.mu.Unlock()
		return flowErr(StageRuntimeUnsupported, "no media capture available", nil)
	}

	// A new attempt supersedes any previous connection.
	if old := m.conn; old != nil {
		m.conn = nil
		old.dispose()
	}
	m.epoch++
	epoch := m.epoch
	m.state = StateConnecting
	m.hooks = hooks
	m.setSpeakingLocked(false)
	m.mu.Unlock()

	m.log.Info().Msg("connecting voice session")

	conn, ferr := m.establish(ctx, question, epoch)
	if ferr != nil {
		if conn != nil {
			conn.dispose()
		}
		m.mu.Lock()
		if m.epoch == epoch {
			m.conn = nil
			m.state = StateFallback
		}
		m.mu.Unlock()
		m.log.Warn().Str("stage", string(ferr.Stage)).Str("detail", ferr.Detail).Msg("voice session failed")
		return ferr
	}

	m.mu.Lock()
	if m.epoch != epoch {
		// Torn down or superseded while connecting; discard the result.
		m.mu.Unlock()
		conn.dispose()
		return flowErr(StageUnknown, "connection superseded", nil)
	}
	m.conn = conn
	m.state = StateLive
	m.mu.Unlock()

	// Ask for server-side voice activity detection. Fire-and-forget: the
	// local barge-in monitor stays authoritative whether or not the
	// provider honors this.
	_ = conn.transport.Send(turnDetectionPayload())

	m.log.Info().Str("model", conn.creds.Model).Msg("voice session live")
	return nil
}

// establish performs the staged connect sequence. Each step's failure maps
// to exactly one stage.
func (m *Manager) establish(ctx context.Context, question string, epoch uint64) (*connection, *FlowError) {
	// 1. microphone access
	stream, err := m.capture.Open(ctx)
	if err != nil {
		return nil, flowErr(StageMicDenied, "", err)
	}
	conn := &connection{stream: stream}

	// 2. ephemeral session credential
	if m.cfg.BootstrapEndpoint == "" {
		return conn, flowErr(StageSessionSetup, "bootstrap endpoint not configured", nil)
	}
	creds, ferr := fetchCredentials(ctx, m.client, m.cfg.BootstrapEndpoint, question)
	if ferr != nil {
		return conn, ferr
	}
	conn.creds = *creds

	// 3. peer connection construction and track attach
	tr, err := m.newTransport(stream)
	if err != nil {
		return conn, flowErr(StageWebRTCSetup, "", err)
	}
	conn.transport = tr

	offer, err := tr.Offer(ctx)
	if err != nil {
		return conn, flowErr(StageWebRTCSetup, "", err)
	}

	// 4. SDP offer/answer over HTTP
	answer, err := exchangeSDP(ctx, m.client, m.cfg.ProviderBaseURL, creds.Model, creds.ClientSecret, offer)
	if err != nil {
		return conn, flowErr(StageSDPHandshake, "", err)
	}

	// 5. apply the answer, wait for the event channel
	tr.OnEvent(func(data []byte) { m.handleEvent(epoch, data) })
	if err := tr.Accept(ctx, answer, m.cfg.DataChannelTimeout); err != nil {
		return conn, flowErr(StageDataChannel, "", err)
	}

	return conn, nil
}

// handleEvent processes one inbound data-channel payload. Guarded by epoch
// so events from a torn-down connection never reach a newer session.
func (m *Manager) handleEvent(epoch uint64, data []byte) {
	evt, ok := parseServerEvent(data)
	if !ok {
		return
	}

	m.mu.Lock()
	if m.epoch != epoch || m.state != StateLive {
		m.mu.Unlock()
		return
	}
	hooks := m.hooks
	if evt.signalsSpeech() {
		m.markSpeakingLocked(epoch)
	}
	m.mu.Unlock()

	if evt.completesResponse() {
		if text := evt.transcriptText(); text != "" && hooks.OnTranscript != nil {
			hooks.OnTranscript(text)
		}
	}
}

// markSpeakingLocked sets the speaking indicator and (re)arms the
// self-clearing timer. Caller holds m.mu.
func (m *Manager) markSpeakingLocked(epoch uint64) {
	m.setSpeakingLocked(true)
	if m.speakTimer != nil {
		m.speakTimer.Stop()
	}
	m.speakTimer = time.AfterFunc(m.cfg.SpeakingHold, func() {
		m.mu.Lock()
		if m.epoch == epoch {
			m.setSpeakingLocked(false)
		}
		m.mu.Unlock()
	})
}

// setSpeakingLocked updates the flag and fires the hook on change. Caller
// holds m.mu.
func (m *Manager) setSpeakingLocked(speaking bool) {
	if m.speaking == speaking {
		return
	}
	m.speaking = speaking
	if hook := m.hooks.OnSpeaking; hook != nil {
		go hook(speaking)
	}
}

// ClearSpeaking drops the speaking indicator immediately, used by barge-in.
func (m *Manager) ClearSpeaking() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.speakTimer != nil {
		m.speakTimer.Stop()
	}
	m.setSpeakingLocked(false)
}

// Send wraps user text in the provider message and response-trigger
// payloads and writes them to the open event channel. Returns
// ErrChannelClosed when no live channel exists so the caller can fall back
// to the HTTP triage path.
func (m *Manager) Send(text string) error {
	m.mu.Lock()
	conn := m.conn
	live := m.state == StateLive
	m.mu.Unlock()

	if !live || conn == nil || conn.transport == nil {
		return ErrChannelClosed
	}

	payload, err := userMessagePayload(text)
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}
	if err := conn.transport.Send(payload); err != nil {
		return err
	}
	return conn.transport.Send(responseCreatePayload())
}

// Cancel asks the provider to stop the current response. Best-effort; the
// caller pairs it with a local mute.
func (m *Manager) Cancel() error {
	m.mu.Lock()
	conn := m.conn
	m.mu.Unlock()
	if conn == nil || conn.transport == nil {
		return ErrChannelClosed
	}
	return conn.transport.Send(responseCancelPayload())
}

// MuteRemote silences agent playback for the given window.
func (m *Manager) MuteRemote(d time.Duration) {
	m.mu.Lock()
	conn := m.conn
	m.mu.Unlock()
	if conn != nil && conn.transport != nil {
		conn.transport.MuteRemote(d)
	}
}

// Close tears down all resources identically to the failure path, without
// marking a failure: this is a clean cancel. The manager returns to idle
// and can connect again.
func (m *Manager) Close() {
	m.mu.Lock()
	m.epoch++
	conn := m.conn
	m.conn = nil
	m.state = StateIdle
	if m.speakTimer != nil {
		m.speakTimer.Stop()
		m.speakTimer = nil
	}
	m.setSpeakingLocked(false)
	m.hooks = Hooks{}
	m.mu.Unlock()

	if conn != nil {
		conn.dispose()
		m.log.Info().Msg("voice session closed")
	}
}
