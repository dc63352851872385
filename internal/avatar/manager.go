// Package avatar requests and tracks a server-brokered video-avatar
// conversation. There is no local peer connection: the "connection" is a
// conversation reference plus a display URL the embedder frames.
package avatar

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/branchline/concierge/internal/config"
	"github.com/branchline/concierge/internal/logging"
	"github.com/branchline/concierge/internal/session"
)

// State is the avatar session lifecycle state.
type State string

const (
	StateIdle       State = "idle"
	StateConnecting State = "connecting"
	StateLive       State = "live"
	StateFallback   State = "fallback"
)

// DefaultStage is used when the bootstrap collaborator reports a failure
// without naming a stage. StageFeatureDisabled matches the audio manager's
// rendering of the same precondition.
const (
	DefaultStage         = "session_setup"
	StageFeatureDisabled = "feature flag disabled"
)

// detailCap bounds the sanitized detail attached to a ConnectError. The
// collaborator caps at 200 upstream; this layer re-caps to 120.
const detailCap = 120

// Conversation is a live avatar session reference.
type Conversation struct {
	ID  string `json:"conversationId"`
	URL string `json:"conversationUrl"`
}

// ConnectError reports a failed connect attempt. Stage passes through the
// server-reported value when present.
type ConnectError struct {
	Stage  string
	Detail string
}

func (e *ConnectError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s", e.Stage, e.Detail)
	}
	return e.Stage
}

// ManagerConfig carries the tunables for the avatar manager.
type ManagerConfig struct {
	Enabled           bool
	BootstrapEndpoint string
	Timeout           time.Duration
	RecentLimit       int
}

// ManagerConfigFrom converts the file-level avatar section.
func ManagerConfigFrom(cfg config.AvatarConfig) ManagerConfig {
	return ManagerConfig{
		Enabled:           cfg.Enabled,
		BootstrapEndpoint: cfg.BootstrapEndpoint,
		Timeout:           time.Duration(cfg.TimeoutSeconds) * time.Second,
		RecentLimit:       cfg.RecentTranscriptLimit,
	}
}

// Manager owns one avatar session: idle → connecting → live → fallback.
type Manager struct {
	cfg    ManagerConfig
	client *http.Client
	log    *logging.Logger

	mu    sync.Mutex
	state State
	conv  *Conversation
}

// NewManager creates an avatar session manager.
func NewManager(cfg ManagerConfig, log *logging.Logger) *Manager {
	return &Manager{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		log:    log.Sub("avatar"),
		state:  StateIdle,
	}
}

// State returns the current lifecycle state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Conversation returns the live conversation reference, or nil.
func (m *Manager) Conversation() *Conversation {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.conv
}

type transcriptEntry struct {
	Role      string    `json:"role"`
	Text      string    `json:"text"`
	Source    string    `json:"source"`
	Timestamp time.Time `json:"timestamp"`
}

type connectRequest struct {
	OriginalQuestion    string            `json:"originalQuestion"`
	TriageAnswer        string            `json:"triageAnswer,omitempty"`
	RecommendedNextStep string            `json:"recommendedNextStep,omitempty"`
	RecentTranscript    []transcriptEntry `json:"recentTranscript"`
	Context             requestContext    `json:"context"`
}

type requestContext struct {
	Source      string `json:"source"`
	CurrentMode string `json:"currentMode"`
	SessionID   string `json:"sessionId"`
}

type connectResponse struct {
	OK              bool   `json:"ok"`
	ConversationID  string `json:"conversationId"`
	ConversationURL string `json:"conversationUrl"`
	Mode            string `json:"mode"`
	Error           string `json:"error"`
	Stage           string `json:"stage"`
}

// Connect requests a conversation for the given session snapshot. The
// request carries the triage summary and the most recent transcript entries
// (bounded by RecentLimit) so the avatar agent has context. On failure the
// manager moves to fallback and returns a stage-tagged error; the caller
// decides whether the shared session demotes to audio or fallback.
func (m *Manager) Connect(ctx context.Context, sctx session.Context) (*Conversation, *ConnectError) {
	m.mu.Lock()
	if !m.cfg.Enabled {
		m.state = StateFallback
		m.mu.Unlock()
		return nil, &ConnectError{Stage: StageFeatureDisabled, Detail: "video sessions are disabled"}
	}
	m.state = StateConnecting
	m.mu.Unlock()

	conv, cerr := m.request(ctx, sctx)
	m.mu.Lock()
	defer m.mu.Unlock()
	if cerr != nil {
		m.state = StateFallback
		m.conv = nil
		m.log.Warn().Str("stage", cerr.Stage).Str("detail", cerr.Detail).Msg("avatar session failed")
		return nil, cerr
	}
	m.state = StateLive
	m.conv = conv
	m.log.Info().Str("conversationId", conv.ID).Msg("avatar session live")
	return conv, nil
}

func (m *Manager) request(ctx context.Context, sctx session.Context) (*Conversation, *ConnectError) {
	if m.cfg.BootstrapEndpoint == "" {
		return nil, &ConnectError{Stage: DefaultStage, Detail: "avatar endpoint not configured"}
	}

	recent := session.RecentEntries(sctx, m.cfg.RecentLimit)
	entries := make([]transcriptEntry, 0, len(recent))
	for _, msg := range recent {
		entries = append(entries, transcriptEntry{
			Role:      string(msg.Role),
			Text:      msg.Text,
			Source:    string(msg.Source),
			Timestamp: msg.Timestamp,
		})
	}

	payload, err := json.Marshal(connectRequest{
		OriginalQuestion:    sctx.OriginalQuestion,
		TriageAnswer:        sctx.TriageAnswer,
		RecommendedNextStep: sctx.RecommendedNextStep,
		RecentTranscript:    entries,
		Context: requestContext{
			Source:      "concierge",
			CurrentMode: string(sctx.Mode),
			SessionID:   sctx.ID,
		},
	})
	if err != nil {
		return nil, &ConnectError{Stage: DefaultStage, Detail: sanitize(err.Error())}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.cfg.BootstrapEndpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, &ConnectError{Stage: DefaultStage, Detail: sanitize(err.Error())}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := m.client.Do(req)
	if err != nil {
		return nil, &ConnectError{Stage: DefaultStage, Detail: sanitize(err.Error())}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &ConnectError{Stage: DefaultStage, Detail: sanitize(err.Error())}
	}

	var parsed connectResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, &ConnectError{Stage: "response_parse", Detail: "malformed avatar response"}
	}

	if resp.StatusCode != http.StatusOK || !parsed.OK {
		stage := parsed.Stage
		if stage == "" {
			stage = DefaultStage
		}
		detail := parsed.Error
		if detail == "" {
			detail = fmt.Sprintf("avatar bootstrap returned status %d", resp.StatusCode)
		}
		return nil, &ConnectError{Stage: sanitize(stage), Detail: sanitize(detail)}
	}

	if parsed.ConversationID == "" || parsed.ConversationURL == "" {
		return nil, &ConnectError{Stage: "response_parse", Detail: "avatar response missing conversation fields"}
	}

	return &Conversation{ID: parsed.ConversationID, URL: parsed.ConversationURL}, nil
}

// Close drops the conversation reference and returns to idle. The embedded
// display surface is torn down by the UI; nothing is held locally.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.conv != nil {
		m.log.Info().Str("conversationId", m.conv.ID).Msg("avatar session closed")
	}
	m.conv = nil
	m.state = StateIdle
}

// sanitize collapses whitespace and caps the string at detailCap.
func sanitize(s string) string {
	s = strings.Join(strings.Fields(s), " ")
	if len(s) > detailCap {
		s = s[:detailCap]
	}
	return s
}
