package avatar

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/branchline/concierge/internal/config"
	"github.com/branchline/concierge/internal/logging"
	"github.com/branchline/concierge/internal/session"
)

func testLogger() *logging.Logger {
	return logging.New(nil, "silent", "json")
}

func testConfig(endpoint string) ManagerConfig {
	return ManagerConfig{
		Enabled:           true,
		BootstrapEndpoint: endpoint,
		Timeout:           5 * time.Second,
		RecentLimit:       8,
	}
}

func seededSession(t *testing.T, entries int) session.Context {
	t.Helper()
	sctx := session.New("How do we value a services firm?")
	sctx = session.UpdateTriageSummary(sctx,
		"How do we value a services firm?",
		"Start with normalized EBITDA.",
		"Show me a 30-day plan")
	sctx = session.SetMode(sctx, session.ModeVideo, nil)
	for i := 0; i < entries; i++ {
		role := session.RoleUser
		if i%2 == 1 {
			role = session.RoleAssistant
		}
		sctx = session.AppendMessage(sctx, session.NewMessage(role, session.SourceTriage, "entry"))
	}
	return sctx
}

func TestManagerConfigFrom(t *testing.T) {
	mc := ManagerConfigFrom(config.AvatarConfig{
		Enabled:               true,
		BootstrapEndpoint:     "https://api.example.com/avatar",
		TimeoutSeconds:        12,
		RecentTranscriptLimit: 8,
	})

	assert.True(t, mc.Enabled)
	assert.Equal(t, 12*time.Second, mc.Timeout)
	assert.Equal(t, 8, mc.RecentLimit)
}

func TestConnectSuccess(t *testing.T) {
	var captured connectRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&captured))
		json.NewEncoder(w).Encode(map[string]any{
			"ok":              true,
			"conversationId":  "conv-42",
			"conversationUrl": "https://avatar.example.com/conv-42",
			"mode":            "video",
		})
	}))
	defer srv.Close()

	m := NewManager(testConfig(srv.URL), testLogger())
	sctx := seededSession(t, 3)

	conv, cerr := m.Connect(context.Background(), sctx)
	require.Nil(t, cerr)
	require.NotNil(t, conv)
	assert.Equal(t, "conv-42", conv.ID)
	assert.Equal(t, "https://avatar.example.com/conv-42", conv.URL)
	assert.Equal(t, StateLive, m.State())
	assert.Equal(t, conv, m.Conversation())

	assert.Equal(t, "How do we value a services firm?", captured.OriginalQuestion)
	assert.Equal(t, "Start with normalized EBITDA.", captured.TriageAnswer)
	assert.Equal(t, "Show me a 30-day plan", captured.RecommendedNextStep)
	assert.Equal(t, "concierge", captured.Context.Source)
	assert.Equal(t, "video", captured.Context.CurrentMode)
	assert.Equal(t, sctx.ID, captured.Context.SessionID)
	assert.Len(t, captured.RecentTranscript, 3)
	assert.Equal(t, "user", captured.RecentTranscript[0].Role)
}

func TestConnectBoundsRecentTranscript(t *testing.T) {
	var captured connectRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&captured))
		json.NewEncoder(w).Encode(map[string]any{
			"ok": true, "conversationId": "c", "conversationUrl": "https://x.test/c",
		})
	}))
	defer srv.Close()

	m := NewManager(testConfig(srv.URL), testLogger())
	_, cerr := m.Connect(context.Background(), seededSession(t, 20))
	require.Nil(t, cerr)
	assert.Len(t, captured.RecentTranscript, 8)
}

func TestConnectFeatureDisabled(t *testing.T) {
	// No server: a disabled manager must not reach the network.
	cfg := testConfig("http://127.0.0.1:1/avatar")
	cfg.Enabled = false
	m := NewManager(cfg, testLogger())

	conv, cerr := m.Connect(context.Background(), seededSession(t, 0))
	assert.Nil(t, conv)
	require.NotNil(t, cerr)
	assert.Equal(t, StageFeatureDisabled, cerr.Stage)
	assert.Equal(t, StateFallback, m.State())
}

func TestConnectMissingEndpoint(t *testing.T) {
	cfg := testConfig("")
	m := NewManager(cfg, testLogger())

	_, cerr := m.Connect(context.Background(), seededSession(t, 0))
	require.NotNil(t, cerr)
	assert.Equal(t, DefaultStage, cerr.Stage)
	assert.Equal(t, StateFallback, m.State())
}

func TestConnectServerReportedStage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		json.NewEncoder(w).Encode(map[string]any{
			"ok":    false,
			"stage": "provider_quota",
			"error": "concurrent conversation limit reached",
		})
	}))
	defer srv.Close()

	m := NewManager(testConfig(srv.URL), testLogger())
	_, cerr := m.Connect(context.Background(), seededSession(t, 1))
	require.NotNil(t, cerr)
	assert.Equal(t, "provider_quota", cerr.Stage)
	assert.Equal(t, "concurrent conversation limit reached", cerr.Detail)
	assert.Equal(t, StateFallback, m.State())
	assert.Nil(t, m.Conversation())
}

func TestConnectFailureWithoutStageUsesDefault(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		json.NewEncoder(w).Encode(map[string]any{"ok": false})
	}))
	defer srv.Close()

	m := NewManager(testConfig(srv.URL), testLogger())
	_, cerr := m.Connect(context.Background(), seededSession(t, 0))
	require.NotNil(t, cerr)
	assert.Equal(t, DefaultStage, cerr.Stage)
	assert.Contains(t, cerr.Detail, "status 500")
}

func TestConnectMalformedResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("not json"))
	}))
	defer srv.Close()

	m := NewManager(testConfig(srv.URL), testLogger())
	_, cerr := m.Connect(context.Background(), seededSession(t, 0))
	require.NotNil(t, cerr)
	assert.Equal(t, "response_parse", cerr.Stage)
}

func TestConnectMissingConversationFields(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"ok": true, "conversationId": "c"})
	}))
	defer srv.Close()

	m := NewManager(testConfig(srv.URL), testLogger())
	_, cerr := m.Connect(context.Background(), seededSession(t, 0))
	require.NotNil(t, cerr)
	assert.Equal(t, "response_parse", cerr.Stage)
}

func TestConnectDetailSanitized(t *testing.T) {
	long := strings.Repeat("x ", 200)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		json.NewEncoder(w).Encode(map[string]any{"ok": false, "error": long})
	}))
	defer srv.Close()

	m := NewManager(testConfig(srv.URL), testLogger())
	_, cerr := m.Connect(context.Background(), seededSession(t, 0))
	require.NotNil(t, cerr)
	assert.LessOrEqual(t, len(cerr.Detail), 120)
	assert.NotContains(t, cerr.Detail, "\n")
}

func TestCloseReturnsToIdle(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"ok": true, "conversationId": "c", "conversationUrl": "https://x.test/c",
		})
	}))
	defer srv.Close()

	m := NewManager(testConfig(srv.URL), testLogger())
	_, cerr := m.Connect(context.Background(), seededSession(t, 0))
	require.Nil(t, cerr)

	m.Close()
	assert.Equal(t, StateIdle, m.State())
	assert.Nil(t, m.Conversation())
}

func TestConnectErrorString(t *testing.T) {
	assert.Equal(t, "session_setup: boom", (&ConnectError{Stage: "session_setup", Detail: "boom"}).Error())
	assert.Equal(t, "session_setup", (&ConnectError{Stage: "session_setup"}).Error())
}
