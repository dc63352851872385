package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/branchline/concierge/internal/logging"
)

func silentLog() *logging.Logger {
	return logging.New(nil, "silent", "json")
}

// --- test doubles ---

type fakeStream struct {
	mu     sync.Mutex
	level  float64
	closed bool
}

func (s *fakeStream) Track() webrtc.TrackLocal { return nil }

func (s *fakeStream) Level() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.level
}

func (s *fakeStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *fakeStream) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

type fakeCapture struct {
	err    error
	stream *fakeStream
}

func (c *fakeCapture) Open(ctx context.Context) (CaptureStream, error) {
	if c.err != nil {
		return nil, c.err
	}
	if c.stream == nil {
		c.stream = &fakeStream{}
	}
	return c.stream, nil
}

type fakeTransport struct {
	offerErr  error
	acceptErr error
	sendErr   error

	mu      sync.Mutex
	onEvent func([]byte)
	sent    [][]byte
	closed  bool
	mutes   []time.Duration
}

func (t *fakeTransport) Offer(ctx context.Context) (string, error) {
	if t.offerErr != nil {
		return "", t.offerErr
	}
	return "v=0 offer", nil
}

func (t *fakeTransport) Accept(ctx context.Context, answerSDP string, timeout time.Duration) error {
	return t.acceptErr
}

func (t *fakeTransport) Send(payload []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return ErrChannelClosed
	}
	if t.sendErr != nil {
		return t.sendErr
	}
	t.sent = append(t.sent, payload)
	return nil
}

func (t *fakeTransport) OnEvent(fn func(data []byte)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onEvent = fn
}

func (t *fakeTransport) MuteRemote(d time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.mutes = append(t.mutes, d)
}

func (t *fakeTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	return nil
}

func (t *fakeTransport) deliver(payload string) {
	t.mu.Lock()
	fn := t.onEvent
	t.mu.Unlock()
	if fn != nil {
		fn([]byte(payload))
	}
}

func (t *fakeTransport) sentTypes() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	var types []string
	for _, p := range t.sent {
		var m map[string]any
		if json.Unmarshal(p, &m) == nil {
			types = append(types, m["type"].(string))
		}
	}
	return types
}

// --- collaborator servers ---

func bootstrapOK(t *testing.T) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"ok":           true,
			"clientSecret": "ek_test",
			"model":        "gpt-realtime",
			"voice":        "alloy",
		})
	}))
}

func sdpOK(t *testing.T) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "Bearer ek_test", r.Header.Get("Authorization"))
		require.Equal(t, "application/sdp", r.Header.Get("Content-Type"))
		require.Equal(t, "gpt-realtime", r.URL.Query().Get("model"))
		w.Write([]byte("v=0 answer"))
	}))
}

func testManager(t *testing.T, cfg ManagerConfig, capture CaptureSource, tr transport) *Manager {
	t.Helper()
	opts := []Option{}
	if tr != nil {
		opts = append(opts, WithTransportFactory(func(stream CaptureStream) (transport, error) {
			return tr, nil
		}))
	}
	return NewManager(cfg, capture, NopSink{}, silentLog(), opts...)
}

func liveConfig(bootstrapURL, sdpURL string) ManagerConfig {
	return ManagerConfig{
		Enabled:            true,
		BootstrapEndpoint:  bootstrapURL,
		ProviderBaseURL:    sdpURL,
		DataChannelTimeout: time.Second,
		HTTPTimeout:        5 * time.Second,
		SpeakingHold:       50 * time.Millisecond,
	}
}

// --- stage classification ---

func TestConnectFeatureDisabled(t *testing.T) {
	hits := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { hits++ }))
	defer srv.Close()

	cfg := liveConfig(srv.URL, srv.URL)
	cfg.Enabled = false
	m := testManager(t, cfg, &fakeCapture{}, &fakeTransport{})

	ferr := m.Connect(context.Background(), "q", Hooks{})
	require.NotNil(t, ferr)
	assert.Equal(t, StageFeatureDisabled, ferr.Stage)
	assert.Equal(t, StateFallback, m.State())
	assert.Zero(t, hits, "no network calls when disabled")
}

func TestConnectRuntimeUnsupported(t *testing.T) {
	m := testManager(t, liveConfig("http://unused", "http://unused"), nil, &fakeTransport{})

	ferr := m.Connect(context.Background(), "q", Hooks{})
	require.NotNil(t, ferr)
	assert.Equal(t, StageRuntimeUnsupported, ferr.Stage)
	assert.Equal(t, StateFallback, m.State())
}

func TestConnectMicDenied(t *testing.T) {
	m := testManager(t, liveConfig("http://unused", "http://unused"),
		&fakeCapture{err: errors.New("permission denied by user")}, &fakeTransport{})

	ferr := m.Connect(context.Background(), "q", Hooks{})
	require.NotNil(t, ferr)
	assert.Equal(t, StageMicDenied, ferr.Stage)
	assert.Contains(t, ferr.Detail, "permission denied")
	assert.Equal(t, StateFallback, m.State())
}

func TestConnectSessionSetupFailed(t *testing.T) {
	for _, stage := range []string{"env", "session_setup"} {
		t.Run(stage, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusBadGateway)
				json.NewEncoder(w).Encode(map[string]any{"ok": false, "error": "upstream rejected", "stage": stage})
			}))
			defer srv.Close()

			capture := &fakeCapture{}
			m := testManager(t, liveConfig(srv.URL, "http://unused"), capture, &fakeTransport{})

			ferr := m.Connect(context.Background(), "q", Hooks{})
			require.NotNil(t, ferr)
			assert.Equal(t, StageSessionSetup, ferr.Stage)
			assert.Equal(t, StateFallback, m.State())
			assert.True(t, capture.stream.isClosed(), "stream released on failure")
		})
	}
}

func TestConnectTokenParseFailed(t *testing.T) {
	t.Run("reported stage", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusInternalServerError)
			json.NewEncoder(w).Encode(map[string]any{"ok": false, "error": "bad token", "stage": "token_parse"})
		}))
		defer srv.Close()

		m := testManager(t, liveConfig(srv.URL, "http://unused"), &fakeCapture{}, &fakeTransport{})
		ferr := m.Connect(context.Background(), "q", Hooks{})
		require.NotNil(t, ferr)
		assert.Equal(t, StageTokenParse, ferr.Stage)
	})

	t.Run("missing credential fields", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			json.NewEncoder(w).Encode(map[string]any{"ok": true, "voice": "alloy"})
		}))
		defer srv.Close()

		m := testManager(t, liveConfig(srv.URL, "http://unused"), &fakeCapture{}, &fakeTransport{})
		ferr := m.Connect(context.Background(), "q", Hooks{})
		require.NotNil(t, ferr)
		assert.Equal(t, StageTokenParse, ferr.Stage)
	})

	t.Run("non-json body", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte("<html>oops</html>"))
		}))
		defer srv.Close()

		m := testManager(t, liveConfig(srv.URL, "http://unused"), &fakeCapture{}, &fakeTransport{})
		ferr := m.Connect(context.Background(), "q", Hooks{})
		require.NotNil(t, ferr)
		assert.Equal(t, StageTokenParse, ferr.Stage)
	})
}

func TestConnectWebRTCSetupFailed(t *testing.T) {
	bootstrap := bootstrapOK(t)
	defer bootstrap.Close()

	m := NewManager(liveConfig(bootstrap.URL, "http://unused"), &fakeCapture{}, NopSink{}, silentLog(),
		WithTransportFactory(func(stream CaptureStream) (transport, error) {
			return nil, errors.New("no compatible codec")
		}))

	ferr := m.Connect(context.Background(), "q", Hooks{})
	require.NotNil(t, ferr)
	assert.Equal(t, StageWebRTCSetup, ferr.Stage)
	assert.Equal(t, StateFallback, m.State())
}

func TestConnectOfferFailureIsWebRTCSetup(t *testing.T) {
	bootstrap := bootstrapOK(t)
	defer bootstrap.Close()

	tr := &fakeTransport{offerErr: errors.New("offer construction failed")}
	m := testManager(t, liveConfig(bootstrap.URL, "http://unused"), &fakeCapture{}, tr)

	ferr := m.Connect(context.Background(), "q", Hooks{})
	require.NotNil(t, ferr)
	assert.Equal(t, StageWebRTCSetup, ferr.Stage)
	assert.True(t, tr.closed, "transport disposed on failure")
}

func TestConnectSDPHandshakeFailed(t *testing.T) {
	bootstrap := bootstrapOK(t)
	defer bootstrap.Close()

	sdp := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		w.Write([]byte("invalid session"))
	}))
	defer sdp.Close()

	tr := &fakeTransport{}
	m := testManager(t, liveConfig(bootstrap.URL, sdp.URL), &fakeCapture{}, tr)

	ferr := m.Connect(context.Background(), "q", Hooks{})
	require.NotNil(t, ferr)
	assert.Equal(t, StageSDPHandshake, ferr.Stage)
	assert.Contains(t, ferr.Detail, "403")
}

func TestConnectDataChannelFailed(t *testing.T) {
	bootstrap := bootstrapOK(t)
	defer bootstrap.Close()
	sdp := sdpOK(t)
	defer sdp.Close()

	tr := &fakeTransport{acceptErr: errors.New("event channel did not open within 1s")}
	m := testManager(t, liveConfig(bootstrap.URL, sdp.URL), &fakeCapture{}, tr)

	ferr := m.Connect(context.Background(), "q", Hooks{})
	require.NotNil(t, ferr)
	assert.Equal(t, StageDataChannel, ferr.Stage)
	assert.Equal(t, StateFallback, m.State())
}

func TestClassifyUncategorized(t *testing.T) {
	ferr := Classify(errors.New("something odd"))
	require.NotNil(t, ferr)
	assert.Equal(t, StageUnknown, ferr.Stage)

	tagged := flowErr(StageSDPHandshake, "detail", nil)
	assert.Equal(t, StageSDPHandshake, Classify(tagged).Stage)

	assert.Nil(t, Classify(nil))
}

// --- live session behavior ---

func connectLive(t *testing.T, hooks Hooks) (*Manager, *fakeTransport, *fakeCapture, func()) {
	t.Helper()
	bootstrap := bootstrapOK(t)
	sdp := sdpOK(t)

	tr := &fakeTransport{}
	capture := &fakeCapture{}
	m := testManager(t, liveConfig(bootstrap.URL, sdp.URL), capture, tr)

	ferr := m.Connect(context.Background(), "q", hooks)
	require.Nil(t, ferr)
	require.Equal(t, StateLive, m.State())

	return m, tr, capture, func() {
		bootstrap.Close()
		sdp.Close()
	}
}

func TestConnectSuccess(t *testing.T) {
	m, tr, _, cleanup := connectLive(t, Hooks{})
	defer cleanup()
	defer m.Close()

	// server VAD requested best-effort on connect
	assert.Equal(t, []string{"session.update"}, tr.sentTypes())
}

func TestSendWrapsMessageAndTrigger(t *testing.T) {
	m, tr, _, cleanup := connectLive(t, Hooks{})
	defer cleanup()
	defer m.Close()

	require.NoError(t, m.Send("follow up"))
	assert.Equal(t, []string{"session.update", "conversation.item.create", "response.create"}, tr.sentTypes())
}

func TestSendWhenNotLive(t *testing.T) {
	m := testManager(t, liveConfig("http://unused", "http://unused"), &fakeCapture{}, &fakeTransport{})
	assert.ErrorIs(t, m.Send("hello"), ErrChannelClosed)
}

func TestTranscriptForwardedOnDone(t *testing.T) {
	var mu sync.Mutex
	var texts []string
	hooks := Hooks{OnTranscript: func(text string) {
		mu.Lock()
		texts = append(texts, text)
		mu.Unlock()
	}}

	m, tr, _, cleanup := connectLive(t, hooks)
	defer cleanup()
	defer m.Close()

	tr.deliver(`{"type":"response.audio.delta"}`)
	tr.deliver(`{"type":"response.done","response":{"output":[{"content":[{"transcript":"final answer"}]}]}}`)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, texts, 1)
	assert.Equal(t, "final answer", texts[0])
}

func TestSpeakingIndicatorSelfClears(t *testing.T) {
	m, tr, _, cleanup := connectLive(t, Hooks{})
	defer cleanup()
	defer m.Close()

	tr.deliver(`{"type":"response.audio.delta"}`)
	assert.True(t, m.Speaking())

	assert.Eventually(t, func() bool { return !m.Speaking() },
		time.Second, 10*time.Millisecond, "speaking indicator should self-clear")
}

func TestCancelSendsProviderCancel(t *testing.T) {
	m, tr, _, cleanup := connectLive(t, Hooks{})
	defer cleanup()
	defer m.Close()

	require.NoError(t, m.Cancel())
	types := tr.sentTypes()
	assert.Equal(t, "response.cancel", types[len(types)-1])
}

func TestCloseIsTotalTeardown(t *testing.T) {
	m, tr, capture, cleanup := connectLive(t, Hooks{})
	defer cleanup()

	m.Close()

	assert.Equal(t, StateIdle, m.State())
	assert.True(t, tr.closed, "transport closed")
	assert.True(t, capture.stream.isClosed(), "capture stream closed")
	assert.False(t, m.Speaking())
	assert.ErrorIs(t, m.Send("late"), ErrChannelClosed)

	// close again: idempotent
	m.Close()
}

func TestStaleEventsIgnoredAfterClose(t *testing.T) {
	var mu sync.Mutex
	var texts []string
	hooks := Hooks{OnTranscript: func(text string) {
		mu.Lock()
		texts = append(texts, text)
		mu.Unlock()
	}}

	m, tr, _, cleanup := connectLive(t, hooks)
	defer cleanup()

	m.Close()
	tr.deliver(`{"type":"response.done","transcript":"late text"}`)

	mu.Lock()
	defer mu.Unlock()
	assert.Empty(t, texts, "events after teardown must not reach the session")
}
