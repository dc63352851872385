// Package bargein detects the user speaking over an active agent response
// and interrupts it without closing the session.
package bargein

import (
	"sync"
	"time"

	"github.com/branchline/concierge/internal/config"
	"github.com/branchline/concierge/internal/logging"
)

// Config tunes the monitor. All values come from configuration rather than
// literals so deployments can adjust them without code changes.
type Config struct {
	// Threshold is the mean absolute amplitude (0..1) above which user
	// input counts as an interruption attempt.
	Threshold float64
	// Cooldown is the minimum gap between two triggered interruptions.
	Cooldown time.Duration
	// Mute is how long remote playback stays silenced after a trigger.
	Mute time.Duration
	// SampleInterval is the gap between amplitude samples.
	SampleInterval time.Duration
}

// ConfigFrom converts the file-level bargeIn section.
func ConfigFrom(cfg config.BargeInConfig) Config {
	hz := cfg.SampleHz
	if hz < 1 {
		hz = 60
	}
	return Config{
		Threshold:      cfg.Threshold,
		Cooldown:       time.Duration(cfg.CooldownMs) * time.Millisecond,
		Mute:           time.Duration(cfg.MuteMs) * time.Millisecond,
		SampleInterval: time.Second / time.Duration(hz),
	}
}

// Session is the slice of the audio session the monitor needs.
type Session interface {
	// Level returns the current microphone amplitude in [0,1].
	Level() float64
	// Speaking reports whether the agent is currently producing audio.
	Speaking() bool
	// Cancel asks the provider to stop the current response. Advisory: the
	// provider may not support or honor it.
	Cancel() error
	// MuteRemote silences local playback of the agent for the window. This
	// is the guaranteed half of the interruption.
	MuteRemote(d time.Duration)
	// ClearSpeaking drops the agent-speaking indicator immediately.
	ClearSpeaking()
}

// Monitor runs the amplitude sampling loop for one live audio session.
type Monitor struct {
	cfg         Config
	session     Session
	onInterrupt func()
	log         *logging.Logger
	now         func() time.Time

	mu          sync.Mutex
	lastTrigger time.Time
	stop        chan struct{}
	running     bool
}

// New creates a monitor. onInterrupt fires after each triggered barge-in;
// callers use it to append the transcript note and flip session phase.
func New(cfg Config, session Session, onInterrupt func(), log *logging.Logger) *Monitor {
	return &Monitor{
		cfg:         cfg,
		session:     session,
		onInterrupt: onInterrupt,
		log:         log.Sub("bargein"),
		now:         time.Now,
	}
}

// Start launches the sampling loop. No-op if already running.
func (m *Monitor) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return
	}
	m.running = true
	m.stop = make(chan struct{})
	go m.loop(m.stop)
	m.log.Debug().Dur("interval", m.cfg.SampleInterval).Msg("monitor started")
}

// Stop cancels the sampling loop. Idempotent; must be called whenever the
// audio session ends so the loop never samples a released stream.
func (m *Monitor) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.running {
		return
	}
	m.running = false
	close(m.stop)
	m.log.Debug().Msg("monitor stopped")
}

// Running reports whether the sampling loop is active.
func (m *Monitor) Running() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

func (m *Monitor) loop(stop <-chan struct{}) {
	ticker := time.NewTicker(m.cfg.SampleInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			m.observe(m.now())
		}
	}
}

// observe runs one sampling step. Returns true when an interruption was
// triggered.
func (m *Monitor) observe(now time.Time) bool {
	if !m.session.Speaking() {
		return false
	}
	if m.session.Level() <= m.cfg.Threshold {
		return false
	}

	m.mu.Lock()
	if !m.lastTrigger.IsZero() && now.Sub(m.lastTrigger) < m.cfg.Cooldown {
		m.mu.Unlock()
		return false
	}
	m.lastTrigger = now
	m.mu.Unlock()

	// Provider-side cancel is best-effort; the local mute below guarantees
	// the user perceives an immediate interruption regardless.
	if err := m.session.Cancel(); err != nil {
		m.log.Debug().Err(err).Msg("provider cancel not delivered")
	}
	m.session.MuteRemote(m.cfg.Mute)
	m.session.ClearSpeaking()

	m.log.Info().Msg("barge-in triggered")
	if m.onInterrupt != nil {
		m.onInterrupt()
	}
	return true
}
