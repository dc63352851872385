// Package orchestrator is the single coordination point of the agent modal.
// It owns the shared session context, translates user intent into manager
// calls, and guarantees the transcript stays consistent across mode
// switches. All context transitions are applied sequentially under one
// mutex; the managers' callbacks compute transitions with the pure session
// functions and hand them here to be reduced in arrival order.
package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/branchline/concierge/internal/avatar"
	"github.com/branchline/concierge/internal/bargein"
	"github.com/branchline/concierge/internal/logging"
	"github.com/branchline/concierge/internal/realtime"
	"github.com/branchline/concierge/internal/session"
	"github.com/branchline/concierge/internal/triage"
)

// EventKind labels an observable orchestrator event.
type EventKind string

const (
	EventAudioConnected     EventKind = "audio_connected"
	EventVideoConnected     EventKind = "video_connected"
	EventFallbackEntered    EventKind = "fallback_entered"
	EventEscalated          EventKind = "escalated"
	EventTranscriptAppended EventKind = "transcript_appended"
	EventSpeakingChanged    EventKind = "speaking_changed"
)

// Event is one observable state change. Session is a value snapshot taken
// at emission time, so listeners never race the orchestrator.
type Event struct {
	Kind     EventKind            `json:"kind"`
	Session  session.Context      `json:"session"`
	Speaking bool                 `json:"speaking,omitempty"`
	Stage    string               `json:"stage,omitempty"`
	Detail   string               `json:"detail,omitempty"`
	Video    *avatar.Conversation `json:"video,omitempty"`
}

// AudioAgent is the slice of the realtime manager the orchestrator drives.
type AudioAgent interface {
	Connect(ctx context.Context, question string, hooks realtime.Hooks) *realtime.FlowError
	Send(text string) error
	Cancel() error
	MuteRemote(d time.Duration)
	ClearSpeaking()
	Speaking() bool
	Level() float64
	State() realtime.State
	Close()
}

// VideoAgent is the slice of the avatar manager the orchestrator drives.
type VideoAgent interface {
	Connect(ctx context.Context, sctx session.Context) (*avatar.Conversation, *avatar.ConnectError)
	Close()
}

// Asker is the triage HTTP collaborator.
type Asker interface {
	Ask(ctx context.Context, question, source string) (*triage.Result, error)
}

// Config carries the orchestrator tunables.
type Config struct {
	IntroText string
	BargeIn   bargein.Config
}

// Option customizes an Orchestrator.
type Option func(*Orchestrator)

// WithHandoff sets the specialist-handoff callback invoked on escalation.
func WithHandoff(fn func(session.Context)) Option {
	return func(o *Orchestrator) { o.handoff = fn }
}

// WithListener sets the event listener. Events are emitted synchronously
// while the orchestrator lock is NOT held.
func WithListener(fn func(Event)) Option {
	return func(o *Orchestrator) { o.listener = fn }
}

// Orchestrator owns one modal session end to end.
type Orchestrator struct {
	cfg   Config
	audio AudioAgent
	video VideoAgent
	asker Asker
	log   *logging.Logger

	handoff  func(session.Context)
	listener func(Event)

	mu        sync.Mutex
	sctx      session.Context
	opened    bool
	epoch     uint64
	audioLive bool
	monitor   *bargein.Monitor
	videoConv *avatar.Conversation
}

// New creates an orchestrator over the three collaborators.
func New(cfg Config, audio AudioAgent, video VideoAgent, asker Asker, log *logging.Logger, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		cfg:   cfg,
		audio: audio,
		video: video,
		asker: asker,
		log:   log.Sub("orchestrator"),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Open starts (or re-enters) a modal session for the given question. The
// intro message is seeded only when the transcript is empty, so reopening
// never duplicates it.
func (o *Orchestrator) Open(question string) session.Context {
	o.mu.Lock()
	if !o.opened {
		o.sctx = session.New(question)
		o.opened = true
	} else if question != "" && question != o.sctx.OriginalQuestion {
		o.sctx = session.UpdateTriageSummary(o.sctx, question, o.sctx.TriageAnswer, o.sctx.RecommendedNextStep)
	}
	o.sctx = session.EnsureIntroMessage(o.sctx, o.cfg.IntroText)
	snap := o.sctx
	o.mu.Unlock()

	o.emit(Event{Kind: EventTranscriptAppended, Session: snap})
	return snap
}

// Snapshot returns the current session context value.
func (o *Orchestrator) Snapshot() session.Context {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.sctx
}

// Ask dispatches a follow-up prompt. Order of preference: live audio data
// channel (response streams back asynchronously), triage HTTP, locally
// canned response. The transcript never ends up without an answer.
func (o *Orchestrator) Ask(ctx context.Context, prompt string) session.Context {
	o.mu.Lock()
	if !o.opened {
		snap := o.sctx
		o.mu.Unlock()
		return snap
	}
	mode := o.sctx.Mode
	live := o.audioLive
	o.mu.Unlock()

	if live {
		if err := o.audio.Send(prompt); err == nil {
			return o.appendAndEmit(session.NewMessage(session.RoleUser, session.SourceAudio, prompt))
		}
		// channel not open after all; fall through to HTTP
		o.log.Warn().Str("prompt", prompt).Msg("live channel refused send, using triage path")
	}

	o.appendAndEmit(session.NewMessage(session.RoleUser, sourceForMode(mode), prompt))

	result, err := o.asker.Ask(ctx, prompt, "concierge")
	if err != nil {
		answer := cannedAnswer(prompt)
		return o.appendAndEmit(session.NewMessage(session.RoleAssistant, session.SourceFallback, answer))
	}

	source := sourceForMode(mode)
	if result.Mode == "fallback" {
		source = session.SourceFallback
	}
	return o.appendAndEmit(session.NewMessage(session.RoleAssistant, source, result.Answer))
}

// cannedAnswer picks the fixed text for a known follow-up prompt, or a
// keyword-resolved canned response for anything else.
func cannedAnswer(prompt string) string {
	if text, ok := triage.FollowUpFallback(prompt); ok {
		return text
	}
	return triage.Resolve(prompt).Answer
}

func sourceForMode(mode session.Mode) session.Source {
	switch mode {
	case session.ModeAudio:
		return session.SourceAudio
	case session.ModeVideo:
		return session.SourceVideo
	case session.ModeFallback:
		return session.SourceFallback
	default:
		return session.SourceTriage
	}
}

// ConnectAudio attempts the live audio session. On success the barge-in
// monitor starts against the live capture stream; on failure the session
// demotes to fallback with a stage-tagged system note.
func (o *Orchestrator) ConnectAudio(ctx context.Context) *realtime.FlowError {
	o.mu.Lock()
	if !o.opened {
		o.mu.Unlock()
		return &realtime.FlowError{Stage: realtime.StageUnknown, Detail: "session not open"}
	}
	question := o.sctx.OriginalQuestion
	epoch := o.epoch
	o.mu.Unlock()

	// Connect without holding the lock: the attempt does network I/O and
	// the manager's callbacks re-enter the orchestrator.
	ferr := o.audio.Connect(ctx, question, realtime.Hooks{
		OnTranscript: func(text string) { o.onAudioTranscript(epoch, text) },
		OnSpeaking:   func(speaking bool) { o.onSpeaking(epoch, speaking) },
	})

	o.mu.Lock()
	if !o.opened || o.epoch != epoch {
		o.mu.Unlock()
		o.audio.Close()
		return ferr
	}

	if ferr != nil {
		// The audio session is gone whether or not an earlier attempt
		// succeeded; drop the live flag and the monitor with it.
		monitor := o.monitor
		o.monitor = nil
		o.audioLive = false
		o.sctx = session.SetMode(o.sctx, session.ModeFallback, &session.StatusPatch{
			Connected:      boolPtr(false),
			FallbackReason: strPtr(string(ferr.Stage)),
		})
		note := "Live audio unavailable (" + ferr.Error() + "). Continuing in scripted mode."
		o.sctx = session.AddSystemNote(o.sctx, note, session.SourceFallback)
		snap := o.sctx
		o.mu.Unlock()

		if monitor != nil {
			monitor.Stop()
		}
		o.emit(Event{Kind: EventFallbackEntered, Session: snap, Stage: string(ferr.Stage), Detail: ferr.Detail})
		o.emit(Event{Kind: EventTranscriptAppended, Session: snap})
		return ferr
	}

	prev := o.monitor
	o.audioLive = true
	o.sctx = session.SetMode(o.sctx, session.ModeAudio, &session.StatusPatch{
		Connected:      boolPtr(true),
		FallbackReason: strPtr(""),
	})
	o.sctx = session.AddSystemNote(o.sctx, "Live audio connected.", session.SourceAudio)
	o.monitor = bargein.New(o.cfg.BargeIn, o.audio, func() { o.onInterrupt(epoch) }, o.log)
	o.monitor.Start()
	snap := o.sctx
	o.mu.Unlock()

	// A reconnect replaces the monitor; the old loop must never outlive
	// the session it was sampling.
	if prev != nil {
		prev.Stop()
	}

	o.emit(Event{Kind: EventAudioConnected, Session: snap})
	o.emit(Event{Kind: EventTranscriptAppended, Session: snap})
	return nil
}

// ConnectVideo attempts the avatar session. Audio and video are
// independently connectable; on video failure an existing live audio
// session is preserved and the shared mode demotes only to audio.
func (o *Orchestrator) ConnectVideo(ctx context.Context) *avatar.ConnectError {
	o.mu.Lock()
	if !o.opened {
		o.mu.Unlock()
		return &avatar.ConnectError{Stage: avatar.DefaultStage, Detail: "session not open"}
	}
	snap := o.sctx
	epoch := o.epoch
	o.mu.Unlock()

	conv, cerr := o.video.Connect(ctx, snap)

	o.mu.Lock()
	if !o.opened || o.epoch != epoch {
		o.mu.Unlock()
		o.video.Close()
		return cerr
	}

	if cerr != nil {
		if o.audioLive {
			// keep the live audio session undisturbed
			o.sctx = session.SetMode(o.sctx, session.ModeAudio, nil)
			o.sctx = session.AddSystemNote(o.sctx, "Video is unavailable. Continuing with live audio.", session.SourceAudio)
		} else {
			o.sctx = session.SetMode(o.sctx, session.ModeFallback, &session.StatusPatch{
				Connected:      boolPtr(false),
				FallbackReason: strPtr(cerr.Stage),
			})
			o.sctx = session.AddSystemNote(o.sctx, "Video session unavailable ("+cerr.Error()+"). Continuing in scripted mode.", session.SourceFallback)
		}
		snap := o.sctx
		o.mu.Unlock()

		o.emit(Event{Kind: EventFallbackEntered, Session: snap, Stage: cerr.Stage, Detail: cerr.Detail})
		o.emit(Event{Kind: EventTranscriptAppended, Session: snap})
		return cerr
	}

	o.videoConv = conv
	o.sctx = session.SetMode(o.sctx, session.ModeVideo, &session.StatusPatch{
		Connected:      boolPtr(true),
		FallbackReason: strPtr(""),
	})
	o.sctx = session.AddSystemNote(o.sctx, "Video session connected.", session.SourceVideo)
	snap = o.sctx
	o.mu.Unlock()

	o.emit(Event{Kind: EventVideoConnected, Session: snap, Video: conv})
	o.emit(Event{Kind: EventTranscriptAppended, Session: snap})
	return nil
}

// SwitchMode translates a user mode pick into the manager calls. Audio and
// video route through their connect sequences; fallback and none tear down
// whatever is live and set the shared mode directly.
func (o *Orchestrator) SwitchMode(ctx context.Context, mode session.Mode) error {
	switch mode {
	case session.ModeAudio:
		if ferr := o.ConnectAudio(ctx); ferr != nil {
			return ferr
		}
		return nil
	case session.ModeVideo:
		if cerr := o.ConnectVideo(ctx); cerr != nil {
			return cerr
		}
		return nil
	case session.ModeFallback, session.ModeNone:
		// Switching away from a live mode stops its side effects
		// synchronously: sampling loop, mic, data channel, conversation.
		o.mu.Lock()
		if !o.opened {
			o.mu.Unlock()
			return nil
		}
		monitor := o.monitor
		o.monitor = nil
		o.audioLive = false
		o.videoConv = nil
		o.epoch++
		o.sctx = session.SetMode(o.sctx, mode, &session.StatusPatch{Connected: boolPtr(false)})
		snap := o.sctx
		o.mu.Unlock()

		if monitor != nil {
			monitor.Stop()
		}
		o.audio.Close()
		o.video.Close()
		if mode == session.ModeFallback {
			o.emit(Event{Kind: EventFallbackEntered, Session: snap, Stage: "user_selected"})
		}
		return nil
	default:
		return fmt.Errorf("unknown mode %q", mode)
	}
}

// VideoConversation returns the live avatar conversation reference, or nil.
func (o *Orchestrator) VideoConversation() *avatar.Conversation {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.videoConv
}

// Escalate emits the escalated event and invokes the specialist-handoff
// callback. It never changes session state.
func (o *Orchestrator) Escalate() {
	o.mu.Lock()
	snap := o.sctx
	handoff := o.handoff
	o.mu.Unlock()

	o.emit(Event{Kind: EventEscalated, Session: snap})
	if handoff != nil {
		handoff(snap)
	}
}

// ClearTranscript drops the transcript and reseeds the intro message.
func (o *Orchestrator) ClearTranscript() session.Context {
	o.mu.Lock()
	o.sctx = session.ClearTranscript(o.sctx, o.cfg.IntroText)
	snap := o.sctx
	o.mu.Unlock()

	o.emit(Event{Kind: EventTranscriptAppended, Session: snap})
	return snap
}

// Close tears everything down unconditionally: barge-in loop, audio
// resources, video conversation. Mode resets to none. Idempotent; results
// of connect attempts still in flight are discarded by the epoch bump.
func (o *Orchestrator) Close() {
	o.mu.Lock()
	monitor := o.monitor
	o.monitor = nil
	o.audioLive = false
	o.videoConv = nil
	o.epoch++
	if o.opened {
		o.sctx = session.SetMode(o.sctx, session.ModeNone, &session.StatusPatch{
			Connected:      boolPtr(false),
			FallbackReason: strPtr(""),
		})
	}
	o.opened = false
	o.mu.Unlock()

	if monitor != nil {
		monitor.Stop()
	}
	o.audio.Close()
	o.video.Close()
}

// onAudioTranscript appends completed agent speech to the shared transcript.
// Discards results from torn-down sessions.
func (o *Orchestrator) onAudioTranscript(epoch uint64, text string) {
	o.mu.Lock()
	if !o.opened || o.epoch != epoch {
		o.mu.Unlock()
		return
	}
	o.sctx = session.AppendMessage(o.sctx, session.NewMessage(session.RoleAssistant, session.SourceAudio, text))
	snap := o.sctx
	o.mu.Unlock()

	o.emit(Event{Kind: EventTranscriptAppended, Session: snap})
}

func (o *Orchestrator) onSpeaking(epoch uint64, speaking bool) {
	o.mu.Lock()
	if !o.opened || o.epoch != epoch {
		o.mu.Unlock()
		return
	}
	snap := o.sctx
	o.mu.Unlock()

	o.emit(Event{Kind: EventSpeakingChanged, Session: snap, Speaking: speaking})
}

// onInterrupt records a triggered barge-in in the transcript.
func (o *Orchestrator) onInterrupt(epoch uint64) {
	o.mu.Lock()
	if !o.opened || o.epoch != epoch {
		o.mu.Unlock()
		return
	}
	o.sctx = session.AddSystemNote(o.sctx, "Interrupted response. Listening to user.", session.SourceAudio)
	snap := o.sctx
	o.mu.Unlock()

	o.emit(Event{Kind: EventTranscriptAppended, Session: snap})
}

// appendAndEmit applies one transcript append under the lock and notifies
// the listener with the resulting snapshot.
func (o *Orchestrator) appendAndEmit(msg session.Message) session.Context {
	o.mu.Lock()
	o.sctx = session.AppendMessage(o.sctx, msg)
	snap := o.sctx
	o.mu.Unlock()

	o.emit(Event{Kind: EventTranscriptAppended, Session: snap})
	return snap
}

func (o *Orchestrator) emit(evt Event) {
	if o.listener != nil {
		o.listener(evt)
	}
}

func boolPtr(b bool) *bool    { return &b }
func strPtr(s string) *string { return &s }
