// Package session holds the shared per-modal conversation state and the
// pure transition functions over it. Every operation maps an old Context
// value to a new one without mutation or I/O, so concurrent callbacks can
// compute transitions independently and the orchestrator applies them in
// arrival order.
package session

import (
	"time"

	"github.com/google/uuid"
)

// Mode is the session-level indicator of which backend is currently
// authoritative for producing responses.
type Mode string

const (
	ModeNone     Mode = "none"
	ModeAudio    Mode = "audio"
	ModeVideo    Mode = "video"
	ModeFallback Mode = "fallback"
)

// Role identifies who produced a transcript message.
type Role string

const (
	RoleAssistant Role = "assistant"
	RoleUser      Role = "user"
	RoleSystem    Role = "system"
)

// Source records which channel produced a message. It drives styling and
// auditing, never behavior.
type Source string

const (
	SourceTriage   Source = "triage"
	SourceAudio    Source = "audio"
	SourceVideo    Source = "video"
	SourceFallback Source = "fallback"
)

// Message is a single transcript entry.
type Message struct {
	ID        string    `json:"id"`
	Role      Role      `json:"role"`
	Text      string    `json:"text"`
	Source    Source    `json:"source"`
	Timestamp time.Time `json:"timestamp"`
}

// Status is the connection-status block of a session.
type Status struct {
	Connected      bool      `json:"connected"`
	FallbackReason string    `json:"fallbackReason,omitempty"`
	LastUpdatedAt  time.Time `json:"lastUpdatedAt"`
}

// StatusPatch merges partial status updates into a session. Nil fields are
// left untouched.
type StatusPatch struct {
	Connected      *bool
	FallbackReason *string
}

// Context is the conversation state for one open modal. It is passed and
// returned by value; the transcript slice is copied on every append so an
// old snapshot never observes later writes.
type Context struct {
	ID                  string    `json:"sessionId"`
	OriginalQuestion    string    `json:"originalQuestion"`
	TriageAnswer        string    `json:"triageAnswer,omitempty"`
	RecommendedNextStep string    `json:"recommendedNextStep,omitempty"`
	Transcript          []Message `json:"transcript"`
	Mode                Mode      `json:"currentMode"`
	Status              Status    `json:"status"`
}

// New creates a session context for the given triage question: empty
// transcript, mode none, disconnected.
func New(question string) Context {
	return Context{
		ID:               uuid.New().String(),
		OriginalQuestion: question,
		Mode:             ModeNone,
		Status:           Status{LastUpdatedAt: time.Now()},
	}
}

// NewMessage builds a transcript message with a fresh ID and timestamp.
func NewMessage(role Role, source Source, text string) Message {
	return Message{
		ID:        uuid.New().String(),
		Role:      role,
		Text:      text,
		Source:    source,
		Timestamp: time.Now(),
	}
}

// AppendMessage returns a new context with msg appended and the status
// timestamp refreshed to the message's timestamp.
func AppendMessage(ctx Context, msg Message) Context {
	transcript := make([]Message, len(ctx.Transcript), len(ctx.Transcript)+1)
	copy(transcript, ctx.Transcript)
	ctx.Transcript = append(transcript, msg)
	ctx.Status.LastUpdatedAt = msg.Timestamp
	return ctx
}

// AddSystemNote appends a system-role message from the given source.
func AddSystemNote(ctx Context, text string, source Source) Context {
	return AppendMessage(ctx, NewMessage(RoleSystem, source, text))
}

// EnsureIntroMessage seeds an assistant intro message if and only if the
// transcript is empty. Calling it on a non-empty transcript is a no-op.
func EnsureIntroMessage(ctx Context, introText string) Context {
	if len(ctx.Transcript) > 0 {
		return ctx
	}
	return AppendMessage(ctx, NewMessage(RoleAssistant, SourceTriage, introText))
}

// SetMode updates the current mode, merges the optional status patch, and
// refreshes the status timestamp.
func SetMode(ctx Context, mode Mode, patch *StatusPatch) Context {
	ctx.Mode = mode
	if patch != nil {
		if patch.Connected != nil {
			ctx.Status.Connected = *patch.Connected
		}
		if patch.FallbackReason != nil {
			ctx.Status.FallbackReason = *patch.FallbackReason
		}
	}
	ctx.Status.LastUpdatedAt = time.Now()
	return ctx
}

// UpdateTriageSummary replaces the triage fields after a new triage call.
func UpdateTriageSummary(ctx Context, question, answer, nextStep string) Context {
	ctx.OriginalQuestion = question
	ctx.TriageAnswer = answer
	ctx.RecommendedNextStep = nextStep
	ctx.Status.LastUpdatedAt = time.Now()
	return ctx
}

// RecentEntries returns up to the last n transcript messages, oldest first.
// Returns an empty slice for n <= 0.
func RecentEntries(ctx Context, n int) []Message {
	if n <= 0 {
		return []Message{}
	}
	start := len(ctx.Transcript) - n
	if start < 0 {
		start = 0
	}
	out := make([]Message, len(ctx.Transcript)-start)
	copy(out, ctx.Transcript[start:])
	return out
}

// ClearTranscript drops the transcript and reseeds a single intro message.
// The only transcript-shrinking operation.
func ClearTranscript(ctx Context, introText string) Context {
	ctx.Transcript = nil
	return EnsureIntroMessage(ctx, introText)
}
