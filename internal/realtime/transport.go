package realtime

import (
	"context"
	"errors"
	"time"

	"github.com/pion/webrtc/v4"
)

// ErrChannelClosed is returned by Send when no open event channel exists.
// Callers fall back to the HTTP triage path on this error.
var ErrChannelClosed = errors.New("event channel is not open")

// CaptureSource acquires microphone input. Implementations prompt for or
// open the device; an error maps to the permission-denied stage.
type CaptureSource interface {
	Open(ctx context.Context) (CaptureStream, error)
}

// CaptureStream is a live microphone stream. It feeds both the peer
// connection (Track) and the barge-in monitor (Level).
type CaptureStream interface {
	// Track returns the local audio track to attach to the peer connection.
	Track() webrtc.TrackLocal

	// Level returns the mean absolute amplitude of the most recent sample
	// window, normalized to [0,1].
	Level() float64

	Close() error
}

// transport abstracts the peer connection and its event channel so the
// connect-stage taxonomy is testable without media hardware.
type transport interface {
	// Offer creates the local SDP offer with the capture track attached and
	// ICE gathering complete.
	Offer(ctx context.Context) (string, error)

	// Accept applies the remote answer and blocks until the event channel
	// opens or the timeout elapses.
	Accept(ctx context.Context, answerSDP string, timeout time.Duration) error

	// Send writes a payload to the open event channel.
	Send(payload []byte) error

	// OnEvent registers the inbound payload callback. Must be called before
	// Accept.
	OnEvent(fn func(data []byte))

	// MuteRemote silences remote playback for the given window, then
	// restores it.
	MuteRemote(d time.Duration)

	// Close disposes the peer connection, event channel, tracks, and
	// timers as a unit. Safe to call more than once.
	Close() error
}

// transportFactory builds a transport around a capture stream. The default
// is the pion-backed implementation; tests inject fakes.
type transportFactory func(stream CaptureStream) (transport, error)
