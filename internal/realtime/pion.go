package realtime

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/branchline/concierge/internal/logging"
)

// eventChannelLabel is the data-channel label the provider expects for
// control and transcript events.
const eventChannelLabel = "oai-events"

// RemoteSink receives the agent's downstream audio for playback. The
// default sink drains and discards; embedders supply a real one.
type RemoteSink interface {
	Play(track *webrtc.TrackRemote)
	SetMuted(muted bool)
	Close() error
}

// NopSink discards remote audio. Used when no playback device is wired in.
type NopSink struct{}

func (NopSink) Play(track *webrtc.TrackRemote) {
	// Drain RTP so the remote track does not back up.
	go func() {
		buf := make([]byte, 1500)
		for {
			if _, _, err := track.Read(buf); err != nil {
				return
			}
		}
	}()
}

func (NopSink) SetMuted(bool) {}
func (NopSink) Close() error  { return nil }

// pionTransport is the production transport: a pion peer connection with a
// local audio track and the provider event data channel.
type pionTransport struct {
	pc   *webrtc.PeerConnection
	dc   *webrtc.DataChannel
	sink RemoteSink
	log  *logging.Logger

	opened chan struct{}

	mu        sync.Mutex
	onEvent   func(data []byte)
	muteTimer *time.Timer
	closed    bool
}

// newPionTransport builds a peer connection around the capture stream.
// Construction failures (including a missing track) map to the webrtc
// setup stage upstream.
func newPionTransport(stream CaptureStream, sink RemoteSink, log *logging.Logger) (transport, error) {
	track := stream.Track()
	if track == nil {
		return nil, errors.New("capture stream has no audio track")
	}
	if sink == nil {
		sink = NopSink{}
	}

	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{})
	if err != nil {
		return nil, fmt.Errorf("peer connection: %w", err)
	}

	t := &pionTransport{
		pc:     pc,
		sink:   sink,
		log:    log.Sub("webrtc"),
		opened: make(chan struct{}),
	}

	if _, err := pc.AddTrack(track); err != nil {
		pc.Close()
		return nil, fmt.Errorf("add audio track: %w", err)
	}

	dc, err := pc.CreateDataChannel(eventChannelLabel, nil)
	if err != nil {
		pc.Close()
		return nil, fmt.Errorf("create event channel: %w", err)
	}
	t.dc = dc

	var openOnce sync.Once
	dc.OnOpen(func() {
		openOnce.Do(func() { close(t.opened) })
	})
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		t.mu.Lock()
		fn := t.onEvent
		t.mu.Unlock()
		if fn != nil {
			fn(msg.Data)
		}
	})

	pc.OnTrack(func(remote *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		t.log.Debug().Str("codec", remote.Codec().MimeType).Msg("remote track attached")
		t.sink.Play(remote)
	})
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		t.log.Debug().Str("state", state.String()).Msg("peer connection state")
	})

	return t, nil
}

func (t *pionTransport) Offer(ctx context.Context) (string, error) {
	offer, err := t.pc.CreateOffer(nil)
	if err != nil {
		return "", fmt.Errorf("create offer: %w", err)
	}

	gatherDone := webrtc.GatheringCompletePromise(t.pc)
	if err := t.pc.SetLocalDescription(offer); err != nil {
		return "", fmt.Errorf("set local description: %w", err)
	}

	select {
	case <-gatherDone:
	case <-ctx.Done():
		return "", ctx.Err()
	}

	local := t.pc.LocalDescription()
	if local == nil {
		return "", errors.New("no local description after gathering")
	}
	return local.SDP, nil
}

func (t *pionTransport) Accept(ctx context.Context, answerSDP string, timeout time.Duration) error {
	answer := webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: answerSDP}
	if err := t.pc.SetRemoteDescription(answer); err != nil {
		return fmt.Errorf("set remote description: %w", err)
	}

	select {
	case <-t.opened:
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("event channel did not open within %s", timeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (t *pionTransport) Send(payload []byte) error {
	t.mu.Lock()
	closed := t.closed
	t.mu.Unlock()
	if closed || t.dc == nil || t.dc.ReadyState() != webrtc.DataChannelStateOpen {
		return ErrChannelClosed
	}
	return t.dc.Send(payload)
}

func (t *pionTransport) OnEvent(fn func(data []byte)) {
	t.mu.Lock()
	t.onEvent = fn
	t.mu.Unlock()
}

func (t *pionTransport) MuteRemote(d time.Duration) {
	t.sink.SetMuted(true)

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	if t.muteTimer != nil {
		t.muteTimer.Stop()
	}
	t.muteTimer = time.AfterFunc(d, func() {
		t.sink.SetMuted(false)
	})
}

// Close disposes the data channel, peer connection, sink, and any pending
// mute timer as a unit. Idempotent.
func (t *pionTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.onEvent = nil
	if t.muteTimer != nil {
		t.muteTimer.Stop()
		t.muteTimer = nil
	}
	t.mu.Unlock()

	var errs []error
	if t.dc != nil {
		if err := t.dc.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := t.pc.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := t.sink.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
