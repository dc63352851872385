package realtime

import (
	"encoding/json"
	"strings"
)

// Outbound data-channel payload builders. The wire shapes are fixed by the
// provider's realtime event protocol.

func userMessagePayload(text string) ([]byte, error) {
	return json.Marshal(map[string]any{
		"type": "conversation.item.create",
		"item": map[string]any{
			"type": "message",
			"role": "user",
			"content": []map[string]any{
				{"type": "input_text", "text": text},
			},
		},
	})
}

func responseCreatePayload() []byte {
	return []byte(`{"type":"response.create"}`)
}

func responseCancelPayload() []byte {
	return []byte(`{"type":"response.cancel"}`)
}

// turnDetectionPayload asks the provider for server-side voice activity
// detection. Sent best-effort on connect; failure is ignored because the
// local barge-in monitor stays authoritative either way.
func turnDetectionPayload() []byte {
	return []byte(`{"type":"session.update","session":{"turn_detection":{"type":"server_vad"}}}`)
}

// serverEvent is the subset of an inbound data-channel payload the manager
// inspects. Unknown fields are ignored.
type serverEvent struct {
	Type       string `json:"type"`
	Transcript string `json:"transcript"`
	Text       string `json:"text"`
	Response   struct {
		Output []struct {
			Content []struct {
				Text       string `json:"text"`
				Transcript string `json:"transcript"`
			} `json:"content"`
		} `json:"output"`
	} `json:"response"`
}

func parseServerEvent(data []byte) (serverEvent, bool) {
	var evt serverEvent
	if err := json.Unmarshal(data, &evt); err != nil || evt.Type == "" {
		return serverEvent{}, false
	}
	return evt, true
}

// signalsSpeech reports whether the event marks agent speech activity.
func (e serverEvent) signalsSpeech() bool {
	return strings.Contains(e.Type, "audio")
}

// completesResponse reports whether the event closes out a response and may
// carry extractable transcript text.
func (e serverEvent) completesResponse() bool {
	return strings.HasSuffix(e.Type, ".done")
}

// transcriptText extracts the first non-empty text candidate, in priority
// order: top-level transcript, top-level text, then nested response output
// content (text before transcript).
func (e serverEvent) transcriptText() string {
	if e.Transcript != "" {
		return e.Transcript
	}
	if e.Text != "" {
		return e.Text
	}
	for _, out := range e.Response.Output {
		for _, c := range out.Content {
			if c.Text != "" {
				return c.Text
			}
			if c.Transcript != "" {
				return c.Transcript
			}
		}
	}
	return ""
}
