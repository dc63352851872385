package gateway

import (
	"context"
	"encoding/json"

	"github.com/branchline/concierge/internal/session"
	"github.com/branchline/concierge/internal/version"
)

// dispatch routes a request frame to the connection's modal session. ctx is
// the connection's lifetime; it cancels in-flight work on disconnect.
func (s *Server) dispatch(ctx context.Context, client *Client, modal ModalSession, frame Frame) {
	rc := &requestContext{ctx: ctx, client: client, frame: frame, server: s}

	switch frame.Method {
	case "health":
		rc.respond(map[string]any{
			"status":  "ok",
			"version": version.Version,
			"clients": s.clients.Count(),
		})
	case "modal.open":
		s.rpcModalOpen(rc, modal)
	case "modal.ask":
		s.rpcModalAsk(rc, modal)
	case "modal.audio.connect":
		s.rpcAudioConnect(rc, modal)
	case "modal.video.connect":
		s.rpcVideoConnect(rc, modal)
	case "modal.switch":
		s.rpcModalSwitch(rc, modal)
	case "modal.escalate":
		modal.Escalate()
		rc.respond(map[string]any{"escalated": true})
	case "modal.clear":
		rc.respond(sessionPayload(modal.ClearTranscript()))
	case "modal.close":
		modal.Close()
		rc.respond(map[string]any{"closed": true})
	default:
		rc.respondError("method_not_found", "unknown method: "+frame.Method)
	}
}

// requestContext carries everything a handler needs for one request.
type requestContext struct {
	ctx    context.Context
	client *Client
	frame  Frame
	server *Server
}

func (rc *requestContext) respond(payload any) {
	if err := rc.client.Respond(rc.frame.ID, payload); err != nil {
		rc.server.log.Warn().Err(err).Str("method", rc.frame.Method).Msg("failed to send response")
	}
}

func (rc *requestContext) respondError(code, message string) {
	rc.client.RespondError(rc.frame.ID, ErrorShape{Code: code, Message: message})
}

func (rc *requestContext) params(target any) error {
	if rc.frame.Params == nil {
		return nil
	}
	return json.Unmarshal(rc.frame.Params, target)
}

type modalOpenParams struct {
	Question string `json:"question"`
}

func (s *Server) rpcModalOpen(rc *requestContext, modal ModalSession) {
	var p modalOpenParams
	if err := rc.params(&p); err != nil {
		rc.respondError("invalid_params", err.Error())
		return
	}
	rc.respond(sessionPayload(modal.Open(p.Question)))
}

type modalAskParams struct {
	Prompt string `json:"prompt"`
}

func (s *Server) rpcModalAsk(rc *requestContext, modal ModalSession) {
	var p modalAskParams
	if err := rc.params(&p); err != nil {
		rc.respondError("invalid_params", err.Error())
		return
	}
	if p.Prompt == "" {
		rc.respondError("invalid_params", "prompt is required")
		return
	}
	rc.respond(sessionPayload(modal.Ask(rc.ctx, p.Prompt)))
}

// rpcAudioConnect reports failures as error responses carrying the stage
// label; the transcript note and fallback event have already been emitted
// by the orchestrator.
func (s *Server) rpcAudioConnect(rc *requestContext, modal ModalSession) {
	if ferr := modal.ConnectAudio(rc.ctx); ferr != nil {
		rc.client.RespondError(rc.frame.ID, ErrorShape{
			Code:    "audio_unavailable",
			Message: ferr.Error(),
			Details: map[string]string{"stage": string(ferr.Stage), "detail": ferr.Detail},
		})
		return
	}
	rc.respond(sessionPayload(modal.Snapshot()))
}

func (s *Server) rpcVideoConnect(rc *requestContext, modal ModalSession) {
	if cerr := modal.ConnectVideo(rc.ctx); cerr != nil {
		rc.client.RespondError(rc.frame.ID, ErrorShape{
			Code:    "video_unavailable",
			Message: cerr.Error(),
			Details: map[string]string{"stage": cerr.Stage, "detail": cerr.Detail},
		})
		return
	}
	payload := sessionPayload(modal.Snapshot())
	if conv := modal.VideoConversation(); conv != nil {
		payload["conversationId"] = conv.ID
		payload["conversationUrl"] = conv.URL
	}
	rc.respond(payload)
}

type modalSwitchParams struct {
	Mode string `json:"mode"`
}

func (s *Server) rpcModalSwitch(rc *requestContext, modal ModalSession) {
	var p modalSwitchParams
	if err := rc.params(&p); err != nil {
		rc.respondError("invalid_params", err.Error())
		return
	}
	if p.Mode == "" {
		rc.respondError("invalid_params", "mode is required")
		return
	}
	if err := modal.SwitchMode(rc.ctx, session.Mode(p.Mode)); err != nil {
		rc.respondError("switch_failed", err.Error())
		return
	}
	rc.respond(sessionPayload(modal.Snapshot()))
}

// sessionPayload shapes a session snapshot for the wire.
func sessionPayload(sctx any) map[string]any {
	return map[string]any{"session": sctx}
}
