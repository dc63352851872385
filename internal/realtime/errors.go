package realtime

import (
	"errors"
	"fmt"
	"strings"
)

// Stage labels where in the connect sequence a failure happened. The values
// are user-displayable: they appear verbatim in transcript system notes and
// the status line.
type Stage string

const (
	StageFeatureDisabled    Stage = "feature flag disabled"
	StageRuntimeUnsupported Stage = "media runtime unsupported"
	StageMicDenied          Stage = "microphone permission denied"
	StageSessionSetup       Stage = "session setup failed"
	StageTokenParse         Stage = "token parse failed"
	StageWebRTCSetup        Stage = "webrtc setup failed"
	StageSDPHandshake       Stage = "sdp handshake failed"
	StageDataChannel        Stage = "data channel failed"
	StageUnknown            Stage = "unknown"
)

// detailCap bounds the sanitized detail string attached to a FlowError.
const detailCap = 120

// FlowError is a stage-tagged connection failure. Every throw site in the
// connect sequence constructs one so the top-level handler can always
// produce a deterministic, user-facing stage label.
type FlowError struct {
	Stage  Stage
	Detail string
	Err    error
}

func (e *FlowError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s", e.Stage, e.Detail)
	}
	return string(e.Stage)
}

func (e *FlowError) Unwrap() error { return e.Err }

// flowErr builds a FlowError with a sanitized detail.
func flowErr(stage Stage, detail string, err error) *FlowError {
	if detail == "" && err != nil {
		detail = err.Error()
	}
	return &FlowError{Stage: stage, Detail: SanitizeDetail(detail), Err: err}
}

// Classify maps any error to a FlowError. Already-tagged errors pass
// through; anything else becomes stage "unknown" rather than surfacing raw.
func Classify(err error) *FlowError {
	if err == nil {
		return nil
	}
	var fe *FlowError
	if errors.As(err, &fe) {
		return fe
	}
	return flowErr(StageUnknown, err.Error(), err)
}

// SanitizeDetail collapses whitespace and caps the detail string so a
// provider error body never floods the transcript.
func SanitizeDetail(s string) string {
	s = strings.Join(strings.Fields(s), " ")
	if len(s) > detailCap {
		s = s[:detailCap]
	}
	return s
}
