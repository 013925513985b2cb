package avatarkit

import "fmt"

// NegotiationStage identifies the step of the media handshake a failure
// belongs to, so the orchestrator can report where negotiation stopped.
type NegotiationStage string

const (
	StageRequest   NegotiationStage = "request"
	StageNegotiate NegotiationStage = "negotiate"
	StageStart     NegotiationStage = "start"
	StageTrack     NegotiationStage = "track"
	StageRender    NegotiationStage = "render"
	StageTransport NegotiationStage = "transport"
)

// NegotiationError reports a media-negotiation failure. These are non-fatal
// to the session: the orchestrator degrades to audio-only mode.
type NegotiationError struct {
	Stage  NegotiationStage
	Reason string
	Err    error
}

func (e *NegotiationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("media negotiation failed at %s: %s: %v", e.Stage, e.Reason, e.Err)
	}
	return fmt.Sprintf("media negotiation failed at %s: %s", e.Stage, e.Reason)
}

func (e *NegotiationError) Unwrap() error {
	return e.Err
}

func negotiationErr(stage NegotiationStage, reason string, err error) *NegotiationError {
	return &NegotiationError{Stage: stage, Reason: reason, Err: err}
}
