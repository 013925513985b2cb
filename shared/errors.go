package shared

import "errors"

var (
	ErrNoLogger          = errors.New("no logger provided")
	ErrNoConfig          = errors.New("no config provided")
	ErrDeviceUnavailable = errors.New("audio input device unavailable")
	ErrAlreadyCapturing  = errors.New("capture already in progress")
	ErrChannelNotOpen    = errors.New("control channel not open")
	ErrConnectionFailed  = errors.New("control channel connection failed")
	ErrPlaybackFailed    = errors.New("audio playback failed")
	ErrNegotiationActive = errors.New("media negotiation already started")
	ErrSessionClosed     = errors.New("session closed")
	ErrNoMessageHandler  = errors.New("no message handler provided")
	ErrHandlerAlreadySet = errors.New("handler already set")
)
