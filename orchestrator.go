package avatarkit

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/carebridge-ai/avatarkit/shared"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// AvatarStatus is the single user-visible summary of media-negotiation
// progress. It is derived from negotiator state transitions, never set by
// unrelated triggers.
type AvatarStatus string

const (
	AvatarStatusInitializing AvatarStatus = "initializing"
	AvatarStatusConnecting   AvatarStatus = "connecting"
	AvatarStatusConnected    AvatarStatus = "connected"
	AvatarStatusError        AvatarStatus = "error"
)

// moodRevertAfter is how long a keyword-driven mood holds before the
// assistant settles back to neutral.
const moodRevertAfter = 5 * time.Second

// Channel is the control-channel surface the orchestrator composes.
// *ControlChannel implements it.
type Channel interface {
	RegisterMessageHandler(MessageHandler) error
	RegisterBinaryHandler(BinaryHandler) error
	RegisterCloseHandler(CloseHandler) error
	Connect(ctx context.Context, sessionID string) error
	SendAudio(audio []byte) error
	SendSpeakText(text string) error
	State() ChannelState
	Close() error
}

// MediaRunner is the media-negotiation surface. *Negotiator implements it.
type MediaRunner interface {
	RegisterStateHandler(NegotiatorStateHandler) error
	Run(ctx context.Context, userSessionID string) error
	State() NegotiatorState
	Close() error
}

// AudioPlayer plays inbound assistant audio. *tools.Playback implements it.
type AudioPlayer interface {
	RegisterSpeakingHandler(handler func(speaking bool)) error
	PlayEncoded(audio []byte) error
	PlayBase64(audio string) error
	Stop() error
}

// Recorder is the capture surface. *tools.Capture implements it.
type Recorder interface {
	Start() error
	Stop() error
}

type TurnHandler func(turn ConversationTurn)
type StatusHandler func(status AvatarStatus)
type VideoURLHandler func(videoURL string)
type ErrorHandler func(err error)

// Orchestrator owns the session: it generates the session id, starts the
// control channel and (once) the media negotiation, merges their states into
// one AvatarStatus, and dispatches inbound messages into the turn log.
// Media failure degrades the session to audio-only; it never ends it.
type Orchestrator struct {
	logger    shared.LoggerAdapter
	sessionID string
	channel   Channel
	media     MediaRunner
	player    AudioPlayer

	mu         sync.Mutex
	turns      []ConversationTurn
	status     AvatarStatus
	mood       Mood
	moodTimer  *time.Timer
	speaking   bool
	processing bool
	negotiated bool
	recorder   Recorder
	closed     bool

	turnH     TurnHandler
	statusH   StatusHandler
	videoURLH VideoURLHandler
	errH      ErrorHandler
}

func NewOrchestrator(logger shared.LoggerAdapter, channel Channel, media MediaRunner, player AudioPlayer) (*Orchestrator, error) {
	if logger == nil {
		return nil, shared.ErrNoLogger
	}
	if channel == nil {
		return nil, errors.New("control channel is required")
	}
	if media == nil {
		return nil, errors.New("media runner is required")
	}
	if player == nil {
		return nil, errors.New("audio player is required")
	}
	o := &Orchestrator{
		logger:    logger,
		sessionID: "session_" + uuid.NewString(),
		channel:   channel,
		media:     media,
		player:    player,
		status:    AvatarStatusInitializing,
		mood:      MoodNeutral,
	}
	if err := channel.RegisterMessageHandler(o.dispatch); err != nil {
		return nil, err
	}
	if err := channel.RegisterBinaryHandler(o.onBinaryAudio); err != nil {
		return nil, err
	}
	if err := channel.RegisterCloseHandler(o.onChannelGone); err != nil {
		return nil, err
	}
	if err := media.RegisterStateHandler(o.onMediaState); err != nil {
		return nil, err
	}
	if err := player.RegisterSpeakingHandler(o.onSpeaking); err != nil {
		return nil, err
	}
	return o, nil
}

func (o *Orchestrator) SessionID() string {
	return o.sessionID
}

func (o *Orchestrator) RegisterTurnHandler(handler TurnHandler) error {
	if handler == nil {
		return errors.New("handler is required")
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.turnH != nil {
		return shared.ErrHandlerAlreadySet
	}
	o.turnH = handler
	return nil
}

func (o *Orchestrator) RegisterStatusHandler(handler StatusHandler) error {
	if handler == nil {
		return errors.New("handler is required")
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.statusH != nil {
		return shared.ErrHandlerAlreadySet
	}
	o.statusH = handler
	return nil
}

func (o *Orchestrator) RegisterVideoURLHandler(handler VideoURLHandler) error {
	if handler == nil {
		return errors.New("handler is required")
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.videoURLH != nil {
		return shared.ErrHandlerAlreadySet
	}
	o.videoURLH = handler
	return nil
}

func (o *Orchestrator) RegisterErrorHandler(handler ErrorHandler) error {
	if handler == nil {
		return errors.New("handler is required")
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.errH != nil {
		return shared.ErrHandlerAlreadySet
	}
	o.errH = handler
	return nil
}

// Start opens the control channel for this session.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return shared.ErrSessionClosed
	}
	o.mu.Unlock()
	return o.channel.Connect(ctx, o.sessionID)
}

// StartAvatar kicks off media negotiation exactly once per session. Repeat
// calls are no-ops, so a trigger firing more than once cannot start a second
// negotiation.
func (o *Orchestrator) StartAvatar(ctx context.Context) error {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return shared.ErrSessionClosed
	}
	if o.negotiated {
		o.mu.Unlock()
		o.logger.Debug("avatar negotiation already started, ignoring trigger")
		return nil
	}
	o.negotiated = true
	o.mu.Unlock()
	o.setStatus(AvatarStatusConnecting)
	go func() {
		if err := o.media.Run(ctx, o.sessionID); err != nil {
			// The state handler already moved status to error; the session
			// keeps running in audio-only mode.
			o.logger.Warn("continuing in audio-only mode", zap.Error(err))
		}
	}()
	return nil
}

// AttachRecorder wires a capture controller so listening can be driven
// through the orchestrator.
func (o *Orchestrator) AttachRecorder(recorder Recorder) error {
	if recorder == nil {
		return errors.New("recorder is required")
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.recorder != nil {
		return shared.ErrHandlerAlreadySet
	}
	o.recorder = recorder
	return nil
}

func (o *Orchestrator) StartListening() error {
	o.mu.Lock()
	recorder := o.recorder
	o.mu.Unlock()
	if recorder == nil {
		return errors.New("no recorder attached")
	}
	return recorder.Start()
}

func (o *Orchestrator) StopListening() error {
	o.mu.Lock()
	recorder := o.recorder
	o.mu.Unlock()
	if recorder == nil {
		return errors.New("no recorder attached")
	}
	return recorder.Stop()
}

// SendUtterance ships one captured utterance as a single binary frame.
func (o *Orchestrator) SendUtterance(audio []byte) error {
	if err := o.channel.SendAudio(audio); err != nil {
		return err
	}
	o.mu.Lock()
	o.processing = true
	o.mu.Unlock()
	return nil
}

// StartConversation seeds the transcript with the greeting and asks the
// backend to speak it. It refuses while the avatar is still connecting;
// fallback (error) mode is allowed.
func (o *Orchestrator) StartConversation(greeting string) error {
	o.mu.Lock()
	status := o.status
	o.mu.Unlock()
	if status != AvatarStatusConnected && status != AvatarStatusError {
		return errors.New("avatar is still connecting")
	}
	o.appendTurn(SpeakerAssistant, greeting)
	o.setMood(MoodHappy)
	return o.channel.SendSpeakText(greeting)
}

// dispatch reacts to one inbound control message. Transcript updates and
// side effects are pure functions of the message kind.
func (o *Orchestrator) dispatch(msg *ServerMessage) {
	switch msg.Type {
	case MessageTypeAIResponse:
		o.mu.Lock()
		o.processing = false
		o.mu.Unlock()
		o.appendTurn(SpeakerAssistant, msg.Text)
		o.setMood(MoodFromText(msg.Text))
	case MessageTypeUserTranscript:
		o.appendTurn(SpeakerUser, msg.Text)
	case MessageTypeAIAudio:
		if err := o.player.PlayBase64(msg.Audio); err != nil {
			o.logger.Warn("assistant audio playback failed", zap.Error(err))
		}
	case MessageTypeAIVideo:
		o.mu.Lock()
		handler := o.videoURLH
		o.mu.Unlock()
		if handler != nil {
			handler(msg.VideoURL)
		}
	case MessageTypeTaskStarted:
		o.mu.Lock()
		o.processing = true
		o.mu.Unlock()
		o.setMood(MoodThoughtful)
	case MessageTypeAssessmentComplete:
		o.mu.Lock()
		o.processing = true
		o.mu.Unlock()
		o.setMood(MoodConcerned)
	case MessageTypeProcessing:
		o.mu.Lock()
		o.processing = true
		o.mu.Unlock()
	}
}

func (o *Orchestrator) onBinaryAudio(audio []byte) {
	if err := o.player.PlayEncoded(audio); err != nil {
		o.logger.Warn("binary audio playback failed", zap.Error(err))
	}
}

func (o *Orchestrator) onChannelGone(err error) {
	o.mu.Lock()
	handler := o.errH
	closed := o.closed
	o.mu.Unlock()
	if closed {
		return
	}
	if err == nil {
		err = shared.ErrConnectionFailed
	}
	// Surfaced to the user; reconnection is a caller decision.
	o.logger.Error("control channel lost", err)
	if handler != nil {
		handler(err)
	}
}

func (o *Orchestrator) onMediaState(state NegotiatorState, reason error) {
	switch state {
	case NegotiatorStateRequesting, NegotiatorStateNegotiating, NegotiatorStateAwaitingTrack:
		o.setStatus(AvatarStatusConnecting)
	case NegotiatorStateConnected:
		o.setStatus(AvatarStatusConnected)
	case NegotiatorStateFailed:
		if reason != nil {
			o.logger.Warn("avatar unavailable, using audio-only mode", zap.Error(reason))
		}
		o.setStatus(AvatarStatusError)
	}
}

func (o *Orchestrator) onSpeaking(speaking bool) {
	o.mu.Lock()
	o.speaking = speaking
	o.mu.Unlock()
}

func (o *Orchestrator) appendTurn(speaker Speaker, text string) {
	turn := ConversationTurn{
		Speaker:   speaker,
		Text:      text,
		CreatedAt: time.Now(),
	}
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return
	}
	o.turns = append(o.turns, turn)
	handler := o.turnH
	o.mu.Unlock()
	if handler != nil {
		handler(turn)
	}
}

func (o *Orchestrator) setMood(mood Mood) {
	o.mu.Lock()
	o.mood = mood
	if o.moodTimer != nil {
		o.moodTimer.Stop()
		o.moodTimer = nil
	}
	if mood != MoodNeutral {
		o.moodTimer = time.AfterFunc(moodRevertAfter, func() {
			o.mu.Lock()
			o.mood = MoodNeutral
			o.moodTimer = nil
			o.mu.Unlock()
		})
	}
	o.mu.Unlock()
}

func (o *Orchestrator) setStatus(status AvatarStatus) {
	o.mu.Lock()
	if o.closed || o.status == status {
		o.mu.Unlock()
		return
	}
	prev := o.status
	o.status = status
	handler := o.statusH
	o.mu.Unlock()
	o.logger.Info(
		"avatar status changed",
		zap.String("prev", string(prev)),
		zap.String("new", string(status)),
	)
	if handler != nil {
		handler(status)
	}
}

// Turns returns a snapshot of the transcript in receipt order.
func (o *Orchestrator) Turns() []ConversationTurn {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]ConversationTurn, len(o.turns))
	copy(out, o.turns)
	return out
}

func (o *Orchestrator) Status() AvatarStatus {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.status
}

func (o *Orchestrator) Speaking() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.speaking
}

func (o *Orchestrator) Mood() Mood {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.mood
}

func (o *Orchestrator) Processing() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.processing
}

// Close ends the session: media first, then the control channel. Buffered
// turns are discarded; the orchestrator is not reusable afterwards.
func (o *Orchestrator) Close() error {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return nil
	}
	o.closed = true
	if o.moodTimer != nil {
		o.moodTimer.Stop()
		o.moodTimer = nil
	}
	o.turns = nil
	o.mu.Unlock()
	if err := o.player.Stop(); err != nil {
		o.logger.Debug("stopping playback", zap.Error(err))
	}
	var firstErr error
	if err := o.media.Close(); err != nil {
		firstErr = err
		o.logger.Error("closing media negotiator", err)
	}
	if err := o.channel.Close(); err != nil {
		if firstErr == nil {
			firstErr = err
		}
		o.logger.Error("closing control channel", err)
	}
	return firstErr
}
