package avatarkit

import (
	"errors"
	"fmt"

	"github.com/bytedance/sonic"
)

type MessageType string

// Server message types
const (
	MessageTypeAIResponse         MessageType = "ai_response"
	MessageTypeAIAudio            MessageType = "ai_audio"
	MessageTypeAIVideo            MessageType = "ai_video"
	MessageTypeTaskStarted        MessageType = "task_started"
	MessageTypeAssessmentComplete MessageType = "assessment_complete"
	MessageTypeUserTranscript     MessageType = "user_transcript"
	MessageTypeProcessing         MessageType = "processing"
)

// Client command types
const (
	CommandTypeSpeakText MessageType = "speak_text"
)

// ServerMessage is one inbound control-channel message. The set of types is
// closed; anything else coming off the wire is dropped by the channel.
type ServerMessage struct {
	Type     MessageType `json:"type"`
	Text     string      `json:"text,omitempty"`
	Audio    string      `json:"audio,omitempty"` // base64-encoded clip
	VideoURL string      `json:"video_url,omitempty"`
}

var knownMessageTypes = map[MessageType]struct{}{
	MessageTypeAIResponse:         {},
	MessageTypeAIAudio:            {},
	MessageTypeAIVideo:            {},
	MessageTypeTaskStarted:        {},
	MessageTypeAssessmentComplete: {},
	MessageTypeUserTranscript:     {},
	MessageTypeProcessing:         {},
}

func (t MessageType) Known() bool {
	_, ok := knownMessageTypes[t]
	return ok
}

// DecodeServerMessage parses an inbound text frame. It rejects unknown types
// and payloads missing the fields their type requires, so a malformed frame
// never reaches the dispatcher.
func DecodeServerMessage(data []byte) (*ServerMessage, error) {
	msg := new(ServerMessage)
	if err := sonic.Unmarshal(data, msg); err != nil {
		return nil, fmt.Errorf("unmarshaling server message: %w", err)
	}
	if !msg.Type.Known() {
		return nil, fmt.Errorf("unknown message type %q", msg.Type)
	}
	switch msg.Type {
	case MessageTypeAIResponse, MessageTypeUserTranscript:
		if msg.Text == "" {
			return nil, fmt.Errorf("message type %q missing text", msg.Type)
		}
	case MessageTypeAIAudio:
		if msg.Audio == "" {
			return nil, errors.New("ai_audio message missing audio payload")
		}
	case MessageTypeAIVideo:
		if msg.VideoURL == "" {
			return nil, errors.New("ai_video message missing video_url")
		}
	}
	return msg, nil
}

// SpeakTextCommand asks the backend to synthesize and return speech for the
// given text.
type SpeakTextCommand struct {
	Type MessageType `json:"type"`
	Text string      `json:"text"`
}

func NewSpeakTextCommand(text string) *SpeakTextCommand {
	return &SpeakTextCommand{
		Type: CommandTypeSpeakText,
		Text: text,
	}
}

func (c *SpeakTextCommand) Encode() ([]byte, error) {
	if c.Type != CommandTypeSpeakText {
		return nil, fmt.Errorf("unexpected command type %q", c.Type)
	}
	if c.Text == "" {
		return nil, errors.New("speak_text command requires text")
	}
	return sonic.Marshal(c)
}
