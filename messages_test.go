package avatarkit

import (
	"testing"

	"github.com/bytedance/sonic"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeServerMessage(t *testing.T) {
	tests := []struct {
		name    string
		data    string
		want    *ServerMessage
		wantErr bool
	}{
		{
			name: "ai_response",
			data: `{"type":"ai_response","text":"Hello there"}`,
			want: &ServerMessage{Type: MessageTypeAIResponse, Text: "Hello there"},
		},
		{
			name: "ai_audio",
			data: `{"type":"ai_audio","audio":"U09NRQ=="}`,
			want: &ServerMessage{Type: MessageTypeAIAudio, Audio: "U09NRQ=="},
		},
		{
			name: "ai_video",
			data: `{"type":"ai_video","video_url":"https://example.com/clip.mp4"}`,
			want: &ServerMessage{Type: MessageTypeAIVideo, VideoURL: "https://example.com/clip.mp4"},
		},
		{
			name: "user_transcript",
			data: `{"type":"user_transcript","text":"I feel fine"}`,
			want: &ServerMessage{Type: MessageTypeUserTranscript, Text: "I feel fine"},
		},
		{
			name: "task_started carries no payload",
			data: `{"type":"task_started"}`,
			want: &ServerMessage{Type: MessageTypeTaskStarted},
		},
		{
			name: "assessment_complete",
			data: `{"type":"assessment_complete"}`,
			want: &ServerMessage{Type: MessageTypeAssessmentComplete},
		},
		{
			name: "processing",
			data: `{"type":"processing"}`,
			want: &ServerMessage{Type: MessageTypeProcessing},
		},
		{
			name:    "unknown type",
			data:    `{"type":"telemetry","text":"x"}`,
			wantErr: true,
		},
		{
			name:    "missing type",
			data:    `{"text":"x"}`,
			wantErr: true,
		},
		{
			name:    "malformed json",
			data:    `{"type":"ai_response"`,
			wantErr: true,
		},
		{
			name:    "ai_response without text",
			data:    `{"type":"ai_response"}`,
			wantErr: true,
		},
		{
			name:    "ai_audio without payload",
			data:    `{"type":"ai_audio"}`,
			wantErr: true,
		},
		{
			name:    "ai_video without url",
			data:    `{"type":"ai_video"}`,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg, err := DecodeServerMessage([]byte(tt.data))
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, msg)
		})
	}
}

func TestSpeakTextCommandEncode(t *testing.T) {
	payload, err := NewSpeakTextCommand("Welcome to your session").Encode()
	require.NoError(t, err)

	var decoded map[string]string
	require.NoError(t, sonic.Unmarshal(payload, &decoded))
	assert.Equal(t, "speak_text", decoded["type"])
	assert.Equal(t, "Welcome to your session", decoded["text"])
}

func TestSpeakTextCommandEncodeEmpty(t *testing.T) {
	_, err := NewSpeakTextCommand("").Encode()
	assert.Error(t, err)
}
