package avatarkit

import (
	"strings"
	"time"
)

type Speaker string

const (
	SpeakerUser      Speaker = "user"
	SpeakerAssistant Speaker = "assistant"
)

// ConversationTurn is one utterance in the transcript. Turns are append-only
// and ordered by receipt; they are never mutated after append.
type ConversationTurn struct {
	Speaker   Speaker
	Text      string
	CreatedAt time.Time
}

// Mood is the assistant's displayed demeanor, derived from its own text.
type Mood string

const (
	MoodNeutral    Mood = "neutral"
	MoodHappy      Mood = "happy"
	MoodConcerned  Mood = "concerned"
	MoodThoughtful Mood = "thoughtful"
)

var moodKeywords = []struct {
	mood  Mood
	words []string
}{
	{MoodHappy, []string{"great", "excellent", "wonderful"}},
	{MoodConcerned, []string{"concern", "difficult", "trouble"}},
	{MoodThoughtful, []string{"think", "remember", "recall"}},
}

// MoodFromText maps assistant text to a mood by keyword, defaulting to
// neutral.
func MoodFromText(text string) Mood {
	lower := strings.ToLower(text)
	for _, entry := range moodKeywords {
		for _, w := range entry.words {
			if strings.Contains(lower, w) {
				return entry.mood
			}
		}
	}
	return MoodNeutral
}

// Transcript renders turns as speaker-prefixed lines, the format the report
// service expects.
func Transcript(turns []ConversationTurn) string {
	var b strings.Builder
	for i, turn := range turns {
		if i > 0 {
			b.WriteString("\n")
		}
		b.WriteString(string(turn.Speaker))
		b.WriteString(": ")
		b.WriteString(turn.Text)
	}
	return b.String()
}
