// Package types provides shared type definitions for the application.
package types

import "time"

// User represents a call participant profile.
type User struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Avatar   string `json:"avatar,omitempty"` // Emoji or URL
	Language string `json:"language"`
	Voice    string `json:"voice,omitempty"` // Synthesis voice name (e.g. Fenrir, Kore)
}

// Group represents one call session: its members and shared message log.
type Group struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	Members    []User `json:"members"` // Includes the local user
	LastActive int64  `json:"lastActive"`
}

// Member returns the member with the given id, or nil if absent.
func (g *Group) Member(id string) *User {
	for i := range g.Members {
		if g.Members[i].ID == id {
			return &g.Members[i]
		}
	}
	return nil
}

// Message is one utterance record on the session channel.
// It is created when the segmenter emits a final transcript, transmitted
// once, and never mutated. ClientMessageID is the sender-assigned
// idempotency key: delivery is at-least-once, so receivers treat a
// duplicate id as a no-op.
type Message struct {
	GroupID          string `json:"group_id"`
	SenderID         string `json:"sender_id"`
	Text             string `json:"text"`
	ClientMessageID  string `json:"client_message_id"`
	OriginalLanguage string `json:"original_language"`
	IsDirect         bool   `json:"is_direct,omitempty"` // Bypass self-voice synthesis
	SentAt           int64  `json:"sent_at,omitempty"`   // Unix milliseconds
}

// TranslationResult is the translated-and-synthesized form of an
// utterance for one listener's language. AudioData is absent when
// synthesis degraded to text-only; callers show the caption and skip
// playback rather than treating it as an error.
type TranslationResult struct {
	TranslatedText string `json:"translatedText,omitempty"`
	AudioData      []byte `json:"audioData,omitempty"`
	SourceID       string `json:"sourceId,omitempty"`
}

// LiveCaption is the ephemeral display record for currently shown
// speech. At most one caption is visible at a time system-wide.
type LiveCaption struct {
	UserID         string `json:"userId"`
	OriginalText   string `json:"originalText"`
	TranslatedText string `json:"translatedText,omitempty"`
	Timestamp      int64  `json:"timestamp"` // Unix milliseconds
}

// SpeechStyle classifies a voice sample for training purposes.
type SpeechStyle string

const (
	StyleSpeaking SpeechStyle = "speaking"
	StyleSinging  SpeechStyle = "singing"
	StyleRapping  SpeechStyle = "rapping"
)

// VoiceTrainingSample pairs a recorded clip with its transcript for
// best-effort persistence.
type VoiceTrainingSample struct {
	UserID       string      `json:"user_id"`
	OriginalText string      `json:"original_text"`
	AudioURL     string      `json:"audio_url,omitempty"`
	StyleTag     SpeechStyle `json:"style_tag,omitempty"`
	CreatedAt    time.Time   `json:"created_at,omitempty"`
}

// CallStatus reports the state of an active call session.
type CallStatus struct {
	Active        bool   `json:"active"`
	GroupID       string `json:"groupId"`
	SpeakingUser  string `json:"speakingUser,omitempty"`
	PendingGuests int    `json:"pendingGuests"`
	MutedUsers    int    `json:"mutedUsers"`
	Utterances    int    `json:"utterances"` // Distinct utterances handled
}
