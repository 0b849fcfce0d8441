// Package conversation defines the conversation domain types and the
// per-conversation state store.
package conversation

import (
	"time"
)

// Key identifies a conversation scope: one user within one chat.
// Immutable once created; primary index into the state store.
type Key struct {
	ChatID string `json:"chat_id"`
	UserID string `json:"user_id"`
}

// String renders the key in "chat:user" form for logging and storage keys.
func (k Key) String() string {
	return k.ChatID + ":" + k.UserID
}

// MessageLink correlates one inbound message with the ordered set of
// outbound messages it produced. Response ids are appended in delivery
// order and the link is never replaced once created.
type MessageLink struct {
	InboundMessageID   string    `json:"inbound_message_id"`
	ResponseMessageIDs []string  `json:"response_message_ids,omitempty"`
	CreatedAt          time.Time `json:"created_at"`
}

// AttachmentAnalysis is one recorded multi-modal analysis, kept in the
// conversation history for contextual follow-ups.
type AttachmentAnalysis struct {
	ID                 string    `json:"id"`
	Fingerprint        string    `json:"fingerprint"`
	Kind               string    `json:"kind"`
	Caption            string    `json:"caption,omitempty"`
	Result             string    `json:"result"`
	SourceMessageID    string    `json:"source_message_id"`
	ResponseMessageIDs []string  `json:"response_message_ids,omitempty"`
	Timestamp          time.Time `json:"timestamp"`
}

// Analysis kind constants.
const (
	KindDescription = "description"
	KindExtraction  = "extraction"
	KindTranscript  = "transcript"
)

// Stats carries per-conversation usage counters.
type Stats struct {
	Messages      int       `json:"messages"`
	Images        int       `json:"images"`
	Documents     int       `json:"documents"`
	VoiceMessages int       `json:"voice_messages"`
	LastActive    time.Time `json:"last_active"`
}

// State is the aggregate root for one conversation: the link history, the
// analysis history, ephemeral flags, and usage counters. Histories are
// ordered oldest-first and trimmed by retention.
type State struct {
	Links    []MessageLink        `json:"links"`
	Analyses []AttachmentAnalysis `json:"analyses"`
	Flags    map[string]string    `json:"flags,omitempty"`
	Stats    Stats                `json:"stats"`
}

// Clone returns a deep copy of the state.
func (s State) Clone() State {
	out := State{Stats: s.Stats}
	if len(s.Links) > 0 {
		out.Links = make([]MessageLink, len(s.Links))
		for i, l := range s.Links {
			out.Links[i] = l
			out.Links[i].ResponseMessageIDs = append([]string(nil), l.ResponseMessageIDs...)
		}
	}
	if len(s.Analyses) > 0 {
		out.Analyses = make([]AttachmentAnalysis, len(s.Analyses))
		for i, a := range s.Analyses {
			out.Analyses[i] = a
			out.Analyses[i].ResponseMessageIDs = append([]string(nil), a.ResponseMessageIDs...)
		}
	}
	if len(s.Flags) > 0 {
		out.Flags = make(map[string]string, len(s.Flags))
		for k, v := range s.Flags {
			out.Flags[k] = v
		}
	}
	return out
}
