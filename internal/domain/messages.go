package domain

import (
	"encoding/json"
	"time"
)

// Signals exchanged on a namespaced realtime channel.
const (
	EventJoinConversation  = "join:conversation"
	EventLeaveConversation = "leave:conversation"
	EventTypingStart       = "typing:start"
	EventTypingStop        = "typing:stop"
	EventMessageNew        = "message:new"
	EventError             = "error"
)

// Close codes sent by the namespace broker.
const (
	// CloseUnauthorized is sent when a connection's credential is rejected
	// after the upgrade.
	CloseUnauthorized = 4401
)

// Error codes
const (
	ErrCodeBadRequest = "BAD_REQUEST"
	ErrCodeNotInRoom  = "NOT_IN_ROOM"
	ErrCodeUnknown    = "UNKNOWN_EVENT"
)

// Message types
const (
	MessageTypeText   = "text"
	MessageTypeFile   = "file"
	MessageTypeSystem = "system"
)

// Frame is one named event on the wire.
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// NewFrame encodes payload as the data of a frame named event.
func NewFrame(event string, payload interface{}) (Frame, error) {
	if payload == nil {
		return Frame{Event: event}, nil
	}
	if raw, ok := payload.(json.RawMessage); ok {
		return Frame{Event: event, Data: raw}, nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return Frame{}, err
	}
	return Frame{Event: event, Data: data}, nil
}

// Marshal encodes the frame for the wire.
func (f Frame) Marshal() ([]byte, error) {
	return json.Marshal(f)
}

// ConversationRef is the payload of join, leave and outbound typing signals.
type ConversationRef struct {
	ConversationID string `json:"conversation_id"`
}

// TypingSignal is the payload of typing signals delivered to room members.
type TypingSignal struct {
	ConversationID string `json:"conversation_id"`
	UserID         string `json:"user_id"`
	DisplayName    string `json:"display_name,omitempty"`
}

// Attachment is a file reference carried by a message.
type Attachment struct {
	URL      string `json:"url"`
	Name     string `json:"name,omitempty"`
	MimeType string `json:"mime_type,omitempty"`
	Size     int64  `json:"size,omitempty"`
}

// Message is an inbound conversation message. Immutable once received.
type Message struct {
	ID             string       `json:"id"`
	ConversationID string       `json:"conversation_id"`
	SenderID       string       `json:"sender_id"`
	Content        string       `json:"content"`
	Type           string       `json:"message_type"`
	Attachments    []Attachment `json:"attachments"`
	CreatedAt      time.Time    `json:"created_at"`
}

// ErrorPayload is the data of an error frame.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
