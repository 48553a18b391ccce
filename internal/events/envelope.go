package events

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"
)

// Broker message attributes.
const (
	AttrEventType      = "event_type"
	AttrSchemaVersion  = "schema_version"
	AttrIdempotencyKey = "idempotency_key"
	AttrCorrelationID  = "correlation_id"
	AttrDeduplicable   = "deduplicable"
)

// DefaultEventVersion is stamped on envelopes when no version is configured.
const DefaultEventVersion = "1.0"

// Envelope is the JSON document published for one domain occurrence.
type Envelope struct {
	EventID        string          `json:"event_id"`
	EventType      string          `json:"event_type"`
	EventVersion   string          `json:"event_version"`
	Timestamp      time.Time       `json:"timestamp"`
	IdempotencyKey string          `json:"idempotency_key"`
	Source         string          `json:"source"`
	CorrelationID  string          `json:"correlation_id"`
	Data           json.RawMessage `json:"data"`

	// Deduplicable is false when the key fell back to a random subject.
	Deduplicable bool `json:"-"`
}

// Attributes returns the broker attributes carried beside the envelope.
func (e Envelope) Attributes() map[string]string {
	attrs := map[string]string{
		AttrEventType:      e.EventType,
		AttrSchemaVersion:  e.EventVersion,
		AttrIdempotencyKey: e.IdempotencyKey,
		AttrCorrelationID:  e.CorrelationID,
	}
	if !e.Deduplicable {
		attrs[AttrDeduplicable] = "false"
	}
	return attrs
}

// Builder creates envelopes.
type Builder struct {
	Source  string
	Version string
	// SubjectKeys are gjson paths tried in order for the subject id.
	SubjectKeys []string

	now   func() time.Time
	newID func() string
}

// NewBuilder returns a builder that reads the subject from "id".
func NewBuilder(source, version string, subjectKeys ...string) *Builder {
	if version == "" {
		version = DefaultEventVersion
	}
	if len(subjectKeys) == 0 {
		subjectKeys = []string{"id"}
	}
	return &Builder{
		Source:      source,
		Version:     version,
		SubjectKeys: subjectKeys,
		now:         time.Now,
		newID:       uuid.NewString,
	}
}

// Subject returns the stable subject id carried by data, if any.
func (b *Builder) Subject(data []byte) (string, bool) {
	for _, key := range b.SubjectKeys {
		r := gjson.GetBytes(data, key)
		if !r.Exists() {
			continue
		}
		if r.Type != gjson.String && r.Type != gjson.Number {
			continue
		}
		if s := r.String(); s != "" {
			return s, true
		}
	}
	return "", false
}

// IdempotencyKey returns "<event_type>:<subject>" and whether the subject
// was taken from data. Without one a random subject is used.
func (b *Builder) IdempotencyKey(eventType string, data []byte) (string, bool) {
	if subject, ok := b.Subject(data); ok {
		return eventType + ":" + subject, true
	}
	return eventType + ":" + b.newID(), false
}

// Build encodes data and wraps it in a fresh envelope. A correlation id is
// generated when correlationID is empty.
func (b *Builder) Build(eventType string, data interface{}, correlationID string) (Envelope, error) {
	if eventType == "" {
		return Envelope{}, ErrMissingEventType
	}

	raw, err := encode(data)
	if err != nil {
		return Envelope{}, fmt.Errorf("events: encode %s payload: %w", eventType, err)
	}

	key, dedup := b.IdempotencyKey(eventType, raw)
	if correlationID == "" {
		correlationID = b.newID()
	}

	return Envelope{
		EventID:        b.newID(),
		EventType:      eventType,
		EventVersion:   b.Version,
		Timestamp:      b.now().UTC(),
		IdempotencyKey: key,
		Source:         b.Source,
		CorrelationID:  correlationID,
		Data:           raw,
		Deduplicable:   dedup,
	}, nil
}

func encode(data interface{}) (json.RawMessage, error) {
	switch v := data.(type) {
	case nil:
		return json.RawMessage("{}"), nil
	case json.RawMessage:
		if !json.Valid(v) {
			return nil, ErrInvalidPayload
		}
		return v, nil
	case []byte:
		if !json.Valid(v) {
			return nil, ErrInvalidPayload
		}
		return json.RawMessage(v), nil
	default:
		return json.Marshal(v)
	}
}
