package envelope

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrMissingID is returned when an update or delete payload has no id.
	ErrMissingID = errors.New("payload id is required for update and delete")

	// ErrNilPayload is returned when an envelope carries no payload at all.
	ErrNilPayload = errors.New("payload is required")
)

// Payload is the entity data carried by an envelope. Field values are
// whatever JSON decoding produces (string, float64, bool, nested maps).
type Payload map[string]any

// ID returns the payload's "id" field as a string, or "" when absent.
// Numeric ids are formatted without a fractional part when possible.
func (p Payload) ID() string {
	if p == nil {
		return ""
	}
	switch v := p["id"].(type) {
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case int:
		return strconv.Itoa(v)
	case int64:
		return strconv.FormatInt(v, 10)
	case json.Number:
		return v.String()
	case nil:
		return ""
	default:
		return fmt.Sprint(v)
	}
}

// Clone returns a shallow copy of the payload.
func (p Payload) Clone() Payload {
	if p == nil {
		return nil
	}
	out := make(Payload, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}

// UpdateEnvelope describes a single mutation of a cached entity.
type UpdateEnvelope struct {
	ID           string     `json:"id"`
	EntityType   EntityType `json:"entityType"`
	Action       Action     `json:"action"`
	Payload      Payload    `json:"payload"`
	CreatedAt    time.Time  `json:"timestamp"`
	OriginUserID string     `json:"userId,omitempty"`
	Source       string     `json:"source,omitempty"`
}

// Option customises an envelope built by New.
type Option func(*options)

type options struct {
	origin string
	source string
	now    func() time.Time
}

// WithOrigin attributes the mutation to a user.
func WithOrigin(userID string) Option {
	return func(o *options) { o.origin = userID }
}

// WithSource tags the envelope with a free-text origin such as a form name.
func WithSource(source string) Option {
	return func(o *options) { o.source = source }
}

// WithClock overrides the clock used for CreatedAt.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// New builds a validated envelope with a fresh id and creation timestamp.
//
// Ids are UUIDv7: a millisecond timestamp prefix followed by random bits, so
// they sort by creation time.
func New(et EntityType, action Action, payload Payload, opts ...Option) (*UpdateEnvelope, error) {
	o := options{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}

	id, err := NewID()
	if err != nil {
		return nil, err
	}

	env := &UpdateEnvelope{
		ID:           id,
		EntityType:   et,
		Action:       action,
		Payload:      payload,
		CreatedAt:    o.now().UTC(),
		OriginUserID: o.origin,
		Source:       o.source,
	}
	if err := env.Validate(); err != nil {
		return nil, err
	}
	return env, nil
}

// NewID returns a new time-ordered envelope id.
func NewID() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("failed to generate envelope id: %w", err)
	}
	return id.String(), nil
}

// Validate checks the envelope invariants.
func (e *UpdateEnvelope) Validate() error {
	if e.ID == "" {
		return fmt.Errorf("id is required")
	}
	if !e.EntityType.Valid() {
		return fmt.Errorf("unknown entity type %q", e.EntityType)
	}
	if !e.Action.Valid() {
		return fmt.Errorf("unknown action %q", e.Action)
	}
	if e.Payload == nil {
		return ErrNilPayload
	}
	if e.Action != ActionCreate && e.Payload.ID() == "" {
		return ErrMissingID
	}
	return nil
}

// EntityID returns the id of the entity the envelope refers to.
func (e *UpdateEnvelope) EntityID() string {
	return e.Payload.ID()
}

// String returns a short description for log lines.
func (e *UpdateEnvelope) String() string {
	if id := e.EntityID(); id != "" {
		return fmt.Sprintf("%s %s %s (%s)", e.Action, e.EntityType, id, e.ID)
	}
	return fmt.Sprintf("%s %s (%s)", e.Action, e.EntityType, e.ID)
}

// Encode serialises an envelope for the wire.
func Encode(e *UpdateEnvelope) ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal envelope %s: %w", e.ID, err)
	}
	return data, nil
}

// Decode parses and validates an envelope received from the wire.
func Decode(data []byte) (*UpdateEnvelope, error) {
	var env UpdateEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("failed to parse envelope: %w", err)
	}
	if err := env.Validate(); err != nil {
		return nil, fmt.Errorf("invalid envelope: %w", err)
	}
	return &env, nil
}

// LedgerEntry is an envelope recorded while the relay was unreachable.
type LedgerEntry struct {
	UpdateEnvelope
	OfflineRecordedAt time.Time `json:"offlineTimestamp"`
}

// ProtocolVersion is the semantic version of the relay wire protocol.
const ProtocolVersion = "v1.0.0"
