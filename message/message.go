package message

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/oklog/ulid/v2"
)

var (
	ErrKeyNotFound    = errors.New("message key not found")
	ErrInvalidMessage = errors.New("invalid message")
)

// Key identifies a logical message type. It is the registry key of the bus
// and defaults to the topic name when nothing else is configured.
type Key string

func (k Key) String() string {
	return string(k)
}

// Typed payloads declare their own key, so the bus never inspects types.
type Typed interface {
	MessageType() Key
}

type Message struct {
	ID               ulid.ULID
	Type             Key
	Conversation     string
	RaisingComponent string
	Tenant           string
	OccurredAt       time.Time
	Payload          any
}

func New(payload Typed) *Message {
	return NewWithKey(payload.MessageType(), payload)
}

func NewWithKey(key Key, payload any) *Message {
	id := ulid.Make()
	return &Message{
		ID:           id,
		Type:         key,
		Conversation: id.String(),
		OccurredAt:   time.Now().UTC(),
		Payload:      payload,
	}
}

// Key returns the explicit key, falling back to the key a Typed payload declares.
func (msg *Message) Key() (Key, error) {
	if msg.Type != "" {
		return msg.Type, nil
	}

	if typed, ok := msg.Payload.(Typed); ok && typed.MessageType() != "" {
		return typed.MessageType(), nil
	}

	return "", ErrKeyNotFound
}

// Stamp sets the process identity fields, overwriting any caller value.
func (msg *Message) Stamp(component string, tenant string) {
	msg.RaisingComponent = component
	msg.Tenant = tenant
}

// Attribute names carried next to the body on backends with message headers.
const (
	AttrType             = "Type"
	AttrRaisingComponent = "RaisingComponent"
	AttrTenant           = "Tenant"
)

func (msg *Message) Attributes() map[string]string {
	key, _ := msg.Key()
	return map[string]string{
		AttrType:             key.String(),
		AttrRaisingComponent: msg.RaisingComponent,
		AttrTenant:           msg.Tenant,
	}
}

type envelope struct {
	ID               string          `json:"id"`
	Type             Key             `json:"type"`
	Conversation     string          `json:"conversation,omitempty"`
	RaisingComponent string          `json:"raisingComponent"`
	Tenant           string          `json:"tenant"`
	OccurredAt       time.Time       `json:"occurredAt"`
	Payload          json.RawMessage `json:"payload,omitempty"`
}

// Marshal encodes the envelope under the resolved key, so a message keyed
// only by its Typed payload still carries its type.
func Marshal(msg *Message) ([]byte, error) {
	if msg == nil {
		return nil, ErrInvalidMessage
	}

	key, err := msg.Key()
	if err != nil {
		return nil, err
	}

	env := envelope{
		ID:               msg.ID.String(),
		Type:             key,
		Conversation:     msg.Conversation,
		RaisingComponent: msg.RaisingComponent,
		Tenant:           msg.Tenant,
		OccurredAt:       msg.OccurredAt,
	}

	if msg.Payload != nil {
		switch p := msg.Payload.(type) {
		case json.RawMessage:
			env.Payload = p
		case []byte:
			env.Payload = p
		default:
			bs, err := json.Marshal(p)
			if err != nil {
				return nil, err
			}
			env.Payload = bs
		}
	}

	return json.Marshal(&env)
}

// Unmarshal decodes an envelope. The payload is left as json.RawMessage for
// the handler to decode into its own type.
func Unmarshal(data []byte) (*Message, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, err
	}

	if env.Type == "" {
		return nil, ErrKeyNotFound
	}

	id, err := ulid.Parse(env.ID)
	if err != nil {
		return nil, err
	}

	msg := &Message{
		ID:               id,
		Type:             env.Type,
		Conversation:     env.Conversation,
		RaisingComponent: env.RaisingComponent,
		Tenant:           env.Tenant,
		OccurredAt:       env.OccurredAt,
	}

	if len(env.Payload) > 0 {
		msg.Payload = env.Payload
	}

	return msg, nil
}
