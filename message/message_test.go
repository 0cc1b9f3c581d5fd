package message

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
)

type orderPlaced struct {
	OrderID int `json:"order_id"`
}

func (orderPlaced) MessageType() Key {
	return "order-placed"
}

func TestNewUsesDeclaredKey(t *testing.T) {
	assert := assert.New(t)

	msg := New(orderPlaced{OrderID: 7})
	assert.Equal(Key("order-placed"), msg.Type)
	assert.Equal(msg.ID.String(), msg.Conversation)
	assert.False(msg.OccurredAt.IsZero())
}

func TestKey(t *testing.T) {
	assert := assert.New(t)

	msg := &Message{Payload: orderPlaced{}}
	key, err := msg.Key()
	assert.NoError(err)
	assert.Equal(Key("order-placed"), key)

	msg = &Message{Type: "explicit", Payload: orderPlaced{}}
	key, err = msg.Key()
	assert.NoError(err)
	assert.Equal(Key("explicit"), key)

	msg = &Message{Payload: map[string]string{"a": "b"}}
	_, err = msg.Key()
	assert.ErrorIs(err, ErrKeyNotFound)
}

func TestStampOverwrites(t *testing.T) {
	assert := assert.New(t)

	msg := New(orderPlaced{})
	msg.RaisingComponent = "someone-else"
	msg.Tenant = "fr"

	msg.Stamp("orders-api", "uk")
	assert.Equal("orders-api", msg.RaisingComponent)
	assert.Equal("uk", msg.Tenant)
	assert.Equal("uk", msg.Attributes()[AttrTenant])
}

func TestEnvelope(t *testing.T) {
	assert := assert.New(t)

	msg := New(orderPlaced{OrderID: 42})
	msg.Stamp("orders-api", "uk")

	bs, err := Marshal(msg)
	if err != nil {
		assert.Fail(err.Error())
		return
	}

	var raw map[string]any
	assert.NoError(json.Unmarshal(bs, &raw))
	assert.Equal("orders-api", raw["raisingComponent"])
	assert.Equal("uk", raw["tenant"])
	assert.Equal("order-placed", raw["type"])

	decoded, err := Unmarshal(bs)
	if err != nil {
		assert.Fail(err.Error())
		return
	}

	assert.Equal(msg.ID, decoded.ID)
	assert.Equal("uk", decoded.Tenant)

	var p orderPlaced
	assert.NoError(json.Unmarshal(decoded.Payload.(json.RawMessage), &p))
	assert.Equal(42, p.OrderID)
}

func TestEnvelopeOfTypedPayloadWithoutType(t *testing.T) {
	assert := assert.New(t)

	msg := &Message{ID: New(orderPlaced{}).ID, Payload: orderPlaced{OrderID: 9}}
	assert.Equal("order-placed", msg.Attributes()[AttrType])

	bs, err := Marshal(msg)
	if err != nil {
		assert.Fail(err.Error())
		return
	}

	decoded, err := Unmarshal(bs)
	if err != nil {
		assert.Fail(err.Error())
		return
	}

	assert.Equal(Key("order-placed"), decoded.Type)
	assert.Equal(msg.ID, decoded.ID)
}

func TestMarshalRejectsMissingKey(t *testing.T) {
	_, err := Marshal(&Message{Payload: map[string]string{"a": "b"}})
	assert.ErrorIs(t, err, ErrKeyNotFound)
}

func TestUnmarshalRejectsMissingType(t *testing.T) {
	_, err := Unmarshal([]byte(`{"id":"01HQ3Z7T0000000000000000AA"}`))
	assert.ErrorIs(t, err, ErrKeyNotFound)
}
