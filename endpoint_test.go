package notification

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/mirror520/notification/message"
	"github.com/mirror520/notification/publisher"
)

type recordingService struct {
	stubService
	published *message.Message
}

func (svc *recordingService) Publish(ctx context.Context, msg *message.Message) (*publisher.Receipt, error) {
	svc.published = msg
	return svc.stubService.Publish(ctx, msg)
}

func TestPublishEndpoint(t *testing.T) {
	assert := assert.New(t)

	svc := new(recordingService)
	endpoints := MakeEndpoints(svc)

	resp, err := endpoints.Publish(context.Background(), PublishRequest{
		Key:          "order-placed",
		Conversation: "conv-1",
		Payload:      json.RawMessage(`{"orderId":"42"}`),
	})
	assert.NoError(err)

	receipt, ok := resp.(*publisher.Receipt)
	if assert.True(ok) {
		assert.Equal(svc.published.ID, receipt.MessageID)
	}

	assert.Equal(message.Key("order-placed"), svc.published.Type)
	assert.Equal("conv-1", svc.published.Conversation)

	_, err = endpoints.Publish(context.Background(), "nope")
	assert.ErrorIs(err, ErrInvalidRequest)
}

func TestHandleEndpointRejectsOtherRequests(t *testing.T) {
	endpoints := MakeEndpoints(new(stubService))

	_, err := endpoints.Handle(context.Background(), message.Message{})
	assert.ErrorIs(t, err, ErrInvalidRequest)

	_, err = endpoints.Handle(context.Background(), message.New(orderPlaced{}))
	assert.NoError(t, err)
}
