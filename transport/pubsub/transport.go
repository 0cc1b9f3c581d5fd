// Package pubsub adapts raw queue deliveries to the bus.
package pubsub

import (
	"context"
	"fmt"

	"github.com/go-kit/kit/endpoint"

	"github.com/mirror520/notification/message"
)

// MessageHandler consumes one delivery body read from a queue.
type MessageHandler func(ctx context.Context, data []byte) error

// EnvelopeHandler decodes the envelope and feeds it to the Handle endpoint.
// A body that is not an envelope is reported as message.ErrInvalidMessage.
func EnvelopeHandler(endpoint endpoint.Endpoint) MessageHandler {
	return func(ctx context.Context, data []byte) error {
		msg, err := message.Unmarshal(data)
		if err != nil {
			return fmt.Errorf("%w: %w", message.ErrInvalidMessage, err)
		}

		_, err = endpoint(ctx, msg)
		return err
	}
}
