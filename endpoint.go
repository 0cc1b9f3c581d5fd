package notification

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/go-kit/kit/endpoint"

	"github.com/mirror520/notification/message"
)

var ErrInvalidRequest = errors.New("invalid request")

type PublishRequest struct {
	Key          message.Key     `json:"-"`
	Conversation string          `json:"conversation"`
	Payload      json.RawMessage `json:"payload" binding:"required"`
}

func PublishEndpoint(svc Service) endpoint.Endpoint {
	return func(ctx context.Context, request any) (response any, err error) {
		req, ok := request.(PublishRequest)
		if !ok {
			return nil, ErrInvalidRequest
		}

		msg := message.NewWithKey(req.Key, req.Payload)
		if req.Conversation != "" {
			msg.Conversation = req.Conversation
		}

		return svc.Publish(ctx, msg)
	}
}

func HandleEndpoint(svc Service) endpoint.Endpoint {
	return func(ctx context.Context, request any) (response any, err error) {
		msg, ok := request.(*message.Message)
		if !ok {
			return nil, ErrInvalidRequest
		}

		return nil, svc.Handle(ctx, msg)
	}
}

func SubscriptionsEndpoint(svc Service) endpoint.Endpoint {
	return func(ctx context.Context, request any) (response any, err error) {
		return svc.Subscriptions(), nil
	}
}

func CheckHealthEndpoint(svc Service) endpoint.Endpoint {
	return func(ctx context.Context, request any) (response any, err error) {
		return nil, svc.CheckHealth(ctx)
	}
}

type EndpointSet struct {
	Publish       endpoint.Endpoint
	Handle        endpoint.Endpoint
	Subscriptions endpoint.Endpoint
	CheckHealth   endpoint.Endpoint
}

func MakeEndpoints(svc Service) *EndpointSet {
	return &EndpointSet{
		Publish:       PublishEndpoint(svc),
		Handle:        HandleEndpoint(svc),
		Subscriptions: SubscriptionsEndpoint(svc),
		CheckHealth:   CheckHealthEndpoint(svc),
	}
}
