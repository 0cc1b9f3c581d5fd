// Package http exposes the notification bus over gin.
package http

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/go-kit/kit/endpoint"

	"github.com/mirror520/notification"
	"github.com/mirror520/notification/conf"
	"github.com/mirror520/notification/gateway"
	"github.com/mirror520/notification/message"
	"github.com/mirror520/notification/publisher"
	"github.com/mirror520/notification/transport/pubsub"
)

// statusOf maps a bus error onto the HTTP status the caller should see.
func statusOf(err error) int {
	switch {
	case errors.Is(err, notification.ErrInvalidRequest),
		errors.Is(err, message.ErrKeyNotFound),
		errors.Is(err, message.ErrInvalidMessage),
		errors.Is(err, conf.ErrInvalidConfig):
		return http.StatusBadRequest

	case errors.Is(err, notification.ErrHandlerNotFound):
		return http.StatusNotFound

	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout

	case errors.Is(err, publisher.ErrExhausted):
		return http.StatusServiceUnavailable

	case gateway.IsPermanent(err):
		return http.StatusBadGateway

	default:
		return http.StatusInternalServerError
	}
}

func PublishHandler(endpoint endpoint.Endpoint) gin.HandlerFunc {
	return func(ctx *gin.Context) {
		key := ctx.Param("type")
		if key == "" {
			result := FailureResult(message.ErrKeyNotFound)
			ctx.AbortWithStatusJSON(http.StatusBadRequest, result)
			return
		}

		var req notification.PublishRequest
		if err := ctx.ShouldBindJSON(&req); err != nil {
			result := FailureResult(err)
			ctx.AbortWithStatusJSON(http.StatusBadRequest, result)
			return
		}
		req.Key = message.Key(key)

		resp, err := endpoint(ctx.Request.Context(), req)
		if err != nil {
			result := FailureResult(err)
			ctx.AbortWithStatusJSON(statusOf(err), result)
			return
		}

		result := SuccessResult("message published")
		result.Data = resp
		ctx.JSON(http.StatusOK, result)
	}
}

// DeliveryHandler takes a delivery pushed by the backend. The body is the
// envelope exactly as it was published.
func DeliveryHandler(handler pubsub.MessageHandler) gin.HandlerFunc {
	return func(ctx *gin.Context) {
		data, err := ctx.GetRawData()
		if err != nil {
			result := FailureResult(err)
			ctx.AbortWithStatusJSON(http.StatusBadRequest, result)
			return
		}

		if err := handler(ctx.Request.Context(), data); err != nil {
			result := FailureResult(err)
			ctx.AbortWithStatusJSON(statusOf(err), result)
			return
		}

		result := SuccessResult("message handled")
		ctx.JSON(http.StatusOK, result)
	}
}

func SubscriptionsHandler(endpoint endpoint.Endpoint) gin.HandlerFunc {
	return func(ctx *gin.Context) {
		resp, err := endpoint(ctx.Request.Context(), nil)
		if err != nil {
			result := FailureResult(err)
			ctx.AbortWithStatusJSON(statusOf(err), result)
			return
		}

		result := SuccessResult("subscriptions listed")
		result.Data = resp
		ctx.JSON(http.StatusOK, result)
	}
}

func CheckHealthHandler(endpoint endpoint.Endpoint) gin.HandlerFunc {
	return func(ctx *gin.Context) {
		_, err := endpoint(ctx.Request.Context(), nil)
		if err != nil {
			result := FailureResult(err)
			ctx.AbortWithStatusJSON(http.StatusExpectationFailed, result)
			return
		}

		ctx.String(http.StatusOK, "ok")
	}
}
