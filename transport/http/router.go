package http

import (
	"net/http"
	"time"

	ginzap "github.com/gin-contrib/zap"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/mirror520/notification"
	"github.com/mirror520/notification/transport/pubsub"
)

// NewRouter wires the bus endpoints. A nil metrics handler leaves /metrics
// unrouted.
func NewRouter(endpoints *notification.EndpointSet, metrics http.Handler, log *zap.Logger) *gin.Engine {
	r := gin.New()
	r.Use(
		ginzap.Ginzap(log, time.RFC3339, true),
		ginzap.RecoveryWithZap(log, true),
	)

	r.GET("/health", CheckHealthHandler(endpoints.CheckHealth))

	if metrics != nil {
		r.GET("/metrics", gin.WrapH(metrics))
	}

	v1 := r.Group("/v1")
	{
		v1.POST("/messages/:type", PublishHandler(endpoints.Publish))
		v1.POST("/deliveries", DeliveryHandler(pubsub.EnvelopeHandler(endpoints.Handle)))
		v1.GET("/subscriptions", SubscriptionsHandler(endpoints.Subscriptions))
	}

	return r
}
