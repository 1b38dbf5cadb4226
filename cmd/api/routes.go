package main

import (
	"telephony-gateway/internal/httpapi"
	"telephony-gateway/internal/signaling"

	"github.com/gin-gonic/gin"
)

// registerRoutes wires HTTP routes to handlers.
// Keep this file free of business logic. Handlers should delegate to internal modules.
func registerRoutes(r *gin.Engine, sig *signaling.Server, calls httpapi.Handlers, authMW gin.HandlerFunc) {
	// public: health, provider webhooks and media sockets verify their own origin
	sig.Register(r)

	// protected API group
	v1 := r.Group("/v1")
	v1.Use(authMW)
	calls.Register(v1)
}
