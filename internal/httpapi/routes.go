package httpapi

import (
	"telephony-gateway/internal/rbac"

	"github.com/gin-gonic/gin"
)

// Register mounts the call control routes on an already authenticated group.
func (h Handlers) Register(v1 *gin.RouterGroup) {
	read := rbac.RequireAnyRole(rbac.RoleOperator, rbac.RoleViewer)

	calls := v1.Group("/calls")
	{
		calls.GET("", read, h.ListCalls)
		calls.GET("/:call_id", read, h.GetCall)
		calls.GET("/:call_id/transitions", read, h.GetTransitions)

		calls.POST("", rbac.RequireCallControl(), h.PlaceCall)
		calls.DELETE("/:call_id", rbac.RequireCallControl(), h.TerminateCall)
	}

	if h.Overrides == nil {
		return
	}
	overrides := v1.Group("/routing/overrides", rbac.RequireAdmin())
	{
		overrides.GET("", h.ListOverrides)
		overrides.POST("", h.CreateOverride)
		overrides.DELETE("/:override_id", h.DeleteOverride)
	}
}
