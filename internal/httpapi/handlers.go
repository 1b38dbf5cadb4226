package httpapi

import (
	"context"
	"errors"
	"net/http"

	"telephony-gateway/internal/auth"
	"telephony-gateway/internal/calls"
	"telephony-gateway/internal/lifecycle"
	"telephony-gateway/internal/telephony"
	"telephony-gateway/pkg/logger"

	"github.com/gin-gonic/gin"
)

// CallService is the part of the call manager the control API drives.
type CallService interface {
	PlaceOutboundCall(ctx context.Context, req calls.OutboundRequest) (calls.CallSession, error)
	Get(callID string) (calls.CallSession, error)
	List() []calls.CallSession
	Terminate(ctx context.Context, callID, reason string) error
}

// History serves calls the manager has already garbage collected.
type History interface {
	Session(ctx context.Context, callID string) (calls.CallSession, error)
	Transitions(ctx context.Context, callID string) ([]calls.Transition, error)
}

// Handlers groups HTTP handlers for dependency injection.
// Keep these thin: parse/validate input, call internal services, return JSON.
type Handlers struct {
	Calls     CallService
	History   History
	Overrides OverrideService
}

type placeCallRequest struct {
	Destination string `json:"destination"`
	Provider    string `json:"provider"`
	AgentRef    string `json:"agent_ref"`
	From        string `json:"from,omitempty"`
}

// PlaceCall originates an outbound call and returns the Pending session.
// RBAC: operator or admin.
func (h Handlers) PlaceCall(c *gin.Context) {
	if h.Calls == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "calls not configured"})
		return
	}
	var req placeCallRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	if req.Destination == "" || req.Provider == "" {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "destination, provider required"})
		return
	}
	variant, err := telephony.ParseVariant(req.Provider)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "unknown provider"})
		return
	}

	operatorID, _ := auth.OperatorID(c.Request.Context())
	sess, err := h.Calls.PlaceOutboundCall(c.Request.Context(), calls.OutboundRequest{
		Destination: req.Destination,
		Variant:     variant,
		AgentRef:    req.AgentRef,
		From:        req.From,
	})
	if err != nil {
		logger.FromGin(c).Warn("place call failed", "operator_id", operatorID, "err", err)
		writeCallError(c, err)
		return
	}
	logger.FromGin(c).Info("call placed", "operator_id", operatorID, "call_id", sess.CallID)
	c.JSON(http.StatusCreated, sess)
}

func (h Handlers) ListCalls(c *gin.Context) {
	if h.Calls == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "calls not configured"})
		return
	}
	list := h.Calls.List()
	if state := c.Query("state"); state != "" {
		filtered := list[:0]
		for _, s := range list {
			if string(s.State) == state {
				filtered = append(filtered, s)
			}
		}
		list = filtered
	}
	if list == nil {
		list = []calls.CallSession{}
	}
	c.JSON(http.StatusOK, gin.H{"calls": list})
}

// GetCall returns the live session, falling back to persisted history.
func (h Handlers) GetCall(c *gin.Context) {
	sess, err := h.lookup(c.Request.Context(), c.Param("call_id"))
	if err != nil {
		writeCallError(c, err)
		return
	}
	c.JSON(http.StatusOK, sess)
}

func (h Handlers) GetTransitions(c *gin.Context) {
	if h.History == nil {
		c.AbortWithStatusJSON(http.StatusNotImplemented, gin.H{"error": "history not configured"})
		return
	}
	ts, err := h.History.Transitions(c.Request.Context(), c.Param("call_id"))
	if err != nil {
		writeCallError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"transitions": ts})
}

type terminateRequest struct {
	Reason string `json:"reason"`
}

// TerminateCall hangs up a live call. The state machine moves even when the
// provider hangup fails; the failure is reported alongside the snapshot.
// RBAC: operator or admin.
func (h Handlers) TerminateCall(c *gin.Context) {
	if h.Calls == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "calls not configured"})
		return
	}
	callID := c.Param("call_id")
	var req terminateRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
			return
		}
	}
	operatorID, _ := auth.OperatorID(c.Request.Context())
	if req.Reason == "" {
		req.Reason = "terminated by operator " + operatorID
	}

	err := h.Calls.Terminate(c.Request.Context(), callID, req.Reason)
	if errors.Is(err, calls.ErrUnknownCall) {
		writeCallError(c, err)
		return
	}
	body := gin.H{}
	if err != nil {
		logger.FromGin(c).Warn("provider hangup failed", "operator_id", operatorID, "err", err)
		body["hangup_error"] = err.Error()
	}
	if sess, lerr := h.lookup(c.Request.Context(), callID); lerr == nil {
		body["call"] = sess
	}
	c.JSON(http.StatusOK, body)
}

func (h Handlers) lookup(ctx context.Context, callID string) (calls.CallSession, error) {
	if h.Calls != nil {
		sess, err := h.Calls.Get(callID)
		if err == nil {
			return sess, nil
		}
		if !errors.Is(err, calls.ErrUnknownCall) {
			return calls.CallSession{}, err
		}
	}
	if h.History == nil {
		return calls.CallSession{}, calls.ErrUnknownCall
	}
	return h.History.Session(ctx, callID)
}

// writeCallError maps the error taxonomy onto HTTP statuses.
func writeCallError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	msg := "internal error"
	switch {
	case errors.Is(err, calls.ErrUnknownCall), errors.Is(err, lifecycle.ErrNotFound):
		status, msg = http.StatusNotFound, "call not found"
	case errors.Is(err, telephony.ErrInvalidDestination):
		status, msg = http.StatusBadRequest, err.Error()
	case errors.Is(err, calls.ErrOutboundCapacity):
		status, msg = http.StatusTooManyRequests, "outbound call capacity reached"
	case errors.Is(err, telephony.ErrProviderUnavailable):
		status, msg = http.StatusServiceUnavailable, "provider unavailable"
	case errors.Is(err, telephony.ErrProviderRejected):
		status, msg = http.StatusBadGateway, "provider rejected request"
	}
	c.AbortWithStatusJSON(status, gin.H{"error": msg})
}
