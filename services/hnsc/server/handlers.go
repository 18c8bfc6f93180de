// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package server

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/AleutianAI/hnsc/pkg/validation"
	"github.com/AleutianAI/hnsc/services/hnsc"
	"github.com/AleutianAI/hnsc/services/hnsc/datatypes"
	"github.com/AleutianAI/hnsc/services/hnsc/hnscerr"
	"github.com/AleutianAI/hnsc/services/hnsc/observability"
)

// Handlers contains the HTTP handlers for the control plane API.
type Handlers struct {
	svc    *hnsc.Service
	logger *slog.Logger
}

func newHandlers(svc *hnsc.Service, logger *slog.Logger) *Handlers {
	return &Handlers{svc: svc, logger: logger}
}

// registerRoutes wires the API surface:
//
//	POST /v1/requests              - submit a request for dispatch
//	GET  /v1/tools                 - list registered tools, ?mode= filters
//	GET  /v1/workflows/:id         - workflow execution status
//	POST /v1/workflows/:id/cancel  - request cancellation
//	GET  /v1/workflows/:id/watch   - websocket status stream
//	GET  /healthz                  - liveness and audit health
//	GET  /metrics                  - prometheus metrics
func registerRoutes(router *gin.Engine, h *Handlers) {
	router.GET("/healthz", h.handleHealth)
	router.GET("/metrics", h.handleMetrics)

	v1 := router.Group("/v1")
	{
		v1.POST("/requests", h.handleSubmit)
		v1.GET("/tools", h.handleTools)

		workflows := v1.Group("/workflows")
		{
			workflows.GET("/:id", h.handleWorkflowStatus)
			workflows.POST("/:id/cancel", h.handleCancelWorkflow)
			workflows.GET("/:id/watch", h.handleWatchWorkflow)
		}
	}
}

// submitRequest is the wire body for POST /v1/requests. DeadlineMS is
// relative to arrival; the absolute deadline is computed server-side so
// clock skew between caller and server never shortens a budget.
type submitRequest struct {
	Text          string `json:"text" binding:"required"`
	Mode          string `json:"mode"`
	SessionID     string `json:"session_id"`
	ApprovalToken string `json:"approval_token"`
	DeadlineMS    int64  `json:"deadline_ms" binding:"gte=0"`
}

// handleSubmit handles POST /v1/requests. The actor arrives in the
// X-Actor-ID header rather than the body so proxies can inject it.
func (h *Handlers) handleSubmit(c *gin.Context) {
	reqID := requestIDOf(c)
	logger := h.logger.With("request_id", reqID.String(), "handler", "submit")

	actor, err := validation.SanitizeActorID(c.GetHeader(headerActorID))
	if err != nil {
		logger.Warn("rejected actor id", "error", err)
		h.writeError(c, reqID, hnscerr.SchemaError("X-Actor-ID header: "+err.Error()))
		return
	}

	var body submitRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		logger.Warn("rejected request body", "error", err)
		h.writeError(c, reqID, hnscerr.SchemaError("request body: "+err.Error()))
		return
	}

	mode := datatypes.ModeAuto
	if body.Mode != "" {
		mode = datatypes.Mode(body.Mode)
	}

	now := time.Now()
	req := datatypes.Request{
		ID:            reqID,
		ActorID:       actor,
		SessionID:     body.SessionID,
		Text:          body.Text,
		Mode:          mode,
		ReceivedAt:    now,
		ApprovalToken: body.ApprovalToken,
		Authenticated: c.GetBool(ctxAuthenticated),
	}
	if body.DeadlineMS > 0 {
		req.Deadline = now.Add(time.Duration(body.DeadlineMS) * time.Millisecond)
	}

	resp := h.svc.Submit(c.Request.Context(), req)
	h.writeResponse(c, resp)
}

// handleWorkflowStatus handles GET /v1/workflows/:id.
func (h *Handlers) handleWorkflowStatus(c *gin.Context) {
	reqID := requestIDOf(c)

	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		h.writeError(c, reqID, hnscerr.SchemaError("execution id must be a UUID"))
		return
	}

	st, err := h.svc.WorkflowStatus(c.Request.Context(), id)
	if err != nil {
		h.writeLookupError(c, reqID, err)
		return
	}
	c.JSON(http.StatusOK, st)
}

// handleCancelWorkflow handles POST /v1/workflows/:id/cancel. Cancellation
// is asynchronous; callers poll or watch for the terminal state.
func (h *Handlers) handleCancelWorkflow(c *gin.Context) {
	reqID := requestIDOf(c)

	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		h.writeError(c, reqID, hnscerr.SchemaError("execution id must be a UUID"))
		return
	}

	if err := h.svc.CancelWorkflow(c.Request.Context(), id); err != nil {
		h.writeLookupError(c, reqID, err)
		return
	}
	h.logger.Info("cancellation requested",
		"request_id", reqID.String(), "execution_id", id.String())
	c.JSON(http.StatusAccepted, gin.H{
		"execution_id": id,
		"status":       "cancelling",
	})
}

// handleTools handles GET /v1/tools. Without ?mode= it lists the full
// registry; with it, only the tools callable in that mode's scope.
func (h *Handlers) handleTools(c *gin.Context) {
	reqID := requestIDOf(c)

	raw := c.Query("mode")
	if raw == "" {
		c.JSON(http.StatusOK, gin.H{"tools": h.svc.Tools()})
		return
	}

	mode := datatypes.Mode(raw)
	if !mode.Valid() {
		h.writeError(c, reqID, hnscerr.Newf(hnscerr.KindSchemaError, "unknown mode %q", raw))
		return
	}
	c.JSON(http.StatusOK, gin.H{"mode": mode, "tools": h.svc.ModeTools(mode)})
}

// handleHealth handles GET /healthz. The endpoint stays 200 while the
// process can serve at all; a degraded audit sink is reported in the body
// because read-only dispositions keep working through it.
func (h *Handlers) handleHealth(c *gin.Context) {
	status := "ok"
	auditHealthy := h.svc.Healthy()
	if !auditHealthy {
		status = "degraded"
	}
	c.JSON(http.StatusOK, gin.H{
		"status":        status,
		"audit_healthy": auditHealthy,
	})
}

// handleMetrics handles GET /metrics. Before observability.Init runs the
// exporter-installed handler is absent, so fall back to the default
// registry directly; the promauto instruments land there either way.
func (h *Handlers) handleMetrics(c *gin.Context) {
	mh := observability.MetricsHandler()
	if mh == nil {
		mh = promhttp.Handler()
	}
	mh.ServeHTTP(c.Writer, c.Request)
}

// writeResponse serializes a controller response with the transport status
// its disposition maps to.
func (h *Handlers) writeResponse(c *gin.Context, resp datatypes.Response) {
	if resp.Kind == datatypes.ResponseError && resp.Error != nil &&
		resp.Error.Kind == hnscerr.KindRateLimited && resp.Error.RetryAfterSeconds > 0 {
		c.Header("Retry-After", strconv.FormatInt(resp.Error.RetryAfterSeconds, 10))
	}
	c.JSON(statusOf(resp), resp)
}

// writeError emits a transport-level failure in the same envelope shape the
// controller uses, so clients parse one error format.
func (h *Handlers) writeError(c *gin.Context, reqID uuid.UUID, err error) {
	h.writeResponse(c, datatypes.ErrorResponse(reqID, err))
}

// writeLookupError maps errors from the workflow lookup paths. The id was
// already validated, so a schema error from below can only mean the id
// names no execution.
func (h *Handlers) writeLookupError(c *gin.Context, reqID uuid.UUID, err error) {
	resp := datatypes.ErrorResponse(reqID, err)
	status := statusOf(resp)
	if hnscerr.IsSchemaError(err) {
		status = http.StatusNotFound
	}
	c.JSON(status, resp)
}

// statusOf maps a controller response to its HTTP status. Approvals and
// still-running workflow handles are accepted-but-not-done.
func statusOf(resp datatypes.Response) int {
	switch resp.Kind {
	case datatypes.ResponseError:
		if resp.Error == nil {
			return http.StatusInternalServerError
		}
		return statusOfKind(resp.Error.Kind)
	case datatypes.ResponseApproval:
		return http.StatusAccepted
	case datatypes.ResponseWorkflow:
		if resp.Workflow != nil && resp.Workflow.Status != string(datatypes.ExecutionCompleted) {
			return http.StatusAccepted
		}
	}
	return http.StatusOK
}

func statusOfKind(kind hnscerr.Kind) int {
	switch kind {
	case hnscerr.KindSchemaError:
		return http.StatusBadRequest
	case hnscerr.KindUnauthorized:
		return http.StatusUnauthorized
	case hnscerr.KindPolicyDenied:
		return http.StatusForbidden
	case hnscerr.KindToolNotFound:
		return http.StatusNotFound
	case hnscerr.KindCancelled:
		// The caller went away; the response is written best-effort.
		return http.StatusRequestTimeout
	case hnscerr.KindDuplicateTool:
		return http.StatusConflict
	case hnscerr.KindWorkflowInvalid:
		return http.StatusUnprocessableEntity
	case hnscerr.KindRateLimited:
		return http.StatusTooManyRequests
	case hnscerr.KindPoolTimeout, hnscerr.KindCircuitOpen, hnscerr.KindUpstreamUnavailable:
		return http.StatusServiceUnavailable
	case hnscerr.KindTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}
