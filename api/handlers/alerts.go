package handlers

import (
	"context"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/madconcarl-des/archimedes/api/responses"
	"github.com/madconcarl-des/archimedes/internal/aml"
	"github.com/madconcarl-des/archimedes/pkg/errors"
	"go.uber.org/zap"
)

type AlertHandler struct {
	engine       Engine
	investigator Investigator
	publisher    AlertPublisher
	logger       *zap.Logger
}

// NewAlertHandler builds the alert endpoints. publisher may be nil.
func NewAlertHandler(engine Engine, investigator Investigator, publisher AlertPublisher, logger *zap.Logger) *AlertHandler {
	return &AlertHandler{engine: engine, investigator: investigator, publisher: publisher, logger: logger}
}

type transitionRequest struct {
	Status string `json:"status" binding:"required"`
}

type assignRequest struct {
	Assignee string `json:"assignee" binding:"required,max=128"`
}

type noteRequest struct {
	Body string `json:"body" binding:"required"`
}

type severityRequest struct {
	Severity string `json:"severity" binding:"required"`
}

// List handles GET /alerts?status=&limit=.
func (h *AlertHandler) List(c *gin.Context) {
	var status aml.AlertStatus
	if raw := c.Query("status"); raw != "" {
		s, err := aml.ParseAlertStatus(raw)
		if err != nil {
			responses.BadRequest(c, err.Error(), errors.ValidationError{Field: "status", Value: raw, Code: "oneof", Message: err.Error()})
			return
		}
		status = s
	}
	limit := 0
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			responses.BadRequest(c, "limit must be a non-negative integer", errors.ValidationError{Field: "limit", Value: raw, Code: "gte"})
			return
		}
		limit = n
	}
	list, err := h.engine.ListAlerts(c.Request.Context(), status, limit)
	if err != nil {
		responses.FromError(c, err)
		return
	}
	responses.Success(c, gin.H{"alerts": list, "count": len(list)})
}

func (h *AlertHandler) Get(c *gin.Context) {
	a, err := h.investigator.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		responses.FromError(c, err)
		return
	}
	responses.Success(c, a)
}

func (h *AlertHandler) Transition(c *gin.Context) {
	var req transitionRequest
	if !bind(c, &req) {
		return
	}
	to, err := aml.ParseAlertStatus(req.Status)
	if err != nil {
		responses.BadRequest(c, err.Error(), errors.ValidationError{Field: "status", Value: req.Status, Code: "oneof", Message: err.Error()})
		return
	}
	h.done(c, func(ctx context.Context) (*aml.Alert, error) {
		return h.investigator.Transition(ctx, c.Param("id"), to, actor(c))
	})
}

func (h *AlertHandler) Assign(c *gin.Context) {
	var req assignRequest
	if !bind(c, &req) {
		return
	}
	h.done(c, func(ctx context.Context) (*aml.Alert, error) {
		return h.investigator.Assign(ctx, c.Param("id"), req.Assignee, actor(c))
	})
}

func (h *AlertHandler) AddNote(c *gin.Context) {
	var req noteRequest
	if !bind(c, &req) {
		return
	}
	h.done(c, func(ctx context.Context) (*aml.Alert, error) {
		return h.investigator.AddNote(ctx, c.Param("id"), actor(c), req.Body)
	})
}

func (h *AlertHandler) SetSeverity(c *gin.Context) {
	var req severityRequest
	if !bind(c, &req) {
		return
	}
	tier, err := aml.ParseRiskTier(req.Severity)
	if err != nil {
		responses.BadRequest(c, err.Error(), errors.ValidationError{Field: "severity", Value: req.Severity, Code: "oneof", Message: err.Error()})
		return
	}
	h.done(c, func(ctx context.Context) (*aml.Alert, error) {
		return h.investigator.SetSeverity(ctx, c.Param("id"), tier, actor(c))
	})
}

// done runs op, publishes the new alert state and writes the response.
func (h *AlertHandler) done(c *gin.Context, op func(ctx context.Context) (*aml.Alert, error)) {
	a, err := op(c.Request.Context())
	if err != nil {
		responses.FromError(c, err)
		return
	}
	if h.publisher != nil {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(c.Request.Context()), 2*time.Second)
		defer cancel()
		if err := h.publisher.PublishAlert(ctx, a); err != nil {
			h.logger.Warn("alert update not published", zap.String("alert_id", a.ID), zap.Error(err))
		}
	}
	responses.Success(c, a)
}

func bind(c *gin.Context, req interface{}) bool {
	if err := c.ShouldBindJSON(req); err != nil {
		responses.BadRequest(c, "malformed request", errors.ValidationError{Field: "body", Message: err.Error(), Code: "json"})
		return false
	}
	return true
}
