package responses

import (
	"context"
	stderrors "errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/madconcarl-des/archimedes/internal/aml"
	"github.com/madconcarl-des/archimedes/pkg/errors"
	"go.opentelemetry.io/otel/trace"
)

// StandardResponse represents a standard API response format
type StandardResponse struct {
	Success   bool        `json:"success"`
	Data      interface{} `json:"data,omitempty"`
	Message   string      `json:"message,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
	TraceID   string      `json:"trace_id,omitempty"`
}

func respond(c *gin.Context, status int, data interface{}, msg string) {
	c.JSON(status, StandardResponse{
		Success:   true,
		Data:      data,
		Message:   msg,
		Timestamp: time.Now().UTC(),
		TraceID:   getTraceID(c),
	})
}

// Success sends a successful response
func Success(c *gin.Context, data interface{}, message ...string) {
	msg := "Operation successful"
	if len(message) > 0 && message[0] != "" {
		msg = message[0]
	}
	respond(c, http.StatusOK, data, msg)
}

// Created sends a 201 Created response
func Created(c *gin.Context, data interface{}, message ...string) {
	msg := "Resource created successfully"
	if len(message) > 0 && message[0] != "" {
		msg = message[0]
	}
	respond(c, http.StatusCreated, data, msg)
}

// Error sends an error response using RFC 7807 format
func Error(c *gin.Context, problemDetails *errors.ProblemDetails) {
	if problemDetails.TraceID == "" {
		if traceID := getTraceID(c); traceID != "" {
			problemDetails.WithTraceID(traceID)
		}
	}
	if problemDetails.Extra == nil {
		problemDetails.WithExtra("timestamp", time.Now().UTC().Format(time.RFC3339))
	}

	c.Header("Content-Type", "application/problem+json")
	c.AbortWithStatusJSON(problemDetails.Status, problemDetails)
}

// BadRequest sends a 400 Bad Request response
func BadRequest(c *gin.Context, detail string, validationErrors ...errors.ValidationError) {
	problemDetails := errors.NewValidationError(detail, c.Request.URL.Path)
	if len(validationErrors) > 0 {
		problemDetails.WithValidationErrors(validationErrors)
	}
	Error(c, problemDetails)
}

// Unauthorized sends a 401 Unauthorized response
func Unauthorized(c *gin.Context, detail string) {
	c.Header("WWW-Authenticate", `Bearer realm="archimedes"`)
	Error(c, errors.NewUnauthorizedError(detail, c.Request.URL.Path))
}

// Forbidden sends a 403 Forbidden response
func Forbidden(c *gin.Context, detail string) {
	Error(c, errors.NewForbiddenError(detail, c.Request.URL.Path))
}

// NotFound sends a 404 Not Found response
func NotFound(c *gin.Context, detail string) {
	Error(c, errors.NewNotFoundError(detail, c.Request.URL.Path))
}

// InternalServerError sends a 500 Internal Server Error response
func InternalServerError(c *gin.Context, detail string) {
	Error(c, errors.NewInternalError(detail, c.Request.URL.Path))
}

// FromError maps a domain error onto its problem type.
func FromError(c *gin.Context, err error) {
	path := c.Request.URL.Path

	var verr *aml.ValidationError
	switch {
	case stderrors.As(err, &verr):
		fields := make([]errors.ValidationError, len(verr.Fields))
		for i, f := range verr.Fields {
			fields[i] = errors.ValidationError{Field: f.Field, Message: f.Message, Code: f.Tag}
		}
		BadRequest(c, aml.ErrValidation.Error(), fields...)
	case stderrors.Is(err, aml.ErrNotFound):
		NotFound(c, err.Error())
	case stderrors.Is(err, aml.ErrInvalidTransition):
		Error(c, errors.NewInvalidTransitionError(err.Error(), path))
	case stderrors.Is(err, aml.ErrNetworkStale):
		Error(c, errors.NewServiceUnavailableError(err.Error(), path))
	case stderrors.Is(err, context.Canceled), stderrors.Is(err, context.DeadlineExceeded):
		Error(c, errors.NewServiceUnavailableError("request timed out", path))
	default:
		InternalServerError(c, "internal error")
	}
}

// getTraceID prefers the active span, then an explicit header.
func getTraceID(c *gin.Context) string {
	if sc := trace.SpanContextFromContext(c.Request.Context()); sc.HasTraceID() {
		return sc.TraceID().String()
	}
	if traceID, exists := c.Get("trace_id"); exists {
		if id, ok := traceID.(string); ok {
			return id
		}
	}
	return c.GetHeader("X-Trace-ID")
}
