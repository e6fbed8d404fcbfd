package handlers

import (
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/madconcarl-des/archimedes/api/responses"
	"github.com/madconcarl-des/archimedes/pkg/errors"
)

const defaultNetworkDepth = 2

type NetworkHandler struct {
	engine Engine
}

func NewNetworkHandler(engine Engine) *NetworkHandler {
	return &NetworkHandler{engine: engine}
}

// Analyze handles GET /network/:account?depth=.
func (h *NetworkHandler) Analyze(c *gin.Context) {
	depth := defaultNetworkDepth
	if raw := c.Query("depth"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			responses.BadRequest(c, "depth must be a positive integer", errors.ValidationError{Field: "depth", Value: raw, Code: "min"})
			return
		}
		depth = n
	}
	view, err := h.engine.AnalyzeNetwork(c.Request.Context(), c.Param("account"), depth)
	if err != nil {
		responses.FromError(c, err)
		return
	}
	responses.Success(c, view)
}
