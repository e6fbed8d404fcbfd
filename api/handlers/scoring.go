package handlers

import (
	"github.com/gin-gonic/gin"
	"github.com/madconcarl-des/archimedes/api/responses"
	"github.com/madconcarl-des/archimedes/internal/aml"
	"github.com/madconcarl-des/archimedes/pkg/errors"
	"go.uber.org/zap"
)

type ScoringHandler struct {
	scorer Scorer
	engine Engine
	logger *zap.Logger
}

func NewScoringHandler(scorer Scorer, engine Engine, logger *zap.Logger) *ScoringHandler {
	return &ScoringHandler{scorer: scorer, engine: engine, logger: logger}
}

// Score handles POST /transactions/score.
func (h *ScoringHandler) Score(c *gin.Context) {
	var rec aml.InputRecord
	if err := c.ShouldBindJSON(&rec); err != nil {
		responses.BadRequest(c, "malformed transaction", errors.ValidationError{Field: "body", Message: err.Error(), Code: "json"})
		return
	}
	score, err := h.scorer.Score(c.Request.Context(), &rec)
	if err != nil {
		responses.FromError(c, err)
		return
	}
	responses.Success(c, score, "transaction scored")
}

// Rescore handles POST /transactions/:id/rescore.
func (h *ScoringHandler) Rescore(c *gin.Context) {
	score, err := h.engine.Rescore(c.Request.Context(), c.Param("id"))
	if err != nil {
		responses.FromError(c, err)
		return
	}
	h.logger.Info("transaction rescored", zap.String("transaction_id", score.TransactionID), zap.String("actor", actor(c)))
	responses.Success(c, score, "transaction rescored")
}

// History handles GET /transactions/:id/scores.
func (h *ScoringHandler) History(c *gin.Context) {
	runs, err := h.engine.ScoreHistory(c.Request.Context(), c.Param("id"))
	if err != nil {
		responses.FromError(c, err)
		return
	}
	responses.Success(c, gin.H{"current": runs[len(runs)-1], "runs": runs})
}

// UpsertAccount handles PUT /accounts/:id.
func (h *ScoringHandler) UpsertAccount(c *gin.Context) {
	var acct aml.Account
	if err := c.ShouldBindJSON(&acct); err != nil {
		responses.BadRequest(c, "malformed account", errors.ValidationError{Field: "body", Message: err.Error(), Code: "json"})
		return
	}
	acct.ID = c.Param("id")
	if err := h.engine.UpsertAccount(c.Request.Context(), &acct); err != nil {
		responses.FromError(c, err)
		return
	}
	h.logger.Info("account upserted",
		zap.String("account_id", acct.ID),
		zap.String("risk_rating", acct.RiskRating.String()),
		zap.String("actor", actor(c)))
	responses.Success(c, &acct, "account saved")
}
