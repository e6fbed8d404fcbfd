package handlers

import (
	"context"

	"github.com/gin-gonic/gin"
	"github.com/madconcarl-des/archimedes/internal/aml"
	"github.com/madconcarl-des/archimedes/internal/aml/network"
)

// ActorKey is the gin context key holding the authenticated subject.
const ActorKey = "actor"

// Scorer scores one input record synchronously.
type Scorer interface {
	Score(ctx context.Context, rec *aml.InputRecord) (*aml.RiskScore, error)
}

// Engine is the query and maintenance surface of the scoring pipeline.
type Engine interface {
	Rescore(ctx context.Context, transactionID string) (*aml.RiskScore, error)
	ScoreHistory(ctx context.Context, transactionID string) ([]*aml.RiskScore, error)
	UpsertAccount(ctx context.Context, acct *aml.Account) error
	ListAlerts(ctx context.Context, status aml.AlertStatus, limit int) ([]*aml.Alert, error)
	AnalyzeNetwork(ctx context.Context, accountID string, depth int) (*network.View, error)
}

// Investigator is the alert lifecycle surface.
type Investigator interface {
	Get(ctx context.Context, id string) (*aml.Alert, error)
	Transition(ctx context.Context, id string, to aml.AlertStatus, actor string) (*aml.Alert, error)
	Assign(ctx context.Context, id, assignee, actor string) (*aml.Alert, error)
	AddNote(ctx context.Context, id, author, body string) (*aml.Alert, error)
	SetSeverity(ctx context.Context, id string, severity aml.RiskTier, actor string) (*aml.Alert, error)
}

// AlertPublisher forwards investigator changes downstream.
type AlertPublisher interface {
	PublishAlert(ctx context.Context, alert *aml.Alert) error
}

func actor(c *gin.Context) string {
	if v, ok := c.Get(ActorKey); ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return "anonymous"
}
