// Package alerts owns the alert lifecycle: deduplicated creation from risk
// decisions and the investigator-driven state machine.
package alerts

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/madconcarl-des/archimedes/internal/aml"
	"github.com/madconcarl-des/archimedes/internal/syncutil"
	"github.com/madconcarl-des/archimedes/pkg/metrics"
	"go.uber.org/zap"
)

type Config struct {
	CoolDown      time.Duration `mapstructure:"cool_down" yaml:"cool_down"`
	MaxEvidence   int           `mapstructure:"max_evidence" yaml:"max_evidence"`
	NoteMaxLength int           `mapstructure:"note_max_length" yaml:"note_max_length"`
	DefaultLimit  int           `mapstructure:"default_limit" yaml:"default_limit"`
}

func DefaultConfig() Config {
	return Config{
		CoolDown:      24 * time.Hour,
		MaxEvidence:   1000,
		NoteMaxLength: 4000,
		DefaultLimit:  100,
	}
}

func (c Config) Validate() error {
	if c.CoolDown <= 0 {
		return errors.New("cool_down must be positive")
	}
	if c.MaxEvidence <= 0 || c.NoteMaxLength <= 0 {
		return errors.New("max_evidence and note_max_length must be positive")
	}
	return nil
}

// Trigger is a decision that reached the alert manager.
type Trigger struct {
	TransactionID  string
	PrimaryAccount string
	Counterparty   string
	Pattern        string
	Severity       aml.RiskTier
	Score          float64
	OccurredAt     time.Time
}

// Outcome of Consider.
type Outcome string

const (
	OutcomeCreated  Outcome = "created"
	OutcomeAppended Outcome = "appended"

	// OutcomeRefreshed is evidence that arrived after the cool-down while
	// the alert was still open.
	OutcomeRefreshed Outcome = "refreshed"
)

// Sanitizer cleans investigator free text.
type Sanitizer interface {
	SanitizeText(input string, maxLength int) string
}

var transitions = map[aml.AlertStatus][]aml.AlertStatus{
	aml.StatusNew:           {aml.StatusInvestigating, aml.StatusEscalated},
	aml.StatusInvestigating: {aml.StatusClosed, aml.StatusEscalated},
	aml.StatusEscalated:     {aml.StatusClosed},
}

// CanTransition reports whether an investigator may move an alert from one
// status to another.
func CanTransition(from, to aml.AlertStatus) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

type Manager struct {
	cfg       Config
	repo      Repository
	locks     *syncutil.KeyedMutex
	sanitizer Sanitizer
	logger    *zap.Logger
	now       func() time.Time
}

func NewManager(cfg Config, repo Repository, sanitizer Sanitizer, logger *zap.Logger) *Manager {
	return &Manager{
		cfg:       cfg,
		repo:      repo,
		locks:     syncutil.NewKeyedMutex(),
		sanitizer: sanitizer,
		logger:    logger,
		now:       time.Now,
	}
}

func dedupKey(account, pattern string) string {
	return account + "|" + pattern
}

// Consider creates an alert for the trigger, or appends it as evidence to
// the open alert of the same account and pattern, so a pair never has two
// open alerts. Evidence past the cool-down refreshes the open alert instead
// of being suppressed as a duplicate. Severity only ever rises here.
func (m *Manager) Consider(ctx context.Context, t Trigger) (*aml.Alert, Outcome, error) {
	unlock, err := m.locks.Lock(ctx, dedupKey(t.PrimaryAccount, t.Pattern))
	if err != nil {
		return nil, "", err
	}
	defer unlock()

	existing, err := m.repo.FindOpen(ctx, t.PrimaryAccount, t.Pattern)
	switch {
	case err == nil:
		outcome := OutcomeAppended
		if !m.withinCoolDown(existing, t.OccurredAt) {
			outcome = OutcomeRefreshed
		}
		m.appendEvidence(existing, t)
		if err := m.repo.Update(ctx, existing); err != nil {
			return nil, "", fmt.Errorf("append alert evidence: %w", err)
		}
		metrics.AlertDecisions.WithLabelValues(string(outcome), t.Pattern).Inc()
		fields := []zap.Field{
			zap.String("alert_id", existing.ID),
			zap.String("account", t.PrimaryAccount),
			zap.String("pattern", t.Pattern),
			zap.String("transaction_id", t.TransactionID),
			zap.String("severity", string(existing.Severity)),
		}
		if outcome == OutcomeAppended {
			m.logger.Info("alert deduplicated", append(fields, zap.Error(aml.ErrDuplicateAlertSuppressed))...)
		} else {
			m.logger.Info("open alert refreshed after cool-down", fields...)
		}
		return existing, outcome, nil
	case !errors.Is(err, aml.ErrNotFound):
		return nil, "", fmt.Errorf("find open alert: %w", err)
	}

	now := m.now().UTC()
	alert := &aml.Alert{
		ID:                     uuid.NewString(),
		PrimaryAccount:         t.PrimaryAccount,
		AccountCluster:         cluster(nil, t.PrimaryAccount, t.Counterparty),
		Pattern:                t.Pattern,
		Severity:               t.Severity,
		Status:                 aml.StatusNew,
		TriggeringTransactions: []string{t.TransactionID},
		PeakScore:              t.Score,
		CreatedAt:              now,
		UpdatedAt:              now,
		LastEvidenceAt:         t.OccurredAt,
	}
	if err := m.repo.Create(ctx, alert); err != nil {
		return nil, "", fmt.Errorf("create alert: %w", err)
	}
	metrics.AlertDecisions.WithLabelValues(string(OutcomeCreated), t.Pattern).Inc()
	m.logger.Info("alert created",
		zap.String("alert_id", alert.ID),
		zap.String("account", t.PrimaryAccount),
		zap.String("pattern", t.Pattern),
		zap.String("severity", string(t.Severity)),
		zap.Float64("score", t.Score))
	return alert, OutcomeCreated, nil
}

func (m *Manager) withinCoolDown(a *aml.Alert, at time.Time) bool {
	return at.Sub(a.LastEvidenceAt) <= m.cfg.CoolDown
}

func (m *Manager) appendEvidence(a *aml.Alert, t Trigger) {
	seen := false
	for _, id := range a.TriggeringTransactions {
		if id == t.TransactionID {
			seen = true
			break
		}
	}
	if !seen && len(a.TriggeringTransactions) < m.cfg.MaxEvidence {
		a.TriggeringTransactions = append(a.TriggeringTransactions, t.TransactionID)
	}
	a.AccountCluster = cluster(a.AccountCluster, t.Counterparty)
	if t.Severity.Rank() > a.Severity.Rank() {
		a.Severity = t.Severity
	}
	if t.Score > a.PeakScore {
		a.PeakScore = t.Score
	}
	if t.OccurredAt.After(a.LastEvidenceAt) {
		a.LastEvidenceAt = t.OccurredAt
	}
	a.UpdatedAt = m.now().UTC()
}

func cluster(existing []string, accounts ...string) []string {
	out := existing
	for _, acct := range accounts {
		if acct == "" {
			continue
		}
		found := false
		for _, e := range out {
			if e == acct {
				found = true
				break
			}
		}
		if !found {
			out = append(out, acct)
		}
	}
	return out
}

// mutate loads an alert under its dedup lock, applies fn and saves it.
func (m *Manager) mutate(ctx context.Context, id string, fn func(a *aml.Alert) error) (*aml.Alert, error) {
	current, err := m.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	unlock, err := m.locks.Lock(ctx, dedupKey(current.PrimaryAccount, current.Pattern))
	if err != nil {
		return nil, err
	}
	defer unlock()

	current, err = m.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := fn(current); err != nil {
		return nil, err
	}
	current.UpdatedAt = m.now().UTC()
	if err := m.repo.Update(ctx, current); err != nil {
		return nil, fmt.Errorf("update alert %s: %w", id, err)
	}
	return current, nil
}

// Transition moves an alert through the investigation state machine.
func (m *Manager) Transition(ctx context.Context, id string, to aml.AlertStatus, actor string) (*aml.Alert, error) {
	var from aml.AlertStatus
	a, err := m.mutate(ctx, id, func(a *aml.Alert) error {
		from = a.Status
		if !CanTransition(a.Status, to) {
			return fmt.Errorf("%s -> %s: %w", a.Status, to, aml.ErrInvalidTransition)
		}
		a.Status = to
		return nil
	})
	if err != nil {
		return nil, err
	}
	metrics.AlertTransitions.WithLabelValues(string(from), string(to)).Inc()
	m.logger.Info("alert transitioned",
		zap.String("alert_id", id),
		zap.String("from", string(from)),
		zap.String("to", string(to)),
		zap.String("actor", actor))
	return a, nil
}

func (m *Manager) Assign(ctx context.Context, id, assignee, actor string) (*aml.Alert, error) {
	assignee = strings.TrimSpace(assignee)
	a, err := m.mutate(ctx, id, func(a *aml.Alert) error {
		if !a.Status.Open() {
			return fmt.Errorf("assign closed alert: %w", aml.ErrInvalidTransition)
		}
		a.AssignedTo = assignee
		return nil
	})
	if err != nil {
		return nil, err
	}
	m.logger.Info("alert assigned", zap.String("alert_id", id), zap.String("assignee", assignee), zap.String("actor", actor))
	return a, nil
}

// AddNote appends sanitized investigator text.
func (m *Manager) AddNote(ctx context.Context, id, author, body string) (*aml.Alert, error) {
	clean := strings.TrimSpace(body)
	if m.sanitizer != nil {
		clean = m.sanitizer.SanitizeText(clean, m.cfg.NoteMaxLength)
	}
	if clean == "" {
		return nil, &aml.ValidationError{Fields: []aml.FieldError{{Field: "body", Tag: "required", Message: "note body is empty"}}}
	}
	return m.mutate(ctx, id, func(a *aml.Alert) error {
		a.Notes = append(a.Notes, aml.Note{Author: author, Body: clean, CreatedAt: m.now().UTC()})
		return nil
	})
}

// SetSeverity is the investigator override; unlike Consider it may lower
// the severity.
func (m *Manager) SetSeverity(ctx context.Context, id string, severity aml.RiskTier, actor string) (*aml.Alert, error) {
	var previous aml.RiskTier
	a, err := m.mutate(ctx, id, func(a *aml.Alert) error {
		previous = a.Severity
		a.Severity = severity
		return nil
	})
	if err != nil {
		return nil, err
	}
	m.logger.Info("alert severity overridden",
		zap.String("alert_id", id),
		zap.String("from", string(previous)),
		zap.String("to", string(severity)),
		zap.String("actor", actor))
	return a, nil
}

func (m *Manager) Get(ctx context.Context, id string) (*aml.Alert, error) {
	return m.repo.Get(ctx, id)
}

// List returns alerts newest first; a non-positive limit uses the default.
func (m *Manager) List(ctx context.Context, status aml.AlertStatus, limit int) ([]*aml.Alert, error) {
	if limit <= 0 {
		limit = m.cfg.DefaultLimit
	}
	return m.repo.List(ctx, Filter{Status: status, Limit: limit})
}
