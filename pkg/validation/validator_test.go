package validation

import (
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type payment struct {
	ID       string          `json:"payment_id" validate:"required,identifier"`
	From     string          `json:"from" validate:"required"`
	To       string          `json:"to" validate:"required,nefield=From"`
	Amount   decimal.Decimal `json:"amount" validate:"gte=0"`
	Currency string          `json:"currency" validate:"required,iso4217"`
	Country  string          `json:"country" validate:"iso3166_1_alpha2"`
}

func validPayment() payment {
	return payment{ID: "pay-1", From: "A", To: "B", Amount: decimal.RequireFromString("10.50"), Currency: "EUR", Country: "DE"}
}

func TestValidateStruct(t *testing.T) {
	v := NewValidator(zap.NewNop())
	require.NoError(t, v.ValidateStruct(validPayment()))

	tests := []struct {
		name   string
		mutate func(p *payment)
		field  string
		tag    string
	}{
		{"missing id", func(p *payment) { p.ID = "" }, "payment_id", "required"},
		{"bad identifier", func(p *payment) { p.ID = "pay 1;drop" }, "payment_id", "identifier"},
		{"negative amount", func(p *payment) { p.Amount = decimal.NewFromInt(-1) }, "amount", "gte"},
		{"self transfer", func(p *payment) { p.To = p.From }, "to", "nefield"},
		{"unknown currency", func(p *payment) { p.Currency = "ABC" }, "currency", "iso4217"},
		{"unknown country", func(p *payment) { p.Country = "XX" }, "country", "iso3166_1_alpha2"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := validPayment()
			tt.mutate(&p)
			err := v.ValidateStruct(p)
			require.Error(t, err)

			var errs ValidationErrors
			require.ErrorAs(t, err, &errs)
			require.Len(t, errs, 1)
			assert.Equal(t, tt.field, errs[0].Field)
			assert.Equal(t, tt.tag, errs[0].Tag)
			assert.NotEmpty(t, errs[0].Message)
		})
	}
}

type transfer struct {
	Amount *decimal.Decimal `json:"amount" validate:"required,gte=0,lte=1000000000000000"`
	At     time.Time        `json:"at" validate:"required,timestamp_range"`
}

func TestAmountAndTimestampRules(t *testing.T) {
	v := NewValidator(zap.NewNop())
	at := time.Date(2024, 6, 3, 14, 0, 0, 0, time.UTC)
	amount := func(s string) *decimal.Decimal {
		d := decimal.RequireFromString(s)
		return &d
	}

	require.NoError(t, v.ValidateStruct(transfer{Amount: amount("0"), At: at}), "zero is a present amount")
	require.NoError(t, v.ValidateStruct(transfer{Amount: amount("250.75"), At: MinTimestamp}))

	tests := []struct {
		name  string
		in    transfer
		field string
		tag   string
	}{
		{"missing amount", transfer{At: at}, "amount", "required"},
		{"negative amount", transfer{Amount: amount("-0.01"), At: at}, "amount", "gte"},
		{"overflowing amount", transfer{Amount: amount("1e400"), At: at}, "amount", "lte"},
		{"above ceiling", transfer{Amount: amount("1000000000000001"), At: at}, "amount", "lte"},
		{"missing timestamp", transfer{Amount: amount("1")}, "at", "required"},
		{"before epoch", transfer{Amount: amount("1"), At: time.Date(1969, 12, 31, 23, 0, 0, 0, time.UTC)}, "at", "timestamp_range"},
		{"far future", transfer{Amount: amount("1"), At: time.Date(2300, 1, 1, 0, 0, 0, 0, time.UTC)}, "at", "timestamp_range"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := v.ValidateStruct(tt.in)
			var errs ValidationErrors
			require.ErrorAs(t, err, &errs)
			require.Len(t, errs, 1)
			assert.Equal(t, tt.field, errs[0].Field)
			assert.Equal(t, tt.tag, errs[0].Tag)
			assert.NotEmpty(t, errs[0].Message)
		})
	}
}

func TestSanitizeText(t *testing.T) {
	v := NewValidator(zap.NewNop())

	assert.Equal(t, "", v.SanitizeText("", 10))
	assert.Equal(t, "call back tomorrow", v.SanitizeText("  <script>x()</script>call back <b>tomorrow</b> ", 0))
	assert.Equal(t, "Tom & Jerry", v.SanitizeText("Tom &amp; Jerry", 0))

	long := strings.Repeat("é", 20)
	assert.Equal(t, strings.Repeat("é", 5), v.SanitizeText(long, 5))
}
