package features

import (
	"fmt"
	"time"
)

// Config holds the tunable thresholds of feature engineering.
type Config struct {
	RoundAmountUnit        float64       `mapstructure:"round_amount_unit" yaml:"round_amount_unit"`
	ReportingThreshold     float64       `mapstructure:"reporting_threshold" yaml:"reporting_threshold"`
	NearThresholdBand      float64       `mapstructure:"near_threshold_band" yaml:"near_threshold_band"`
	RapidMovementWindow    time.Duration `mapstructure:"rapid_movement_window" yaml:"rapid_movement_window"`
	RapidMovementTolerance float64       `mapstructure:"rapid_movement_tolerance" yaml:"rapid_movement_tolerance"`
	NightStartHour         int           `mapstructure:"night_start_hour" yaml:"night_start_hour"`
	NightEndHour           int           `mapstructure:"night_end_hour" yaml:"night_end_hour"`
	HistoryWindow          time.Duration `mapstructure:"history_window" yaml:"history_window"`
	HighRiskCountries      []string      `mapstructure:"high_risk_countries" yaml:"high_risk_countries"`
	TaxHavenCountries      []string      `mapstructure:"tax_haven_countries" yaml:"tax_haven_countries"`
}

// DefaultHighRiskCountries is the FATF call-for-action and increased-monitoring list.
var DefaultHighRiskCountries = []string{
	"AF", "BY", "BI", "KH", "CF", "CD", "CU", "ER", "GN", "GW", "HT", "IR", "IQ", "LB", "LY", "ML",
	"MM", "NI", "KP", "PK", "PA", "PH", "RU", "SO", "SS", "SD", "SY", "TZ", "UG", "VU", "YE", "ZW",
}

// DefaultTaxHavenCountries lists secrecy jurisdictions.
var DefaultTaxHavenCountries = []string{"BM", "KY", "VG", "LI", "MC", "PA", "CH", "LU"}

func DefaultConfig() Config {
	return Config{
		RoundAmountUnit:        1000,
		ReportingThreshold:     10000,
		NearThresholdBand:      200,
		RapidMovementWindow:    2 * time.Hour,
		RapidMovementTolerance: 0.05,
		NightStartHour:         23,
		NightEndHour:           6,
		HistoryWindow:          30 * 24 * time.Hour,
		HighRiskCountries:      append([]string(nil), DefaultHighRiskCountries...),
		TaxHavenCountries:      append([]string(nil), DefaultTaxHavenCountries...),
	}
}

func (c Config) Validate() error {
	if c.RoundAmountUnit <= 0 {
		return fmt.Errorf("round_amount_unit must be positive")
	}
	if c.ReportingThreshold <= 0 || c.NearThresholdBand <= 0 || c.NearThresholdBand >= c.ReportingThreshold {
		return fmt.Errorf("near_threshold_band must be in (0, reporting_threshold)")
	}
	if c.RapidMovementTolerance < 0 || c.RapidMovementTolerance >= 1 {
		return fmt.Errorf("rapid_movement_tolerance must be in [0, 1)")
	}
	if c.NightStartHour < 0 || c.NightStartHour > 23 || c.NightEndHour < 0 || c.NightEndHour > 23 {
		return fmt.Errorf("night window hours must be in [0, 23]")
	}
	if c.HistoryWindow < 30*24*time.Hour {
		return fmt.Errorf("history_window must cover at least 30 days")
	}
	return nil
}
