package config

import (
	"fmt"
	"os"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/mbd888/fraudwatch/internal/fraud"
)

// rulesFile is the on-disk shape of RULES_FILE. Omitted keys keep their defaults.
//
//	frequency_window: 1m
//	max_transactions: 5
//	daily_limit: "10000"
//	location_window: 2m
type rulesFile struct {
	FrequencyWindow string `yaml:"frequency_window"`
	MaxTransactions *int   `yaml:"max_transactions"`
	DailyLimit      string `yaml:"daily_limit"`
	LocationWindow  string `yaml:"location_window"`
}

// LoadRules returns the rule thresholds. An empty path yields the defaults.
func LoadRules(path string) (fraud.RuleConfig, error) {
	cfg := fraud.DefaultRuleConfig()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("failed to read rules file: %w", err)
	}
	return ParseRules(data)
}

// ParseRules decodes a YAML rules document over the defaults.
func ParseRules(data []byte) (fraud.RuleConfig, error) {
	cfg := fraud.DefaultRuleConfig()

	var f rulesFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return cfg, fmt.Errorf("invalid rules file: %w", err)
	}

	if f.FrequencyWindow != "" {
		d, err := time.ParseDuration(f.FrequencyWindow)
		if err != nil || d <= 0 {
			return cfg, fmt.Errorf("frequency_window must be a positive duration, got %q", f.FrequencyWindow)
		}
		cfg.FrequencyWindow = d
	}
	if f.MaxTransactions != nil {
		if *f.MaxTransactions < 0 {
			return cfg, fmt.Errorf("max_transactions must not be negative")
		}
		cfg.MaxTransactions = *f.MaxTransactions
	}
	if f.DailyLimit != "" {
		limit, err := decimal.NewFromString(f.DailyLimit)
		if err != nil || limit.IsNegative() {
			return cfg, fmt.Errorf("daily_limit must be a non-negative decimal, got %q", f.DailyLimit)
		}
		cfg.DailyLimit = limit
	}
	if f.LocationWindow != "" {
		d, err := time.ParseDuration(f.LocationWindow)
		if err != nil || d <= 0 {
			return cfg, fmt.Errorf("location_window must be a positive duration, got %q", f.LocationWindow)
		}
		cfg.LocationWindow = d
	}
	return cfg, nil
}
