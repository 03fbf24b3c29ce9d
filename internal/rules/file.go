package rules

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"security-core/internal/security"

	"gopkg.in/yaml.v3"
)

// fileOverlay is the YAML shape accepted by LoadFile. Every field is optional;
// only keys present in the file replace the defaults.
//
//	rate_limit:
//	  window: 1h
//	  block_duration: 30m
//	  default: 100
//	  limits: {login: 10}
//	risk:
//	  default_weight: 1
//	  weights: {login_failed: 3}
//	  severity_multipliers: {critical: 5}
//	  categories: {permission_denied: access_control}
//	activity_base_risk: {time_anomaly: medium}
type fileOverlay struct {
	RateLimit struct {
		Window        string         `yaml:"window"`
		BlockDuration string         `yaml:"block_duration"`
		Default       int            `yaml:"default"`
		Limits        map[string]int `yaml:"limits"`
	} `yaml:"rate_limit"`
	Risk struct {
		DefaultWeight       float64            `yaml:"default_weight"`
		Weights             map[string]float64 `yaml:"weights"`
		SeverityMultipliers map[string]float64 `yaml:"severity_multipliers"`
		Categories          map[string]string  `yaml:"categories"`
	} `yaml:"risk"`
	ActivityBaseRisk map[string]string `yaml:"activity_base_risk"`
}

// LoadFile reads a YAML overlay and applies it on top of Default().
// An empty path returns the defaults.
func LoadFile(path string) (Rules, error) {
	r := Default()
	if path == "" {
		return r, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return Rules{}, fmt.Errorf("rules: read %s: %w", path, err)
	}
	return Parse(raw)
}

// Parse applies a YAML overlay document to Default().
func Parse(raw []byte) (Rules, error) {
	r := Default()
	var ov fileOverlay
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(&ov); err != nil && !errors.Is(err, io.EOF) {
		return Rules{}, fmt.Errorf("rules: parse: %w", err)
	}

	var errs []error
	if ov.RateLimit.Window != "" {
		d, err := time.ParseDuration(ov.RateLimit.Window)
		if err != nil || d <= 0 {
			errs = append(errs, fmt.Errorf("rate_limit.window: invalid duration %q", ov.RateLimit.Window))
		} else {
			r.RateLimitWindow = d
		}
	}
	if ov.RateLimit.BlockDuration != "" {
		d, err := time.ParseDuration(ov.RateLimit.BlockDuration)
		if err != nil || d <= 0 {
			errs = append(errs, fmt.Errorf("rate_limit.block_duration: invalid duration %q", ov.RateLimit.BlockDuration))
		} else {
			r.BlockDuration = d
		}
	}
	if ov.RateLimit.Default > 0 {
		r.DefaultRateLimit = ov.RateLimit.Default
	}
	for k, v := range ov.RateLimit.Limits {
		if v <= 0 {
			errs = append(errs, fmt.Errorf("rate_limit.limits.%s: must be positive", k))
			continue
		}
		r.RateLimits[security.LimitType(k)] = v
	}

	if ov.Risk.DefaultWeight > 0 {
		r.DefaultBaseWeight = ov.Risk.DefaultWeight
	}
	for k, v := range ov.Risk.Weights {
		t := security.EventType(k)
		if !t.Valid() {
			errs = append(errs, fmt.Errorf("risk.weights: unknown event type %q", k))
			continue
		}
		r.BaseWeights[t] = v
	}
	for k, v := range ov.Risk.SeverityMultipliers {
		s := security.Severity(k)
		if !s.Valid() {
			errs = append(errs, fmt.Errorf("risk.severity_multipliers: unknown severity %q", k))
			continue
		}
		r.SeverityMult[s] = v
	}
	for k, v := range ov.Risk.Categories {
		t := security.EventType(k)
		if !t.Valid() {
			errs = append(errs, fmt.Errorf("risk.categories: unknown event type %q", k))
			continue
		}
		r.Categories[t] = v
	}
	for k, v := range ov.ActivityBaseRisk {
		a, s := security.ActivityType(k), security.Severity(v)
		if !a.Valid() || !s.Valid() {
			errs = append(errs, fmt.Errorf("activity_base_risk.%s: invalid entry %q", k, v))
			continue
		}
		r.ActivityBaseRisk[a] = s
	}

	if err := errors.Join(errs...); err != nil {
		return Rules{}, fmt.Errorf("rules: %w", err)
	}
	return r, nil
}
