// Package config implements the key=value configuration file format
// (spec.md §6), following the original source's ConfigFileParser.cpp
// literal parameter tables rather than a generic schema-driven parser --
// the same house style the teacher uses throughout for small, enumerated
// line formats (readers.go's bufio.Scanner loops).
package config

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds every tunable spec.md §6 names, pre-populated with
// defaults and overwritten by whatever a config file supplies.
type Config struct {
	// Time parameters (spec.md §5, §6).
	ProbingTimeoutPeriod  time.Duration
	ProbingRegulatingDelay time.Duration
	ProbingRetryDelay      time.Duration
	ConcurrencyThreadDelay time.Duration

	// Boolean parameters.
	ProbingFixedFlowParis     bool
	PrescanningThirdOpinion   bool
	PrescanningExpansion      bool
	AliasResolutionStrictMode bool

	// String parameters.
	ProbingPayloadMessage string

	// Integer parameters.
	ProbingMaxRetries                         int
	ConcurrencyMaxThreads                     int
	ScanningStartTTL                          int
	ScanningMinimumTargetsPerThread            int
	ScanningTargetListSplitThreshold           int
	ScanningNumberOfReprobing                  int
	ScanningMaximumFlickeringDelta             int
	InferenceOutliersRatioDivisor              int
	PeerDiscoveryMaxPivots                     int
	AliasResolutionNbIPIDs                     int
	AliasResolutionAllyMaxDifference           int
	AliasResolutionAllyMaxConsecutiveDifference int
	AliasResolutionVelocityMaxRollovers        int

	// Double parameters, both in ]0,1[.
	AliasResolutionVelocityOverlapTolerance float64
	AliasResolutionVelocityMaxError        float64
}

// Default returns the tool's built-in defaults (spec.md §5, §6).
func Default() *Config {
	return &Config{
		ProbingTimeoutPeriod:   2500 * time.Millisecond,
		ProbingRegulatingDelay: 250 * time.Millisecond,
		ProbingRetryDelay:      1000 * time.Millisecond,
		ConcurrencyThreadDelay: 500 * time.Millisecond,

		ProbingFixedFlowParis:     true,
		PrescanningThirdOpinion:   false,
		PrescanningExpansion:      false,
		AliasResolutionStrictMode: false,

		ProbingPayloadMessage: "",

		ProbingMaxRetries:                          2,
		ConcurrencyMaxThreads:                       256,
		ScanningStartTTL:                            1,
		ScanningMinimumTargetsPerThread:              32,
		ScanningTargetListSplitThreshold:             64,
		ScanningNumberOfReprobing:                    2,
		ScanningMaximumFlickeringDelta:                256,
		InferenceOutliersRatioDivisor:                3,
		PeerDiscoveryMaxPivots:                       4,
		AliasResolutionNbIPIDs:                       4,
		AliasResolutionAllyMaxDifference:             1000,
		AliasResolutionAllyMaxConsecutiveDifference:  200,
		AliasResolutionVelocityMaxRollovers:          10,

		AliasResolutionVelocityOverlapTolerance: 0.2,
		AliasResolutionVelocityMaxError:         0.35,
	}
}

var timevalKeys = map[string]func(*Config, time.Duration){
	"probingTimeoutPeriod":   func(c *Config, v time.Duration) { c.ProbingTimeoutPeriod = v },
	"probingRegulatingDelay": func(c *Config, v time.Duration) { c.ProbingRegulatingDelay = v },
	"probingRetryDelay":      func(c *Config, v time.Duration) { c.ProbingRetryDelay = v },
	"concurrencyThreadDelay": func(c *Config, v time.Duration) { c.ConcurrencyThreadDelay = v },
}

var timevalBounds = map[string]time.Duration{
	"probingTimeoutPeriod":   10000 * time.Millisecond,
	"probingRegulatingDelay": 1000 * time.Millisecond,
	"probingRetryDelay":      10000 * time.Millisecond,
	"concurrencyThreadDelay": 1000 * time.Millisecond,
}

var boolKeys = map[string]func(*Config, bool){
	"probingFixedFlowParis":     func(c *Config, v bool) { c.ProbingFixedFlowParis = v },
	"prescanningThirdOpinion":   func(c *Config, v bool) { c.PrescanningThirdOpinion = v },
	"prescanningExpansion":      func(c *Config, v bool) { c.PrescanningExpansion = v },
	"aliasResolutionStrictMode": func(c *Config, v bool) { c.AliasResolutionStrictMode = v },
}

var stringKeys = map[string]func(*Config, string){
	"probingPayloadMessage": func(c *Config, v string) { c.ProbingPayloadMessage = v },
}

type intBound struct {
	min, max int
	set      func(*Config, int)
}

var intKeys = map[string]intBound{
	"probingMaxRetries":                          {1, 4, func(c *Config, v int) { c.ProbingMaxRetries = v }},
	"concurrencyMaxThreads":                      {2, 32767, func(c *Config, v int) { c.ConcurrencyMaxThreads = v }},
	"scanningStartTTL":                           {1, 64, func(c *Config, v int) { c.ScanningStartTTL = v }},
	"scanningMinimumTargetsPerThread":             {1, 32767, func(c *Config, v int) { c.ScanningMinimumTargetsPerThread = v }},
	"scanningTargetListSplitThreshold":            {1, 2048, func(c *Config, v int) { c.ScanningTargetListSplitThreshold = v }},
	"scanningNumberOfReprobing":                   {1, 4, func(c *Config, v int) { c.ScanningNumberOfReprobing = v }},
	"scanningMaximumFlickeringDelta":              {2, 256, func(c *Config, v int) { c.ScanningMaximumFlickeringDelta = v }},
	"inferenceOutliersRatioDivisor":               {2, 100, func(c *Config, v int) { c.InferenceOutliersRatioDivisor = v }},
	"peerDiscoveryMaxPivots":                      {2, 4095, func(c *Config, v int) { c.PeerDiscoveryMaxPivots = v }},
	"aliasResolutionNbIPIDs":                      {3, 20, func(c *Config, v int) { c.AliasResolutionNbIPIDs = v }},
	"aliasResolutionAllyMaxDifference":             {1, 32768, func(c *Config, v int) { c.AliasResolutionAllyMaxDifference = v }},
	"aliasResolutionAllyMaxConsecutiveDifference":  {1, 3277, func(c *Config, v int) { c.AliasResolutionAllyMaxConsecutiveDifference = v }},
	"aliasResolutionVelocityMaxRollovers":          {1, 256, func(c *Config, v int) { c.AliasResolutionVelocityMaxRollovers = v }},
}

var doubleKeys = map[string]func(*Config, float64){
	"aliasResolutionVelocityOverlapTolerance": func(c *Config, v float64) { c.AliasResolutionVelocityOverlapTolerance = v },
	"aliasResolutionVelocityMaxError":         func(c *Config, v float64) { c.AliasResolutionVelocityMaxError = v },
}

// Load reads a key=value configuration file on top of Default(),
// warning (not failing) on unrecognized keys or out-of-range values,
// matching the original's "log a warning, keep the default" behavior.
func Load(path string) (*Config, []string, error) {
	c := Default()
	var warnings []string

	f, err := os.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("[config.Load]: %w", err)
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			warnings = append(warnings, fmt.Sprintf("malformed config line: %q", line))
			continue
		}
		key, value = strings.TrimSpace(key), strings.TrimSpace(value)

		switch {
		case applyTimeval(c, key, value, &warnings):
		case applyBool(c, key, value, &warnings):
		case applyString(c, key, value):
		case applyInt(c, key, value, &warnings):
		case applyDouble(c, key, value, &warnings):
		default:
			warnings = append(warnings, fmt.Sprintf("unrecognized config key %q ignored", key))
		}
	}
	if err := sc.Err(); err != nil {
		return nil, warnings, fmt.Errorf("[config.Load]: %w", err)
	}
	return c, warnings, nil
}

func applyTimeval(c *Config, key, value string, warnings *[]string) bool {
	setter, ok := timevalKeys[key]
	if !ok {
		return false
	}
	ms, err := strconv.ParseUint(value, 10, 64)
	if err != nil {
		*warnings = append(*warnings, fmt.Sprintf("invalid value for %q, keeping default", key))
		return true
	}
	d := time.Duration(ms) * time.Millisecond
	if d > timevalBounds[key] {
		*warnings = append(*warnings, fmt.Sprintf("%q exceeds its bound, keeping default", key))
		return true
	}
	setter(c, d)
	return true
}

func applyBool(c *Config, key, value string, warnings *[]string) bool {
	setter, ok := boolKeys[key]
	if !ok {
		return false
	}
	switch value {
	case "true":
		setter(c, true)
	case "false":
		setter(c, false)
	default:
		*warnings = append(*warnings, fmt.Sprintf("invalid boolean for %q, keeping default", key))
	}
	return true
}

func applyString(c *Config, key, value string) bool {
	setter, ok := stringKeys[key]
	if !ok {
		return false
	}
	if len(value) < 100 {
		setter(c, value)
	}
	return true
}

func applyInt(c *Config, key, value string, warnings *[]string) bool {
	bound, ok := intKeys[key]
	if !ok {
		return false
	}
	n, err := strconv.Atoi(value)
	if err != nil || n < bound.min || n > bound.max {
		*warnings = append(*warnings, fmt.Sprintf("%q out of range, keeping default", key))
		return true
	}
	bound.set(c, n)
	return true
}

func applyDouble(c *Config, key, value string, warnings *[]string) bool {
	setter, ok := doubleKeys[key]
	if !ok {
		return false
	}
	f, err := strconv.ParseFloat(value, 64)
	if err != nil || f <= 0 || f >= 1 {
		*warnings = append(*warnings, fmt.Sprintf("%q out of range, keeping default", key))
		return true
	}
	setter(c, f)
	return true
}

// Validate additionally enforces the cross-field bound spec.md §6 calls
// out: concurrencyMaxThreads must exceed aliasResolutionNbIPIDs+1.
func (c *Config) Validate() error {
	if c.ConcurrencyMaxThreads <= c.AliasResolutionNbIPIDs+1 {
		return fmt.Errorf("[Config.Validate]: concurrencyMaxThreads (%d) must exceed aliasResolutionNbIPIDs+1 (%d)", c.ConcurrencyMaxThreads, c.AliasResolutionNbIPIDs+1)
	}
	return nil
}
