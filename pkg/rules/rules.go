// Package rules compiles detection rules into matchers and evaluates
// alerts against the active ruleset.
package rules

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
)

// Severity levels, highest first.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
)

// ConditionType selects the match operator.
type ConditionType string

const (
	CondExact        ConditionType = "exact"
	CondEqualsCI     ConditionType = "equals-ci"
	CondSubstring    ConditionType = "substring"
	CondRegex        ConditionType = "regex"
	CondNumericRange ConditionType = "numeric-range"
	CondCEL          ConditionType = "cel"
)

// Normalized maps legacy underscore spellings ("equals_ci",
// "numeric_range") onto the canonical hyphenated tokens.
func (t ConditionType) Normalized() ConditionType {
	return ConditionType(strings.ReplaceAll(string(t), "_", "-"))
}

// Condition is the single predicate of a rule.
type Condition struct {
	Type    ConditionType `json:"type"`
	Field   string        `json:"field,omitempty"`
	Value   string        `json:"value,omitempty"`
	Pattern string        `json:"pattern,omitempty"`
	Min     *float64      `json:"min,omitempty"`
	Max     *float64      `json:"max,omitempty"`
	// Expression is a CEL expression over `fields` returning bool.
	Expression string `json:"expression,omitempty"`
}

// Rule is the wire shape of one detection rule.
type Rule struct {
	ID          string    `json:"rule_id"`
	Name        string    `json:"name"`
	Severity    Severity  `json:"severity"`
	Action      string    `json:"action"`
	Description string    `json:"description,omitempty"`
	Condition   Condition `json:"condition"`
}

// Match is one rule hit for an alert.
type Match struct {
	RuleID      string   `json:"rule_id"`
	RuleName    string   `json:"rule_name"`
	Severity    Severity `json:"severity"`
	Action      string   `json:"action"`
	Description string   `json:"description,omitempty"`
}

// RulesFileName is the expected path inside a policy artifact.
const RulesFileName = "rules.json"

type rulesDocument struct {
	Rules []Rule `json:"rules"`
}

// LoadFile reads a rules document ({"rules": [...]}) from path.
func LoadFile(path string) ([]Rule, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("rules: read %s: %w", path, err)
	}
	var doc rulesDocument
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("rules: decode %s: %w", path, err)
	}
	return doc.Rules, nil
}
