package rules

import (
	"os"
	"path/filepath"

	"github.com/sentinelsec/aegis/pkg/alerts"
)

// Len reports the number of live rules in the set.
func (rs *Ruleset) Len() int { return len(rs.rules) }

// Dead reports how many rules were excluded at compile time.
func (rs *Ruleset) Dead() int { return rs.dead }

// Evaluate runs every rule against the alert's field map and returns the
// hits in rule order. Evaluation of one alert is independent of any other;
// the ruleset is never mutated here.
func (rs *Ruleset) Evaluate(a *alerts.Alert) []Match {
	fields := a.Fields()
	var matches []Match
	for _, cr := range rs.rules {
		if cr.match(fields) {
			matches = append(matches, Match{
				RuleID:      cr.rule.ID,
				RuleName:    cr.rule.Name,
				Severity:    cr.rule.Severity,
				Action:      cr.rule.Action,
				Description: cr.rule.Description,
			})
		}
	}
	return matches
}

// MaxSeverity returns the highest severity across matches, or "" when the
// alert matched nothing.
func MaxSeverity(matches []Match) Severity {
	rank := map[Severity]int{
		SeverityLow:      1,
		SeverityMedium:   2,
		SeverityHigh:     3,
		SeverityCritical: 4,
	}
	var out Severity
	best := 0
	for _, m := range matches {
		if r := rank[m.Severity]; r > best {
			best = r
			out = m.Severity
		}
	}
	return out
}

// LoadDir compiles the ruleset bundled inside a verified artifact directory.
// The document is expected at rules.json relative to the artifact root.
func (c *Compiler) LoadDir(dir string) (*Ruleset, error) {
	path := filepath.Join(dir, RulesFileName)
	if _, err := os.Stat(path); err != nil {
		return nil, err
	}
	loaded, err := LoadFile(path)
	if err != nil {
		return nil, err
	}
	return c.Compile(loaded), nil
}
