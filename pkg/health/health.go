// Package health scores deployment health from validator run metrics.
// The scorer is a linear model with per-feature attribution: each
// feature's contribution is its weight times its deviation from the
// model baseline, so the reported reasons sum to the score exactly.
package health

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"

	"github.com/sentinelsec/aegis/pkg/active"
)

// ModelFileName is the expected path inside a scoring artifact.
const ModelFileName = "model.json"

// DefaultThreshold separates healthy from degraded.
const DefaultThreshold = 0.7

// NeutralScore is reported when no model is loaded.
const NeutralScore = 0.5

// Model is a linear health model.
type Model struct {
	Version   string             `json:"version"`
	Intercept float64            `json:"intercept"`
	Weights   map[string]float64 `json:"weights"`
	Baseline  map[string]float64 `json:"baseline"`
	Threshold float64            `json:"threshold,omitempty"`
}

// Contribution is one feature's share of the score.
type Contribution struct {
	Feature  string  `json:"feature"`
	Value    float64 `json:"value"`
	Baseline float64 `json:"baseline"`
	Impact   float64 `json:"impact"`
}

// Assessment is the scored outcome for one run.
type Assessment struct {
	Score         float64        `json:"score"`
	Healthy       bool           `json:"healthy"`
	ModelVersion  string         `json:"model_version,omitempty"`
	Contributions []Contribution `json:"contributions,omitempty"`
	Reason        string         `json:"reason,omitempty"`
}

// LoadModel reads and validates a model file.
func LoadModel(path string) (*Model, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("health: read %s: %w", path, err)
	}
	var m Model
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("health: decode %s: %w", path, err)
	}
	if len(m.Weights) == 0 {
		return nil, fmt.Errorf("health: %s: model has no weights", path)
	}
	if m.Threshold == 0 {
		m.Threshold = DefaultThreshold
	}
	return &m, nil
}

// LoadDir loads the model bundled inside a verified artifact directory.
func LoadDir(dir string) (*Model, error) {
	return LoadModel(filepath.Join(dir, ModelFileName))
}

// Scorer evaluates runs against the currently active model. The model is
// hot-swapped by activation; scoring never blocks a swap.
type Scorer struct {
	holder *active.Holder[Model]
}

func NewScorer() *Scorer {
	return &Scorer{holder: active.NewHolder[Model]()}
}

// Swap installs a new model and returns the previous one.
func (s *Scorer) Swap(m *Model) *Model {
	return s.holder.Swap(m)
}

// Current returns the active model, nil when none is loaded.
func (s *Scorer) Current() *Model {
	return s.holder.Current()
}

// Score computes the health assessment for one metric set. With no model
// loaded the result is the neutral score, marked healthy, with an
// explicit reason so the report is honest about the gap. Metrics missing
// from the input score at the model baseline, contributing nothing.
func (s *Scorer) Score(metrics map[string]float64) *Assessment {
	m := s.holder.Current()
	if m == nil {
		return &Assessment{
			Score:   NeutralScore,
			Healthy: true,
			Reason:  "no scoring model loaded",
		}
	}
	return m.Score(metrics)
}

// Score applies the model directly.
func (m *Model) Score(metrics map[string]float64) *Assessment {
	raw := m.Intercept
	contributions := make([]Contribution, 0, len(m.Weights))
	for feature, w := range m.Weights {
		baseline := m.Baseline[feature]
		value, ok := metrics[feature]
		if !ok {
			value = baseline
		}
		impact := w * (value - baseline)
		raw += w * baseline
		raw += impact
		contributions = append(contributions, Contribution{
			Feature:  feature,
			Value:    value,
			Baseline: baseline,
			Impact:   impact,
		})
	}

	// Largest absolute impact first, ties by name for stable reports.
	sort.Slice(contributions, func(i, j int) bool {
		ai, aj := math.Abs(contributions[i].Impact), math.Abs(contributions[j].Impact)
		if ai != aj {
			return ai > aj
		}
		return contributions[i].Feature < contributions[j].Feature
	})

	threshold := m.Threshold
	if threshold == 0 {
		threshold = DefaultThreshold
	}
	score := clamp01(raw)
	a := &Assessment{
		Score:         score,
		Healthy:       score >= threshold,
		ModelVersion:  m.Version,
		Contributions: contributions,
	}
	if !a.Healthy && len(contributions) > 0 {
		worst := worstContribution(contributions)
		a.Reason = fmt.Sprintf("degraded by %s (impact %.3f)", worst.Feature, worst.Impact)
	}
	return a
}

func worstContribution(cs []Contribution) Contribution {
	worst := cs[0]
	for _, c := range cs[1:] {
		if c.Impact < worst.Impact {
			worst = c
		}
	}
	return worst
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
