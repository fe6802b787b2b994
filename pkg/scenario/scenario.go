// Package scenario runs synthetic end-to-end validation scenarios: an
// ordered list of named steps executed against a live deployment, with
// per-step timeouts and retry with exponential backoff.
package scenario

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// Status of a step or a whole run.
type Status string

const (
	StatusPassed  Status = "PASSED"
	StatusFailed  Status = "FAILED"
	StatusSkipped Status = "SKIPPED"
)

const (
	backoffBase = time.Second
	backoffCap  = 10 * time.Second
)

// StepDef is one step of a YAML scenario definition.
type StepDef struct {
	Name    string         `yaml:"name"`
	Action  string         `yaml:"action"`
	Timeout time.Duration  `yaml:"timeout"`
	Retries int            `yaml:"retries"`
	Params  map[string]any `yaml:"params"`
}

// UnmarshalYAML accepts the timeout as a Go duration string ("10s").
func (s *StepDef) UnmarshalYAML(value *yaml.Node) error {
	type raw struct {
		Name    string         `yaml:"name"`
		Action  string         `yaml:"action"`
		Timeout string         `yaml:"timeout"`
		Retries int            `yaml:"retries"`
		Params  map[string]any `yaml:"params"`
	}
	var r raw
	if err := value.Decode(&r); err != nil {
		return err
	}
	s.Name, s.Action, s.Retries, s.Params = r.Name, r.Action, r.Retries, r.Params
	if r.Timeout != "" {
		d, err := time.ParseDuration(r.Timeout)
		if err != nil {
			return fmt.Errorf("step %q: timeout: %w", r.Name, err)
		}
		s.Timeout = d
	}
	return nil
}

// Definition is a whole scenario.
type Definition struct {
	Name        string    `yaml:"name"`
	Description string    `yaml:"description"`
	Steps       []StepDef `yaml:"steps"`
}

// LoadDefinition parses a scenario file.
func LoadDefinition(path string) (*Definition, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("scenario: read %s: %w", path, err)
	}
	var def Definition
	if err := yaml.Unmarshal(raw, &def); err != nil {
		return nil, fmt.Errorf("scenario: decode %s: %w", path, err)
	}
	if def.Name == "" || len(def.Steps) == 0 {
		return nil, fmt.Errorf("scenario: %s: name and at least one step required", path)
	}
	return &def, nil
}

// RunContext is the shared state steps communicate through. A step that
// uploads an artifact records its id here; a later step reads it back.
type RunContext struct {
	mu      sync.Mutex
	values  map[string]any
	metrics map[string]float64
	// Params of the step currently executing.
	Params map[string]any
}

func (rc *RunContext) Set(key string, v any) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	rc.values[key] = v
}

func (rc *RunContext) Get(key string) (any, bool) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	v, ok := rc.values[key]
	return v, ok
}

// SetMetric records an observed metric for the run report, for example a
// queue depth read off the target during the scenario.
func (rc *RunContext) SetMetric(name string, v float64) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	rc.metrics[name] = v
}

func (rc *RunContext) Metrics() map[string]float64 {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	out := make(map[string]float64, len(rc.metrics))
	for k, v := range rc.metrics {
		out[k] = v
	}
	return out
}

// GetString is Get with a string assertion, empty on miss.
func (rc *RunContext) GetString(key string) string {
	v, ok := rc.Get(key)
	if !ok {
		return ""
	}
	s, _ := v.(string)
	return s
}

// StepFunc implements one action.
type StepFunc func(ctx context.Context, rc *RunContext) error

// StepResult records the outcome of one step.
type StepResult struct {
	Name      string `json:"name"`
	Action    string `json:"action"`
	Status    Status `json:"status"`
	Attempts  int    `json:"attempts"`
	LatencyMS int64  `json:"latency_ms"`
	Error     string `json:"error,omitempty"`
}

// RunResult records a whole scenario run. Metrics carries values the
// steps observed on the target via RunContext.SetMetric.
type RunResult struct {
	Scenario   string             `json:"scenario"`
	Status     Status             `json:"status"`
	StartedAt  time.Time          `json:"started_at"`
	FinishedAt time.Time          `json:"finished_at"`
	Steps      []StepResult       `json:"steps"`
	Metrics    map[string]float64 `json:"metrics,omitempty"`
}

// Runner executes definitions against a registry of named actions.
type Runner struct {
	actions map[string]StepFunc
	clock   func() time.Time
	sleep   func(ctx context.Context, d time.Duration) error
	logger  *slog.Logger
}

// Option configures a Runner.
type Option func(*Runner)

func WithClock(clock func() time.Time) Option { return func(r *Runner) { r.clock = clock } }
func WithLogger(logger *slog.Logger) Option   { return func(r *Runner) { r.logger = logger } }

// WithSleep replaces the backoff sleep, used by tests.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(r *Runner) { r.sleep = sleep }
}

func NewRunner(opts ...Option) *Runner {
	r := &Runner{
		actions: make(map[string]StepFunc),
		clock:   time.Now,
		sleep:   sleepCtx,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With("component", "scenario_runner")
	return r
}

// Register binds an action name to its implementation.
func (r *Runner) Register(action string, fn StepFunc) {
	r.actions[action] = fn
}

// Run executes the definition's steps in order. The first step that
// exhausts its retries fails the run; remaining steps are recorded as
// skipped so the report shows where execution stopped.
func (r *Runner) Run(ctx context.Context, def *Definition) *RunResult {
	result := &RunResult{
		Scenario:  def.Name,
		Status:    StatusPassed,
		StartedAt: r.clock().UTC(),
	}
	rc := &RunContext{
		values:  make(map[string]any),
		metrics: make(map[string]float64),
	}

	failed := false
	for _, step := range def.Steps {
		if failed {
			result.Steps = append(result.Steps, StepResult{
				Name: step.Name, Action: step.Action, Status: StatusSkipped,
			})
			continue
		}
		sr := r.runStep(ctx, step, rc)
		result.Steps = append(result.Steps, sr)
		if sr.Status != StatusPassed {
			failed = true
			result.Status = StatusFailed
		}
	}
	result.FinishedAt = r.clock().UTC()
	result.Metrics = rc.Metrics()
	return result
}

func (r *Runner) runStep(ctx context.Context, step StepDef, rc *RunContext) StepResult {
	sr := StepResult{Name: step.Name, Action: step.Action}
	fn, ok := r.actions[step.Action]
	if !ok {
		sr.Status = StatusFailed
		sr.Error = fmt.Sprintf("unknown action %q", step.Action)
		return sr
	}

	timeout := step.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	attempts := step.Retries + 1
	start := r.clock()
	var lastErr error

	for attempt := 1; attempt <= attempts; attempt++ {
		sr.Attempts = attempt
		stepCtx, cancel := context.WithTimeout(ctx, timeout)
		rc.Params = step.Params
		err := fn(stepCtx, rc)
		cancel()
		if err == nil {
			sr.Status = StatusPassed
			sr.LatencyMS = r.clock().Sub(start).Milliseconds()
			return sr
		}
		lastErr = err
		r.logger.Warn("scenario step failed",
			"step", step.Name, "attempt", attempt, "of", attempts, "error", err)
		if attempt < attempts {
			if err := r.sleep(ctx, backoffFor(attempt)); err != nil {
				lastErr = err
				break
			}
		}
	}

	sr.Status = StatusFailed
	sr.Error = lastErr.Error()
	sr.LatencyMS = r.clock().Sub(start).Milliseconds()
	return sr
}

// backoffFor doubles from the base per completed attempt, capped.
func backoffFor(attempt int) time.Duration {
	d := backoffBase
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= backoffCap {
			return backoffCap
		}
	}
	if d > backoffCap {
		return backoffCap
	}
	return d
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
