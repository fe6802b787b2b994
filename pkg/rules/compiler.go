package rules

import (
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"strings"

	"github.com/google/cel-go/cel"
)

// matcher is a compiled condition.
type matcher func(fields map[string]any) bool

type compiledRule struct {
	rule  Rule
	match matcher
}

// Ruleset is an immutable batch of compiled rules, safe for concurrent
// evaluation. A new Ruleset is built per activation and hot-swapped in.
type Ruleset struct {
	rules []compiledRule
	// dead counts rules that failed compilation and were excluded.
	dead   int
	logger *slog.Logger
}

// Compiler turns wire rules into a Ruleset. Regex and CEL compilation is
// done once here, never on the evaluation path.
type Compiler struct {
	env    *cel.Env
	logger *slog.Logger
}

func NewCompiler(logger *slog.Logger) (*Compiler, error) {
	if logger == nil {
		logger = slog.Default()
	}
	env, err := cel.NewEnv(
		cel.Variable("fields", cel.MapType(cel.StringType, cel.DynType)),
	)
	if err != nil {
		return nil, fmt.Errorf("rules: cel environment: %w", err)
	}
	return &Compiler{env: env, logger: logger.With("component", "rule_compiler")}, nil
}

// Compile builds the ruleset. A rule that fails to compile is counted and
// skipped; it never poisons the rest of the batch.
func (c *Compiler) Compile(in []Rule) *Ruleset {
	rs := &Ruleset{rules: make([]compiledRule, 0, len(in)), logger: c.logger}
	for _, r := range in {
		m, err := c.compileCondition(r.Condition)
		if err != nil {
			rs.dead++
			c.logger.Warn("rule excluded from batch",
				"rule_id", r.ID, "type", r.Condition.Type, "error", err)
			continue
		}
		rs.rules = append(rs.rules, compiledRule{rule: r, match: m})
	}
	return rs
}

func (c *Compiler) compileCondition(cond Condition) (matcher, error) {
	switch cond.Type.Normalized() {
	case CondExact:
		field, want := cond.Field, cond.Value
		return func(fields map[string]any) bool {
			return stringField(fields, field) == want
		}, nil

	case CondEqualsCI:
		field, want := cond.Field, strings.ToLower(cond.Value)
		return func(fields map[string]any) bool {
			return strings.ToLower(stringField(fields, field)) == want
		}, nil

	case CondSubstring:
		field, want := cond.Field, strings.ToLower(cond.Value)
		return func(fields map[string]any) bool {
			return strings.Contains(strings.ToLower(stringField(fields, field)), want)
		}, nil

	case CondRegex:
		re, err := regexp.Compile("(?i)" + cond.Pattern)
		if err != nil {
			return nil, fmt.Errorf("pattern %q: %w", cond.Pattern, err)
		}
		field := cond.Field
		return func(fields map[string]any) bool {
			return re.MatchString(stringField(fields, field))
		}, nil

	case CondNumericRange:
		if cond.Min == nil && cond.Max == nil {
			return nil, fmt.Errorf("numeric-range needs min or max")
		}
		field, min, max := cond.Field, cond.Min, cond.Max
		return func(fields map[string]any) bool {
			v, ok := numericField(fields, field)
			if !ok {
				return false
			}
			if min != nil && v < *min {
				return false
			}
			if max != nil && v > *max {
				return false
			}
			return true
		}, nil

	case CondCEL:
		return c.compileCEL(cond.Expression)

	default:
		return nil, fmt.Errorf("unknown condition type %q", cond.Type)
	}
}

func (c *Compiler) compileCEL(expr string) (matcher, error) {
	if expr == "" {
		return nil, fmt.Errorf("empty cel expression")
	}
	ast, issues := c.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("compile: %w", issues.Err())
	}
	prg, err := c.env.Program(ast,
		cel.InterruptCheckFrequency(100),
		cel.CostLimit(10000),
	)
	if err != nil {
		return nil, fmt.Errorf("program: %w", err)
	}
	logger := c.logger
	return func(fields map[string]any) bool {
		out, _, err := prg.Eval(map[string]any{"fields": fields})
		if err != nil {
			// Runtime failure on one alert is a non-match, not a crash.
			logger.Debug("cel evaluation failed", "error", err)
			return false
		}
		v, ok := out.Value().(bool)
		return ok && v
	}, nil
}

// stringField renders the field for text operators. Missing fields read as
// the empty string so exact-match against "" behaves predictably.
func stringField(fields map[string]any, name string) string {
	v, ok := fields[name]
	if !ok || v == nil {
		return ""
	}
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	default:
		return fmt.Sprintf("%v", t)
	}
}

func numericField(fields map[string]any, name string) (float64, bool) {
	v, ok := fields[name]
	if !ok {
		return 0, false
	}
	switch t := v.(type) {
	case float64:
		return t, true
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	case string:
		f, err := strconv.ParseFloat(t, 64)
		return f, err == nil
	default:
		return 0, false
	}
}
