// Package rules provides the CEL-Go based behavioral rule engine.
package rules

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"sync"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/opensource-finance/kestrel/internal/domain"
)

// DefaultMinHistory is the number of prior transactions a user must exceed
// before behavioral rules are evaluated.
const DefaultMinHistory = 10

// Rule is a named boolean CEL expression with a weight.
type Rule struct {
	ID         string  `json:"id"`
	Label      string  `json:"label"`
	Expression string  `json:"expression"`
	Weight     float64 `json:"weight"`
	Enabled    bool    `json:"enabled"`
}

// CompiledRule holds a pre-compiled CEL program.
type CompiledRule struct {
	Rule    *Rule
	Program cel.Program
}

// Engine is the CEL-based behavioral rule engine. Rules are evaluated in the
// order they were loaded.
type Engine struct {
	mu         sync.RWMutex
	env        *cel.Env
	rules      []*CompiledRule
	minHistory int
	logger     *slog.Logger
}

// NewEngine creates an engine with no rules loaded.
func NewEngine(minHistory int, logger *slog.Logger) (*Engine, error) {
	if minHistory < 0 {
		minHistory = DefaultMinHistory
	}
	if logger == nil {
		logger = slog.Default()
	}

	env, err := cel.NewEnv(
		cel.Variable("amount", cel.DoubleType),
		cel.Variable("is_night", cel.BoolType),
		cel.Variable("distance_km", cel.DoubleType),
		cel.Variable("amount_p70", cel.DoubleType),
		cel.Variable("amount_p80", cel.DoubleType),
		cel.Variable("amount_p85", cel.DoubleType),
		cel.Variable("amount_p90", cel.DoubleType),
		cel.Variable("amount_p98", cel.DoubleType),
		cel.Variable("distance_p85", cel.DoubleType),
		cel.Variable("qr_threshold", cel.DoubleType),
		cel.Variable("payment_instrument", cel.IntType),
		cel.Variable("qr_code", cel.IntType),
		cel.Variable("qr_known", cel.BoolType),
		cel.Variable("device_count", cel.IntType),
		cel.Variable("beneficiary_count", cel.IntType),
		cel.Variable("ip_count", cel.IntType),
		cel.Variable("history_len", cel.IntType),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}

	return &Engine{
		env:        env,
		minHistory: minHistory,
		logger:     logger,
	}, nil
}

// NewDefaultEngine creates an engine with the built-in rules followed by extra.
func NewDefaultEngine(minHistory int, extra []*Rule, logger *slog.Logger) (*Engine, error) {
	e, err := NewEngine(minHistory, logger)
	if err != nil {
		return nil, err
	}
	if err := e.LoadRules(append(BuiltinRules(), extra...)); err != nil {
		return nil, err
	}
	return e, nil
}

// ValidateRule compiles and validates a rule without mutating loaded engine rules.
func (e *Engine) ValidateRule(r *Rule) error {
	if r == nil {
		return errors.New("rule is required")
	}

	e.mu.RLock()
	defer e.mu.RUnlock()

	_, err := e.compileRule(r)
	return err
}

// LoadRule compiles r and appends it, or replaces the loaded rule with the same ID in place.
func (e *Engine) LoadRule(r *Rule) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	compiled, err := e.compileRule(r)
	if err != nil {
		return err
	}

	for i, existing := range e.rules {
		if existing.Rule.ID == r.ID {
			e.rules[i] = compiled
			return nil
		}
	}
	e.rules = append(e.rules, compiled)
	return nil
}

// LoadRules compiles and loads every enabled rule.
func (e *Engine) LoadRules(rules []*Rule) error {
	for _, r := range rules {
		if r.Enabled {
			if err := e.LoadRule(r); err != nil {
				return err
			}
		}
	}
	return nil
}

// ReloadRules replaces all loaded rules atomically. On error the previous
// set stays loaded.
func (e *Engine) ReloadRules(rules []*Rule) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	next := make([]*CompiledRule, 0, len(rules))
	seen := make(map[string]int, len(rules))
	for _, r := range rules {
		if !r.Enabled {
			continue
		}
		compiled, err := e.compileRule(r)
		if err != nil {
			return err
		}
		if i, dup := seen[r.ID]; dup {
			next[i] = compiled
			continue
		}
		seen[r.ID] = len(next)
		next = append(next, compiled)
	}

	e.rules = next
	return nil
}

// BehaviorInput is everything the behavioral rules read for one transaction.
type BehaviorInput struct {
	TxID       string
	Amount     float64
	IsNight    bool
	DistanceKm float64
	Features   domain.EncodedFeatures
	Stats      *domain.UserBehaviorStats

	// QRCode is the local code of the QR instrument; QRKnown is false when
	// the local table cannot encode payment instruments.
	QRCode  int
	QRKnown bool
}

// Evaluate runs every loaded rule against input. Users with MinHistory or
// fewer prior transactions get an empty, unevaluated result.
//
// Confidence is the triggered weight over the weight of the loaded built-in
// rules, so operator rules add to it without rescaling it, capped at 1. An
// engine without built-in rules scales by its total loaded weight.
func (e *Engine) Evaluate(ctx context.Context, input *BehaviorInput) domain.BehaviorResult {
	e.mu.RLock()
	rules := make([]*CompiledRule, len(e.rules))
	copy(rules, e.rules)
	e.mu.RUnlock()

	scale := confidenceScale(rules)
	result := domain.BehaviorResult{
		Rules:       []string{},
		TotalWeight: scale,
	}
	if input == nil || input.Stats == nil || input.Stats.HistoryLen <= e.minHistory {
		return result
	}
	result.Evaluated = true

	activation := activationFor(input)

	// Every rule runs even when ctx is cancelled; results are never partial.
	triggered := 0.0
	for _, r := range rules {
		hit, err := evalBool(r.Program, activation)
		if err != nil {
			e.logger.WarnContext(ctx, "behavioral rule evaluation failed",
				"rule_id", r.Rule.ID,
				"tx_id", input.TxID,
				"error", err,
			)
			continue
		}
		if hit {
			result.Rules = append(result.Rules, r.Rule.Label)
			triggered += r.Rule.Weight
		}
	}

	result.Anomaly = len(result.Rules) > 0
	if scale > 0 {
		result.Confidence = math.Min(1, triggered/scale)
	}
	return result
}

func confidenceScale(rules []*CompiledRule) float64 {
	builtin, total := 0.0, 0.0
	for _, r := range rules {
		total += r.Rule.Weight
		if isBuiltin(r.Rule.ID) {
			builtin += r.Rule.Weight
		}
	}
	if builtin > 0 {
		return builtin
	}
	return total
}

func activationFor(in *BehaviorInput) map[string]any {
	s := in.Stats
	return map[string]any{
		"amount":             in.Amount,
		"is_night":           in.IsNight,
		"distance_km":        in.DistanceKm,
		"amount_p70":         s.AmountP70,
		"amount_p80":         s.AmountP80,
		"amount_p85":         s.AmountP85,
		"amount_p90":         s.AmountP90,
		"amount_p98":         s.AmountP98,
		"distance_p85":       s.DistanceP85,
		"qr_threshold":       s.QRThreshold,
		"payment_instrument": int64(in.Features.PaymentInstrument),
		"qr_code":            int64(in.QRCode),
		"qr_known":           in.QRKnown,
		"device_count":       int64(s.DeviceCounts[in.Features.DeviceID]),
		"beneficiary_count":  int64(s.BeneficiaryCounts[in.Features.BeneficiaryID]),
		"ip_count":           int64(s.IPCounts[in.Features.IPAddress]),
		"history_len":        int64(s.HistoryLen),
	}
}

func evalBool(p cel.Program, activation map[string]any) (bool, error) {
	out, _, err := p.Eval(activation)
	if err != nil {
		return false, err
	}
	b, ok := out.(types.Bool)
	if !ok {
		return false, fmt.Errorf("rule returned %v, want bool", out.Type())
	}
	return bool(b), nil
}

// RulesCount returns the number of loaded rules.
func (e *Engine) RulesCount() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.rules)
}

// GetLoadedRules returns the loaded rules in evaluation order.
func (e *Engine) GetLoadedRules() []*Rule {
	e.mu.RLock()
	defer e.mu.RUnlock()

	out := make([]*Rule, 0, len(e.rules))
	for _, compiled := range e.rules {
		out = append(out, compiled.Rule)
	}
	return out
}

// Close cleans up the engine.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.rules = nil
	return nil
}

func (e *Engine) compileRule(r *Rule) (*CompiledRule, error) {
	if r.ID == "" || r.Label == "" {
		return nil, errors.New("rule id and label are required")
	}
	if r.Weight < 0 {
		return nil, fmt.Errorf("rule %s: weight must not be negative", r.ID)
	}

	ast, issues := e.env.Compile(r.Expression)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("failed to compile rule %s: %w", r.ID, issues.Err())
	}

	if ast.OutputType() != cel.BoolType {
		return nil, fmt.Errorf("rule %s: expression must return bool, got %s", r.ID, ast.OutputType())
	}

	program, err := e.env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("failed to create program for rule %s: %w", r.ID, err)
	}

	return &CompiledRule{
		Rule:    r,
		Program: program,
	}, nil
}

// LoadFile reads a JSON array of rules. An empty path returns no rules.
func LoadFile(path string) ([]*Rule, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read rules file: %w", err)
	}
	var rules []*Rule
	if err := json.Unmarshal(data, &rules); err != nil {
		return nil, fmt.Errorf("parse rules file: %w", err)
	}
	return rules, nil
}
