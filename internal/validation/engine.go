// Package validation evaluates configurable rules against proposed state
// mutations before they commit. Rule conditions are a closed set of typed
// kinds; no expression evaluation happens at runtime.
package validation

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/JagPat/quantumleap-trading-backend-sub001/internal/storage"
)

// RangeParams bound a decimal field.
type RangeParams struct {
	Min *decimal.Decimal `json:"min,omitempty"`
	Max *decimal.Decimal `json:"max,omitempty"`
}

// ReferentialParams require the value of Field to exist as an entity id in
// RefTable.
type ReferentialParams struct {
	RefTable string `json:"ref_table"`
}

// PredicateParams name a registered business predicate.
type PredicateParams struct {
	Predicate string `json:"predicate"`
}

// Violation is one failed rule evaluation.
type Violation struct {
	Rule     string               `json:"rule"`
	Severity storage.RuleSeverity `json:"severity"`
	Message  string               `json:"message"`
}

// StateReader is the subset of the store the engine needs for referential and
// consistency checks.
type StateReader interface {
	GetState(ctx context.Context, table, entityID string) (json.RawMessage, error)
	ListState(ctx context.Context, table string) ([]storage.StateRecord, error)
	ListEnabledRules(ctx context.Context, table string) ([]storage.ValidationRule, error)
}

// Predicate is a business rule evaluated against the decoded new value of an
// operation. Returning a non-nil error fails the rule with that message.
type Predicate func(ctx context.Context, reader StateReader, op *storage.Operation, doc map[string]json.RawMessage) error

// ConsistencyCheck is a cross-table invariant re-run at PARANOID level after
// every operation.
type ConsistencyCheck func(ctx context.Context, reader StateReader) error

// Engine evaluates validation rules at a given level.
type Engine struct {
	reader StateReader
	logger *zap.Logger

	mu         sync.RWMutex
	predicates map[string]Predicate
	checks     []ConsistencyCheck
}

// NewEngine creates a validation engine backed by the given state reader.
func NewEngine(reader StateReader, logger *zap.Logger) *Engine {
	return &Engine{
		reader:     reader,
		logger:     logger.Named("validation"),
		predicates: make(map[string]Predicate),
	}
}

// RegisterPredicate registers a named business predicate. Rules of kind
// BUSINESS_PREDICATE referencing an unregistered name fail closed.
func (e *Engine) RegisterPredicate(name string, p Predicate) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.predicates[name] = p
}

// RegisterConsistencyCheck adds a PARANOID-level cross-table check.
func (e *Engine) RegisterConsistencyCheck(c ConsistencyCheck) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.checks = append(e.checks, c)
}

// kindEnabled reports whether a rule kind runs at the given level.
func kindEnabled(level storage.ValidationLevel, kind storage.RuleKind) bool {
	switch kind {
	case storage.RuleRange:
		return true
	case storage.RuleReferential:
		return level != storage.LevelBasic
	case storage.RuleBusinessPredicate:
		return level == storage.LevelStrict || level == storage.LevelParanoid
	default:
		return false
	}
}

// Validate evaluates every applicable rule against the proposed operation.
// DELETE operations carry no new value and only run business predicates.
func (e *Engine) Validate(ctx context.Context, level storage.ValidationLevel, op *storage.Operation) ([]Violation, error) {
	rules, err := e.reader.ListEnabledRules(ctx, op.TableName)
	if err != nil {
		return nil, fmt.Errorf("load rules for %s: %w", op.TableName, err)
	}

	var doc map[string]json.RawMessage
	if len(op.NewValue) > 0 {
		if err := json.Unmarshal(op.NewValue, &doc); err != nil {
			return nil, fmt.Errorf("decode new value for %s/%s: %w", op.TableName, op.EntityID, err)
		}
	}

	var violations []Violation
	for i := range rules {
		rule := &rules[i]
		if !kindEnabled(level, rule.Kind) {
			continue
		}
		failed, err := e.evaluate(ctx, rule, op, doc)
		if err != nil {
			return nil, fmt.Errorf("evaluate rule %s: %w", rule.Name, err)
		}
		if failed {
			violations = append(violations, Violation{
				Rule:     rule.Name,
				Severity: rule.Severity,
				Message:  rule.Message,
			})
		}
	}

	if level == storage.LevelParanoid {
		e.mu.RLock()
		checks := append([]ConsistencyCheck(nil), e.checks...)
		e.mu.RUnlock()
		for _, check := range checks {
			if err := check(ctx, e.reader); err != nil {
				violations = append(violations, Violation{
					Rule:     "cross_table_consistency",
					Severity: storage.SeverityError,
					Message:  err.Error(),
				})
			}
		}
	}

	return violations, nil
}

// HasError reports whether any violation is error severity.
func HasError(violations []Violation) bool {
	for _, v := range violations {
		if v.Severity == storage.SeverityError {
			return true
		}
	}
	return false
}

func (e *Engine) evaluate(ctx context.Context, rule *storage.ValidationRule, op *storage.Operation, doc map[string]json.RawMessage) (bool, error) {
	switch rule.Kind {
	case storage.RuleRange:
		return e.evaluateRange(rule, op, doc)
	case storage.RuleReferential:
		return e.evaluateReferential(ctx, rule, op, doc)
	case storage.RuleBusinessPredicate:
		return e.evaluatePredicate(ctx, rule, op, doc)
	default:
		return false, fmt.Errorf("unknown rule kind %q", rule.Kind)
	}
}

func (e *Engine) evaluateRange(rule *storage.ValidationRule, op *storage.Operation, doc map[string]json.RawMessage) (bool, error) {
	if op.Type == storage.OpDelete || doc == nil {
		return false, nil
	}
	raw, ok := doc[rule.Field]
	if !ok {
		return false, nil
	}
	var params RangeParams
	if err := json.Unmarshal(rule.Params, &params); err != nil {
		return false, fmt.Errorf("decode RANGE params: %w", err)
	}
	value, err := decodeDecimal(raw)
	if err != nil {
		// A non-numeric value in a range-checked field is itself a failure.
		e.logger.Warn("range rule on non-numeric field",
			zap.String("rule", rule.Name),
			zap.String("field", rule.Field))
		return true, nil
	}
	if params.Min != nil && value.LessThan(*params.Min) {
		return true, nil
	}
	if params.Max != nil && value.GreaterThan(*params.Max) {
		return true, nil
	}
	return false, nil
}

func (e *Engine) evaluateReferential(ctx context.Context, rule *storage.ValidationRule, op *storage.Operation, doc map[string]json.RawMessage) (bool, error) {
	if op.Type == storage.OpDelete || doc == nil {
		return false, nil
	}
	raw, ok := doc[rule.Field]
	if !ok {
		return false, nil
	}
	var params ReferentialParams
	if err := json.Unmarshal(rule.Params, &params); err != nil {
		return false, fmt.Errorf("decode REFERENTIAL params: %w", err)
	}
	var ref string
	if err := json.Unmarshal(raw, &ref); err != nil {
		return true, nil
	}
	if ref == "" {
		return false, nil
	}
	data, err := e.reader.GetState(ctx, params.RefTable, ref)
	if err != nil {
		return false, err
	}
	return data == nil, nil
}

func (e *Engine) evaluatePredicate(ctx context.Context, rule *storage.ValidationRule, op *storage.Operation, doc map[string]json.RawMessage) (bool, error) {
	var params PredicateParams
	if err := json.Unmarshal(rule.Params, &params); err != nil {
		return false, fmt.Errorf("decode BUSINESS_PREDICATE params: %w", err)
	}
	e.mu.RLock()
	predicate, ok := e.predicates[params.Predicate]
	e.mu.RUnlock()
	if !ok {
		// Unregistered predicates fail closed rather than silently passing.
		e.logger.Error("unregistered business predicate",
			zap.String("rule", rule.Name),
			zap.String("predicate", params.Predicate))
		return true, nil
	}
	if err := predicate(ctx, e.reader, op, doc); err != nil {
		return true, nil
	}
	return false, nil
}

// decodeDecimal accepts both JSON numbers and numeric strings, which is how
// shopspring decimals serialize.
func decodeDecimal(raw json.RawMessage) (decimal.Decimal, error) {
	var str string
	if err := json.Unmarshal(raw, &str); err == nil {
		return decimal.NewFromString(str)
	}
	var num float64
	if err := json.Unmarshal(raw, &num); err == nil {
		return decimal.NewFromFloat(num), nil
	}
	return decimal.Zero, fmt.Errorf("value %s is not numeric", string(raw))
}
