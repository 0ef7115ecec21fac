// Package policy decides whether a refund may proceed. A fixed window is
// enforced first, then operator-defined govaluate rules are evaluated in
// priority order; the first matching rule's decision wins.
package policy

import (
	"fmt"
	"sort"
	"time"

	"github.com/Knetic/govaluate"

	"github.com/yourorg/payment-reconciler/internal/payment"
)

// Decision is the outcome of a refund policy evaluation.
type Decision struct {
	Allow  bool   `json:"allow" mapstructure:"allow"`
	Reason string `json:"reason,omitempty" mapstructure:"reason"`
}

// PolicyRule is a boolean govaluate expression over the refund parameters:
// amount, refund_amount, currency, purpose, provider, age_seconds and
// window_seconds. Lower Priority values are evaluated first.
type PolicyRule struct {
	ID         string   `json:"id" mapstructure:"id"`
	Expression string   `json:"expression" mapstructure:"expression"`
	Priority   int      `json:"priority" mapstructure:"priority"`
	Decision   Decision `json:"decision" mapstructure:"decision"`
}

type compiledRule struct {
	PolicyRule
	expr *govaluate.EvaluableExpression
}

// RefundContext is what a refund is judged on.
type RefundContext struct {
	Amount       int64
	RefundAmount int64
	Currency     string
	Purpose      payment.Purpose
	Provider     string
	// Age is the time since the payment completed.
	Age time.Duration
}

// RefundPolicy is immutable after construction and safe for concurrent use.
type RefundPolicy struct {
	window time.Duration
	rules  []compiledRule
}

// NewRefundPolicy compiles rules. A window of zero or less disables the
// window check.
func NewRefundPolicy(window time.Duration, rules []PolicyRule) (*RefundPolicy, error) {
	compiled := make([]compiledRule, 0, len(rules))
	for _, rule := range rules {
		if rule.Expression == "" {
			return nil, fmt.Errorf("policy rule ID '%s' has an empty expression", rule.ID)
		}
		expr, err := govaluate.NewEvaluableExpression(rule.Expression)
		if err != nil {
			return nil, fmt.Errorf("failed to compile rule ID '%s': %w", rule.ID, err)
		}
		compiled = append(compiled, compiledRule{PolicyRule: rule, expr: expr})
	}
	sort.SliceStable(compiled, func(i, j int) bool { return compiled[i].Priority < compiled[j].Priority })
	return &RefundPolicy{window: window, rules: compiled}, nil
}

// Window returns the configured refund window.
func (p *RefundPolicy) Window() time.Duration { return p.window }

// Evaluate returns payment.ErrPolicyWindowExpired outside the window. Inside
// it, the first matching rule decides; with no match the refund is allowed.
func (p *RefundPolicy) Evaluate(rc RefundContext) (Decision, error) {
	if p.window > 0 && rc.Age > p.window {
		return Decision{Allow: false, Reason: "refund window expired"},
			fmt.Errorf("%w: completed %s ago, window is %s", payment.ErrPolicyWindowExpired,
				rc.Age.Truncate(time.Second), p.window)
	}

	params := map[string]interface{}{
		"amount":         float64(rc.Amount),
		"refund_amount":  float64(rc.RefundAmount),
		"currency":       rc.Currency,
		"purpose":        string(rc.Purpose),
		"provider":       rc.Provider,
		"age_seconds":    rc.Age.Seconds(),
		"window_seconds": p.window.Seconds(),
	}
	for _, rule := range p.rules {
		result, err := rule.expr.Evaluate(params)
		if err != nil {
			return Decision{}, fmt.Errorf("failed to evaluate rule ID '%s': %w", rule.ID, err)
		}
		matched, ok := result.(bool)
		if !ok {
			return Decision{}, fmt.Errorf("rule ID '%s' did not evaluate to a boolean (got %T)", rule.ID, result)
		}
		if matched {
			d := rule.Decision
			if d.Reason == "" {
				d.Reason = rule.ID
			}
			return d, nil
		}
	}
	return Decision{Allow: true}, nil
}
