package policy

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yourorg/payment-reconciler/internal/payment"
)

func TestNewRefundPolicy_EmptyAndNilRules(t *testing.T) {
	p, err := NewRefundPolicy(time.Hour, nil)
	require.NoError(t, err)
	assert.Empty(t, p.rules)
	assert.Equal(t, time.Hour, p.Window())

	p, err = NewRefundPolicy(0, []PolicyRule{})
	require.NoError(t, err)
	assert.Empty(t, p.rules)
}

func TestNewRefundPolicy_CompilationError(t *testing.T) {
	rules := []PolicyRule{
		{ID: "rule1", Expression: "amount > 100"},
		{ID: "rule2", Expression: "purpose ==", Decision: Decision{Allow: false}},
	}
	_, err := NewRefundPolicy(time.Hour, rules)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to compile rule ID 'rule2'")
	assert.Contains(t, err.Error(), "Unexpected end of expression")
}

func TestNewRefundPolicy_EmptyExpressionInRule(t *testing.T) {
	_, err := NewRefundPolicy(time.Hour, []PolicyRule{{ID: "empty_expr_rule"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "policy rule ID 'empty_expr_rule' has an empty expression")
}

func TestRefundPolicy_Window(t *testing.T) {
	p, err := NewRefundPolicy(72*time.Hour, nil)
	require.NoError(t, err)

	d, err := p.Evaluate(RefundContext{Age: 71 * time.Hour})
	require.NoError(t, err)
	assert.True(t, d.Allow)

	d, err = p.Evaluate(RefundContext{Age: 73 * time.Hour})
	require.Error(t, err)
	assert.ErrorIs(t, err, payment.ErrPolicyWindowExpired)
	assert.ErrorIs(t, err, payment.ErrPolicyViolation)
	assert.False(t, d.Allow)

	unlimited, err := NewRefundPolicy(0, nil)
	require.NoError(t, err)
	d, err = unlimited.Evaluate(RefundContext{Age: 10000 * time.Hour})
	require.NoError(t, err)
	assert.True(t, d.Allow)
}

func TestRefundPolicy_Evaluate_DSL(t *testing.T) {
	rules := []PolicyRule{
		{
			ID: "service_partial_only", Expression: "purpose == 'service' && refund_amount == amount", Priority: 3,
			Decision: Decision{Allow: false, Reason: "service fees are only partially refundable"},
		},
		{
			ID: "large_deposit_late", Expression: "purpose == 'deposit' && amount >= 500000 && age_seconds > window_seconds / 2", Priority: 1,
			Decision: Decision{Allow: false},
		},
		{
			ID: "allow_small", Expression: "amount < 1000", Priority: 2,
			Decision: Decision{Allow: true, Reason: "small amount"},
		},
	}
	p, err := NewRefundPolicy(48*time.Hour, rules)
	require.NoError(t, err)
	require.Len(t, p.rules, 3)
	assert.Equal(t, "large_deposit_late", p.rules[0].ID, "rules are sorted by priority")

	t.Run("NoRuleMatches_DefaultAllow", func(t *testing.T) {
		d, err := p.Evaluate(RefundContext{Amount: 50000, RefundAmount: 50000, Purpose: payment.PurposeRent, Age: time.Hour})
		require.NoError(t, err)
		assert.True(t, d.Allow)
		assert.Empty(t, d.Reason)
	})

	t.Run("ReasonDefaultsToRuleID", func(t *testing.T) {
		d, err := p.Evaluate(RefundContext{Amount: 600000, RefundAmount: 1, Purpose: payment.PurposeDeposit, Age: 30 * time.Hour})
		require.NoError(t, err)
		assert.False(t, d.Allow)
		assert.Equal(t, "large_deposit_late", d.Reason)
	})

	t.Run("PriorityOrder", func(t *testing.T) {
		// Matches both allow_small (2) and service_partial_only (3).
		d, err := p.Evaluate(RefundContext{Amount: 500, RefundAmount: 500, Purpose: payment.PurposeService, Age: time.Hour})
		require.NoError(t, err)
		assert.True(t, d.Allow)
		assert.Equal(t, "small amount", d.Reason)
	})

	t.Run("ServiceFullRefundDenied", func(t *testing.T) {
		d, err := p.Evaluate(RefundContext{Amount: 20000, RefundAmount: 20000, Purpose: payment.PurposeService, Age: time.Hour})
		require.NoError(t, err)
		assert.False(t, d.Allow)
		assert.Equal(t, "service fees are only partially refundable", d.Reason)
	})
}

func TestRefundPolicy_NonBooleanRule(t *testing.T) {
	p, err := NewRefundPolicy(0, []PolicyRule{{ID: "arith", Expression: "amount + 1"}})
	require.NoError(t, err)
	_, err = p.Evaluate(RefundContext{Amount: 1})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "did not evaluate to a boolean")
}

func TestRefundPolicy_MissingParameter(t *testing.T) {
	p, err := NewRefundPolicy(0, []PolicyRule{{ID: "typo", Expression: "amout > 1"}})
	require.NoError(t, err)
	_, err = p.Evaluate(RefundContext{Amount: 5})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to evaluate rule ID 'typo'")
}
