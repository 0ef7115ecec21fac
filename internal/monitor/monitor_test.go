package monitor

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewContractMonitor(t *testing.T) {
	t.Run("SuccessfulLoad", func(t *testing.T) {
		cm, err := NewContractMonitor(map[string][]byte{
			"test": []byte(`{"type":"object","properties":{"name":{"type":"string"}},"required":["name"]}`),
		})
		require.NoError(t, err)
		assert.True(t, cm.Has("test"))
		assert.False(t, cm.Has("other"))
	})

	t.Run("InvalidSchemaSyntax", func(t *testing.T) {
		_, err := NewContractMonitor(map[string][]byte{"broken": []byte("{invalid_json")})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "error loading or compiling schema broken")
	})
}

func TestDefaultContracts(t *testing.T) {
	cm, err := NewDefaultContractMonitor()
	require.NoError(t, err)
	assert.Equal(t, []string{"fedapay", "moov_money", "mtn_momo", PaymentRequestContract}, cm.Contracts())
}

func TestValidate_Webhooks(t *testing.T) {
	cm, err := NewDefaultContractMonitor()
	require.NoError(t, err)

	cases := []struct {
		name     string
		contract string
		body     string
		valid    bool
	}{
		{"FedaPayNumericID", "fedapay", `{"id":1,"entity":{"id":123,"status":"approved"}}`, true},
		{"FedaPayMissingEntity", "fedapay", `{"id":"evt_1"}`, false},
		{"FedaPayEntityWithoutID", "fedapay", `{"entity":{"status":"approved"}}`, false},
		{"MTNByExternalID", "mtn_momo", `{"externalId":"PAY1","status":"SUCCESSFUL"}`, true},
		{"MTNNoReference", "mtn_momo", `{"status":"SUCCESSFUL"}`, false},
		{"MoovAmountAsString", "moov_money", `{"status":"SUCCESSFUL","amount":"10"}`, false},
		{"UncontractedProvider", "mock", `not even json`, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			valid, errs, err := cm.Validate(tc.contract, []byte(tc.body))
			require.NoError(t, err)
			assert.Equal(t, tc.valid, valid, "errors: %v", errs)
			if !tc.valid {
				assert.NotEmpty(t, errs)
			}
		})
	}
}

func TestValidate_PaymentRequest(t *testing.T) {
	cm, err := NewDefaultContractMonitor()
	require.NoError(t, err)

	valid, errs, err := cm.Validate(PaymentRequestContract, []byte(`{
		"payer_id":"u1","amount":50000,"currency":"XOF","purpose":"rent",
		"correlation_id":"booking-1","provider":"fedapay"}`))
	require.NoError(t, err)
	assert.True(t, valid, "errors: %v", errs)

	valid, errs, err = cm.Validate(PaymentRequestContract, []byte(`{"payer_id":"u1","amount":-5,"currency":"XOF","purpose":"gift"}`))
	require.NoError(t, err)
	assert.False(t, valid)
	msg := FormatErrors(errs)
	assert.Contains(t, msg, "Validation errors: ")
	assert.Contains(t, msg, "amount")
	assert.Contains(t, msg, "purpose")
	assert.Contains(t, msg, "correlation_id")
}

func TestValidate_MalformedDocument(t *testing.T) {
	cm, err := NewDefaultContractMonitor()
	require.NoError(t, err)
	_, _, err = cm.Validate("fedapay", []byte(`{"entity":`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "error during validation")
}

func TestFormatErrors(t *testing.T) {
	assert.Equal(t, "", FormatErrors(nil))
	assert.Equal(t, "Validation errors: a; b", FormatErrors([]string{"a", "b"}))
}
