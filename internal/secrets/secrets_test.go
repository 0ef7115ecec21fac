package secrets

import (
	"context"
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yourorg/payment-reconciler/internal/config"
)

type fakeSecrets struct {
	values map[string]string
	err    error
	asked  string
}

func (f *fakeSecrets) GetSecretValue(_ context.Context, in *secretsmanager.GetSecretValueInput, _ ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error) {
	f.asked = aws.ToString(in.SecretId)
	if f.err != nil {
		return nil, f.err
	}
	s, ok := f.values[f.asked]
	if !ok {
		return &secretsmanager.GetSecretValueOutput{}, nil
	}
	return &secretsmanager.GetSecretValueOutput{SecretString: aws.String(s)}, nil
}

func TestOverlay(t *testing.T) {
	fake := &fakeSecrets{values: map[string]string{
		"payrecon/prod": `{"fedapay_api_key":"sk_live","moov_money_webhook_secret":"whsec","mtn_momo_api_key":"","unrelated":"x"}`,
	}}
	cfg := &config.Config{}
	cfg.Secrets.AWSSecretID = "payrecon/prod"
	cfg.Providers.MTNMoMo.APIKey = "kept"

	applied, err := Overlay(context.Background(), cfg, NewLoader(fake))
	require.NoError(t, err)

	assert.Equal(t, "payrecon/prod", fake.asked)
	assert.ElementsMatch(t, []string{"fedapay_api_key", "moov_money_webhook_secret"}, applied)
	assert.Equal(t, "sk_live", cfg.Providers.FedaPay.APIKey)
	assert.Equal(t, "whsec", cfg.Providers.Moov.WebhookSecret)
	assert.Equal(t, "kept", cfg.Providers.MTNMoMo.APIKey, "empty values never clear a credential")
}

func TestOverlay_NoSecretConfigured(t *testing.T) {
	fake := &fakeSecrets{}
	applied, err := Overlay(context.Background(), &config.Config{}, NewLoader(fake))
	require.NoError(t, err)
	assert.Empty(t, applied)
	assert.Empty(t, fake.asked)
}

func TestFetch_Errors(t *testing.T) {
	tests := []struct {
		name string
		fake *fakeSecrets
	}{
		{name: "client error", fake: &fakeSecrets{err: errors.New("AccessDeniedException")}},
		{name: "binary secret", fake: &fakeSecrets{values: map[string]string{}}},
		{name: "not json", fake: &fakeSecrets{values: map[string]string{"s": "plain"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewLoader(tt.fake).Fetch(context.Background(), "s")
			assert.Error(t, err)
		})
	}
}
