// Package secrets overlays provider credentials held in AWS Secrets Manager
// onto the loaded configuration.
package secrets

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"

	"github.com/yourorg/payment-reconciler/internal/config"
)

// SecretsAPI is the subset of the Secrets Manager client used here.
type SecretsAPI interface {
	GetSecretValue(ctx context.Context, in *secretsmanager.GetSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error)
}

// Loader reads a JSON object secret.
type Loader struct {
	client SecretsAPI
}

// NewLoader wraps an existing client.
func NewLoader(client SecretsAPI) *Loader {
	return &Loader{client: client}
}

// NewAWSLoader builds a client from the default AWS credential chain.
func NewAWSLoader(ctx context.Context, region string) (*Loader, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if region != "" {
		opts = append(opts, awsconfig.WithRegion(region))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("secrets: load aws config: %w", err)
	}
	return NewLoader(secretsmanager.NewFromConfig(cfg)), nil
}

// Fetch returns the key/value pairs stored in secretID.
func (l *Loader) Fetch(ctx context.Context, secretID string) (map[string]string, error) {
	out, err := l.client.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{
		SecretId: aws.String(secretID),
	})
	if err != nil {
		return nil, fmt.Errorf("secrets: get %s: %w", secretID, err)
	}
	if out.SecretString == nil {
		return nil, errors.New("secrets: secret has no string value")
	}
	values := map[string]string{}
	if err := json.Unmarshal([]byte(*out.SecretString), &values); err != nil {
		return nil, fmt.Errorf("secrets: decode %s: %w", secretID, err)
	}
	return values, nil
}

// Apply copies known keys from values into cfg. Unknown keys are ignored and
// empty values never clear a configured credential. It returns the keys applied.
func Apply(cfg *config.Config, values map[string]string) []string {
	targets := map[string]*string{
		"fedapay_api_key":           &cfg.Providers.FedaPay.APIKey,
		"fedapay_webhook_secret":    &cfg.Providers.FedaPay.WebhookSecret,
		"mtn_momo_subscription_key": &cfg.Providers.MTNMoMo.SubscriptionKey,
		"mtn_momo_api_user":         &cfg.Providers.MTNMoMo.APIUser,
		"mtn_momo_api_key":          &cfg.Providers.MTNMoMo.APIKey,
		"mtn_momo_webhook_secret":   &cfg.Providers.MTNMoMo.WebhookSecret,
		"moov_money_api_key":        &cfg.Providers.Moov.APIKey,
		"moov_money_webhook_secret": &cfg.Providers.Moov.WebhookSecret,
		"booking_api_key":           &cfg.Booking.APIKey,
		"database_dsn":              &cfg.Database.DSN,
		"redis_password":            &cfg.Redis.Password,
		"rabbitmq_url":              &cfg.RabbitMQ.URL,
	}
	var applied []string
	for key, dst := range targets {
		if v, ok := values[key]; ok && v != "" {
			*dst = v
			applied = append(applied, key)
		}
	}
	return applied
}

// Overlay fetches cfg.Secrets.AWSSecretID and applies it. It is a no-op when
// no secret is configured.
func Overlay(ctx context.Context, cfg *config.Config, loader *Loader) ([]string, error) {
	if cfg.Secrets.AWSSecretID == "" {
		return nil, nil
	}
	values, err := loader.Fetch(ctx, cfg.Secrets.AWSSecretID)
	if err != nil {
		return nil, err
	}
	return Apply(cfg, values), nil
}
