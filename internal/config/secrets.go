package config

import (
	"context"
	"fmt"
	"strings"
)

// SecretRefPrefix marks a config value that names a Secret Manager version
// instead of carrying the secret itself, e.g.
// sm://projects/p/secrets/stripe-key/versions/latest.
const SecretRefPrefix = "sm://"

// SecretAccessor reads one secret version by resource name.
type SecretAccessor interface {
	AccessSecret(ctx context.Context, name string) (string, error)
}

// HasSecretRefs reports whether any secret-bearing field needs resolving.
func (c *Config) HasSecretRefs() bool {
	for _, f := range c.secretFields() {
		if strings.HasPrefix(*f.value, SecretRefPrefix) {
			return true
		}
	}
	return false
}

// ResolveSecrets replaces every sm:// reference with the secret it points at.
func ResolveSecrets(ctx context.Context, cfg *Config, accessor SecretAccessor) error {
	for _, f := range cfg.secretFields() {
		if !strings.HasPrefix(*f.value, SecretRefPrefix) {
			continue
		}
		name := strings.TrimPrefix(*f.value, SecretRefPrefix)
		secret, err := accessor.AccessSecret(ctx, name)
		if err != nil {
			return fmt.Errorf("resolve %s: %w", f.env, err)
		}
		*f.value = strings.TrimSpace(secret)
	}
	return nil
}

type secretField struct {
	env   string
	value *string
}

func (c *Config) secretFields() []secretField {
	return []secretField{
		{"DB_CONNECTION_STRING", &c.DBConnectionString},
		{"SUPABASE_JWT_SECRET", &c.JWTSecret},
		{"STRIPE_SECRET_KEY", &c.StripeSecretKey},
		{"STRIPE_WEBHOOK_SECRET", &c.StripeWebhookSecret},
		{"BILLING_WEBHOOK_HMAC_SECRET", &c.WebhookHMACSecret},
		{"SMTP_PASSWORD", &c.SMTPPassword},
		{"S3_SECRET_KEY", &c.S3SecretKey},
	}
}
