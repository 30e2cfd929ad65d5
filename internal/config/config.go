package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

const checkoutSessionPlaceholder = "{CHECKOUT_SESSION_ID}"

type Config struct {
	Port               string `envconfig:"PORT" default:"8080"`
	Environment        string `envconfig:"ENV" default:"development"`
	LogLevel           string `envconfig:"LOG_LEVEL" default:"info"`
	DBConnectionString string `envconfig:"DB_CONNECTION_STRING" required:"true"`
	JWTSecret          string `envconfig:"SUPABASE_JWT_SECRET" required:"true"`
	RequestTimeoutSec  int    `envconfig:"REQUEST_TIMEOUT_SEC" default:"10"`

	// Stripe settings
	StripeSecretKey     string `envconfig:"STRIPE_SECRET_KEY" required:"true"`
	StripeWebhookSecret string `envconfig:"STRIPE_WEBHOOK_SECRET"`
	StripePriceMonthly  string `envconfig:"STRIPE_PRICE_MONTHLY"`
	StripePriceAnnual   string `envconfig:"STRIPE_PRICE_ANNUAL"`
	CheckoutSuccessURL  string `envconfig:"CHECKOUT_SUCCESS_URL" required:"true"`
	CheckoutCancelURL   string `envconfig:"CHECKOUT_CANCEL_URL" required:"true"`
	PortalReturnURL     string `envconfig:"STRIPE_PORTAL_RETURN_URL"`

	// Generic HMAC-signed webhook relay (X-Signature header)
	WebhookHMACSecret string `envconfig:"BILLING_WEBHOOK_HMAC_SECRET"`

	// Redis backs the checkout rate limiter. Empty disables limiting.
	RedisURL                   string `envconfig:"REDIS_URL"`
	CheckoutRateLimitPerMinute int    `envconfig:"CHECKOUT_RATE_LIMIT_PER_MINUTE" default:"10"`

	// Raw webhook archive
	ArchiveS3Bucket string `envconfig:"ARCHIVE_S3_BUCKET"`
	S3URL           string `envconfig:"S3_URL"`
	S3Region        string `envconfig:"S3_REGION" default:"us-east-1"`
	S3AccessKey     string `envconfig:"S3_ACCESS_KEY"`
	S3SecretKey     string `envconfig:"S3_SECRET_KEY"`

	// Pub/Sub settings
	GCPProjectID                  string `envconfig:"GCP_PROJECT_ID"`
	PubSubNotificationTopic       string `envconfig:"PUBSUB_ENTITLEMENT_TOPIC"`
	PubSubPushAudience            string `envconfig:"PUBSUB_PUSH_AUDIENCE"`
	PubSubPushServiceAccountEmail string `envconfig:"PUBSUB_PUSH_SERVICE_ACCOUNT_EMAIL"`
	PubSubEmulatorHost            string `envconfig:"PUBSUB_EMULATOR_HOST"`

	// Outbound mail
	SMTPHost     string `envconfig:"SMTP_HOST"`
	SMTPPort     int    `envconfig:"SMTP_PORT" default:"587"`
	SMTPUsername string `envconfig:"SMTP_USERNAME"`
	SMTPPassword string `envconfig:"SMTP_PASSWORD"`
	MailSender   string `envconfig:"MAIL_SENDER" default:"no-reply@grantgate.app"`
	AppURL       string `envconfig:"APP_URL" default:"http://localhost:3000"`
}

func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks invariants envconfig tags cannot express.
func (c *Config) Validate() error {
	if c.StripeWebhookSecret == "" && c.WebhookHMACSecret == "" {
		return fmt.Errorf("one of STRIPE_WEBHOOK_SECRET or BILLING_WEBHOOK_HMAC_SECRET must be set")
	}
	if len(c.Plans()) == 0 {
		return fmt.Errorf("at least one of STRIPE_PRICE_MONTHLY or STRIPE_PRICE_ANNUAL must be set")
	}
	if _, err := url.Parse(c.CheckoutSuccessURL); err != nil {
		return fmt.Errorf("invalid CHECKOUT_SUCCESS_URL: %w", err)
	}
	if c.RequestTimeoutSec <= 0 {
		return fmt.Errorf("REQUEST_TIMEOUT_SEC must be positive")
	}
	return nil
}

// Plans maps the plan identifiers accepted by /checkout/start to Stripe price ids.
func (c *Config) Plans() map[string]string {
	plans := make(map[string]string, 2)
	if c.StripePriceMonthly != "" {
		plans["monthly"] = c.StripePriceMonthly
	}
	if c.StripePriceAnnual != "" {
		plans["annual"] = c.StripePriceAnnual
	}
	return plans
}

// SuccessURL returns the checkout success URL with the session id placeholder
// Stripe substitutes on redirect.
func (c *Config) SuccessURL() string {
	if strings.Contains(c.CheckoutSuccessURL, checkoutSessionPlaceholder) {
		return c.CheckoutSuccessURL
	}
	sep := "?"
	if strings.Contains(c.CheckoutSuccessURL, "?") {
		sep = "&"
	}
	return c.CheckoutSuccessURL + sep + "session_id=" + checkoutSessionPlaceholder
}

func (c *Config) RequestTimeout() time.Duration {
	return time.Duration(c.RequestTimeoutSec) * time.Second
}

func (c *Config) IsDevelopment() bool {
	return c.Environment == "development"
}
