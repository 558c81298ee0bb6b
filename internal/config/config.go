// Package config defines the configuration of the reviewdesk services.
// Configuration is loaded once at process start and is immutable thereafter.
//
// Values are resolved via a priority chain:
//
//	OS Environment (Highest) -> Dotenv File -> Mounted secret files (_FILE)
//	-> SSM Parameter Store (_SSM_PARAM, non-local only)
//
// Any missing required value or invalid format fails startup.
package config

import (
	"time"

	"reviewdesk/internal/types"
)

// SecretString is an alias for types.SecretString, the redacted secret type used
// throughout configuration to prevent accidental logging of sensitive values.
type SecretString = types.SecretString

// Config is the top-level configuration struct. Sub-components receive only
// the config subsets they require.
type Config struct {
	// System Metadata
	Environment string `envconfig:"APP_ENV" validate:"required,oneof=local dev staging prod"`
	Service     string `envconfig:"SERVICE_NAME" default:"reviewdesk-api"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info" validate:"oneof=debug info warn error"`

	Server        ServerConfig
	Database      DatabaseConfig
	AWS           AWSConfig
	Billing       BillingConfig
	AI            AIConfig
	Usage         UsageConfig
	Security      SecurityConfig
	Observability ObservabilityConfig

	// Build Metadata (Injected via ldflags, not Env)
	Build BuildInfo
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port            string        `envconfig:"PORT" default:"8080"`
	RequestTimeout  time.Duration `envconfig:"REQUEST_TIMEOUT" default:"30s"`
	ShutdownTimeout time.Duration `envconfig:"SHUTDOWN_TIMEOUT" default:"10s"`
}

// DatabaseConfig holds database connection and pool tuning parameters.
type DatabaseConfig struct {
	URL SecretString `envconfig:"DATABASE_URL" validate:"required,url"`

	MaxConns          int32         `envconfig:"DB_MAX_CONNS" default:"10"`
	MinConns          int32         `envconfig:"DB_MIN_CONNS" default:"2"`
	MaxConnLifetime   time.Duration `envconfig:"DB_MAX_CONN_LIFETIME" default:"30m"`
	HealthCheckPeriod time.Duration `envconfig:"DB_HEALTH_CHECK_PERIOD" default:"1m"`
}

// AWSConfig holds AWS resource identifiers and regional configuration.
type AWSConfig struct {
	Region string `envconfig:"AWS_REGION" default:"us-east-1"`

	// BillingDLQURL enables the SQS dead-letter publisher when set.
	BillingDLQURL string `envconfig:"BILLING_DLQ_URL" validate:"omitempty,url"`

	// LocalStack Support (Empty in Prod)
	EndpointURL string `envconfig:"AWS_ENDPOINT_URL"`
}

// BillingConfig holds Stripe credentials and checkout settings for the API.
type BillingConfig struct {
	StripeSecretKey     SecretString `envconfig:"STRIPE_SECRET_KEY" validate:"required"`
	StripeWebhookSecret SecretString `envconfig:"STRIPE_WEBHOOK_SECRET" validate:"required"`

	PriceConfig

	CheckoutSuccessURL string `envconfig:"CHECKOUT_SUCCESS_URL" validate:"required,url"`
	CheckoutCancelURL  string `envconfig:"CHECKOUT_CANCEL_URL" validate:"required,url"`
}

// PriceConfig maps Stripe prices to catalog plans. Both the API and the
// dead-letter worker resolve prices through it.
type PriceConfig struct {
	// Price identifiers attached to the catalog plans. Checkout uses these.
	StarterPriceID  string `envconfig:"STRIPE_STARTER_PRICE_ID"`
	AdvancedPriceID string `envconfig:"STRIPE_ADVANCED_PRICE_ID" validate:"required"`

	// PriceMap adds extra price identifiers, e.g. legacy or annual prices:
	// "price_abc:advanced,price_def:starter".
	PriceMap map[string]string `envconfig:"STRIPE_PRICE_MAP"`

	// VerifyLineItems cross-checks checkout metadata against the purchased
	// line items.
	VerifyLineItems bool `envconfig:"STRIPE_VERIFY_LINE_ITEMS" default:"true"`
}

// AIConfig configures review reply generation. An empty key disables it.
type AIConfig struct {
	AnthropicAPIKey SecretString  `envconfig:"ANTHROPIC_API_KEY"`
	Model           string        `envconfig:"AI_MODEL" default:"claude-3-5-sonnet-20241022"`
	MaxTokens       int           `envconfig:"AI_MAX_TOKENS" default:"300" validate:"min=1,max=4096"`
	Timeout         time.Duration `envconfig:"AI_TIMEOUT" default:"30s"`
}

// UsageConfig selects the AI usage counter backend. Postgres is used when
// RedisURL is empty.
type UsageConfig struct {
	RedisURL SecretString `envconfig:"REDIS_URL" validate:"omitempty,url"`
}

// SecurityConfig holds operator access and identity settings.
type SecurityConfig struct {
	AdminAPIKey SecretString `envconfig:"ADMIN_API_KEY" validate:"required,min=16"`
	// IdentityHeader carries the authenticated account id set by the identity
	// proxy in front of the API.
	IdentityHeader string `envconfig:"IDENTITY_HEADER" default:"X-Account-Id"`
}

// ObservabilityConfig holds telemetry settings.
type ObservabilityConfig struct {
	MetricNamespace string `envconfig:"METRIC_NAMESPACE" default:"reviewdesk"`
	EnableMetrics   bool   `envconfig:"ENABLE_METRICS" default:"true"`
}

// WorkerConfig is the dead-letter worker's configuration. The worker never
// serves HTTP, so it carries no webhook secret, admin key or checkout URLs.
type WorkerConfig struct {
	Environment string `envconfig:"APP_ENV" validate:"required,oneof=local dev staging prod"`
	Service     string `envconfig:"SERVICE_NAME" default:"reviewdesk-deadletter-worker"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info" validate:"oneof=debug info warn error"`

	Database DatabaseConfig
	AWS      AWSConfig
	Prices   PriceConfig

	// StripeSecretKey is only needed for line-item verification. Without it
	// replays trust checkout metadata.
	StripeSecretKey SecretString `envconfig:"STRIPE_SECRET_KEY"`

	Observability ObservabilityConfig

	Build BuildInfo
}

// LineItemsEnabled reports whether replays can cross-check line items.
func (c *WorkerConfig) LineItemsEnabled() bool {
	return c.Prices.VerifyLineItems && !c.StripeSecretKey.IsZero()
}

// BuildInfo holds build-time metadata injected via ldflags.
// These values are NOT populated from environment variables.
type BuildInfo struct {
	Version   string
	Commit    string
	BuildTime string
}

// ConfigErrorType categorizes configuration loading failures to aid debugging.
type ConfigErrorType string

const (
	// ErrSecretResolution indicates a failure resolving a _FILE or
	// _SSM_PARAM pointer.
	ErrSecretResolution ConfigErrorType = "SECRET_FAILURE"
	// ErrValidation indicates the configuration failed struct validation rules.
	ErrValidation ConfigErrorType = "VALIDATION_FAILED"
	// ErrParsing indicates a failure when parsing environment variable values
	// into their target types.
	ErrParsing ConfigErrorType = "PARSING_FAILED"
)
