// Package config defines the relay's configuration. Configuration is loaded
// once at process start and immutable thereafter, following 12-Factor
// principles.
//
// Values are resolved via a priority chain:
//
//	OS Environment (Highest) -> Dotenv File -> AWS SSM Parameter Store (Lowest)
//
// A missing required value or invalid format fails startup immediately.
package config

import (
	"time"

	"mailrelay/internal/types"
)

// SecretString aliases types.SecretString, the redacted secret type used for
// credentials so they never appear in logs or JSON output.
type SecretString = types.SecretString

// Config is the top-level configuration for all relay entry points. The
// worker, the Lambda handler, and the HTTP server each read the subsets they
// need.
type Config struct {
	Environment string `envconfig:"APP_ENV" validate:"required,oneof=local dev staging prod"`
	Service     string `envconfig:"SERVICE_NAME" default:"mailrelay"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info"`

	Relay     RelayConfig
	AWS       AWSConfig
	Directory DirectoryConfig
	Database  DatabaseConfig
	Worker    WorkerConfig
	Server    ServerConfig

	// Build metadata injected via ldflags, not env.
	Build BuildInfo
}

// RelayConfig holds the mail-handling identity of this deployment.
type RelayConfig struct {
	// Domains the relay accepts mail for. An inbound unit must address at
	// least one alias on one of these domains.
	Domains []string `envconfig:"RELAY_DOMAINS" validate:"required,min=1"`
	// FromAddress is the verified identity outbound forwards are sent from.
	FromAddress string `envconfig:"RELAY_FROM_ADDRESS" validate:"required,email"`
	// ReplyAddress is the reply endpoint; mail addressed to it enters the
	// reply protocol instead of being forwarded.
	ReplyAddress string `envconfig:"RELAY_REPLY_ADDRESS" validate:"required,email"`
	// AllowedTopics is the SNS topic ARN allow-list for inbound envelopes.
	AllowedTopics []string `envconfig:"SNS_ALLOWED_TOPICS" validate:"required,min=1"`
	// VerifySignatures toggles SNS signature verification. Must stay on for
	// HTTP ingestion; queue deployments behind a private subscription may
	// disable it.
	VerifySignatures bool `envconfig:"SNS_VERIFY_SIGNATURES" default:"true"`
}

// AWSConfig holds AWS resource identifiers and regional configuration.
type AWSConfig struct {
	Region string `envconfig:"AWS_REGION" default:"us-east-1"`

	// InboundQueueURL is required for the standalone worker; the Lambda and
	// HTTP entry points leave it empty.
	InboundQueueURL string `envconfig:"SQS_INBOUND_QUEUE" validate:"omitempty,url"`
	// ConfigurationSet is the SES configuration set applied to outbound mail.
	ConfigurationSet string `envconfig:"SES_CONFIGURATION_SET"`

	// LocalStack support (empty in prod).
	EndpointURL string `envconfig:"AWS_ENDPOINT_URL"`
}

// DirectoryConfig holds the alias directory API settings.
type DirectoryConfig struct {
	BaseURL string        `envconfig:"DIRECTORY_BASE_URL" validate:"required,url"`
	Token   SecretString  `envconfig:"DIRECTORY_TOKEN" validate:"required"`
	Timeout time.Duration `envconfig:"DIRECTORY_TIMEOUT" default:"10s"`
}

// DatabaseConfig holds the optional PostgreSQL reply-record store. When URL
// is empty, reply records are kept through the directory API instead.
type DatabaseConfig struct {
	URL SecretString `envconfig:"DATABASE_URL" validate:"omitempty,url"`

	MaxConns        int           `envconfig:"DB_MAX_CONNS" default:"10"`
	MinConns        int           `envconfig:"DB_MIN_CONNS" default:"2"`
	MaxConnLifetime time.Duration `envconfig:"DB_MAX_CONN_LIFETIME" default:"30m"`
}

// WorkerConfig holds the queue consumer tuning knobs.
type WorkerConfig struct {
	MaxMessages       int           `envconfig:"WORKER_MAX_MESSAGES" default:"10"`
	WaitTime          time.Duration `envconfig:"WORKER_WAIT_TIME" default:"20s"`
	VisibilityTimeout time.Duration `envconfig:"WORKER_VISIBILITY_TIMEOUT" default:"60s"`
	Concurrency       int           `envconfig:"WORKER_CONCURRENCY" default:"10"`
}

// ServerConfig holds the HTTP ingestion server settings.
type ServerConfig struct {
	Port string `envconfig:"PORT" default:"8080"`
}

// BuildInfo holds build-time metadata injected via ldflags. These values are
// not populated from environment variables.
type BuildInfo struct {
	Version   string
	Commit    string
	BuildTime string
}

// ConfigErrorType categorizes configuration loading failures.
type ConfigErrorType string

const (
	// ErrSSMResolution indicates a failure fetching secrets from AWS SSM.
	ErrSSMResolution ConfigErrorType = "SSM_FAILURE"
	// ErrValidation indicates the configuration failed validation rules.
	ErrValidation ConfigErrorType = "VALIDATION_FAILED"
	// ErrParsing indicates environment values could not be parsed into
	// their target types.
	ErrParsing ConfigErrorType = "PARSING_FAILED"
)
