// Package app wires the relay's dependency graph for the entry points.
// The worker, the Lambda handler, and the HTTP server all process units
// through the same dispatcher; they differ only in transport and in whether
// signature verification is mandatory.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	"github.com/jackc/pgx/v5/pgxpool"

	"mailrelay/internal/config"
	"mailrelay/internal/db"
	"mailrelay/internal/external"
	"mailrelay/internal/mailparse"
	"mailrelay/internal/relay"
	"mailrelay/internal/sns"
)

// NewLogger creates the process-wide JSON logger for the given level.
func NewLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}

// LoadAWSConfig loads the AWS SDK configuration for the configured region,
// pointing at a custom endpoint when one is set (LocalStack).
func LoadAWSConfig(ctx context.Context, cfg *config.Config) (aws.Config, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.AWS.Region),
	}
	if cfg.AWS.EndpointURL != "" {
		opts = append(opts, awsconfig.WithBaseEndpoint(cfg.AWS.EndpointURL))
	}
	return awsconfig.LoadDefaultConfig(ctx, opts...)
}

// NewVerifier creates the SNS signature verifier used by HTTP ingestion and
// by queue deployments that keep verification on.
func NewVerifier(cfg *config.Config, logger *slog.Logger) *sns.Verifier {
	return sns.NewVerifier(&http.Client{Timeout: 10 * time.Second}, cfg.AWS.Region, logger)
}

// Dispatcher bundles the wired dispatcher with the resources it owns.
type Dispatcher struct {
	*relay.Dispatcher

	pool *pgxpool.Pool
}

// Close releases owned resources. Safe to call when no pool was opened.
func (d *Dispatcher) Close() {
	if d.pool != nil {
		d.pool.Close()
	}
}

// BuildDispatcher constructs the full processing graph: directory client,
// reply-record store, blob store, extractor, both protocols, metrics, and
// the dispatcher itself. A nil verifier skips signature checking; queue
// entry points pass nil when SNS_VERIFY_SIGNATURES is off.
func BuildDispatcher(ctx context.Context, cfg *config.Config, verifier relay.Verifier, logger *slog.Logger) (*Dispatcher, error) {
	awsCfg, err := LoadAWSConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("loading AWS config: %w", err)
	}

	directory := external.NewDirectoryClient(
		external.NewBaseClient(
			&http.Client{Timeout: cfg.Directory.Timeout},
			"directory",
			external.DefaultRetryPolicy(),
			"mailrelay/"+cfg.Build.Version,
		),
		external.DirectoryClientConfig{
			BaseURL: cfg.Directory.BaseURL,
			Token:   cfg.Directory.Token,
			Logger:  logger,
		},
	)

	// Reply records live in Postgres when a DATABASE_URL is configured;
	// otherwise the directory API keeps them.
	var (
		records external.ReplyRecordStore = directory
		pool    *pgxpool.Pool
	)
	if cfg.Database.URL != "" {
		pool, err = newPool(ctx, cfg)
		if err != nil {
			return nil, err
		}
		records = db.NewReplyRecordRepository(pool)
	}

	blobs := external.NewS3BlobStore(awsCfg, logger)
	extractor := mailparse.NewExtractor(blobs, logger)
	sender := external.NewSESClient(awsCfg, external.SESClientConfig{
		ConfigSetName: cfg.AWS.ConfigurationSet,
		Logger:        logger,
	})

	forward := relay.NewForwardProtocol(directory, records, sender, extractor, relay.ForwardConfig{
		FromAddress:  cfg.Relay.FromAddress,
		ReplyAddress: cfg.Relay.ReplyAddress,
	}, logger)
	reply := relay.NewReplyProtocol(directory, records, sender, extractor, cfg.Relay.ReplyAddress, logger)

	metrics := relay.NewMetrics(cloudwatch.NewFromConfig(awsCfg), logger)

	dispatcher := relay.NewDispatcher(
		relay.DispatcherConfig{
			AllowedTopics: cfg.Relay.AllowedTopics,
			ReplyAddress:  cfg.Relay.ReplyAddress,
		},
		verifier,
		relay.NewResolver(cfg.Relay.Domains),
		forward,
		reply,
		blobs,
		metrics,
		logger,
	)

	return &Dispatcher{Dispatcher: dispatcher, pool: pool}, nil
}

func newPool(ctx context.Context, cfg *config.Config) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.Database.URL.Unmask())
	if err != nil {
		return nil, fmt.Errorf("parsing DATABASE_URL: %w", err)
	}
	poolCfg.MaxConns = int32(cfg.Database.MaxConns)
	poolCfg.MinConns = int32(cfg.Database.MinConns)
	poolCfg.MaxConnLifetime = cfg.Database.MaxConnLifetime

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("opening database pool: %w", err)
	}
	return pool, nil
}
