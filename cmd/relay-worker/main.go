// Package main is the standalone queue worker. It long-polls the inbound
// mail queue, processes each SNS notification through the dispatcher, and
// deletes units whose outcome is final. Retryable outcomes stay in the queue
// for redelivery.
package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/aws/aws-sdk-go-v2/service/sqs"

	"mailrelay/internal/app"
	"mailrelay/internal/config"
	"mailrelay/internal/queue"
	"mailrelay/internal/relay"
)

func main() {
	cfg, err := config.LoadConfig(config.NewSSMProvider(os.Getenv("AWS_REGION")))
	if err != nil {
		// Logger config may itself be broken; use a bare default.
		app.NewLogger("info").Error("failed to load configuration", "error", err.Error())
		os.Exit(1)
	}

	logger := app.NewLogger(cfg.LogLevel)
	logger.Info("relay worker starting",
		"environment", cfg.Environment,
		"version", cfg.Build.Version,
		"queue_url", cfg.AWS.InboundQueueURL)

	if cfg.AWS.InboundQueueURL == "" {
		logger.Error("SQS_INBOUND_QUEUE is required for the worker")
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var verifier relay.Verifier
	if cfg.Relay.VerifySignatures {
		verifier = app.NewVerifier(cfg, logger)
	} else {
		logger.Warn("SNS signature verification disabled; the queue subscription is trusted")
	}

	dispatcher, err := app.BuildDispatcher(ctx, cfg, verifier, logger)
	if err != nil {
		logger.Error("failed to build dispatcher", "error", err.Error())
		os.Exit(1)
	}
	defer dispatcher.Close()

	awsCfg, err := app.LoadAWSConfig(ctx, cfg)
	if err != nil {
		logger.Error("failed to load AWS config", "error", err.Error())
		os.Exit(1)
	}

	consumer := queue.NewConsumer(sqs.NewFromConfig(awsCfg), dispatcher, queue.ConsumerConfig{
		QueueURL:          cfg.AWS.InboundQueueURL,
		MaxMessages:       int32(cfg.Worker.MaxMessages),
		WaitTime:          cfg.Worker.WaitTime,
		VisibilityTimeout: cfg.Worker.VisibilityTimeout,
		Concurrency:       cfg.Worker.Concurrency,
	}, logger)

	if err := consumer.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("consumer stopped", "error", err.Error())
		os.Exit(1)
	}

	logger.Info("relay worker stopped cleanly")
}
