// Package main is the AWS Lambda entry point. The function is subscribed to
// the inbound mail queue; each invocation processes a batch of SNS
// notifications and reports retryable units as partial batch failures.
package main

import (
	"context"
	"os"

	"github.com/aws/aws-lambda-go/lambda"

	"mailrelay/internal/app"
	"mailrelay/internal/config"
	"mailrelay/internal/queue"
	"mailrelay/internal/relay"
)

func main() {
	cfg, err := config.LoadConfig(config.NewSSMProvider(os.Getenv("AWS_REGION")))
	if err != nil {
		app.NewLogger("info").Error("failed to load configuration", "error", err.Error())
		os.Exit(1)
	}

	logger := app.NewLogger(cfg.LogLevel)
	logger.Info("relay lambda initializing (cold start)",
		"environment", cfg.Environment,
		"version", cfg.Build.Version)

	var verifier relay.Verifier
	if cfg.Relay.VerifySignatures {
		verifier = app.NewVerifier(cfg, logger)
	}

	dispatcher, err := app.BuildDispatcher(context.Background(), cfg, verifier, logger)
	if err != nil {
		logger.Error("failed to build dispatcher", "error", err.Error())
		os.Exit(1)
	}

	lambda.Start(queue.NewLambdaHandler(dispatcher, logger).Handle)
}
