package relay

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"mailrelay/internal/external"
	"mailrelay/internal/sns"
	"mailrelay/internal/types"
)

// Verifier authenticates an envelope against its claimed signing
// certificate. It is an optional gate: queue deployments trust the queue,
// HTTP ingestion must verify.
type Verifier interface {
	Verify(ctx context.Context, env *sns.Envelope) bool
}

// DispatcherConfig holds the validation parameters of the Dispatcher.
type DispatcherConfig struct {
	// AllowedTopics is the SNS topic ARN allow-list.
	AllowedTopics []string
	// ReplyAddress routes matching recipients into the ReplyProtocol.
	ReplyAddress string
}

// Dispatcher is the top-level state machine for one inbound unit:
// validate the envelope, classify the mail event, route to the Reply or
// Forward protocol, then clean up the backing blob for every outcome that
// will not be redelivered.
type Dispatcher struct {
	cfg      DispatcherConfig
	topics   map[string]bool
	verifier Verifier
	resolver *Resolver
	forward  *ForwardProtocol
	reply    *ReplyProtocol
	blobs    external.BlobStorage
	metrics  *Metrics
	logger   *slog.Logger
}

// NewDispatcher wires a Dispatcher. verifier and metrics may be nil; a nil
// verifier skips signature checking (queue-trusted deployments).
func NewDispatcher(
	cfg DispatcherConfig,
	verifier Verifier,
	resolver *Resolver,
	forward *ForwardProtocol,
	reply *ReplyProtocol,
	blobs external.BlobStorage,
	metrics *Metrics,
	logger *slog.Logger,
) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	topics := make(map[string]bool, len(cfg.AllowedTopics))
	for _, arn := range cfg.AllowedTopics {
		topics[arn] = true
	}
	return &Dispatcher{
		cfg:      cfg,
		topics:   topics,
		verifier: verifier,
		resolver: resolver,
		forward:  forward,
		reply:    reply,
		blobs:    blobs,
		metrics:  metrics,
		logger:   logger,
	}
}

// Process handles one raw queue item body end to end and returns its
// terminal outcome. Outcomes below 500 are final: the backing blob is
// deleted and the unit must not be redelivered.
func (d *Dispatcher) Process(ctx context.Context, raw []byte) types.Outcome {
	start := time.Now()

	outcome, event, result := d.process(ctx, raw)

	if event != nil && !outcome.Retryable() {
		d.cleanup(ctx, event)
	}
	d.metrics.RecordProcessed(ctx, result, time.Since(start))

	if outcome.Err != nil {
		level := slog.LevelWarn
		if outcome.Retryable() {
			level = slog.LevelError
		}
		d.logger.Log(ctx, level, "inbound unit not relayed",
			"status", outcome.Status,
			"message", outcome.Message,
			"error", outcome.Err.Error())
	}
	return outcome
}

func (d *Dispatcher) process(ctx context.Context, raw []byte) (types.Outcome, *sns.MailEvent, string) {
	env, err := sns.ParseEnvelope(raw)
	if err != nil {
		return types.OutcomeFromError(err), nil, ResultRejected
	}

	if err := d.validateEnvelope(env); err != nil {
		return types.OutcomeFromError(err), nil, ResultRejected
	}

	if d.verifier != nil && !d.verifier.Verify(ctx, env) {
		err := types.NewAppError(types.ErrCodeAuthSignatureInvalid,
			"SNS signature verification failed", nil)
		return types.OutcomeFromError(err), nil, ResultRejected
	}

	if env.Type == sns.TypeSubscriptionConfirmation {
		d.logger.Info("SNS subscription confirmation received",
			"subscribe_url", env.SubscribeURL,
			"topic_arn", env.TopicARN)
		return types.OutcomeOK("logged SubscribeURL"), nil, ResultConfirmed
	}

	event, err := env.DecodeMailEvent()
	if err != nil {
		return types.OutcomeFromError(err), nil, ResultRejected
	}

	if err := d.classify(event); err != nil {
		return types.OutcomeFromError(err), event, ResultRejected
	}

	alias, err := d.resolver.Resolve(event)
	if err != nil {
		return types.OutcomeFromError(err), event, ResultRejected
	}

	if strings.EqualFold(alias, d.cfg.ReplyAddress) {
		if err := d.reply.Handle(ctx, event); err != nil {
			return types.OutcomeFromError(err), event, resultFor(err)
		}
		return types.OutcomeOK("reply relayed"), event, ResultReplied
	}

	if err := d.forward.Handle(ctx, event, alias); err != nil {
		return types.OutcomeFromError(err), event, resultFor(err)
	}
	return types.OutcomeOK("mail forwarded"), event, ResultForwarded
}

// validateEnvelope is the Unvalidated -> Verified transition: the topic must
// be allow-listed and the message type supported.
func (d *Dispatcher) validateEnvelope(env *sns.Envelope) error {
	switch {
	case env.TopicARN == "":
		return types.NewAppError(types.ErrCodeValidationTopicMissing,
			"SNS request has no topic ARN", nil)
	case !d.topics[env.TopicARN]:
		return types.NewAppError(types.ErrCodeValidationTopicUnknown,
			fmt.Sprintf("SNS message for wrong topic %s", env.TopicARN), nil)
	case env.Type == "":
		return types.NewAppError(types.ErrCodeValidationTypeMissing,
			"SNS request has no message type", nil)
	case env.Type != sns.TypeNotification && env.Type != sns.TypeSubscriptionConfirmation:
		return types.NewAppError(types.ErrCodeValidationTypeUnsupported,
			fmt.Sprintf("SNS message type %q is not supported", env.Type), nil)
	}
	return nil
}

// classify is the Verified -> Classified transition: only Received mail
// with common headers and a passing DMARC gate moves on to the protocols.
func (d *Dispatcher) classify(event *sns.MailEvent) error {
	if event.IsBounce() {
		return types.NewAppError(types.ErrCodeValidationBounce,
			"bounce messages are not relayed", nil)
	}
	if event.Kind() != sns.EventReceived {
		return types.NewAppError(types.ErrCodeValidationEventUnsupported,
			fmt.Sprintf("event type %q is not relayed", event.Kind()), nil)
	}
	if event.Mail == nil || event.Mail.CommonHeaders == nil {
		d.logger.Error("SNS notification without commonHeaders")
		return types.NewAppError(types.ErrCodeValidationNoCommonHeaders,
			"notification carries no commonHeaders", nil)
	}
	if event.DmarcFailedWithReject() {
		return types.NewAppError(types.ErrCodePolicyDmarcReject,
			"DMARC failure, policy is reject", nil)
	}
	return nil
}

// cleanup deletes the backing blob of a handled unit. Deletion failures are
// logged; the worst case is an orphaned object, never a lost mail.
func (d *Dispatcher) cleanup(ctx context.Context, event *sns.MailEvent) {
	bucket, key, ok := event.BucketAndKey()
	if !ok {
		return
	}
	if err := d.blobs.Delete(ctx, bucket, key); err != nil {
		d.logger.Error("failed to delete handled message blob",
			"bucket", bucket,
			"key", key,
			"error", err.Error())
	}
}

// resultFor maps a handling error to its metric result dimension.
func resultFor(err error) string {
	if types.OutcomeFromError(err).Retryable() {
		return ResultRetryable
	}
	return ResultRejected
}
