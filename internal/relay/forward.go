package relay

import (
	"context"
	"fmt"
	"log/slog"

	"mailrelay/internal/external"
	"mailrelay/internal/mailparse"
	"mailrelay/internal/sns"
	"mailrelay/internal/types"
)

// ForwardConfig holds the sending identity for forwarded mail.
type ForwardConfig struct {
	// FromAddress is the service's own sending address (relay@<domain>).
	// The original sender survives in the display name only; the mailbox
	// must stay on the service domain or DMARC breaks.
	FromAddress string
	// ReplyAddress is the reply endpoint. Every forwarded mail carries it
	// as Reply-To so the recipient's reply routes back through the relay.
	ReplyAddress string
}

// ForwardProtocol handles inbound mail addressed to an alias: resolves the
// alias to its real mailbox, applies plan gating, wraps the content with the
// relay banner, sends, and registers a reply record for the outbound message.
type ForwardProtocol struct {
	directory external.DirectoryService
	records   external.ReplyRecordStore
	sender    external.EmailSender
	extractor *mailparse.Extractor
	cfg       ForwardConfig
	logger    *slog.Logger
}

// NewForwardProtocol wires a ForwardProtocol from its collaborators.
func NewForwardProtocol(
	directory external.DirectoryService,
	records external.ReplyRecordStore,
	sender external.EmailSender,
	extractor *mailparse.Extractor,
	cfg ForwardConfig,
	logger *slog.Logger,
) *ForwardProtocol {
	if logger == nil {
		logger = slog.Default()
	}
	return &ForwardProtocol{
		directory: directory,
		records:   records,
		sender:    sender,
		extractor: extractor,
		cfg:       cfg,
		logger:    logger,
	}
}

// Handle forwards the inbound message addressed to alias. A nil return means
// the mail was relayed and a reply record registered.
func (f *ForwardProtocol) Handle(ctx context.Context, event *sns.MailEvent, alias string) error {
	destination, err := f.directory.ResolveDestination(ctx, alias)
	if err != nil {
		return err
	}
	if destination == "" {
		return types.NewAppError(types.ErrCodeNotFoundDestination,
			fmt.Sprintf("destination does not exist for %s", RedactEmail(alias)), nil)
	}

	if err := f.checkPlan(ctx, event, alias); err != nil {
		return err
	}

	content, err := f.extractor.Extract(ctx, event)
	if err != nil {
		return err
	}

	headers := event.Mail.CommonHeaders
	originalFrom := ""
	if len(headers.From) > 0 {
		originalFrom = bareAddress(headers.From[0])
	}

	msg := types.OutboundEmail{
		From:        relayFromHeader(originalFrom, f.cfg.FromAddress),
		To:          destination,
		ReplyTo:     f.cfg.ReplyAddress,
		Subject:     headers.Subject,
		Attachments: content.Attachments,
	}
	if content.HTML != "" {
		msg.HTML = WrapHTML(content.HTML)
	}
	if content.Text != "" {
		msg.Text = TextNotice(alias) + content.Text
	}

	messageID, err := f.sender.Send(ctx, msg)
	if err != nil {
		return err
	}

	// The send already happened; failing the unit now would re-send on
	// redelivery. Record and statistic failures are logged only.
	if err := storeReplyRecord(ctx, f.records, messageID, replyMetadata(event)); err != nil {
		f.logger.Error("failed to store reply record after forward",
			"alias", RedactEmail(alias),
			"error", err.Error())
	}
	if err := f.directory.ReportStatistic(ctx, alias, types.StatForwarded); err != nil {
		f.logger.Warn("failed to report forwarded statistic",
			"alias", RedactEmail(alias),
			"error", err.Error())
	}

	f.logger.Info("forwarded mail to alias destination",
		"alias", RedactEmail(alias),
		"destination", RedactEmail(destination),
		"attachments", len(content.Attachments))
	return nil
}

// checkPlan applies the alias plan gates: a disabled alias rejects, and a
// spam-flagged message on a block_spam alias is dropped with a statistic.
// Plan lookup failures are logged and ignored so mail keeps flowing when the
// directory cannot answer.
func (f *ForwardProtocol) checkPlan(ctx context.Context, event *sns.MailEvent, alias string) error {
	plan, err := f.directory.GetPlan(ctx, alias)
	if err != nil {
		f.logger.Warn("plan lookup failed, forwarding without gating",
			"alias", RedactEmail(alias),
			"error", err.Error())
		return nil
	}
	if plan == nil {
		return nil
	}

	if !plan.Enabled {
		return types.NewAppError(types.ErrCodePolicyAliasDisabled,
			fmt.Sprintf("alias %s has forwarding disabled", RedactEmail(alias)), nil)
	}

	if plan.BlockSpam && event.SpamVerdictFailed() {
		if err := f.directory.ReportStatistic(ctx, alias, types.StatBlockSpam); err != nil {
			f.logger.Warn("failed to report block_spam statistic",
				"alias", RedactEmail(alias),
				"error", err.Error())
		}
		return types.NewAppError(types.ErrCodePolicySpamBlocked,
			fmt.Sprintf("alias %s blocks mail with a failed spam verdict", RedactEmail(alias)), nil)
	}

	return nil
}

// relayFromHeader builds the outbound From header: the original sender's
// address survives in the display name while the mailbox is the service's
// own sending address, so the recipient sees who wrote and replies still
// route through the relay.
func relayFromHeader(originalFrom, fromAddress string) string {
	if originalFrom == "" {
		return fromAddress
	}
	return fmt.Sprintf("%q <%s>", originalFrom+" [via relay]", fromAddress)
}
