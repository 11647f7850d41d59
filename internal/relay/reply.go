package relay

import (
	"context"
	"log/slog"
	"strings"

	"mailrelay/internal/external"
	"mailrelay/internal/mailparse"
	"mailrelay/internal/replykeys"
	"mailrelay/internal/sns"
	"mailrelay/internal/types"
)

// ReplyProtocol handles inbound mail addressed to the reply endpoint: it
// recovers the original conversation from the stored reply record, checks
// that one side of the conversation is on a premium plan, and re-sends the
// current message to the real participant with no banner wrapping.
type ReplyProtocol struct {
	directory    external.DirectoryService
	records      external.ReplyRecordStore
	sender       external.EmailSender
	extractor    *mailparse.Extractor
	replyAddress string
	logger       *slog.Logger
}

// NewReplyProtocol wires a ReplyProtocol from its collaborators.
func NewReplyProtocol(
	directory external.DirectoryService,
	records external.ReplyRecordStore,
	sender external.EmailSender,
	extractor *mailparse.Extractor,
	replyAddress string,
	logger *slog.Logger,
) *ReplyProtocol {
	if logger == nil {
		logger = slog.Default()
	}
	return &ReplyProtocol{
		directory:    directory,
		records:      records,
		sender:       sender,
		extractor:    extractor,
		replyAddress: replyAddress,
		logger:       logger,
	}
}

// Handle processes one inbound reply. A nil return means the reply was
// re-sent to the original participant and a fresh record registered so the
// thread can continue.
func (r *ReplyProtocol) Handle(ctx context.Context, event *sns.MailEvent) error {
	inReplyTo, ok := event.HeaderValue("In-Reply-To")
	if !ok {
		return types.NewAppError(types.ErrCodeValidationHeaderMissing,
			"reply has no In-Reply-To header", nil)
	}

	lookupKey, encryptionKey := replykeys.DeriveReplyKeys(replykeys.MessageIDBytes(inReplyTo))

	record, err := r.records.ReplyRecordByLookup(ctx, replykeys.LookupToken(lookupKey))
	if err != nil {
		return err
	}
	if record == nil {
		return types.NewAppError(types.ErrCodeNotFoundReplyRecord,
			"unknown or stale In-Reply-To reference", nil)
	}

	metadata, err := replykeys.DecryptMetadata(encryptionKey, record.EncryptedMetadata)
	if err != nil {
		return err
	}

	destination := metadata["reply-to"]
	if destination == "" {
		destination = metadata["from"]
	}
	destination = bareAddress(destination)

	// The stored "to" holds the alias the original mail arrived on; the
	// reply goes back out under that identity.
	outboundFrom := strings.TrimSpace(strings.Split(metadata["to"], ",")[0])

	replierFrom := ""
	if headers := event.Mail.CommonHeaders; len(headers.From) > 0 {
		replierFrom = bareAddress(headers.From[0])
	}
	if err := r.authorize(ctx, replierFrom, destination); err != nil {
		return err
	}

	content, err := r.extractor.Extract(ctx, event)
	if err != nil {
		return err
	}

	messageID, err := r.sender.Send(ctx, types.OutboundEmail{
		From:        outboundFrom,
		To:          destination,
		ReplyTo:     r.replyAddress,
		Subject:     event.Mail.CommonHeaders.Subject,
		Text:        content.Text,
		HTML:        content.HTML,
		Attachments: content.Attachments,
	})
	if err != nil {
		return err
	}

	// Register a record for the new outbound id so the other side can keep
	// the thread going. Failure is logged only: the send already happened.
	if err := storeReplyRecord(ctx, r.records, messageID, replyMetadata(event)); err != nil {
		r.logger.Error("failed to store reply record after reply",
			"destination", RedactEmail(destination),
			"error", err.Error())
	}

	r.logger.Info("relayed reply to original participant",
		"destination", RedactEmail(destination),
		"attachments", len(content.Attachments))
	return nil
}

// authorize permits the reply when the replying account or the destination
// account is premium. A missing plan counts as not premium.
func (r *ReplyProtocol) authorize(ctx context.Context, from, destination string) error {
	for _, address := range []string{from, destination} {
		if address == "" {
			continue
		}
		plan, err := r.directory.GetPlan(ctx, address)
		if err != nil {
			return err
		}
		if plan != nil && plan.IsPremium {
			return nil
		}
	}
	return types.NewAppError(types.ErrCodePolicyReplyPremium,
		"relay replies require a premium account", nil)
}
