// Package mailparse extracts relayable content from raw RFC 5322 messages:
// the first text/plain part, the first text/html part, and every attachment,
// with an overall pre-parse size cap.
package mailparse

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"mime/multipart"
	"mime/quotedprintable"
	"net/mail"
	"strings"

	"mailrelay/internal/sns"
	"mailrelay/internal/types"
)

// MaxMessageSize is the largest raw message the relay will parse. SES caps
// inbound mail at 10 MiB; anything larger cannot be forwarded anyway.
const MaxMessageSize = 10 * 1024 * 1024

// BlobStore is the narrow blob-storage dependency of the Extractor:
// byte-range retrieval of the raw message SES deposited.
type BlobStore interface {
	Get(ctx context.Context, bucket, key string) ([]byte, error)
}

// Extractor turns a mail event into EmailContent. The raw bytes come from
// the event's inline content when present, otherwise from the blob store
// location named by the receipt action.
type Extractor struct {
	blobs  BlobStore
	logger *slog.Logger
}

// NewExtractor creates an Extractor backed by the given blob store.
func NewExtractor(blobs BlobStore, logger *slog.Logger) *Extractor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Extractor{blobs: blobs, logger: logger}
}

// Extract resolves the raw message bytes for the event and parses them.
// It fails with validation_message_too_large when the raw message exceeds
// MaxMessageSize; a message of exactly MaxMessageSize proceeds.
func (x *Extractor) Extract(ctx context.Context, event *sns.MailEvent) (*types.EmailContent, error) {
	raw, err := x.rawMessage(ctx, event)
	if err != nil {
		return nil, err
	}
	if len(raw) > MaxMessageSize {
		return nil, types.NewAppError(types.ErrCodeValidationTooLarge,
			fmt.Sprintf("message is %d bytes, limit is %d", len(raw), MaxMessageSize), nil)
	}
	return x.Parse(raw)
}

// rawMessage prefers inline notification content; otherwise it fetches the
// object named by the receipt action. A receipt without a usable S3 action
// on a non-Bounce event is a malformed receipt.
func (x *Extractor) rawMessage(ctx context.Context, event *sns.MailEvent) ([]byte, error) {
	if content, ok := event.ContentBytes(); ok {
		return content, nil
	}

	bucket, key, ok := event.BucketAndKey()
	if !ok {
		if !event.IsBounce() {
			x.logger.Error("inbound notification receipt is malformed or missing an S3 action",
				"event_kind", event.Kind())
		}
		return nil, types.NewAppError(types.ErrCodeParseBody,
			"notification carries no inline content and no blob location", nil)
	}

	return x.blobs.Get(ctx, bucket, key)
}

// Parse walks the MIME structure of a raw message. Undecodable parts are
// logged and skipped, never fatal. When only plaintext is found, HTML is
// synthesized by auto-linking URLs and converting line breaks.
func (x *Extractor) Parse(raw []byte) (*types.EmailContent, error) {
	msg, err := mail.ReadMessage(bytes.NewReader(raw))
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeParseBody,
			"raw message is not a parseable RFC 5322 message", err)
	}

	content := &types.EmailContent{}

	mediaType, params, err := mime.ParseMediaType(msg.Header.Get("Content-Type"))
	if err != nil {
		// No or unparseable Content-Type: treat the whole body as plaintext.
		mediaType, params = "text/plain", nil
	}

	if strings.HasPrefix(mediaType, "multipart/") {
		boundary := params["boundary"]
		if boundary == "" {
			return nil, types.NewAppError(types.ErrCodeParseBody,
				"multipart message missing boundary", nil)
		}
		x.walkMultipart(msg.Body, boundary, content)
	} else {
		body, err := decodeTransferEncoding(msg.Body, msg.Header.Get("Content-Transfer-Encoding"))
		if err != nil {
			return nil, types.NewAppError(types.ErrCodeParseBody,
				"failed to read message body", err)
		}
		switch mediaType {
		case "text/html":
			content.HTML = string(body)
		default:
			content.Text = string(body)
		}
	}

	if content.Text != "" && content.HTML == "" {
		content.HTML = URLizeAndLinebreaks(content.Text)
	}

	return content, nil
}

// walkMultipart consumes one multipart body, recursing into nested
// multiparts. Part-level failures are logged and skipped.
func (x *Extractor) walkMultipart(body io.Reader, boundary string, content *types.EmailContent) {
	reader := multipart.NewReader(body, boundary)

	for {
		part, err := reader.NextPart()
		if err == io.EOF {
			return
		}
		if err != nil {
			x.logger.Warn("failed to read next MIME part, stopping walk", "error", err.Error())
			return
		}

		mediaType, params, err := mime.ParseMediaType(part.Header.Get("Content-Type"))
		if err != nil {
			x.logger.Warn("unparseable part content type, skipping",
				"content_type", part.Header.Get("Content-Type"),
				"error", err.Error())
			continue
		}

		if strings.HasPrefix(mediaType, "multipart/") {
			nested := params["boundary"]
			if nested == "" {
				x.logger.Warn("nested multipart missing boundary, skipping")
				continue
			}
			x.walkMultipart(part, nested, content)
			continue
		}

		data, err := decodeTransferEncoding(part, part.Header.Get("Content-Transfer-Encoding"))
		if err != nil {
			x.logger.Warn("undecodable MIME part, skipping",
				"content_type", mediaType,
				"error", err.Error())
			continue
		}

		if isAttachment(part) {
			content.Attachments = append(content.Attachments, types.Attachment{
				Filename: attachmentFilename(part, params),
				Content:  data,
			})
			continue
		}

		switch mediaType {
		case "text/plain":
			if content.Text == "" {
				content.Text = string(data)
			}
		case "text/html":
			if content.HTML == "" {
				content.HTML = string(data)
			}
		default:
			x.logger.Warn("unhandled MIME part, skipping", "content_type", mediaType)
		}
	}
}

// isAttachment reports whether a part is flagged as an attachment via its
// Content-Disposition.
func isAttachment(part *multipart.Part) bool {
	disposition := strings.ToLower(part.Header.Get("Content-Disposition"))
	return strings.HasPrefix(disposition, "attachment")
}

// attachmentFilename extracts a filename for an attachment part, falling
// back to the Content-Type name parameter and finally a generic name, so
// every attachment survives with some handle.
func attachmentFilename(part *multipart.Part, params map[string]string) string {
	if fn := part.FileName(); fn != "" {
		return fn
	}
	if name, ok := params["name"]; ok && name != "" {
		return name
	}
	return "attachment"
}

// decodeTransferEncoding reads a body applying its Content-Transfer-Encoding.
// 7bit/8bit/binary (and unknown encodings) pass through untouched.
func decodeTransferEncoding(r io.Reader, encoding string) ([]byte, error) {
	switch strings.ToLower(strings.TrimSpace(encoding)) {
	case "base64":
		raw, err := io.ReadAll(r)
		if err != nil {
			return nil, err
		}
		cleaned := strings.NewReplacer("\r", "", "\n", "").Replace(string(raw))
		decoded, err := base64.StdEncoding.DecodeString(cleaned)
		if err != nil {
			// Some producers emit unpadded base64.
			decoded, err = base64.RawStdEncoding.DecodeString(cleaned)
			if err != nil {
				return nil, fmt.Errorf("decode base64 content: %w", err)
			}
		}
		return decoded, nil
	case "quoted-printable":
		return io.ReadAll(quotedprintable.NewReader(r))
	default:
		return io.ReadAll(r)
	}
}
