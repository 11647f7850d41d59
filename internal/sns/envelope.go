// Package sns provides a typed, validated view over inbound SNS
// notifications for SES-received mail, plus signature verification against
// the claimed signing certificate.
package sns

import (
	"encoding/json"
	"strings"

	"mailrelay/internal/types"
)

// Supported SNS message types.
const (
	TypeNotification             = "Notification"
	TypeSubscriptionConfirmation = "SubscriptionConfirmation"
)

// Mail event kinds the relay understands.
const (
	EventReceived = "Received"
	EventBounce   = "Bounce"
)

// Envelope is the outer SNS payload carried in the queue item body. It is
// immutable once parsed; the embedded Message is decoded lazily (at most
// once) via DecodeMailEvent.
//
// Subject is a pointer because its presence (not just its value) selects the
// canonical string used for signature verification.
type Envelope struct {
	Type           string  `json:"Type"`
	MessageID      string  `json:"MessageId"`
	Message        string  `json:"Message"`
	Subject        *string `json:"Subject,omitempty"`
	Signature      string  `json:"Signature"`
	SigningCertURL string  `json:"SigningCertURL"`
	TopicARN       string  `json:"TopicArn"`
	Timestamp      string  `json:"Timestamp"`
	SubscribeURL   string  `json:"SubscribeURL,omitempty"`
	Token          string  `json:"Token,omitempty"`

	mailEvent    *MailEvent
	mailEventErr error
	decoded      bool
}

// ParseEnvelope decodes a raw queue item body into an Envelope. It fails
// with a parse AppError when the payload is not valid JSON.
func ParseEnvelope(raw []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, types.NewAppError(types.ErrCodeParseEnvelope,
			"queue item body is not valid JSON", err)
	}
	return &env, nil
}

// DecodeMailEvent decodes the embedded Message body as a MailEvent. The
// result is memoized; repeated calls return the same value. A malformed body
// yields a parse AppError carrying the raw content for diagnosis.
func (e *Envelope) DecodeMailEvent() (*MailEvent, error) {
	if e.decoded {
		return e.mailEvent, e.mailEventErr
	}
	e.decoded = true

	var event MailEvent
	if err := json.Unmarshal([]byte(e.Message), &event); err != nil {
		e.mailEventErr = types.NewAppError(types.ErrCodeParseBody,
			"SNS notification has non-JSON message body", err).
			WithDetails(map[string]any{"content": e.Message})
		return nil, e.mailEventErr
	}
	e.mailEvent = &event
	return e.mailEvent, nil
}

// Header is a single raw mail header as echoed by SES: an ordered name/value
// pair with case-insensitive name matching.
type Header struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// CommonHeaders is the parsed convenience view SES builds from the most
// common headers. Bcc recipients are NOT echoed here; they only appear in
// the receipt's flat recipient list.
type CommonHeaders struct {
	From    []string `json:"from"`
	To      []string `json:"to"`
	Cc      []string `json:"cc"`
	Subject string   `json:"subject"`
}

// Mail holds the header views of the received message.
type Mail struct {
	Headers       []Header       `json:"headers"`
	CommonHeaders *CommonHeaders `json:"commonHeaders"`
}

// Verdict is an SES receipt verdict (dmarc, spam, virus, ...).
type Verdict struct {
	Status string `json:"status"`
}

// ReceiptAction describes where SES deposited the raw message.
type ReceiptAction struct {
	Type       string `json:"type"`
	BucketName string `json:"bucketName"`
	ObjectKey  string `json:"objectKey"`
}

// Receipt is the SES delivery receipt attached to a Received notification.
type Receipt struct {
	Recipients   []string       `json:"recipients"`
	Action       *ReceiptAction `json:"action"`
	DmarcVerdict *Verdict       `json:"dmarcVerdict"`
	SpamVerdict  *Verdict       `json:"spamVerdict"`
	DmarcPolicy  string         `json:"dmarcPolicy"`
}

// MailEvent is the decoded SNS message body for a mail notification.
// Content is a pointer: inline content is optional and its absence means the
// raw message lives in the blob store, not that the event is malformed.
type MailEvent struct {
	NotificationType string   `json:"notificationType"`
	EventType        string   `json:"eventType"`
	Mail             *Mail    `json:"mail"`
	Receipt          *Receipt `json:"receipt"`
	Content          *string  `json:"content,omitempty"`
}

// Kind returns the event kind, preferring notificationType over eventType.
func (m *MailEvent) Kind() string {
	if m.NotificationType != "" {
		return m.NotificationType
	}
	return m.EventType
}

// IsBounce reports whether either type field marks the event as a bounce.
func (m *MailEvent) IsBounce() bool {
	return m.NotificationType == EventBounce || m.EventType == EventBounce
}

// HeaderValue finds the first raw header with the given name,
// case-insensitively.
func (m *MailEvent) HeaderValue(name string) (string, bool) {
	if m.Mail == nil {
		return "", false
	}
	for _, h := range m.Mail.Headers {
		if strings.EqualFold(h.Name, name) {
			return h.Value, true
		}
	}
	return "", false
}

// ContentBytes returns the inline message content as raw bytes, if present.
func (m *MailEvent) ContentBytes() ([]byte, bool) {
	if m.Content == nil {
		return nil, false
	}
	return []byte(*m.Content), true
}

// BucketAndKey recovers the blob-store location of the raw message from the
// receipt action. ok is false when the receipt carries no usable S3 action;
// the caller decides whether that is worth logging (it is not for bounces).
func (m *MailEvent) BucketAndKey() (bucket, key string, ok bool) {
	if m.Receipt == nil || m.Receipt.Action == nil {
		return "", "", false
	}
	action := m.Receipt.Action
	if !strings.Contains(action.Type, "S3") {
		return "", "", false
	}
	return action.BucketName, action.ObjectKey, action.BucketName != "" && action.ObjectKey != ""
}

// DmarcFailedWithReject reports whether the receipt carries a failed DMARC
// verdict under a "reject" policy, which blocks relaying entirely.
func (m *MailEvent) DmarcFailedWithReject() bool {
	if m.Receipt == nil || m.Receipt.DmarcVerdict == nil {
		return false
	}
	return strings.EqualFold(m.Receipt.DmarcVerdict.Status, "FAIL") &&
		strings.EqualFold(m.Receipt.DmarcPolicy, "reject")
}

// SpamVerdictFailed reports whether SES flagged the message as spam.
func (m *MailEvent) SpamVerdictFailed() bool {
	return m.Receipt != nil && m.Receipt.SpamVerdict != nil &&
		strings.EqualFold(m.Receipt.SpamVerdict.Status, "FAIL")
}
