// Package types defines the shared domain types, error taxonomy, and
// security primitives used across the relay. It has no dependencies on other
// internal packages so that every layer can import it.
package types

import "errors"

// Attachment is a single MIME attachment extracted from an inbound message
// and carried unmodified onto the outbound message.
type Attachment struct {
	Filename string
	Content  []byte
}

// EmailContent is the result of extracting an inbound MIME message:
// optional plaintext, optional HTML, and the ordered attachment list.
type EmailContent struct {
	Text        string
	HTML        string
	Attachments []Attachment
}

// ReplyRecord is the stored artifact that lets a forwarded mail be replied
// to without exposing the real participants. It is created once per outbound
// relay send and read once per inbound reply; the store owns expiry.
type ReplyRecord struct {
	// Lookup is the derived, URL-safe token indexing the record.
	Lookup string `json:"lookup"`
	// EncryptedMetadata is the opaque AEAD blob holding the minimal
	// re-targeting identity (message-id, from, reply-to, to).
	EncryptedMetadata string `json:"encrypted_metadata"`
}

// AliasPlan describes the billing/feature state of a relay alias as reported
// by the directory API. A nil *AliasPlan means the directory has no plan
// information for the address (external sender, lookup failure).
type AliasPlan struct {
	IsPremium bool `json:"is_premium"`
	Enabled   bool `json:"enabled"`
	BlockSpam bool `json:"block_spam"`
}

// StatisticType enumerates the per-alias counters reported to the directory API.
type StatisticType string

const (
	StatForwarded StatisticType = "forwarded"
	StatBlockSpam StatisticType = "block_spam"
)

// OutboundEmail is the provider-independent outbound message handed to the
// email sender. From and ReplyTo are full header values; To is a bare address.
type OutboundEmail struct {
	From        string
	To          string
	ReplyTo     string
	Subject     string
	Text        string
	HTML        string
	Attachments []Attachment
}

// Outcome is the terminal classification of one inbound unit. Status uses
// HTTP-equivalent codes: anything below 500 means the unit is handled (its
// backing blob is deleted); 500 and above leaves it for queue redelivery.
type Outcome struct {
	Status  int
	Message string
	Err     error
}

// Retryable reports whether the outer queue should redeliver the unit.
func (o Outcome) Retryable() bool {
	return o.Status >= 500
}

// OutcomeOK returns a successful (handled) outcome.
func OutcomeOK(message string) Outcome {
	return Outcome{Status: 200, Message: message}
}

// OutcomeFromError classifies an error into an Outcome. AppErrors map through
// their code's HTTP status; anything else is an internal server error so the
// unit stays in the queue.
func OutcomeFromError(err error) Outcome {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return Outcome{Status: appErr.HTTPStatus(), Message: appErr.Message, Err: appErr}
	}
	return Outcome{Status: 500, Message: "unexpected error", Err: err}
}
