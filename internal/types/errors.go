package types

import (
	"fmt"
	"net/http"
	"strings"
)

// ErrorCode is a typed string for categorizing application errors.
type ErrorCode string

// Complete error code constants.
// All components MUST use these constants instead of hardcoded strings.
//
// The prefix of a code determines how the Dispatcher classifies the outcome:
// everything that maps below 500 is a client-side outcome (the inbound unit
// is considered handled and its backing S3 object is deleted); 5xx codes
// leave the unit in the queue for redelivery.
const (
	// Parse (400)
	ErrCodeParseEnvelope ErrorCode = "parse_envelope_not_json"
	ErrCodeParseBody     ErrorCode = "parse_message_body_not_json"

	// Validation (400)
	ErrCodeValidationTopicMissing     ErrorCode = "validation_topic_arn_missing"
	ErrCodeValidationTopicUnknown     ErrorCode = "validation_topic_arn_unknown"
	ErrCodeValidationTypeMissing      ErrorCode = "validation_message_type_missing"
	ErrCodeValidationTypeUnsupported  ErrorCode = "validation_message_type_unsupported"
	ErrCodeValidationEventUnsupported ErrorCode = "validation_event_type_unsupported"
	ErrCodeValidationBounce           ErrorCode = "validation_bounce_not_relayed"
	ErrCodeValidationNoCommonHeaders  ErrorCode = "validation_common_headers_missing"
	ErrCodeValidationNoRecipient      ErrorCode = "validation_no_relay_recipient"
	ErrCodeValidationHeaderMissing    ErrorCode = "validation_in_reply_to_missing"
	ErrCodeValidationTooLarge         ErrorCode = "validation_message_too_large"

	// Auth (401)
	ErrCodeAuthSignatureInvalid ErrorCode = "auth_sns_signature_invalid"
	ErrCodeAuthCertRejected     ErrorCode = "auth_signing_cert_rejected"

	// Policy (403)
	ErrCodePolicyDmarcReject   ErrorCode = "policy_dmarc_reject"
	ErrCodePolicySpamBlocked   ErrorCode = "policy_spam_blocked"
	ErrCodePolicyReplyPremium  ErrorCode = "policy_reply_requires_premium"
	ErrCodePolicyAliasDisabled ErrorCode = "policy_alias_disabled"
	ErrCodePolicyEmailBlocked  ErrorCode = "policy_email_blocked"

	// Not Found (404)
	ErrCodeNotFoundDestination ErrorCode = "not_found_alias_destination"
	ErrCodeNotFoundReplyRecord ErrorCode = "not_found_reply_record"
	ErrCodeNotFoundBlob        ErrorCode = "not_found_message_blob"

	// Crypto (400) - client-classified: a mismatched key or tampered blob
	// will never succeed on redelivery.
	ErrCodeCryptoDecrypt ErrorCode = "crypto_metadata_decrypt_failed"

	// Internal/Upstream (500/502/503)
	ErrCodeInternalUnexpected     ErrorCode = "internal_unexpected_error"
	ErrCodeInternalStore          ErrorCode = "internal_reply_store_error"
	ErrCodeUpstreamBlobStore      ErrorCode = "upstream_blob_store_unavailable"
	ErrCodeUpstreamDirectory      ErrorCode = "upstream_directory_unavailable"
	ErrCodeUpstreamEmailProvider  ErrorCode = "upstream_email_provider_unavailable"
	ErrCodeUpstreamRateLimited    ErrorCode = "upstream_rate_limited"
	ErrCodeUpstreamUnavailable    ErrorCode = "upstream_unavailable"
)

// HTTPStatus maps an ErrorCode to its HTTP-equivalent status code. The
// Dispatcher uses this classification to decide whether the backing message
// blob is deleted (status < 500) or kept for queue redelivery (status >= 500).
// Returns 500 for unrecognized error codes as a safe default.
func (c ErrorCode) HTTPStatus() int {
	s := string(c)
	switch {
	case strings.HasPrefix(s, "parse_"), strings.HasPrefix(s, "validation_"):
		return http.StatusBadRequest // 400
	case strings.HasPrefix(s, "auth_"):
		return http.StatusUnauthorized // 401
	case strings.HasPrefix(s, "policy_"):
		return http.StatusForbidden // 403
	case strings.HasPrefix(s, "not_found_"):
		return http.StatusNotFound // 404
	case strings.HasPrefix(s, "crypto_"):
		return http.StatusBadRequest // 400
	case s == string(ErrCodeUpstreamRateLimited), s == string(ErrCodeUpstreamBlobStore):
		// Server-classified so the queue redelivers once pressure clears.
		return http.StatusServiceUnavailable // 503
	case strings.HasPrefix(s, "upstream_"):
		return http.StatusBadGateway // 502
	case strings.HasPrefix(s, "internal_"):
		return http.StatusInternalServerError // 500
	default:
		return http.StatusInternalServerError // 500
	}
}

// AppError is the standard application error type used throughout the relay.
// All component errors are expressed as AppError to enable consistent
// outcome classification, logging, and error chain support.
type AppError struct {
	Code    ErrorCode      `json:"code"`
	Message string         `json:"message"`
	Err     error          `json:"-"`
	Details map[string]any `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *AppError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying error for errors.Is/errors.As support.
func (e *AppError) Unwrap() error {
	return e.Err
}

// HTTPStatus returns the HTTP status code corresponding to this error's code.
func (e *AppError) HTTPStatus() int {
	return e.Code.HTTPStatus()
}

// WithDetails returns a copy of the error with the provided details merged in.
// This is useful for adding context without mutating the original error.
func (e *AppError) WithDetails(details map[string]any) *AppError {
	merged := make(map[string]any, len(e.Details)+len(details))
	for k, v := range e.Details {
		merged[k] = v
	}
	for k, v := range details {
		merged[k] = v
	}
	return &AppError{
		Code:    e.Code,
		Message: e.Message,
		Err:     e.Err,
		Details: merged,
	}
}

// NewAppError creates a new AppError with the given code, message, and
// optional underlying error. This is the standard constructor.
func NewAppError(code ErrorCode, message string, err error) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}
