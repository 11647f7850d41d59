package external

import (
	"context"

	"mailrelay/internal/types"
)

// ---------------------------------------------------------------------------
// Directory / billing API
// ---------------------------------------------------------------------------

// DirectoryService abstracts the relay directory API: alias resolution,
// account plan lookup, and per-alias statistics. Always queried fresh; the
// relay keeps no local cache of alias mappings.
type DirectoryService interface {
	// ResolveDestination returns the real mailbox behind an alias, or ""
	// when the directory knows no such alias. An error means the directory
	// was unreachable, not that the alias is absent.
	ResolveDestination(ctx context.Context, alias string) (string, error)

	// GetPlan returns the billing/feature plan for an address, or nil when
	// the directory has no plan information for it.
	GetPlan(ctx context.Context, address string) (*types.AliasPlan, error)

	// ReportStatistic increments a per-alias counter. Best-effort: callers
	// log failures and move on.
	ReportStatistic(ctx context.Context, alias string, stat types.StatisticType) error
}

// ReplyRecordStore abstracts the reply-record store: create-by-key and
// read-by-key only, never updated in place. Read-after-write consistency is
// assumed (a record written after a forward must be visible to a later
// reply lookup).
type ReplyRecordStore interface {
	// CreateReplyRecord persists a new record under its lookup token.
	CreateReplyRecord(ctx context.Context, record types.ReplyRecord) error

	// ReplyRecordByLookup returns the record stored under the token, or nil
	// when none exists (unknown or expired reference).
	ReplyRecordByLookup(ctx context.Context, lookup string) (*types.ReplyRecord, error)
}

// ---------------------------------------------------------------------------
// Email delivery (AWS SES)
// ---------------------------------------------------------------------------

// EmailSender abstracts outbound mail transmission. Implementations return
// the provider's message id, which seeds the next reply-record derivation.
type EmailSender interface {
	Send(ctx context.Context, msg types.OutboundEmail) (providerMessageID string, err error)
}

// ---------------------------------------------------------------------------
// Blob storage (AWS S3)
// ---------------------------------------------------------------------------

// BlobStorage abstracts the object store holding raw inbound messages.
type BlobStorage interface {
	// Get fetches an object. A missing object maps to a not_found AppError,
	// distinguished from transport failures.
	Get(ctx context.Context, bucket, key string) ([]byte, error)

	// Delete removes an object. Deleting an already-absent object is not an
	// error.
	Delete(ctx context.Context, bucket, key string) error
}
