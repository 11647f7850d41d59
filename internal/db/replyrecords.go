package db

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"

	"mailrelay/internal/external"
	"mailrelay/internal/types"
)

// ReplyRecordRepository persists reply records in the reply_records table:
// create-by-key and read-by-key only, never updated in place. Reading a
// record written in the same flow is consistent on a single primary.
type ReplyRecordRepository struct {
	db DBTX
}

// NewReplyRecordRepository creates a ReplyRecordRepository backed by the
// given connection (pool or transaction).
func NewReplyRecordRepository(db DBTX) *ReplyRecordRepository {
	return &ReplyRecordRepository{db: db}
}

// CreateReplyRecord inserts a record under its lookup token. A conflicting
// token is left untouched: redelivery of a unit that already sent must not
// overwrite the record its recipient may already be replying to.
func (r *ReplyRecordRepository) CreateReplyRecord(ctx context.Context, record types.ReplyRecord) error {
	_, err := r.db.Exec(ctx,
		`INSERT INTO reply_records (lookup, encrypted_metadata, created_at)
		 VALUES ($1, $2, NOW())
		 ON CONFLICT (lookup) DO NOTHING`,
		record.Lookup,
		record.EncryptedMetadata,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalStore, "failed to create reply record", err)
	}
	return nil
}

// ReplyRecordByLookup returns the record stored under the token, or nil when
// none exists.
func (r *ReplyRecordRepository) ReplyRecordByLookup(ctx context.Context, lookup string) (*types.ReplyRecord, error) {
	row := r.db.QueryRow(ctx,
		`SELECT encrypted_metadata FROM reply_records WHERE lookup = $1`,
		lookup,
	)

	record := types.ReplyRecord{Lookup: lookup}
	if err := row.Scan(&record.EncryptedMetadata); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, types.NewAppError(types.ErrCodeInternalStore, "failed to read reply record", err)
	}
	return &record, nil
}

// Compile-time assertion that the repository satisfies ReplyRecordStore.
var _ external.ReplyRecordStore = (*ReplyRecordRepository)(nil)
