package cachestore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/allaspectsdev/c3voit/internal/store"
	"github.com/allaspectsdev/c3voit/internal/wire"
)

// serializedEntry is the on-disk representation of wire.CacheEntry. The
// blob format is versioned (format version is prefixed) so
// future changes to ExtractionResult's shape can be migrated explicitly.
type serializedEntry struct {
	FormatVersion  int                 `json:"format_version"`
	PartitionKey   string              `json:"partition_key"`
	Embedding      []float32           `json:"embedding"`
	CanonicalText  string              `json:"canonical_text"`
	RequiredFields []string            `json:"required_fields"`
	Result         wire.ExtractionResult `json:"result"`
	CertHistory    []wire.Certificate  `json:"cert_history"`
}

const currentFormatVersion = 1

// SQLiteBackend is the durable Backend implementation on top of the
// shared store.
type SQLiteBackend struct {
	db *store.Store
}

// NewSQLiteBackend wraps db as a cachestore.Backend.
func NewSQLiteBackend(db *store.Store) *SQLiteBackend {
	return &SQLiteBackend{db: db}
}

func (b *SQLiteBackend) Get(ctx context.Context, contentHash string) (*wire.CacheEntry, error) {
	var (
		blob             []byte
		validatorVersion int
		createdAt        string
		lastVerifiedAt   string
		revocationBit    int
	)

	err := b.db.Reader().QueryRowContext(ctx, `
		SELECT result_blob, validator_version, created_at, last_verified_at, revocation_bit
		FROM cache_entries WHERE content_hash = ?`, contentHash,
	).Scan(&blob, &validatorVersion, &createdAt, &lastVerifiedAt, &revocationBit)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("cachestore sqlite: get: %w", err)
	}

	var ser serializedEntry
	if err := json.Unmarshal(blob, &ser); err != nil {
		return nil, fmt.Errorf("cachestore sqlite: decoding blob: %w", err)
	}

	createdTime, err := time.Parse(time.RFC3339Nano, createdAt)
	if err != nil {
		return nil, fmt.Errorf("cachestore sqlite: parsing created_at: %w", err)
	}
	lastVerified, err := time.Parse(time.RFC3339Nano, lastVerifiedAt)
	if err != nil {
		return nil, fmt.Errorf("cachestore sqlite: parsing last_verified_at: %w", err)
	}

	return &wire.CacheEntry{
		Fingerprint: wire.Fingerprint{
			ContentHash:  contentHash,
			Embedding:    ser.Embedding,
			PartitionKey: ser.PartitionKey,
		},
		CanonicalText:    ser.CanonicalText,
		RequiredFields:   ser.RequiredFields,
		Result:           ser.Result,
		CreatedAt:        createdTime,
		LastVerifiedAt:   lastVerified,
		ValidatorVersion: validatorVersion,
		CertHistory:      ser.CertHistory,
		Revoked:          revocationBit != 0,
	}, nil
}

func (b *SQLiteBackend) Put(ctx context.Context, entry *wire.CacheEntry) error {
	ser := serializedEntry{
		FormatVersion:  currentFormatVersion,
		PartitionKey:   entry.Fingerprint.PartitionKey,
		Embedding:      entry.Fingerprint.Embedding,
		CanonicalText:  entry.CanonicalText,
		RequiredFields: entry.RequiredFields,
		Result:         entry.Result,
		CertHistory:    entry.CertHistory,
	}
	blob, err := json.Marshal(ser)
	if err != nil {
		return fmt.Errorf("cachestore sqlite: encoding blob: %w", err)
	}

	revoked := 0
	if entry.Revoked {
		revoked = 1
	}

	_, err = b.db.Writer().ExecContext(ctx, `
		INSERT INTO cache_entries (
			content_hash, partition_key, result_blob, format_version,
			validator_version, created_at, last_verified_at, revocation_bit
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(content_hash) DO UPDATE SET
			partition_key = excluded.partition_key,
			result_blob = excluded.result_blob,
			format_version = excluded.format_version,
			validator_version = excluded.validator_version,
			last_verified_at = excluded.last_verified_at,
			revocation_bit = excluded.revocation_bit`,
		entry.Fingerprint.ContentHash, entry.Fingerprint.PartitionKey, blob, currentFormatVersion,
		entry.ValidatorVersion,
		entry.CreatedAt.Format(time.RFC3339Nano), entry.LastVerifiedAt.Format(time.RFC3339Nano), revoked,
	)
	if err != nil {
		return fmt.Errorf("cachestore sqlite: put: %w", err)
	}
	return nil
}

func (b *SQLiteBackend) MarkRevoked(ctx context.Context, contentHash string) error {
	_, err := b.db.Writer().ExecContext(ctx,
		`UPDATE cache_entries SET revocation_bit = 1 WHERE content_hash = ?`, contentHash)
	if err != nil {
		return fmt.Errorf("cachestore sqlite: mark_revoked: %w", err)
	}
	return nil
}

func (b *SQLiteBackend) Evict(ctx context.Context, contentHash string) error {
	_, err := b.db.Writer().ExecContext(ctx,
		`DELETE FROM cache_entries WHERE content_hash = ?`, contentHash)
	if err != nil {
		return fmt.Errorf("cachestore sqlite: evict: %w", err)
	}
	return nil
}

// DeleteOlderThan removes entries whose last_verified_at predates the
// cutoff, in every partition.
func (b *SQLiteBackend) DeleteOlderThan(ctx context.Context, olderThanSeconds int64) (int64, error) {
	cutoff := time.Now().Add(-time.Duration(olderThanSeconds) * time.Second).Format(time.RFC3339Nano)
	result, err := b.db.Writer().ExecContext(ctx,
		`DELETE FROM cache_entries WHERE last_verified_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("cachestore sqlite: delete older than: %w", err)
	}
	return result.RowsAffected()
}

var _ Backend = (*SQLiteBackend)(nil)
