// Package vectorindex implements the VectorIndex collaborator:
// nearest-neighbor search over stored fingerprint embeddings, scoped by
// partition, ranked by cosine similarity.
package vectorindex

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"sort"

	"github.com/allaspectsdev/c3voit/internal/embedding"
	"github.com/allaspectsdev/c3voit/internal/store"
)

// Neighbor is one result of a Query: a stored fingerprint and its cosine
// similarity to the query embedding.
type Neighbor struct {
	ContentHash string
	Similarity  float64
}

// Index is the VectorIndex contract.
type Index interface {
	// Upsert is idempotent on content_hash.
	Upsert(ctx context.Context, partition, contentHash string, vec []float32) error
	// Query returns neighbors ordered by decreasing cosine_similarity.
	Query(ctx context.Context, partition string, vec []float32, k int) ([]Neighbor, error)
	// Remove is idempotent.
	Remove(ctx context.Context, partition, contentHash string) error
}

// SQLiteIndex is a Store-backed Index. Query is a brute-force
// per-partition scan rather than an approximate index structure: load the
// partition's rows, rank in Go. Its cost grows with the number of rows
// stored for the partition.
type SQLiteIndex struct {
	db *store.Store
}

// New constructs a SQLiteIndex backed by db.
func New(db *store.Store) *SQLiteIndex {
	return &SQLiteIndex{db: db}
}

// Upsert stores vec for (partition, contentHash), replacing any prior
// embedding for the same content_hash.
func (s *SQLiteIndex) Upsert(ctx context.Context, partition, contentHash string, vec []float32) error {
	blob := encodeVector(vec)
	_, err := s.db.Writer().ExecContext(ctx, `
		INSERT INTO vector_fingerprints (content_hash, partition_key, embedding)
		VALUES (?, ?, ?)
		ON CONFLICT(content_hash) DO UPDATE SET partition_key = excluded.partition_key, embedding = excluded.embedding`,
		contentHash, partition, blob,
	)
	if err != nil {
		return fmt.Errorf("vectorindex: upsert: %w", err)
	}
	return nil
}

// Query returns up to k neighbors in partition ranked by descending
// cosine similarity to vec.
func (s *SQLiteIndex) Query(ctx context.Context, partition string, vec []float32, k int) ([]Neighbor, error) {
	if k <= 0 {
		k = 1
	}

	rows, err := s.db.Reader().QueryContext(ctx,
		`SELECT content_hash, embedding FROM vector_fingerprints WHERE partition_key = ?`, partition)
	if err != nil {
		return nil, fmt.Errorf("vectorindex: query: %w", err)
	}
	defer rows.Close()

	var neighbors []Neighbor
	for rows.Next() {
		var hash string
		var blob []byte
		if err := rows.Scan(&hash, &blob); err != nil {
			return nil, fmt.Errorf("vectorindex: scanning row: %w", err)
		}
		candidate := decodeVector(blob)
		sim := embedding.CosineSimilarity(vec, candidate)
		neighbors = append(neighbors, Neighbor{ContentHash: hash, Similarity: sim})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("vectorindex: iterating rows: %w", err)
	}

	sort.Slice(neighbors, func(i, j int) bool {
		return neighbors[i].Similarity > neighbors[j].Similarity
	})
	if len(neighbors) > k {
		neighbors = neighbors[:k]
	}
	return neighbors, nil
}

// Remove deletes the stored embedding for (partition, contentHash), if any.
func (s *SQLiteIndex) Remove(ctx context.Context, partition, contentHash string) error {
	_, err := s.db.Writer().ExecContext(ctx,
		`DELETE FROM vector_fingerprints WHERE partition_key = ? AND content_hash = ?`, partition, contentHash)
	if err != nil {
		return fmt.Errorf("vectorindex: remove: %w", err)
	}
	return nil
}

func encodeVector(vec []float32) []byte {
	buf := make([]byte, 4*len(vec))
	for i, f := range vec {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

func decodeVector(buf []byte) []float32 {
	vec := make([]float32, len(buf)/4)
	for i := range vec {
		vec[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[i*4:]))
	}
	return vec
}

var _ Index = (*SQLiteIndex)(nil)
