// Package calibration implements the CalibrationLog collaborator: an
// append-only, partition-scoped record of nonconformity scores from which
// C3Engine derives the conformal risk quantile τ via a finite-sample-
// corrected empirical quantile over the partition's rolling window.
package calibration

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/allaspectsdev/c3voit/internal/store"
	"github.com/allaspectsdev/c3voit/internal/wire"
)

// NegativeInfinity is returned by Quantile when a partition has fewer than
// n_min samples: with too little calibration evidence no nonconformity
// score can clear the threshold, so the engine reuses on exact match only.
var NegativeInfinity = math.Inf(-1)

// Log is the CalibrationLog contract.
type Log interface {
	// Append records a new sample. Appends are monotonic per partition.
	Append(ctx context.Context, sample wire.CalibrationSample) error
	// Quantile returns the empirical (1-delta)-quantile of nonconformity
	// scores in partition's rolling window, or NegativeInfinity if the
	// window holds fewer than nMin samples.
	Quantile(ctx context.Context, partition string, delta float64, window, nMin int) (float64, error)
	// WindowSize reports how many samples partition currently holds; the
	// engine records it in certificates as calibration_n.
	WindowSize(ctx context.Context, partition string) (int, error)
}

// SQLiteLog is a Store-backed Log. Each partition's rolling window is
// enforced on read: Quantile only considers the most recent `window`
// samples, ordered by timestamp, without requiring a separate trim pass —
// append-only storage keeps history for audit while the conformal
// calculation stays bounded. WindowSize counts every stored sample of the
// partition, not only those inside the window.
type SQLiteLog struct {
	db *store.Store
}

// New constructs a SQLiteLog backed by db.
func New(db *store.Store) *SQLiteLog {
	return &SQLiteLog{db: db}
}

func (l *SQLiteLog) Append(ctx context.Context, sample wire.CalibrationSample) error {
	_, err := l.db.Writer().ExecContext(ctx, `
		INSERT INTO calibration_samples (partition_key, nonconformity_score, label, timestamp)
		VALUES (?, ?, ?, ?)`,
		sample.PartitionKey, sample.Nonconformity, string(sample.Label), sample.Timestamp.Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("calibration: append: %w", err)
	}
	return nil
}

// windowScores returns the nonconformity scores of the most recent
// `window` samples for partition, newest first trimmed then returned in
// ascending score order for quantile computation.
func (l *SQLiteLog) windowScores(ctx context.Context, partition string, window int) ([]float64, error) {
	rows, err := l.db.Reader().QueryContext(ctx, `
		SELECT nonconformity_score FROM calibration_samples
		WHERE partition_key = ?
		ORDER BY timestamp DESC, id DESC
		LIMIT ?`, partition, window)
	if err != nil {
		return nil, fmt.Errorf("calibration: querying window: %w", err)
	}
	defer rows.Close()

	var scores []float64
	for rows.Next() {
		var s float64
		if err := rows.Scan(&s); err != nil {
			return nil, fmt.Errorf("calibration: scanning score: %w", err)
		}
		scores = append(scores, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("calibration: iterating window: %w", err)
	}

	sort.Float64s(scores)
	return scores, nil
}

func (l *SQLiteLog) Quantile(ctx context.Context, partition string, delta float64, window, nMin int) (float64, error) {
	scores, err := l.windowScores(ctx, partition, window)
	if err != nil {
		return 0, err
	}
	return computeQuantile(scores, delta, nMin), nil
}

func (l *SQLiteLog) WindowSize(ctx context.Context, partition string) (int, error) {
	var n int
	err := l.db.Reader().QueryRowContext(ctx,
		`SELECT COUNT(*) FROM calibration_samples WHERE partition_key = ?`, partition).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("calibration: window_size: %w", err)
	}
	return n, nil
}

// computeQuantile computes the empirical (1-delta)-quantile
// with finite-sample correction ceil((n+1)(1-delta))/n, clamped to n. When
// n < nMin, returns NegativeInfinity.
func computeQuantile(sortedScores []float64, delta float64, nMin int) float64 {
	n := len(sortedScores)
	if n < nMin {
		return NegativeInfinity
	}

	rank := int(math.Ceil(float64(n+1) * (1 - delta)))
	if rank > n {
		rank = n
	}
	if rank < 1 {
		rank = 1
	}
	return sortedScores[rank-1]
}

var _ Log = (*SQLiteLog)(nil)
