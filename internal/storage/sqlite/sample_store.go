package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/oralable/oralytics/internal/sensor"
)

// SampleStore handles persistence of raw sensor samples to SQLite.
type SampleStore struct {
	db *DB
}

// NewSampleStore creates a new SampleStore with the given database connection.
func NewSampleStore(db *DB) *SampleStore {
	return &SampleStore{db: db}
}

const insertSample = `INSERT OR IGNORE INTO sensor_samples
	(timestamp_ns, kind, value, accel_x, accel_y, accel_z, quality)
	VALUES (?, ?, ?, ?, ?, ?, ?)`

// SaveBatch persists samples in a single transaction. Samples whose identity
// is already stored are skipped. Returns the number of rows inserted.
func (s *SampleStore) SaveBatch(ctx context.Context, samples []sensor.Sample) (int64, error) {
	if len(samples) == 0 {
		return 0, nil
	}

	tx, err := s.db.conn.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, insertSample)
	if err != nil {
		return 0, fmt.Errorf("failed to prepare statement: %w", err)
	}
	defer stmt.Close()

	var inserted int64
	for _, smp := range samples {
		if err := smp.Validate(); err != nil {
			continue
		}
		var ax, ay, az sql.NullFloat64
		if smp.Kind == sensor.KindAccelerometer {
			ax = sql.NullFloat64{Float64: smp.Accel.X, Valid: true}
			ay = sql.NullFloat64{Float64: smp.Accel.Y, Valid: true}
			az = sql.NullFloat64{Float64: smp.Accel.Z, Valid: true}
		}
		var q sql.NullFloat64
		if smp.Quality != nil {
			q = sql.NullFloat64{Float64: *smp.Quality, Valid: true}
		}

		res, err := stmt.ExecContext(ctx, smp.Timestamp.UnixNano(), smp.Kind.String(), smp.Value, ax, ay, az, q)
		if err != nil {
			return 0, fmt.Errorf("failed to insert sample: %w", err)
		}
		if n, err := res.RowsAffected(); err == nil {
			inserted += n
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit transaction: %w", err)
	}

	return inserted, nil
}

// Range returns samples with from <= timestamp < to ordered by (timestamp,
// kind). When kinds is non-empty only those kinds are returned.
func (s *SampleStore) Range(ctx context.Context, from, to time.Time, kinds ...sensor.Kind) ([]sensor.Sample, error) {
	if !from.Before(to) {
		return nil, nil
	}

	query := `
		SELECT timestamp_ns, kind, value, accel_x, accel_y, accel_z, quality
		FROM sensor_samples
		WHERE timestamp_ns >= ? AND timestamp_ns < ?`
	args := []any{from.UnixNano(), to.UnixNano()}

	if len(kinds) > 0 {
		placeholders := make([]string, len(kinds))
		for i, k := range kinds {
			placeholders[i] = "?"
			args = append(args, k.String())
		}
		query += fmt.Sprintf(" AND kind IN (%s)", strings.Join(placeholders, ","))
	}
	query += " ORDER BY timestamp_ns ASC"

	rows, err := s.db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query samples: %w", err)
	}
	defer rows.Close()

	return scanSamples(rows)
}

// Latest returns the most recent stored sample.
func (s *SampleStore) Latest(ctx context.Context) (sensor.Sample, bool, error) {
	query := `
		SELECT timestamp_ns, kind, value, accel_x, accel_y, accel_z, quality
		FROM sensor_samples
		ORDER BY timestamp_ns DESC
		LIMIT 1
	`

	rows, err := s.db.conn.QueryContext(ctx, query)
	if err != nil {
		return sensor.Sample{}, false, fmt.Errorf("failed to get latest: %w", err)
	}
	defer rows.Close()

	samples, err := scanSamples(rows)
	if err != nil {
		return sensor.Sample{}, false, err
	}
	if len(samples) == 0 {
		return sensor.Sample{}, false, nil
	}
	return samples[0], true, nil
}

// Prune removes samples older than before. Returns number of rows deleted.
func (s *SampleStore) Prune(ctx context.Context, before time.Time) (int64, error) {
	result, err := s.db.conn.ExecContext(ctx, `DELETE FROM sensor_samples WHERE timestamp_ns < ?`, before.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("failed to prune: %w", err)
	}
	return result.RowsAffected()
}

// Clear removes every stored sample.
func (s *SampleStore) Clear(ctx context.Context) (int64, error) {
	result, err := s.db.conn.ExecContext(ctx, `DELETE FROM sensor_samples`)
	if err != nil {
		return 0, fmt.Errorf("failed to clear samples: %w", err)
	}
	return result.RowsAffected()
}

// Count returns the total number of stored samples.
func (s *SampleStore) Count(ctx context.Context) (int64, error) {
	var count int64
	err := s.db.conn.QueryRowContext(ctx, `SELECT COUNT(*) FROM sensor_samples`).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count: %w", err)
	}
	return count, nil
}

// KindSummary describes the stored history of one kind.
type KindSummary struct {
	Kind  sensor.Kind `json:"kind"`
	Count int64       `json:"count"`
	First time.Time   `json:"first"`
	Last  time.Time   `json:"last"`
}

// Summary returns per-kind counts and the covered time span, ordered by kind.
func (s *SampleStore) Summary(ctx context.Context) ([]KindSummary, error) {
	query := `
		SELECT kind, COUNT(*), MIN(timestamp_ns), MAX(timestamp_ns)
		FROM sensor_samples
		GROUP BY kind
	`

	rows, err := s.db.conn.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query summary: %w", err)
	}
	defer rows.Close()

	var result []KindSummary
	for rows.Next() {
		var name string
		var count, first, last int64
		if err := rows.Scan(&name, &count, &first, &last); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		kind, err := sensor.ParseKind(name)
		if err != nil {
			continue // written by a newer build
		}
		result = append(result, KindSummary{
			Kind:  kind,
			Count: count,
			First: time.Unix(0, first),
			Last:  time.Unix(0, last),
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}

	slices.SortFunc(result, func(a, b KindSummary) int { return int(a.Kind) - int(b.Kind) })
	return result, nil
}

// scanSamples scans rows into a Sample slice ordered by (timestamp, kind).
// Rows with an unknown kind are skipped.
func scanSamples(rows *sql.Rows) ([]sensor.Sample, error) {
	var result []sensor.Sample
	for rows.Next() {
		var (
			ts         int64
			name       string
			value      float64
			ax, ay, az sql.NullFloat64
			quality    sql.NullFloat64
		)
		if err := rows.Scan(&ts, &name, &value, &ax, &ay, &az, &quality); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}

		kind, err := sensor.ParseKind(name)
		if err != nil {
			continue
		}

		smp := sensor.Sample{
			Timestamp: time.Unix(0, ts),
			Kind:      kind,
			Value:     value,
		}
		if ax.Valid && ay.Valid && az.Valid {
			smp.Accel = sensor.Vector3{X: ax.Float64, Y: ay.Float64, Z: az.Float64}
		}
		if quality.Valid {
			q := quality.Float64
			smp.Quality = &q
		}
		result = append(result, smp)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}

	// Rows sharing a timestamp come back in text order of kind.
	if !slices.IsSortedFunc(result, sensor.Compare) {
		slices.SortStableFunc(result, sensor.Compare)
	}
	return result, nil
}
