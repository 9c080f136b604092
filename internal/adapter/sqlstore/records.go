package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/m-mizutani/goerr/v2"

	"wearable-sync/internal/domain"
)

var (
	sleepCols = []string{
		"user_id", "provider", "external_id", "start_at", "end_at",
		"deep_sec", "rem_sec", "light_sec", "awake_sec", "efficiency", "quick_metrics", "is_nap",
	}
	sleepKeys = []string{"user_id", "provider", "external_id"}

	recoveryCols = []string{"user_id", "provider", "record_date", "recovery_score", "movement_index", "metabolic_score"}
	recoveryKeys = []string{"user_id", "provider", "record_date"}

	sampleCols = []string{"user_id", "provider", "metric", "sampled_at", "metric_value", "unit"}
	sampleKeys = []string{"user_id", "provider", "metric", "sampled_at"}

	unmappedCols = []string{"user_id", "provider", "record_date", "tag", "payload"}
	unmappedKeys = []string{"user_id", "provider", "record_date", "tag"}
)

// UpsertDay writes one day's batch in a single transaction. Any failure rolls the whole day back.
func (s *Store) UpsertDay(ctx context.Context, key domain.ConnectionKey, day time.Time, batch domain.Batch) error {
	if err := batch.Validate(); err != nil {
		return goerr.Wrap(fmt.Errorf("%w: %w", domain.ErrPersistence, err), "validate batch", goerr.V("date", day.Format(domain.DayLayout)))
	}
	if batch.Empty() {
		return nil
	}

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if err := s.upsertSleep(ctx, tx, key, batch.Sleep); err != nil {
			return err
		}
		if err := s.upsertRecovery(ctx, tx, key, batch.Recovery); err != nil {
			return err
		}
		if err := s.upsertSamples(ctx, tx, key, batch.Samples); err != nil {
			return err
		}
		return s.upsertUnmapped(ctx, tx, key, batch.Unmapped)
	})
	if err != nil {
		if errors.Is(err, domain.ErrPersistence) {
			return goerr.Wrap(err, "upsert day", goerr.V("connection", key.String()), goerr.V("date", day.Format(domain.DayLayout)))
		}
		return goerr.Wrap(domain.ErrPersistence, "upsert day", goerr.V("connection", key.String()), goerr.V("date", day.Format(domain.DayLayout)), goerr.V("cause", err.Error()))
	}
	s.log.Debug("sql store upserted day",
		slog.String("connection", key.String()),
		slog.String("date", day.Format(domain.DayLayout)),
		slog.Int("sleep", len(batch.Sleep)),
		slog.Int("recovery", len(batch.Recovery)),
		slog.Int("samples", len(batch.Samples)),
		slog.Int("unmapped", len(batch.Unmapped)))
	return nil
}

func (s *Store) upsertSleep(ctx context.Context, tx *sql.Tx, key domain.ConnectionKey, sessions []domain.SleepSession) error {
	if len(sessions) == 0 {
		return nil
	}
	overlap, err := tx.PrepareContext(ctx, s.dialect.Rebind(`SELECT external_id FROM sleep_sessions
WHERE user_id = ? AND provider = ? AND external_id <> ? AND start_at < ? AND end_at > ?`))
	if err != nil {
		return err
	}
	defer overlap.Close()

	stmt, err := tx.PrepareContext(ctx, s.dialect.Upsert("sleep_sessions", sleepCols, sleepKeys))
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, ss := range sessions {
		var other string
		err := overlap.QueryRowContext(ctx, key.UserID, key.Provider, ss.ExternalID, ss.End.Unix(), ss.Start.Unix()).Scan(&other)
		switch {
		case err == nil:
			return goerr.Wrap(fmt.Errorf("%w: %w", domain.ErrPersistence, domain.ErrOverlappingSessions),
				"sleep session overlaps a stored session", goerr.V("external_id", ss.ExternalID), goerr.V("stored", other))
		case !errors.Is(err, sql.ErrNoRows):
			return err
		}

		quick, err := json.Marshal(ss.QuickMetrics)
		if err != nil {
			return err
		}
		var eff any
		if ss.Efficiency != nil {
			eff = *ss.Efficiency
		}
		if _, err := stmt.ExecContext(ctx,
			key.UserID,
			key.Provider,
			ss.ExternalID,
			ss.Start.Unix(),
			ss.End.Unix(),
			int64(ss.Stages.Deep/time.Second),
			int64(ss.Stages.REM/time.Second),
			int64(ss.Stages.Light/time.Second),
			int64(ss.Stages.Awake/time.Second),
			eff,
			string(quick),
			boolInt(ss.IsNap),
		); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) upsertRecovery(ctx context.Context, tx *sql.Tx, key domain.ConnectionKey, recs []domain.RecoveryRecord) error {
	if len(recs) == 0 {
		return nil
	}
	stmt, err := tx.PrepareContext(ctx, s.dialect.Upsert("recovery_records", recoveryCols, recoveryKeys))
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, r := range recs {
		if _, err := stmt.ExecContext(ctx,
			key.UserID,
			key.Provider,
			r.Date.Format(domain.DayLayout),
			nullable(r.RecoveryScore),
			nullable(r.MovementIndex),
			nullable(r.MetabolicScore),
		); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) upsertSamples(ctx context.Context, tx *sql.Tx, key domain.ConnectionKey, samples []domain.ActivitySample) error {
	if len(samples) == 0 {
		return nil
	}
	stmt, err := tx.PrepareContext(ctx, s.dialect.Upsert("activity_samples", sampleCols, sampleKeys))
	if err != nil {
		return err
	}
	defer stmt.Close()

	// Rows are written in payload order, so a later duplicate timestamp wins.
	for _, smp := range samples {
		unit := smp.Unit
		if unit == "" {
			unit = smp.Metric.Unit()
		}
		if _, err := stmt.ExecContext(ctx,
			key.UserID,
			key.Provider,
			string(smp.Metric),
			smp.Timestamp.Unix(),
			smp.Value,
			unit,
		); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) upsertUnmapped(ctx context.Context, tx *sql.Tx, key domain.ConnectionKey, recs []domain.UnmappedRecord) error {
	if len(recs) == 0 {
		return nil
	}
	stmt, err := tx.PrepareContext(ctx, s.dialect.Upsert("unmapped_records", unmappedCols, unmappedKeys))
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, u := range recs {
		if _, err := stmt.ExecContext(ctx,
			key.UserID,
			key.Provider,
			u.Date.Format(domain.DayLayout),
			u.Tag,
			string(u.Payload),
		); err != nil {
			return err
		}
	}
	return nil
}

// Query returns the stored records of one kind in the range, ordered by time.
// Sleep sessions are returned when they overlap the range at all.
func (s *Store) Query(ctx context.Context, key domain.ConnectionKey, rng domain.DateRange, kind domain.RecordKind) ([]domain.Record, error) {
	var (
		out []domain.Record
		err error
	)
	switch kind {
	case domain.KindSleep:
		out, err = s.querySleep(ctx, key, rng)
	case domain.KindRecovery:
		out, err = s.queryRecovery(ctx, key, rng)
	case domain.KindSample:
		out, err = s.querySamples(ctx, key, rng)
	case domain.KindUnmapped:
		out, err = s.queryUnmapped(ctx, key, rng)
	default:
		return nil, goerr.New("unknown record kind", goerr.V("kind", kind))
	}
	if err != nil {
		return nil, goerr.Wrap(domain.ErrPersistence, "query records", goerr.V("kind", kind), goerr.V("range", rng.String()), goerr.V("cause", err.Error()))
	}
	return out, nil
}

func (s *Store) querySleep(ctx context.Context, key domain.ConnectionKey, rng domain.DateRange) ([]domain.Record, error) {
	rows, err := s.db.QueryContext(ctx, s.dialect.Rebind(`SELECT external_id, start_at, end_at, deep_sec, rem_sec, light_sec, awake_sec, efficiency, quick_metrics, is_nap
FROM sleep_sessions
WHERE user_id = ? AND provider = ? AND start_at < ? AND end_at > ?
ORDER BY start_at, external_id`), key.UserID, key.Provider, rng.End().Unix(), rng.From.Unix())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Record
	for rows.Next() {
		var (
			ss                      domain.SleepSession
			start, end              int64
			deep, rem, light, awake int64
			eff                     sql.NullFloat64
			quick                   sql.NullString
			nap                     int64
		)
		if err := rows.Scan(&ss.ExternalID, &start, &end, &deep, &rem, &light, &awake, &eff, &quick, &nap); err != nil {
			return nil, err
		}
		ss.IsNap = nap != 0
		ss.Start = time.Unix(start, 0).UTC()
		ss.End = time.Unix(end, 0).UTC()
		ss.Stages = domain.SleepStages{
			Deep:  time.Duration(deep) * time.Second,
			REM:   time.Duration(rem) * time.Second,
			Light: time.Duration(light) * time.Second,
			Awake: time.Duration(awake) * time.Second,
		}
		if eff.Valid {
			ss.Efficiency = domain.Float(eff.Float64)
		}
		if quick.Valid && quick.String != "" && quick.String != "null" {
			if err := json.Unmarshal([]byte(quick.String), &ss.QuickMetrics); err != nil {
				return nil, err
			}
		}
		out = append(out, ss)
	}
	return out, rows.Err()
}

func (s *Store) queryRecovery(ctx context.Context, key domain.ConnectionKey, rng domain.DateRange) ([]domain.Record, error) {
	rows, err := s.db.QueryContext(ctx, s.dialect.Rebind(`SELECT record_date, recovery_score, movement_index, metabolic_score
FROM recovery_records
WHERE user_id = ? AND provider = ? AND record_date >= ? AND record_date <= ?
ORDER BY record_date`), key.UserID, key.Provider, rng.From.Format(domain.DayLayout), rng.To.Format(domain.DayLayout))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Record
	for rows.Next() {
		var (
			date                          string
			recovery, movement, metabolic sql.NullFloat64
		)
		if err := rows.Scan(&date, &recovery, &movement, &metabolic); err != nil {
			return nil, err
		}
		d, err := domain.ParseDay(date, rng.From.Location())
		if err != nil {
			return nil, err
		}
		out = append(out, domain.RecoveryRecord{
			Date:           d,
			RecoveryScore:  fromNull(recovery),
			MovementIndex:  fromNull(movement),
			MetabolicScore: fromNull(metabolic),
		})
	}
	return out, rows.Err()
}

func (s *Store) querySamples(ctx context.Context, key domain.ConnectionKey, rng domain.DateRange) ([]domain.Record, error) {
	rows, err := s.db.QueryContext(ctx, s.dialect.Rebind(`SELECT metric, sampled_at, metric_value, unit
FROM activity_samples
WHERE user_id = ? AND provider = ? AND sampled_at >= ? AND sampled_at < ?
ORDER BY sampled_at, metric`), key.UserID, key.Provider, rng.From.Unix(), rng.End().Unix())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Record
	for rows.Next() {
		var (
			smp    domain.ActivitySample
			metric string
			ts     int64
		)
		if err := rows.Scan(&metric, &ts, &smp.Value, &smp.Unit); err != nil {
			return nil, err
		}
		smp.Metric = domain.MetricType(metric)
		smp.Timestamp = time.Unix(ts, 0).UTC()
		out = append(out, smp)
	}
	return out, rows.Err()
}

func (s *Store) queryUnmapped(ctx context.Context, key domain.ConnectionKey, rng domain.DateRange) ([]domain.Record, error) {
	rows, err := s.db.QueryContext(ctx, s.dialect.Rebind(`SELECT record_date, tag, payload
FROM unmapped_records
WHERE user_id = ? AND provider = ? AND record_date >= ? AND record_date <= ?
ORDER BY record_date, tag`), key.UserID, key.Provider, rng.From.Format(domain.DayLayout), rng.To.Format(domain.DayLayout))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Record
	for rows.Next() {
		var date, tag, payload string
		if err := rows.Scan(&date, &tag, &payload); err != nil {
			return nil, err
		}
		d, err := domain.ParseDay(date, rng.From.Location())
		if err != nil {
			return nil, err
		}
		out = append(out, domain.UnmappedRecord{Tag: tag, Date: d, Payload: json.RawMessage(payload)})
	}
	return out, rows.Err()
}

func nullable(p *float64) any {
	if p == nil {
		return nil
	}
	return *p
}

func fromNull(v sql.NullFloat64) *float64 {
	if !v.Valid {
		return nil
	}
	return domain.Float(v.Float64)
}

func boolInt(b bool) int64 {
	if b {
		return 1
	}
	return 0
}
