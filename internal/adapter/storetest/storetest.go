// Package storetest holds the behaviour every ports.Gateway implementation must share.
package storetest

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"wearable-sync/internal/domain"
	"wearable-sync/internal/ports"
)

var (
	Key  = domain.ConnectionKey{UserID: "u1", Provider: "ultrahuman"}
	Day1 = time.Date(2024, 1, 14, 0, 0, 0, 0, time.UTC)
	Day2 = time.Date(2024, 1, 15, 0, 0, 0, 0, time.UTC)
)

// Run exercises gw. newGateway must return an empty, migrated gateway.
func Run(t *testing.T, newGateway func(t *testing.T) ports.Gateway) {
	t.Run("connections", func(t *testing.T) { testConnections(t, newGateway(t)) })
	t.Run("idempotent upsert", func(t *testing.T) { testIdempotentUpsert(t, newGateway(t)) })
	t.Run("duplicate samples last write wins", func(t *testing.T) { testDuplicateSamples(t, newGateway(t)) })
	t.Run("overlap rejects whole day", func(t *testing.T) { testOverlapRejectsDay(t, newGateway(t)) })
	t.Run("query range and order", func(t *testing.T) { testQueryRange(t, newGateway(t)) })
	t.Run("optional values survive", func(t *testing.T) { testOptionalValues(t, newGateway(t)) })
}

func sleep(id string, start time.Time, d time.Duration) domain.SleepSession {
	return domain.SleepSession{
		ExternalID:   id,
		Start:        start,
		End:          start.Add(d),
		Stages:       domain.SleepStages{Deep: time.Hour, REM: 90 * time.Minute, Light: 4 * time.Hour, Awake: 15 * time.Minute},
		Efficiency:   domain.Float(88),
		QuickMetrics: map[string]float64{"sleep_efic": 88, "time_in_bed": d.Seconds()},
	}
}

func sample(m domain.MetricType, ts time.Time, v float64) domain.ActivitySample {
	return domain.ActivitySample{Metric: m, Unit: m.Unit(), Timestamp: ts, Value: v}
}

func dayBatch(day time.Time) domain.Batch {
	return domain.Batch{
		Sleep: []domain.SleepSession{sleep("s-"+day.Format(domain.DayLayout), day.Add(30*time.Minute), 7*time.Hour+45*time.Minute)},
		Recovery: []domain.RecoveryRecord{{
			Date:          day,
			RecoveryScore: domain.Float(78),
			MovementIndex: domain.Float(65),
		}},
		Samples: []domain.ActivitySample{
			sample(domain.MetricHeartRate, day.Add(time.Hour), 60),
			sample(domain.MetricHeartRate, day.Add(time.Hour+5*time.Minute), 62),
			sample(domain.MetricSteps, day.Add(time.Hour), 120),
		},
		Unmapped: []domain.UnmappedRecord{{Tag: "spo2", Date: day, Payload: json.RawMessage(`{"type":"spo2","values":[]}`)}},
	}
}

func count(t *testing.T, gw ports.Gateway, rng domain.DateRange, kind domain.RecordKind) int {
	t.Helper()
	recs, err := gw.Query(context.Background(), Key, rng, kind)
	require.NoError(t, err)
	return len(recs)
}

func testConnections(t *testing.T, gw ports.Gateway) {
	ctx := context.Background()
	_, err := gw.GetConnection(ctx, Key)
	require.ErrorIs(t, err, domain.ErrConnectionNotFound)

	conn := domain.UserConnection{
		UserID:       Key.UserID,
		Provider:     Key.Provider,
		AccessToken:  "a1",
		RefreshToken: "r1",
		TokenType:    "Bearer",
		ExpiresAt:    time.Unix(1705309200, 0).UTC(),
		Scopes:       []string{"metrics:read", "profile:read"},
	}
	require.NoError(t, gw.SaveConnection(ctx, conn))

	conn.AccessToken = "a2"
	conn.ProviderUserID = "uh-1"
	require.NoError(t, gw.SaveConnection(ctx, conn))

	got, err := gw.GetConnection(ctx, Key)
	require.NoError(t, err)
	require.Equal(t, "a2", got.AccessToken)
	require.Equal(t, "r1", got.RefreshToken)
	require.Equal(t, "uh-1", got.ProviderUserID)
	require.True(t, conn.ExpiresAt.Equal(got.ExpiresAt))
	require.Equal(t, conn.Scopes, got.Scopes)
}

func testIdempotentUpsert(t *testing.T, gw ports.Gateway) {
	ctx := context.Background()
	rng := domain.DateRange{From: Day1, To: Day2}
	for i := 0; i < 2; i++ {
		require.NoError(t, gw.UpsertDay(ctx, Key, Day1, dayBatch(Day1)))
		require.NoError(t, gw.UpsertDay(ctx, Key, Day2, dayBatch(Day2)))

		require.Equal(t, 2, count(t, gw, rng, domain.KindSleep))
		require.Equal(t, 2, count(t, gw, rng, domain.KindRecovery))
		require.Equal(t, 6, count(t, gw, rng, domain.KindSample))
		require.Equal(t, 2, count(t, gw, rng, domain.KindUnmapped))
	}
}

func testDuplicateSamples(t *testing.T, gw ports.Gateway) {
	ctx := context.Background()
	ts := Day2.Add(2 * time.Hour)
	batch := domain.Batch{Samples: []domain.ActivitySample{
		sample(domain.MetricSkinTemperature, ts, 36.1),
		sample(domain.MetricSkinTemperature, ts, 36.4),
	}}
	require.NoError(t, gw.UpsertDay(ctx, Key, Day2, batch))

	recs, err := gw.Query(ctx, Key, domain.DateRange{From: Day2, To: Day2}, domain.KindSample)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	require.Equal(t, 36.4, recs[0].(domain.ActivitySample).Value)

	batch.Samples = []domain.ActivitySample{sample(domain.MetricSkinTemperature, ts, 36.9)}
	require.NoError(t, gw.UpsertDay(ctx, Key, Day2, batch))
	recs, err = gw.Query(ctx, Key, domain.DateRange{From: Day2, To: Day2}, domain.KindSample)
	require.NoError(t, err)
	require.Equal(t, 36.9, recs[0].(domain.ActivitySample).Value)
}

func testOverlapRejectsDay(t *testing.T, gw ports.Gateway) {
	ctx := context.Background()
	require.NoError(t, gw.UpsertDay(ctx, Key, Day1, dayBatch(Day1)))

	clash := dayBatch(Day2)
	clash.Sleep = []domain.SleepSession{sleep("other", Day1.Add(2*time.Hour), time.Hour)}
	err := gw.UpsertDay(ctx, Key, Day2, clash)
	require.ErrorIs(t, err, domain.ErrPersistence)
	require.ErrorIs(t, err, domain.ErrOverlappingSessions)

	day2 := domain.DateRange{From: Day2, To: Day2}
	require.Zero(t, count(t, gw, day2, domain.KindSample))
	require.Zero(t, count(t, gw, day2, domain.KindRecovery))
	require.Zero(t, count(t, gw, day2, domain.KindUnmapped))

	// re-sending the stored session under its own id is an update, not an overlap
	same := domain.Batch{Sleep: []domain.SleepSession{sleep("s-2024-01-14", Day1.Add(30*time.Minute), 8*time.Hour)}}
	require.NoError(t, gw.UpsertDay(ctx, Key, Day1, same))

	inBatch := domain.Batch{Sleep: []domain.SleepSession{
		sleep("x", Day2.Add(13*time.Hour), time.Hour),
		sleep("y", Day2.Add(13*time.Hour+30*time.Minute), time.Hour),
	}}
	require.ErrorIs(t, gw.UpsertDay(ctx, Key, Day2, inBatch), domain.ErrPersistence)
}

func testQueryRange(t *testing.T, gw ports.Gateway) {
	ctx := context.Background()
	require.NoError(t, gw.UpsertDay(ctx, Key, Day1, dayBatch(Day1)))
	require.NoError(t, gw.UpsertDay(ctx, Key, Day2, dayBatch(Day2)))

	// a session that started the evening before still overlaps the range
	late := domain.Batch{Sleep: []domain.SleepSession{sleep("late", Day2.Add(-time.Hour), 90*time.Minute)}}
	require.NoError(t, gw.UpsertDay(ctx, Key, Day1, late))

	recs, err := gw.Query(ctx, Key, domain.DateRange{From: Day2, To: Day2}, domain.KindSleep)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	require.Equal(t, "late", recs[0].(domain.SleepSession).ExternalID)
	require.Equal(t, "s-2024-01-15", recs[1].(domain.SleepSession).ExternalID)
	require.Equal(t, 7*time.Hour+45*time.Minute, recs[1].(domain.SleepSession).Duration())

	recs, err = gw.Query(ctx, Key, domain.DateRange{From: Day1, To: Day2}, domain.KindSleep)
	require.NoError(t, err)
	require.Len(t, recs, 3)
	require.Equal(t, "late", recs[1].(domain.SleepSession).ExternalID)

	recs, err = gw.Query(ctx, Key, domain.DateRange{From: Day1, To: Day2}, domain.KindSample)
	require.NoError(t, err)
	require.Len(t, recs, 6)
	for i := 1; i < len(recs); i++ {
		require.False(t, recs[i].(domain.ActivitySample).Timestamp.Before(recs[i-1].(domain.ActivitySample).Timestamp))
	}

	other := domain.ConnectionKey{UserID: "u2", Provider: Key.Provider}
	recs, err = gw.Query(ctx, other, domain.DateRange{From: Day1, To: Day2}, domain.KindSample)
	require.NoError(t, err)
	require.Empty(t, recs)
}

func testOptionalValues(t *testing.T, gw ports.Gateway) {
	ctx := context.Background()
	s := sleep("s", Day2.Add(time.Hour), 6*time.Hour)
	s.Efficiency = nil
	s.QuickMetrics = nil
	s.IsNap = true
	batch := domain.Batch{
		Sleep:    []domain.SleepSession{s},
		Recovery: []domain.RecoveryRecord{{Date: Day2, RecoveryScore: domain.Float(0)}},
	}
	require.NoError(t, gw.UpsertDay(ctx, Key, Day2, batch))

	rng := domain.DateRange{From: Day2, To: Day2}
	recs, err := gw.Query(ctx, Key, rng, domain.KindSleep)
	require.NoError(t, err)
	got := recs[0].(domain.SleepSession)
	require.Nil(t, got.Efficiency)
	require.Empty(t, got.QuickMetrics)
	require.True(t, got.IsNap)
	require.Equal(t, time.Hour, got.Stages.Deep)

	recs, err = gw.Query(ctx, Key, rng, domain.KindRecovery)
	require.NoError(t, err)
	rec := recs[0].(domain.RecoveryRecord)
	require.NotNil(t, rec.RecoveryScore)
	require.Zero(t, *rec.RecoveryScore)
	require.Nil(t, rec.MovementIndex)
	require.Equal(t, "2024-01-15", rec.Date.Format(domain.DayLayout))
}
