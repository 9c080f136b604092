package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"wearable-sync/internal/adapter/storetest"
	"wearable-sync/internal/domain"
	"wearable-sync/internal/ports"
)

func TestStoreContract(t *testing.T) {
	storetest.Run(t, func(t *testing.T) ports.Gateway { return New() })
}

func TestStoreDoesNotAliasCallerData(t *testing.T) {
	s := New()
	ctx := context.Background()
	eff := 80.0
	ss := domain.SleepSession{
		ExternalID:   "s",
		Start:        storetest.Day2,
		End:          storetest.Day2.Add(time.Hour),
		Efficiency:   &eff,
		QuickMetrics: map[string]float64{"sleep_efic": 80},
	}
	require.NoError(t, s.UpsertDay(ctx, storetest.Key, storetest.Day2, domain.Batch{Sleep: []domain.SleepSession{ss}}))

	eff = 1
	ss.QuickMetrics["sleep_efic"] = 1

	recs, err := s.Query(ctx, storetest.Key, domain.DateRange{From: storetest.Day2, To: storetest.Day2}, domain.KindSleep)
	require.NoError(t, err)
	got := recs[0].(domain.SleepSession)
	require.Equal(t, 80.0, *got.Efficiency)
	require.Equal(t, 80.0, got.QuickMetrics["sleep_efic"])

	got.QuickMetrics["sleep_efic"] = 2
	recs, err = s.Query(ctx, storetest.Key, domain.DateRange{From: storetest.Day2, To: storetest.Day2}, domain.KindSleep)
	require.NoError(t, err)
	require.Equal(t, 80.0, recs[0].(domain.SleepSession).QuickMetrics["sleep_efic"])
}

func TestUpsertDayHonoursCancelledContext(t *testing.T) {
	s := New()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := s.UpsertDay(ctx, storetest.Key, storetest.Day2, domain.Batch{})
	require.ErrorIs(t, err, domain.ErrPersistence)
}
