package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	kafkago "github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/require"

	"wearable-sync/internal/domain"
)

type stubWriter struct {
	msgs   []kafkago.Message
	err    error
	closed bool
}

func (w *stubWriter) WriteMessages(ctx context.Context, msgs ...kafkago.Message) error {
	if _, ok := ctx.Deadline(); !ok {
		return errors.New("missing deadline")
	}
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *stubWriter) Close() error {
	w.closed = true
	return nil
}

func finishedRun(t *testing.T) *domain.SyncRun {
	t.Helper()
	from := time.Date(2024, 1, 13, 0, 0, 0, 0, time.UTC)
	rng, err := domain.NewDateRange(from, from.AddDate(0, 0, 2), time.UTC)
	require.NoError(t, err)
	run := domain.NewSyncRun(domain.ConnectionKey{UserID: "u1", Provider: "ultrahuman"}, rng)
	run.Days[0] = domain.DayOutcome{Date: run.Days[0].Date, Status: domain.DaySucceeded, ActivitySamples: 635}
	run.Days[1] = domain.DayOutcome{Date: run.Days[1].Date, Status: domain.DayFailed, ErrorKind: "transient", Reason: "503"}
	run.Days[2] = domain.DayOutcome{Date: run.Days[2].Date, Status: domain.DayNoData}
	run.Tally()
	run.State = domain.RunCompletedWithFailures
	run.FinishedAt = time.Date(2024, 1, 17, 6, 0, 0, 0, time.UTC)
	return run
}

func TestReportPublishesRunKeyedByUser(t *testing.T) {
	w := &stubWriter{}
	r := newReporter(w, "sync-runs", nil)
	run := finishedRun(t)

	require.NoError(t, r.Report(context.Background(), run))
	require.Len(t, w.msgs, 1)

	msg := w.msgs[0]
	require.Equal(t, "u1", string(msg.Key))
	require.True(t, msg.Time.Equal(run.FinishedAt))
	require.Equal(t, []kafkago.Header{
		{Key: "provider", Value: []byte("ultrahuman")},
		{Key: "state", Value: []byte("completed_with_failures")},
	}, msg.Headers)

	var body struct {
		ID         string              `json:"id"`
		State      string              `json:"state"`
		Totals     domain.RunTotals    `json:"totals"`
		FailedDays []domain.DayOutcome `json:"failed_days"`
	}
	require.NoError(t, json.Unmarshal(msg.Value, &body))
	require.Equal(t, run.ID.String(), body.ID)
	require.Equal(t, "completed_with_failures", body.State)
	require.Equal(t, 635, body.Totals.ActivitySamples)
	require.Equal(t, 1, body.Totals.FailedDays)
	require.Len(t, body.FailedDays, 1)
	require.Equal(t, "2024-01-14", body.FailedDays[0].Date)

	require.NoError(t, r.Close())
	require.True(t, w.closed)
}

func TestReportWrapsWriterError(t *testing.T) {
	boom := errors.New("broker down")
	r := newReporter(&stubWriter{err: boom}, "sync-runs", nil)
	require.ErrorIs(t, r.Report(context.Background(), finishedRun(t)), boom)
}
