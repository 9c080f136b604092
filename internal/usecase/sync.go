package usecase

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"wearable-sync/internal/domain"
	"wearable-sync/internal/observability"
	"wearable-sync/internal/ports"
)

// SyncUseCase drives one connection through a date range, day by day.
type SyncUseCase struct {
	Log        *slog.Logger
	Tokens     ports.Credentials
	Provider   ports.ProviderClient
	Normalizer ports.Normalizer
	Store      ports.RecordStore
	// Reporter is optional; it receives every finished run.
	Reporter ports.RunReporter
	// Workers bounds how many days are processed at once. Zero or one means sequential.
	Workers int
	Now     func() time.Time
}

type dayResult struct {
	outcome domain.DayOutcome
	err     error
}

// Run syncs every day of rng for conn and returns the run summary.
// Per-day failures are recorded in the summary only. The returned error is non-nil when
// the provider denied permission, which stops the remaining days, or when ctx was cancelled
// before every day was processed.
func (uc *SyncUseCase) Run(ctx context.Context, conn domain.UserConnection, rng domain.DateRange) (*domain.SyncRun, error) {
	if uc.Tokens == nil || uc.Provider == nil || uc.Normalizer == nil || uc.Store == nil {
		return nil, errors.New("usecase not initialized: missing dependencies")
	}
	log := uc.logger().With(slog.String("user", conn.UserID), slog.String("provider", conn.Provider))

	run := domain.NewSyncRun(conn.Key(), rng)
	run.State = domain.RunRunning
	run.StartedAt = uc.now()
	log.Info("sync started", slog.String("run", run.ID.String()), slog.String("range", rng.String()), slog.Int("workers", uc.workers()))

	var (
		days    = rng.Days()
		results = make([]dayResult, len(days))
		halted  atomic.Bool
		fatalMu sync.Mutex
		fatal   error
	)
	for i := range results {
		results[i].outcome = run.Days[i]
	}

	var g errgroup.Group
	g.SetLimit(uc.workers())
	for i, day := range days {
		if ctx.Err() != nil || halted.Load() {
			break
		}
		g.Go(func() error {
			if ctx.Err() != nil || halted.Load() {
				return nil
			}
			res := uc.syncDay(ctx, log, conn, day)
			results[i] = res
			if errors.Is(res.err, domain.ErrPermission) {
				halted.Store(true)
				fatalMu.Lock()
				if fatal == nil {
					fatal = res.err
				}
				fatalMu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	for i, res := range results {
		run.Days[i] = res.outcome
	}
	run.Tally()
	run.FinishedAt = uc.now()

	var err error
	switch {
	case fatal != nil:
		run.State = domain.RunAborted
		run.Fatal = fatal.Error()
		err = fatal
	case ctx.Err() != nil && run.Totals.SkippedDays > 0:
		run.State = domain.RunAborted
		run.Fatal = ctx.Err().Error()
		err = ctx.Err()
	case run.Totals.FailedDays > 0:
		run.State = domain.RunCompletedWithFailures
	default:
		run.State = domain.RunCompleted
	}
	observability.RecordRun(conn.Provider, string(run.State), run.StartedAt, run.FinishedAt)

	log.Info("sync finished",
		slog.String("run", run.ID.String()),
		slog.String("state", string(run.State)),
		slog.Int("succeeded_days", run.Totals.SucceededDays),
		slog.Int("failed_days", run.Totals.FailedDays),
		slog.Int("no_data_days", run.Totals.NoDataDays),
		slog.Int("skipped_days", run.Totals.SkippedDays),
		slog.Int("sleep_sessions", run.Totals.SleepSessions),
		slog.Int("activity_samples", run.Totals.ActivitySamples),
		slog.Int("recovery_records", run.Totals.RecoveryRecords),
	)

	if uc.Reporter != nil {
		if rerr := uc.Reporter.Report(context.WithoutCancel(ctx), run); rerr != nil {
			log.Warn("run report failed", slog.String("run", run.ID.String()), slog.String("error", rerr.Error()))
		}
	}
	return run, err
}

func (uc *SyncUseCase) syncDay(ctx context.Context, log *slog.Logger, conn domain.UserConnection, day time.Time) dayResult {
	date := day.Format(domain.DayLayout)
	out := domain.DayOutcome{Date: date}

	fail := func(err error) dayResult {
		if ctx.Err() != nil {
			// Interrupted days stay skipped so a later run picks them up.
			out.Status = domain.DaySkipped
			out.ErrorKind = domain.KindOf(ctx.Err())
			out.Reason = err.Error()
			return dayResult{outcome: out}
		}
		out.Status = domain.DayFailed
		out.ErrorKind = domain.KindOf(err)
		out.Reason = err.Error()
		observability.RecordDay(conn.Provider, string(out.Status), out.ErrorKind)
		log.Warn("day failed", slog.String("date", date), slog.String("kind", out.ErrorKind), slog.String("error", err.Error()))
		return dayResult{outcome: out, err: err}
	}
	noData := func() dayResult {
		out.Status = domain.DayNoData
		observability.RecordDay(conn.Provider, string(out.Status), "")
		log.Debug("no data", slog.String("date", date))
		return dayResult{outcome: out}
	}

	cred, err := uc.Tokens.ValidCredential(ctx, conn)
	if err != nil {
		return fail(err)
	}
	raw, err := uc.Provider.FetchDailyMetrics(ctx, cred, day)
	if errors.Is(err, domain.ErrAuth) {
		log.Info("credential rejected, refreshing", slog.String("date", date))
		cred, err = uc.Tokens.Refresh(ctx, conn, cred)
		if err == nil {
			raw, err = uc.Provider.FetchDailyMetrics(ctx, cred, day)
		}
	}
	if errors.Is(err, domain.ErrNoData) {
		return noData()
	}
	if err != nil {
		return fail(err)
	}

	records, err := uc.Normalizer.Normalize(day, raw)
	if err != nil {
		return fail(err)
	}
	batch := domain.NewBatch(records)
	if batch.Empty() {
		return noData()
	}
	if err := uc.Store.UpsertDay(ctx, conn.Key(), day, batch); err != nil {
		return fail(err)
	}

	out.Status = domain.DaySucceeded
	out.SleepSessions = len(batch.Sleep)
	out.ActivitySamples = len(batch.Samples)
	out.RecoveryRecords = len(batch.Recovery)
	out.Unmapped = len(batch.Unmapped)

	observability.RecordDay(conn.Provider, string(out.Status), "")
	observability.RecordPersisted(conn.Provider, string(domain.KindSleep), out.SleepSessions)
	observability.RecordPersisted(conn.Provider, string(domain.KindSample), out.ActivitySamples)
	observability.RecordPersisted(conn.Provider, string(domain.KindRecovery), out.RecoveryRecords)
	observability.RecordPersisted(conn.Provider, string(domain.KindUnmapped), out.Unmapped)
	log.Info("day synced",
		slog.String("date", date),
		slog.Int("sleep_sessions", out.SleepSessions),
		slog.Int("activity_samples", out.ActivitySamples),
		slog.Int("recovery_records", out.RecoveryRecords),
		slog.Int("unmapped", out.Unmapped),
	)
	return dayResult{outcome: out}
}

func (uc *SyncUseCase) workers() int {
	if uc.Workers < 1 {
		return 1
	}
	return uc.Workers
}

func (uc *SyncUseCase) now() time.Time {
	if uc.Now != nil {
		return uc.Now()
	}
	return time.Now()
}

func (uc *SyncUseCase) logger() *slog.Logger {
	if uc.Log != nil {
		return uc.Log
	}
	return slog.Default()
}
