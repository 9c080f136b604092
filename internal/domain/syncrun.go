package domain

import (
	"time"

	"github.com/google/uuid"
)

type RunState string

const (
	RunPending               RunState = "pending"
	RunRunning               RunState = "running"
	RunCompleted             RunState = "completed"
	RunCompletedWithFailures RunState = "completed_with_failures"
	RunAborted               RunState = "aborted"
)

type DayStatus string

const (
	DaySucceeded DayStatus = "succeeded"
	DayFailed    DayStatus = "failed"
	DayNoData    DayStatus = "no_data"
	DaySkipped   DayStatus = "skipped"
)

// DayOutcome is the result of syncing one calendar day.
type DayOutcome struct {
	Date            string    `json:"date"`
	Status          DayStatus `json:"status"`
	ErrorKind       string    `json:"error_kind,omitempty"`
	Reason          string    `json:"reason,omitempty"`
	SleepSessions   int       `json:"sleep_sessions"`
	ActivitySamples int       `json:"activity_samples"`
	RecoveryRecords int       `json:"recovery_records"`
	Unmapped        int       `json:"unmapped"`
}

// RunTotals are the aggregate counters of a run. They only include succeeded days.
type RunTotals struct {
	SleepSessions   int `json:"sleep_sessions"`
	ActivitySamples int `json:"activity_samples"`
	RecoveryRecords int `json:"recovery_records"`
	Unmapped        int `json:"unmapped"`
	SucceededDays   int `json:"succeeded_days"`
	FailedDays      int `json:"failed_days"`
	NoDataDays      int `json:"no_data_days"`
	SkippedDays     int `json:"skipped_days"`
}

// SyncRun summarizes one orchestrator invocation.
type SyncRun struct {
	ID         uuid.UUID    `json:"id"`
	UserID     string       `json:"user_id"`
	Provider   string       `json:"provider"`
	From       string       `json:"from"`
	To         string       `json:"to"`
	State      RunState     `json:"state"`
	StartedAt  time.Time    `json:"started_at"`
	FinishedAt time.Time    `json:"finished_at"`
	Days       []DayOutcome `json:"days"`
	Totals     RunTotals    `json:"totals"`
	Fatal      string       `json:"fatal,omitempty"`
}

// NewSyncRun creates a pending run with one skipped slot per day of rng.
func NewSyncRun(key ConnectionKey, rng DateRange) *SyncRun {
	days := rng.Days()
	run := &SyncRun{
		ID:       uuid.New(),
		UserID:   key.UserID,
		Provider: key.Provider,
		From:     rng.From.Format(DayLayout),
		To:       rng.To.Format(DayLayout),
		State:    RunPending,
		Days:     make([]DayOutcome, len(days)),
	}
	for i, d := range days {
		run.Days[i] = DayOutcome{Date: d.Format(DayLayout), Status: DaySkipped}
	}
	return run
}

// Tally recomputes Totals from Days.
func (r *SyncRun) Tally() {
	var t RunTotals
	for _, d := range r.Days {
		switch d.Status {
		case DaySucceeded:
			t.SucceededDays++
			t.SleepSessions += d.SleepSessions
			t.ActivitySamples += d.ActivitySamples
			t.RecoveryRecords += d.RecoveryRecords
			t.Unmapped += d.Unmapped
		case DayFailed:
			t.FailedDays++
		case DayNoData:
			t.NoDataDays++
		case DaySkipped:
			t.SkippedDays++
		}
	}
	r.Totals = t
}

// FailedDays returns the outcomes of days that failed, in date order.
func (r *SyncRun) FailedDays() []DayOutcome {
	var out []DayOutcome
	for _, d := range r.Days {
		if d.Status == DayFailed {
			out = append(out, d)
		}
	}
	return out
}

func (r *SyncRun) Key() ConnectionKey {
	return ConnectionKey{UserID: r.UserID, Provider: r.Provider}
}
