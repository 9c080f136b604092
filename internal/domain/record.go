package domain

import (
	"encoding/json"
	"time"
)

// RecordKind tags the canonical record variants.
type RecordKind string

const (
	KindSleep    RecordKind = "sleep"
	KindRecovery RecordKind = "recovery"
	KindSample   RecordKind = "sample"
	KindUnmapped RecordKind = "unmapped"
)

// Record is a canonical, provider-agnostic record. The set of implementations is closed:
// SleepSession, RecoveryRecord, ActivitySample and UnmappedRecord.
type Record interface {
	Kind() RecordKind
	isRecord()
}

// MetricType names a continuous biometric series.
type MetricType string

const (
	MetricHeartRate       MetricType = "heart_rate"
	MetricHRV             MetricType = "heart_rate_variability"
	MetricSkinTemperature MetricType = "skin_temperature"
	MetricSteps           MetricType = "steps"
)

// Unit returns the canonical unit samples of m are stored in.
func (m MetricType) Unit() string {
	switch m {
	case MetricHeartRate:
		return "bpm"
	case MetricHRV:
		return "ms"
	case MetricSkinTemperature:
		return "degC"
	case MetricSteps:
		return "count"
	}
	return ""
}

// SleepStages holds time spent per stage.
type SleepStages struct {
	Deep  time.Duration
	REM   time.Duration
	Light time.Duration
	Awake time.Duration
}

// Asleep is the total time in non-awake stages.
func (s SleepStages) Asleep() time.Duration { return s.Deep + s.REM + s.Light }

// SleepSession is one sleep period reported by the provider.
type SleepSession struct {
	ExternalID   string    `validate:"required"`
	Start        time.Time `validate:"required"`
	End          time.Time `validate:"required,gtfield=Start"`
	Stages       SleepStages
	Efficiency   *float64 // nil when the provider did not report it
	QuickMetrics map[string]float64
	IsNap        bool
}

func (SleepSession) Kind() RecordKind { return KindSleep }
func (SleepSession) isRecord()        {}

// Duration is the time between bedtime start and end.
func (s SleepSession) Duration() time.Duration { return s.End.Sub(s.Start) }

// Overlaps reports whether the two sessions share any instant.
func (s SleepSession) Overlaps(o SleepSession) bool {
	return s.Start.Before(o.End) && o.Start.Before(s.End)
}

func (s SleepSession) Clone() SleepSession {
	out := s
	if s.Efficiency != nil {
		v := *s.Efficiency
		out.Efficiency = &v
	}
	if s.QuickMetrics != nil {
		out.QuickMetrics = make(map[string]float64, len(s.QuickMetrics))
		for k, v := range s.QuickMetrics {
			out.QuickMetrics[k] = v
		}
	}
	return out
}

// RecoveryRecord is the once-per-day readiness summary.
type RecoveryRecord struct {
	Date           time.Time `validate:"required"`
	RecoveryScore  *float64
	MovementIndex  *float64
	MetabolicScore *float64
}

func (RecoveryRecord) Kind() RecordKind { return KindRecovery }
func (RecoveryRecord) isRecord()        {}

func (r RecoveryRecord) Clone() RecoveryRecord {
	out := r
	out.RecoveryScore = cloneFloat(r.RecoveryScore)
	out.MovementIndex = cloneFloat(r.MovementIndex)
	out.MetabolicScore = cloneFloat(r.MetabolicScore)
	return out
}

// ActivitySample is a single point of a continuous series.
type ActivitySample struct {
	Metric    MetricType `validate:"required"`
	Unit      string
	Timestamp time.Time `validate:"required"`
	Value     float64
}

func (ActivitySample) Kind() RecordKind { return KindSample }
func (ActivitySample) isRecord()        {}

// UnmappedRecord keeps a provider entry whose tag has no canonical mapping yet.
type UnmappedRecord struct {
	Tag     string    `validate:"required"`
	Date    time.Time `validate:"required"`
	Payload json.RawMessage
}

func (UnmappedRecord) Kind() RecordKind { return KindUnmapped }
func (UnmappedRecord) isRecord()        {}

func (u UnmappedRecord) Clone() UnmappedRecord {
	out := u
	if u.Payload != nil {
		out.Payload = append(json.RawMessage(nil), u.Payload...)
	}
	return out
}

func cloneFloat(p *float64) *float64 {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

// Float returns a pointer to v. Handy for optional metrics.
func Float(v float64) *float64 { return &v }
