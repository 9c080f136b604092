package normalize

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/m-mizutani/goerr/v2"

	"wearable-sync/internal/domain"
)

// Quick metric key carrying sleep efficiency.
const QuickMetricEfficiency = "sleep_efic"

type keyedValue struct {
	Type  string `json:"type"`
	Value number `json:"value"`
}

type stageTime struct {
	Type      string `json:"type"`
	StageTime number `json:"stage_time"`
}

// Flat stage fields reported instead of a sleep_stages list, in seconds.
var stageDurationFields = map[string]func(*domain.SleepStages) *time.Duration{
	"deep_sleep_duration":  func(s *domain.SleepStages) *time.Duration { return &s.Deep },
	"rem_sleep_duration":   func(s *domain.SleepStages) *time.Duration { return &s.REM },
	"light_sleep_duration": func(s *domain.SleepStages) *time.Duration { return &s.Light },
	"awake_duration":       func(s *domain.SleepStages) *time.Duration { return &s.Awake },
}

// mapSleep maps one sleep entry. Bounds come from bedtime_start/bedtime_end, or from
// bed_time/wake_time. An entry with no bounds at all carries no session and is reported with ok false.
func (n *Normalizer) mapSleep(body map[string]json.RawMessage) (s domain.SleepSession, ok bool, err error) {
	var (
		start, end, bed, wake instant
		quick                 []keyedValue
		stages                []stageTime
		efficiency            number
		nap                   *bool
	)
	for key, dst := range map[string]any{
		"bedtime_start":    &start,
		"bedtime_end":      &end,
		"bed_time":         &bed,
		"wake_time":        &wake,
		"quick_metrics":    &quick,
		"sleep_stages":     &stages,
		"sleep_efficiency": &efficiency,
		"is_nap":           &nap,
	} {
		if err := field(body, key, dst); err != nil {
			return s, false, err
		}
	}
	if !start.Set {
		start = bed
	}
	if !end.Set {
		end = wake
	}
	switch {
	case !start.Set && !end.Set:
		return s, false, nil
	case !start.Set || !end.Set:
		return s, false, goerr.Wrap(domain.ErrProtocol, "sleep entry without bedtime bounds")
	}

	s = domain.SleepSession{
		Start: start.Time,
		End:   end.Time,
		IsNap: nap != nil && *nap,
	}

	for _, st := range stages {
		if !st.StageTime.Set {
			continue
		}
		d := time.Duration(st.StageTime.Value * float64(time.Second))
		switch strings.ToLower(st.Type) {
		case "deep_sleep", "deep":
			s.Stages.Deep += d
		case "rem_sleep", "rem":
			s.Stages.REM += d
		case "light_sleep", "light":
			s.Stages.Light += d
		case "awake":
			s.Stages.Awake += d
		}
	}
	if len(stages) == 0 {
		for key, stage := range stageDurationFields {
			var v number
			if err := field(body, key, &v); err != nil {
				return s, false, err
			}
			if v.Set {
				*stage(&s.Stages) = time.Duration(v.Value * float64(time.Second))
			}
		}
	}

	for _, q := range quick {
		if q.Type == "" || !q.Value.Set {
			continue
		}
		if s.QuickMetrics == nil {
			s.QuickMetrics = make(map[string]float64)
		}
		s.QuickMetrics[q.Type] = q.Value.Value
	}
	if v, ok := s.QuickMetrics[QuickMetricEfficiency]; ok {
		s.Efficiency = domain.Float(v)
	} else {
		s.Efficiency = efficiency.ptr()
	}

	s.ExternalID = n.sleepID(body["id"], s.Start)
	return s, true, nil
}

// sleepID prefers a provider id and otherwise derives a stable one from the session start.
func (n *Normalizer) sleepID(raw json.RawMessage, start time.Time) string {
	if !isNull(raw) {
		var s string
		if err := json.Unmarshal(raw, &s); err == nil && s != "" {
			return s
		}
		var f float64
		if err := json.Unmarshal(raw, &f); err == nil {
			return strconv.FormatFloat(f, 'f', -1, 64)
		}
	}
	prefix := n.Provider
	if prefix == "" {
		prefix = "sleep"
	}
	return prefix + "-sleep-" + strconv.FormatInt(start.Unix(), 10)
}

func unixTime(sec float64) time.Time {
	whole := int64(sec)
	frac := sec - float64(whole)
	return time.Unix(whole, int64(frac*float64(time.Second))).UTC()
}
