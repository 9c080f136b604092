package normalize

import (
	"encoding/json"
	"time"

	"wearable-sync/internal/domain"
)

func isRecoveryTag(tag string) bool {
	switch tag {
	case TagRecoveryIndex, TagMovementIndex, TagMetabolicScore, "recovery":
		return true
	}
	return false
}

// recoveryAccumulator merges the per-day recovery entries into one record.
type recoveryAccumulator struct {
	recovery, movement, metabolic *float64
}

func (a *recoveryAccumulator) add(tag string, body map[string]json.RawMessage) error {
	key := tag
	if tag == "recovery" {
		key = TagRecoveryIndex
	}
	var v number
	if _, ok := body[key]; ok {
		if err := field(body, key, &v); err != nil {
			return err
		}
	} else if err := field(body, "value", &v); err != nil {
		return err
	}
	if !v.Set {
		return nil
	}
	switch key {
	case TagRecoveryIndex:
		a.recovery = v.ptr()
	case TagMovementIndex:
		a.movement = v.ptr()
	case TagMetabolicScore:
		a.metabolic = v.ptr()
	}
	return nil
}

func (a *recoveryAccumulator) record(day time.Time) (domain.RecoveryRecord, bool) {
	if a.recovery == nil && a.movement == nil && a.metabolic == nil {
		return domain.RecoveryRecord{}, false
	}
	return domain.RecoveryRecord{
		Date:           day,
		RecoveryScore:  a.recovery,
		MovementIndex:  a.movement,
		MetabolicScore: a.metabolic,
	}, true
}
