// Package normalize maps raw provider payloads into canonical domain records.
package normalize

import (
	"bytes"
	"encoding/json"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/m-mizutani/goerr/v2"

	"wearable-sync/internal/domain"
)

// Shape is the detected top-level layout of a payload.
type Shape string

const (
	ShapeDaily  Shape = "daily"  // {"data":{"metric_data":[...]}}
	ShapeArray  Shape = "array"  // [entry, ...]
	ShapeSingle Shape = "single" // entry
)

// Tags the normalizer maps. Comparison is case-insensitive.
const (
	TagSleep          = "sleep"
	TagHeartRate      = "hr"
	TagHRV            = "hrv"
	TagTemperature    = "temp"
	TagSteps          = "steps"
	TagRecoveryIndex  = "recovery_index"
	TagMovementIndex  = "movement_index"
	TagMetabolicScore = "metabolic_score"
)

var sampleTags = map[string]domain.MetricType{
	TagHeartRate:   domain.MetricHeartRate,
	TagHRV:         domain.MetricHRV,
	TagTemperature: domain.MetricSkinTemperature,
	TagSteps:       domain.MetricSteps,
}

// Normalizer is stateless and safe for concurrent use.
type Normalizer struct {
	Provider string
	validate *validator.Validate
}

func New(provider string) *Normalizer {
	return &Normalizer{
		Provider: provider,
		validate: validator.New(validator.WithRequiredStructEnabled()),
	}
}

// entry is one metric-type element after unwrapping.
type entry struct {
	Tag  string
	Body map[string]json.RawMessage
}

// Normalize turns one day's payload into canonical records. Records come out sleep first, then samples in
// payload order, then the merged recovery record, then unmapped entries.
// Any structural problem fails the whole payload with domain.ErrProtocol.
func (n *Normalizer) Normalize(day time.Time, raw []byte) ([]domain.Record, error) {
	shape, entries, err := n.detect(raw)
	if err != nil {
		return nil, err
	}

	var (
		sleeps   []domain.Record
		samples  []domain.Record
		unmapped []domain.Record
		recovery recoveryAccumulator
	)
	for i, e := range entries {
		tag := strings.ToLower(strings.TrimSpace(e.Tag))
		switch {
		case tag == TagSleep:
			s, ok, err := n.mapSleep(e.Body)
			if err != nil {
				return nil, goerr.Wrap(err, "map sleep entry", goerr.V("index", i), goerr.V("shape", shape))
			}
			if ok {
				sleeps = append(sleeps, s)
			}
		case sampleTags[tag] != "":
			out, err := n.mapSamples(sampleTags[tag], e.Body)
			if err != nil {
				return nil, goerr.Wrap(err, "map sample entry", goerr.V("index", i), goerr.V("tag", e.Tag))
			}
			samples = append(samples, out...)
		case isRecoveryTag(tag):
			if err := recovery.add(tag, e.Body); err != nil {
				return nil, goerr.Wrap(err, "map recovery entry", goerr.V("index", i), goerr.V("tag", e.Tag))
			}
		default:
			payload, err := unmappedPayload(e)
			if err != nil {
				return nil, goerr.Wrap(err, "keep unmapped entry", goerr.V("index", i), goerr.V("tag", e.Tag))
			}
			unmapped = append(unmapped, domain.UnmappedRecord{
				Tag:     e.Tag,
				Date:    day,
				Payload: payload,
			})
		}
	}

	records := make([]domain.Record, 0, len(sleeps)+len(samples)+len(unmapped)+1)
	records = append(records, sleeps...)
	records = append(records, samples...)
	if rec, ok := recovery.record(day); ok {
		records = append(records, rec)
	}
	records = append(records, unmapped...)

	for _, r := range records {
		if err := n.validate.Struct(r); err != nil {
			return nil, goerr.Wrap(domain.ErrProtocol, "invalid canonical record", goerr.V("kind", r.Kind()), goerr.V("cause", err.Error()))
		}
	}
	return records, nil
}

// detect detects the payload shape and unwraps each metric entry.
func (n *Normalizer) detect(raw []byte) (Shape, []entry, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return "", nil, goerr.Wrap(domain.ErrProtocol, "empty payload")
	}

	switch trimmed[0] {
	case '[':
		var items []json.RawMessage
		if err := json.Unmarshal(trimmed, &items); err != nil {
			return "", nil, goerr.Wrap(domain.ErrProtocol, "decode entry array", goerr.V("cause", err.Error()))
		}
		entries, err := unwrapAll(items)
		return ShapeArray, entries, err
	case '{':
	default:
		return "", nil, goerr.Wrap(domain.ErrProtocol, "unexpected top-level json", goerr.V("first", string(trimmed[:1])))
	}

	var top map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &top); err != nil {
		return "", nil, goerr.Wrap(domain.ErrProtocol, "decode payload object", goerr.V("cause", err.Error()))
	}

	if data, ok := top["data"]; ok {
		items, err := metricData(data)
		if err != nil {
			return "", nil, err
		}
		entries, err := unwrapAll(items)
		return ShapeDaily, entries, err
	}
	if _, ok := top["type"]; ok {
		e, err := unwrap(top)
		if err != nil {
			return "", nil, err
		}
		return ShapeSingle, []entry{e}, nil
	}
	return "", nil, goerr.Wrap(domain.ErrProtocol, "payload has neither data nor type")
}

func metricData(data json.RawMessage) ([]json.RawMessage, error) {
	if isNull(data) {
		return nil, nil
	}
	var inner map[string]json.RawMessage
	if err := json.Unmarshal(data, &inner); err != nil {
		return nil, goerr.Wrap(domain.ErrProtocol, "decode data member", goerr.V("cause", err.Error()))
	}
	md, ok := inner["metric_data"]
	if !ok || isNull(md) {
		return nil, nil
	}
	var items []json.RawMessage
	if err := json.Unmarshal(md, &items); err != nil {
		return nil, goerr.Wrap(domain.ErrProtocol, "decode metric_data", goerr.V("cause", err.Error()))
	}
	return items, nil
}

func unwrapAll(items []json.RawMessage) ([]entry, error) {
	entries := make([]entry, 0, len(items))
	for i, item := range items {
		var obj map[string]json.RawMessage
		if err := json.Unmarshal(item, &obj); err != nil || obj == nil {
			return nil, goerr.Wrap(domain.ErrProtocol, "metric entry is not an object", goerr.V("index", i))
		}
		e, err := unwrap(obj)
		if err != nil {
			return nil, goerr.Wrap(err, "unwrap entry", goerr.V("index", i))
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// unwrap reads the tag and selects the body: the "object" member when present and non-null,
// otherwise the entry itself.
func unwrap(obj map[string]json.RawMessage) (entry, error) {
	var tag string
	if err := json.Unmarshal(obj["type"], &tag); err != nil || tag == "" {
		return entry{}, goerr.Wrap(domain.ErrProtocol, "entry has no string type tag")
	}

	body := obj
	if wrapped, ok := obj["object"]; ok && !isNull(wrapped) {
		var inner map[string]json.RawMessage
		if err := json.Unmarshal(wrapped, &inner); err != nil {
			return entry{}, goerr.Wrap(domain.ErrProtocol, "object member is not an object", goerr.V("tag", tag))
		}
		body = inner
	}
	return entry{Tag: tag, Body: body}, nil
}

// unmappedPayload re-encodes the unwrapped body with its tag, so wrapped and unwrapped
// entries keep identical bytes. Keys come out sorted and compacted.
func unmappedPayload(e entry) (json.RawMessage, error) {
	out := make(map[string]json.RawMessage, len(e.Body)+1)
	for k, v := range e.Body {
		if k == "object" && isNull(v) {
			continue
		}
		out[k] = v
	}
	tag, err := json.Marshal(e.Tag)
	if err != nil {
		return nil, err
	}
	out["type"] = tag
	b, err := json.Marshal(out)
	if err != nil {
		return nil, goerr.Wrap(domain.ErrProtocol, "encode unmapped entry", goerr.V("cause", err.Error()))
	}
	return b, nil
}

func isNull(raw json.RawMessage) bool {
	t := bytes.TrimSpace(raw)
	return len(t) == 0 || bytes.Equal(t, []byte("null"))
}
