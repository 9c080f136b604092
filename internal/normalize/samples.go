package normalize

import (
	"encoding/json"

	"github.com/m-mizutani/goerr/v2"

	"wearable-sync/internal/domain"
)

type samplePoint struct {
	Timestamp number `json:"timestamp"`
	Value     number `json:"value"`
}

// mapSamples emits one ActivitySample per {timestamp, value} pair in order. Duplicates are kept;
// points without a value are not reported and are skipped.
func (n *Normalizer) mapSamples(metric domain.MetricType, body map[string]json.RawMessage) ([]domain.Record, error) {
	var points []samplePoint
	if err := field(body, "values", &points); err != nil {
		return nil, err
	}

	out := make([]domain.Record, 0, len(points))
	for i, p := range points {
		if !p.Timestamp.Set {
			return nil, goerr.Wrap(domain.ErrProtocol, "sample without timestamp", goerr.V("metric", metric), goerr.V("index", i))
		}
		if !p.Value.Set {
			continue
		}
		out = append(out, domain.ActivitySample{
			Metric:    metric,
			Unit:      metric.Unit(),
			Timestamp: unixTime(p.Timestamp.Value),
			Value:     p.Value.Value,
		})
	}
	return out, nil
}
