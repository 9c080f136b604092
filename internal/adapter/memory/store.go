// Package memory is an in-process ports.Gateway used by tests and the "memory" store driver.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/m-mizutani/goerr/v2"

	"wearable-sync/internal/domain"
)

type sampleKey struct {
	metric domain.MetricType
	ts     int64
}

type unmappedKey struct {
	date string
	tag  string
}

type bucket struct {
	sleep    map[string]domain.SleepSession
	recovery map[string]domain.RecoveryRecord
	samples  map[sampleKey]domain.ActivitySample
	unmapped map[unmappedKey]domain.UnmappedRecord
}

func newBucket() *bucket {
	return &bucket{
		sleep:    make(map[string]domain.SleepSession),
		recovery: make(map[string]domain.RecoveryRecord),
		samples:  make(map[sampleKey]domain.ActivitySample),
		unmapped: make(map[unmappedKey]domain.UnmappedRecord),
	}
}

// Store keeps everything in maps guarded by one RWMutex. Values are copied on the way in and out.
type Store struct {
	mu          sync.RWMutex
	connections map[domain.ConnectionKey]domain.UserConnection
	records     map[domain.ConnectionKey]*bucket
}

func New() *Store {
	return &Store{
		connections: make(map[domain.ConnectionKey]domain.UserConnection),
		records:     make(map[domain.ConnectionKey]*bucket),
	}
}

func (s *Store) Close() error { return nil }

func (s *Store) GetConnection(ctx context.Context, key domain.ConnectionKey) (domain.UserConnection, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.connections[key]
	if !ok {
		return domain.UserConnection{}, goerr.Wrap(domain.ErrConnectionNotFound, "get connection", goerr.V("connection", key.String()))
	}
	return c.Clone(), nil
}

func (s *Store) SaveConnection(ctx context.Context, conn domain.UserConnection) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := conn.Clone()
	if c.UpdatedAt.IsZero() {
		c.UpdatedAt = time.Now()
	}
	s.connections[conn.Key()] = c
	return nil
}

// UpsertDay checks the whole batch before touching state, so a rejected day leaves nothing behind.
func (s *Store) UpsertDay(ctx context.Context, key domain.ConnectionKey, day time.Time, batch domain.Batch) error {
	if err := ctx.Err(); err != nil {
		return goerr.Wrap(domain.ErrPersistence, "upsert day", goerr.V("cause", err.Error()))
	}
	if err := batch.Validate(); err != nil {
		return goerr.Wrap(fmt.Errorf("%w: %w", domain.ErrPersistence, err), "validate batch", goerr.V("date", day.Format(domain.DayLayout)))
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.records[key]
	if !ok {
		b = newBucket()
	}
	for _, ss := range batch.Sleep {
		for id, stored := range b.sleep {
			if id != ss.ExternalID && stored.Overlaps(ss) {
				return goerr.Wrap(fmt.Errorf("%w: %w", domain.ErrPersistence, domain.ErrOverlappingSessions),
					"sleep session overlaps a stored session", goerr.V("external_id", ss.ExternalID), goerr.V("stored", id))
			}
		}
	}

	for _, ss := range batch.Sleep {
		b.sleep[ss.ExternalID] = ss.Clone()
	}
	for _, r := range batch.Recovery {
		b.recovery[r.Date.Format(domain.DayLayout)] = r.Clone()
	}
	for _, smp := range batch.Samples {
		b.samples[sampleKey{metric: smp.Metric, ts: smp.Timestamp.Unix()}] = smp
	}
	for _, u := range batch.Unmapped {
		b.unmapped[unmappedKey{date: u.Date.Format(domain.DayLayout), tag: u.Tag}] = u.Clone()
	}
	s.records[key] = b
	return nil
}

func (s *Store) Query(ctx context.Context, key domain.ConnectionKey, rng domain.DateRange, kind domain.RecordKind) ([]domain.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	b, ok := s.records[key]
	if !ok {
		b = newBucket()
	}
	from, to := rng.From.Format(domain.DayLayout), rng.To.Format(domain.DayLayout)

	var out []domain.Record
	switch kind {
	case domain.KindSleep:
		var list []domain.SleepSession
		for _, ss := range b.sleep {
			if ss.Start.Before(rng.End()) && ss.End.After(rng.From) {
				list = append(list, ss.Clone())
			}
		}
		sort.Slice(list, func(i, j int) bool {
			if !list[i].Start.Equal(list[j].Start) {
				return list[i].Start.Before(list[j].Start)
			}
			return list[i].ExternalID < list[j].ExternalID
		})
		for _, ss := range list {
			out = append(out, ss)
		}
	case domain.KindRecovery:
		var dates []string
		for d := range b.recovery {
			if d >= from && d <= to {
				dates = append(dates, d)
			}
		}
		sort.Strings(dates)
		for _, d := range dates {
			out = append(out, b.recovery[d].Clone())
		}
	case domain.KindSample:
		var list []domain.ActivitySample
		for _, smp := range b.samples {
			if rng.Contains(smp.Timestamp) {
				list = append(list, smp)
			}
		}
		sort.Slice(list, func(i, j int) bool {
			if !list[i].Timestamp.Equal(list[j].Timestamp) {
				return list[i].Timestamp.Before(list[j].Timestamp)
			}
			return list[i].Metric < list[j].Metric
		})
		for _, smp := range list {
			out = append(out, smp)
		}
	case domain.KindUnmapped:
		var keys []unmappedKey
		for k := range b.unmapped {
			if k.date >= from && k.date <= to {
				keys = append(keys, k)
			}
		}
		sort.Slice(keys, func(i, j int) bool {
			if keys[i].date != keys[j].date {
				return keys[i].date < keys[j].date
			}
			return keys[i].tag < keys[j].tag
		})
		for _, k := range keys {
			out = append(out, b.unmapped[k].Clone())
		}
	default:
		return nil, goerr.New("unknown record kind", goerr.V("kind", kind))
	}
	return out, nil
}
