// Package kafka publishes finished sync runs to a Kafka topic.
package kafka

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/m-mizutani/goerr/v2"
	kafkago "github.com/segmentio/kafka-go"

	"wearable-sync/internal/domain"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafkago.Message) error
	Close() error
}

// Reporter implements ports.RunReporter. Messages are keyed by user id so one user's runs stay ordered.
type Reporter struct {
	writer  messageWriter
	topic   string
	timeout time.Duration
	log     *slog.Logger
}

// NewReporter creates a synchronous writer for topic on brokers.
func NewReporter(brokers []string, topic string, log *slog.Logger) *Reporter {
	w := &kafkago.Writer{
		Addr:         kafkago.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafkago.Hash{},
		RequiredAcks: kafkago.RequireAll,
		Compression:  kafkago.Snappy,
		Async:        false,
	}
	return newReporter(w, topic, log)
}

func newReporter(w messageWriter, topic string, log *slog.Logger) *Reporter {
	if log == nil {
		log = slog.Default()
	}
	return &Reporter{writer: w, topic: topic, timeout: 10 * time.Second, log: log}
}

// runMessage is the JSON body of a report.
type runMessage struct {
	*domain.SyncRun
	FailedDays []domain.DayOutcome `json:"failed_days"`
}

func (r *Reporter) Report(ctx context.Context, run *domain.SyncRun) error {
	body, err := json.Marshal(runMessage{SyncRun: run, FailedDays: run.FailedDays()})
	if err != nil {
		return goerr.Wrap(err, "encode sync run", goerr.V("run", run.ID.String()))
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	msg := kafkago.Message{
		Key:   []byte(run.UserID),
		Value: body,
		Time:  run.FinishedAt,
		Headers: []kafkago.Header{
			{Key: "provider", Value: []byte(run.Provider)},
			{Key: "state", Value: []byte(run.State)},
		},
	}
	if err := r.writer.WriteMessages(ctx, msg); err != nil {
		return goerr.Wrap(err, "publish sync run", goerr.V("topic", r.topic), goerr.V("run", run.ID.String()))
	}
	r.log.Debug("sync run published", slog.String("topic", r.topic), slog.String("run", run.ID.String()))
	return nil
}

func (r *Reporter) Close() error { return r.writer.Close() }
