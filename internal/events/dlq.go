package events

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/DeafMist/dataracy/backend/internal/apperr"
	"github.com/DeafMist/dataracy/backend/internal/logger"
)

// DLQTopic returns the dead letter topic of topic.
func DLQTopic(topic string) string {
	return topic + "_dlq"
}

// DeadLetter forwards failed messages to the dead letter topic.
type DeadLetter struct {
	writer   MessageWriter
	log      *slog.Logger
	attempts int
	backoff  time.Duration
	now      func() time.Time
}

// NewDeadLetter returns a DeadLetter that tries each write up to five times
// with exponential backoff starting at one second.
func NewDeadLetter(writer MessageWriter, log *slog.Logger) *DeadLetter {
	return &DeadLetter{writer: writer, log: logger.OrDiscard(log), attempts: 5, backoff: time.Second, now: time.Now}
}

// WithBackoff overrides the first retry delay.
func (d *DeadLetter) WithBackoff(backoff time.Duration) *DeadLetter {
	d.backoff = backoff
	return d
}

// Send copies msg to the dead letter topic with the cause in its headers.
// It returns an error only when every attempt failed or ctx ended.
func (d *DeadLetter) Send(ctx context.Context, msg kafka.Message, cause error) error {
	headers := make([]kafka.Header, 0, len(msg.Headers)+5)
	headers = append(headers, msg.Headers...)
	headers = append(headers,
		kafka.Header{Key: "original_partition", Value: []byte(fmt.Sprintf("%d", msg.Partition))},
		kafka.Header{Key: "original_offset", Value: []byte(fmt.Sprintf("%d", msg.Offset))},
		kafka.Header{Key: "error", Value: []byte(cause.Error())},
		kafka.Header{Key: "error_kind", Value: []byte(apperr.KindOf(cause).String())},
		kafka.Header{Key: "timestamp", Value: []byte(d.now().UTC().Format(time.RFC3339))},
	)
	dlqMsg := kafka.Message{Key: msg.Key, Value: msg.Value, Headers: headers}

	var lastErr error
	for attempt := range d.attempts {
		lastErr = d.writer.WriteMessages(ctx, dlqMsg)
		if lastErr == nil {
			d.log.Info("message sent to DLQ",
				slog.Int("partition", msg.Partition),
				slog.Int64("offset", msg.Offset),
				slog.Int("attempt", attempt+1),
			)
			return nil
		}

		wait := d.backoff * time.Duration(1<<uint(attempt))
		d.log.Warn("DLQ write failed, retrying",
			slog.Any("err", lastErr),
			slog.Int("attempt", attempt+1),
			slog.Duration("backoff", wait),
		)
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return fmt.Errorf("dlq write exhausted %d attempts: %w", d.attempts, lastErr)
}
