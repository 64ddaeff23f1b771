// Package events carries DataUploadEvent over Kafka.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"

	"github.com/DeafMist/dataracy/backend/internal/apperr"
	"github.com/DeafMist/dataracy/backend/internal/logger"
	"github.com/DeafMist/dataracy/backend/internal/models"
)

// MessageWriter is the subset of *kafka.Writer used here.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
}

// NewWriter returns a writer for topic that hashes message keys to partitions,
// so every event of one dataset lands on the same partition.
func NewWriter(brokers []string, topic string) *kafka.Writer {
	return &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		MaxAttempts:  3,
	}
}

// Publisher emits upload events.
type Publisher struct {
	writer MessageWriter
	log    *slog.Logger
	now    func() time.Time
}

// NewPublisher returns a Publisher over writer.
func NewPublisher(writer MessageWriter, log *slog.Logger) *Publisher {
	return &Publisher{writer: writer, log: logger.OrDiscard(log), now: time.Now}
}

// PublishUpload sends evt keyed by its data id. EventID and EmittedAt are
// filled when empty.
func (p *Publisher) PublishUpload(ctx context.Context, evt models.DataUploadEvent) (models.DataUploadEvent, error) {
	if err := validate(evt); err != nil {
		return evt, err
	}
	if evt.EventID == "" {
		evt.EventID = uuid.NewString()
	}
	if evt.EmittedAt.IsZero() {
		evt.EmittedAt = p.now().UTC()
	}

	body, err := json.Marshal(evt)
	if err != nil {
		return evt, fmt.Errorf("encode upload event: %w", err)
	}
	msg := kafka.Message{
		Key:   []byte(strconv.FormatInt(evt.DataID, 10)),
		Value: body,
		Headers: []kafka.Header{
			{Key: "event_id", Value: []byte(evt.EventID)},
			{Key: "event_type", Value: []byte("data_upload")},
		},
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return evt, fmt.Errorf("publish upload event for dataset %d: %w", evt.DataID, err)
	}
	p.log.Info("upload event published",
		slog.Int64("data_id", evt.DataID),
		slog.String("event_id", evt.EventID),
	)
	return evt, nil
}

// Decode parses and validates an upload event.
func Decode(value []byte) (models.DataUploadEvent, error) {
	var evt models.DataUploadEvent
	if err := json.Unmarshal(value, &evt); err != nil {
		return evt, apperr.Wrap(apperr.InvalidRequest, "decode upload event", err)
	}
	evt.FileURL = strings.TrimSpace(evt.FileURL)
	evt.OriginalFilename = strings.TrimSpace(evt.OriginalFilename)
	if err := validate(evt); err != nil {
		return evt, err
	}
	return evt, nil
}

func validate(evt models.DataUploadEvent) error {
	if evt.DataID <= 0 {
		return apperr.Newf(apperr.InvalidRequest, "invalid dataId %d", evt.DataID)
	}
	if strings.TrimSpace(evt.FileURL) == "" {
		return apperr.Newf(apperr.DataInvalidFileURL, "dataId=%d has no file url", evt.DataID)
	}
	return nil
}
