package main

import (
	"context"
	"errors"
	"log/slog"

	"github.com/segmentio/kafka-go"

	"github.com/DeafMist/dataracy/backend/internal/dedupe"
	"github.com/DeafMist/dataracy/backend/internal/events"
	"github.com/DeafMist/dataracy/backend/internal/models"
)

type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
}

type deadLetterer interface {
	Send(ctx context.Context, msg kafka.Message, cause error) error
}

type uploadHandler interface {
	HandleUpload(ctx context.Context, evt models.DataUploadEvent) error
}

type consumer struct {
	reader  messageReader
	dlq     deadLetterer
	handler uploadHandler
	cache   *dedupe.Cache
	log     *slog.Logger
}

// run fetches, processes and commits until ctx ends. A failed message is
// committed only after it reached the DLQ; otherwise it is redelivered
// after a restart.
func (c *consumer) run(ctx context.Context) error {
	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				c.log.Info("context canceled, stopping")
				return nil
			}
			c.log.Error("fetch message", slog.Any("err", err))
			continue
		}

		if err := c.processMessage(ctx, msg); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			c.log.Warn("process message failed, sending to DLQ",
				slog.Any("err", err),
				slog.Int("partition", msg.Partition),
				slog.Int64("offset", msg.Offset),
			)
			if dlqErr := c.dlq.Send(ctx, msg, err); dlqErr != nil {
				if ctx.Err() != nil {
					return nil
				}
				c.log.Error("DLQ write exhausted retries, message may be lost if later messages commit",
					slog.Any("err", dlqErr),
					slog.Int("partition", msg.Partition),
					slog.Int64("offset", msg.Offset),
				)
				continue
			}
		}

		if err := c.reader.CommitMessages(ctx, msg); err != nil {
			c.log.Error("commit message", slog.Any("err", err))
		}
	}
}

func (c *consumer) processMessage(ctx context.Context, msg kafka.Message) error {
	evt, err := events.Decode(msg.Value)
	if err != nil {
		return err
	}

	key := dedupe.Key(evt.DataID, evt.FileURL)
	if c.cache.IsSeen(key) {
		c.log.Debug("duplicate upload event", slog.Int64("data_id", evt.DataID), slog.String("event_id", evt.EventID))
		return nil
	}

	if err := c.handler.HandleUpload(ctx, evt); err != nil {
		return err
	}
	c.cache.MarkSeen(key)
	return nil
}
