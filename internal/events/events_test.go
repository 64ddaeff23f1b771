package events_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/require"

	"github.com/DeafMist/dataracy/backend/internal/apperr"
	"github.com/DeafMist/dataracy/backend/internal/events"
	"github.com/DeafMist/dataracy/backend/internal/models"
)

type stubWriter struct {
	msgs  []kafka.Message
	fails int
}

func (s *stubWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if s.fails > 0 {
		s.fails--
		return errors.New("broker unavailable")
	}
	s.msgs = append(s.msgs, msgs...)
	return nil
}

func header(msg kafka.Message, key string) string {
	for _, h := range msg.Headers {
		if h.Key == key {
			return string(h.Value)
		}
	}
	return ""
}

func TestPublishUploadKeysByDataID(t *testing.T) {
	w := &stubWriter{}
	pub := events.NewPublisher(w, nil)

	evt, err := pub.PublishUpload(context.Background(), models.DataUploadEvent{
		DataID: 42, FileURL: "s3://bucket/42.csv", OriginalFilename: "42.csv",
	})
	require.NoError(t, err)
	require.NotEmpty(t, evt.EventID)
	require.False(t, evt.EmittedAt.IsZero())

	require.Len(t, w.msgs, 1)
	require.Equal(t, "42", string(w.msgs[0].Key))
	require.Equal(t, evt.EventID, header(w.msgs[0], "event_id"))

	decoded, err := events.Decode(w.msgs[0].Value)
	require.NoError(t, err)
	require.Equal(t, int64(42), decoded.DataID)
	require.Equal(t, "s3://bucket/42.csv", decoded.FileURL)
	require.Equal(t, "42.csv", decoded.OriginalFilename)
}

func TestPublishUploadRejectsInvalidEvent(t *testing.T) {
	w := &stubWriter{}
	pub := events.NewPublisher(w, nil)

	_, err := pub.PublishUpload(context.Background(), models.DataUploadEvent{DataID: 42})
	require.Equal(t, apperr.DataInvalidFileURL, apperr.CodeOf(err))
	require.Empty(t, w.msgs)
}

func TestDecode(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		code apperr.Code
	}{
		{name: "valid", raw: `{"dataId":7,"fileUrl":" s3://b/7.json ","originalFilename":"7.json"}`},
		{name: "not json", raw: `{`, code: apperr.InvalidRequest},
		{name: "missing id", raw: `{"fileUrl":"s3://b/7.json"}`, code: apperr.InvalidRequest},
		{name: "missing url", raw: `{"dataId":7}`, code: apperr.DataInvalidFileURL},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			evt, err := events.Decode([]byte(tt.raw))
			if tt.code != "" {
				require.Equal(t, tt.code, apperr.CodeOf(err))
				return
			}
			require.NoError(t, err)
			require.Equal(t, "s3://b/7.json", evt.FileURL)
		})
	}
}

func TestDeadLetterAddsHeadersAndRetries(t *testing.T) {
	w := &stubWriter{fails: 2}
	dlq := events.NewDeadLetter(w, nil).WithBackoff(time.Millisecond)

	body, err := json.Marshal(models.DataUploadEvent{DataID: 5, FileURL: "s3://b/5.txt"})
	require.NoError(t, err)
	msg := kafka.Message{Key: []byte("5"), Value: body, Partition: 2, Offset: 17}

	cause := apperr.New(apperr.DataUnsupportedFile, "5.txt")
	require.NoError(t, dlq.Send(context.Background(), msg, cause))

	require.Len(t, w.msgs, 1)
	sent := w.msgs[0]
	require.Equal(t, body, sent.Value)
	require.Equal(t, "2", header(sent, "original_partition"))
	require.Equal(t, "17", header(sent, "original_offset"))
	require.Equal(t, "permanent", header(sent, "error_kind"))
	require.Contains(t, header(sent, "error"), "DATA_UNSUPPORTED_FILE")
}

func TestDeadLetterGivesUp(t *testing.T) {
	w := &stubWriter{fails: 100}
	dlq := events.NewDeadLetter(w, nil).WithBackoff(time.Millisecond)

	err := dlq.Send(context.Background(), kafka.Message{Value: []byte("{}")}, errors.New("boom"))
	require.Error(t, err)
	require.Empty(t, w.msgs)
}

func TestDLQTopic(t *testing.T) {
	require.Equal(t, "data_upload_dlq", events.DLQTopic("data_upload"))
}
