package pipeline_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"testing/iotest"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/DeafMist/dataracy/backend/internal/apperr"
	"github.com/DeafMist/dataracy/backend/internal/metadata"
	"github.com/DeafMist/dataracy/backend/internal/models"
	"github.com/DeafMist/dataracy/backend/internal/pipeline"
	"github.com/DeafMist/dataracy/backend/internal/projection"
)

type stubFiles struct {
	mu        sync.Mutex
	files     map[string][]byte
	failures  int
	broken    int
	downloads int
}

func (s *stubFiles) Download(_ context.Context, fileURL string) (io.ReadCloser, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.downloads++
	if s.failures > 0 {
		s.failures--
		return nil, apperr.New(apperr.FileDownloadFailure, "connection reset")
	}
	body, ok := s.files[fileURL]
	if !ok {
		return nil, apperr.New(apperr.FileNotFound, fileURL)
	}
	if s.broken > 0 {
		s.broken--
		cut := io.MultiReader(bytes.NewReader(body[:len(body)/2]), iotest.ErrReader(errors.New("connection reset by peer")))
		return io.NopCloser(cut), nil
	}
	return io.NopCloser(bytes.NewReader(body)), nil
}

type stubStore struct {
	mu       sync.Mutex
	datasets map[int64]models.Dataset
	saves    int
}

func (s *stubStore) ValidateData(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if d, ok := s.datasets[id]; !ok || d.Deleted {
		return apperr.Newf(apperr.DataNotFound, "dataId=%d", id)
	}
	return nil
}

func (s *stubStore) SaveMetadata(_ context.Context, id int64, md models.ParsedMetadata) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.datasets[id]
	if !ok {
		return apperr.Newf(apperr.DataNotFound, "dataId=%d", id)
	}
	d.Metadata = &md
	s.datasets[id] = d
	s.saves++
	return nil
}

func (s *stubStore) FindDataByID(_ context.Context, id int64) (models.Dataset, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.datasets[id]
	return d, ok, nil
}

type stubLabels struct{}

func (stubLabels) Labels(_ context.Context, d models.Dataset) (models.Labels, error) {
	return models.Labels{Topic: "transport", DataSource: "city", DataType: "table", Username: fmt.Sprintf("user%d", d.UserID)}, nil
}

type stubIndex struct {
	mu      sync.Mutex
	docs    map[int64]models.SearchDocument
	calls   int
	deleted []int64
	failIDs map[int64]bool
}

func newStubIndex() *stubIndex {
	return &stubIndex{docs: map[int64]models.SearchDocument{}, failIDs: map[int64]bool{}}
}

func (s *stubIndex) IndexDataset(_ context.Context, doc models.SearchDocument) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.failIDs[doc.ID] {
		return apperr.New(apperr.DataIndexFailure, "cluster unavailable")
	}
	s.docs[doc.ID] = doc
	return nil
}

func (s *stubIndex) DeleteDataset(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deleted = append(s.deleted, id)
	delete(s.docs, id)
	return nil
}

type enqueued struct {
	dataID int64
	kind   projection.Kind
}

type stubQueue struct {
	tasks []enqueued
}

func (q *stubQueue) Enqueue(_ context.Context, dataID int64, kind projection.Kind) error {
	q.tasks = append(q.tasks, enqueued{dataID: dataID, kind: kind})
	return nil
}

type fixture struct {
	files *stubFiles
	store *stubStore
	index *stubIndex
	queue *stubQueue
	in    *pipeline.Ingestor
}

func csvFile(rows, cols int) []byte {
	var b strings.Builder
	for c := range cols {
		if c > 0 {
			b.WriteByte(',')
		}
		fmt.Fprintf(&b, "col%d", c+1)
	}
	b.WriteByte('\n')
	for r := range rows {
		for c := range cols {
			if c > 0 {
				b.WriteByte(',')
			}
			fmt.Fprintf(&b, "r%dc%d", r+1, c+1)
		}
		b.WriteByte('\n')
	}
	return []byte(b.String())
}

func newFixture() *fixture {
	f := &fixture{
		files: &stubFiles{files: map[string][]byte{
			"s3://bucket/42.csv": csvFile(100, 5),
			"s3://bucket/7.csv":  csvFile(3, 2),
			"s3://bucket/9.txt":  []byte("plain text"),
		}},
		store: &stubStore{datasets: map[int64]models.Dataset{
			42: {ID: 42, Title: "Seoul bus stops", UserID: 1, Description: "bus stop locations"},
			7:  {ID: 7, Title: "Rainfall", UserID: 2},
			9:  {ID: 9, Title: "Notes", UserID: 3},
		}},
		index: newStubIndex(),
		queue: &stubQueue{},
	}
	f.in = pipeline.NewIngestor(pipeline.Deps{
		Files:  f.files,
		Store:  f.store,
		Labels: stubLabels{},
		Index:  f.index,
		Queue:  f.queue,
	}, pipeline.Config{
		Limits: metadata.DefaultLimits(),
		Retry:  pipeline.RetryPolicy{MaxAttempts: 3, Base: time.Millisecond, Max: 2 * time.Millisecond},
	}, nil)
	return f
}

func uploadEvent(id int64, url string) models.DataUploadEvent {
	return models.DataUploadEvent{DataID: id, FileURL: url, OriginalFilename: url[strings.LastIndex(url, "/")+1:]}
}

func TestHandleUploadIndexesParsedDataset(t *testing.T) {
	f := newFixture()

	require.NoError(t, f.in.HandleUpload(context.Background(), uploadEvent(42, "s3://bucket/42.csv")))

	d := f.store.datasets[42]
	require.NotNil(t, d.Metadata)
	require.Equal(t, 100, d.Metadata.RowCount)
	require.Equal(t, 5, d.Metadata.ColumnCount)

	var preview []map[string]string
	require.NoError(t, json.Unmarshal([]byte(d.Metadata.PreviewJSON), &preview))
	require.Len(t, preview, 10)
	require.Equal(t, "r1c1", preview[0]["col1"])

	doc, ok := f.index.docs[42]
	require.True(t, ok)
	require.Equal(t, 100, doc.RowCount)
	require.Equal(t, 5, doc.ColumnCount)
	require.True(t, doc.HasMetadata)
	require.Equal(t, "user1", doc.Username)
	require.Contains(t, doc.Keywords, "bus")
	require.Empty(t, f.queue.tasks)
}

func TestDuplicateDeliveryKeepsOneDocument(t *testing.T) {
	f := newFixture()
	evt := uploadEvent(42, "s3://bucket/42.csv")

	require.NoError(t, f.in.HandleUpload(context.Background(), evt))
	first := *f.store.datasets[42].Metadata
	require.NoError(t, f.in.HandleUpload(context.Background(), evt))

	require.Equal(t, 2, f.index.calls)
	require.Len(t, f.index.docs, 1)
	require.Equal(t, first, *f.store.datasets[42].Metadata)
}

func TestParseMetadataIsDeterministic(t *testing.T) {
	f := newFixture()
	req := models.ParseMetadataRequest{DataID: 42, FileURL: "s3://bucket/42.csv", OriginalFilename: "42.csv"}

	a, err := f.in.ParseMetadata(context.Background(), req)
	require.NoError(t, err)
	b, err := f.in.ParseMetadata(context.Background(), req)
	require.NoError(t, err)
	require.Equal(t, a, b)
}

func TestParseMetadataRetriesTransientDownloads(t *testing.T) {
	f := newFixture()
	f.files.failures = 2

	md, err := f.in.ParseMetadata(context.Background(), models.ParseMetadataRequest{DataID: 7, FileURL: "s3://bucket/7.csv"})
	require.NoError(t, err)
	require.Equal(t, 3, md.RowCount)
	require.Equal(t, 3, f.files.downloads)
}

func TestParseMetadataGivesUpAfterMaxAttempts(t *testing.T) {
	f := newFixture()
	f.files.failures = 10

	_, err := f.in.ParseMetadata(context.Background(), models.ParseMetadataRequest{DataID: 7, FileURL: "s3://bucket/7.csv"})
	require.True(t, apperr.IsRetryable(err))
	require.Equal(t, 3, f.files.downloads)
}

func TestParseMetadataRetriesInterruptedBody(t *testing.T) {
	f := newFixture()
	f.files.broken = 1

	require.NoError(t, f.in.HandleUpload(context.Background(), uploadEvent(42, "s3://bucket/42.csv")))
	require.Equal(t, 2, f.files.downloads)
	require.Equal(t, 100, f.store.datasets[42].Metadata.RowCount)
	require.Equal(t, 100, f.index.docs[42].RowCount)
}

func TestParseMetadataInterruptedBodyStaysRetryable(t *testing.T) {
	f := newFixture()
	f.files.broken = 10

	_, err := f.in.ParseMetadata(context.Background(), models.ParseMetadataRequest{DataID: 7, FileURL: "s3://bucket/7.csv"})
	require.Equal(t, apperr.FileDownloadFailure, apperr.CodeOf(err))
	require.True(t, apperr.IsRetryable(err))
	require.Equal(t, 3, f.files.downloads)
}

func TestUnsupportedFileFailsWithoutSideEffects(t *testing.T) {
	f := newFixture()

	err := f.in.HandleUpload(context.Background(), uploadEvent(9, "s3://bucket/9.txt"))
	require.Equal(t, apperr.DataUnsupportedFile, apperr.CodeOf(err))
	require.Equal(t, apperr.KindPermanent, apperr.KindOf(err))
	require.Zero(t, f.files.downloads)
	require.Nil(t, f.store.datasets[9].Metadata)
	require.Empty(t, f.index.docs)
}

func TestMissingDatasetIsNotWritten(t *testing.T) {
	f := newFixture()
	f.files.files["s3://bucket/404.csv"] = csvFile(1, 1)

	err := f.in.HandleUpload(context.Background(), uploadEvent(404, "s3://bucket/404.csv"))
	require.True(t, apperr.IsNotFound(err))
	require.Zero(t, f.store.saves)
	require.Empty(t, f.index.docs)
}

func TestIndexFailureIsIsolated(t *testing.T) {
	f := newFixture()
	f.index.failIDs[42] = true
	ctx := context.Background()

	require.NoError(t, f.in.HandleUpload(ctx, uploadEvent(42, "s3://bucket/42.csv")))
	require.NoError(t, f.in.HandleUpload(ctx, uploadEvent(7, "s3://bucket/7.csv")))

	// The write for 42 survives and a reindex is deferred.
	d, ok, err := f.store.FindDataByID(ctx, 42)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, 100, d.Metadata.RowCount)
	require.Equal(t, []enqueued{{dataID: 42, kind: projection.KindReindex}}, f.queue.tasks)

	_, indexed := f.index.docs[42]
	require.False(t, indexed)
	require.Equal(t, 3, f.index.docs[7].RowCount)
}

func TestIndexDatasetRemovesOrphanDocument(t *testing.T) {
	f := newFixture()
	f.index.docs[55] = models.SearchDocument{ID: 55}

	err := f.in.IndexDataset(context.Background(), 55)
	require.Equal(t, apperr.DataNotFound, apperr.CodeOf(err))
	require.Equal(t, []int64{55}, f.index.deleted)
	require.Empty(t, f.index.docs)
}

func TestBuildDocumentWithoutMetadata(t *testing.T) {
	now := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)
	doc := pipeline.BuildDocument(models.Dataset{ID: 3, Title: "x"}, models.Labels{Topic: "t"}, 5, 3, now)

	require.False(t, doc.HasMetadata)
	require.Zero(t, doc.RowCount)
	require.Equal(t, []string{}, doc.Keywords)
	require.Equal(t, now, doc.IndexedAt)
	require.Equal(t, "t", doc.Topic)
}
