// Package pipeline runs the upload stages: parse metadata, write it, index
// the dataset.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path"
	"strconv"
	"time"

	"github.com/DeafMist/dataracy/backend/internal/apperr"
	"github.com/DeafMist/dataracy/backend/internal/logger"
	"github.com/DeafMist/dataracy/backend/internal/metadata"
	"github.com/DeafMist/dataracy/backend/internal/models"
	"github.com/DeafMist/dataracy/backend/internal/projection"
)

// FileSource downloads stored dataset files.
type FileSource interface {
	Download(ctx context.Context, fileURL string) (io.ReadCloser, error)
}

// DatasetStore is the persistence used by the writer and indexer stages.
type DatasetStore interface {
	ValidateData(ctx context.Context, id int64) error
	SaveMetadata(ctx context.Context, id int64, md models.ParsedMetadata) error
	FindDataByID(ctx context.Context, id int64) (models.Dataset, bool, error)
}

// LabelResolver resolves reference labels of a dataset.
type LabelResolver interface {
	Labels(ctx context.Context, d models.Dataset) (models.Labels, error)
}

// SearchIndex stores search documents keyed by dataset id.
type SearchIndex interface {
	IndexDataset(ctx context.Context, doc models.SearchDocument) error
	DeleteDataset(ctx context.Context, dataID int64) error
}

// TaskQueue defers index work to the projector.
type TaskQueue interface {
	Enqueue(ctx context.Context, dataID int64, kind projection.Kind) error
}

// Locker serializes work on one dataset across processes.
type Locker interface {
	WithLock(ctx context.Context, name string, wait, lease time.Duration, fn func(ctx context.Context) error) error
}

// Config tunes an Ingestor.
type Config struct {
	Limits        metadata.Limits
	Retry         RetryPolicy
	KeywordLimit  int
	KeywordMinLen int
	LockWait      time.Duration
	LockLease     time.Duration
}

func (c Config) normalize() Config {
	if c.KeywordLimit <= 0 {
		c.KeywordLimit = 10
	}
	if c.KeywordMinLen <= 0 {
		c.KeywordMinLen = 2
	}
	if c.LockWait <= 0 {
		c.LockWait = 5 * time.Second
	}
	if c.LockLease <= 0 {
		c.LockLease = 2 * time.Minute
	}
	return c
}

// Ingestor wires the stages to their collaborators. Queue and Locker are
// optional.
type Ingestor struct {
	files  FileSource
	store  DatasetStore
	labels LabelResolver
	index  SearchIndex
	queue  TaskQueue
	locker Locker
	cfg    Config
	log    *slog.Logger
	now    func() time.Time
}

// Deps groups the collaborators of an Ingestor.
type Deps struct {
	Files  FileSource
	Store  DatasetStore
	Labels LabelResolver
	Index  SearchIndex
	Queue  TaskQueue
	Locker Locker
}

// NewIngestor builds an Ingestor.
func NewIngestor(deps Deps, cfg Config, log *slog.Logger) *Ingestor {
	return &Ingestor{
		files:  deps.Files,
		store:  deps.Store,
		labels: deps.Labels,
		index:  deps.Index,
		queue:  deps.Queue,
		locker: deps.Locker,
		cfg:    cfg.normalize(),
		log:    logger.OrDiscard(log),
		now:    time.Now,
	}
}

// ParseMetadata downloads the file and computes its metadata. Storage errors
// are retried; unsupported or corrupt content fails at once.
func (in *Ingestor) ParseMetadata(ctx context.Context, req models.ParseMetadataRequest) (models.ParsedMetadata, error) {
	filename := req.OriginalFilename
	if filename == "" {
		filename = path.Base(req.FileURL)
	}
	if _, err := metadata.DetectFormat(filename); err != nil {
		return models.ParsedMetadata{}, err
	}

	var md models.ParsedMetadata
	err := Retry(ctx, in.cfg.Retry, in.log, "parse", func(ctx context.Context) error {
		body, err := in.files.Download(ctx, req.FileURL)
		if err != nil {
			return err
		}
		defer body.Close()

		md, err = metadata.Parse(ctx, &downloadReader{r: body, url: req.FileURL}, filename, in.cfg.Limits)
		return err
	})
	if err != nil {
		return models.ParsedMetadata{}, fmt.Errorf("parse metadata of dataset %d: %w", req.DataID, err)
	}
	return md, nil
}

// downloadReader tags failed reads of a file body as download failures so a
// dropped connection is retried instead of reported as corrupt content.
type downloadReader struct {
	r   io.Reader
	url string
}

func (d *downloadReader) Read(p []byte) (int, error) {
	n, err := d.r.Read(p)
	if err != nil && !errors.Is(err, io.EOF) {
		err = apperr.Wrap(apperr.FileDownloadFailure, d.url, err)
	}
	return n, err
}

// WriteMetadata attaches md to the dataset. The dataset must exist.
func (in *Ingestor) WriteMetadata(ctx context.Context, dataID int64, md models.ParsedMetadata) error {
	if err := in.store.ValidateData(ctx, dataID); err != nil {
		return err
	}
	return Retry(ctx, in.cfg.Retry, in.log, "write", func(ctx context.Context) error {
		return in.store.SaveMetadata(ctx, dataID, md)
	})
}

// IndexDataset rebuilds the search document of a dataset from its committed
// row. A dataset that no longer exists is removed from the index.
func (in *Ingestor) IndexDataset(ctx context.Context, dataID int64) error {
	d, ok, err := in.store.FindDataByID(ctx, dataID)
	if err != nil {
		return err
	}
	if !ok {
		if err := in.index.DeleteDataset(ctx, dataID); err != nil {
			in.log.Warn("delete orphan search document", slog.Int64("data_id", dataID), slog.Any("err", err))
		}
		return apperr.Newf(apperr.DataNotFound, "dataId=%d", dataID)
	}

	labels, err := in.labels.Labels(ctx, d)
	if err != nil {
		return fmt.Errorf("resolve labels of dataset %d: %w", dataID, err)
	}
	doc := BuildDocument(d, labels, in.cfg.KeywordLimit, in.cfg.KeywordMinLen, in.now())

	return Retry(ctx, in.cfg.Retry, in.log, "index", func(ctx context.Context) error {
		return in.index.IndexDataset(ctx, doc)
	})
}

// HandleUpload runs every stage for one upload event. Parse and write run
// under the dataset lock. An indexing failure is handed to the task queue
// and does not fail the event.
func (in *Ingestor) HandleUpload(ctx context.Context, evt models.DataUploadEvent) error {
	log := in.log.With(slog.Int64("data_id", evt.DataID))
	start := in.now()

	err := in.withDatasetLock(ctx, evt.DataID, func(ctx context.Context) error {
		md, err := in.ParseMetadata(ctx, models.ParseMetadataRequest{
			DataID:           evt.DataID,
			FileURL:          evt.FileURL,
			OriginalFilename: evt.OriginalFilename,
		})
		if err != nil {
			return err
		}
		if err := in.WriteMetadata(ctx, evt.DataID, md); err != nil {
			return err
		}
		log.Info("metadata written",
			slog.Int("rows", md.RowCount),
			slog.Int("columns", md.ColumnCount),
		)
		return nil
	})
	if err != nil {
		return err
	}

	if err := in.IndexDataset(ctx, evt.DataID); err != nil {
		if apperr.CodeOf(err) == apperr.DataNotFound {
			return err
		}
		log.Warn("indexing failed, deferring to projector", slog.Any("err", err))
		if in.queue == nil {
			return err
		}
		if qerr := in.queue.Enqueue(context.WithoutCancel(ctx), evt.DataID, projection.KindReindex); qerr != nil {
			return fmt.Errorf("enqueue reindex after %v: %w", err, qerr)
		}
		return nil
	}

	log.Info("dataset indexed", slog.Duration("took", in.now().Sub(start)))
	return nil
}

func (in *Ingestor) withDatasetLock(ctx context.Context, dataID int64, fn func(ctx context.Context) error) error {
	if in.locker == nil {
		return fn(ctx)
	}
	return in.locker.WithLock(ctx, "dataset:"+strconv.FormatInt(dataID, 10), in.cfg.LockWait, in.cfg.LockLease, fn)
}
