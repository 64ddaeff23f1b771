// Package dataset persists dataset rows and their parsed metadata in Postgres.
package dataset

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/DeafMist/dataracy/backend/internal/apperr"
	"github.com/DeafMist/dataracy/backend/internal/models"
	"github.com/DeafMist/dataracy/backend/internal/projection"
)

// txTimeout bounds a write transaction once it has started. The caller's
// cancellation is ignored from that point on.
const txTimeout = 10 * time.Second

// PostgresStore is the dataset repository.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore returns a store over pool.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Connect opens a pool and checks connectivity.
func Connect(ctx context.Context, databaseURL string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return pool, nil
}

// execTx runs fn in a transaction that is detached from ctx cancellation.
func (s *PostgresStore) execTx(ctx context.Context, fn func(ctx context.Context, tx pgx.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	txCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), txTimeout)
	defer cancel()
	return pgx.BeginFunc(txCtx, s.pool, func(tx pgx.Tx) error {
		return fn(txCtx, tx)
	})
}

func dbError(op string, err error) error {
	var appErr *apperr.Error
	if errors.As(err, &appErr) {
		return err
	}
	return apperr.Wrap(apperr.DatabaseFailure, op, err)
}

// Create inserts a dataset row without file data and returns its id.
func (s *PostgresStore) Create(ctx context.Context, d models.Dataset) (int64, error) {
	if d.StartDate != nil && d.EndDate != nil && d.StartDate.After(*d.EndDate) {
		return 0, apperr.New(apperr.DataBadRequestDate, "start date is after end date")
	}
	var id int64
	err := s.pool.QueryRow(ctx, `
INSERT INTO data (title, user_id, topic_id, data_source_id, data_type_id, start_date, end_date,
                  description, analysis_guide, data_thumbnail_url)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
RETURNING id`,
		d.Title, d.UserID, d.TopicID, d.DataSourceID, d.DataTypeID, d.StartDate, d.EndDate,
		d.Description, d.AnalysisGuide, d.ThumbnailURL,
	).Scan(&id)
	if err != nil {
		return 0, dbError("create dataset", err)
	}
	return id, nil
}

// AttachFile records the stored file of a dataset.
func (s *PostgresStore) AttachFile(ctx context.Context, id int64, fileURL, originalFilename string, size int64) error {
	tag, err := s.pool.Exec(ctx, `
UPDATE data
   SET data_file_url = $2, original_filename = $3, size_bytes = $4, updated_at = now()
 WHERE id = $1 AND NOT is_deleted`, id, fileURL, originalFilename, size)
	if err != nil {
		return dbError("attach file", err)
	}
	if tag.RowsAffected() == 0 {
		return apperr.Newf(apperr.DataNotFound, "dataId=%d", id)
	}
	return nil
}

const selectDataset = `
SELECT d.id, d.title, d.user_id, d.topic_id, d.data_source_id, d.data_type_id,
       d.start_date, d.end_date, d.description, d.analysis_guide, d.data_file_url,
       d.original_filename, d.data_thumbnail_url, d.size_bytes, d.download_count,
       d.is_deleted, d.created_at, m.row_count, m.column_count, m.preview_json
  FROM data d
  LEFT JOIN data_metadata m ON m.data_id = d.id`

func scanDataset(row pgx.Row) (models.Dataset, error) {
	var (
		d       models.Dataset
		rows    *int
		cols    *int
		preview *string
	)
	err := row.Scan(
		&d.ID, &d.Title, &d.UserID, &d.TopicID, &d.DataSourceID, &d.DataTypeID,
		&d.StartDate, &d.EndDate, &d.Description, &d.AnalysisGuide, &d.FileURL,
		&d.OriginalFilename, &d.ThumbnailURL, &d.SizeBytes, &d.DownloadCount,
		&d.Deleted, &d.CreatedAt, &rows, &cols, &preview,
	)
	if err != nil {
		return models.Dataset{}, err
	}
	if rows != nil && cols != nil && preview != nil {
		d.Metadata = &models.ParsedMetadata{RowCount: *rows, ColumnCount: *cols, PreviewJSON: *preview}
	}
	return d, nil
}

// FindDataByID loads a dataset, soft deleted or not, with its metadata.
func (s *PostgresStore) FindDataByID(ctx context.Context, id int64) (models.Dataset, bool, error) {
	d, err := scanDataset(s.pool.QueryRow(ctx, selectDataset+` WHERE d.id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Dataset{}, false, nil
	}
	if err != nil {
		return models.Dataset{}, false, dbError("find dataset", err)
	}
	return d, true, nil
}

// ValidateData fails with DATA_NOT_FOUND unless the dataset exists and is not deleted.
func (s *PostgresStore) ValidateData(ctx context.Context, id int64) error {
	var exists bool
	err := s.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM data WHERE id = $1 AND NOT is_deleted)`, id).Scan(&exists)
	if err != nil {
		return dbError("validate dataset", err)
	}
	if !exists {
		return apperr.Newf(apperr.DataNotFound, "dataId=%d", id)
	}
	return nil
}

// SaveMetadata replaces the parsed metadata of a dataset. The dataset row is
// locked first so concurrent writers for one dataset are serialized.
func (s *PostgresStore) SaveMetadata(ctx context.Context, id int64, md models.ParsedMetadata) error {
	err := s.execTx(ctx, func(ctx context.Context, tx pgx.Tx) error {
		var locked int64
		err := tx.QueryRow(ctx, `SELECT id FROM data WHERE id = $1 AND NOT is_deleted FOR UPDATE`, id).Scan(&locked)
		if errors.Is(err, pgx.ErrNoRows) {
			return apperr.Newf(apperr.DataNotFound, "dataId=%d", id)
		}
		if err != nil {
			return err
		}

		_, err = tx.Exec(ctx, `
INSERT INTO data_metadata (data_id, row_count, column_count, preview_json, updated_at)
VALUES ($1, $2, $3, $4, now())
ON CONFLICT (data_id) DO UPDATE
   SET row_count = EXCLUDED.row_count,
       column_count = EXCLUDED.column_count,
       preview_json = EXCLUDED.preview_json,
       updated_at = EXCLUDED.updated_at`, id, md.RowCount, md.ColumnCount, md.PreviewJSON)
		return err
	})
	if err != nil {
		return dbError("save metadata", err)
	}
	return nil
}

// RecordDownload increments the download count and queues the same change
// for the search index in one transaction.
func (s *PostgresStore) RecordDownload(ctx context.Context, id int64) error {
	err := s.execTx(ctx, func(ctx context.Context, tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `UPDATE data SET download_count = download_count + 1 WHERE id = $1 AND NOT is_deleted`, id)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return apperr.Newf(apperr.DataNotFound, "dataId=%d", id)
		}
		return projection.Insert(ctx, tx, id, projection.KindDownload, 1)
	})
	if err != nil {
		return dbError("record download", err)
	}
	return nil
}

// SetDeleted soft deletes or restores a dataset and queues the index change.
func (s *PostgresStore) SetDeleted(ctx context.Context, id int64, deleted bool) error {
	kind := projection.KindRestore
	if deleted {
		kind = projection.KindDelete
	}
	err := s.execTx(ctx, func(ctx context.Context, tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `UPDATE data SET is_deleted = $2, updated_at = now() WHERE id = $1`, id, deleted)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return apperr.Newf(apperr.DataNotFound, "dataId=%d", id)
		}
		return projection.Insert(ctx, tx, id, kind, 0)
	})
	if err != nil {
		return dbError("set deleted", err)
	}
	return nil
}

// PopularDataSets ranks parsed, visible datasets by downloads plus connected
// projects. Ties go to the newer dataset.
func (s *PostgresStore) PopularDataSets(ctx context.Context, size int) ([]models.RankedDataset, error) {
	rows, err := s.pool.Query(ctx, `
SELECT ranked.*
  FROM (
        SELECT d.id, d.title, d.user_id, d.topic_id, d.data_source_id, d.data_type_id,
               d.start_date, d.end_date, d.description, d.analysis_guide, d.data_file_url,
               d.original_filename, d.data_thumbnail_url, d.size_bytes, d.download_count,
               d.is_deleted, d.created_at, m.row_count, m.column_count, m.preview_json,
               (SELECT count(DISTINCT pd.project_id) FROM project_data pd WHERE pd.data_id = d.id) AS project_count
          FROM data d
          JOIN data_metadata m ON m.data_id = d.id
         WHERE NOT d.is_deleted
       ) ranked
 ORDER BY ranked.download_count + ranked.project_count DESC, ranked.created_at DESC, ranked.id DESC
 LIMIT $1`, size)
	if err != nil {
		return nil, dbError("rank datasets", err)
	}

	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (models.RankedDataset, error) {
		var (
			r       models.RankedDataset
			nrows   int
			ncols   int
			preview string
		)
		err := row.Scan(
			&r.ID, &r.Title, &r.UserID, &r.TopicID, &r.DataSourceID, &r.DataTypeID,
			&r.StartDate, &r.EndDate, &r.Description, &r.AnalysisGuide, &r.FileURL,
			&r.OriginalFilename, &r.ThumbnailURL, &r.SizeBytes, &r.DownloadCount,
			&r.Deleted, &r.CreatedAt, &nrows, &ncols, &preview, &r.ConnectedProjectCount,
		)
		r.Metadata = &models.ParsedMetadata{RowCount: nrows, ColumnCount: ncols, PreviewJSON: preview}
		return r, err
	})
	if err != nil {
		return nil, dbError("scan ranked datasets", err)
	}
	return out, nil
}

// CountVisible returns the number of datasets that are not soft deleted.
func (s *PostgresStore) CountVisible(ctx context.Context) (int64, error) {
	var n int64
	if err := s.pool.QueryRow(ctx, `SELECT count(*) FROM data WHERE NOT is_deleted`).Scan(&n); err != nil {
		return 0, dbError("count datasets", err)
	}
	return n, nil
}
