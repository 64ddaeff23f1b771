// Package upload stores dataset files and triggers the ingestion pipeline.
package upload

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/DeafMist/dataracy/backend/internal/apperr"
	"github.com/DeafMist/dataracy/backend/internal/logger"
	"github.com/DeafMist/dataracy/backend/internal/metadata"
	"github.com/DeafMist/dataracy/backend/internal/models"
)

// Storage is the file storage used for dataset files.
type Storage interface {
	Upload(ctx context.Context, key string, body io.Reader, size int64, contentType string) (string, error)
	Delete(ctx context.Context, fileURL string) error
	PresignedURL(ctx context.Context, fileURL string, ttl time.Duration) (string, error)
}

// Repository persists datasets.
type Repository interface {
	Create(ctx context.Context, d models.Dataset) (int64, error)
	AttachFile(ctx context.Context, id int64, fileURL, originalFilename string, size int64) error
	FindDataByID(ctx context.Context, id int64) (models.Dataset, bool, error)
	RecordDownload(ctx context.Context, id int64) error
	SetDeleted(ctx context.Context, id int64, deleted bool) error
}

// Publisher emits upload events.
type Publisher interface {
	PublishUpload(ctx context.Context, evt models.DataUploadEvent) (models.DataUploadEvent, error)
}

// Request is one dataset upload.
type Request struct {
	Dataset     models.Dataset
	Filename    string
	ContentType string
	Size        int64
	Body        io.Reader
}

// Service implements upload, download, delete and restore.
type Service struct {
	storage    Storage
	repo       Repository
	publisher  Publisher
	presignTTL time.Duration
	log        *slog.Logger
}

// NewService builds a Service.
func NewService(storage Storage, repo Repository, publisher Publisher, presignTTL time.Duration, log *slog.Logger) *Service {
	if presignTTL <= 0 {
		presignTTL = 5 * time.Minute
	}
	return &Service{storage: storage, repo: repo, publisher: publisher, presignTTL: presignTTL, log: logger.OrDiscard(log)}
}

// Upload creates the dataset, stores its file, records the file URL and then
// publishes the upload event. Parsing and indexing happen asynchronously.
func (s *Service) Upload(ctx context.Context, req Request) (models.Dataset, error) {
	filename := path.Base(strings.ReplaceAll(strings.TrimSpace(req.Filename), "\\", "/"))
	if _, err := metadata.DetectFormat(filename); err != nil {
		return models.Dataset{}, err
	}
	if req.Body == nil || req.Size == 0 {
		return models.Dataset{}, apperr.New(apperr.DataEmptyFile, filename)
	}
	if strings.TrimSpace(req.Dataset.Title) == "" {
		return models.Dataset{}, apperr.New(apperr.InvalidRequest, "title is required")
	}

	d := req.Dataset
	id, err := s.repo.Create(ctx, d)
	if err != nil {
		return models.Dataset{}, err
	}
	d.ID = id

	key := fmt.Sprintf("datasets/%d/%s%s", id, uuid.NewString(), strings.ToLower(path.Ext(filename)))
	fileURL, err := s.storage.Upload(ctx, key, req.Body, req.Size, req.ContentType)
	if err != nil {
		s.rollbackRow(ctx, id)
		return models.Dataset{}, err
	}

	if err := s.repo.AttachFile(ctx, id, fileURL, filename, req.Size); err != nil {
		if derr := s.storage.Delete(context.WithoutCancel(ctx), fileURL); derr != nil {
			s.log.Warn("delete orphan file", slog.String("url", fileURL), slog.Any("err", derr))
		}
		s.rollbackRow(ctx, id)
		return models.Dataset{}, err
	}
	d.FileURL = fileURL
	d.OriginalFilename = filename
	d.SizeBytes = req.Size

	// The file and row are committed; a lost event leaves the dataset
	// visible without metadata.
	if _, err := s.publisher.PublishUpload(ctx, models.DataUploadEvent{
		DataID:           id,
		FileURL:          fileURL,
		OriginalFilename: filename,
	}); err != nil {
		s.log.Error("publish upload event", slog.Int64("data_id", id), slog.Any("err", err))
	}

	s.log.Info("dataset uploaded", slog.Int64("data_id", id), slog.String("url", fileURL), slog.Int64("size", req.Size))
	return d, nil
}

func (s *Service) rollbackRow(ctx context.Context, id int64) {
	if err := s.repo.SetDeleted(context.WithoutCancel(ctx), id, true); err != nil {
		s.log.Warn("hide failed upload", slog.Int64("data_id", id), slog.Any("err", err))
	}
}

// Download returns a presigned URL for the dataset file and counts the download.
func (s *Service) Download(ctx context.Context, id int64) (string, error) {
	d, ok, err := s.repo.FindDataByID(ctx, id)
	if err != nil {
		return "", err
	}
	if !ok || d.Deleted {
		return "", apperr.Newf(apperr.DataNotFound, "dataId=%d", id)
	}
	if d.FileURL == "" {
		return "", apperr.Newf(apperr.FileNotFound, "dataId=%d has no file", id)
	}

	url, err := s.storage.PresignedURL(ctx, d.FileURL, s.presignTTL)
	if err != nil {
		return "", err
	}
	if err := s.repo.RecordDownload(ctx, id); err != nil {
		return "", err
	}
	return url, nil
}

// Delete soft deletes a dataset.
func (s *Service) Delete(ctx context.Context, id int64) error {
	return s.repo.SetDeleted(ctx, id, true)
}

// Restore undoes Delete.
func (s *Service) Restore(ctx context.Context, id int64) error {
	return s.repo.SetDeleted(ctx, id, false)
}
