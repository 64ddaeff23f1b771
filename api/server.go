package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/DeafMist/dataracy/backend/internal/apperr"
	"github.com/DeafMist/dataracy/backend/internal/config"
	"github.com/DeafMist/dataracy/backend/internal/elasticsearch"
	"github.com/DeafMist/dataracy/backend/internal/models"
	"github.com/DeafMist/dataracy/backend/internal/upload"
)

type searcher interface {
	SearchDatasets(ctx context.Context, params elasticsearch.SearchParams) (*elasticsearch.SearchResult, error)
}

type datasetReader interface {
	FindDataByID(ctx context.Context, id int64) (models.Dataset, bool, error)
}

type uploader interface {
	Upload(ctx context.Context, req upload.Request) (models.Dataset, error)
	Download(ctx context.Context, id int64) (string, error)
	Delete(ctx context.Context, id int64) error
	Restore(ctx context.Context, id int64) error
}

type popularReader interface {
	GetPopularDataSets(ctx context.Context, size int) ([]models.PopularDataset, error)
}

type healthCheck struct {
	name  string
	check func(ctx context.Context) error
}

type server struct {
	log      *slog.Logger
	cfg      *config.API
	search   searcher
	datasets datasetReader
	uploads  uploader
	popular  popularReader
	health   []healthCheck
}

type errorResponse struct {
	Code  string `json:"code,omitempty"`
	Error string `json:"error"`
}

func (s *server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/health", s.handleHealth)
	r.Route("/datasets", func(r chi.Router) {
		r.Post("/", s.handleUpload)
		r.Get("/popular", s.handlePopular)
		r.Get("/search", s.handleSearch)
		r.Get("/{id}", s.handleGet)
		r.Get("/{id}/download", s.handleDownload)
		r.Delete("/{id}", s.handleDelete)
		r.Post("/{id}/restore", s.handleRestore)
	})
	return r
}

func (s *server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	for _, h := range s.health {
		if err := h.check(ctx); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: h.name + ": " + err.Error()})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *server) handleUpload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxUploadBytes)
	if err := r.ParseMultipartForm(8 << 20); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeJSON(w, http.StatusRequestEntityTooLarge, errorResponse{Error: "file too large"})
			return
		}
		s.writeError(w, apperr.Wrap(apperr.InvalidRequest, "parse multipart form", err))
		return
	}
	defer func() { _ = r.MultipartForm.RemoveAll() }()

	d, err := datasetFromForm(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		s.writeError(w, apperr.Wrap(apperr.InvalidRequest, "file is required", err))
		return
	}
	defer file.Close()

	created, err := s.uploads.Upload(r.Context(), upload.Request{
		Dataset:     d,
		Filename:    header.Filename,
		ContentType: header.Header.Get("Content-Type"),
		Size:        header.Size,
		Body:        file,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func datasetFromForm(r *http.Request) (models.Dataset, error) {
	d := models.Dataset{
		Title:         strings.TrimSpace(r.FormValue("title")),
		Description:   strings.TrimSpace(r.FormValue("description")),
		AnalysisGuide: strings.TrimSpace(r.FormValue("analysisGuide")),
		ThumbnailURL:  strings.TrimSpace(r.FormValue("thumbnailUrl")),
	}
	ids := []struct {
		field string
		dst   *int64
	}{
		{"userId", &d.UserID},
		{"topicId", &d.TopicID},
		{"dataSourceId", &d.DataSourceID},
		{"dataTypeId", &d.DataTypeID},
	}
	for _, id := range ids {
		v, err := strconv.ParseInt(strings.TrimSpace(r.FormValue(id.field)), 10, 64)
		if err != nil || v <= 0 {
			return d, apperr.Newf(apperr.InvalidRequest, "%s must be a positive integer", id.field)
		}
		*id.dst = v
	}

	var err error
	if d.StartDate, err = parseDate(r.FormValue("startDate")); err != nil {
		return d, err
	}
	if d.EndDate, err = parseDate(r.FormValue("endDate")); err != nil {
		return d, err
	}
	if d.StartDate != nil && d.EndDate != nil && d.StartDate.After(*d.EndDate) {
		return d, apperr.New(apperr.DataBadRequestDate, "startDate is after endDate")
	}
	return d, nil
}

func parseDate(raw string) (*time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	ts, err := time.Parse(time.DateOnly, raw)
	if err != nil {
		return nil, apperr.Wrap(apperr.DataBadRequestDate, raw, err)
	}
	return &ts, nil
}

func (s *server) handlePopular(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	size := clampInt(r.URL.Query().Get("size"), s.cfg.PopularSize, s.cfg.MaxPage)
	list, err := s.popular.GetPopularDataSets(ctx, size)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *server) handleSearch(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	q := r.URL.Query()
	params := elasticsearch.SearchParams{
		Query:      strings.TrimSpace(q.Get("q")),
		Keywords:   parseCSV(q.Get("keywords")),
		Topic:      strings.TrimSpace(q.Get("topic")),
		DataSource: strings.TrimSpace(q.Get("dataSource")),
		DataType:   strings.TrimSpace(q.Get("dataType")),
		From:       clampInt(q.Get("from"), 0, 10_000),
		Size:       clampInt(q.Get("size"), s.cfg.DefaultPage, s.cfg.MaxPage),
		Sort:       strings.TrimSpace(q.Get("sort")),
	}

	result, err := s.search.SearchDatasets(ctx, params)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *server) handleGet(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r)
	if !ok {
		return
	}
	d, found, err := s.datasets.FindDataByID(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if !found || d.Deleted {
		s.writeError(w, apperr.Newf(apperr.DataNotFound, "dataId=%d", id))
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (s *server) handleDownload(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r)
	if !ok {
		return
	}
	url, err := s.uploads.Download(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"downloadUrl": url})
}

func (s *server) handleDelete(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r)
	if !ok {
		return
	}
	if err := s.uploads.Delete(r.Context(), id); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *server) handleRestore(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r)
	if !ok {
		return
	}
	if err := s.uploads.Restore(r.Context(), id); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *server) pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		s.writeError(w, apperr.New(apperr.InvalidRequest, "invalid dataset id"))
		return 0, false
	}
	return id, true
}

func (s *server) writeError(w http.ResponseWriter, err error) {
	status := apperr.HTTPStatus(err)
	if status >= http.StatusInternalServerError {
		s.log.Error("request failed", slog.Any("err", err))
	}
	writeJSON(w, status, errorResponse{Code: string(apperr.CodeOf(err)), Error: err.Error()})
}

func parseCSV(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func clampInt(raw string, fallback, max int) int {
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil || value <= 0 {
		return fallback
	}
	if value > max {
		return max
	}
	return value
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
