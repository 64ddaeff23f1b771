package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/DeafMist/dataracy/backend/internal/apperr"
	"github.com/DeafMist/dataracy/backend/internal/config"
	"github.com/DeafMist/dataracy/backend/internal/elasticsearch"
	"github.com/DeafMist/dataracy/backend/internal/models"
	"github.com/DeafMist/dataracy/backend/internal/upload"
)

type stubSearch struct {
	params elasticsearch.SearchParams
}

func (s *stubSearch) SearchDatasets(_ context.Context, p elasticsearch.SearchParams) (*elasticsearch.SearchResult, error) {
	s.params = p
	return &elasticsearch.SearchResult{Total: 1, Items: []models.SearchDocument{{ID: 42, Title: "bus"}}}, nil
}

type stubDatasets map[int64]models.Dataset

func (s stubDatasets) FindDataByID(_ context.Context, id int64) (models.Dataset, bool, error) {
	d, ok := s[id]
	return d, ok, nil
}

type stubUploads struct {
	req     upload.Request
	body    string
	deleted []int64
}

func (s *stubUploads) Upload(_ context.Context, req upload.Request) (models.Dataset, error) {
	b, err := io.ReadAll(req.Body)
	if err != nil {
		return models.Dataset{}, err
	}
	s.req, s.body = req, string(b)
	d := req.Dataset
	d.ID = 42
	d.FileURL = "s3://bucket/42.csv"
	return d, nil
}

func (s *stubUploads) Download(_ context.Context, id int64) (string, error) {
	if id != 42 {
		return "", apperr.Newf(apperr.DataNotFound, "dataId=%d", id)
	}
	return "https://signed/42.csv", nil
}

func (s *stubUploads) Delete(_ context.Context, id int64) error {
	s.deleted = append(s.deleted, id)
	return nil
}

func (s *stubUploads) Restore(context.Context, int64) error { return nil }

type stubPopular struct {
	size int
}

func (s *stubPopular) GetPopularDataSets(_ context.Context, size int) ([]models.PopularDataset, error) {
	s.size = size
	return []models.PopularDataset{{Rank: 1, ID: 42}}, nil
}

func newTestServer() (*server, *stubSearch, *stubUploads, *stubPopular) {
	search := &stubSearch{}
	uploads := &stubUploads{}
	pop := &stubPopular{}
	srv := &server{
		log:      slog.New(slog.NewTextHandler(io.Discard, nil)),
		cfg:      &config.API{DefaultPage: 20, MaxPage: 100, PopularSize: 10, MaxUploadBytes: 1 << 20},
		search:   search,
		datasets: stubDatasets{42: {ID: 42, Title: "bus"}, 43: {ID: 43, Deleted: true}},
		uploads:  uploads,
		popular:  pop,
	}
	return srv, search, uploads, pop
}

func multipartBody(t *testing.T, fields map[string]string, filename, content string) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for k, v := range fields {
		require.NoError(t, mw.WriteField(k, v))
	}
	if filename != "" {
		fw, err := mw.CreateFormFile("file", filename)
		require.NoError(t, err)
		_, err = fw.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, mw.Close())
	return &buf, mw.FormDataContentType()
}

func validFields() map[string]string {
	return map[string]string{
		"title": "Bus stops", "userId": "1", "topicId": "2", "dataSourceId": "3", "dataTypeId": "4",
		"startDate": "2024-01-01", "endDate": "2024-12-31",
	}
}

func TestUploadHandler(t *testing.T) {
	srv, _, uploads, _ := newTestServer()
	body, ct := multipartBody(t, validFields(), "42.csv", "a,b\n1,2\n")

	req := httptest.NewRequest(http.MethodPost, "/datasets/", body)
	req.Header.Set("Content-Type", ct)
	rec := httptest.NewRecorder()
	srv.routes().ServeHTTP(rec, req)

	require.Equal(t, http.StatusCreated, rec.Code)
	require.Equal(t, "42.csv", uploads.req.Filename)
	require.Equal(t, "a,b\n1,2\n", uploads.body)
	require.Equal(t, int64(4), uploads.req.Dataset.DataTypeID)
	require.NotNil(t, uploads.req.Dataset.StartDate)

	var got models.Dataset
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&got))
	require.Equal(t, int64(42), got.ID)
}

func TestUploadHandlerRejects(t *testing.T) {
	tests := []struct {
		name     string
		mutate   func(map[string]string)
		filename string
		status   int
		code     string
	}{
		{name: "bad id", mutate: func(f map[string]string) { f["topicId"] = "x" }, filename: "a.csv", status: http.StatusBadRequest, code: "INVALID_REQUEST"},
		{name: "inverted dates", mutate: func(f map[string]string) { f["startDate"] = "2025-01-01" }, filename: "a.csv", status: http.StatusBadRequest, code: "DATA_BAD_REQUEST_DATE"},
		{name: "bad date", mutate: func(f map[string]string) { f["endDate"] = "31/12/2024" }, filename: "a.csv", status: http.StatusBadRequest, code: "DATA_BAD_REQUEST_DATE"},
		{name: "no file", mutate: func(map[string]string) {}, status: http.StatusBadRequest, code: "INVALID_REQUEST"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv, _, _, _ := newTestServer()
			fields := validFields()
			tt.mutate(fields)
			body, ct := multipartBody(t, fields, tt.filename, "a\n1\n")

			req := httptest.NewRequest(http.MethodPost, "/datasets/", body)
			req.Header.Set("Content-Type", ct)
			rec := httptest.NewRecorder()
			srv.routes().ServeHTTP(rec, req)

			require.Equal(t, tt.status, rec.Code)
			var resp errorResponse
			require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
			require.Equal(t, tt.code, resp.Code)
		})
	}
}

func TestPopularHandlerClampsSize(t *testing.T) {
	srv, _, _, pop := newTestServer()

	rec := httptest.NewRecorder()
	srv.routes().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/datasets/popular", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, 10, pop.size)

	rec = httptest.NewRecorder()
	srv.routes().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/datasets/popular?size=500", nil))
	require.Equal(t, 100, pop.size)
}

func TestSearchHandlerPassesFilters(t *testing.T) {
	srv, search, _, _ := newTestServer()

	rec := httptest.NewRecorder()
	srv.routes().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/datasets/search?q=bus&topic=transport&keywords=a,,b&size=5&sort=downloadCount:desc", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "bus", search.params.Query)
	require.Equal(t, "transport", search.params.Topic)
	require.Equal(t, []string{"a", "b"}, search.params.Keywords)
	require.Equal(t, 5, search.params.Size)
	require.Equal(t, "downloadCount:desc", search.params.Sort)
}

func TestDatasetRoutes(t *testing.T) {
	srv, _, uploads, _ := newTestServer()
	h := srv.routes()

	tests := []struct {
		method string
		path   string
		status int
	}{
		{http.MethodGet, "/datasets/42", http.StatusOK},
		{http.MethodGet, "/datasets/43", http.StatusNotFound},
		{http.MethodGet, "/datasets/abc", http.StatusBadRequest},
		{http.MethodGet, "/datasets/42/download", http.StatusOK},
		{http.MethodGet, "/datasets/7/download", http.StatusNotFound},
		{http.MethodDelete, "/datasets/42", http.StatusNoContent},
		{http.MethodPost, "/datasets/42/restore", http.StatusNoContent},
	}
	for _, tt := range tests {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(tt.method, tt.path, nil))
		require.Equal(t, tt.status, rec.Code, "%s %s", tt.method, tt.path)
	}
	require.Equal(t, []int64{42}, uploads.deleted)
}

func TestHealthHandler(t *testing.T) {
	srv, _, _, _ := newTestServer()
	srv.health = []healthCheck{
		{name: "postgres", check: func(context.Context) error { return nil }},
		{name: "redis", check: func(context.Context) error { return errors.New("refused") }},
	}

	rec := httptest.NewRecorder()
	srv.routes().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	require.Contains(t, rec.Body.String(), "redis: refused")
}
