package elasticsearch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/elastic/go-elasticsearch/v8/esapi"

	"github.com/DeafMist/dataracy/backend/internal/apperr"
	"github.com/DeafMist/dataracy/backend/internal/logger"
	"github.com/DeafMist/dataracy/backend/internal/models"
)

// ErrDocumentMissing is returned by partial updates when the dataset has
// never been indexed.
var ErrDocumentMissing = errors.New("search document missing")

// Client wraps go-elasticsearch with helpers for the dataset index.
type Client struct {
	es    *elasticsearch.Client
	index string
	log   *slog.Logger
}

// New instantiates the Elasticsearch client.
func New(addr, index string, log *slog.Logger) (*Client, error) {
	cfg := elasticsearch.Config{
		Addresses: []string{addr},
	}

	es, err := elasticsearch.NewClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("create elasticsearch client: %w", err)
	}

	return &Client{es: es, index: index, log: logger.OrDiscard(log)}, nil
}

// Index returns the index name.
func (c *Client) Index() string {
	return c.index
}

// Ping checks if Elasticsearch is available.
func (c *Client) Ping(ctx context.Context) error {
	res, err := c.es.Ping(c.es.Ping.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("ping elasticsearch: %w", err)
	}
	defer res.Body.Close()

	if res.IsError() {
		return fmt.Errorf("elasticsearch ping failed: %s", res.Status())
	}

	return nil
}

// Health checks cluster health.
func (c *Client) Health(ctx context.Context) error {
	res, err := c.es.Cluster.Health(c.es.Cluster.Health.WithContext(ctx))
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode >= http.StatusBadRequest {
		data, _ := io.ReadAll(res.Body)
		return fmt.Errorf("cluster health bad: %s", strings.TrimSpace(string(data)))
	}
	return nil
}

// EnsureIndex creates the dataset index with its mapping when it does not exist.
func (c *Client) EnsureIndex(ctx context.Context) error {
	res, err := c.es.Indices.Exists([]string{c.index}, c.es.Indices.Exists.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("check index: %w", err)
	}
	res.Body.Close()

	switch res.StatusCode {
	case http.StatusOK:
		return nil
	case http.StatusNotFound:
	default:
		return fmt.Errorf("check index failed: %s", res.Status())
	}

	res, err = c.es.Indices.Create(
		c.index,
		c.es.Indices.Create.WithContext(ctx),
		c.es.Indices.Create.WithBody(strings.NewReader(indexMapping)),
	)
	if err != nil {
		return fmt.Errorf("create index: %w", err)
	}
	defer res.Body.Close()

	if res.IsError() {
		body, _ := io.ReadAll(res.Body)
		// Another replica may have created it first.
		if strings.Contains(string(body), "resource_already_exists_exception") {
			return nil
		}
		return fmt.Errorf("create index failed: %s", strings.TrimSpace(string(body)))
	}

	c.log.Info("created search index", slog.String("index", c.index))
	return nil
}

// IndexDataset writes a document keyed by the dataset id, replacing any
// previous version.
func (c *Client) IndexDataset(ctx context.Context, doc models.SearchDocument) error {
	payload, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("marshal doc: %w", err)
	}

	req := esapi.IndexRequest{
		Index:      c.index,
		DocumentID: docID(doc.ID),
		Body:       bytes.NewReader(payload),
		Refresh:    "false",
	}

	res, err := req.Do(ctx, c.es)
	if err != nil {
		return apperr.Wrap(apperr.DataIndexFailure, "index dataset "+docID(doc.ID), err)
	}
	defer res.Body.Close()

	if res.IsError() {
		return responseError(res, "index dataset "+docID(doc.ID))
	}

	return nil
}

// DeleteDataset removes the document. Deleting a missing document succeeds.
func (c *Client) DeleteDataset(ctx context.Context, dataID int64) error {
	req := esapi.DeleteRequest{
		Index:      c.index,
		DocumentID: docID(dataID),
	}

	res, err := req.Do(ctx, c.es)
	if err != nil {
		return apperr.Wrap(apperr.DataIndexFailure, "delete dataset "+docID(dataID), err)
	}
	defer res.Body.Close()

	if res.StatusCode == http.StatusNotFound {
		return nil
	}
	if res.IsError() {
		return responseError(res, "delete dataset "+docID(dataID))
	}
	return nil
}

// SetDeleted flips the soft delete flag of the indexed document.
func (c *Client) SetDeleted(ctx context.Context, dataID int64, deleted bool) error {
	return c.update(ctx, dataID, map[string]any{
		"doc": map[string]any{"isDeleted": deleted},
	})
}

func (c *Client) update(ctx context.Context, dataID int64, body map[string]any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal update: %w", err)
	}

	req := esapi.UpdateRequest{
		Index:           c.index,
		DocumentID:      docID(dataID),
		Body:            bytes.NewReader(payload),
		RetryOnConflict: intPtr(3),
	}

	res, err := req.Do(ctx, c.es)
	if err != nil {
		return apperr.Wrap(apperr.DataIndexFailure, "update dataset "+docID(dataID), err)
	}
	defer res.Body.Close()

	if res.StatusCode == http.StatusNotFound {
		return fmt.Errorf("update dataset %d: %w", dataID, ErrDocumentMissing)
	}
	if res.IsError() {
		return responseError(res, "update dataset "+docID(dataID))
	}
	return nil
}

// responseError keeps 4xx responses out of the retry path, except for
// throttling and conflicts which clear up on their own.
func responseError(res *esapi.Response, op string) error {
	body, _ := io.ReadAll(res.Body)
	err := apperr.Newf(apperr.DataIndexFailure, "%s: %s: %s", op, res.Status(), strings.TrimSpace(string(body)))
	if res.StatusCode >= 400 && res.StatusCode < 500 &&
		res.StatusCode != http.StatusTooManyRequests &&
		res.StatusCode != http.StatusConflict &&
		res.StatusCode != http.StatusRequestTimeout {
		err = err.WithKind(apperr.KindPermanent)
	}
	return err
}

func docID(id int64) string {
	return strconv.FormatInt(id, 10)
}

func intPtr(v int) *int {
	return &v
}
