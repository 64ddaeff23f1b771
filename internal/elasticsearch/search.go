package elasticsearch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/DeafMist/dataracy/backend/internal/models"
)

// SearchParams narrow the search endpoint query.
type SearchParams struct {
	Query      string
	Keywords   []string
	Topic      string
	DataSource string
	DataType   string
	From       int
	Size       int
	// Sort is field:order, e.g. downloadCount:desc.
	Sort string
}

// SearchResult bundles hits and total count.
type SearchResult struct {
	Total int64
	Items []models.SearchDocument
}

var sortable = map[string]struct{}{
	"createdAt":     {},
	"downloadCount": {},
	"rowCount":      {},
	"title.raw":     {},
	"_score":        {},
}

// BuildSearchQuery renders the request body for params. Soft deleted
// datasets never match.
func BuildSearchQuery(params SearchParams) map[string]any {
	if params.Size <= 0 {
		params.Size = 20
	}
	if params.Size > 200 {
		params.Size = 200
	}
	if params.From < 0 {
		params.From = 0
	}

	must := make([]map[string]any, 0, 1)
	filters := make([]map[string]any, 0, 4)

	if q := strings.TrimSpace(params.Query); q != "" {
		must = append(must, map[string]any{
			"multi_match": map[string]any{
				"query":  q,
				"fields": []string{"title^3", "keywords^2", "description", "analysisGuide"},
			},
		})
	}

	if len(params.Keywords) > 0 {
		filters = append(filters, map[string]any{
			"terms": map[string]any{"keywords": params.Keywords},
		})
	}
	for _, f := range [...]struct{ field, value string }{
		{"topic", params.Topic},
		{"dataSource", params.DataSource},
		{"dataType", params.DataType},
	} {
		if f.value != "" {
			filters = append(filters, map[string]any{
				"term": map[string]any{f.field: f.value},
			})
		}
	}

	boolQuery := map[string]any{
		"must_not": []map[string]any{
			{"term": map[string]any{"isDeleted": true}},
		},
	}
	if len(must) > 0 {
		boolQuery["must"] = must
	} else {
		boolQuery["must"] = []map[string]any{
			{"match_all": map[string]any{}},
		}
	}
	if len(filters) > 0 {
		boolQuery["filter"] = filters
	}

	field, order := parseSort(params.Sort, len(must) > 0)

	return map[string]any{
		"from":             params.From,
		"size":             params.Size,
		"track_total_hits": true,
		"query": map[string]any{
			"bool": boolQuery,
		},
		"sort": []map[string]any{
			{field: map[string]any{"order": order}},
		},
	}
}

// parseSort defaults to relevance for text queries and to newest first otherwise.
func parseSort(raw string, hasQuery bool) (string, string) {
	field, order := "createdAt", "desc"
	if hasQuery {
		field = "_score"
	}
	if raw == "" {
		return field, order
	}

	parts := strings.Split(raw, ":")
	if _, ok := sortable[parts[0]]; ok {
		field = parts[0]
	}
	if len(parts) > 1 && (parts[1] == "asc" || parts[1] == "desc") {
		order = parts[1]
	}
	return field, order
}

// SearchDatasets executes a bool query with optional filters.
func (c *Client) SearchDatasets(ctx context.Context, params SearchParams) (*SearchResult, error) {
	payload, err := json.Marshal(BuildSearchQuery(params))
	if err != nil {
		return nil, fmt.Errorf("marshal search body: %w", err)
	}

	res, err := c.es.Search(
		c.es.Search.WithContext(ctx),
		c.es.Search.WithIndex(c.index),
		c.es.Search.WithBody(bytes.NewReader(payload)),
	)
	if err != nil {
		return nil, fmt.Errorf("search: %w", err)
	}
	defer res.Body.Close()

	if res.IsError() {
		data, _ := io.ReadAll(res.Body)
		return nil, fmt.Errorf("search failed: %s", strings.TrimSpace(string(data)))
	}

	var parsed struct {
		Hits struct {
			Total struct {
				Value int64 `json:"value"`
			} `json:"total"`
			Hits []struct {
				Source models.SearchDocument `json:"_source"`
			} `json:"hits"`
		} `json:"hits"`
	}

	if err := json.NewDecoder(res.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("decode search response: %w", err)
	}

	items := make([]models.SearchDocument, 0, len(parsed.Hits.Hits))
	for _, hit := range parsed.Hits.Hits {
		items = append(items, hit.Source)
	}

	return &SearchResult{
		Total: parsed.Hits.Total.Value,
		Items: items,
	}, nil
}
