package models

import "time"

// SearchDocument is the canonical structure stored in Elasticsearch. It is
// rebuildable from the dataset row at any time.
type SearchDocument struct {
	ID            int64      `json:"id"`
	Title         string     `json:"title"`
	Description   string     `json:"description"`
	AnalysisGuide string     `json:"analysisGuide"`
	Keywords      []string   `json:"keywords"`
	Topic         string     `json:"topic"`
	DataSource    string     `json:"dataSource"`
	DataType      string     `json:"dataType"`
	Username      string     `json:"username"`
	UserID        int64      `json:"userId"`
	StartDate     *time.Time `json:"startDate,omitempty"`
	EndDate       *time.Time `json:"endDate,omitempty"`
	ThumbnailURL  string     `json:"thumbnailUrl,omitempty"`
	SizeBytes     int64      `json:"sizeBytes"`
	DownloadCount int        `json:"downloadCount"`
	RowCount      int        `json:"rowCount"`
	ColumnCount   int        `json:"columnCount"`
	PreviewJSON   string     `json:"previewJson,omitempty"`
	HasMetadata   bool       `json:"hasMetadata"`
	Deleted       bool       `json:"isDeleted"`
	CreatedAt     time.Time  `json:"createdAt"`
	IndexedAt     time.Time  `json:"indexedAt"`
}

// PopularDataset is one ranked entry of the popularity cache.
type PopularDataset struct {
	Rank                  int    `json:"rank"`
	ID                    int64  `json:"id"`
	Title                 string `json:"title"`
	Username              string `json:"username"`
	Topic                 string `json:"topic"`
	DataSource            string `json:"dataSource"`
	DataType              string `json:"dataType"`
	ThumbnailURL          string `json:"thumbnailUrl,omitempty"`
	DownloadCount         int    `json:"downloadCount"`
	ConnectedProjectCount int64  `json:"connectedProjectCount"`
	RowCount              int    `json:"rowCount"`
	ColumnCount           int    `json:"columnCount"`
}

// RankedDataset is a dataset returned by the ranking query together with its
// connected project count.
type RankedDataset struct {
	Dataset
	ConnectedProjectCount int64
}
