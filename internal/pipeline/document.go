package pipeline

import (
	"time"

	"github.com/DeafMist/dataracy/backend/internal/models"
	"github.com/DeafMist/dataracy/backend/internal/processing"
)

// BuildDocument projects a dataset and its labels into a search document.
func BuildDocument(d models.Dataset, labels models.Labels, keywordLimit, keywordMinLen int, now time.Time) models.SearchDocument {
	doc := models.SearchDocument{
		ID:            d.ID,
		Title:         d.Title,
		Description:   d.Description,
		AnalysisGuide: d.AnalysisGuide,
		Keywords:      processing.ExtractKeywords(processing.DatasetText(d.Title, d.Description, d.AnalysisGuide), keywordLimit, keywordMinLen),
		Topic:         labels.Topic,
		DataSource:    labels.DataSource,
		DataType:      labels.DataType,
		Username:      labels.Username,
		UserID:        d.UserID,
		StartDate:     d.StartDate,
		EndDate:       d.EndDate,
		ThumbnailURL:  d.ThumbnailURL,
		SizeBytes:     d.SizeBytes,
		DownloadCount: d.DownloadCount,
		Deleted:       d.Deleted,
		CreatedAt:     d.CreatedAt,
		IndexedAt:     now.UTC(),
	}
	if doc.Keywords == nil {
		doc.Keywords = []string{}
	}
	if d.Metadata != nil {
		doc.RowCount = d.Metadata.RowCount
		doc.ColumnCount = d.Metadata.ColumnCount
		doc.PreviewJSON = d.Metadata.PreviewJSON
		doc.HasMetadata = true
	}
	return doc
}
