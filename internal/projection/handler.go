package projection

import (
	"context"
	"errors"
	"fmt"

	"github.com/DeafMist/dataracy/backend/internal/apperr"
	"github.com/DeafMist/dataracy/backend/internal/elasticsearch"
)

// Reindexer rebuilds the whole search document of a dataset.
type Reindexer interface {
	IndexDataset(ctx context.Context, dataID int64) error
}

// DocumentUpdater patches fields of an indexed document.
type DocumentUpdater interface {
	SetDeleted(ctx context.Context, dataID int64, deleted bool) error
}

// IndexHandler applies tasks to Elasticsearch. Partial updates on a document
// that was never indexed fall back to a full reindex, which reads the
// current row and so already carries the change.
type IndexHandler struct {
	reindex Reindexer
	docs    DocumentUpdater
}

var _ Handler = (*IndexHandler)(nil)

// NewIndexHandler builds an IndexHandler.
func NewIndexHandler(reindex Reindexer, docs DocumentUpdater) *IndexHandler {
	return &IndexHandler{reindex: reindex, docs: docs}
}

func (h *IndexHandler) Apply(ctx context.Context, t Task) error {
	switch t.Kind {
	case KindReindex:
		return h.reindexDataset(ctx, t.DataID)
	case KindDownload:
		// The row holds the absolute count, so replaying the task cannot
		// count a download twice.
		return h.reindexDataset(ctx, t.DataID)
	case KindDelete:
		err := h.docs.SetDeleted(ctx, t.DataID, true)
		if errors.Is(err, elasticsearch.ErrDocumentMissing) {
			return nil
		}
		return err
	case KindRestore:
		return h.orReindex(ctx, t.DataID, h.docs.SetDeleted(ctx, t.DataID, false))
	default:
		return fmt.Errorf("unknown projection kind %q", t.Kind)
	}
}

func (h *IndexHandler) orReindex(ctx context.Context, dataID int64, err error) error {
	if errors.Is(err, elasticsearch.ErrDocumentMissing) {
		return h.reindexDataset(ctx, dataID)
	}
	return err
}

// reindexDataset treats a dataset that no longer exists as done.
func (h *IndexHandler) reindexDataset(ctx context.Context, dataID int64) error {
	err := h.reindex.IndexDataset(ctx, dataID)
	if apperr.CodeOf(err) == apperr.DataNotFound {
		return nil
	}
	return err
}
