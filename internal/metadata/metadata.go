// Package metadata computes row and column counts plus a bounded preview for
// uploaded dataset files.
package metadata

import (
	"context"
	"errors"
	"io"
	"path"
	"strings"

	"github.com/DeafMist/dataracy/backend/internal/apperr"
	"github.com/DeafMist/dataracy/backend/internal/models"
)

// Format is a supported file format.
type Format string

const (
	FormatCSV  Format = "csv"
	FormatXLSX Format = "xlsx"
	FormatJSON Format = "json"
)

const (
	DefaultPreviewRows  = 10
	DefaultPreviewBytes = 64 * 1024
)

// Limits bound the preview payload.
type Limits struct {
	PreviewRows  int
	PreviewBytes int
}

// DefaultLimits returns the limits used when nothing is configured.
func DefaultLimits() Limits {
	return Limits{PreviewRows: DefaultPreviewRows, PreviewBytes: DefaultPreviewBytes}
}

func (l Limits) normalize() Limits {
	if l.PreviewRows <= 0 {
		l.PreviewRows = DefaultPreviewRows
	}
	if l.PreviewBytes <= 0 {
		l.PreviewBytes = DefaultPreviewBytes
	}
	return l
}

// DetectFormat maps a filename to a format by its extension, ignoring case.
func DetectFormat(filename string) (Format, error) {
	name := strings.TrimSpace(filename)
	if name == "" {
		return "", apperr.New(apperr.DataUnsupportedFile, "filename is empty")
	}
	switch strings.ToLower(path.Ext(name)) {
	case ".csv":
		return FormatCSV, nil
	case ".xlsx":
		return FormatXLSX, nil
	case ".json":
		return FormatJSON, nil
	default:
		return "", apperr.Newf(apperr.DataUnsupportedFile, "unsupported file format: %s", name)
	}
}

// Parse reads the whole of r and returns its metadata. The same bytes always
// produce the same counts and preview.
func Parse(ctx context.Context, r io.Reader, filename string, limits Limits) (models.ParsedMetadata, error) {
	if r == nil {
		return models.ParsedMetadata{}, apperr.New(apperr.DataEmptyFile, "input is nil")
	}
	format, err := DetectFormat(filename)
	if err != nil {
		return models.ParsedMetadata{}, err
	}
	limits = limits.normalize()

	switch format {
	case FormatCSV:
		return parseCSV(ctx, r, limits)
	case FormatXLSX:
		return parseXLSX(ctx, r, limits)
	default:
		return parseJSON(ctx, r, limits)
	}
}

// checkEvery is how many rows are read between context checks.
const checkEvery = 1024

// corrupt marks err as bad content. Errors that already carry a code, such as
// a failed read of the underlying stream, keep it.
func corrupt(format Format, err error) error {
	var coded *apperr.Error
	if errors.As(err, &coded) {
		return err
	}
	return apperr.Wrap(apperr.DataCorruptFile, string(format), err)
}
