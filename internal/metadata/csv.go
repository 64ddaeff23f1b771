package metadata

import (
	"context"
	"encoding/csv"
	"errors"
	"io"
	"strconv"
	"strings"

	"github.com/DeafMist/dataracy/backend/internal/apperr"
	"github.com/DeafMist/dataracy/backend/internal/models"
)

// parseCSV treats the first record as the header. Rows shorter or longer
// than the header are counted; their preview is padded or cut to the header.
func parseCSV(ctx context.Context, r io.Reader, l Limits) (models.ParsedMetadata, error) {
	cr := csv.NewReader(textReader(r))
	cr.FieldsPerRecord = -1
	cr.LazyQuotes = true
	cr.ReuseRecord = true

	header, err := cr.Read()
	if errors.Is(err, io.EOF) {
		return models.ParsedMetadata{}, apperr.New(apperr.DataEmptyFile, "csv has no header")
	}
	if err != nil {
		return models.ParsedMetadata{}, corrupt(FormatCSV, err)
	}
	columns := columnNames(header)

	preview := newPreviewBuilder(l)
	rows := 0
	for {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return models.ParsedMetadata{}, corrupt(FormatCSV, err)
		}
		rows++
		if rows%checkEvery == 0 {
			if err := ctx.Err(); err != nil {
				return models.ParsedMetadata{}, err
			}
		}
		if preview.wants() {
			preview.add(stringRecord(columns, rec))
		}
	}

	return models.ParsedMetadata{
		RowCount:    rows,
		ColumnCount: len(columns),
		PreviewJSON: preview.String(),
	}, nil
}

// columnNames copies the header, naming blank cells colN and suffixing
// repeated names so every preview key is unique.
func columnNames(header []string) []string {
	out := make([]string, len(header))
	seen := make(map[string]int, len(header))
	for i, h := range header {
		name := strings.TrimSpace(h)
		if name == "" {
			name = "col" + strconv.Itoa(i)
		}
		if n := seen[name]; n > 0 {
			seen[name] = n + 1
			name = name + "_" + strconv.Itoa(n+1)
		}
		seen[name]++
		out[i] = name
	}
	return out
}
