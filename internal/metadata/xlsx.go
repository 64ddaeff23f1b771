package metadata

import (
	"context"
	"errors"
	"io"

	"github.com/xuri/excelize/v2"

	"github.com/DeafMist/dataracy/backend/internal/apperr"
	"github.com/DeafMist/dataracy/backend/internal/models"
)

var errNoSheets = errors.New("no sheets found in xlsx file")

// parseXLSX reads the first sheet. The first non-empty row is the header and
// is not counted. Blank rows are skipped.
func parseXLSX(ctx context.Context, r io.Reader, l Limits) (models.ParsedMetadata, error) {
	xl, err := excelize.OpenReader(r)
	if err != nil {
		return models.ParsedMetadata{}, corrupt(FormatXLSX, err)
	}
	defer xl.Close()

	sheet := xl.GetSheetName(0)
	if sheet == "" {
		list := xl.GetSheetList()
		if len(list) == 0 {
			return models.ParsedMetadata{}, corrupt(FormatXLSX, errNoSheets)
		}
		sheet = list[0]
	}

	rows, err := xl.Rows(sheet)
	if err != nil {
		return models.ParsedMetadata{}, corrupt(FormatXLSX, err)
	}
	defer rows.Close()

	var columns []string
	preview := newPreviewBuilder(l)
	count := 0
	for rows.Next() {
		cols, err := rows.Columns()
		if err != nil {
			return models.ParsedMetadata{}, corrupt(FormatXLSX, err)
		}
		if isBlank(cols) {
			continue
		}
		if columns == nil {
			columns = columnNames(cols)
			continue
		}
		count++
		if count%checkEvery == 0 {
			if err := ctx.Err(); err != nil {
				return models.ParsedMetadata{}, err
			}
		}
		if preview.wants() {
			preview.add(stringRecord(columns, cols))
		}
	}
	if err := rows.Error(); err != nil {
		return models.ParsedMetadata{}, corrupt(FormatXLSX, err)
	}
	if columns == nil {
		return models.ParsedMetadata{}, apperr.New(apperr.DataEmptyFile, "xlsx sheet has no rows")
	}

	return models.ParsedMetadata{
		RowCount:    count,
		ColumnCount: len(columns),
		PreviewJSON: preview.String(),
	}, nil
}

func isBlank(cols []string) bool {
	for _, c := range cols {
		if c != "" {
			return false
		}
	}
	return true
}
