package metadata

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/DeafMist/dataracy/backend/internal/apperr"
	"github.com/DeafMist/dataracy/backend/internal/models"
)

var (
	errRootNotArray   = errors.New("root value must be an array")
	errRowNotObject   = errors.New("array elements must be objects")
	errTrailingTokens = errors.New("unexpected data after root array")
)

// parseJSON expects an array of objects. The column count is the number of
// distinct keys over all objects, ordered by first appearance.
func parseJSON(ctx context.Context, r io.Reader, l Limits) (models.ParsedMetadata, error) {
	dec := json.NewDecoder(textReader(r))
	dec.UseNumber()

	tok, err := dec.Token()
	if errors.Is(err, io.EOF) {
		return models.ParsedMetadata{}, apperr.New(apperr.DataEmptyFile, "json document is empty")
	}
	if err != nil {
		return models.ParsedMetadata{}, corrupt(FormatJSON, err)
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '[' {
		return models.ParsedMetadata{}, corrupt(FormatJSON, errRootNotArray)
	}

	columns := make(map[string]struct{})
	preview := newPreviewBuilder(l)
	rows := 0
	for dec.More() {
		rec, err := decodeObject(dec)
		if err != nil {
			return models.ParsedMetadata{}, corrupt(FormatJSON, fmt.Errorf("row %d: %w", rows+1, err))
		}
		rows++
		if rows%checkEvery == 0 {
			if err := ctx.Err(); err != nil {
				return models.ParsedMetadata{}, err
			}
		}
		for _, f := range rec {
			columns[f.key] = struct{}{}
		}
		preview.add(rec)
	}

	if _, err := dec.Token(); err != nil {
		return models.ParsedMetadata{}, corrupt(FormatJSON, err)
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return models.ParsedMetadata{}, corrupt(FormatJSON, errTrailingTokens)
	}

	return models.ParsedMetadata{
		RowCount:    rows,
		ColumnCount: len(columns),
		PreviewJSON: preview.String(),
	}, nil
}

// decodeObject reads one object keeping its key order. A repeated key keeps
// the last value at the position of its first occurrence.
func decodeObject(dec *json.Decoder) (record, error) {
	tok, err := dec.Token()
	if err != nil {
		return nil, err
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return nil, errRowNotObject
	}

	var rec record
	index := make(map[string]int)
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return nil, err
		}
		key, ok := keyTok.(string)
		if !ok {
			return nil, fmt.Errorf("unexpected key token %v", keyTok)
		}
		var raw json.RawMessage
		if err := dec.Decode(&raw); err != nil {
			return nil, err
		}
		var compact bytes.Buffer
		if err := json.Compact(&compact, raw); err != nil {
			return nil, err
		}
		value := json.RawMessage(compact.Bytes())
		if i, dup := index[key]; dup {
			rec[i].value = value
			continue
		}
		index[key] = len(rec)
		rec = append(rec, field{key: key, value: value})
	}
	if _, err := dec.Token(); err != nil {
		return nil, err
	}
	return rec, nil
}
