package metadata

import (
	"bytes"
	"encoding/json"
)

type field struct {
	key   string
	value json.RawMessage
}

// record is one preview row. Field order is the column order of the file.
type record []field

func stringRecord(columns, values []string) record {
	rec := make(record, len(columns))
	for i, col := range columns {
		v := ""
		if i < len(values) {
			v = values[i]
		}
		raw, _ := json.Marshal(v)
		rec[i] = field{key: col, value: raw}
	}
	return rec
}

func (r record) encode() []byte {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, f := range r {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, _ := json.Marshal(f.key)
		buf.Write(key)
		buf.WriteByte(':')
		buf.Write(f.value)
	}
	buf.WriteByte('}')
	return buf.Bytes()
}

// previewBuilder collects at most maxRows rows while keeping the encoded
// array within maxBytes. Once a row does not fit, later rows are dropped too.
type previewBuilder struct {
	maxRows  int
	maxBytes int
	rows     int
	full     bool
	buf      bytes.Buffer
}

func newPreviewBuilder(l Limits) *previewBuilder {
	p := &previewBuilder{maxRows: l.PreviewRows, maxBytes: l.PreviewBytes}
	p.buf.WriteByte('[')
	return p
}

func (p *previewBuilder) wants() bool {
	return !p.full && p.rows < p.maxRows
}

func (p *previewBuilder) add(r record) {
	if !p.wants() {
		return
	}
	enc := r.encode()
	extra := len(enc) + 1
	if p.rows > 0 {
		extra++
	}
	if p.buf.Len()+extra > p.maxBytes {
		p.full = true
		return
	}
	if p.rows > 0 {
		p.buf.WriteByte(',')
	}
	p.buf.Write(enc)
	p.rows++
}

func (p *previewBuilder) String() string {
	return p.buf.String() + "]"
}
