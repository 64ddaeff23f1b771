package metadata

import (
	"bufio"
	"bytes"
	"io"
	"unicode/utf8"

	"golang.org/x/text/encoding/korean"
	"golang.org/x/text/transform"
)

const sniffSize = 4096

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// textReader strips a UTF-8 byte order mark and transcodes EUC-KR input,
// which spreadsheet exports from Korean locales commonly use.
func textReader(r io.Reader) io.Reader {
	br := bufio.NewReaderSize(r, sniffSize)
	head, _ := br.Peek(sniffSize)

	if bytes.HasPrefix(head, utf8BOM) {
		_, _ = br.Discard(len(utf8BOM))
		return br
	}
	if looksUTF8(head) {
		return br
	}
	return transform.NewReader(br, korean.EUCKR.NewDecoder())
}

// looksUTF8 tolerates a rune cut at the end of the sniffed window.
func looksUTF8(b []byte) bool {
	for i := 0; i < utf8.UTFMax-1 && len(b) > 0 && !utf8.Valid(b); i++ {
		b = b[:len(b)-1]
	}
	return utf8.Valid(b)
}
