package ingest

import (
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"
)

var (
	errInvalidUTF8 = errors.New("payload is not valid UTF-8")
	utf16LEBOM     = []byte{0xFF, 0xFE}
	utf16BEBOM     = []byte{0xFE, 0xFF}
	knownColumns   = []string{ColumnName, ColumnAge, ColumnEmail}
)

// rowDecoder streams data records from a comma-delimited upload whose first
// record is the header.
type rowDecoder struct {
	r       *csv.Reader
	columns map[string]int
	empty   bool
}

// newRowDecoder checks the encoding and consumes the header. Errors here mean
// the upload is unreadable as a whole.
func newRowDecoder(payload []byte) (*rowDecoder, error) {
	payload, err := toUTF8(payload)
	if err != nil {
		return nil, err
	}

	r := csv.NewReader(bytes.NewReader(payload))
	r.FieldsPerRecord = -1
	r.TrimLeadingSpace = true

	d := &rowDecoder{r: r, columns: make(map[string]int)}
	header, err := r.Read()
	if errors.Is(err, io.EOF) {
		d.empty = true
		return d, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}
	for i, h := range header {
		key := strings.ToLower(strings.TrimSpace(h))
		if _, seen := d.columns[key]; !seen {
			d.columns[key] = i
		}
	}
	return d, nil
}

// next returns the next data record, io.EOF at the end, or a syntax error.
func (d *rowDecoder) next() (Row, error) {
	if d.empty {
		return nil, io.EOF
	}
	rec, err := d.r.Read()
	if err != nil {
		return nil, err
	}
	row := make(Row, len(knownColumns))
	for _, name := range knownColumns {
		idx, ok := d.columns[name]
		if !ok || idx >= len(rec) {
			continue
		}
		row[name] = strings.TrimSpace(rec[idx])
	}
	return row, nil
}

// toUTF8 strips a UTF-8 byte order mark and transcodes UTF-16 exports (as
// written by spreadsheet tools) that start with one. Anything else must
// already be valid UTF-8.
func toUTF8(payload []byte) ([]byte, error) {
	utf16 := bytes.HasPrefix(payload, utf16LEBOM) || bytes.HasPrefix(payload, utf16BEBOM)
	if !utf16 && !utf8.Valid(payload) {
		return nil, errInvalidUTF8
	}
	out, _, err := transform.Bytes(unicode.BOMOverride(transform.Nop), payload)
	if err != nil {
		return nil, fmt.Errorf("transcode payload: %w", err)
	}
	return out, nil
}
