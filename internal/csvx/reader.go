package csvx

import (
	"encoding/csv"
	"io"
)

// NewReader is the single tokenizer constructor shared by chunk planning and
// chunk execution. Byte offsets recorded during planning are only valid if the
// executor re-parses with an identically configured reader, so every CSV read
// in the import path must go through here.
func NewReader(r io.Reader, delimiter rune) *csv.Reader {
	reader := csv.NewReader(r)
	if delimiter != 0 {
		reader.Comma = delimiter
	}
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true
	return reader
}
