package csvx

import (
	"unicode/utf8"

	"golang.org/x/text/encoding/charmap"
)

type Encoding string

const (
	EncodingUTF8   Encoding = "utf-8"
	EncodingLatin1 Encoding = "iso-8859-1"
)

// DetectEncoding inspects a sample of the raw file bytes once per upload.
// Anything that is not valid UTF-8 is treated as ISO-8859-1, which never
// fails to decode.
func DetectEncoding(sample []byte) Encoding {
	if utf8.Valid(sample) {
		return EncodingUTF8
	}
	return EncodingLatin1
}

func ParseEncoding(value string) (Encoding, bool) {
	switch Encoding(value) {
	case EncodingUTF8, "":
		return EncodingUTF8, true
	case EncodingLatin1:
		return EncodingLatin1, true
	}
	return "", false
}

// DecodeField transcodes a single raw cell value to UTF-8. Delimiters and
// quotes are ASCII in both encodings, so tokenization happens on raw bytes
// and transcoding is applied per field afterwards.
func (e Encoding) DecodeField(value string) string {
	if e != EncodingLatin1 {
		return value
	}
	decoded, err := charmap.ISO8859_1.NewDecoder().String(value)
	if err != nil {
		return value
	}
	return decoded
}
