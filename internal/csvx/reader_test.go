package csvx

import (
	"io"
	"strings"
	"testing"
)

func TestReaderTracksOffsetsAcrossQuotedNewlines(t *testing.T) {
	data := "a,b\n1,\"two\nlines\"\n3,4\n"
	reader := NewReader(strings.NewReader(data), ',')

	if _, err := reader.Read(); err != nil {
		t.Fatalf("read header: %v", err)
	}
	headerEnd := reader.InputOffset()

	first, err := reader.Read()
	if err != nil {
		t.Fatalf("read first row: %v", err)
	}
	if first[1] != "two\nlines" {
		t.Fatalf("expected quoted newline preserved, got %q", first[1])
	}
	firstEnd := reader.InputOffset()

	// Seeking to the recorded offset and re-parsing must land exactly on the
	// next row boundary.
	resumed := NewReader(strings.NewReader(data[firstEnd:]), ',')
	row, err := resumed.Read()
	if err != nil {
		t.Fatalf("read resumed row: %v", err)
	}
	if row[0] != "3" || row[1] != "4" {
		t.Fatalf("expected resumed parse to yield row 3,4, got %v", row)
	}

	if headerEnd != int64(len("a,b\n")) {
		t.Fatalf("expected header offset %d, got %d", len("a,b\n"), headerEnd)
	}
}

func TestReaderRespectsDelimiter(t *testing.T) {
	reader := NewReader(strings.NewReader("a;b\n1;2\n"), ';')
	if _, err := reader.Read(); err != nil {
		t.Fatalf("read header: %v", err)
	}
	row, err := reader.Read()
	if err != nil {
		t.Fatalf("read row: %v", err)
	}
	if len(row) != 2 || row[0] != "1" || row[1] != "2" {
		t.Fatalf("expected semicolon split, got %v", row)
	}
	if _, err := reader.Read(); err != io.EOF {
		t.Fatalf("expected EOF, got %v", err)
	}
}

func TestDetectEncoding(t *testing.T) {
	if got := DetectEncoding([]byte("product_id,café\n")); got != EncodingUTF8 {
		t.Fatalf("expected utf-8 for valid UTF-8 sample, got %s", got)
	}
	if got := DetectEncoding([]byte{'c', 'a', 'f', 0xE9}); got != EncodingLatin1 {
		t.Fatalf("expected iso-8859-1 for invalid UTF-8 sample, got %s", got)
	}
}

func TestDecodeFieldLatin1(t *testing.T) {
	raw := string([]byte{'c', 'a', 'f', 0xE9})
	if got := EncodingLatin1.DecodeField(raw); got != "café" {
		t.Fatalf("expected café, got %q", got)
	}
	if got := EncodingUTF8.DecodeField("café"); got != "café" {
		t.Fatalf("expected utf-8 passthrough, got %q", got)
	}
}
