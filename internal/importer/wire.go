package importer

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Chunk responses travel wrapped in sentinel markers so the dispatcher can
// pull the result payload out of a body that proxies or the platform may have
// polluted with notices or stray output.
const (
	resultsStartMarker = "<!--SFI_START-->"
	resultsEndMarker   = "<!--SFI_END-->"
)

// WrapResults frames the chunk results between the start and end markers.
func WrapResults(results []RowResult) ([]byte, error) {
	payload, err := json.Marshal(results)
	if err != nil {
		return nil, fmt.Errorf("marshal chunk results: %w", err)
	}
	return WrapRaw(payload), nil
}

// WrapRaw frames an already-encoded result payload, as stored for replay.
func WrapRaw(payload []byte) []byte {
	framed := make([]byte, 0, len(payload)+len(resultsStartMarker)+len(resultsEndMarker))
	framed = append(framed, resultsStartMarker...)
	framed = append(framed, payload...)
	framed = append(framed, resultsEndMarker...)
	return framed
}

// UnwrapResults extracts the framed payload from a raw response body and
// decodes it. Text outside the markers is ignored; a body without both
// markers is an error.
func UnwrapResults(body []byte) ([]RowResult, error) {
	text := string(body)
	start := strings.Index(text, resultsStartMarker)
	if start < 0 {
		return nil, fmt.Errorf("chunk response is missing the start marker")
	}
	rest := text[start+len(resultsStartMarker):]
	end := strings.Index(rest, resultsEndMarker)
	if end < 0 {
		return nil, fmt.Errorf("chunk response is missing the end marker")
	}

	var results []RowResult
	if err := json.Unmarshal([]byte(rest[:end]), &results); err != nil {
		return nil, fmt.Errorf("decode chunk results: %w", err)
	}
	return results, nil
}
