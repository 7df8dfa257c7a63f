package chunk

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/subflow-platform/importer-api/internal/csvx"
)

const DefaultChunkSize = 15

// Chunk is one contiguous byte range of the source file, processed in a
// single dispatch. End offset of chunk i equals start offset of chunk i+1.
type Chunk struct {
	StartOffset    int64 `json:"start"`
	EndOffset      int64 `json:"end"`
	FirstRowNumber int   `json:"rowNum"`
}

type Plan struct {
	Chunks       []Chunk
	TotalRows    int
	HeaderOffset int64
}

// Contains reports whether c is exactly one of the planned chunks. Dispatch
// requests are checked against this before execution: any other byte range
// would start mid-row.
func (p Plan) Contains(c Chunk) bool {
	for _, planned := range p.Chunks {
		if planned == c {
			return true
		}
	}
	return false
}

// PlanFile scans the file once and cuts a chunk boundary after every
// chunkSize data rows, at the tokenizer's reported byte offset. A trailing
// partial chunk is kept; a file with zero data rows yields zero chunks.
func PlanFile(path string, delimiter rune, chunkSize int) (Plan, error) {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}

	file, err := os.Open(path)
	if err != nil {
		return Plan{}, fmt.Errorf("open import file: %w", err)
	}
	defer file.Close()

	reader := csvx.NewReader(file, delimiter)

	if _, err := reader.Read(); err != nil {
		if errors.Is(err, io.EOF) {
			return Plan{}, nil
		}
		return Plan{}, fmt.Errorf("parse header row: %w", err)
	}

	plan := Plan{HeaderOffset: reader.InputOffset()}
	start := plan.HeaderOffset
	firstRow := 1
	inChunk := 0

	for {
		if _, err := reader.Read(); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return Plan{}, fmt.Errorf("parse row %d: %w", plan.TotalRows+1, err)
		}
		plan.TotalRows++
		inChunk++

		if inChunk == chunkSize {
			end := reader.InputOffset()
			plan.Chunks = append(plan.Chunks, Chunk{StartOffset: start, EndOffset: end, FirstRowNumber: firstRow})
			start = end
			firstRow = plan.TotalRows + 1
			inChunk = 0
		}
	}

	if inChunk > 0 {
		plan.Chunks = append(plan.Chunks, Chunk{StartOffset: start, EndOffset: reader.InputOffset(), FirstRowNumber: firstRow})
	}

	return plan, nil
}
