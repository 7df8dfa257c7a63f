package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/subflow-platform/importer-api/internal/chunk"
	"github.com/subflow-platform/importer-api/internal/importer"
	"github.com/subflow-platform/importer-api/internal/mapping"
	"github.com/subflow-platform/importer-api/internal/progress"
)

type uploadResponse struct {
	ImportID     string        `json:"importId"`
	Filename     string        `json:"filename"`
	Encoding     string        `json:"encoding"`
	Headers      []string      `json:"headers"`
	MappingModel mapping.Model `json:"mappingModel"`
}

type planResponse struct {
	RunID       string               `json:"runId"`
	Mapping     mapping.FieldMapping `json:"mapping"`
	TotalChunks int                  `json:"totalChunks"`
	TotalRows   int                  `json:"totalRows"`
	Chunks      []chunk.Chunk        `json:"chunks"`
}

type client struct {
	baseURL string
	token   string
	http    *http.Client
}

func main() {
	apiURL := flag.String("api", "http://localhost:8080", "importer API base URL")
	token := flag.String("token", os.Getenv("IMPORTER_TOKEN"), "operator bearer token")
	file := flag.String("file", "", "delimited file to import")
	delimiter := flag.String("delimiter", "", "field delimiter (defaults to server setting)")
	chunkSize := flag.Int("chunk-size", 0, "rows per chunk (defaults to server setting)")
	timeout := flag.Duration("chunk-timeout", 60*time.Second, "per-chunk dispatch timeout")
	flag.Parse()

	if *file == "" {
		log.Fatal("-file is required")
	}
	if *token == "" {
		log.Fatal("-token or IMPORTER_TOKEN is required")
	}

	c := &client{
		baseURL: *apiURL,
		token:   *token,
		http:    &http.Client{Timeout: *timeout},
	}

	upload, err := c.upload(*file, *delimiter)
	if err != nil {
		log.Fatalf("upload: %v", err)
	}
	fmt.Printf("Uploaded %s (%s), %d columns\n", upload.Filename, upload.Encoding, len(upload.Headers))

	assignments := suggestedAssignments(upload.MappingModel)
	plan, err := c.plan(upload.ImportID, assignments, *delimiter, *chunkSize)
	if err != nil {
		log.Fatalf("plan: %v", err)
	}
	fmt.Printf("Planned %d rows in %d chunks\n", plan.TotalRows, plan.TotalChunks)

	// A file with no data rows is closed by the planner; there is nothing to
	// dispatch or complete.
	if plan.TotalChunks == 0 {
		fmt.Println("Import complete: 0 passed, 0 warned, 0 failed")
		return
	}

	state := progress.NewRunState(plan.TotalChunks)
	for i, ch := range plan.Chunks {
		results, err := c.dispatch(upload.ImportID, plan.Mapping, *delimiter, ch)
		if err != nil {
			if isTimeout(err) {
				state.MarkTimedOut()
				fmt.Println()
				fmt.Println("*** IMPORT TIMED OUT ***")
				fmt.Printf("Chunk %d/%d got no response within %s.\n", i+1, plan.TotalChunks, *timeout)
				fmt.Println("Already-imported rows are kept; re-run to resume (completed chunks replay).")
				if err := c.complete(upload.ImportID, state); err != nil {
					log.Fatalf("record timeout: %v", err)
				}
				os.Exit(1)
			}
			log.Fatalf("chunk %d/%d: %v", i+1, plan.TotalChunks, err)
		}

		state.Merge(progress.Reduce(results))
		fmt.Printf("chunk %d/%d  passed=%d warned=%d failed=%d\n",
			state.ChunksCompleted, state.TotalChunks, state.Passed, state.Warned, state.Failed)
		for _, result := range results {
			for _, warning := range result.Warnings {
				fmt.Printf("  row %d: warning: %s\n", result.RowNumber, warning)
			}
			for _, rowErr := range result.Errors {
				fmt.Printf("  row %d: error: %s\n", result.RowNumber, rowErr)
			}
		}
	}

	if err := c.complete(upload.ImportID, state); err != nil {
		log.Fatalf("complete: %v", err)
	}
	fmt.Printf("Import complete: %d passed, %d warned, %d failed\n", state.Passed, state.Warned, state.Failed)
	if state.Failed > 0 || state.Warned > 0 {
		fmt.Printf("Row details: %s/api/imports/%s/errors.csv\n", c.baseURL, upload.ImportID)
	}
}

// suggestedAssignments accepts every pre-suggested target from the mapping
// model; unmatched columns stay unimported.
func suggestedAssignments(model mapping.Model) map[string]string {
	assignments := make(map[string]string, len(model.Columns))
	for _, column := range model.Columns {
		assignments[column.Header] = column.Suggested
	}
	return assignments
}

func (c *client) upload(path, delimiter string) (uploadResponse, error) {
	file, err := os.Open(path)
	if err != nil {
		return uploadResponse{}, err
	}
	defer file.Close()

	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	part, err := writer.CreateFormFile("file", filepath.Base(path))
	if err != nil {
		return uploadResponse{}, err
	}
	if _, err := io.Copy(part, file); err != nil {
		return uploadResponse{}, err
	}
	if delimiter != "" {
		if err := writer.WriteField("delimiter", delimiter); err != nil {
			return uploadResponse{}, err
		}
	}
	if err := writer.Close(); err != nil {
		return uploadResponse{}, err
	}

	var resp uploadResponse
	err = c.do(http.MethodPost, "/api/imports", writer.FormDataContentType(), &body, &resp)
	return resp, err
}

func (c *client) plan(importID string, assignments map[string]string, delimiter string, chunkSize int) (planResponse, error) {
	payload := map[string]any{"assignments": assignments}
	if delimiter != "" {
		payload["delimiter"] = delimiter
	}
	if chunkSize > 0 {
		payload["chunkSize"] = chunkSize
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return planResponse{}, err
	}

	var resp planResponse
	err = c.do(http.MethodPost, "/api/imports/"+importID+"/plan", "application/json", bytes.NewReader(body), &resp)
	return resp, err
}

func (c *client) dispatch(importID string, m mapping.FieldMapping, delimiter string, ch chunk.Chunk) ([]importer.RowResult, error) {
	body, err := json.Marshal(map[string]any{
		"mapping":   m,
		"delimiter": delimiter,
		"start":     ch.StartOffset,
		"end":       ch.EndOffset,
		"rowNum":    ch.FirstRowNumber,
	})
	if err != nil {
		return nil, err
	}

	raw, err := c.doRaw(http.MethodPost, "/api/imports/"+importID+"/chunks", "application/json", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	return importer.UnwrapResults(raw)
}

func (c *client) complete(importID string, state *progress.RunState) error {
	body, err := json.Marshal(map[string]any{
		"passed":   state.Passed,
		"warned":   state.Warned,
		"failed":   state.Failed,
		"timedOut": state.TimedOut,
	})
	if err != nil {
		return err
	}
	return c.do(http.MethodPost, "/api/imports/"+importID+"/complete", "application/json", bytes.NewReader(body), nil)
}

func (c *client) do(method, path, contentType string, body io.Reader, out any) error {
	raw, err := c.doRaw(method, path, contentType, body)
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(raw, out)
}

func (c *client) doRaw(method, path, contentType string, body io.Reader) ([]byte, error) {
	req, err := http.NewRequestWithContext(context.Background(), method, c.baseURL+path, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("%s %s: status %d: %s", method, path, resp.StatusCode, raw)
	}
	return raw, nil
}

func isTimeout(err error) bool {
	var netErr interface{ Timeout() bool }
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded)
}
