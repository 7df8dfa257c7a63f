package handlers

import (
	"context"
	"crypto/sha256"
	"encoding/csv"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	openapi_types "github.com/oapi-codegen/runtime/types"

	"github.com/subflow-platform/importer-api/internal/audit"
	"github.com/subflow-platform/importer-api/internal/chunk"
	"github.com/subflow-platform/importer-api/internal/csvx"
	"github.com/subflow-platform/importer-api/internal/httpx"
	"github.com/subflow-platform/importer-api/internal/importer"
	"github.com/subflow-platform/importer-api/internal/mapping"
	"github.com/subflow-platform/importer-api/internal/middleware"
	"github.com/subflow-platform/importer-api/internal/store"
)

const encodingSampleBytes = 1 << 20

type uploadResponse struct {
	ImportID     openapi_types.UUID `json:"importId"`
	Filename     string             `json:"filename"`
	Encoding     string             `json:"encoding"`
	Delimiter    string             `json:"delimiter"`
	Headers      []string           `json:"headers"`
	MappingModel mapping.Model      `json:"mappingModel"`
}

type planRequest struct {
	Assignments map[string]string `json:"assignments"`
	Delimiter   *string           `json:"delimiter,omitempty"`
	ChunkSize   *int              `json:"chunkSize,omitempty"`
}

type planResponse struct {
	RunID       openapi_types.UUID   `json:"runId"`
	Mapping     mapping.FieldMapping `json:"mapping"`
	TotalChunks int                  `json:"totalChunks"`
	TotalRows   int                  `json:"totalRows"`
	Chunks      []chunk.Chunk        `json:"chunks"`
}

type chunkRequest struct {
	Mapping   mapping.FieldMapping `json:"mapping"`
	Delimiter string               `json:"delimiter"`
	Start     int64                `json:"start"`
	End       int64                `json:"end"`
	RowNum    int                  `json:"rowNum"`
}

type completeRequest struct {
	Passed   int  `json:"passed"`
	Warned   int  `json:"warned"`
	Failed   int  `json:"failed"`
	TimedOut bool `json:"timedOut"`
}

type runView struct {
	ImportID    openapi_types.UUID `json:"importId"`
	Filename    string             `json:"filename"`
	Encoding    string             `json:"encoding"`
	Delimiter   string             `json:"delimiter"`
	Status      string             `json:"status"`
	ChunkSize   int                `json:"chunkSize"`
	TotalChunks int                `json:"totalChunks"`
	TotalRows   int                `json:"totalRows"`
	Headers     []string           `json:"headers"`
	Summary     json.RawMessage    `json:"summary,omitempty"`
	CreatedAt   time.Time          `json:"createdAt"`
	CompletedAt *time.Time         `json:"completedAt,omitempty"`
}

func (s *Server) PostImports(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		httpx.WriteError(w, r, http.StatusBadRequest, "invalid_body", "Malformed multipart body", nil)
		return
	}
	src, header, err := r.FormFile("file")
	if err != nil {
		httpx.WriteError(w, r, http.StatusBadRequest, "validation_error", "A file field is required", nil)
		return
	}
	defer src.Close()

	ext := strings.ToLower(filepath.Ext(header.Filename))
	if ext != ".csv" && ext != ".txt" {
		httpx.WriteError(w, r, http.StatusBadRequest, "validation_error", "Only delimited text files (.csv, .txt) are supported", nil)
		return
	}

	delimiter := s.Config.ImportDelimiter
	if raw := r.FormValue("delimiter"); raw != "" {
		parsed, ok := parseDelimiter(raw)
		if !ok {
			httpx.WriteError(w, r, http.StatusBadRequest, "validation_error", "delimiter must be a single character", nil)
			return
		}
		delimiter = parsed
	}

	if err := os.MkdirAll(s.Config.UploadDir, 0o750); err != nil {
		httpx.WriteError(w, r, http.StatusInternalServerError, "internal_error", "Failed to prepare upload directory", nil)
		return
	}

	storedPath := filepath.Join(s.Config.UploadDir, uuid.NewString()+".csv")
	dest, err := os.OpenFile(storedPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		httpx.WriteError(w, r, http.StatusInternalServerError, "internal_error", "Failed to store upload", nil)
		return
	}

	hasher := sha256.New()
	written, err := io.Copy(io.MultiWriter(dest, hasher), src)
	closeErr := dest.Close()
	if err != nil || closeErr != nil {
		_ = os.Remove(storedPath)
		httpx.WriteError(w, r, http.StatusInternalServerError, "internal_error", "Failed to store upload", nil)
		return
	}
	if s.Config.ImportMaxFileBytes > 0 && written > s.Config.ImportMaxFileBytes {
		_ = os.Remove(storedPath)
		httpx.WriteError(w, r, http.StatusRequestEntityTooLarge, "file_too_large",
			fmt.Sprintf("File exceeds the %d MB import limit", s.Config.ImportMaxFileBytes/(1024*1024)), nil)
		return
	}

	encoding, headers, example, err := inspectUpload(storedPath, delimiter)
	if err != nil {
		_ = os.Remove(storedPath)
		httpx.WriteError(w, r, http.StatusBadRequest, "validation_error", err.Error(), nil)
		return
	}

	run, err := s.Runs.CreateImportRun(r.Context(), store.CreateImportRunParams{
		Filename:   header.Filename,
		StoredPath: storedPath,
		FileSHA256: hex.EncodeToString(hasher.Sum(nil)),
		Encoding:   string(encoding),
		Delimiter:  string(delimiter),
		Headers:    headers,
	})
	if err != nil {
		_ = os.Remove(storedPath)
		httpx.WriteError(w, r, http.StatusInternalServerError, "internal_error", "Failed to record import run", nil)
		return
	}

	httpx.WriteJSON(w, http.StatusCreated, uploadResponse{
		ImportID:     run.ID,
		Filename:     run.Filename,
		Encoding:     run.Encoding,
		Delimiter:    run.Delimiter,
		Headers:      headers,
		MappingModel: mapping.BuildModel(headers, example),
	})
}

func (s *Server) PostImportsPlan(w http.ResponseWriter, r *http.Request) {
	run, ok := s.loadRun(w, r)
	if !ok {
		return
	}
	if run.Status != store.RunStatusUploaded && run.Status != store.RunStatusPlanned {
		httpx.WriteError(w, r, http.StatusConflict, "run_not_plannable",
			fmt.Sprintf("Import run is %s and can no longer be planned", run.Status), nil)
		return
	}

	var req planRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpx.WriteError(w, r, http.StatusBadRequest, "invalid_body", "Malformed JSON body", nil)
		return
	}

	if req.Delimiter != nil && *req.Delimiter != run.Delimiter {
		httpx.WriteError(w, r, http.StatusUnprocessableEntity, "validation_error",
			"delimiter is fixed at upload; re-upload the file to change it", nil)
		return
	}

	known := make(map[string]struct{}, len(run.Headers))
	for _, h := range run.Headers {
		known[h] = struct{}{}
	}
	for header := range req.Assignments {
		if _, ok := known[header]; !ok {
			httpx.WriteError(w, r, http.StatusUnprocessableEntity, "mapping_error",
				fmt.Sprintf("column %q is not a header of the uploaded file", header), nil)
			return
		}
	}

	fieldMapping, err := mapping.Finalize(req.Assignments)
	if err != nil {
		var mappingErr *mapping.Error
		if errors.As(err, &mappingErr) {
			httpx.WriteError(w, r, http.StatusUnprocessableEntity, "mapping_error", mappingErr.Reason, map[string]string{
				"header": mappingErr.Header,
				"target": mappingErr.Target,
			})
			return
		}
		httpx.WriteError(w, r, http.StatusInternalServerError, "internal_error", "Failed to finalize mapping", nil)
		return
	}

	chunkSize := s.Config.ImportChunkSize
	if req.ChunkSize != nil && *req.ChunkSize > 0 {
		chunkSize = *req.ChunkSize
	}

	delimiter, _ := parseDelimiter(run.Delimiter)
	plan, err := chunk.PlanFile(run.StoredPath, delimiter, chunkSize)
	if err != nil {
		httpx.WriteError(w, r, http.StatusUnprocessableEntity, "plan_failed", err.Error(), nil)
		return
	}

	mappingJSON, err := json.Marshal(fieldMapping)
	if err != nil {
		httpx.WriteError(w, r, http.StatusInternalServerError, "internal_error", "Failed to encode mapping", nil)
		return
	}

	run, err = s.Runs.PlanImportRun(r.Context(), store.PlanImportRunParams{
		ID:          run.ID,
		MappingJSON: mappingJSON,
		ChunkSize:   chunkSize,
		TotalChunks: len(plan.Chunks),
		TotalRows:   plan.TotalRows,
	})
	if err != nil {
		httpx.WriteError(w, r, http.StatusInternalServerError, "internal_error", "Failed to save import plan", nil)
		return
	}

	// A file with a header and no data rows completes on the spot.
	if len(plan.Chunks) == 0 {
		summary, _ := json.Marshal(map[string]any{"passed": 0, "warned": 0, "failed": 0, "timedOut": false})
		if run, err = s.Runs.CompleteImportRun(r.Context(), store.CompleteImportRunParams{
			ID:          run.ID,
			Status:      store.RunStatusCompleted,
			SummaryJSON: summary,
		}); err != nil {
			httpx.WriteError(w, r, http.StatusInternalServerError, "internal_error", "Failed to complete empty run", nil)
			return
		}
	}

	runID := run.ID
	_ = s.Audit.Log(r.Context(), audit.Entry{
		Action:     "import.plan_created",
		EntityType: "import_run",
		EntityID:   &runID,
		RequestID:  middleware.RequestIDFromContext(r.Context()),
		Metadata:   map[string]any{"totalChunks": len(plan.Chunks), "totalRows": plan.TotalRows, "chunkSize": chunkSize},
	})

	chunks := plan.Chunks
	if chunks == nil {
		chunks = []chunk.Chunk{}
	}
	httpx.WriteJSON(w, http.StatusOK, planResponse{
		RunID:       run.ID,
		Mapping:     fieldMapping,
		TotalChunks: len(plan.Chunks),
		TotalRows:   plan.TotalRows,
		Chunks:      chunks,
	})
}

func (s *Server) PostImportsChunks(w http.ResponseWriter, r *http.Request) {
	run, ok := s.loadRun(w, r)
	if !ok {
		return
	}
	if run.Status != store.RunStatusPlanned {
		httpx.WriteError(w, r, http.StatusConflict, "run_not_executable",
			fmt.Sprintf("Import run is %s; chunks only run against a planned import", run.Status), nil)
		return
	}

	var req chunkRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpx.WriteError(w, r, http.StatusBadRequest, "invalid_body", "Malformed JSON body", nil)
		return
	}

	if req.Delimiter != "" && req.Delimiter != run.Delimiter {
		httpx.WriteError(w, r, http.StatusUnprocessableEntity, "validation_error",
			"delimiter is fixed at upload; re-upload the file to change it", nil)
		return
	}
	delimiter, _ := parseDelimiter(run.Delimiter)

	// Only byte ranges the planner produced are executable: an arbitrary
	// offset would start mid-row and build records from garbage fields.
	plan, err := chunk.PlanFile(run.StoredPath, delimiter, run.ChunkSize)
	if err != nil {
		httpx.WriteError(w, r, http.StatusInternalServerError, "internal_error", "Failed to load import plan", nil)
		return
	}
	if !plan.Contains(chunk.Chunk{StartOffset: req.Start, EndOffset: req.End, FirstRowNumber: req.RowNum}) {
		httpx.WriteError(w, r, http.StatusUnprocessableEntity, "chunk_mismatch",
			"requested byte range does not match a planned chunk", nil)
		return
	}

	// Replay beats re-execution: a chunk already run against this byte range
	// returns its stored results and creates nothing new.
	if stored, found, err := s.Runs.GetChunkResults(r.Context(), run.ID, req.Start); err != nil {
		httpx.WriteError(w, r, http.StatusInternalServerError, "internal_error", "Failed to load chunk results", nil)
		return
	} else if found {
		writeWrapped(w, importer.WrapRaw(stored))
		return
	}

	encoding, _ := csvx.ParseEncoding(run.Encoding)

	ctx := r.Context()
	if s.Config.ImportChunkTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.Config.ImportChunkTimeout)
		defer cancel()
	}

	results, err := s.Executor.Execute(ctx, importer.ChunkRequest{
		Path:           run.StoredPath,
		Delimiter:      delimiter,
		Encoding:       encoding,
		Headers:        run.Headers,
		Mapping:        req.Mapping,
		StartOffset:    req.Start,
		EndOffset:      req.End,
		FirstRowNumber: req.RowNum,
	})
	if err != nil {
		httpx.WriteError(w, r, http.StatusUnprocessableEntity, "chunk_failed", err.Error(), nil)
		return
	}

	payload, err := json.Marshal(results)
	if err != nil {
		httpx.WriteError(w, r, http.StatusInternalServerError, "internal_error", "Failed to encode chunk results", nil)
		return
	}
	if err := s.Runs.PutChunkResults(r.Context(), store.ChunkResult{
		RunID:          run.ID,
		StartOffset:    req.Start,
		EndOffset:      req.End,
		FirstRowNumber: req.RowNum,
		ResultsJSON:    payload,
	}); err != nil {
		httpx.WriteError(w, r, http.StatusInternalServerError, "internal_error", "Failed to store chunk results", nil)
		return
	}

	runID := run.ID
	delta := countResults(results)
	_ = s.Audit.Log(r.Context(), audit.Entry{
		Action:     "import.chunk_executed",
		EntityType: "import_run",
		EntityID:   &runID,
		RequestID:  middleware.RequestIDFromContext(r.Context()),
		Metadata:   map[string]any{"start": req.Start, "rows": len(results), "failed": delta},
	})

	writeWrapped(w, importer.WrapRaw(payload))
}

func (s *Server) PostImportsComplete(w http.ResponseWriter, r *http.Request) {
	run, ok := s.loadRun(w, r)
	if !ok {
		return
	}
	if run.Status != store.RunStatusPlanned {
		// A zero-row run is closed by the planner itself; a client posting its
		// all-zero summary afterwards gets the stored view, not a conflict.
		if run.Status == store.RunStatusCompleted && run.TotalChunks == 0 {
			httpx.WriteJSON(w, http.StatusOK, viewRun(run))
			return
		}
		httpx.WriteError(w, r, http.StatusConflict, "run_not_completable",
			fmt.Sprintf("Import run is %s and cannot be completed", run.Status), nil)
		return
	}

	var req completeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpx.WriteError(w, r, http.StatusBadRequest, "invalid_body", "Malformed JSON body", nil)
		return
	}

	status := store.RunStatusCompleted
	if req.TimedOut {
		status = store.RunStatusTimedOut
	}
	summary, err := json.Marshal(map[string]any{
		"passed":   req.Passed,
		"warned":   req.Warned,
		"failed":   req.Failed,
		"timedOut": req.TimedOut,
	})
	if err != nil {
		httpx.WriteError(w, r, http.StatusInternalServerError, "internal_error", "Failed to encode summary", nil)
		return
	}

	run, err = s.Runs.CompleteImportRun(r.Context(), store.CompleteImportRunParams{
		ID:          run.ID,
		Status:      status,
		SummaryJSON: summary,
	})
	if err != nil {
		httpx.WriteError(w, r, http.StatusInternalServerError, "internal_error", "Failed to complete import run", nil)
		return
	}

	runID := run.ID
	_ = s.Audit.Log(r.Context(), audit.Entry{
		Action:     "import.run_completed",
		EntityType: "import_run",
		EntityID:   &runID,
		RequestID:  middleware.RequestIDFromContext(r.Context()),
		Metadata:   map[string]any{"status": status, "passed": req.Passed, "warned": req.Warned, "failed": req.Failed},
	})

	httpx.WriteJSON(w, http.StatusOK, viewRun(run))
}

func (s *Server) GetImport(w http.ResponseWriter, r *http.Request) {
	run, ok := s.loadRun(w, r)
	if !ok {
		return
	}
	httpx.WriteJSON(w, http.StatusOK, viewRun(run))
}

func (s *Server) GetImportErrorsCSV(w http.ResponseWriter, r *http.Request) {
	run, ok := s.loadRun(w, r)
	if !ok {
		return
	}

	chunkResults, err := s.Runs.ListChunkResults(r.Context(), run.ID)
	if err != nil {
		httpx.WriteError(w, r, http.StatusInternalServerError, "internal_error", "Failed to load chunk results", nil)
		return
	}

	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	w.Header().Set("Content-Disposition", `attachment; filename="import-errors.csv"`)
	writer := csv.NewWriter(w)
	_ = writer.Write([]string{"row", "status", "errors", "warnings"})

	for _, chunkResult := range chunkResults {
		var results []importer.RowResult
		if err := json.Unmarshal(chunkResult.ResultsJSON, &results); err != nil {
			continue
		}
		for _, result := range results {
			if result.Status != importer.StatusFailed && len(result.Warnings) == 0 {
				continue
			}
			_ = writer.Write([]string{
				fmt.Sprintf("%d", result.RowNumber),
				result.Status,
				strings.Join(result.Errors, "; "),
				strings.Join(result.Warnings, "; "),
			})
		}
	}
	writer.Flush()

	runID := run.ID
	_ = s.Audit.Log(r.Context(), audit.Entry{
		Action:     "export.download",
		EntityType: "import_run",
		EntityID:   &runID,
		RequestID:  middleware.RequestIDFromContext(r.Context()),
	})
}

func (s *Server) GetImportTemplateCSV(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "template")
	headers, ok := mapping.TemplateHeaders(name)
	if !ok {
		httpx.WriteError(w, r, http.StatusNotFound, "template_not_found",
			"Unknown template; available: subscriptions, customers, combined", nil)
		return
	}

	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", name+"-template.csv"))
	writer := csv.NewWriter(w)
	_ = writer.Write(headers)
	writer.Flush()
}

func (s *Server) loadRun(w http.ResponseWriter, r *http.Request) (store.ImportRun, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "importId"))
	if err != nil {
		httpx.WriteError(w, r, http.StatusBadRequest, "validation_error", "importId must be a UUID", nil)
		return store.ImportRun{}, false
	}

	run, err := s.Runs.GetImportRun(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			httpx.WriteError(w, r, http.StatusNotFound, "import_not_found", "Import run was not found", nil)
			return store.ImportRun{}, false
		}
		httpx.WriteError(w, r, http.StatusInternalServerError, "internal_error", "Failed to load import run", nil)
		return store.ImportRun{}, false
	}
	return run, true
}

func viewRun(run store.ImportRun) runView {
	return runView{
		ImportID:    run.ID,
		Filename:    run.Filename,
		Encoding:    run.Encoding,
		Delimiter:   run.Delimiter,
		Status:      run.Status,
		ChunkSize:   run.ChunkSize,
		TotalChunks: run.TotalChunks,
		TotalRows:   run.TotalRows,
		Headers:     run.Headers,
		Summary:     run.SummaryJSON,
		CreatedAt:   run.CreatedAt.UTC(),
		CompletedAt: run.CompletedAt,
	}
}

// inspectUpload detects the encoding from a leading sample and reads the
// header row plus one example data row.
func inspectUpload(path string, delimiter rune) (csvx.Encoding, []string, []string, error) {
	file, err := os.Open(path)
	if err != nil {
		return "", nil, nil, fmt.Errorf("open upload: %w", err)
	}
	defer file.Close()

	sample := make([]byte, encodingSampleBytes)
	n, err := io.ReadFull(file, sample)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return "", nil, nil, fmt.Errorf("read upload: %w", err)
	}
	sample = sample[:n]
	if n == encodingSampleBytes {
		// A truncated sample may end mid-rune; drop trailing continuation
		// bytes so valid UTF-8 is not misread as ISO-8859-1.
		for len(sample) > 0 && !utf8.RuneStart(sample[len(sample)-1]) {
			sample = sample[:len(sample)-1]
		}
	}
	encoding := csvx.DetectEncoding(sample)

	if _, err := file.Seek(0, io.SeekStart); err != nil {
		return "", nil, nil, fmt.Errorf("rewind upload: %w", err)
	}
	reader := csvx.NewReader(file, delimiter)
	rawHeaders, err := reader.Read()
	if err != nil {
		return "", nil, nil, fmt.Errorf("file has no header row")
	}
	headers := make([]string, len(rawHeaders))
	for i, h := range rawHeaders {
		headers[i] = strings.TrimSpace(encoding.DecodeField(h))
	}

	example, err := reader.Read()
	if err != nil {
		example = nil
	} else {
		for i, value := range example {
			example[i] = encoding.DecodeField(value)
		}
	}

	return encoding, headers, example, nil
}

func parseDelimiter(raw string) (rune, bool) {
	r, size := utf8.DecodeRuneInString(raw)
	if size == 0 || size != len(raw) || r == utf8.RuneError {
		return 0, false
	}
	return r, true
}

func countResults(results []importer.RowResult) int {
	failed := 0
	for _, result := range results {
		if result.Status == importer.StatusFailed {
			failed++
		}
	}
	return failed
}

func writeWrapped(w http.ResponseWriter, body []byte) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
}
