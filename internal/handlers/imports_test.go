package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/subflow-platform/importer-api/internal/audit"
	"github.com/subflow-platform/importer-api/internal/config"
	"github.com/subflow-platform/importer-api/internal/importer"
	"github.com/subflow-platform/importer-api/internal/store"
)

type fakeCommerce struct {
	subscriptionProducts map[int64]bool
	ordersCreated        int
}

func (f *fakeCommerce) ProductIsSubscription(_ context.Context, productID int64) (bool, error) {
	return f.subscriptionProducts[productID], nil
}

func (f *fakeCommerce) ResolveOrCreateCustomer(_ context.Context, lookup store.CustomerLookup) (store.Customer, bool, error) {
	return store.Customer{ID: uuid.New(), Email: lookup.Email, Username: lookup.Username}, true, nil
}

func (f *fakeCommerce) CreateOrderWithSubscription(_ context.Context, draft store.OrderDraft) (store.OrderReceipt, error) {
	f.ordersCreated++
	return store.OrderReceipt{
		OrderID:            uuid.New(),
		SubscriptionID:     uuid.New(),
		SubscriptionStatus: draft.Record.SubscriptionStatus,
		UserID:             draft.Customer.ID,
		ItemID:             draft.Record.ProductID,
		ItemName:           fmt.Sprintf("Product %d", draft.Record.ProductID),
	}, nil
}

type fakeRuns struct {
	runs   map[uuid.UUID]store.ImportRun
	chunks map[string]store.ChunkResult
}

func newFakeRuns() *fakeRuns {
	return &fakeRuns{runs: map[uuid.UUID]store.ImportRun{}, chunks: map[string]store.ChunkResult{}}
}

func chunkKey(runID uuid.UUID, start int64) string {
	return fmt.Sprintf("%s:%d", runID, start)
}

func (f *fakeRuns) CreateImportRun(_ context.Context, params store.CreateImportRunParams) (store.ImportRun, error) {
	run := store.ImportRun{
		ID:         uuid.New(),
		Filename:   params.Filename,
		StoredPath: params.StoredPath,
		FileSHA256: params.FileSHA256,
		Encoding:   params.Encoding,
		Delimiter:  params.Delimiter,
		Headers:    params.Headers,
		Status:     store.RunStatusUploaded,
		CreatedAt:  time.Now(),
	}
	f.runs[run.ID] = run
	return run, nil
}

func (f *fakeRuns) PlanImportRun(_ context.Context, params store.PlanImportRunParams) (store.ImportRun, error) {
	run, ok := f.runs[params.ID]
	if !ok {
		return store.ImportRun{}, store.ErrNotFound
	}
	run.MappingJSON = params.MappingJSON
	run.ChunkSize = params.ChunkSize
	run.TotalChunks = params.TotalChunks
	run.TotalRows = params.TotalRows
	run.Status = store.RunStatusPlanned
	f.runs[run.ID] = run
	return run, nil
}

func (f *fakeRuns) CompleteImportRun(_ context.Context, params store.CompleteImportRunParams) (store.ImportRun, error) {
	run, ok := f.runs[params.ID]
	if !ok {
		return store.ImportRun{}, store.ErrNotFound
	}
	now := time.Now()
	run.Status = params.Status
	run.SummaryJSON = params.SummaryJSON
	run.CompletedAt = &now
	f.runs[run.ID] = run
	return run, nil
}

func (f *fakeRuns) GetImportRun(_ context.Context, id uuid.UUID) (store.ImportRun, error) {
	run, ok := f.runs[id]
	if !ok {
		return store.ImportRun{}, store.ErrNotFound
	}
	return run, nil
}

func (f *fakeRuns) GetChunkResults(_ context.Context, runID uuid.UUID, startOffset int64) ([]byte, bool, error) {
	result, ok := f.chunks[chunkKey(runID, startOffset)]
	if !ok {
		return nil, false, nil
	}
	return result.ResultsJSON, true, nil
}

func (f *fakeRuns) PutChunkResults(_ context.Context, result store.ChunkResult) error {
	key := chunkKey(result.RunID, result.StartOffset)
	if _, exists := f.chunks[key]; !exists {
		f.chunks[key] = result
	}
	return nil
}

func (f *fakeRuns) ListChunkResults(_ context.Context, runID uuid.UUID) ([]store.ChunkResult, error) {
	var results []store.ChunkResult
	for _, result := range f.chunks {
		if result.RunID == runID {
			results = append(results, result)
		}
	}
	return results, nil
}

type fakeAuditStore struct{ entries int }

func (f *fakeAuditStore) InsertAuditLog(context.Context, string, string, *uuid.UUID, string, []byte) error {
	f.entries++
	return nil
}

type testEnv struct {
	server   *Server
	router   http.Handler
	commerce *fakeCommerce
	runs     *fakeRuns
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	cfg := config.Config{
		UploadDir:          t.TempDir(),
		ImportChunkSize:    15,
		ImportDelimiter:    ',',
		ImportMaxFileBytes: 1 << 20,
		AdminBaseURL:       "https://admin.test",
	}
	commerce := &fakeCommerce{subscriptionProducts: map[int64]bool{101: true}}
	runs := newFakeRuns()
	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	server := NewServer(cfg, commerce, runs, audit.NewLogger(&fakeAuditStore{}), logger)

	r := chi.NewRouter()
	r.Post("/api/imports", server.PostImports)
	r.Post("/api/imports/{importId}/plan", server.PostImportsPlan)
	r.Post("/api/imports/{importId}/chunks", server.PostImportsChunks)
	r.Post("/api/imports/{importId}/complete", server.PostImportsComplete)
	r.Get("/api/imports/{importId}", server.GetImport)
	r.Get("/api/imports/{importId}/errors.csv", server.GetImportErrorsCSV)
	r.Get("/api/imports/templates/{template}.csv", server.GetImportTemplateCSV)

	return &testEnv{server: server, router: r, commerce: commerce, runs: runs}
}

func (env *testEnv) upload(t *testing.T, filename, content string) uploadResponse {
	t.Helper()
	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)
	part, err := writer.CreateFormFile("file", filename)
	if err != nil {
		t.Fatalf("create form file: %v", err)
	}
	if _, err := part.Write([]byte(content)); err != nil {
		t.Fatalf("write form file: %v", err)
	}
	if err := writer.Close(); err != nil {
		t.Fatalf("close multipart writer: %v", err)
	}

	req := httptest.NewRequest(http.MethodPost, "/api/imports", &buf)
	req.Header.Set("Content-Type", writer.FormDataContentType())
	rr := httptest.NewRecorder()
	env.router.ServeHTTP(rr, req)
	if rr.Code != http.StatusCreated {
		t.Fatalf("upload: expected 201, got %d: %s", rr.Code, rr.Body.String())
	}

	var resp uploadResponse
	if err := json.NewDecoder(rr.Body).Decode(&resp); err != nil {
		t.Fatalf("decode upload response: %v", err)
	}
	return resp
}

func (env *testEnv) postJSON(t *testing.T, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	payload, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal request body: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	env.router.ServeHTTP(rr, req)
	return rr
}

func TestUploadReturnsHeadersAndModel(t *testing.T) {
	env := newTestEnv(t)
	resp := env.upload(t, "subs.csv", "product_id,customer_email\n101,jane@example.com\n")

	if resp.Encoding != "utf-8" {
		t.Fatalf("expected utf-8 encoding, got %q", resp.Encoding)
	}
	if len(resp.Headers) != 2 || resp.Headers[0] != "product_id" {
		t.Fatalf("unexpected headers %v", resp.Headers)
	}
	if len(resp.MappingModel.Columns) != 2 {
		t.Fatalf("expected 2 model columns, got %d", len(resp.MappingModel.Columns))
	}
	if resp.MappingModel.Columns[0].Suggested != "product_id" {
		t.Fatalf("expected product_id suggestion, got %q", resp.MappingModel.Columns[0].Suggested)
	}
	if resp.MappingModel.Columns[1].Example != "jane@example.com" {
		t.Fatalf("expected example value, got %q", resp.MappingModel.Columns[1].Example)
	}
}

func TestUploadRejectsSpreadsheet(t *testing.T) {
	env := newTestEnv(t)
	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)
	part, _ := writer.CreateFormFile("file", "subs.xlsx")
	_, _ = part.Write([]byte("not a csv"))
	_ = writer.Close()

	req := httptest.NewRequest(http.MethodPost, "/api/imports", &buf)
	req.Header.Set("Content-Type", writer.FormDataContentType())
	rr := httptest.NewRecorder()
	env.router.ServeHTTP(rr, req)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for xlsx upload, got %d", rr.Code)
	}
}

func TestPlanRejectsDuplicateTargets(t *testing.T) {
	env := newTestEnv(t)
	resp := env.upload(t, "subs.csv", "a,b\n101,102\n")

	rr := env.postJSON(t, "/api/imports/"+resp.ImportID.String()+"/plan", planRequest{
		Assignments: map[string]string{"a": "product_id", "b": "product_id"},
	})
	if rr.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422 for duplicate mapping, got %d: %s", rr.Code, rr.Body.String())
	}
	if !strings.Contains(rr.Body.String(), "mapping_error") {
		t.Fatalf("expected mapping_error code, got %s", rr.Body.String())
	}
}

func TestPlanRejectsUnknownHeader(t *testing.T) {
	env := newTestEnv(t)
	resp := env.upload(t, "subs.csv", "a,b\n101,102\n")

	rr := env.postJSON(t, "/api/imports/"+resp.ImportID.String()+"/plan", planRequest{
		Assignments: map[string]string{"nope": "product_id"},
	})
	if rr.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422 for unknown header, got %d", rr.Code)
	}
}

func TestPlanSplitsIntoChunks(t *testing.T) {
	env := newTestEnv(t)
	var sb strings.Builder
	sb.WriteString("product_id,customer_email\n")
	for i := 0; i < 5; i++ {
		fmt.Fprintf(&sb, "101,user%d@example.com\n", i)
	}
	resp := env.upload(t, "subs.csv", sb.String())

	chunkSize := 2
	rr := env.postJSON(t, "/api/imports/"+resp.ImportID.String()+"/plan", planRequest{
		Assignments: map[string]string{"product_id": "product_id", "customer_email": "customer_email"},
		ChunkSize:   &chunkSize,
	})
	if rr.Code != http.StatusOK {
		t.Fatalf("plan: expected 200, got %d: %s", rr.Code, rr.Body.String())
	}

	var plan planResponse
	if err := json.NewDecoder(rr.Body).Decode(&plan); err != nil {
		t.Fatalf("decode plan response: %v", err)
	}
	if plan.TotalRows != 5 || plan.TotalChunks != 3 {
		t.Fatalf("expected 5 rows in 3 chunks, got %d rows in %d chunks", plan.TotalRows, plan.TotalChunks)
	}
	if plan.Chunks[0].FirstRowNumber != 1 || plan.Chunks[1].FirstRowNumber != 3 || plan.Chunks[2].FirstRowNumber != 5 {
		t.Fatalf("unexpected first row numbers: %+v", plan.Chunks)
	}
	for i := 1; i < len(plan.Chunks); i++ {
		if plan.Chunks[i].StartOffset != plan.Chunks[i-1].EndOffset {
			t.Fatalf("chunks are not contiguous: %+v", plan.Chunks)
		}
	}
}

func TestPlanEmptyFileCompletesImmediately(t *testing.T) {
	env := newTestEnv(t)
	resp := env.upload(t, "subs.csv", "product_id,customer_email\n")

	rr := env.postJSON(t, "/api/imports/"+resp.ImportID.String()+"/plan", planRequest{
		Assignments: map[string]string{"product_id": "product_id"},
	})
	if rr.Code != http.StatusOK {
		t.Fatalf("plan: expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	var plan planResponse
	if err := json.NewDecoder(rr.Body).Decode(&plan); err != nil {
		t.Fatalf("decode plan response: %v", err)
	}
	if plan.TotalChunks != 0 {
		t.Fatalf("expected zero chunks, got %d", plan.TotalChunks)
	}

	run, err := env.runs.GetImportRun(context.Background(), plan.RunID)
	if err != nil {
		t.Fatalf("load run: %v", err)
	}
	if run.Status != store.RunStatusCompleted {
		t.Fatalf("expected completed no-op run, got %q", run.Status)
	}
}

func planImport(t *testing.T, env *testEnv, importID string, chunkSize int) planResponse {
	t.Helper()
	rr := env.postJSON(t, "/api/imports/"+importID+"/plan", planRequest{
		Assignments: map[string]string{"product_id": "product_id", "customer_email": "customer_email"},
		ChunkSize:   &chunkSize,
	})
	if rr.Code != http.StatusOK {
		t.Fatalf("plan: expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	var plan planResponse
	if err := json.NewDecoder(rr.Body).Decode(&plan); err != nil {
		t.Fatalf("decode plan response: %v", err)
	}
	return plan
}

func dispatchChunk(t *testing.T, env *testEnv, importID string, plan planResponse, index int) []importer.RowResult {
	t.Helper()
	rr := env.postJSON(t, "/api/imports/"+importID+"/chunks", chunkRequest{
		Mapping:   plan.Mapping,
		Delimiter: ",",
		Start:     plan.Chunks[index].StartOffset,
		End:       plan.Chunks[index].EndOffset,
		RowNum:    plan.Chunks[index].FirstRowNumber,
	})
	if rr.Code != http.StatusOK {
		t.Fatalf("chunk %d: expected 200, got %d: %s", index, rr.Code, rr.Body.String())
	}
	results, err := importer.UnwrapResults(rr.Body.Bytes())
	if err != nil {
		t.Fatalf("unwrap chunk %d: %v", index, err)
	}
	return results
}

func TestChunkExecutionAndIdempotentReplay(t *testing.T) {
	env := newTestEnv(t)
	resp := env.upload(t, "subs.csv", "product_id,customer_email\n101,a@example.com\n101,b@example.com\n999,c@example.com\n")
	plan := planImport(t, env, resp.ImportID.String(), 2)
	if plan.TotalChunks != 2 {
		t.Fatalf("expected 2 chunks, got %d", plan.TotalChunks)
	}

	first := dispatchChunk(t, env, resp.ImportID.String(), plan, 0)
	if len(first) != 2 {
		t.Fatalf("expected 2 rows in first chunk, got %d", len(first))
	}
	for _, result := range first {
		if result.Status != importer.StatusSuccess {
			t.Fatalf("expected success, got %+v", result)
		}
		if !strings.HasPrefix(result.EditOrderURL, "https://admin.test/orders/") {
			t.Fatalf("unexpected edit url %q", result.EditOrderURL)
		}
	}

	second := dispatchChunk(t, env, resp.ImportID.String(), plan, 1)
	if len(second) != 1 || second[0].Status != importer.StatusFailed {
		t.Fatalf("expected one failed row for non-subscription product, got %+v", second)
	}
	if second[0].RowNumber != 3 {
		t.Fatalf("expected row number 3, got %d", second[0].RowNumber)
	}

	ordersBefore := env.commerce.ordersCreated
	replay := dispatchChunk(t, env, resp.ImportID.String(), plan, 0)
	if env.commerce.ordersCreated != ordersBefore {
		t.Fatalf("replay created orders: %d -> %d", ordersBefore, env.commerce.ordersCreated)
	}
	if len(replay) != 2 {
		t.Fatalf("expected replayed results, got %+v", replay)
	}
}

func TestChunkRejectsUnplannedRange(t *testing.T) {
	env := newTestEnv(t)
	resp := env.upload(t, "subs.csv", "product_id,customer_email\n101,a@example.com\n101,b@example.com\n")
	plan := planImport(t, env, resp.ImportID.String(), 15)

	planned := plan.Chunks[0]
	for _, bogus := range []chunkRequest{
		{Mapping: plan.Mapping, Start: planned.StartOffset + 1, End: planned.EndOffset, RowNum: planned.FirstRowNumber},
		{Mapping: plan.Mapping, Start: planned.StartOffset, End: planned.EndOffset - 1, RowNum: planned.FirstRowNumber},
		{Mapping: plan.Mapping, Start: planned.StartOffset, End: planned.EndOffset, RowNum: planned.FirstRowNumber + 1},
	} {
		rr := env.postJSON(t, "/api/imports/"+resp.ImportID.String()+"/chunks", bogus)
		if rr.Code != http.StatusUnprocessableEntity {
			t.Fatalf("expected 422 for %+v, got %d: %s", bogus, rr.Code, rr.Body.String())
		}
		if !strings.Contains(rr.Body.String(), "chunk_mismatch") {
			t.Fatalf("expected chunk_mismatch code, got %s", rr.Body.String())
		}
	}
	if env.commerce.ordersCreated != 0 {
		t.Fatalf("unplanned ranges must not create orders, got %d", env.commerce.ordersCreated)
	}
}

func TestChunkRejectsChangedDelimiter(t *testing.T) {
	env := newTestEnv(t)
	resp := env.upload(t, "subs.csv", "product_id,customer_email\n101,a@example.com\n")
	plan := planImport(t, env, resp.ImportID.String(), 15)

	rr := env.postJSON(t, "/api/imports/"+resp.ImportID.String()+"/chunks", chunkRequest{
		Mapping:   plan.Mapping,
		Delimiter: ";",
		Start:     plan.Chunks[0].StartOffset,
		End:       plan.Chunks[0].EndOffset,
		RowNum:    plan.Chunks[0].FirstRowNumber,
	})
	if rr.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422 for changed delimiter, got %d", rr.Code)
	}
	if env.commerce.ordersCreated != 0 {
		t.Fatalf("changed delimiter must not create orders, got %d", env.commerce.ordersCreated)
	}
}

func TestCompleteRecordsSummary(t *testing.T) {
	env := newTestEnv(t)
	resp := env.upload(t, "subs.csv", "product_id,customer_email\n101,a@example.com\n")
	planImport(t, env, resp.ImportID.String(), 15)

	rr := env.postJSON(t, "/api/imports/"+resp.ImportID.String()+"/complete", completeRequest{Passed: 1})
	if rr.Code != http.StatusOK {
		t.Fatalf("complete: expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	var view runView
	if err := json.NewDecoder(rr.Body).Decode(&view); err != nil {
		t.Fatalf("decode run view: %v", err)
	}
	if view.Status != store.RunStatusCompleted {
		t.Fatalf("expected completed, got %q", view.Status)
	}
	if view.CompletedAt == nil {
		t.Fatal("expected completedAt to be set")
	}
}

func TestCompleteTimedOutIsDistinct(t *testing.T) {
	env := newTestEnv(t)
	resp := env.upload(t, "subs.csv", "product_id,customer_email\n101,a@example.com\n")
	planImport(t, env, resp.ImportID.String(), 15)

	rr := env.postJSON(t, "/api/imports/"+resp.ImportID.String()+"/complete", completeRequest{TimedOut: true})
	if rr.Code != http.StatusOK {
		t.Fatalf("complete: expected 200, got %d", rr.Code)
	}
	var view runView
	if err := json.NewDecoder(rr.Body).Decode(&view); err != nil {
		t.Fatalf("decode run view: %v", err)
	}
	if view.Status != store.RunStatusTimedOut {
		t.Fatalf("expected timed_out status, got %q", view.Status)
	}
}

func TestCompleteZeroChunkRunIsIdempotent(t *testing.T) {
	env := newTestEnv(t)
	resp := env.upload(t, "subs.csv", "product_id,customer_email\n")

	rr := env.postJSON(t, "/api/imports/"+resp.ImportID.String()+"/plan", planRequest{
		Assignments: map[string]string{"product_id": "product_id"},
	})
	if rr.Code != http.StatusOK {
		t.Fatalf("plan: expected 200, got %d: %s", rr.Code, rr.Body.String())
	}

	// The planner closed the run; a client posting its all-zero summary
	// afterwards must still see the completed run, not a conflict.
	for i := 0; i < 2; i++ {
		rr = env.postJSON(t, "/api/imports/"+resp.ImportID.String()+"/complete", completeRequest{})
		if rr.Code != http.StatusOK {
			t.Fatalf("complete attempt %d: expected 200, got %d: %s", i+1, rr.Code, rr.Body.String())
		}
		var view runView
		if err := json.NewDecoder(rr.Body).Decode(&view); err != nil {
			t.Fatalf("decode run view: %v", err)
		}
		if view.Status != store.RunStatusCompleted {
			t.Fatalf("expected completed, got %q", view.Status)
		}
		if view.TotalChunks != 0 {
			t.Fatalf("expected zero chunks, got %d", view.TotalChunks)
		}
	}
}

func TestErrorsCSVListsFailedAndWarnedRows(t *testing.T) {
	env := newTestEnv(t)
	resp := env.upload(t, "subs.csv", "product_id,customer_email\n101,a@example.com\n999,b@example.com\n")
	plan := planImport(t, env, resp.ImportID.String(), 15)
	dispatchChunk(t, env, resp.ImportID.String(), plan, 0)

	req := httptest.NewRequest(http.MethodGet, "/api/imports/"+resp.ImportID.String()+"/errors.csv", nil)
	rr := httptest.NewRecorder()
	env.router.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("errors.csv: expected 200, got %d", rr.Code)
	}
	body := rr.Body.String()
	if !strings.Contains(body, "row,status,errors,warnings") {
		t.Fatalf("expected csv header, got %s", body)
	}
	if !strings.Contains(body, "product_id is not a subscription product") {
		t.Fatalf("expected failed row in export, got %s", body)
	}
	if strings.Contains(body, "a@example.com") {
		t.Fatalf("clean rows must not appear in the export: %s", body)
	}
}

func TestTemplateDownload(t *testing.T) {
	env := newTestEnv(t)

	req := httptest.NewRequest(http.MethodGet, "/api/imports/templates/subscriptions.csv", nil)
	rr := httptest.NewRecorder()
	env.router.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("template: expected 200, got %d", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), "product_id") {
		t.Fatalf("expected product_id column in template, got %s", rr.Body.String())
	}

	req = httptest.NewRequest(http.MethodGet, "/api/imports/templates/bogus.csv", nil)
	rr = httptest.NewRecorder()
	env.router.ServeHTTP(rr, req)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown template, got %d", rr.Code)
	}
}

func TestGetImportNotFound(t *testing.T) {
	env := newTestEnv(t)
	req := httptest.NewRequest(http.MethodGet, "/api/imports/"+uuid.NewString(), nil)
	rr := httptest.NewRecorder()
	env.router.ServeHTTP(rr, req)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rr.Code)
	}
}
