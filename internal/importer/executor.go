package importer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/subflow-platform/importer-api/internal/csvx"
	"github.com/subflow-platform/importer-api/internal/mapping"
	"github.com/subflow-platform/importer-api/internal/record"
	"github.com/subflow-platform/importer-api/internal/store"
)

const (
	StatusSuccess = "success"
	StatusFailed  = "failed"
)

// RowResult is the immutable outcome of one data row. A row is retried by
// re-running its chunk, never by patching an existing result.
type RowResult struct {
	Status             string   `json:"status"`
	RowNumber          int      `json:"rowNumber"`
	Item               string   `json:"item"`
	ItemID             int64    `json:"itemId"`
	Username           string   `json:"username"`
	UserID             string   `json:"userId"`
	SubscriptionStatus string   `json:"subscriptionStatus"`
	OrderID            *string  `json:"orderId"`
	Warnings           []string `json:"warnings"`
	Errors             []string `json:"errors"`
	EditOrderURL       string   `json:"editOrderUrl"`
}

// ChunkRequest carries everything one dispatch needs explicitly: file path,
// tokenizer settings, the finalized mapping, and the byte range. Nothing is
// re-derived from shared state between dispatches.
type ChunkRequest struct {
	Path           string
	Delimiter      rune
	Encoding       csvx.Encoding
	Headers        []string
	Mapping        mapping.FieldMapping
	StartOffset    int64
	EndOffset      int64
	FirstRowNumber int
}

type Executor struct {
	Store        store.Commerce
	AdminBaseURL string
	Logger       *slog.Logger
}

func NewExecutor(commerce store.Commerce, adminBaseURL string, logger *slog.Logger) *Executor {
	return &Executor{Store: commerce, AdminBaseURL: adminBaseURL, Logger: logger}
}

// Execute parses rows strictly within [StartOffset, EndOffset) and returns a
// fresh result list, one entry per row. Row-level failures (bad product,
// unresolvable customer, store errors) are reported as data and never abort
// the remaining rows; only file-open failure or malformed request parameters
// are fatal to the chunk.
func (e *Executor) Execute(ctx context.Context, req ChunkRequest) ([]RowResult, error) {
	if err := validateRequest(req); err != nil {
		return nil, err
	}

	file, err := os.Open(req.Path)
	if err != nil {
		return nil, fmt.Errorf("open import file: %w", err)
	}
	defer file.Close()

	section := io.NewSectionReader(file, req.StartOffset, req.EndOffset-req.StartOffset)
	reader := csvx.NewReader(section, req.Delimiter)

	results := make([]RowResult, 0, 16)
	rowNumber := req.FirstRowNumber

	for {
		fields, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			results = append(results, failedResult(rowNumber, fmt.Sprintf("row could not be parsed: %v", err)))
			rowNumber++
			continue
		}

		results = append(results, e.processRow(ctx, req, rowNumber, fields))
		rowNumber++
	}

	return results, nil
}

func (e *Executor) processRow(ctx context.Context, req ChunkRequest, rowNumber int, fields []string) RowResult {
	raw := record.BuildRawRow(req.Headers, fields)
	rec, buildErrs, warns := record.Build(raw, req.Mapping, req.Encoding)
	if len(buildErrs) > 0 {
		result := failedResult(rowNumber, buildErrs...)
		result.Warnings = warns
		return result
	}

	isSubscription, err := e.Store.ProductIsSubscription(ctx, rec.ProductID)
	if err != nil {
		result := failedResult(rowNumber, fmt.Sprintf("product lookup failed: %v", err))
		result.Warnings = warns
		return result
	}
	if !isSubscription {
		result := failedResult(rowNumber, "product_id is not a subscription product")
		result.Warnings = warns
		return result
	}

	customer, created, err := e.Store.ResolveOrCreateCustomer(ctx, store.CustomerLookup{
		ID:       rec.CustomerID,
		Email:    rec.CustomerEmail,
		Username: rec.CustomerUsername,
		Billing:  rec.Billing,
	})
	if err != nil {
		result := failedResult(rowNumber, fmt.Sprintf("customer could not be resolved or created: %v", err))
		result.Warnings = warns
		return result
	}
	if created && e.Logger != nil {
		e.Logger.Info("import_customer_created", "row", rowNumber, "customer_id", customer.ID)
	}

	receipt, err := e.Store.CreateOrderWithSubscription(ctx, store.OrderDraft{Record: rec, Customer: customer})
	if err != nil {
		// Store failures stay inside the row: the rest of the chunk, and
		// every later chunk, still runs.
		result := failedResult(rowNumber, fmt.Sprintf("order creation failed: %v", err))
		result.Warnings = warns
		return result
	}

	orderID := receipt.OrderID.String()
	return RowResult{
		Status:             StatusSuccess,
		RowNumber:          rowNumber,
		Item:               receipt.ItemName,
		ItemID:             receipt.ItemID,
		Username:           customer.Username,
		UserID:             receipt.UserID.String(),
		SubscriptionStatus: receipt.SubscriptionStatus,
		OrderID:            &orderID,
		Warnings:           warns,
		EditOrderURL:       e.editOrderURL(orderID),
	}
}

func (e *Executor) editOrderURL(orderID string) string {
	base := strings.TrimRight(e.AdminBaseURL, "/")
	if base == "" {
		return ""
	}
	return base + "/orders/" + orderID
}

func validateRequest(req ChunkRequest) error {
	switch {
	case req.Path == "":
		return errors.New("chunk request: file path is required")
	case req.StartOffset < 0:
		return errors.New("chunk request: start offset must be non-negative")
	case req.EndOffset <= req.StartOffset:
		return errors.New("chunk request: end offset must be greater than start offset")
	case req.FirstRowNumber < 1:
		return errors.New("chunk request: first row number must be at least 1")
	case len(req.Headers) == 0:
		return errors.New("chunk request: header row is required")
	}
	return nil
}

func failedResult(rowNumber int, errs ...string) RowResult {
	return RowResult{
		Status:    StatusFailed,
		RowNumber: rowNumber,
		Errors:    errs,
	}
}
