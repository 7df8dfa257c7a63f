package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Postgres implements Commerce and Runs over a pgx pool.
type Postgres struct {
	pool *pgxpool.Pool
}

func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

func (p *Postgres) Pool() *pgxpool.Pool {
	return p.pool
}

func (p *Postgres) ProductIsSubscription(ctx context.Context, productID int64) (bool, error) {
	var productType string
	err := p.pool.QueryRow(ctx, `
		SELECT product_type FROM products WHERE id = $1
	`, productID).Scan(&productType)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("load product %d: %w", productID, err)
	}
	return productType == "subscription", nil
}

func (p *Postgres) ResolveOrCreateCustomer(ctx context.Context, lookup CustomerLookup) (Customer, bool, error) {
	if lookup.ID != "" {
		if id, err := uuid.Parse(lookup.ID); err == nil {
			customer, err := p.getCustomer(ctx, `SELECT id, email, username, first_name, last_name FROM customers WHERE id = $1`, id)
			if err == nil {
				return customer, false, nil
			}
			if !errors.Is(err, pgx.ErrNoRows) {
				return Customer{}, false, err
			}
		}
	}

	if lookup.Email != "" {
		customer, err := p.getCustomer(ctx, `SELECT id, email, username, first_name, last_name FROM customers WHERE lower(email) = lower($1)`, lookup.Email)
		if err == nil {
			return customer, false, nil
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return Customer{}, false, err
		}
	}

	if lookup.Username != "" {
		customer, err := p.getCustomer(ctx, `SELECT id, email, username, first_name, last_name FROM customers WHERE username = $1`, lookup.Username)
		if err == nil {
			return customer, false, nil
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return Customer{}, false, err
		}
	}

	if lookup.Email == "" && lookup.Username == "" {
		return Customer{}, false, ErrCustomerUnresolvable
	}

	username := lookup.Username
	if username == "" {
		username = strings.SplitN(lookup.Email, "@", 2)[0]
	}

	var customer Customer
	err := p.pool.QueryRow(ctx, `
		INSERT INTO customers (
			email, username, first_name, last_name,
			billing_company, billing_address_1, billing_address_2,
			billing_city, billing_state, billing_postcode, billing_country, billing_phone
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		RETURNING id, COALESCE(email, ''), username, first_name, last_name
	`,
		nullable(lookup.Email), username, lookup.Billing.FirstName, lookup.Billing.LastName,
		lookup.Billing.Company, lookup.Billing.Address1, lookup.Billing.Address2,
		lookup.Billing.City, lookup.Billing.State, lookup.Billing.Postcode, lookup.Billing.Country, lookup.Billing.Phone,
	).Scan(&customer.ID, &customer.Email, &customer.Username, &customer.FirstName, &customer.LastName)
	if err != nil {
		// A concurrent import of the same address book can race on the
		// unique email index; fall back to the winner.
		if lookup.Email != "" {
			if existing, lookupErr := p.getCustomer(ctx, `SELECT id, email, username, first_name, last_name FROM customers WHERE lower(email) = lower($1)`, lookup.Email); lookupErr == nil {
				return existing, false, nil
			}
		}
		return Customer{}, false, fmt.Errorf("create customer: %w", err)
	}
	return customer, true, nil
}

func (p *Postgres) getCustomer(ctx context.Context, query string, arg any) (Customer, error) {
	var customer Customer
	var email *string
	err := p.pool.QueryRow(ctx, query, arg).Scan(&customer.ID, &email, &customer.Username, &customer.FirstName, &customer.LastName)
	if err != nil {
		return Customer{}, err
	}
	if email != nil {
		customer.Email = *email
	}
	return customer, nil
}

func (p *Postgres) CreateOrderWithSubscription(ctx context.Context, draft OrderDraft) (OrderReceipt, error) {
	rec := draft.Record

	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return OrderReceipt{}, fmt.Errorf("begin order tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var product Product
	if err := tx.QueryRow(ctx, `
		SELECT id, name, product_type FROM products WHERE id = $1
	`, rec.ProductID).Scan(&product.ID, &product.Name, &product.ProductType); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return OrderReceipt{}, fmt.Errorf("product %d: %w", rec.ProductID, ErrNotFound)
		}
		return OrderReceipt{}, fmt.Errorf("load product %d: %w", rec.ProductID, err)
	}

	var orderID uuid.UUID
	if err := tx.QueryRow(ctx, `
		INSERT INTO orders (
			customer_id, status,
			total_cents, tax_cents, shipping_cents, shipping_tax_cents, discount_cents,
			notes
		)
		VALUES ($1, 'completed', $2, $3, $4, $5, $6, $7)
		RETURNING id
	`,
		draft.Customer.ID,
		centsOrZero(rec.OrderTotalCents), centsOrZero(rec.OrderTaxCents),
		centsOrZero(rec.OrderShippingCents), centsOrZero(rec.OrderShippingTaxCents),
		centsOrZero(rec.OrderDiscountCents),
		nullable(rec.OrderNotes),
	).Scan(&orderID); err != nil {
		return OrderReceipt{}, fmt.Errorf("create order: %w", err)
	}

	var subscriptionID uuid.UUID
	if err := tx.QueryRow(ctx, `
		INSERT INTO subscriptions (
			order_id, product_id, quantity, status,
			start_date, trial_end_date, expiry_date, end_date,
			payment_method, stripe_customer_id, stripe_source_id, paypal_subscriber_id,
			requires_manual_renewal
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		RETURNING id
	`,
		orderID, rec.ProductID, rec.Quantity, rec.SubscriptionStatus,
		rec.StartDate, rec.TrialEndDate, rec.ExpiryDate, rec.EndDate,
		nullable(rec.PaymentMethod), nullable(rec.StripeCustomerID), nullable(rec.StripeSourceID), nullable(rec.PayPalSubscriberID),
		rec.RequiresManualRenewal,
	).Scan(&subscriptionID); err != nil {
		return OrderReceipt{}, fmt.Errorf("create subscription: %w", err)
	}

	for key, value := range rec.OrderMeta {
		if _, err := tx.Exec(ctx, `
			INSERT INTO order_meta (order_id, meta_key, meta_value) VALUES ($1, $2, $3)
			ON CONFLICT (order_id, meta_key) DO UPDATE SET meta_value = EXCLUDED.meta_value
		`, orderID, key, value); err != nil {
			return OrderReceipt{}, fmt.Errorf("insert order meta %q: %w", key, err)
		}
	}
	for key, value := range rec.UserMeta {
		if _, err := tx.Exec(ctx, `
			INSERT INTO user_meta (customer_id, meta_key, meta_value) VALUES ($1, $2, $3)
			ON CONFLICT (customer_id, meta_key) DO UPDATE SET meta_value = EXCLUDED.meta_value
		`, draft.Customer.ID, key, value); err != nil {
			return OrderReceipt{}, fmt.Errorf("insert user meta %q: %w", key, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return OrderReceipt{}, fmt.Errorf("commit order tx: %w", err)
	}

	return OrderReceipt{
		OrderID:            orderID,
		SubscriptionID:     subscriptionID,
		SubscriptionStatus: rec.SubscriptionStatus,
		UserID:             draft.Customer.ID,
		ItemID:             product.ID,
		ItemName:           product.Name,
	}, nil
}

func (p *Postgres) CreateImportRun(ctx context.Context, params CreateImportRunParams) (ImportRun, error) {
	headersJSON, err := json.Marshal(params.Headers)
	if err != nil {
		return ImportRun{}, fmt.Errorf("marshal headers: %w", err)
	}

	row := p.pool.QueryRow(ctx, `
		INSERT INTO import_runs (filename, stored_path, file_sha256, encoding, delimiter, headers_json, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING `+importRunColumns+`
	`, params.Filename, params.StoredPath, params.FileSHA256, params.Encoding, params.Delimiter, headersJSON, RunStatusUploaded)
	return scanImportRun(row)
}

func (p *Postgres) PlanImportRun(ctx context.Context, params PlanImportRunParams) (ImportRun, error) {
	row := p.pool.QueryRow(ctx, `
		UPDATE import_runs
		SET mapping_json = $2, chunk_size = $3, total_chunks = $4, total_rows = $5, status = $6
		WHERE id = $1
		RETURNING `+importRunColumns+`
	`, params.ID, params.MappingJSON, params.ChunkSize, params.TotalChunks, params.TotalRows, RunStatusPlanned)
	return scanImportRun(row)
}

func (p *Postgres) CompleteImportRun(ctx context.Context, params CompleteImportRunParams) (ImportRun, error) {
	row := p.pool.QueryRow(ctx, `
		UPDATE import_runs
		SET status = $2, summary_json = $3, completed_at = now()
		WHERE id = $1
		RETURNING `+importRunColumns+`
	`, params.ID, params.Status, params.SummaryJSON)
	return scanImportRun(row)
}

func (p *Postgres) GetImportRun(ctx context.Context, id uuid.UUID) (ImportRun, error) {
	row := p.pool.QueryRow(ctx, `
		SELECT `+importRunColumns+` FROM import_runs WHERE id = $1
	`, id)
	return scanImportRun(row)
}

func (p *Postgres) GetChunkResults(ctx context.Context, runID uuid.UUID, startOffset int64) ([]byte, bool, error) {
	var payload []byte
	err := p.pool.QueryRow(ctx, `
		SELECT results_json FROM import_chunk_results WHERE run_id = $1 AND start_offset = $2
	`, runID, startOffset).Scan(&payload)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("load chunk results: %w", err)
	}
	return payload, true, nil
}

func (p *Postgres) PutChunkResults(ctx context.Context, result ChunkResult) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO import_chunk_results (run_id, start_offset, end_offset, first_row_number, results_json)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (run_id, start_offset) DO NOTHING
	`, result.RunID, result.StartOffset, result.EndOffset, result.FirstRowNumber, result.ResultsJSON)
	if err != nil {
		return fmt.Errorf("store chunk results: %w", err)
	}
	return nil
}

func (p *Postgres) ListChunkResults(ctx context.Context, runID uuid.UUID) ([]ChunkResult, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT run_id, start_offset, end_offset, first_row_number, results_json, created_at
		FROM import_chunk_results
		WHERE run_id = $1
		ORDER BY start_offset
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("list chunk results: %w", err)
	}
	defer rows.Close()

	var results []ChunkResult
	for rows.Next() {
		var result ChunkResult
		if err := rows.Scan(&result.RunID, &result.StartOffset, &result.EndOffset, &result.FirstRowNumber, &result.ResultsJSON, &result.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan chunk result: %w", err)
		}
		results = append(results, result)
	}
	return results, rows.Err()
}

func (p *Postgres) InsertAuditLog(ctx context.Context, action, entityType string, entityID *uuid.UUID, requestID string, metadata []byte) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO audit_logs (action, entity_type, entity_id, request_id, metadata)
		VALUES ($1, $2, $3, $4, $5)
	`, action, entityType, entityID, nullable(requestID), metadata)
	if err != nil {
		return fmt.Errorf("insert audit log: %w", err)
	}
	return nil
}

const importRunColumns = `
	id, filename, stored_path, file_sha256, encoding, delimiter,
	COALESCE(chunk_size, 0), headers_json, mapping_json,
	COALESCE(total_chunks, 0), COALESCE(total_rows, 0),
	status, summary_json, created_at, completed_at
`

func scanImportRun(row pgx.Row) (ImportRun, error) {
	var run ImportRun
	var headersJSON []byte
	err := row.Scan(
		&run.ID, &run.Filename, &run.StoredPath, &run.FileSHA256, &run.Encoding, &run.Delimiter,
		&run.ChunkSize, &headersJSON, &run.MappingJSON,
		&run.TotalChunks, &run.TotalRows,
		&run.Status, &run.SummaryJSON, &run.CreatedAt, &run.CompletedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return ImportRun{}, ErrNotFound
	}
	if err != nil {
		return ImportRun{}, fmt.Errorf("scan import run: %w", err)
	}
	if len(headersJSON) > 0 {
		if err := json.Unmarshal(headersJSON, &run.Headers); err != nil {
			return ImportRun{}, fmt.Errorf("decode run headers: %w", err)
		}
	}
	return run, nil
}

func centsOrZero(value *int64) int64 {
	if value == nil {
		return 0
	}
	return *value
}

func nullable(value string) *string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return nil
	}
	return &trimmed
}
