package record

import (
	"strings"
	"time"
)

// RawRow is the ephemeral per-line view of a CSV row: lowercased column
// header to raw cell value. It is discarded once Build has produced an
// ImportRecord.
type RawRow map[string]string

// BuildRawRow pairs the run's header row with one parsed data row. Rows
// shorter than the header leave the trailing cells empty.
func BuildRawRow(headers []string, fields []string) RawRow {
	raw := make(RawRow, len(headers))
	for i, header := range headers {
		key := strings.ToLower(strings.TrimSpace(header))
		if i < len(fields) {
			raw[key] = fields[i]
		} else {
			raw[key] = ""
		}
	}
	return raw
}

type Address struct {
	FirstName string `json:"firstName"`
	LastName  string `json:"lastName"`
	Company   string `json:"company"`
	Address1  string `json:"address1"`
	Address2  string `json:"address2"`
	City      string `json:"city"`
	State     string `json:"state"`
	Postcode  string `json:"postcode"`
	Country   string `json:"country"`
	Phone     string `json:"phone"`
	Email     string `json:"email"`
}

// ImportRecord is the normalized view of one data row. Fields whose columns
// are unmapped stay at their zero value; that alone is never an error.
type ImportRecord struct {
	ProductID int64
	Quantity  int

	CustomerID       string
	CustomerEmail    string
	CustomerUsername string
	Billing          Address
	Shipping         Address

	SubscriptionStatus string
	StartDate          *time.Time
	TrialEndDate       *time.Time
	ExpiryDate         *time.Time
	EndDate            *time.Time

	OrderTotalCents       *int64
	OrderTaxCents         *int64
	OrderShippingCents    *int64
	OrderShippingTaxCents *int64
	OrderDiscountCents    *int64
	OrderNotes            string

	PaymentMethod         string
	StripeCustomerID      string
	StripeSourceID        string
	PayPalSubscriberID    string
	RequiresManualRenewal bool

	UserMeta  map[string]string
	OrderMeta map[string]string
}
