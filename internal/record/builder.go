package record

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/subflow-platform/importer-api/internal/csvx"
	"github.com/subflow-platform/importer-api/internal/mapping"
)

const DefaultSubscriptionStatus = "pending"

// Build normalizes one raw row into an ImportRecord. It is a pure function:
// store lookups (product existence, customer resolution) happen in the
// executor so a row can be rebuilt and re-validated without side effects.
// Blocking errors abort creation of this row only; warnings never do.
func Build(raw RawRow, m mapping.FieldMapping, enc csvx.Encoding) (ImportRecord, []string, []string) {
	var errs, warns []string

	get := func(field string) string {
		header := m.Header(field)
		if header == "" {
			return ""
		}
		return strings.TrimSpace(enc.DecodeField(raw[strings.ToLower(header)]))
	}

	rec := ImportRecord{
		Quantity:           1,
		SubscriptionStatus: DefaultSubscriptionStatus,
		CustomerID:         get("customer_id"),
		CustomerEmail:      strings.ToLower(get("customer_email")),
		CustomerUsername:   get("customer_username"),
		OrderNotes:         get("order_notes"),
		StripeCustomerID:   get("stripe_customer_id"),
		StripeSourceID:     get("stripe_source_id"),
		PayPalSubscriberID: get("paypal_subscriber_id"),
		PaymentMethod:      strings.ToLower(get("payment_method")),
	}

	productRaw := get("product_id")
	switch {
	case productRaw == "":
		errs = append(errs, "product_id is required")
	default:
		productID, err := strconv.ParseInt(productRaw, 10, 64)
		if err != nil || productID <= 0 {
			errs = append(errs, fmt.Sprintf("product_id %q is not a valid product identifier", productRaw))
		} else {
			rec.ProductID = productID
		}
	}

	if quantityRaw := get("quantity"); quantityRaw != "" {
		quantity, err := parsePositiveInt(quantityRaw)
		if err != nil {
			warns = append(warns, fmt.Sprintf("quantity %q is invalid, defaulted to 1", quantityRaw))
		} else if quantity > 0 {
			rec.Quantity = quantity
		}
	}

	if status := strings.ToLower(get("subscription_status")); status != "" {
		rec.SubscriptionStatus = status
	}

	rec.StartDate = parseDateField(get("subscription_start_date"), "subscription_start_date", &warns)
	rec.TrialEndDate = parseDateField(get("subscription_trial_end_date"), "subscription_trial_end_date", &warns)
	rec.ExpiryDate = parseDateField(get("subscription_expiry_date"), "subscription_expiry_date", &warns)
	rec.EndDate = parseDateField(get("subscription_end_date"), "subscription_end_date", &warns)

	rec.OrderTotalCents = parseMoneyField(get("order_total"), "order_total", &warns)
	rec.OrderTaxCents = parseMoneyField(get("order_tax"), "order_tax", &warns)
	rec.OrderShippingCents = parseMoneyField(get("order_shipping"), "order_shipping", &warns)
	rec.OrderShippingTaxCents = parseMoneyField(get("order_shipping_tax"), "order_shipping_tax", &warns)
	rec.OrderDiscountCents = parseMoneyField(get("order_discount"), "order_discount", &warns)

	rec.Billing = Address{
		FirstName: get("billing_first_name"),
		LastName:  get("billing_last_name"),
		Company:   get("billing_company"),
		Address1:  get("billing_address_1"),
		Address2:  get("billing_address_2"),
		City:      get("billing_city"),
		State:     get("billing_state"),
		Postcode:  get("billing_postcode"),
		Country:   get("billing_country"),
		Phone:     get("billing_phone"),
		Email:     strings.ToLower(get("billing_email")),
	}
	rec.Shipping = Address{
		FirstName: get("shipping_first_name"),
		LastName:  get("shipping_last_name"),
		Company:   get("shipping_company"),
		Address1:  get("shipping_address_1"),
		Address2:  get("shipping_address_2"),
		City:      get("shipping_city"),
		State:     get("shipping_state"),
		Postcode:  get("shipping_postcode"),
		Country:   get("shipping_country"),
	}

	// Gateway identifier rules are warnings, not blocking errors: the
	// subscription is still created but flagged for manual renewal.
	switch rec.PaymentMethod {
	case "stripe":
		if rec.StripeCustomerID == "" {
			warns = append(warns, "payment_method is stripe but stripe_customer_id is blank; subscription will require manual renewal")
			rec.RequiresManualRenewal = true
		}
	case "paypal":
		if rec.PayPalSubscriberID == "" {
			warns = append(warns, "payment_method is paypal but paypal_subscriber_id is blank; subscription will require manual renewal")
			rec.RequiresManualRenewal = true
		}
	case "":
		rec.RequiresManualRenewal = true
	}

	if len(m.UserMeta) > 0 {
		rec.UserMeta = make(map[string]string, len(m.UserMeta))
		for _, header := range m.UserMeta {
			rec.UserMeta[header] = strings.TrimSpace(enc.DecodeField(raw[strings.ToLower(header)]))
		}
	}
	if len(m.OrderMeta) > 0 {
		rec.OrderMeta = make(map[string]string, len(m.OrderMeta))
		for _, header := range m.OrderMeta {
			rec.OrderMeta[header] = strings.TrimSpace(enc.DecodeField(raw[strings.ToLower(header)]))
		}
	}

	return rec, errs, warns
}

func parseDateField(value, field string, warns *[]string) *time.Time {
	date, warning, err := parseFlexibleDate(value)
	if err != nil {
		*warns = append(*warns, fmt.Sprintf("%s %q could not be parsed and was ignored", field, value))
		return nil
	}
	if warning != "" {
		*warns = append(*warns, fmt.Sprintf("%s: %s", field, warning))
	}
	return date
}

func parseMoneyField(value, field string, warns *[]string) *int64 {
	cents, err := parseMoneyCents(value)
	if err != nil {
		*warns = append(*warns, fmt.Sprintf("%s %q is not a valid amount and was ignored", field, value))
		return nil
	}
	return cents
}
