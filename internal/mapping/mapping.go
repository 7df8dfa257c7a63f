package mapping

import (
	"fmt"
	"strings"
)

// Canonical field groups presented to the operator on the mapping step.
const (
	GroupSubscription    = "subscription"
	GroupCustomer        = "customer"
	GroupBillingAddress  = "billing_address"
	GroupShippingAddress = "shipping_address"
	GroupPayment         = "payment"
	GroupOrder           = "order"
	GroupCustomMeta      = "custom_meta"
)

// Catch-all targets: any number of columns may map to these, and the raw
// header is kept as the meta key.
const (
	TargetUserMeta  = "custom_user_meta"
	TargetOrderMeta = "custom_order_meta"
	TargetSkip      = "do_not_import"
)

var fieldGroups = map[string][]string{
	GroupSubscription: {
		"product_id",
		"quantity",
		"subscription_status",
		"subscription_start_date",
		"subscription_trial_end_date",
		"subscription_expiry_date",
		"subscription_end_date",
	},
	GroupCustomer: {
		"customer_id",
		"customer_email",
		"customer_username",
	},
	GroupBillingAddress: {
		"billing_first_name",
		"billing_last_name",
		"billing_company",
		"billing_address_1",
		"billing_address_2",
		"billing_city",
		"billing_state",
		"billing_postcode",
		"billing_country",
		"billing_phone",
		"billing_email",
	},
	GroupShippingAddress: {
		"shipping_first_name",
		"shipping_last_name",
		"shipping_company",
		"shipping_address_1",
		"shipping_address_2",
		"shipping_city",
		"shipping_state",
		"shipping_postcode",
		"shipping_country",
	},
	GroupPayment: {
		"payment_method",
		"stripe_customer_id",
		"stripe_source_id",
		"paypal_subscriber_id",
	},
	GroupOrder: {
		"order_total",
		"order_tax",
		"order_shipping",
		"order_shipping_tax",
		"order_discount",
		"order_notes",
	},
}

var groupOrder = []string{
	GroupSubscription,
	GroupCustomer,
	GroupBillingAddress,
	GroupShippingAddress,
	GroupPayment,
	GroupOrder,
	GroupCustomMeta,
}

// FieldMapping is the finalized header assignment for one run. Fields maps
// every canonical field to the header supplying it (empty when unmapped).
// Built once before the first chunk and threaded through every chunk
// dispatch unchanged.
type FieldMapping struct {
	Fields    map[string]string `json:"fields"`
	UserMeta  []string          `json:"userMeta"`
	OrderMeta []string          `json:"orderMeta"`
}

type Choice struct {
	Group  string   `json:"group"`
	Fields []string `json:"fields"`
}

type Column struct {
	Header    string   `json:"header"`
	Example   string   `json:"example"`
	Suggested string   `json:"suggested"`
	Choices   []Choice `json:"choices"`
}

type Model struct {
	Columns []Column `json:"columns"`
}

type Error struct {
	Header string
	Target string
	Reason string
}

func (e *Error) Error() string {
	if e.Header == "" {
		return fmt.Sprintf("mapping error for target %s: %s", e.Target, e.Reason)
	}
	return fmt.Sprintf("mapping error for column %q: %s", e.Header, e.Reason)
}

// CanonicalFields returns every mappable field name, grouped order preserved.
func CanonicalFields() []string {
	fields := make([]string, 0, 40)
	for _, group := range groupOrder {
		fields = append(fields, fieldGroups[group]...)
	}
	return fields
}

// BuildModel produces the UI-independent mapping step model: one entry per
// header with an example value and the grouped target choices. A header
// whose normalized name equals a canonical field is pre-suggested; everything
// else defaults to "do not import".
func BuildModel(headers []string, example []string) Model {
	canonical := map[string]struct{}{}
	for _, field := range CanonicalFields() {
		canonical[field] = struct{}{}
	}

	choices := make([]Choice, 0, len(groupOrder))
	for _, group := range groupOrder {
		if group == GroupCustomMeta {
			choices = append(choices, Choice{Group: group, Fields: []string{TargetUserMeta, TargetOrderMeta}})
			continue
		}
		choices = append(choices, Choice{Group: group, Fields: fieldGroups[group]})
	}

	columns := make([]Column, 0, len(headers))
	for i, header := range headers {
		suggested := TargetSkip
		if _, ok := canonical[normalizeHeader(header)]; ok {
			suggested = normalizeHeader(header)
		}
		exampleValue := ""
		if i < len(example) {
			exampleValue = example[i]
		}
		columns = append(columns, Column{
			Header:    header,
			Example:   exampleValue,
			Suggested: suggested,
			Choices:   choices,
		})
	}
	return Model{Columns: columns}
}

// Finalize validates raw header->target assignments and builds the full
// FieldMapping with every canonical key present. Two columns assigned to the
// same canonical target are rejected outright rather than silently letting
// the later column win. Missing required fields are not checked here:
// requiredness depends on other field values and is enforced per row.
func Finalize(assignments map[string]string) (FieldMapping, error) {
	mapping := FieldMapping{Fields: map[string]string{}}
	for _, field := range CanonicalFields() {
		mapping.Fields[field] = ""
	}

	for header, target := range assignments {
		target = strings.TrimSpace(target)
		if target == "" || target == TargetSkip {
			continue
		}
		switch target {
		case TargetUserMeta:
			mapping.UserMeta = append(mapping.UserMeta, header)
			continue
		case TargetOrderMeta:
			mapping.OrderMeta = append(mapping.OrderMeta, header)
			continue
		}

		previous, known := mapping.Fields[target]
		if !known {
			return FieldMapping{}, &Error{Header: header, Target: target, Reason: fmt.Sprintf("unknown target field %q", target)}
		}
		if previous != "" {
			return FieldMapping{}, &Error{
				Header: header,
				Target: target,
				Reason: fmt.Sprintf("target %q is already mapped from column %q", target, previous),
			}
		}
		mapping.Fields[target] = header
	}

	return mapping, nil
}

// TemplateHeaders returns the header row for a downloadable starter file.
func TemplateHeaders(name string) ([]string, bool) {
	switch name {
	case "subscriptions":
		headers := make([]string, 0, 20)
		headers = append(headers, fieldGroups[GroupSubscription]...)
		headers = append(headers, "customer_email")
		headers = append(headers, fieldGroups[GroupPayment]...)
		headers = append(headers, fieldGroups[GroupOrder]...)
		return headers, true
	case "customers":
		headers := make([]string, 0, 24)
		headers = append(headers, fieldGroups[GroupCustomer]...)
		headers = append(headers, fieldGroups[GroupBillingAddress]...)
		headers = append(headers, fieldGroups[GroupShippingAddress]...)
		return headers, true
	case "combined":
		return CanonicalFields(), true
	}
	return nil, false
}

// Header returns the column header mapped to a canonical field, or empty.
func (m FieldMapping) Header(field string) string {
	return m.Fields[field]
}

func normalizeHeader(raw string) string {
	replacer := strings.NewReplacer(" ", "_", "-", "_")
	return strings.ToLower(replacer.Replace(strings.TrimSpace(strings.TrimPrefix(raw, "\ufeff"))))
}
