package record

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// Largest whole-unit amount that still fits in int64 cents.
const maxWholeUnits = math.MaxInt64 / 100

func parseFlexibleDate(value string) (*time.Time, string, error) {
	raw := strings.TrimSpace(value)
	if raw == "" {
		return nil, "", nil
	}
	formats := []string{"2006-01-02", "2006-01-02 15:04:05", "01/02/2006", "1/2/2006", "2006/01/02", "01-02-2006", "1-2-2006"}
	for _, format := range formats {
		parsed, err := time.Parse(format, raw)
		if err != nil {
			continue
		}
		date := time.Date(parsed.Year(), parsed.Month(), parsed.Day(), parsed.Hour(), parsed.Minute(), parsed.Second(), 0, time.UTC)
		warning := ""
		if (format == "01/02/2006" || format == "1/2/2006" || format == "01-02-2006" || format == "1-2-2006") && strings.ContainsAny(raw, "/-") {
			parts := strings.FieldsFunc(raw, func(r rune) bool { return r == '/' || r == '-' })
			if len(parts) >= 2 {
				month, _ := strconv.Atoi(parts[0])
				day, _ := strconv.Atoi(parts[1])
				if month >= 1 && month <= 12 && day >= 1 && day <= 12 {
					warning = "ambiguous date interpreted as MM/DD/YYYY"
				}
			}
		}
		return &date, warning, nil
	}
	return nil, "", fmt.Errorf("invalid date format")
}

func parseMoneyCents(value string) (*int64, error) {
	raw := strings.TrimSpace(value)
	if raw == "" {
		return nil, nil
	}
	cleaned := strings.NewReplacer("$", "", "€", "", "£", "", ",", "", " ", "").Replace(raw)
	if strings.Contains(cleaned, ".") {
		floatValue, err := strconv.ParseFloat(cleaned, 64)
		if err != nil {
			return nil, err
		}
		if floatValue < 0 {
			zero := int64(0)
			return &zero, nil
		}
		if floatValue > float64(maxWholeUnits) {
			return nil, fmt.Errorf("amount out of range")
		}
		rounded := int64(floatValue*100 + 0.5)
		return &rounded, nil
	}

	parsed, err := strconv.ParseInt(cleaned, 10, 64)
	if err != nil {
		return nil, err
	}
	if parsed < 0 {
		parsed = 0
	}
	if parsed > maxWholeUnits {
		return nil, fmt.Errorf("amount out of range")
	}
	cents := parsed * 100
	return &cents, nil
}

func parsePositiveInt(value string) (int, error) {
	raw := strings.TrimSpace(value)
	if raw == "" {
		return 0, nil
	}
	parsed, err := strconv.Atoi(raw)
	if err != nil {
		return 0, err
	}
	if parsed <= 0 {
		return 0, fmt.Errorf("must be positive")
	}
	return parsed, nil
}
