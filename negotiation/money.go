package negotiation

import (
	"errors"
	"math"
	"strings"

	"github.com/shopspring/decimal"
)

// ErrInvalidAmount signals a missing, non-numeric or non-positive amount.
var ErrInvalidAmount = errors.New("negotiation: amount must be a positive number")

var maxAmount = decimal.NewFromInt(math.MaxInt64)

// ParseAmount reads a money amount that may carry a currency symbol and thousands
// separators, e.g. "£310,000". Fractions are rounded to the nearest whole unit.
func ParseAmount(raw string) (int64, error) {
	cleaned := strings.Map(func(r rune) rune {
		switch r {
		case '£', '$', '€', ',', ' ', '\u00a0', '_':
			return -1
		}
		return r
	}, strings.TrimSpace(raw))
	if cleaned == "" {
		return 0, ErrInvalidAmount
	}

	d, err := decimal.NewFromString(cleaned)
	if err != nil {
		return 0, ErrInvalidAmount
	}
	d = d.Round(0)
	if !d.IsPositive() || d.GreaterThan(maxAmount) {
		return 0, ErrInvalidAmount
	}
	return d.IntPart(), nil
}

// FormatAmount renders an amount with a pound sign and thousands separators.
func FormatAmount(v int64) string {
	digits := decimal.NewFromInt(v).Abs().String()
	var b strings.Builder
	if v < 0 {
		b.WriteByte('-')
	}
	b.WriteString("£")
	for i, c := range digits {
		if i > 0 && (len(digits)-i)%3 == 0 {
			b.WriteByte(',')
		}
		b.WriteRune(c)
	}
	return b.String()
}
