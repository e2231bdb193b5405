package model

import (
	"bytes"
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// CreditScale is the number of fractional digits a credit amount can carry.
const CreditScale = 2

// UnitsPerCredit is the number of minor units in one whole credit.
const UnitsPerCredit Credits = 100

// ErrInvalidAmount is returned for amounts that cannot be represented or are not allowed.
var ErrInvalidAmount = errors.New("invalid credit amount")

// Credits is a fixed-point credit quantity stored as integer minor units.
// 1.00 credit == Credits(100). Arithmetic never goes through floating point.
type Credits int64

// ParseCredits parses a decimal string such as "10", "0.3" or "1.25".
func ParseCredits(s string) (Credits, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidAmount, s)
	}
	return CreditsFromDecimal(d)
}

// MustParseCredits is ParseCredits for constants and tests.
func MustParseCredits(s string) Credits {
	c, err := ParseCredits(s)
	if err != nil {
		panic(err)
	}
	return c
}

// CreditsFromDecimal converts d to minor units, rejecting values that would lose precision.
func CreditsFromDecimal(d decimal.Decimal) (Credits, error) {
	scaled := d.Shift(CreditScale)
	if !scaled.Equal(scaled.Truncate(0)) {
		return 0, fmt.Errorf("%w: %s has more than %d fractional digits", ErrInvalidAmount, d, CreditScale)
	}
	if !scaled.BigInt().IsInt64() {
		return 0, fmt.Errorf("%w: %s overflows", ErrInvalidAmount, d)
	}
	return Credits(scaled.IntPart()), nil
}

// Decimal returns the amount in whole credits.
func (c Credits) Decimal() decimal.Decimal {
	return decimal.New(int64(c), -CreditScale)
}

func (c Credits) String() string {
	return c.Decimal().StringFixed(CreditScale)
}

// Abs returns the magnitude of c.
func (c Credits) Abs() Credits {
	if c < 0 {
		return -c
	}
	return c
}

// MarshalJSON encodes the amount as a JSON number in whole credits, e.g. 9.50.
func (c Credits) MarshalJSON() ([]byte, error) {
	return []byte(c.String()), nil
}

// UnmarshalJSON accepts either a JSON number or a quoted decimal string.
func (c *Credits) UnmarshalJSON(data []byte) error {
	data = bytes.Trim(bytes.TrimSpace(data), `"`)
	if len(data) == 0 || string(data) == "null" {
		*c = 0
		return nil
	}
	parsed, err := ParseCredits(string(data))
	if err != nil {
		return err
	}
	*c = parsed
	return nil
}
