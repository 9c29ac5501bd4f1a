package events

import (
	"bytes"
	"fmt"
	"math"
	"strconv"
)

// Amount is a money value held in cents. On the wire it is a decimal
// number with two fraction digits.
type Amount int64

// AmountFromFloat rounds f to the nearest cent.
func AmountFromFloat(f float64) Amount {
	return Amount(math.Round(f * 100))
}

func (a Amount) Cents() int64 { return int64(a) }

func (a Amount) Mul(n int) Amount { return a * Amount(n) }

func (a Amount) String() string {
	sign := ""
	v := int64(a)
	if v < 0 {
		sign = "-"
		v = -v
	}
	return fmt.Sprintf("%s%d.%02d", sign, v/100, v%100)
}

func (a Amount) MarshalJSON() ([]byte, error) {
	return []byte(a.String()), nil
}

// UnmarshalJSON accepts JSON numbers and numeric strings.
func (a *Amount) UnmarshalJSON(b []byte) error {
	b = bytes.Trim(bytes.TrimSpace(b), `"`)
	if len(b) == 0 || string(b) == "null" {
		*a = 0
		return nil
	}
	f, err := strconv.ParseFloat(string(b), 64)
	if err != nil {
		return fmt.Errorf("parse amount %q: %w", b, err)
	}
	*a = AmountFromFloat(f)
	return nil
}
