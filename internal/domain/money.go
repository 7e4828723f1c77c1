package domain

import (
	"fmt"
	"math"
	"strconv"
)

// Cents is a monetary amount in integer cents. Totals are derived with
// integer arithmetic so concurrent writers can never disagree on rounding;
// JSON keeps the decimal wire shape (e.g. 20.00) callers expect.
type Cents int64

// CentsFromFloat converts a decimal amount to cents, rounding half away
// from zero.
func CentsFromFloat(f float64) Cents {
	return Cents(math.Round(f * 100))
}

// Float returns the decimal value. Cent precision survives the round trip
// for any realistic amount.
func (c Cents) Float() float64 { return float64(c) / 100 }

// Mul scales the amount by an integer quantity.
func (c Cents) Mul(qty int) Cents { return c * Cents(qty) }

// String renders the amount with two decimal places.
func (c Cents) String() string {
	return strconv.FormatFloat(c.Float(), 'f', 2, 64)
}

// MarshalJSON encodes the amount as a plain JSON number with two decimals.
func (c Cents) MarshalJSON() ([]byte, error) {
	return []byte(c.String()), nil
}

// UnmarshalJSON accepts any JSON number and rounds it to cent precision.
func (c *Cents) UnmarshalJSON(b []byte) error {
	f, err := strconv.ParseFloat(string(b), 64)
	if err != nil {
		return fmt.Errorf("%w: amount must be a number", ErrInvalidArgument)
	}
	*c = CentsFromFloat(f)
	return nil
}
