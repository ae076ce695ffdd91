// Package kas implements the amount convention: all internal math is in
// sompi (1 KAS = 100,000,000 sompi), and amounts cross the wire and the
// store as decimal strings so JSON consumers never hit 64-bit limits.
package kas

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"math/big"
	"regexp"
	"strings"
)

// SompiPerKas is 10^8.
var SompiPerKas = big.NewInt(100_000_000)

var (
	kasPattern   = regexp.MustCompile(`^\d+(\.\d{1,8})?$`)
	sompiPattern = regexp.MustCompile(`^\d+$`)
)

// Amount is an arbitrary-precision non-negative sompi value. The zero value
// is 0 sompi and safe to use.
type Amount struct {
	i *big.Int
}

// NewAmount copies v into an Amount. Negative inputs are clamped to zero;
// amounts are unsigned by construction everywhere else.
func NewAmount(v *big.Int) Amount {
	if v == nil || v.Sign() < 0 {
		return Amount{}
	}
	return Amount{i: new(big.Int).Set(v)}
}

// NewAmountFromUint64 builds an Amount from a uint64 sompi count.
func NewAmountFromUint64(v uint64) Amount {
	return Amount{i: new(big.Int).SetUint64(v)}
}

// ParseSompi parses a decimal sompi string ("150000000").
func ParseSompi(s string) (Amount, error) {
	if !sompiPattern.MatchString(s) {
		return Amount{}, fmt.Errorf("invalid sompi amount %q", s)
	}
	i, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return Amount{}, fmt.Errorf("invalid sompi amount %q", s)
	}
	return Amount{i: i}, nil
}

// KasToSompi converts a KAS decimal string ("1.5") to sompi. The input must
// match ^\d+(\.\d{1,8})?$; the fractional part is right-padded to 8 digits
// and concatenated onto the integer part.
func KasToSompi(s string) (Amount, error) {
	if !kasPattern.MatchString(s) {
		return Amount{}, fmt.Errorf("invalid KAS amount %q", s)
	}
	intPart, fracPart, _ := strings.Cut(s, ".")
	fracPart += strings.Repeat("0", 8-len(fracPart))
	i, ok := new(big.Int).SetString(intPart+fracPart, 10)
	if !ok {
		return Amount{}, fmt.Errorf("invalid KAS amount %q", s)
	}
	return Amount{i: i}, nil
}

// Kas renders the amount as a normalized KAS decimal string: trailing
// fractional zeros stripped, and no fractional part at all when it is zero.
func (a Amount) Kas() string {
	q, r := new(big.Int).QuoRem(a.bigint(), SompiPerKas, new(big.Int))
	frac := strings.TrimRight(fmt.Sprintf("%08d", r), "0")
	if frac == "" {
		return q.String()
	}
	return q.String() + "." + frac
}

// String renders the amount as a decimal sompi string.
func (a Amount) String() string { return a.bigint().String() }

// Cmp compares two amounts like big.Int.Cmp.
func (a Amount) Cmp(b Amount) int { return a.bigint().Cmp(b.bigint()) }

// IsZero reports whether the amount is 0 sompi.
func (a Amount) IsZero() bool { return a.bigint().Sign() == 0 }

// Add returns a + b.
func (a Amount) Add(b Amount) Amount {
	return Amount{i: new(big.Int).Add(a.bigint(), b.bigint())}
}

// BigInt returns a copy of the underlying integer.
func (a Amount) BigInt() *big.Int { return new(big.Int).Set(a.bigint()) }

func (a Amount) bigint() *big.Int {
	if a.i == nil {
		return big.NewInt(0)
	}
	return a.i
}

// MarshalJSON encodes the amount as a decimal string.
func (a Amount) MarshalJSON() ([]byte, error) {
	return json.Marshal(a.String())
}

// UnmarshalJSON accepts a decimal sompi string.
func (a *Amount) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("sompi amount must be a decimal string: %w", err)
	}
	parsed, err := ParseSompi(s)
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}

// Value implements driver.Valuer; amounts are TEXT columns.
func (a Amount) Value() (driver.Value, error) {
	return a.String(), nil
}

// Scan implements sql.Scanner.
func (a *Amount) Scan(src interface{}) error {
	switch v := src.(type) {
	case string:
		parsed, err := ParseSompi(v)
		if err != nil {
			return err
		}
		*a = parsed
		return nil
	case []byte:
		return a.Scan(string(v))
	case int64:
		if v < 0 {
			return fmt.Errorf("negative sompi amount %d", v)
		}
		*a = Amount{i: big.NewInt(v)}
		return nil
	case nil:
		*a = Amount{}
		return nil
	default:
		return fmt.Errorf("cannot scan %T into kas.Amount", src)
	}
}
