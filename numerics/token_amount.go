// Package numerics implements arbitrary precision token quantities.
//
// A TokenAmount is a signed integer count of sub-units, rendered with
// Decimals fractional digits. Amounts that could not be parsed or that were
// derived from such an amount are NaN; NaN propagates through arithmetic and
// never compares equal to anything.
package numerics

import (
	"errors"
	"math/big"
	"strings"
)

// Decimals is the number of fractional digits in one whole token.
const Decimals = 18

// ErrNaN is returned when the sub-units of a NaN amount are requested.
var ErrNaN = errors.New("token amount is NaN")

var (
	subUnitsPerUnit = new(big.Int).Exp(big.NewInt(10), big.NewInt(Decimals), nil)
	bigZero         = new(big.Int)
)

// TokenAmount is immutable; every operation returns a new value.
// The zero value is a valid amount of zero.
type TokenAmount struct {
	subUnits *big.Int
	nan      bool
}

// Zero returns an amount of zero.
func Zero() TokenAmount {
	return TokenAmount{}
}

// NaN returns the not-a-number amount.
func NaN() TokenAmount {
	return TokenAmount{nan: true}
}

// FromSubUnits builds an amount from a sub-unit count. The argument is copied.
func FromSubUnits(subUnits *big.Int) TokenAmount {
	if subUnits == nil {
		return TokenAmount{}
	}
	return TokenAmount{subUnits: new(big.Int).Set(subUnits)}
}

// FromSubUnitsInt64 builds an amount from a sub-unit count.
func FromSubUnitsInt64(subUnits int64) TokenAmount {
	return TokenAmount{subUnits: big.NewInt(subUnits)}
}

// FromSubUnitsString parses a base-10 sub-unit integer. Invalid input yields NaN.
func FromSubUnitsString(s string) TokenAmount {
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return NaN()
	}
	return TokenAmount{subUnits: v}
}

// FromDecimalString parses a plain decimal such as "-12.5" in whole units.
// Fractional digits beyond Decimals are truncated. Exponents, empty parts and
// non-digit characters yield NaN.
func FromDecimalString(s string) TokenAmount {
	negative := false
	switch {
	case strings.HasPrefix(s, "-"):
		negative = true
		s = s[1:]
	case strings.HasPrefix(s, "+"):
		s = s[1:]
	}

	whole, fraction, hasPoint := strings.Cut(s, ".")
	if whole == "" || (hasPoint && fraction == "") {
		return NaN()
	}
	if !allDigits(whole) || !allDigits(fraction) {
		return NaN()
	}

	if len(fraction) > Decimals {
		fraction = fraction[:Decimals]
	}
	fraction += strings.Repeat("0", Decimals-len(fraction))

	v, ok := new(big.Int).SetString(whole+fraction, 10)
	if !ok {
		return NaN()
	}
	if negative {
		v.Neg(v)
	}
	return TokenAmount{subUnits: v}
}

func allDigits(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}

func (a TokenAmount) value() *big.Int {
	if a.subUnits == nil {
		return bigZero
	}
	return a.subUnits
}

// IsNaN reports whether the amount is NaN.
func (a TokenAmount) IsNaN() bool {
	return a.nan
}

// IsZero reports whether the amount is exactly zero. NaN is not zero.
func (a TokenAmount) IsZero() bool {
	return !a.nan && a.value().Sign() == 0
}

// Sign returns -1, 0 or +1. NaN returns 0.
func (a TokenAmount) Sign() int {
	if a.nan {
		return 0
	}
	return a.value().Sign()
}

// SubUnits returns a copy of the sub-unit count.
func (a TokenAmount) SubUnits() (*big.Int, error) {
	if a.nan {
		return nil, ErrNaN
	}
	return new(big.Int).Set(a.value()), nil
}

func (a TokenAmount) Add(b TokenAmount) TokenAmount {
	if a.nan || b.nan {
		return NaN()
	}
	return TokenAmount{subUnits: new(big.Int).Add(a.value(), b.value())}
}

func (a TokenAmount) Sub(b TokenAmount) TokenAmount {
	if a.nan || b.nan {
		return NaN()
	}
	return TokenAmount{subUnits: new(big.Int).Sub(a.value(), b.value())}
}

func (a TokenAmount) Neg() TokenAmount {
	if a.nan {
		return NaN()
	}
	return TokenAmount{subUnits: new(big.Int).Neg(a.value())}
}

func (a TokenAmount) Abs() TokenAmount {
	if a.nan {
		return NaN()
	}
	return TokenAmount{subUnits: new(big.Int).Abs(a.value())}
}

// Equal reports exact equality. Any NaN operand makes it false.
func (a TokenAmount) Equal(b TokenAmount) bool {
	if a.nan || b.nan {
		return false
	}
	return a.value().Cmp(b.value()) == 0
}

// LessThan is false when either operand is NaN.
func (a TokenAmount) LessThan(b TokenAmount) bool {
	if a.nan || b.nan {
		return false
	}
	return a.value().Cmp(b.value()) < 0
}

// GreaterThan is false when either operand is NaN.
func (a TokenAmount) GreaterThan(b TokenAmount) bool {
	if a.nan || b.nan {
		return false
	}
	return a.value().Cmp(b.value()) > 0
}

// Cmp gives a total order for sorting: numbers ascending, NaN after all numbers,
// and NaN equal to NaN.
func (a TokenAmount) Cmp(b TokenAmount) int {
	switch {
	case a.nan && b.nan:
		return 0
	case a.nan:
		return 1
	case b.nan:
		return -1
	}
	return a.value().Cmp(b.value())
}

// String renders the amount in whole units with trailing fractional zeros removed.
func (a TokenAmount) String() string {
	if a.nan {
		return "NaN"
	}
	whole, fraction, negative := a.parts()
	fraction = strings.TrimRight(fraction, "0")
	return render(negative, whole, fraction)
}

// StringFullPrecision renders the amount with all Decimals fractional digits.
func (a TokenAmount) StringFullPrecision() string {
	if a.nan {
		return "NaN"
	}
	whole, fraction, negative := a.parts()
	return render(negative, whole, fraction)
}

// parts splits |a| into whole digits and a fraction padded to Decimals digits.
func (a TokenAmount) parts() (whole, fraction string, negative bool) {
	v := a.value()
	negative = v.Sign() < 0

	q, r := new(big.Int).QuoRem(new(big.Int).Abs(v), subUnitsPerUnit, new(big.Int))
	whole = q.String()
	fraction = r.String()
	fraction = strings.Repeat("0", Decimals-len(fraction)) + fraction
	return whole, fraction, negative
}

func render(negative bool, whole, fraction string) string {
	var sb strings.Builder
	if negative {
		sb.WriteByte('-')
	}
	sb.WriteString(whole)
	if fraction != "" {
		sb.WriteByte('.')
		sb.WriteString(fraction)
	}
	return sb.String()
}
