package numerics

import (
	"fmt"
	"math/big"

	"github.com/jackc/pgx/v5/pgtype"
)

// DefaultStoragePrecision is the total digit count of the NUMERIC column that
// holds amounts in whole units.
const DefaultStoragePrecision = 1000

// StorageNaN is written in place of values the column cannot hold.
const StorageNaN = "NaN"

// StorageCodec encodes amounts for a NUMERIC(Precision, Decimals) column.
type StorageCodec struct {
	Precision int
}

// DefaultStorageCodec matches NUMERIC(1000, 18).
var DefaultStorageCodec = StorageCodec{Precision: DefaultStoragePrecision}

// Validate checks that the column can hold at least one integer digit.
func (c StorageCodec) Validate() error {
	if c.Precision <= Decimals {
		return fmt.Errorf("storage precision %d must exceed scale %d", c.Precision, Decimals)
	}
	return nil
}

// Fits reports whether the amount is representable in the column.
func (c StorageCodec) Fits(a TokenAmount) bool {
	if a.nan {
		return false
	}
	whole, _, _ := a.parts()
	return len(whole) <= c.Precision-Decimals
}

// Encode returns the exact plain decimal string of the amount, or StorageNaN
// when the amount is NaN or exceeds the column precision.
func (c StorageCodec) Encode(a TokenAmount) string {
	if !c.Fits(a) {
		return StorageNaN
	}
	return a.String()
}

// Numeric converts the amount into a pgx numeric, substituting NaN the same way
// Encode does.
func (c StorageCodec) Numeric(a TokenAmount) pgtype.Numeric {
	if !c.Fits(a) {
		return pgtype.Numeric{NaN: true, Valid: true}
	}
	return pgtype.Numeric{Int: new(big.Int).Set(a.value()), Exp: -Decimals, Valid: true}
}

// FromNumeric reads a stored numeric back into an amount. NULL and NaN read as
// NaN; digits below the sub-unit are truncated.
func FromNumeric(n pgtype.Numeric) TokenAmount {
	if !n.Valid || n.NaN || n.InfinityModifier != pgtype.Finite || n.Int == nil {
		return NaN()
	}

	shift := int64(n.Exp) + Decimals
	v := new(big.Int).Set(n.Int)
	switch {
	case shift > 0:
		v.Mul(v, new(big.Int).Exp(big.NewInt(10), big.NewInt(shift), nil))
	case shift < 0:
		v.Quo(v, new(big.Int).Exp(big.NewInt(10), big.NewInt(-shift), nil))
	}
	return TokenAmount{subUnits: v}
}

// ToStorageDecimal encodes the amount for the default NUMERIC(1000, 18) column.
func (a TokenAmount) ToStorageDecimal() string {
	return DefaultStorageCodec.Encode(a)
}
