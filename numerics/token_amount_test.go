package numerics

import (
	"math/big"
	"strings"
	"testing"

	"github.com/jackc/pgx/v5/pgtype"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func pow10(n int64) *big.Int {
	return new(big.Int).Exp(big.NewInt(10), big.NewInt(n), nil)
}

func TestStorageDecimalAtPrecisionBoundary(t *testing.T) {
	assert.Equal(t, "1"+strings.Repeat("0", 977), FromSubUnits(pow10(995)).ToStorageDecimal())
	assert.Equal(t, "NaN", FromSubUnits(pow10(1000)).ToStorageDecimal())

	// 982 integer digits is the largest value the column holds
	assert.Equal(t, "1"+strings.Repeat("0", 981), FromSubUnits(pow10(999)).ToStorageDecimal())
	assert.Equal(t, "-1"+strings.Repeat("0", 981), FromSubUnits(new(big.Int).Neg(pow10(999))).ToStorageDecimal())
	assert.Equal(t, "NaN", NaN().ToStorageDecimal())
}

func TestPowersOfTenRoundTrip(t *testing.T) {
	for n := int64(0); n < 1000; n++ {
		original := FromSubUnits(pow10(n))
		encoded := original.ToStorageDecimal()
		require.NotEqual(t, StorageNaN, encoded, "10^%d", n)

		decoded := FromDecimalString(encoded)
		require.True(t, decoded.Equal(original), "10^%d encoded as %q", n, encoded)
	}
}

func TestString(t *testing.T) {
	tests := []struct {
		name     string
		subUnits string
		want     string
		full     string
	}{
		{"zero", "0", "0", "0.000000000000000000"},
		{"one sub-unit", "1", "0.000000000000000001", "0.000000000000000001"},
		{"one token", "1000000000000000000", "1", "1.000000000000000000"},
		{"one and a half", "1500000000000000000", "1.5", "1.500000000000000000"},
		{"negative half", "-500000000000000000", "-0.5", "-0.500000000000000000"},
		{"large", "123456789000000000000000001", "123456789.000000000000000001", "123456789.000000000000000001"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := FromSubUnitsString(tt.subUnits)
			require.False(t, a.IsNaN())
			assert.Equal(t, tt.want, a.String())
			assert.Equal(t, tt.full, a.StringFullPrecision())
		})
	}
}

func TestFromDecimalString(t *testing.T) {
	tests := []struct {
		in       string
		subUnits string
	}{
		{"0", "0"},
		{"1", "1000000000000000000"},
		{"+2.25", "2250000000000000000"},
		{"-0.000000000000000001", "-1"},
		{"1.0000000000000000019", "1000000000000000001"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			a := FromDecimalString(tt.in)
			require.False(t, a.IsNaN())
			assert.True(t, a.Equal(FromSubUnitsString(tt.subUnits)))
		})
	}

	for _, bad := range []string{"", "-", "1.", ".5", "1e5", "abc", "1.2.3", "1,5", " 1"} {
		t.Run("invalid "+bad, func(t *testing.T) {
			assert.True(t, FromDecimalString(bad).IsNaN())
		})
	}
}

func TestArithmetic(t *testing.T) {
	a := FromSubUnitsInt64(300)
	b := FromSubUnitsInt64(500)

	assert.True(t, a.Add(b).Equal(FromSubUnitsInt64(800)))
	assert.True(t, a.Sub(b).Equal(FromSubUnitsInt64(-200)))
	assert.True(t, a.Neg().Equal(FromSubUnitsInt64(-300)))
	assert.True(t, a.Sub(b).Abs().Equal(FromSubUnitsInt64(200)))
	assert.True(t, a.LessThan(b))
	assert.True(t, b.GreaterThan(a))
	assert.Equal(t, -1, a.Cmp(b))
	assert.True(t, Zero().IsZero())
	assert.True(t, TokenAmount{}.Equal(Zero()))

	// operands are not mutated
	assert.True(t, a.Equal(FromSubUnitsInt64(300)))
}

func TestNaNPropagation(t *testing.T) {
	n := NaN()
	one := FromSubUnitsInt64(1)

	assert.True(t, n.Add(one).IsNaN())
	assert.True(t, one.Sub(n).IsNaN())
	assert.True(t, n.Neg().IsNaN())
	assert.False(t, n.Equal(n))
	assert.False(t, n.LessThan(one))
	assert.False(t, n.GreaterThan(one))
	assert.False(t, n.IsZero())
	assert.Equal(t, 1, n.Cmp(one))
	assert.Equal(t, -1, one.Cmp(n))
	assert.Equal(t, 0, n.Cmp(NaN()))
	assert.Equal(t, "NaN", n.String())
	assert.True(t, FromSubUnitsString("12x").IsNaN())

	_, err := n.SubUnits()
	assert.ErrorIs(t, err, ErrNaN)
}

func TestSubUnitsReturnsCopy(t *testing.T) {
	src := big.NewInt(42)
	a := FromSubUnits(src)
	src.SetInt64(0)

	v, err := a.SubUnits()
	require.NoError(t, err)
	assert.Equal(t, int64(42), v.Int64())

	v.SetInt64(7)
	assert.True(t, a.Equal(FromSubUnitsInt64(42)))
}

func TestNumericConversion(t *testing.T) {
	a := FromDecimalString("-12.5")
	n := DefaultStorageCodec.Numeric(a)
	require.True(t, n.Valid)
	require.False(t, n.NaN)
	assert.Equal(t, int32(-Decimals), n.Exp)
	assert.True(t, FromNumeric(n).Equal(a))

	// values read back at a coarser scale are rescaled
	assert.True(t, FromNumeric(pgtype.Numeric{Int: big.NewInt(125), Exp: -1, Valid: true}).Equal(a.Neg()))
	assert.True(t, FromNumeric(pgtype.Numeric{NaN: true, Valid: true}).IsNaN())
	assert.True(t, FromNumeric(pgtype.Numeric{}).IsNaN())

	assert.True(t, DefaultStorageCodec.Numeric(FromSubUnits(pow10(1000))).NaN)
}

func TestCodecValidate(t *testing.T) {
	assert.NoError(t, DefaultStorageCodec.Validate())
	assert.Error(t, StorageCodec{Precision: Decimals}.Validate())

	small := StorageCodec{Precision: 20}
	assert.Equal(t, "99", small.Encode(FromDecimalString("99")))
	assert.Equal(t, StorageNaN, small.Encode(FromDecimalString("100")))
}
