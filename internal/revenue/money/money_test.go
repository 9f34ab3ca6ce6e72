package money

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func TestScale(t *testing.T) {
	require.Equal(t, int32(2), Scale("USD"))
	require.Equal(t, int32(0), Scale("JPY"))
	require.Equal(t, int32(3), Scale("kwd"))
	require.Equal(t, int32(2), Scale("???"))
	require.Equal(t, int32(2), Scale(""))
}

func TestRoundAndMinorUnit(t *testing.T) {
	require.True(t, Round(decimal.RequireFromString("10.005"), "USD").Equal(decimal.RequireFromString("10.01")))
	require.True(t, Round(decimal.RequireFromString("10.5"), "JPY").Equal(decimal.NewFromInt(11)))
	require.True(t, MinorUnit("USD").Equal(decimal.RequireFromString("0.01")))
	require.True(t, Sum(decimal.NewFromInt(1), decimal.NewFromInt(2)).Equal(decimal.NewFromInt(3)))
}

func TestValidAndFitsScale(t *testing.T) {
	require.True(t, Valid("usd"))
	require.False(t, Valid("ZZ"))
	require.True(t, FitsScale(decimal.RequireFromString("12.34"), "USD"))
	require.False(t, FitsScale(decimal.RequireFromString("12.345"), "USD"))
	require.False(t, FitsScale(decimal.RequireFromString("1.5"), "JPY"))
}
