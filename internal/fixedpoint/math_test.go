package fixedpoint

import (
	"errors"
	"testing"

	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/meridian/internal/domain"
)

func u(s string) *uint256.Int {
	return uint256.MustFromDecimal(s)
}

func TestApplyFeeSplitsExactly(t *testing.T) {
	cases := []struct {
		amount string
		fee    uint64
	}{
		{"0", 30},
		{"1", 30},
		{"333", 30},
		{"10000000000000000000", 30},
		{"9999", 9999},
		{"123456789012345678901234567890", 1},
		{"500", 0},
		{"500", 10000},
	}
	for _, tc := range cases {
		amount := u(tc.amount)
		eff, fee := ApplyFee(amount, tc.fee)

		var sum uint256.Int
		sum.Add(&eff, &fee)
		require.True(t, sum.Eq(amount), "effective+fee != amount for %s", tc.amount)

		var want uint256.Int
		want.Mul(amount, uint256.NewInt(tc.fee))
		want.Div(&want, uint256.NewInt(domain.BPS))
		require.True(t, fee.Eq(&want), "fee mismatch for %s", tc.amount)
	}
}

func TestApplyFeeScenarioSplit(t *testing.T) {
	eff, fee := ApplyFee(u("10000000000000000000"), domain.DefaultFeeBps)
	require.Equal(t, "9970000000000000000", eff.Dec())
	require.Equal(t, "30000000000000000", fee.Dec())
}

func TestSwapOutput(t *testing.T) {
	out, err := SwapOutput(u("1000"), u("1000"), u("1000"))
	require.NoError(t, err)
	require.Equal(t, "500", out.Dec())

	_, err = SwapOutput(u("0"), u("10"), u("0"))
	require.True(t, errors.Is(err, domain.ErrDivisionByZero))

	withFee, err := SwapWithFee(u("1000"), u("1000"), u("1000"), 30)
	require.NoError(t, err)
	require.True(t, withFee.Lt(&out))
}

func TestSqrt(t *testing.T) {
	for _, tc := range []struct{ in, want string }{
		{"0", "0"},
		{"1", "1"},
		{"2", "1"},
		{"3", "1"},
		{"4", "2"},
		{"15", "3"},
		{"16", "4"},
		{"1000000000000000000000000000000000000", "1000000000000000000"},
		{"115792089237316195423570985008687907853269984665640564039457584007913129639935", "340282366920938463463374607431768211455"},
	} {
		got := Sqrt(u(tc.in))
		require.Equal(t, tc.want, got.Dec(), "sqrt(%s)", tc.in)
	}
}

func TestSqrtMonotonic(t *testing.T) {
	prev := Sqrt(uint256.NewInt(0))
	for i := uint64(1); i < 5000; i++ {
		cur := Sqrt(uint256.NewInt(i))
		require.False(t, cur.Lt(&prev), "sqrt decreased at %d", i)
		var sq uint256.Int
		sq.Mul(&cur, &cur)
		require.False(t, sq.Gt(uint256.NewInt(i)))
		prev = cur
	}
}

func TestBuyOutputKeepsProduct(t *testing.T) {
	y, n, e := u("100000000000000000000"), u("100000000000000000000"), u("9970000000000000000")
	out, err := BuyOutput(y, n, e)
	require.NoError(t, err)
	require.True(t, out.Gt(e), "buying one side returns more tokens than credit spent")

	var y2, n2, k, k2 uint256.Int
	y2.Add(y, e)
	y2.Sub(&y2, &out)
	n2.Add(n, e)
	k.Mul(y, n)
	k2.Mul(&y2, &n2)
	require.False(t, k2.Lt(&k))
}

func TestSellOutputSolvesQuadratic(t *testing.T) {
	y, n, a := u("100000000000000000000"), u("100000000000000000000"), u("9970000000000000000")
	c, err := SellOutput(y, n, a)
	require.NoError(t, err)
	require.True(t, c.Lt(a))
	require.False(t, c.IsZero())

	// (y+a-c)(n-c) stays within rounding of y*n.
	var y2, n2, k, k2 uint256.Int
	y2.Add(y, a)
	y2.Sub(&y2, &c)
	n2.Sub(n, &c)
	k.Mul(y, n)
	k2.Mul(&y2, &n2)
	var diff uint256.Int
	if k2.Lt(&k) {
		diff.Sub(&k, &k2)
	} else {
		diff.Sub(&k2, &k)
	}
	var bound uint256.Int
	bound.Add(&y2, &n2)
	bound.Mul(&bound, uint256.NewInt(2))
	require.False(t, diff.Gt(&bound))
}

func TestWelfare(t *testing.T) {
	require.Equal(t, uint64(5000), Welfare(u("0"), u("0")))
	require.Equal(t, uint64(5000), Welfare(u("100"), u("100")))
	require.Equal(t, uint64(7500), Welfare(u("100"), u("300")))
	require.Equal(t, uint64(2500), Welfare(u("300"), u("100")))
}

func TestCeilMulDiv(t *testing.T) {
	got, err := CeilMulDiv(u("1000"), u("10500"), uint256.NewInt(domain.BPS))
	require.NoError(t, err)
	require.Equal(t, "1050", got.Dec())

	got, err = CeilMulDiv(u("1001"), u("10500"), uint256.NewInt(domain.BPS))
	require.NoError(t, err)
	require.Equal(t, "1052", got.Dec())

	_, err = CeilMulDiv(u("1"), u("1"), u("0"))
	require.ErrorIs(t, err, domain.ErrDivisionByZero)
}

func TestCheckedArithmetic(t *testing.T) {
	_, err := Sub(u("1"), u("2"))
	require.ErrorIs(t, err, domain.ErrOverflow)

	max := uint256.MustFromHex("0xffffffffffffffffffffffffffffffffffffffffffffffffffffffffffffffff")
	_, err = Add(max, u("1"))
	require.ErrorIs(t, err, domain.ErrOverflow)

	require.True(t, InRange(&MaxAmount))
	var over uint256.Int
	over.Add(&MaxAmount, uint256.NewInt(1))
	require.False(t, InRange(&over))
}

func TestUnits(t *testing.T) {
	require.Equal(t, "9.97", FormatUnits(u("9970000000000000000"), CreditDecimals))
	require.Equal(t, "0", FormatUnits(u("0"), CreditDecimals))
	require.Equal(t, "100", FormatUnits(u("100000000000000000000"), CreditDecimals))
	require.Equal(t, "0.000000000000000001", FormatUnits(u("1"), CreditDecimals))

	v, err := ParseUnits("10.5", CreditDecimals)
	require.NoError(t, err)
	require.Equal(t, "10500000000000000000", v.Dec())

	v, err = ParseUnits("100", CreditDecimals)
	require.NoError(t, err)
	require.Equal(t, "100000000000000000000", v.Dec())

	_, err = ParseUnits("-1", CreditDecimals)
	require.ErrorIs(t, err, domain.ErrInvalidArgument)
	_, err = ParseUnits("0.0000000000000000001", CreditDecimals)
	require.ErrorIs(t, err, domain.ErrInvalidArgument)
	_, err = ParseUnits("abc", CreditDecimals)
	require.ErrorIs(t, err, domain.ErrInvalidArgument)
}
