package occ

import (
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecode_ValidSymbols(t *testing.T) {
	tests := []struct {
		name       string
		symbol     string
		underlying string
		expiry     time.Time
		typ        OptionType
		strike     string
	}{
		{"spy put", "SPY250117P00450000", "SPY", date(2025, 1, 17), Put, "450"},
		{"aapl call fractional", "AAPL250620C00182500", "AAPL", date(2025, 6, 20), Call, "182.5"},
		{"single letter root", "F251219C00012000", "F", date(2025, 12, 19), Call, "12"},
		{"six letter root", "GOOGLL260116P00100000", "GOOGLL", date(2026, 1, 16), Put, "100"},
		{"lower case and padding", " qqq 250321p00400000 ", "QQQ", date(2025, 3, 21), Put, "400"},
		{"short strike right padded", "IWM250117P150", "IWM", date(2025, 1, 17), Put, "15000"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			c, err := Decode(tc.symbol)
			require.NoError(t, err)
			assert.Equal(t, tc.underlying, c.Underlying)
			assert.True(t, tc.expiry.Equal(c.Expiry), "expiry %s", c.Expiry)
			assert.Equal(t, tc.typ, c.Type)
			assert.True(t, decimal.RequireFromString(tc.strike).Equal(c.Strike), "strike %s", c.Strike)
		})
	}
}

func TestDecode_Rejects(t *testing.T) {
	tests := []struct {
		name   string
		symbol string
		equity bool
	}{
		{"equity", "AAPL", true},
		{"ten chars", "ABCDEFGHIJ", true},
		{"empty", "", true},
		{"bad month", "SPY251317P00450000", false},
		{"bad day", "SPY250230P00450000", false},
		{"bad type", "SPY250117X00450000", false},
		{"no root", "250117P00450000", false},
		{"root too long", "ABCDEFG250117P00450000", false},
		{"strike too long", "SPY250117P004500001", false},
		{"strike with letters", "SPY250117P0045A000", false},
		{"missing strike", "SPYXX250117P", false},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Decode(tc.symbol)
			require.Error(t, err)

			var malformedErr *MalformedSymbolError
			require.True(t, errors.As(err, &malformedErr))
			assert.Equal(t, tc.equity, IsEquity(err))
		})
	}
}

func TestEncodeDecode_RoundTrip(t *testing.T) {
	contracts := []Contract{
		{Underlying: "SPY", Expiry: date(2025, 1, 17), Type: Put, Strike: decimal.RequireFromString("450")},
		{Underlying: "AAPL", Expiry: date(2025, 6, 20), Type: Call, Strike: decimal.RequireFromString("182.5")},
		{Underlying: "BRKB", Expiry: date(2027, 12, 17), Type: Call, Strike: decimal.RequireFromString("0.125")},
		{Underlying: "NDX", Expiry: date(2026, 3, 20), Type: Put, Strike: decimal.RequireFromString("99999.999")},
		{Underlying: "SPX", Expiry: date(2068, 12, 15), Type: Call, Strike: decimal.RequireFromString("5000")},
		{Underlying: "SPX", Expiry: date(2000, 1, 21), Type: Put, Strike: decimal.RequireFromString("1400")},
	}

	for _, c := range contracts {
		symbol, err := Encode(c)
		require.NoError(t, err)

		decoded, err := Decode(symbol)
		require.NoError(t, err)
		assert.True(t, c.Equal(decoded), "round trip %s -> %+v", symbol, decoded)
	}
}

func TestEncode_Format(t *testing.T) {
	symbol, err := Encode(Contract{
		Underlying: "spy",
		Expiry:     date(2025, 1, 17),
		Type:       Put,
		Strike:     decimal.RequireFromString("450"),
	})
	require.NoError(t, err)
	assert.Equal(t, "SPY250117P00450000", symbol)
}

func TestEncode_Rejects(t *testing.T) {
	base := Contract{Underlying: "SPY", Expiry: date(2025, 1, 17), Type: Put, Strike: decimal.RequireFromString("450")}

	cases := map[string]func(c *Contract){
		"empty root":      func(c *Contract) { c.Underlying = "" },
		"root too long":   func(c *Contract) { c.Underlying = "ABCDEFG" },
		"zero expiry":     func(c *Contract) { c.Expiry = time.Time{} },
		"bad type":        func(c *Contract) { c.Type = "STRADDLE" },
		"zero strike":     func(c *Contract) { c.Strike = decimal.Zero },
		"sub-mill strike": func(c *Contract) { c.Strike = decimal.RequireFromString("1.0005") },
		"strike overflow": func(c *Contract) { c.Strike = decimal.RequireFromString("100000") },
		"expiry 2070":     func(c *Contract) { c.Expiry = date(2070, 1, 17) },
		"expiry 1999":     func(c *Contract) { c.Expiry = date(1999, 12, 17) },
	}

	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			c := base
			mutate(&c)
			_, err := Encode(c)
			assert.Error(t, err)
		})
	}
}

func TestUnderlyingOf(t *testing.T) {
	u, err := UnderlyingOf("SPY250117P00450000")
	require.NoError(t, err)
	assert.Equal(t, "SPY", u)

	u, err = UnderlyingOf("msft")
	require.NoError(t, err)
	assert.Equal(t, "MSFT", u)

	_, err = UnderlyingOf("SPY250117X00450000")
	assert.Error(t, err)
}

func date(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
