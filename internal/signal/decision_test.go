package signal

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"spreads-ai/internal/position"
)

const bullPutJSON = `{
  "action": "OPEN_BULL_PUT",
  "underlying": "spy",
  "expiry": "2025-03-21",
  "quantity": 2,
  "puts": {"short_strike": "445", "long_strike": "440", "short_price": "1.20", "long_price": "0.55"},
  "confidence": 0.7,
  "reasoning": "支撑位下方卖出看跌价差"
}`

func TestParse_BullPut(t *testing.T) {
	d, err := Parse(bullPutJSON)
	require.NoError(t, err)

	assert.Equal(t, OpenBullPut, d.Action)
	assert.Equal(t, "SPY", d.Underlying)
	assert.Equal(t, time.Date(2025, 3, 21, 0, 0, 0, 0, time.UTC), d.Expiry)
	require.NotNil(t, d.Open)
	assert.Equal(t, position.BullPutSpread, d.Open.Structure)
	assert.Equal(t, int64(2), d.Open.Quantity)
	require.NotNil(t, d.Open.Puts)
	assert.Nil(t, d.Open.Calls)
	assert.Equal(t, "SPY250321P00445000", d.Open.Puts.Short)
	assert.Equal(t, "SPY250321P00440000", d.Open.Puts.Long)
	assert.Equal(t, "1.2", d.Open.Puts.ShortPrice.String())
	assert.Contains(t, d.Open.Reason, "signal:")
}

func TestParse_AcceptsJSONFence(t *testing.T) {
	d, err := Parse("```json\n" + bullPutJSON + "\n```")
	require.NoError(t, err)
	assert.Equal(t, OpenBullPut, d.Action)

	_, err = Parse("```\n" + bullPutJSON + "\n```")
	require.NoError(t, err)
}

func TestParse_IronCondor(t *testing.T) {
	d, err := Parse(`{
	  "action": "OPEN_IRON_CONDOR",
	  "underlying": "QQQ",
	  "expiry": "2025-04-17",
	  "quantity": 1,
	  "puts": {"short_strike": "400", "long_strike": "395"},
	  "calls": {"short_strike": "450", "long_strike": "455"},
	  "confidence": 0.55,
	  "reasoning": "区间震荡"
	}`)
	require.NoError(t, err)
	require.NotNil(t, d.Open)
	assert.Equal(t, position.IronCondor, d.Open.Structure)
	assert.Equal(t, "QQQ250417C00450000", d.Open.Calls.Short)
	assert.True(t, d.Open.Calls.ShortPrice.IsZero())
}

func TestParse_HoldAndClose(t *testing.T) {
	d, err := Parse(`{"action":"hold","underlying":"SPY","confidence":0.9,"reasoning":"观望"}`)
	require.NoError(t, err)
	assert.Equal(t, Hold, d.Action)
	assert.Nil(t, d.Open)

	d, err = Parse(`{"action":"CLOSE","underlying":"SPY","expiry":"2025-03-21","confidence":0.8,"reasoning":"趋势反转"}`)
	require.NoError(t, err)
	assert.Equal(t, Close, d.Action)
	assert.Equal(t, 2025, d.Expiry.Year())

	d, err = Parse(`{"action":"CLOSE","underlying":"SPY","confidence":0.8,"reasoning":"全部平仓"}`)
	require.NoError(t, err)
	assert.True(t, d.Expiry.IsZero())
}

func TestParse_Rejects(t *testing.T) {
	cases := map[string]string{
		"prose around json":   "好的，结果如下: " + bullPutJSON,
		"unknown field":       `{"action":"HOLD","underlying":"SPY","confidence":0.5,"reasoning":"x","leverage":3}`,
		"trailing object":     `{"action":"HOLD","underlying":"SPY","confidence":0.5,"reasoning":"x"} {"action":"HOLD"}`,
		"unknown action":      `{"action":"BUY_CALL","underlying":"SPY","confidence":0.5,"reasoning":"x"}`,
		"confidence range":    `{"action":"HOLD","underlying":"SPY","confidence":1.5,"reasoning":"x"}`,
		"missing reasoning":   `{"action":"HOLD","underlying":"SPY","confidence":0.5}`,
		"hold with legs":      `{"action":"HOLD","underlying":"SPY","quantity":1,"confidence":0.5,"reasoning":"x"}`,
		"open without expiry": `{"action":"OPEN_BULL_PUT","underlying":"SPY","quantity":1,"puts":{"short_strike":"445","long_strike":"440"},"confidence":0.5,"reasoning":"x"}`,
		"quantity zero":       `{"action":"OPEN_BULL_PUT","underlying":"SPY","expiry":"2025-03-21","quantity":0,"puts":{"short_strike":"445","long_strike":"440"},"confidence":0.5,"reasoning":"x"}`,
		"quantity too large":  `{"action":"OPEN_BULL_PUT","underlying":"SPY","expiry":"2025-03-21","quantity":1000,"puts":{"short_strike":"445","long_strike":"440"},"confidence":0.5,"reasoning":"x"}`,
		"calls on bull put":   `{"action":"OPEN_BULL_PUT","underlying":"SPY","expiry":"2025-03-21","quantity":1,"calls":{"short_strike":"445","long_strike":"450"},"confidence":0.5,"reasoning":"x"}`,
		"inverted strikes":    `{"action":"OPEN_BULL_PUT","underlying":"SPY","expiry":"2025-03-21","quantity":1,"puts":{"short_strike":"440","long_strike":"445"},"confidence":0.5,"reasoning":"x"}`,
		"bad strike":          `{"action":"OPEN_BULL_PUT","underlying":"SPY","expiry":"2025-03-21","quantity":1,"puts":{"short_strike":"abc","long_strike":"440"},"confidence":0.5,"reasoning":"x"}`,
		"negative price":      `{"action":"OPEN_BULL_PUT","underlying":"SPY","expiry":"2025-03-21","quantity":1,"puts":{"short_strike":"445","long_strike":"440","short_price":"-1"},"confidence":0.5,"reasoning":"x"}`,
		"bad expiry":          `{"action":"CLOSE","underlying":"SPY","expiry":"03/21/2025","confidence":0.5,"reasoning":"x"}`,
		"yaml fence":          "```yaml\n" + bullPutJSON + "\n```",
		"unclosed fence":      "```json\n" + bullPutJSON,
		"not an object":       `["HOLD"]`,
		"string quantity":     `{"action":"OPEN_BULL_PUT","underlying":"SPY","expiry":"2025-03-21","quantity":"2","puts":{"short_strike":"445","long_strike":"440"},"confidence":0.5,"reasoning":"x"}`,
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Parse(raw)
			assert.Error(t, err)
		})
	}
}

func TestParse_ReportsEveryFieldProblem(t *testing.T) {
	_, err := Parse(`{"action":"OPEN_BEAR_CALL","underlying":"","quantity":0,"confidence":2,"reasoning":""}`)
	require.Error(t, err)
	msg := err.Error()
	assert.Contains(t, msg, "underlying")
	assert.Contains(t, msg, "confidence")
	assert.Contains(t, msg, "reasoning")
	assert.Contains(t, msg, "expiry")
	assert.Contains(t, msg, "quantity")
	assert.Contains(t, msg, "calls")
}
