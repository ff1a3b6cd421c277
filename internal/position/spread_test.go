package position

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDaysBetween(t *testing.T) {
	expiry := time.Date(2025, 1, 17, 0, 0, 0, 0, time.UTC)

	assert.Equal(t, 7, DaysBetween(time.Date(2025, 1, 10, 23, 59, 0, 0, time.UTC), expiry))
	assert.Equal(t, 0, DaysBetween(time.Date(2025, 1, 17, 15, 0, 0, 0, time.UTC), expiry))
	assert.Equal(t, -1, DaysBetween(time.Date(2025, 1, 18, 1, 0, 0, 0, time.UTC), expiry))

	// 非 UTC 时间先换算为 UTC 再取日期。
	ny := time.FixedZone("EST", -5*3600)
	assert.Equal(t, 6, DaysBetween(time.Date(2025, 1, 10, 20, 0, 0, 0, ny), expiry))
}

func TestSpreadPosition_DTE(t *testing.T) {
	s := SpreadPosition{Expiry: time.Date(2025, 3, 21, 0, 0, 0, 0, time.UTC)}
	assert.Equal(t, 30, s.DTE(time.Date(2025, 2, 19, 12, 0, 0, 0, time.UTC)))
}
