package alpaca

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"spreads-ai/internal/broker"
	"spreads-ai/internal/config"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	client, err := NewClient(config.BrokerConfig{
		BaseURL:     server.URL + "/",
		APIKey:      "key",
		APISecret:   "secret",
		CallTimeout: time.Second,
	}, nil)
	require.NoError(t, err)
	return client
}

func TestNewClient_RequiresCredentials(t *testing.T) {
	_, err := NewClient(config.BrokerConfig{}, nil)
	assert.Error(t, err)
}

func TestClient_SubmitOrder(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v2/orders", r.URL.Path)
		assert.Equal(t, "key", r.Header.Get("APCA-API-KEY-ID"))
		assert.Equal(t, "secret", r.Header.Get("APCA-API-SECRET-KEY"))

		raw, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		var body map[string]string
		require.NoError(t, json.Unmarshal(raw, &body))
		assert.Equal(t, "SPY250117P00450000", body["symbol"])
		assert.Equal(t, "2", body["qty"])
		assert.Equal(t, "sell", body["side"])
		assert.Equal(t, "limit", body["type"])
		assert.Equal(t, "day", body["time_in_force"])
		assert.Equal(t, "3.25", body["limit_price"])
		assert.Equal(t, "cid-1", body["client_order_id"])
		assert.Equal(t, "sell_to_open", body["position_intent"])

		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"id":"ord-1","client_order_id":"cid-1","symbol":"SPY250117P00450000","status":"accepted"}`))
	})

	id, err := client.SubmitOrder(context.Background(), broker.OrderRequest{
		Symbol:         "SPY250117P00450000",
		Side:           broker.OrderSideSell,
		Quantity:       2,
		Type:           broker.OrderTypeLimit,
		LimitPrice:     decimal.RequireFromString("3.25"),
		ClientOrderID:  "cid-1",
		PositionIntent: broker.IntentSellToOpen,
	})
	require.NoError(t, err)
	assert.Equal(t, "ord-1", id)
}

func TestClient_SubmitOrder_ClassifiesErrors(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		transient bool
	}{
		{"rate limited", http.StatusTooManyRequests, true},
		{"server error", http.StatusBadGateway, true},
		{"rejected", http.StatusForbidden, false},
		{"unprocessable", http.StatusUnprocessableEntity, false},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
				_, _ = w.Write([]byte(`{"code":40310000,"message":"insufficient buying power"}`))
			})

			_, err := client.SubmitOrder(context.Background(), broker.OrderRequest{
				Symbol: "SPY250117P00450000", Side: broker.OrderSideSell, Quantity: 1, Type: broker.OrderTypeMarket,
			})
			require.Error(t, err)
			assert.Equal(t, tc.transient, broker.IsTransient(err))
			assert.Equal(t, !tc.transient, broker.IsPermanent(err))
		})
	}
}

func TestClient_GetOrderStatus(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v2/orders/ord-9", r.URL.Path)
		_, _ = w.Write([]byte(`{"id":"ord-9","symbol":"SPY250117P00450000","side":"buy","qty":"3","filled_qty":"1","status":"partially_filled","updated_at":"2025-01-02T15:04:05Z"}`))
	})

	status, err := client.GetOrderStatus(context.Background(), "ord-9")
	require.NoError(t, err)
	assert.Equal(t, broker.StatePartiallyFilled, status.State)
	assert.Equal(t, broker.OrderSideBuy, status.Side)
	assert.EqualValues(t, 3, status.Quantity)
	assert.EqualValues(t, 1, status.FilledQuantity)
}

func TestClient_FindOrder_NotFound(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "cid-x", r.URL.Query().Get("client_order_id"))
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"code":40410000,"message":"order not found"}`))
	})

	_, err := client.FindOrder(context.Background(), "SPY250117P00450000", "cid-x")
	assert.ErrorIs(t, err, broker.ErrOrderNotFound)
}

func TestClient_CancelOrder(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodDelete, r.Method)
		w.WriteHeader(http.StatusNoContent)
	})

	assert.NoError(t, client.CancelOrder(context.Background(), "ord-1"))
}

func TestClient_GetAllPositions(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v2/positions", r.URL.Path)
		_, _ = w.Write([]byte(`[
			{"symbol":"SPY250117P00450000","qty":"-2","side":"short","avg_entry_price":"3.20","current_price":"1.10"},
			{"symbol":"SPY250117P00440000","qty":"2","side":"long","avg_entry_price":"1.40","current_price":"0.50"},
			{"symbol":"AAPL","qty":"1.5","side":"long","avg_entry_price":"190","current_price":"191"}
		]`))
	})

	positions, err := client.GetAllPositions(context.Background())
	require.NoError(t, err)
	require.Len(t, positions, 2)
	assert.EqualValues(t, -2, positions[0].Quantity)
	assert.True(t, decimal.RequireFromString("1.10").Equal(positions[0].CurrentPrice))
	assert.EqualValues(t, 2, positions[1].Quantity)
}

func TestClient_GetClock(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"timestamp":"2025-01-02T10:00:00-05:00","is_open":true,"next_open":"2025-01-03T09:30:00-05:00","next_close":"2025-01-02T16:00:00-05:00"}`))
	})

	clock, err := client.GetClock(context.Background())
	require.NoError(t, err)
	assert.True(t, clock.IsOpen)
	assert.Equal(t, 21, clock.NextClose.Hour())
}

func TestMapStatus(t *testing.T) {
	assert.Equal(t, broker.StateAccepted, mapStatus("new"))
	assert.Equal(t, broker.StatePending, mapStatus("pending_new"))
	assert.Equal(t, broker.StateFilled, mapStatus("FILLED"))
	assert.Equal(t, broker.StateRejected, mapStatus("rejected"))
	assert.Equal(t, broker.StateAccepted, mapStatus("stopped"))
	assert.Equal(t, broker.StatePending, mapStatus("suspended"))
	assert.Equal(t, broker.StateExpired, mapStatus("expired"))
}
