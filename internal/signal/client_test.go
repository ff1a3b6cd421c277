package signal

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"spreads-ai/internal/config"
	"spreads-ai/internal/position"
)

type chatRequest struct {
	Model          string `json:"model"`
	ResponseFormat struct {
		Type string `json:"type"`
	} `json:"response_format"`
	Messages []struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	} `json:"messages"`
}

func newChatServer(t *testing.T, content string, captured *chatRequest) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/v1/chat/completions" {
			http.NotFound(w, r)
			return
		}
		body, err := io.ReadAll(r.Body)
		if err == nil && captured != nil {
			_ = json.Unmarshal(body, captured)
		}

		resp := map[string]any{
			"id":      "chatcmpl-1",
			"object":  "chat.completion",
			"created": 1700000000,
			"model":   "test-model",
			"choices": []map[string]any{{
				"index":         0,
				"finish_reason": "stop",
				"message":       map[string]any{"role": "assistant", "content": content},
			}},
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newTestClient(t *testing.T, srv *httptest.Server) *Client {
	t.Helper()
	c, err := NewClient(config.OpenAIConfig{
		APIKey:  "test-key",
		BaseURL: srv.URL + "/v1",
		Model:   "test-model",
		Timeout: 2 * time.Second,
	}, nil)
	require.NoError(t, err)
	return c
}

func promptInput() PromptInput {
	expiry := time.Date(2025, 3, 21, 0, 0, 0, 0, time.UTC)
	legs := []position.OptionLeg{
		{Symbol: "SPY250321P00440000", Quantity: 1, EntryPrice: decimal.RequireFromString("0.55")},
		{Symbol: "SPY250321P00445000", Quantity: -1, EntryPrice: decimal.RequireFromString("1.20")},
	}
	return PromptInput{
		Underlying:     "SPY",
		Now:            time.Date(2025, 2, 19, 15, 0, 0, 0, time.UTC),
		Spreads:        []position.SpreadPosition{position.NewSpread("SPY", expiry, position.BullPutSpread, legs)},
		OpenSpreads:    1,
		MaxOpenSpreads: 5,
		MaxContracts:   10,
		MinDTE:         7,
	}
}

func TestClientDecide_ParsesStrictDecision(t *testing.T) {
	var captured chatRequest
	srv := newChatServer(t, bullPutJSON, &captured)

	d, err := newTestClient(t, srv).Decide(context.Background(), promptInput())
	require.NoError(t, err)
	assert.Equal(t, OpenBullPut, d.Action)
	require.NotNil(t, d.Open)

	assert.Equal(t, "test-model", captured.Model)
	assert.Equal(t, "json_object", captured.ResponseFormat.Type)
	require.Len(t, captured.Messages, 1)
	assert.Equal(t, "user", captured.Messages[0].Role)
	assert.Contains(t, captured.Messages[0].Content, "SPY250321P00445000")
}

func TestClientDecide_RejectsInvalidContent(t *testing.T) {
	srv := newChatServer(t, `{"action":"YOLO","underlying":"SPY","confidence":1,"reasoning":"x"}`, nil)

	_, err := newTestClient(t, srv).Decide(context.Background(), promptInput())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "action")
}

func TestClientDecide_RejectsForeignUnderlying(t *testing.T) {
	srv := newChatServer(t, strings.Replace(bullPutJSON, `"spy"`, `"QQQ"`, 1), nil)

	_, err := newTestClient(t, srv).Decide(context.Background(), promptInput())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "不一致")
}

func TestNewClient_RequiresKeyAndModel(t *testing.T) {
	_, err := NewClient(config.OpenAIConfig{Model: "m"}, nil)
	assert.Error(t, err)
	_, err = NewClient(config.OpenAIConfig{APIKey: "k"}, nil)
	assert.Error(t, err)
}

func TestBuildPrompt_RendersSpreadsAndLimits(t *testing.T) {
	prompt, err := BuildPrompt(promptInput())
	require.NoError(t, err)
	assert.Contains(t, prompt, "BULL_PUT_SPREAD")
	assert.Contains(t, prompt, "+1 SPY250321P00440000")
	assert.Contains(t, prompt, "-1 SPY250321P00445000")
	assert.Contains(t, prompt, "\"credit\": \"120.00\"")
	assert.Contains(t, prompt, "2025-02-19T15:00:00Z")
	assert.Contains(t, prompt, "单笔最多 10 张")
}
