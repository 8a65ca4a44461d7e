package gateway

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pingpong/internal/amount"
	"pingpong/internal/core"
	"pingpong/internal/engine"
)

type nopLogger struct{}

func (nopLogger) Debug(string, ...interface{})                     {}
func (nopLogger) Info(string, ...interface{})                      {}
func (nopLogger) Warn(string, ...interface{})                      {}
func (nopLogger) Error(string, ...interface{})                     {}
func (nopLogger) Fatal(string, ...interface{})                     {}
func (l nopLogger) WithField(string, interface{}) core.ILogger     { return l }
func (l nopLogger) WithFields(map[string]interface{}) core.ILogger { return l }

// recordingEvents captures engine callbacks.
type recordingEvents struct {
	mu          sync.Mutex
	newOrders   []string
	submitErrs  []string
	cancelAcks  int
	cancelRejs  int
	statuses    []core.OrderStatus
	openOrders  [][]core.OrderInfo
	tickerCalls int
}

func (r *recordingEvents) OnNewOrder(_ *engine.Position, orderID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.newOrders = append(r.newOrders, orderID)
}

func (r *recordingEvents) OnSubmitError(_ *engine.Position, reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.submitErrs = append(r.submitErrs, reason)
}

func (r *recordingEvents) OnCancelAck(*engine.Position) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cancelAcks++
}

func (r *recordingEvents) OnCancelRejected(*engine.Position) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cancelRejs++
}

func (r *recordingEvents) OnTicker(map[string]core.TickerInfo, int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tickerCalls++
}

func (r *recordingEvents) OnOpenOrders(orders []core.OrderInfo, _ int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.openOrders = append(r.openOrders, orders)
}

func (r *recordingEvents) OnOrderStatus(_ string, status core.OrderStatus, _ amount.Amount) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.statuses = append(r.statuses, status)
}

func testPosition() *engine.Position {
	return &engine.Position{
		Market:   "BTC_DOGE",
		Side:     core.SideBuy,
		Price:    amount.MustNew("1.00"),
		Quantity: amount.MustNew("10"),
	}
}

func TestSubmitDeliversNewOrder(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/orders", r.URL.Path)
		assert.NotEmpty(t, r.Header.Get("X-Api-Key"))
		assert.NotEmpty(t, r.Header.Get("X-Signature"))

		var req placeOrderRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "BTC_DOGE", req.Market)
		assert.Equal(t, "buy", req.Side)
		assert.True(t, req.PostOnly)

		_ = json.NewEncoder(w).Encode(placeOrderResponse{OrderID: "gw-1"})
	}))
	defer server.Close()

	events := &recordingEvents{}
	adapter := New(Config{
		BaseURL:   server.URL,
		APIKey:    "key",
		SecretKey: "secret",
		Markets:   []string{"BTC_DOGE"},
	}, events, nopLogger{})

	adapter.Submit(testPosition(), true)

	require.Eventually(t, func() bool {
		events.mu.Lock()
		defer events.mu.Unlock()
		return len(events.newOrders) == 1
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, "gw-1", events.newOrders[0])
}

func TestCancelMissingOrderIsAcked(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "not found", http.StatusNotFound)
	}))
	defer server.Close()

	events := &recordingEvents{}
	adapter := New(Config{BaseURL: server.URL, APIKey: "k", SecretKey: "s"}, events, nopLogger{})

	adapter.Cancel("gone-1", testPosition())

	require.Eventually(t, func() bool {
		events.mu.Lock()
		defer events.mu.Unlock()
		return events.cancelAcks == 1
	}, 5*time.Second, 10*time.Millisecond)
}

func TestStreamMessagesDispatch(t *testing.T) {
	events := &recordingEvents{}
	adapter := New(Config{BaseURL: "http://127.0.0.1:0", APIKey: "k", SecretKey: "s"}, events, nopLogger{})

	adapter.handleStreamMessage([]byte(`{"type":"ticker","market":"BTC_DOGE","bid":"1.00","ask":"1.10"}`))
	adapter.handleStreamMessage([]byte(`{"type":"order","order_id":"gw-2","status":"filled","filled_qty":"10"}`))
	adapter.handleStreamMessage([]byte(`{"type":"order","order_id":"gw-3","status":"weird"}`))
	adapter.handleStreamMessage([]byte(`not json`))

	assert.Equal(t, 1, events.tickerCalls)
	require.Len(t, events.statuses, 1)
	assert.Equal(t, core.OrderStatusFilled, events.statuses[0])
}

func TestHMACSignerSetsAuthHeaders(t *testing.T) {
	signer := NewHMACSigner("key", "secret")

	req1, _ := http.NewRequest(http.MethodGet, "http://x/orders/open", nil)
	require.NoError(t, signer.SignRequest(req1))

	assert.Equal(t, "key", req1.Header.Get("X-Api-Key"))
	assert.NotEmpty(t, req1.Header.Get("X-Timestamp"))
	assert.Len(t, req1.Header.Get("X-Signature"), 64)
}
