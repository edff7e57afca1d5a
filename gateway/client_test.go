package gateway_test

import (
	"context"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"payment-service/gateway"
	"payment-service/model"
)

func testLogger() *log.Logger {
	return log.New(io.Discard, "", 0)
}

func tokenTx() *model.Transaction {
	orderID := "BOOK-20240115-AB12CD34-1a2b3c4d"
	return &model.Transaction{
		ID:             "tx-1",
		Code:           "BOOK-20240115-AB12CD34",
		GatewayOrderID: &orderID,
		Amount:         50000,
		Items: []model.LineItem{
			{ItemType: "book", ItemID: 7, Title: "Laskar Digital", UnitPrice: 50000, Quantity: 1},
		},
		ExpiresAt: time.Now().Add(15 * time.Minute),
	}
}

func TestCreateToken(t *testing.T) {
	var gotBody map[string]interface{}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/snap/v1/transactions", r.URL.Path)
		user, _, ok := r.BasicAuth()
		require.True(t, ok)
		require.Equal(t, "server-key-1", user)

		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"token":"snap-token-abc","redirect_url":"https://pay.example/abc"}`))
	}))
	defer srv.Close()

	c := gateway.NewClient(srv.URL, "server-key-1", testLogger())

	token, err := c.CreateToken(context.Background(), tokenTx(), gateway.CustomerDetails{
		Name: "Dewi", Email: "dewi@example.com", Phone: "0812000111",
	})
	require.NoError(t, err)
	assert.Equal(t, "snap-token-abc", token)

	details := gotBody["transaction_details"].(map[string]interface{})
	assert.Equal(t, "BOOK-20240115-AB12CD34-1a2b3c4d", details["order_id"])
	assert.Equal(t, float64(50000), details["gross_amount"])
	assert.NotNil(t, gotBody["item_details"])
	assert.NotNil(t, gotBody["custom_expiry"])
}

func TestCreateTokenRequiresOrderID(t *testing.T) {
	c := gateway.NewClient("http://localhost:1", "server-key-1", testLogger())

	tx := tokenTx()
	tx.GatewayOrderID = nil
	_, err := c.CreateToken(context.Background(), tx, gateway.CustomerDetails{})
	require.Error(t, err)
}

func TestCreateTokenRetriesServerErrors(t *testing.T) {
	var attempts int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&attempts, 1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"token":"snap-token-abc"}`))
	}))
	defer srv.Close()

	c := gateway.NewClient(srv.URL, "server-key-1", testLogger())

	token, err := c.CreateToken(context.Background(), tokenTx(), gateway.CustomerDetails{})
	require.NoError(t, err)
	assert.Equal(t, "snap-token-abc", token)
	assert.Equal(t, int32(3), atomic.LoadInt32(&attempts))
}

func TestCreateTokenUnavailableAfterRetries(t *testing.T) {
	var attempts int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&attempts, 1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := gateway.NewClient(srv.URL, "server-key-1", testLogger())

	_, err := c.CreateToken(context.Background(), tokenTx(), gateway.CustomerDetails{})
	require.ErrorIs(t, err, gateway.ErrUnavailable)
	assert.Equal(t, int32(3), atomic.LoadInt32(&attempts))
}

func TestCreateTokenRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error_messages":["order_id has already been taken"]}`))
	}))
	defer srv.Close()

	c := gateway.NewClient(srv.URL, "server-key-1", testLogger())

	_, err := c.CreateToken(context.Background(), tokenTx(), gateway.CustomerDetails{})
	require.Error(t, err)
	assert.NotErrorIs(t, err, gateway.ErrUnavailable)
}

func TestQueryStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v2/order-1/status", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"order_id": "order-1",
			"status_code": "200",
			"transaction_status": "settlement",
			"payment_type": "qris",
			"gross_amount": "50000.00",
			"transaction_id": "mid-ref-999"
		}`))
	}))
	defer srv.Close()

	c := gateway.NewClient(srv.URL, "server-key-1", testLogger())

	n, err := c.QueryStatus(context.Background(), "order-1")
	require.NoError(t, err)
	assert.Equal(t, "settlement", n.TransactionStatus)
	assert.Equal(t, "qris", n.PaymentType)
	assert.Equal(t, "mid-ref-999", n.TransactionID)
}

func TestQueryStatusOrderNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"status_code":"404","status_message":"Transaction doesn't exist."}`))
	}))
	defer srv.Close()

	c := gateway.NewClient(srv.URL, "server-key-1", testLogger())

	_, err := c.QueryStatus(context.Background(), "ghost-order")
	require.ErrorIs(t, err, gateway.ErrOrderNotFound)
}

func TestCancel(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v2/order-1/cancel", r.URL.Path)
		require.Equal(t, http.MethodPost, r.Method)
		_, _ = w.Write([]byte(`{"status_code":"200"}`))
	}))
	defer srv.Close()

	c := gateway.NewClient(srv.URL, "server-key-1", testLogger())
	require.NoError(t, c.Cancel(context.Background(), "order-1"))
}

func TestDeriveOrderID(t *testing.T) {
	a := gateway.DeriveOrderID("BOOK-20240115-AB12CD34")
	b := gateway.DeriveOrderID("BOOK-20240115-AB12CD34")

	assert.Contains(t, a, "BOOK-20240115-AB12CD34-")
	assert.NotEqual(t, a, b, "uniqueness suffix must differ per derivation")
}
