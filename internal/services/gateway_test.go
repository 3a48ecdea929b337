package services

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func newTestGateway(server *httptest.Server) *PaystackClient {
	return &PaystackClient{
		secretKey: "sk_test_secret",
		baseURL:   server.URL,
		client:    server.Client(),
	}
}

func TestPaystackClient_Initialize(t *testing.T) {
	t.Run("successful initialization", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, http.MethodPost, r.Method)
			assert.Equal(t, "/transaction/initialize", r.URL.Path)
			assert.Equal(t, "Bearer sk_test_secret", r.Header.Get("Authorization"))

			var body map[string]any
			assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			assert.Equal(t, "student@unn.edu.ng", body["email"])
			assert.Equal(t, float64(50000), body["amount"]) // 500 NGN in kobo
			assert.Equal(t, "TW-20260830120000-A1B2C3D4E5F6", body["reference"])

			json.NewEncoder(w).Encode(map[string]any{
				"status":  true,
				"message": "Authorization URL created",
				"data": map[string]any{
					"authorization_url": "https://checkout.paystack.com/abc123",
					"access_code":       "abc123",
					"reference":         "TW-20260830120000-A1B2C3D4E5F6",
				},
			})
		}))
		defer server.Close()

		client := newTestGateway(server)
		init, err := client.Initialize(context.Background(), "student@unn.edu.ng",
			decimal.NewFromInt(500), "TW-20260830120000-A1B2C3D4E5F6", "https://app.example.com/callback")

		assert.NoError(t, err)
		assert.Equal(t, "https://checkout.paystack.com/abc123", init.AuthorizationURL)
		assert.Equal(t, "abc123", init.AccessCode)
	})

	t.Run("declined envelope is rejected", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			json.NewEncoder(w).Encode(map[string]any{"status": false, "message": "Invalid key"})
		}))
		defer server.Close()

		client := newTestGateway(server)
		init, err := client.Initialize(context.Background(), "student@unn.edu.ng",
			decimal.NewFromInt(500), "TW-REF", "")

		assert.Nil(t, init)
		var gwErr *GatewayError
		assert.ErrorAs(t, err, &gwErr)
		assert.Equal(t, GatewayRejected, gwErr.Kind)
	})

	t.Run("non-2xx response is rejected", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusUnauthorized)
		}))
		defer server.Close()

		client := newTestGateway(server)
		_, err := client.Initialize(context.Background(), "student@unn.edu.ng",
			decimal.NewFromInt(500), "TW-REF", "")

		var gwErr *GatewayError
		assert.ErrorAs(t, err, &gwErr)
		assert.Equal(t, GatewayRejected, gwErr.Kind)
	})

	t.Run("unreachable gateway", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
		client := newTestGateway(server)
		server.Close()

		_, err := client.Initialize(context.Background(), "student@unn.edu.ng",
			decimal.NewFromInt(500), "TW-REF", "")

		var gwErr *GatewayError
		assert.ErrorAs(t, err, &gwErr)
		assert.Equal(t, GatewayUnreachable, gwErr.Kind)
	})
}

func TestPaystackClient_Verify(t *testing.T) {
	t.Run("successful payment", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, http.MethodGet, r.Method)
			assert.Equal(t, "/transaction/verify/TW-REF", r.URL.Path)

			json.NewEncoder(w).Encode(map[string]any{
				"status":  true,
				"message": "Verification successful",
				"data": map[string]any{
					"status":  "success",
					"amount":  50000,
					"paid_at": "2026-08-30T12:05:00Z",
					"channel": "card",
				},
			})
		}))
		defer server.Close()

		client := newTestGateway(server)
		verification, err := client.Verify(context.Background(), "TW-REF")

		assert.NoError(t, err)
		assert.Equal(t, GatewayStatusSuccess, verification.Status)
		assert.Equal(t, int64(50000), verification.AmountKobo)
		assert.Equal(t, "card", verification.Channel)
		assert.NotNil(t, verification.PaidAt)
		assert.Equal(t, time.Date(2026, 8, 30, 12, 5, 0, 0, time.UTC), verification.PaidAt.UTC())
	})

	t.Run("abandoned charge normalizes to failed", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			json.NewEncoder(w).Encode(map[string]any{
				"status": true,
				"data":   map[string]any{"status": "abandoned", "amount": 50000},
			})
		}))
		defer server.Close()

		client := newTestGateway(server)
		verification, err := client.Verify(context.Background(), "TW-REF")

		assert.NoError(t, err)
		assert.Equal(t, GatewayStatusFailed, verification.Status)
		assert.Nil(t, verification.PaidAt)
	})

	t.Run("unrecognized status normalizes to pending", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			json.NewEncoder(w).Encode(map[string]any{
				"status": true,
				"data":   map[string]any{"status": "ongoing"},
			})
		}))
		defer server.Close()

		client := newTestGateway(server)
		verification, err := client.Verify(context.Background(), "TW-REF")

		assert.NoError(t, err)
		assert.Equal(t, GatewayStatusPending, verification.Status)
	})

	t.Run("malformed response body", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte("<html>not json</html>"))
		}))
		defer server.Close()

		client := newTestGateway(server)
		_, err := client.Verify(context.Background(), "TW-REF")

		var gwErr *GatewayError
		assert.ErrorAs(t, err, &gwErr)
		assert.Equal(t, GatewayMalformed, gwErr.Kind)
	})

	t.Run("malformed paid_at", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			json.NewEncoder(w).Encode(map[string]any{
				"status": true,
				"data":   map[string]any{"status": "success", "paid_at": "yesterday"},
			})
		}))
		defer server.Close()

		client := newTestGateway(server)
		_, err := client.Verify(context.Background(), "TW-REF")

		var gwErr *GatewayError
		assert.ErrorAs(t, err, &gwErr)
		assert.Equal(t, GatewayMalformed, gwErr.Kind)
	})
}

func TestNormalizeGatewayStatus(t *testing.T) {
	assert.Equal(t, GatewayStatusSuccess, normalizeGatewayStatus("success"))
	assert.Equal(t, GatewayStatusFailed, normalizeGatewayStatus("failed"))
	assert.Equal(t, GatewayStatusFailed, normalizeGatewayStatus("abandoned"))
	assert.Equal(t, GatewayStatusFailed, normalizeGatewayStatus("reversed"))
	assert.Equal(t, GatewayStatusPending, normalizeGatewayStatus("queued"))
	assert.Equal(t, GatewayStatusPending, normalizeGatewayStatus(""))
}
