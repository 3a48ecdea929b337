package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

// GatewayErrorKind classifies gateway failures for the state machine.
type GatewayErrorKind string

const (
	// GatewayUnreachable covers timeouts and transport failures. The
	// authoritative status is unknown; safe to retry.
	GatewayUnreachable GatewayErrorKind = "unreachable"
	// GatewayRejected means the gateway answered and refused.
	GatewayRejected GatewayErrorKind = "rejected"
	// GatewayMalformed means the gateway answered with a body this
	// client could not interpret.
	GatewayMalformed GatewayErrorKind = "malformed"
)

// GatewayError is the only error type the gateway client returns.
// Network fragility stops here; nothing else propagates upward.
type GatewayError struct {
	Kind    GatewayErrorKind
	Op      string
	Message string
	Err     error
}

func (e *GatewayError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("gateway %s: %s: %v", e.Op, e.Kind, e.Err)
	}
	return fmt.Sprintf("gateway %s: %s: %s", e.Op, e.Kind, e.Message)
}

func (e *GatewayError) Unwrap() error { return e.Err }

// Gateway verification verdicts after normalization.
const (
	GatewayStatusSuccess = "success"
	GatewayStatusFailed  = "failed"
	GatewayStatusPending = "pending"
)

// GatewayInit is the result of initializing a charge.
type GatewayInit struct {
	AuthorizationURL string
	AccessCode       string
	Reference        string
}

// GatewayVerification is the gateway's authoritative view of a charge.
type GatewayVerification struct {
	Status     string
	PaidAt     *time.Time
	Channel    string
	AmountKobo int64
	RawPayload json.RawMessage
}

// PaymentGateway abstracts the external payment processor.
type PaymentGateway interface {
	Initialize(ctx context.Context, email string, amount decimal.Decimal, reference, callbackURL string) (*GatewayInit, error)
	Verify(ctx context.Context, reference string) (*GatewayVerification, error)
}

// PaystackClient implements PaymentGateway against the Paystack
// transaction API. Amounts on the wire are in kobo.
type PaystackClient struct {
	secretKey string
	baseURL   string
	client    *http.Client
}

func NewPaystackClient() *PaystackClient {
	viper.SetDefault("paystack.base_url", "https://api.paystack.co")
	viper.SetDefault("paystack.timeout_seconds", 15)

	return &PaystackClient{
		secretKey: viper.GetString("paystack.secret_key"),
		baseURL:   viper.GetString("paystack.base_url"),
		client: &http.Client{
			Timeout: time.Duration(viper.GetInt("paystack.timeout_seconds")) * time.Second,
		},
	}
}

type paystackEnvelope struct {
	Status  bool            `json:"status"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

func (c *PaystackClient) Initialize(ctx context.Context, email string, amount decimal.Decimal, reference, callbackURL string) (*GatewayInit, error) {
	payload, err := json.Marshal(map[string]any{
		"email":        email,
		"amount":       amount.Mul(decimal.NewFromInt(100)).IntPart(),
		"reference":    reference,
		"callback_url": callbackURL,
	})
	if err != nil {
		return nil, &GatewayError{Kind: GatewayMalformed, Op: "initialize", Err: err}
	}

	body, gwErr := c.do(ctx, "initialize", http.MethodPost, "/transaction/initialize", payload)
	if gwErr != nil {
		return nil, gwErr
	}

	var data struct {
		AuthorizationURL string `json:"authorization_url"`
		AccessCode       string `json:"access_code"`
		Reference        string `json:"reference"`
	}
	if err := json.Unmarshal(body, &data); err != nil {
		return nil, &GatewayError{Kind: GatewayMalformed, Op: "initialize", Err: err}
	}
	if data.AuthorizationURL == "" {
		return nil, &GatewayError{Kind: GatewayMalformed, Op: "initialize", Message: "missing authorization_url in response"}
	}

	return &GatewayInit{
		AuthorizationURL: data.AuthorizationURL,
		AccessCode:       data.AccessCode,
		Reference:        data.Reference,
	}, nil
}

func (c *PaystackClient) Verify(ctx context.Context, reference string) (*GatewayVerification, error) {
	body, gwErr := c.do(ctx, "verify", http.MethodGet, "/transaction/verify/"+url.PathEscape(reference), nil)
	if gwErr != nil {
		return nil, gwErr
	}

	var data struct {
		Status  string `json:"status"`
		Amount  int64  `json:"amount"`
		PaidAt  string `json:"paid_at"`
		Channel string `json:"channel"`
	}
	if err := json.Unmarshal(body, &data); err != nil {
		return nil, &GatewayError{Kind: GatewayMalformed, Op: "verify", Err: err}
	}

	verification := &GatewayVerification{
		Status:     normalizeGatewayStatus(data.Status),
		Channel:    data.Channel,
		AmountKobo: data.Amount,
		RawPayload: body,
	}

	if data.PaidAt != "" {
		paidAt, err := time.Parse(time.RFC3339, data.PaidAt)
		if err != nil {
			return nil, &GatewayError{Kind: GatewayMalformed, Op: "verify", Err: err}
		}
		verification.PaidAt = &paidAt
	}

	return verification, nil
}

// do performs one gateway request and returns the decoded data payload,
// translating every failure mode into a GatewayError.
func (c *PaystackClient) do(ctx context.Context, op, method, path string, payload []byte) (json.RawMessage, *GatewayError) {
	var reqBody io.Reader
	if payload != nil {
		reqBody = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return nil, &GatewayError{Kind: GatewayUnreachable, Op: op, Err: err}
	}
	req.Header.Set("Authorization", "Bearer "+c.secretKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, &GatewayError{Kind: GatewayUnreachable, Op: op, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1_048_576))
	if err != nil {
		return nil, &GatewayError{Kind: GatewayUnreachable, Op: op, Err: err}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &GatewayError{Kind: GatewayRejected, Op: op,
			Message: fmt.Sprintf("status %d: %s", resp.StatusCode, truncate(body, 200))}
	}

	var envelope paystackEnvelope
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, &GatewayError{Kind: GatewayMalformed, Op: op, Err: err}
	}
	if !envelope.Status {
		return nil, &GatewayError{Kind: GatewayRejected, Op: op, Message: envelope.Message}
	}

	return envelope.Data, nil
}

// normalizeGatewayStatus folds the processor's status vocabulary into
// the three verdicts the state machine acts on. Anything unrecognized
// is treated as still pending, which is always safe.
func normalizeGatewayStatus(status string) string {
	switch status {
	case "success":
		return GatewayStatusSuccess
	case "failed", "abandoned", "reversed":
		return GatewayStatusFailed
	default:
		return GatewayStatusPending
	}
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
