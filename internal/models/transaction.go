package models

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// Transaction statuses. A transaction leaves pending exactly once;
// the other three states are terminal.
const (
	StatusPending    = "pending"
	StatusSuccessful = "successful"
	StatusFailed     = "failed"
	StatusCancelled  = "cancelled"
)

// TypeDeposit is the only transaction type the funding engine creates.
const TypeDeposit = "deposit"

// Transaction is one funding attempt, uniquely identified by its
// gateway-visible reference. Rows are never deleted.
type Transaction struct {
	ID               int             `json:"id" db:"id"`
	Reference        string          `json:"reference" db:"reference"`
	WalletID         int             `json:"wallet_id" db:"wallet_id"`
	UserID           int             `json:"user_id" db:"user_id"`
	Type             string          `json:"type" db:"type"`
	Status           string          `json:"status" db:"status"`
	Amount           decimal.Decimal `json:"amount" db:"amount"`
	Fee              decimal.Decimal `json:"fee" db:"fee"`
	Currency         string          `json:"currency" db:"currency"`
	Description      string          `json:"description" db:"description"`
	GatewayResponse  json.RawMessage `json:"gateway_response,omitempty" db:"gateway_response"`
	AccessCode       string          `json:"access_code,omitempty" db:"access_code"`
	AuthorizationURL string          `json:"authorization_url,omitempty" db:"authorization_url"`
	PaymentMethod    string          `json:"payment_method,omitempty" db:"payment_method"`
	PaidAt           *time.Time      `json:"paid_at,omitempty" db:"paid_at"`
	CreatedAt        time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at" db:"updated_at"`
}

// IsTerminal reports whether the transaction has settled. Terminal
// transactions are immutable.
func (t *Transaction) IsTerminal() bool {
	switch t.Status {
	case StatusSuccessful, StatusFailed, StatusCancelled:
		return true
	}
	return false
}
