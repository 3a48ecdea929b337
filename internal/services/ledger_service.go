package services

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/eduwallet/backend/internal/models"
	"github.com/lib/pq"
	"github.com/shopspring/decimal"
)

// LedgerService is the durable record of wallets and transactions. It
// owns the two money-safety invariants: the per-user wallet uniqueness
// constraint and the conditional status transition that guarantees a
// pending transaction settles exactly once.
type LedgerService struct {
	db *sql.DB
}

func NewLedgerService(db *sql.DB) *LedgerService {
	return &LedgerService{db: db}
}

// CreateTransactionParams carries the fields for a new pending deposit.
type CreateTransactionParams struct {
	WalletID    int
	UserID      int
	Reference   string
	Amount      decimal.Decimal
	Currency    string
	Description string
}

const transactionColumns = `id, reference, wallet_id, user_id, type, status, amount, fee, currency,
	       description, gateway_response, access_code, authorization_url, payment_method,
	       paid_at, created_at, updated_at`

// CreateWallet creates a zero-balance wallet for the user. Returns
// ErrWalletExists if the user already has one.
func (s *LedgerService) CreateWallet(ctx context.Context, userID int) (*models.Wallet, error) {
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO wallets (user_id)
		VALUES ($1)
		RETURNING id, user_id, balance, currency, is_active, created_at, updated_at`,
		userID)
	return scanWallet(row)
}

// CreateWalletTx is CreateWallet inside an existing database
// transaction, used by registration so the user and wallet rows commit
// as one unit.
func (s *LedgerService) CreateWalletTx(tx *sql.Tx, userID int) (*models.Wallet, error) {
	row := tx.QueryRow(`
		INSERT INTO wallets (user_id)
		VALUES ($1)
		RETURNING id, user_id, balance, currency, is_active, created_at, updated_at`,
		userID)
	return scanWallet(row)
}

// GetWalletByUser fetches the user's wallet.
func (s *LedgerService) GetWalletByUser(ctx context.Context, userID int) (*models.Wallet, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, balance, currency, is_active, created_at, updated_at
		FROM wallets
		WHERE user_id = $1`,
		userID)
	wallet, err := scanWallet(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrWalletNotFound
	}
	return wallet, err
}

// CreateTransaction inserts a new transaction in pending status.
// Returns ErrDuplicateReference if the reference is already taken.
func (s *LedgerService) CreateTransaction(ctx context.Context, p CreateTransactionParams) (*models.Transaction, error) {
	txn := &models.Transaction{
		Reference:   p.Reference,
		WalletID:    p.WalletID,
		UserID:      p.UserID,
		Type:        models.TypeDeposit,
		Status:      models.StatusPending,
		Amount:      p.Amount,
		Fee:         decimal.Zero,
		Currency:    p.Currency,
		Description: p.Description,
	}

	err := s.db.QueryRowContext(ctx, `
		INSERT INTO transactions (reference, wallet_id, user_id, type, status, amount, currency, description)
		VALUES ($1, $2, $3, 'deposit', 'pending', $4, $5, $6)
		RETURNING id, created_at, updated_at`,
		p.Reference, p.WalletID, p.UserID, p.Amount, p.Currency, p.Description).
		Scan(&txn.ID, &txn.CreatedAt, &txn.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, ErrDuplicateReference
		}
		return nil, err
	}

	return txn, nil
}

// GetTransactionByReference fetches a transaction by its gateway-visible
// reference. Returns ErrNotFound for unknown references.
func (s *LedgerService) GetTransactionByReference(ctx context.Context, reference string) (*models.Transaction, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+transactionColumns+`
		FROM transactions
		WHERE reference = $1`,
		reference)
	txn, err := scanTransaction(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return txn, err
}

// SetGatewayMetadata records the gateway's initialize output on a still
// pending transaction.
func (s *LedgerService) SetGatewayMetadata(ctx context.Context, id int, accessCode, authorizationURL string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE transactions
		SET access_code = $2, authorization_url = $3, updated_at = NOW()
		WHERE id = $1 AND status = 'pending'`,
		id, accessCode, authorizationURL)
	return err
}

// MarkSuccessful settles a pending transaction and credits its wallet
// as one atomic unit. The status UPDATE is guarded on the row still
// being pending; if another writer already settled it, no credit is
// applied and ErrStaleStatus is returned.
func (s *LedgerService) MarkSuccessful(ctx context.Context, txnID, walletID int, amount decimal.Decimal, paidAt time.Time, channel string, payload json.RawMessage) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx, `
		UPDATE transactions
		SET status = 'successful', paid_at = $2, payment_method = $3, gateway_response = $4, updated_at = NOW()
		WHERE id = $1 AND status = 'pending'`,
		txnID, paidAt, channel, []byte(payload))
	if err != nil {
		return err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrStaleStatus
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE wallets
		SET balance = balance + $1, updated_at = NOW()
		WHERE id = $2`,
		amount, walletID); err != nil {
		return err
	}

	return tx.Commit()
}

// MarkFailed transitions a pending transaction to failed. No wallet
// mutation. Returns ErrStaleStatus if the row is no longer pending.
func (s *LedgerService) MarkFailed(ctx context.Context, txnID int, payload json.RawMessage) error {
	return s.transition(ctx, txnID, models.StatusFailed, payload)
}

// MarkCancelled transitions a pending transaction to cancelled.
func (s *LedgerService) MarkCancelled(ctx context.Context, txnID int) error {
	return s.transition(ctx, txnID, models.StatusCancelled, nil)
}

func (s *LedgerService) transition(ctx context.Context, txnID int, newStatus string, payload json.RawMessage) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE transactions
		SET status = $2, gateway_response = COALESCE($3, gateway_response), updated_at = NOW()
		WHERE id = $1 AND status = 'pending'`,
		txnID, newStatus, []byte(payload))
	if err != nil {
		return err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrStaleStatus
	}

	return nil
}

// ListTransactions returns the user's transactions, newest first.
func (s *LedgerService) ListTransactions(ctx context.Context, userID, limit int) ([]models.Transaction, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+transactionColumns+`
		FROM transactions
		WHERE user_id = $1
		ORDER BY created_at DESC
		LIMIT $2`,
		userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	transactions := []models.Transaction{}
	for rows.Next() {
		txn, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		transactions = append(transactions, *txn)
	}

	return transactions, rows.Err()
}

// ListStalePendingReferences returns references of pending transactions
// older than the cutoff, for the reconciliation sweep's database
// fallback when no queue is available.
func (s *LedgerService) ListStalePendingReferences(ctx context.Context, olderThan time.Duration, limit int) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT reference
		FROM transactions
		WHERE status = 'pending' AND created_at < $1
		ORDER BY created_at ASC
		LIMIT $2`,
		time.Now().Add(-olderThan), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	references := []string{}
	for rows.Next() {
		var ref string
		if err := rows.Scan(&ref); err != nil {
			return nil, err
		}
		references = append(references, ref)
	}

	return references, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanWallet(row rowScanner) (*models.Wallet, error) {
	var w models.Wallet
	err := row.Scan(&w.ID, &w.UserID, &w.Balance, &w.Currency, &w.IsActive, &w.CreatedAt, &w.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, ErrWalletExists
		}
		return nil, err
	}
	return &w, nil
}

func scanTransaction(row rowScanner) (*models.Transaction, error) {
	var t models.Transaction
	var gatewayResponse []byte
	var paidAt sql.NullTime
	err := row.Scan(
		&t.ID, &t.Reference, &t.WalletID, &t.UserID, &t.Type, &t.Status, &t.Amount, &t.Fee,
		&t.Currency, &t.Description, &gatewayResponse, &t.AccessCode, &t.AuthorizationURL,
		&t.PaymentMethod, &paidAt, &t.CreatedAt, &t.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if gatewayResponse != nil {
		t.GatewayResponse = json.RawMessage(gatewayResponse)
	}
	if paidAt.Valid {
		t.PaidAt = &paidAt.Time
	}
	return &t, nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}
