package services

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-redis/redis/v8"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"

	"github.com/eduwallet/backend/internal/models"
)

// reconcileQueueKey is the Redis list the funding flow feeds and the
// reconciliation sweep drains.
const reconcileQueueKey = "reconcile_queue"

// WalletService owns the transaction status lifecycle
// (pending -> successful | failed | cancelled) and the HTTP surface of
// the tuition wallet. All terminal transitions go through the ledger's
// conditional update so concurrent verify calls settle a transaction
// exactly once.
type WalletService struct {
	ledger      *LedgerService
	gateway     PaymentGateway
	audit       *AuditService
	redis       *redis.Client
	validator   *ValidationHelper
	minFunding  decimal.Decimal
	currency    string
	callbackURL string
}

func NewWalletService(db *sql.DB, redisClient *redis.Client, gateway PaymentGateway) *WalletService {
	viper.SetDefault("wallet.minimum_funding", "100")
	viper.SetDefault("wallet.currency", "NGN")

	minFunding, err := decimal.NewFromString(viper.GetString("wallet.minimum_funding"))
	if err != nil {
		log.Printf("[WALLET] Invalid wallet.minimum_funding %q, using 100: %v", viper.GetString("wallet.minimum_funding"), err)
		minFunding = decimal.NewFromInt(100)
	}

	return &WalletService{
		ledger:      NewLedgerService(db),
		gateway:     gateway,
		audit:       NewAuditService(db),
		redis:       redisClient,
		validator:   NewValidationHelper(),
		minFunding:  minFunding,
		currency:    viper.GetString("wallet.currency"),
		callbackURL: viper.GetString("wallet.callback_url"),
	}
}

// FundRequest is the funding request payload
// @Description Wallet funding request structure
type FundRequest struct {
	Amount      decimal.Decimal `json:"amount" swaggertype:"number" example:"500.00"` // Amount to fund
	Description string          `json:"description" validate:"max=200" example:"Second semester tuition"`
}

// FundResponse is returned after a charge is initialized
// @Description Wallet funding response structure
type FundResponse struct {
	AuthorizationURL string          `json:"authorizationUrl"`
	AccessCode       string          `json:"accessCode"`
	Reference        string          `json:"reference"`
	Amount           decimal.Decimal `json:"amount" swaggertype:"number"`
	Currency         string          `json:"currency"`
}

// FundWallet initiates a wallet funding transaction
// @Summary Fund wallet
// @Description Create a pending deposit and initialize a charge with the payment gateway
// @Tags wallet
// @Accept json
// @Produce json
// @Param request body FundRequest true "Funding request"
// @Success 200 {object} FundResponse
// @Failure 400 {object} ErrorResponse
// @Failure 403 {object} ErrorResponse
// @Failure 502 {object} ErrorResponse
// @Router /wallet/fund [post]
func (ws *WalletService) FundWallet(w http.ResponseWriter, r *http.Request) {
	userID, email, ok := callerIdentity(r)
	if !ok {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	maxBytes := 1_048_576 // 1 MB
	r.Body = http.MaxBytesReader(w, r.Body, int64(maxBytes))

	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()

	var req FundRequest
	if err := dec.Decode(&req); err != nil {
		SendErrorResponse(w, "Invalid request body", http.StatusBadRequest, nil)
		return
	}

	if err := dec.Decode(&struct{}{}); err != io.EOF {
		SendErrorResponse(w, "Request body must only contain a single JSON object", http.StatusBadRequest, nil)
		return
	}

	if err := ws.validator.ValidateStruct(&req); err != nil {
		SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}

	if !req.Amount.IsPositive() || req.Amount.LessThan(ws.minFunding) {
		log.Printf("[WALLET] Funding rejected for user %d: amount %s below minimum %s", userID, req.Amount, ws.minFunding)
		SendErrorResponse(w, "Amount must be at least "+ws.minFunding.StringFixed(2)+" "+ws.currency, http.StatusBadRequest, nil)
		return
	}

	ctx := r.Context()

	wallet, err := ws.activeWallet(ctx, userID)
	if err != nil {
		switch {
		case errors.Is(err, ErrWalletNotFound):
			SendErrorResponse(w, "Wallet not found", http.StatusNotFound, nil)
		case errors.Is(err, ErrWalletInactive):
			SendErrorResponse(w, "Wallet is not active", http.StatusForbidden, nil)
		default:
			log.Printf("[WALLET] Failed to load wallet for user %d: %v", userID, err)
			SendErrorResponse(w, "Failed to process funding request", http.StatusInternalServerError, nil)
		}
		return
	}

	params := CreateTransactionParams{
		WalletID:    wallet.ID,
		UserID:      userID,
		Reference:   GenerateReference(),
		Amount:      req.Amount,
		Currency:    wallet.Currency,
		Description: req.Description,
	}

	txn, err := ws.ledger.CreateTransaction(ctx, params)
	if errors.Is(err, ErrDuplicateReference) {
		// Collisions are astronomically rare; regenerate and retry the
		// whole creation once before giving up.
		log.Printf("[WALLET] Reference collision on %s, regenerating", params.Reference)
		params.Reference = GenerateReference()
		txn, err = ws.ledger.CreateTransaction(ctx, params)
	}
	if err != nil {
		log.Printf("[WALLET] Failed to create transaction for user %d: %v", userID, err)
		SendErrorResponse(w, "Failed to process funding request", http.StatusInternalServerError, nil)
		return
	}

	init, err := ws.gateway.Initialize(ctx, email, req.Amount, txn.Reference, ws.callbackURL)
	if err != nil {
		// The pending row stays behind with no gateway linkage. It can
		// be cancelled or picked up by reconciliation later; the charge
		// was never started so no money is at risk.
		log.Printf("[WALLET] Gateway initialize failed for %s: %v", txn.Reference, err)
		SendErrorResponse(w, "Unable to initiate payment, please try again", http.StatusBadGateway, nil)
		return
	}

	if err := ws.ledger.SetGatewayMetadata(ctx, txn.ID, init.AccessCode, init.AuthorizationURL); err != nil {
		log.Printf("[WALLET] Failed to store gateway metadata for %s: %v", txn.Reference, err)
	}

	ws.queueForReconciliation(ctx, txn.Reference)

	ws.audit.Record(ctx, strconv.Itoa(userID), "initiate_funding", "transaction", txn.Reference,
		nil,
		map[string]any{"status": txn.Status, "amount": txn.Amount, "currency": txn.Currency},
		requestOrigin(r))

	log.Printf("[WALLET] Funding initiated: user=%d reference=%s amount=%s", userID, txn.Reference, req.Amount)
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(FundResponse{
		AuthorizationURL: init.AuthorizationURL,
		AccessCode:       init.AccessCode,
		Reference:        txn.Reference,
		Amount:           txn.Amount,
		Currency:         txn.Currency,
	})
}

// VerifyTransaction verifies a funding transaction
// @Summary Verify funding transaction
// @Description Ask the payment gateway for the authoritative status and apply it exactly once
// @Tags wallet
// @Produce json
// @Param reference path string true "Transaction reference"
// @Success 200 {object} map[string]interface{}
// @Failure 404 {object} ErrorResponse
// @Failure 502 {object} ErrorResponse
// @Router /wallet/verify/{reference} [get]
func (ws *WalletService) VerifyTransaction(w http.ResponseWriter, r *http.Request) {
	userID, _, ok := callerIdentity(r)
	if !ok {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	reference := chi.URLParam(r, "reference")

	txn, err := ws.Reconcile(r.Context(), reference, strconv.Itoa(userID), requestOrigin(r))
	if err != nil {
		var gwErr *GatewayError
		switch {
		case errors.Is(err, ErrNotFound):
			SendErrorResponse(w, "Transaction not found", http.StatusNotFound, nil)
		case errors.As(err, &gwErr):
			// Status unknown at the gateway; the transaction stays
			// pending and the caller may retry.
			log.Printf("[RECONCILE] Verify unavailable for %s: %v", reference, err)
			SendErrorResponse(w, "Unable to verify payment right now, please try again", http.StatusBadGateway, nil)
		default:
			log.Printf("[RECONCILE] Verify failed for %s: %v", reference, err)
			SendErrorResponse(w, "Failed to verify transaction", http.StatusInternalServerError, nil)
		}
		return
	}

	response := map[string]any{
		"status":    txn.Status,
		"amount":    txn.Amount,
		"reference": txn.Reference,
	}
	if txn.PaidAt != nil {
		response["paidAt"] = txn.PaidAt
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(response)
}

// GetBalance returns the caller's wallet balance
// @Summary Get wallet balance
// @Description Get the authenticated user's wallet balance
// @Tags wallet
// @Produce json
// @Success 200 {object} map[string]interface{}
// @Failure 404 {object} ErrorResponse
// @Router /wallet/balance [get]
func (ws *WalletService) GetBalance(w http.ResponseWriter, r *http.Request) {
	userID, _, ok := callerIdentity(r)
	if !ok {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	wallet, err := ws.ledger.GetWalletByUser(r.Context(), userID)
	if err != nil {
		if errors.Is(err, ErrWalletNotFound) {
			SendErrorResponse(w, "Wallet not found", http.StatusNotFound, nil)
		} else {
			log.Printf("[WALLET] Failed to load wallet for user %d: %v", userID, err)
			SendErrorResponse(w, "Failed to fetch balance", http.StatusInternalServerError, nil)
		}
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"balance":  wallet.Balance.StringFixed(2),
		"currency": wallet.Currency,
		"isActive": wallet.IsActive,
	})
}

// ListTransactions returns the caller's funding history
// @Summary List wallet transactions
// @Description Get the authenticated user's transactions, newest first
// @Tags wallet
// @Produce json
// @Param limit query int false "Number of transactions to return (default: 20, max: 100)"
// @Success 200 {object} map[string]interface{}
// @Failure 500 {object} ErrorResponse
// @Router /wallet/transactions [get]
func (ws *WalletService) ListTransactions(w http.ResponseWriter, r *http.Request) {
	userID, _, ok := callerIdentity(r)
	if !ok {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	limit := 20
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		if l, err := strconv.Atoi(limitStr); err == nil && l > 0 && l <= 100 {
			limit = l
		}
	}

	transactions, err := ws.ledger.ListTransactions(r.Context(), userID, limit)
	if err != nil {
		log.Printf("[WALLET] Failed to list transactions for user %d: %v", userID, err)
		SendErrorResponse(w, "Failed to fetch transactions", http.StatusInternalServerError, nil)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"transactions": transactions,
		"count":        len(transactions),
	})
}

// CancelTransaction cancels a pending, un-submitted funding transaction
// @Summary Cancel funding transaction
// @Description Cancel a pending transaction that was never submitted to the payment gateway
// @Tags wallet
// @Produce json
// @Param reference path string true "Transaction reference"
// @Success 200 {object} map[string]interface{}
// @Failure 404 {object} ErrorResponse
// @Failure 409 {object} ErrorResponse
// @Router /wallet/transactions/{reference}/cancel [post]
func (ws *WalletService) CancelTransaction(w http.ResponseWriter, r *http.Request) {
	userID, _, ok := callerIdentity(r)
	if !ok {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	reference := chi.URLParam(r, "reference")
	ctx := r.Context()

	txn, err := ws.ledger.GetTransactionByReference(ctx, reference)
	if err != nil || txn.UserID != userID {
		SendErrorResponse(w, "Transaction not found", http.StatusNotFound, nil)
		return
	}

	if txn.IsTerminal() {
		SendErrorResponse(w, "Transaction already settled", http.StatusConflict, nil)
		return
	}

	if txn.AccessCode != "" {
		// Submitted to the gateway; the authoritative status must come
		// from verification, not a local cancel.
		SendErrorResponse(w, "Transaction was submitted to the payment gateway and cannot be cancelled", http.StatusConflict, nil)
		return
	}

	if err := ws.ledger.MarkCancelled(ctx, txn.ID); err != nil {
		if errors.Is(err, ErrStaleStatus) {
			SendErrorResponse(w, "Transaction already settled", http.StatusConflict, nil)
		} else {
			log.Printf("[WALLET] Failed to cancel %s: %v", reference, err)
			SendErrorResponse(w, "Failed to cancel transaction", http.StatusInternalServerError, nil)
		}
		return
	}

	ws.audit.Record(ctx, strconv.Itoa(userID), "funding_cancelled", "transaction", reference,
		map[string]any{"status": models.StatusPending},
		map[string]any{"status": models.StatusCancelled},
		requestOrigin(r))

	log.Printf("[WALLET] Transaction cancelled: user=%d reference=%s", userID, reference)
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"status":    models.StatusCancelled,
		"reference": reference,
	})
}

// Reconcile drives a transaction toward its terminal state. It is safe
// to call any number of times, concurrently or sequentially, for the
// same reference: a terminal transaction is returned as-is, and the
// credit for a successful payment is applied at most once via the
// ledger's conditional update.
func (ws *WalletService) Reconcile(ctx context.Context, reference, actor string, origin models.RequestOrigin) (*models.Transaction, error) {
	txn, err := ws.ledger.GetTransactionByReference(ctx, reference)
	if err != nil {
		return nil, err
	}

	if txn.IsTerminal() {
		return txn, nil
	}

	verification, err := ws.gateway.Verify(ctx, txn.Reference)
	if err != nil {
		var gwErr *GatewayError
		if errors.As(err, &gwErr) && gwErr.Kind == GatewayRejected {
			// The gateway answered and refused: definitive failure.
			return ws.settleFailed(ctx, txn, nil, actor, origin)
		}
		// Unreachable or malformed: status unknown, stay pending.
		return nil, err
	}

	switch verification.Status {
	case GatewayStatusSuccess:
		return ws.settleSuccessful(ctx, txn, verification, actor, origin)
	case GatewayStatusFailed:
		return ws.settleFailed(ctx, txn, verification.RawPayload, actor, origin)
	default:
		// Gateway still sees the charge as in progress. Not an error;
		// the caller retries later.
		return txn, nil
	}
}

func (ws *WalletService) settleSuccessful(ctx context.Context, txn *models.Transaction, verification *GatewayVerification, actor string, origin models.RequestOrigin) (*models.Transaction, error) {
	paidAt := time.Now()
	if verification.PaidAt != nil {
		paidAt = *verification.PaidAt
	}

	err := ws.ledger.MarkSuccessful(ctx, txn.ID, txn.WalletID, txn.Amount, paidAt, verification.Channel, verification.RawPayload)
	if err != nil {
		if errors.Is(err, ErrStaleStatus) {
			// A concurrent reconcile won the conditional update and
			// already credited the wallet. Return the winner's state.
			log.Printf("[RECONCILE] %s already settled by another writer", txn.Reference)
			return ws.ledger.GetTransactionByReference(ctx, txn.Reference)
		}
		return nil, err
	}

	ws.audit.Record(ctx, actor, "payment_successful", "transaction", txn.Reference,
		map[string]any{"status": models.StatusPending},
		map[string]any{"status": models.StatusSuccessful, "amount": txn.Amount, "channel": verification.Channel, "paid_at": paidAt},
		origin)

	log.Printf("[RECONCILE] Payment successful: reference=%s amount=%s wallet=%d", txn.Reference, txn.Amount, txn.WalletID)
	return ws.ledger.GetTransactionByReference(ctx, txn.Reference)
}

func (ws *WalletService) settleFailed(ctx context.Context, txn *models.Transaction, payload json.RawMessage, actor string, origin models.RequestOrigin) (*models.Transaction, error) {
	if err := ws.ledger.MarkFailed(ctx, txn.ID, payload); err != nil {
		if errors.Is(err, ErrStaleStatus) {
			log.Printf("[RECONCILE] %s already settled by another writer", txn.Reference)
			return ws.ledger.GetTransactionByReference(ctx, txn.Reference)
		}
		return nil, err
	}

	ws.audit.Record(ctx, actor, "payment_failed", "transaction", txn.Reference,
		map[string]any{"status": models.StatusPending},
		map[string]any{"status": models.StatusFailed},
		origin)

	log.Printf("[RECONCILE] Payment failed: reference=%s", txn.Reference)
	return ws.ledger.GetTransactionByReference(ctx, txn.Reference)
}

// activeWallet loads the user's wallet and enforces that funding only
// targets active wallets. Returns ErrWalletInactive otherwise.
func (ws *WalletService) activeWallet(ctx context.Context, userID int) (*models.Wallet, error) {
	wallet, err := ws.ledger.GetWalletByUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	if !wallet.IsActive {
		return nil, ErrWalletInactive
	}
	return wallet, nil
}

func (ws *WalletService) queueForReconciliation(ctx context.Context, reference string) {
	if ws.redis == nil {
		return
	}
	if err := ws.redis.RPush(ctx, reconcileQueueKey, reference).Err(); err != nil {
		log.Printf("[WALLET] Failed to queue %s for reconciliation: %v", reference, err)
	}
}

// callerIdentity extracts the authenticated user's id and email from
// the request context set by the auth middleware.
func callerIdentity(r *http.Request) (int, string, bool) {
	userIDStr, ok := r.Context().Value("userID").(string)
	if !ok || userIDStr == "" {
		return 0, "", false
	}
	userID, err := strconv.Atoi(userIDStr)
	if err != nil {
		return 0, "", false
	}
	email, _ := r.Context().Value("email").(string)
	return userID, email, true
}

func requestOrigin(r *http.Request) models.RequestOrigin {
	ipAddress := r.RemoteAddr
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		ipAddress = strings.Split(forwarded, ",")[0]
	} else if realIP := r.Header.Get("X-Real-IP"); realIP != "" {
		ipAddress = realIP
	}
	return models.RequestOrigin{
		IPAddress: ipAddress,
		UserAgent: r.UserAgent(),
	}
}
