package services

import (
	"context"
	"database/sql"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	qrcode "github.com/skip2/go-qrcode"
	"github.com/truesalary/backend/internal/config"
	"github.com/truesalary/backend/internal/linepay"
	"github.com/truesalary/backend/internal/models"
)

// orderTimeLayout is the prefix of generated transaction IDs; the UTC
// timestamp keeps them sortable by creation time.
const orderTimeLayout = "2006-01-02T15:04:05.000"

// PaymentService drives a payment intent through create, provider submit and
// provider confirm. Confirmation is the only place an externally-controlled
// signal mutates point balances, and it must do so exactly once.
type PaymentService struct {
	db          *sql.DB
	gateway     linepay.Gateway
	points      *PointsService
	cfg         *config.PointsConfig
	notifier    *Notifier
	frontendURL string
}

func NewPaymentService(db *sql.DB, gateway linepay.Gateway, points *PointsService, cfg *config.PointsConfig, notifier *Notifier, frontendURL string) *PaymentService {
	return &PaymentService{
		db:          db,
		gateway:     gateway,
		points:      points,
		cfg:         cfg,
		notifier:    notifier,
		frontendURL: frontendURL,
	}
}

// prepareOrder applies the pricing table for a purchase type and builds the
// provider-shaped order payload.
func (s *PaymentService) prepareOrder(purchaseType string, amount int64) (*models.OrderDetails, int64, error) {
	orderID := time.Now().UTC().Format(orderTimeLayout) + "_" + uuid.NewString()

	var points int64
	var product models.OrderProduct

	switch purchaseType {
	case models.PurchaseSubscription:
		if amount != s.cfg.SubscriptionAmount {
			return nil, 0, fmt.Errorf("subscription amount must be %d", s.cfg.SubscriptionAmount)
		}
		points = s.cfg.SubscriptionPoints
		product = models.OrderProduct{
			Name:     "Salary boost plan",
			Quantity: 1,
			Price:    amount,
		}
	case models.PurchasePoints:
		if amount <= 0 || amount%s.cfg.PointPackPrice != 0 {
			return nil, 0, fmt.Errorf("amount must be a positive multiple of %d", s.cfg.PointPackPrice)
		}
		quantity := amount / s.cfg.PointPackPrice
		points = quantity * s.cfg.PointPackPoints
		product = models.OrderProduct{
			Name:     fmt.Sprintf("%d point pack", s.cfg.PointPackPoints),
			Quantity: quantity,
			Price:    s.cfg.PointPackPrice,
		}
	default:
		return nil, 0, fmt.Errorf("unknown purchase type %q", purchaseType)
	}

	order := &models.OrderDetails{
		Amount:   amount,
		Currency: "TWD",
		OrderID:  orderID,
		Packages: []models.OrderPackage{
			{
				ID:       uuid.NewString(),
				Amount:   amount,
				Products: []models.OrderProduct{product},
			},
		},
	}

	return order, points, nil
}

// CreateOrder sweeps the user's stale pending intents, then persists a new
// pending transaction with a fresh expiry window.
func (s *PaymentService) CreateOrder(userID, purchaseType string, amount int64) (*models.Transaction, error) {
	if err := s.points.EnsureBalance(userID); err != nil {
		return nil, err
	}

	if err := s.sweepExpiredForUser(userID); err != nil {
		return nil, err
	}

	order, points, err := s.prepareOrder(purchaseType, amount)
	if err != nil {
		return nil, err
	}

	transaction := &models.Transaction{
		TransactionID: order.OrderID,
		UserID:        userID,
		Amount:        amount,
		Points:        points,
		Status:        models.TxStatusPending,
		ExpiryTime:    time.Now().Add(s.cfg.OrderExpiry),
		OrderDetails:  *order,
	}

	_, err = s.db.Exec(`
		INSERT INTO transactions (transaction_id, user_id, amount, points, status, expiry_time, order_details)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		transaction.TransactionID, userID, amount, points,
		transaction.Status, transaction.ExpiryTime, transaction.OrderDetails)
	if err != nil {
		return nil, err
	}

	return transaction, nil
}

// SubmitResult carries the redirect target and its QR rendering back to the
// client.
type SubmitResult struct {
	PaymentURL string `json:"paymentUrl"`
	QRCode     string `json:"qrCode,omitempty"`
}

// Submit sends a pending order to the provider. A provider decline or a
// transport error is terminal for this transaction: the client must create a
// fresh order, nothing is retried automatically.
func (s *PaymentService) Submit(ctx context.Context, transactionID string) (*SubmitResult, error) {
	var userID, status string
	var expiryTime time.Time
	var order models.OrderDetails
	err := s.db.QueryRow(`
		SELECT user_id, status, expiry_time, order_details
		FROM transactions WHERE transaction_id = $1`, transactionID).
		Scan(&userID, &status, &expiryTime, &order)
	if err == sql.ErrNoRows {
		return nil, ErrOrderNotFound
	}
	if err != nil {
		return nil, err
	}

	if status != models.TxStatusPending {
		return nil, ErrOrderTerminal
	}

	if time.Now().After(expiryTime) {
		s.markTerminal(transactionID, models.TxStatusExpired, "Order not completed within the payment window")
		return nil, ErrOrderExpired
	}

	result, err := s.gateway.Submit(ctx, &order)
	if err != nil {
		s.markTerminal(transactionID, models.TxStatusFailure, "Provider request failed")
		return nil, fmt.Errorf("%w: %v", ErrProviderFailure, err)
	}

	if !result.OK() {
		s.markTerminal(transactionID, models.TxStatusFailure, result.ReturnMessage)
		return nil, fmt.Errorf("%w: %s", ErrProviderFailure, result.ReturnMessage)
	}

	_, err = s.db.Exec(`
		UPDATE transactions SET provider_transaction_id = $1
		WHERE transaction_id = $2`, result.ProviderTransactionID, transactionID)
	if err != nil {
		return nil, err
	}

	submit := &SubmitResult{PaymentURL: result.PaymentURL}
	if png, err := qrcode.Encode(result.PaymentURL, qrcode.Medium, 256); err == nil {
		submit.QRCode = base64.StdEncoding.EncodeToString(png)
	} else {
		log.Printf("[PAYMENT] Failed to render QR code for %s: %v", transactionID, err)
	}

	return submit, nil
}

// ConfirmOutcome is the observable result of a confirm attempt.
type ConfirmOutcome struct {
	TransactionID  string `json:"transactionId"`
	Status         string `json:"status"`
	PointsCredited int64  `json:"pointsCredited"`
	AlreadyFinal   bool   `json:"alreadyFinal"`
}

// Confirm reconciles the provider's callback against the stored transaction.
// The transaction row is locked for the whole sequence, so a duplicate
// provider callback either waits and then sees a terminal status (no-op) or
// conflicts and retries at the HTTP layer. The status transition and the
// point credit commit together or not at all.
func (s *PaymentService) Confirm(ctx context.Context, providerTxID, transactionID string) (*ConfirmOutcome, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	var userID, status string
	var amount, points int64
	err = tx.QueryRow(`
		SELECT user_id, status, amount, points
		FROM transactions WHERE transaction_id = $1
		FOR UPDATE`, transactionID).Scan(&userID, &status, &amount, &points)
	if err == sql.ErrNoRows {
		return nil, ErrOrderNotFound
	}
	if err != nil {
		return nil, err
	}

	// Terminal states never transition again; confirming one is a no-op so
	// a duplicate callback cannot double-credit.
	if status != models.TxStatusPending {
		return &ConfirmOutcome{
			TransactionID: transactionID,
			Status:        status,
			AlreadyFinal:  true,
		}, nil
	}

	result, err := s.gateway.Confirm(ctx, providerTxID, amount)
	if err != nil {
		tx.Rollback()
		s.markTerminal(transactionID, models.TxStatusFailure, "Provider confirmation failed")
		return nil, fmt.Errorf("%w: %v", ErrProviderFailure, err)
	}

	if !result.OK() {
		tx.Rollback()
		s.markTerminal(transactionID, models.TxStatusFailure, result.ReturnMessage)
		return &ConfirmOutcome{
			TransactionID: transactionID,
			Status:        models.TxStatusFailure,
		}, nil
	}

	// Storage failures from here on leave the intent pending; marking it
	// failed would drop a credit the user has already paid for.
	_, err = tx.Exec(`
		UPDATE transactions SET status = $1, remark = $2
		WHERE transaction_id = $3`,
		models.TxStatusSuccess, result.ReturnMessage, transactionID)
	if err != nil {
		return nil, err
	}

	remark := fmt.Sprintf("Purchased %d points", points)
	if amount == s.cfg.SubscriptionAmount {
		remark = fmt.Sprintf("Salary boost plan %d", amount)
	}

	// A first-time buyer may have no balance row yet.
	if err := s.points.EnsureBalanceTx(tx, userID); err != nil {
		return nil, err
	}

	if _, err := s.points.CreditTx(tx, userID, points, remark, nil); err != nil {
		log.Printf("[PAYMENT] Failed to credit %d points to user %s for %s: %v",
			points, userID, transactionID, err)
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}

	outcome := &ConfirmOutcome{
		TransactionID:  transactionID,
		Status:         models.TxStatusSuccess,
		PointsCredited: points,
	}

	s.notifier.Publish(ctx, userID, EventPointsPurchased, outcome)

	return outcome, nil
}

// ListOrders returns the user's payment transactions, newest first.
func (s *PaymentService) ListOrders(userID string, limit int) ([]models.Transaction, error) {
	rows, err := s.db.Query(`
		SELECT transaction_id, user_id, amount, points, status, expiry_time,
		       provider_transaction_id, remark, created_at
		FROM transactions
		WHERE user_id = $1
		ORDER BY created_at DESC
		LIMIT $2`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	transactions := []models.Transaction{}
	for rows.Next() {
		var t models.Transaction
		var providerTxID sql.NullString
		if err := rows.Scan(&t.TransactionID, &t.UserID, &t.Amount, &t.Points,
			&t.Status, &t.ExpiryTime, &providerTxID, &t.Remark, &t.CreatedAt); err != nil {
			return nil, err
		}
		if providerTxID.Valid {
			v := providerTxID.String
			t.ProviderTransactionID = &v
		}
		transactions = append(transactions, t)
	}

	return transactions, rows.Err()
}

// markTerminal moves a still-pending transaction to a terminal status. The
// status guard keeps a late failure mark from clobbering a terminal state.
func (s *PaymentService) markTerminal(transactionID, status, remark string) {
	_, err := s.db.Exec(`
		UPDATE transactions SET status = $1, remark = $2
		WHERE transaction_id = $3 AND status = $4`,
		status, remark, transactionID, models.TxStatusPending)
	if err != nil {
		log.Printf("[PAYMENT] Failed to mark transaction %s as %s: %v", transactionID, status, err)
	}
}

// sweepExpiredForUser expires the user's stale pending intents so they do
// not accumulate without bound.
func (s *PaymentService) sweepExpiredForUser(userID string) error {
	_, err := s.db.Exec(`
		UPDATE transactions SET status = $1, remark = $2
		WHERE user_id = $3 AND status = $4 AND expiry_time < NOW()`,
		models.TxStatusExpired, "Order not completed within the payment window",
		userID, models.TxStatusPending)
	return err
}

// SweepExpired expires every stale pending transaction. Run periodically;
// the per-access sweep and the lazy expiry check remain the primary guards.
func (s *PaymentService) SweepExpired() {
	result, err := s.db.Exec(`
		UPDATE transactions SET status = $1, remark = $2
		WHERE status = $3 AND expiry_time < NOW()`,
		models.TxStatusExpired, "Order not completed within the payment window",
		models.TxStatusPending)
	if err != nil {
		log.Printf("[PAYMENT] Expiry sweep failed: %v", err)
		return
	}
	if rows, _ := result.RowsAffected(); rows > 0 {
		log.Printf("[PAYMENT] Expiry sweep marked %d transactions expired", rows)
	}
}

// CreateOrderHandler creates a payment order
// @Summary Create a payment order
// @Description Price the purchase, sweep stale pending orders and persist a new pending transaction
// @Tags payments
// @Accept json
// @Produce json
// @Param order body object{purchaseType=string,amount=int} true "Purchase request"
// @Success 201 {object} SuccessResponse
// @Failure 400 {object} ErrorResponse
// @Failure 401 {object} ErrorResponse
// @Router /payments/order [post]
func (s *PaymentService) CreateOrderHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := r.Context().Value("userID").(string)
	if !ok || userID == "" {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	var req struct {
		PurchaseType string `json:"purchaseType"`
		Amount       int64  `json:"amount"`
	}

	maxBytes := 1_048_576 // 1 MB
	r.Body = http.MaxBytesReader(w, r.Body, int64(maxBytes))

	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()

	if err := dec.Decode(&req); err != nil {
		SendErrorResponse(w, "Invalid request body", http.StatusBadRequest, nil)
		return
	}

	if err := dec.Decode(&struct{}{}); err != io.EOF {
		SendErrorResponse(w, "Request body must only contain a single JSON object", http.StatusBadRequest, nil)
		return
	}

	if req.PurchaseType == "" || req.Amount == 0 {
		SendErrorResponse(w, "Both purchaseType and amount are required parameters", http.StatusBadRequest, nil)
		return
	}

	transaction, err := s.CreateOrder(userID, req.PurchaseType, req.Amount)
	if err != nil {
		log.Printf("[PAYMENT] Failed to create order for user %s: %v", userID, err)
		SendErrorResponse(w, err.Error(), http.StatusBadRequest, nil)
		return
	}

	SendSuccessResponse(w, http.StatusCreated, "Order created", map[string]any{
		"transactionId": transaction.TransactionID,
		"points":        transaction.Points,
		"expiryTime":    transaction.ExpiryTime,
	})
}

// SubmitOrderHandler sends an order to the payment provider
// @Summary Submit an order to the provider
// @Description Build and sign the provider request, returning the payment redirect URL and QR code
// @Tags payments
// @Produce json
// @Param transactionId path string true "Transaction ID"
// @Success 200 {object} SuccessResponse
// @Failure 400 {object} ErrorResponse
// @Failure 404 {object} ErrorResponse
// @Failure 502 {object} ErrorResponse
// @Router /payments/{transactionId} [post]
func (s *PaymentService) SubmitOrderHandler(w http.ResponseWriter, r *http.Request) {
	transactionID := chi.URLParam(r, "transactionId")

	result, err := s.Submit(r.Context(), transactionID)
	if err != nil {
		switch {
		case err == ErrOrderNotFound:
			SendErrorResponse(w, "Transaction not found", http.StatusNotFound, nil)
		case err == ErrOrderExpired:
			SendErrorResponse(w, "Transaction has expired", http.StatusBadRequest, nil)
		case err == ErrOrderTerminal:
			SendErrorResponse(w, "Transaction already finalized", http.StatusBadRequest, nil)
		default:
			log.Printf("[PAYMENT] Submit failed for %s: %v", transactionID, err)
			SendErrorResponse(w, "Failed to send order to the payment provider", http.StatusBadGateway, nil)
		}
		return
	}

	SendSuccessResponse(w, http.StatusOK, "Order sent to the payment provider", result)
}

// ConfirmPaymentHandler handles the provider's confirmation callback
// @Summary Confirm a payment
// @Description Reconcile the provider callback, credit points exactly once and redirect to the orders page
// @Tags payments
// @Produce json
// @Param transactionId query string true "Provider transaction ID"
// @Param orderId query string true "Internal transaction ID"
// @Success 302 {string} string "Redirect to the frontend orders page"
// @Failure 400 {object} ErrorResponse
// @Failure 404 {object} ErrorResponse
// @Router /payments/confirm [get]
func (s *PaymentService) ConfirmPaymentHandler(w http.ResponseWriter, r *http.Request) {
	providerTxID := r.URL.Query().Get("transactionId")
	orderID := r.URL.Query().Get("orderId")

	if providerTxID == "" || orderID == "" {
		SendErrorResponse(w, "Both transactionId and orderId are required parameters", http.StatusBadRequest, nil)
		return
	}

	outcome, err := s.Confirm(r.Context(), providerTxID, orderID)
	if err != nil {
		if err == ErrOrderNotFound {
			SendErrorResponse(w, "Transaction not found", http.StatusNotFound, nil)
			return
		}
		log.Printf("[PAYMENT] Confirm failed for order %s: %v", orderID, err)
		SendErrorResponse(w, "Payment confirmation failed", http.StatusBadGateway, nil)
		return
	}

	if outcome.Status != models.TxStatusSuccess {
		SendErrorResponse(w, "Payment was not completed", http.StatusBadRequest, nil)
		return
	}

	http.Redirect(w, r, s.frontendURL+"/user/orders", http.StatusFound)
}

// ListOrdersHandler lists the caller's payment orders
// @Summary List payment orders
// @Description The caller's payment transactions, newest first
// @Tags payments
// @Produce json
// @Param limit query int false "Number of orders to return (default 20, max 100)"
// @Success 200 {object} SuccessResponse
// @Failure 401 {object} ErrorResponse
// @Router /payments/orders [get]
func (s *PaymentService) ListOrdersHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := r.Context().Value("userID").(string)
	if !ok || userID == "" {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	limit := queryInt(r, "limit", 20)
	if limit < 1 || limit > 100 {
		limit = 20
	}

	transactions, err := s.ListOrders(userID, limit)
	if err != nil {
		log.Printf("[PAYMENT] Failed to list orders for user %s: %v", userID, err)
		SendErrorResponse(w, "Failed to list orders", http.StatusInternalServerError, nil)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"data":  transactions,
		"count": len(transactions),
	})
}
