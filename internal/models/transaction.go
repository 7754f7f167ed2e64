package models

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"time"
)

// Transaction statuses. A transaction starts pending and moves to exactly
// one terminal state; terminal states never transition again.
const (
	TxStatusPending   = "pending"
	TxStatusSuccess   = "success"
	TxStatusFailure   = "failure"
	TxStatusExpired   = "expired"
	TxStatusCancelled = "cancelled"
)

// Purchase types accepted by the order endpoint.
const (
	PurchaseSubscription = "subscription"
	PurchasePoints       = "points"
)

// Transaction is a payment intent tracked through its lifecycle with the
// payment provider. Points are credited exactly once, on confirmed success.
type Transaction struct {
	ID                    int64        `json:"-" db:"id"`
	TransactionID         string       `json:"transactionId" db:"transaction_id"`
	UserID                string       `json:"userId" db:"user_id"`
	Amount                int64        `json:"amount" db:"amount"`
	Points                int64        `json:"points" db:"points"`
	Status                string       `json:"status" db:"status"`
	ExpiryTime            time.Time    `json:"expiryTime" db:"expiry_time"`
	ProviderTransactionID *string      `json:"providerTransactionId,omitempty" db:"provider_transaction_id"`
	OrderDetails          OrderDetails `json:"orderDetails" db:"order_details"`
	Remark                string       `json:"remark" db:"remark"`
	CreatedAt             time.Time    `json:"createdAt" db:"created_at"`
}

// OrderDetails is the provider-shaped order payload, stored as JSONB so the
// submit step can replay it verbatim.
type OrderDetails struct {
	Amount   int64          `json:"amount"`
	Currency string         `json:"currency"`
	OrderID  string         `json:"orderId"`
	Packages []OrderPackage `json:"packages"`
}

type OrderPackage struct {
	ID       string         `json:"id"`
	Amount   int64          `json:"amount"`
	Products []OrderProduct `json:"products"`
}

type OrderProduct struct {
	Name     string `json:"name"`
	Quantity int64  `json:"quantity"`
	Price    int64  `json:"price"`
}

// Value implements driver.Valuer for OrderDetails
func (o OrderDetails) Value() (driver.Value, error) {
	return json.Marshal(o)
}

// Scan implements sql.Scanner for OrderDetails
func (o *OrderDetails) Scan(value any) error {
	if value == nil {
		*o = OrderDetails{}
		return nil
	}

	b, ok := value.([]byte)
	if !ok {
		return errors.New("type assertion to []byte failed")
	}

	return json.Unmarshal(b, o)
}
