// Package linepay implements the LINE Pay v3 request/confirm round-trip.
// Requests are signed with an HMAC-SHA256 over the channel secret, request
// URI, body and a per-request nonce, as required by the provider.
package linepay

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/viper"
	"github.com/truesalary/backend/internal/models"
)

// ReturnCodeOK is the provider's success code for both request and confirm.
const ReturnCodeOK = "0000"

// Gateway is the payment provider contract the payment service consumes.
type Gateway interface {
	Submit(ctx context.Context, order *models.OrderDetails) (*SubmitResult, error)
	Confirm(ctx context.Context, providerTxID string, amount int64) (*ConfirmResult, error)
}

// SubmitResult is the outcome of sending an order to the provider.
type SubmitResult struct {
	ReturnCode            string
	ReturnMessage         string
	ProviderTransactionID string
	PaymentURL            string
}

// OK reports whether the provider accepted the order.
func (r *SubmitResult) OK() bool {
	return r.ReturnCode == ReturnCodeOK
}

// ConfirmResult is the outcome of confirming a payment.
type ConfirmResult struct {
	ReturnCode    string
	ReturnMessage string
}

// OK reports whether the provider settled the payment.
func (r *ConfirmResult) OK() bool {
	return r.ReturnCode == ReturnCodeOK
}

// Config holds the LINE Pay channel credentials and endpoints.
type Config struct {
	ChannelID     string
	ChannelSecret string
	APIBase       string
	Version       string
	ConfirmURL    string
	CancelURL     string
	Timeout       time.Duration
}

// LoadConfig reads the LINE Pay settings from viper.
func LoadConfig() *Config {
	viper.SetDefault("linepay.api_base", "https://sandbox-api-pay.line.me")
	viper.SetDefault("linepay.version", "v3")
	viper.SetDefault("linepay.timeout", 10*time.Second)

	return &Config{
		ChannelID:     viper.GetString("linepay.channel_id"),
		ChannelSecret: viper.GetString("linepay.channel_secret"),
		APIBase:       viper.GetString("linepay.api_base"),
		Version:       viper.GetString("linepay.version"),
		ConfirmURL:    viper.GetString("linepay.confirm_url"),
		CancelURL:     viper.GetString("linepay.cancel_url"),
		Timeout:       viper.GetDuration("linepay.timeout"),
	}
}

// Client talks to the LINE Pay REST API.
type Client struct {
	cfg        *Config
	httpClient *http.Client
}

func NewClient(cfg *Config) *Client {
	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
	}
}

type redirectURLs struct {
	ConfirmURL string `json:"confirmUrl"`
	CancelURL  string `json:"cancelUrl"`
}

type submitRequest struct {
	Amount       int64                 `json:"amount"`
	Currency     string                `json:"currency"`
	OrderID      string                `json:"orderId"`
	Packages     []models.OrderPackage `json:"packages"`
	RedirectURLs redirectURLs          `json:"redirectUrls"`
}

type providerResponse struct {
	ReturnCode    string `json:"returnCode"`
	ReturnMessage string `json:"returnMessage"`
	Info          struct {
		TransactionID json.Number `json:"transactionId"`
		PaymentURL    struct {
			Web string `json:"web"`
			App string `json:"app"`
		} `json:"paymentUrl"`
	} `json:"info"`
}

// Submit sends the order to the provider and returns the payment redirect
// URL. A non-nil error means the provider was unreachable or returned an
// unparsable response; a provider-side decline is reported through
// SubmitResult.OK instead.
func (c *Client) Submit(ctx context.Context, order *models.OrderDetails) (*SubmitResult, error) {
	uri := fmt.Sprintf("/%s/payments/request", c.cfg.Version)
	reqBody := submitRequest{
		Amount:   order.Amount,
		Currency: order.Currency,
		OrderID:  order.OrderID,
		Packages: order.Packages,
		RedirectURLs: redirectURLs{
			ConfirmURL: c.cfg.ConfirmURL,
			CancelURL:  c.cfg.CancelURL,
		},
	}

	var resp providerResponse
	if err := c.post(ctx, uri, reqBody, &resp); err != nil {
		return nil, err
	}

	return &SubmitResult{
		ReturnCode:            resp.ReturnCode,
		ReturnMessage:         resp.ReturnMessage,
		ProviderTransactionID: resp.Info.TransactionID.String(),
		PaymentURL:            resp.Info.PaymentURL.Web,
	}, nil
}

type confirmRequest struct {
	Amount   int64  `json:"amount"`
	Currency string `json:"currency"`
}

// Confirm asks the provider to settle the payment it reported for
// providerTxID. The amount must match the submitted order.
func (c *Client) Confirm(ctx context.Context, providerTxID string, amount int64) (*ConfirmResult, error) {
	uri := fmt.Sprintf("/%s/payments/%s/confirm", c.cfg.Version, providerTxID)
	reqBody := confirmRequest{Amount: amount, Currency: "TWD"}

	var resp providerResponse
	if err := c.post(ctx, uri, reqBody, &resp); err != nil {
		return nil, err
	}

	return &ConfirmResult{
		ReturnCode:    resp.ReturnCode,
		ReturnMessage: resp.ReturnMessage,
	}, nil
}

func (c *Client) post(ctx context.Context, uri string, body any, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.APIBase+uri, bytes.NewReader(payload))
	if err != nil {
		return err
	}

	nonce := uuid.NewString()
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-LINE-ChannelId", c.cfg.ChannelID)
	req.Header.Set("X-LINE-Authorization-Nonce", nonce)
	req.Header.Set("X-LINE-Authorization", c.sign(uri, payload, nonce))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		log.Printf("[LINEPAY] Request to %s failed: %v", uri, err)
		return fmt.Errorf("provider request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		log.Printf("[LINEPAY] Provider returned status %d for %s", resp.StatusCode, uri)
		return fmt.Errorf("provider returned status %d", resp.StatusCode)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode provider response: %w", err)
	}

	return nil
}

// sign produces the X-LINE-Authorization header value: base64 of
// HMAC-SHA256(secret, secret + uri + body + nonce).
func (c *Client) sign(uri string, body []byte, nonce string) string {
	h := hmac.New(sha256.New, []byte(c.cfg.ChannelSecret))
	h.Write([]byte(c.cfg.ChannelSecret + uri + string(body) + nonce))
	return base64.StdEncoding.EncodeToString(h.Sum(nil))
}
