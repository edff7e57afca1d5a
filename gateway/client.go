package gateway

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"

	"payment-service/model"
)

var (
	// ErrUnavailable means the gateway could not be reached after retries.
	// Callers must not treat it as evidence of payment failure.
	ErrUnavailable = errors.New("payment gateway unavailable")

	// ErrOrderNotFound means the gateway has no record of the order id, so
	// no settlement can have happened for it.
	ErrOrderNotFound = errors.New("order not found on gateway")
)

// Gateway transaction_status values.
const (
	StatusCapture    = "capture"
	StatusSettlement = "settlement"
	StatusPending    = "pending"
	StatusDeny       = "deny"
	StatusCancel     = "cancel"
	StatusExpire     = "expire"
	StatusFailure    = "failure"

	FraudAccept    = "accept"
	FraudChallenge = "challenge"

	PaymentTypeCreditCard = "credit_card"
)

// Notification is the gateway's status payload, shared by the webhook body
// and the synchronous status query response.
type Notification struct {
	OrderID           string `json:"order_id"`
	StatusCode        string `json:"status_code"`
	GrossAmount       string `json:"gross_amount"`
	SignatureKey      string `json:"signature_key"`
	TransactionStatus string `json:"transaction_status"`
	FraudStatus       string `json:"fraud_status"`
	PaymentType       string `json:"payment_type"`
	TransactionID     string `json:"transaction_id"`
}

type CustomerDetails struct {
	Name  string `json:"name"`
	Email string `json:"email"`
	Phone string `json:"phone"`
}

type itemDetail struct {
	ID       string `json:"id"`
	Price    int64  `json:"price"`
	Quantity int    `json:"quantity"`
	Name     string `json:"name"`
	Category string `json:"category"`
}

type customExpiry struct {
	Duration int    `json:"expiry_duration"`
	Unit     string `json:"unit"`
}

type tokenRequest struct {
	TransactionDetails struct {
		OrderID     string `json:"order_id"`
		GrossAmount int64  `json:"gross_amount"`
	} `json:"transaction_details"`
	CustomerDetails *CustomerDetails `json:"customer_details,omitempty"`
	ItemDetails     []itemDetail     `json:"item_details"`
	CustomExpiry    *customExpiry    `json:"custom_expiry,omitempty"`
}

type tokenResponse struct {
	Token         string   `json:"token"`
	RedirectURL   string   `json:"redirect_url"`
	ErrorMessages []string `json:"error_messages"`
}

// Client talks to the payment gateway's Snap and core APIs. It carries no
// business logic: transitions driven by its answers happen elsewhere.
type Client struct {
	http   *resty.Client
	logger *log.Logger
}

// NewClient builds a gateway client authenticated by the server key.
// Network errors and 5xx responses are retried with exponential backoff,
// 3 attempts total, 500ms base wait.
func NewClient(baseURL, serverKey string, logger *log.Logger) *Client {
	httpClient := resty.New().
		SetBaseURL(strings.TrimRight(baseURL, "/")).
		SetBasicAuth(serverKey, "").
		SetHeader("Accept", "application/json").
		SetTimeout(10 * time.Second).
		SetRetryCount(2).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(4 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			return err != nil || r.StatusCode() >= 500
		})

	return &Client{http: httpClient, logger: logger}
}

// DeriveOrderID builds the gateway-facing order id from the transaction
// code plus a uniqueness suffix, so a re-created payment for the same code
// never collides on the gateway side.
func DeriveOrderID(code string) string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	return code + "-" + suffix
}

// CreateToken requests a hosted-payment token for the transaction. The
// transaction's gateway order id must already be assigned; retried calls
// therefore reuse the same order id instead of minting a new one.
func (c *Client) CreateToken(ctx context.Context, tx *model.Transaction, customer CustomerDetails) (string, error) {
	if tx.GatewayOrderID == nil || *tx.GatewayOrderID == "" {
		return "", errors.New("gateway order id not assigned")
	}

	req := tokenRequest{ItemDetails: make([]itemDetail, 0, len(tx.Items))}
	req.TransactionDetails.OrderID = *tx.GatewayOrderID
	req.TransactionDetails.GrossAmount = tx.Amount
	if customer != (CustomerDetails{}) {
		req.CustomerDetails = &customer
	}
	for _, it := range tx.Items {
		req.ItemDetails = append(req.ItemDetails, itemDetail{
			ID:       fmt.Sprintf("%s-%d", it.ItemType, it.ItemID),
			Price:    it.UnitPrice,
			Quantity: it.Quantity,
			Name:     it.Title,
			Category: it.ItemType,
		})
	}
	if remaining := time.Until(tx.ExpiresAt); remaining > time.Minute {
		req.CustomExpiry = &customExpiry{
			Duration: int(remaining.Minutes()),
			Unit:     "minute",
		}
	}

	var body tokenResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(req).
		SetResult(&body).
		SetError(&body).
		Post("/snap/v1/transactions")
	if err != nil {
		c.logger.Printf("[ERROR] token request for %s failed after retries: %v", *tx.GatewayOrderID, err)
		return "", fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if resp.StatusCode() >= 500 {
		c.logger.Printf("[ERROR] token request for %s exhausted retries with %d", *tx.GatewayOrderID, resp.StatusCode())
		return "", fmt.Errorf("%w: gateway returned %d", ErrUnavailable, resp.StatusCode())
	}
	if resp.IsError() {
		return "", fmt.Errorf("token request rejected: %s", strings.Join(body.ErrorMessages, "; "))
	}
	if body.Token == "" {
		return "", errors.New("gateway returned empty token")
	}
	return body.Token, nil
}

// QueryStatus asks the gateway for the authoritative state of an order.
func (c *Client) QueryStatus(ctx context.Context, orderID string) (*Notification, error) {
	var body Notification
	resp, err := c.http.R().
		SetContext(ctx).
		SetResult(&body).
		Get(fmt.Sprintf("/v2/%s/status", orderID))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if resp.StatusCode() >= 500 {
		return nil, fmt.Errorf("%w: gateway returned %d", ErrUnavailable, resp.StatusCode())
	}
	if resp.StatusCode() == 404 {
		return nil, ErrOrderNotFound
	}
	if resp.IsError() {
		return nil, fmt.Errorf("status query rejected: %d", resp.StatusCode())
	}
	return &body, nil
}

// Cancel voids an order on the gateway. Best effort: the local cancelled
// transition does not depend on it succeeding.
func (c *Client) Cancel(ctx context.Context, orderID string) error {
	resp, err := c.http.R().
		SetContext(ctx).
		Post(fmt.Sprintf("/v2/%s/cancel", orderID))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if resp.StatusCode() >= 500 {
		return fmt.Errorf("%w: gateway returned %d", ErrUnavailable, resp.StatusCode())
	}
	if resp.IsError() && resp.StatusCode() != 404 {
		return fmt.Errorf("cancel rejected: %d", resp.StatusCode())
	}
	return nil
}
