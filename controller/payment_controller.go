package controller

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/gofiber/fiber/v2"

	"payment-service/gateway"
	"payment-service/model"
	"payment-service/statemachine"
	"payment-service/store"
)

// Store is what the handlers need from the transaction store.
type Store interface {
	Create(ctx context.Context, tx *model.Transaction) error
	GetByID(ctx context.Context, id string) (*model.Transaction, error)
	GetByOrderID(ctx context.Context, orderID string) (*model.Transaction, error)
	ListByBuyer(ctx context.Context, buyerID uint) ([]model.Transaction, error)
	AssignGatewayOrder(ctx context.Context, id, orderID string) (bool, error)
	AuditTrail(ctx context.Context, id string) ([]model.TransactionAudit, error)
}

type Gateway interface {
	CreateToken(ctx context.Context, tx *model.Transaction, customer gateway.CustomerDetails) (string, error)
	QueryStatus(ctx context.Context, orderID string) (*gateway.Notification, error)
	Cancel(ctx context.Context, orderID string) error
}

type Machine interface {
	Apply(ctx context.Context, id, event string, ev store.Evidence) (string, error)
}

type StatusCache interface {
	GetStatus(ctx context.Context, id string) (string, bool)
	SetStatus(ctx context.Context, id, status string)
}

type PaymentController struct {
	Store        Store
	Gateway      Gateway
	Machine      Machine
	Cache        StatusCache
	Verifier     *gateway.SignatureVerifier
	Logger       *log.Logger
	ExpiryWindow time.Duration
}

func NewPaymentController(st Store, gw Gateway, machine Machine, cache StatusCache,
	verifier *gateway.SignatureVerifier, logger *log.Logger, expiry time.Duration) *PaymentController {
	if expiry <= 0 {
		expiry = 15 * time.Minute
	}
	return &PaymentController{
		Store:        st,
		Gateway:      gw,
		Machine:      machine,
		Cache:        cache,
		Verifier:     verifier,
		Logger:       logger,
		ExpiryWindow: expiry,
	}
}

// Create starts a checkout: a pending transaction with an immutable item
// snapshot and a fixed payment deadline. No gateway call happens yet.
func (pc *PaymentController) Create(c *fiber.Ctx) error {
	buyerID := c.Locals("user_id").(uint)

	var body struct {
		Kind  string           `json:"kind"`
		Items []model.LineItem `json:"items"`
	}
	if err := c.BodyParser(&body); err != nil {
		return c.Status(400).JSON(fiber.Map{"error": "invalid request body"})
	}

	if body.Kind != model.KindBookPurchase && body.Kind != model.KindChapterPurchase {
		return c.Status(400).JSON(fiber.Map{"error": "invalid kind"})
	}
	if len(body.Items) == 0 {
		return c.Status(400).JSON(fiber.Map{"error": "items required"})
	}
	for _, it := range body.Items {
		if it.Quantity <= 0 || it.UnitPrice < 0 || it.Title == "" {
			return c.Status(400).JSON(fiber.Map{"error": "invalid line item"})
		}
	}

	tx := &model.Transaction{
		BuyerID:   buyerID,
		Kind:      body.Kind,
		Items:     body.Items,
		ExpiresAt: time.Now().Add(pc.ExpiryWindow),
	}

	if err := pc.Store.Create(c.Context(), tx); err != nil {
		return c.Status(500).JSON(fiber.Map{"error": err.Error()})
	}

	return c.Status(201).JSON(tx)
}

// Token obtains the hosted-payment token. The gateway order id is assigned
// exactly once; a retried call reuses it, so the gateway sees one order.
func (pc *PaymentController) Token(c *fiber.Ctx) error {
	tx, ok := pc.ownedTransaction(c)
	if !ok {
		return nil
	}

	if tx.Status != model.StatusPending {
		return c.Status(409).JSON(fiber.Map{"error": "transaction already " + tx.Status})
	}
	if time.Now().After(tx.ExpiresAt) {
		return c.Status(409).JSON(fiber.Map{"error": "payment window expired"})
	}

	var body struct {
		Customer gateway.CustomerDetails `json:"customer_details"`
	}
	_ = c.BodyParser(&body)

	if tx.GatewayOrderID == nil {
		orderID := gateway.DeriveOrderID(tx.Code)
		assigned, err := pc.Store.AssignGatewayOrder(c.Context(), tx.ID, orderID)
		if err != nil {
			return c.Status(500).JSON(fiber.Map{"error": err.Error()})
		}
		if !assigned {
			// Another request won; reuse whatever it stored.
			if tx, err = pc.Store.GetByID(c.Context(), tx.ID); err != nil {
				return c.Status(500).JSON(fiber.Map{"error": err.Error()})
			}
		} else {
			tx.GatewayOrderID = &orderID
		}
	}

	token, err := pc.Gateway.CreateToken(c.Context(), tx, body.Customer)
	if err != nil {
		if errors.Is(err, gateway.ErrUnavailable) {
			return c.Status(503).JSON(fiber.Map{"error": "payment gateway unavailable, try again"})
		}
		return c.Status(502).JSON(fiber.Map{"error": err.Error()})
	}

	return c.JSON(fiber.Map{
		"token":            token,
		"gateway_order_id": *tx.GatewayOrderID,
	})
}

// Status answers the buyer's "did my payment go through" poll. A pending
// transaction with a live deadline gets an opportunistic gateway check so a
// missed webhook heals here instead of waiting for the sweeper.
func (pc *PaymentController) Status(c *fiber.Ctx) error {
	tx, ok := pc.ownedTransaction(c)
	if !ok {
		return nil
	}

	if pc.Cache != nil {
		if status, ok := pc.Cache.GetStatus(c.Context(), tx.ID); ok && model.IsTerminal(status) {
			return c.JSON(fiber.Map{"status": status, "expires_at": tx.ExpiresAt})
		}
	}

	status := tx.Status
	if status == model.StatusPending && time.Now().Before(tx.ExpiresAt) && tx.GatewayOrderID != nil {
		status = pc.refreshFromGateway(c.Context(), tx)
	}

	if pc.Cache != nil && model.IsTerminal(status) {
		pc.Cache.SetStatus(c.Context(), tx.ID, status)
	}

	return c.JSON(fiber.Map{"status": status, "expires_at": tx.ExpiresAt})
}

// refreshFromGateway feeds the gateway's current view through the state
// machine. Gateway outages leave the local status alone: no answer is not
// evidence of failure.
func (pc *PaymentController) refreshFromGateway(ctx context.Context, tx *model.Transaction) string {
	n, err := pc.Gateway.QueryStatus(ctx, *tx.GatewayOrderID)
	if err != nil {
		if !errors.Is(err, gateway.ErrOrderNotFound) {
			pc.Logger.Printf("[WARN] status poll gateway query failed for %s: %v", tx.ID, err)
		}
		return tx.Status
	}

	event, ok := statemachine.MapNotification(n.TransactionStatus, n.FraudStatus, n.PaymentType)
	if !ok {
		return tx.Status
	}

	status, err := pc.Machine.Apply(ctx, tx.ID, event, store.Evidence{
		GatewayReference: n.TransactionID,
		FailureReason:    statemachine.FailureReason(event),
		Source:           "poller",
	})
	if err != nil {
		pc.Logger.Printf("[WARN] status poll transition failed for %s: %v", tx.ID, err)
		return tx.Status
	}
	return status
}

// Get returns the full transaction, items included.
func (pc *PaymentController) Get(c *fiber.Ctx) error {
	tx, ok := pc.ownedTransaction(c)
	if !ok {
		return nil
	}
	return c.JSON(tx)
}

// List returns the buyer's purchase history, newest first.
func (pc *PaymentController) List(c *fiber.Ctx) error {
	buyerID := c.Locals("user_id").(uint)

	list, err := pc.Store.ListByBuyer(c.Context(), buyerID)
	if err != nil {
		return c.Status(500).JSON(fiber.Map{"error": err.Error()})
	}
	if list == nil {
		list = []model.Transaction{}
	}
	return c.JSON(list)
}

// Audit returns the transaction's event history, oldest first.
func (pc *PaymentController) Audit(c *fiber.Ctx) error {
	tx, ok := pc.ownedTransaction(c)
	if !ok {
		return nil
	}

	trail, err := pc.Store.AuditTrail(c.Context(), tx.ID)
	if err != nil {
		return c.Status(500).JSON(fiber.Map{"error": err.Error()})
	}
	if trail == nil {
		trail = []model.TransactionAudit{}
	}
	return c.JSON(trail)
}

// Cancel aborts a pending checkout. The gateway void is best effort; the
// local transition does not wait on it succeeding.
func (pc *PaymentController) Cancel(c *fiber.Ctx) error {
	tx, ok := pc.ownedTransaction(c)
	if !ok {
		return nil
	}

	if tx.Status != model.StatusPending {
		return c.Status(409).JSON(fiber.Map{"error": "cannot cancel " + tx.Status + " transaction"})
	}

	if tx.GatewayOrderID != nil {
		if err := pc.Gateway.Cancel(c.Context(), *tx.GatewayOrderID); err != nil {
			pc.Logger.Printf("[WARN] gateway cancel failed for %s: %v", tx.ID, err)
		}
	}

	status, err := pc.Machine.Apply(c.Context(), tx.ID, model.EventBuyerCancel, store.Evidence{
		Source: "buyer",
	})
	if err != nil {
		return c.Status(500).JSON(fiber.Map{"error": err.Error()})
	}

	return c.JSON(fiber.Map{"status": status, "message": "transaction cancelled"})
}

// ownedTransaction loads the path transaction and enforces ownership.
// Reports false once the response has already been written.
func (pc *PaymentController) ownedTransaction(c *fiber.Ctx) (*model.Transaction, bool) {
	buyerID := c.Locals("user_id").(uint)

	tx, err := pc.Store.GetByID(c.Context(), c.Params("id"))
	if errors.Is(err, store.ErrNotFound) {
		_ = c.Status(404).JSON(fiber.Map{"error": "transaction not found"})
		return nil, false
	}
	if err != nil {
		_ = c.Status(500).JSON(fiber.Map{"error": err.Error()})
		return nil, false
	}
	if tx.BuyerID != buyerID {
		_ = c.Status(403).JSON(fiber.Map{"error": "not the owner"})
		return nil, false
	}
	return tx, true
}
