package controller

import (
	"errors"

	"github.com/gofiber/fiber/v2"

	"payment-service/gateway"
	"payment-service/statemachine"
	"payment-service/store"
)

// Notification is the webhook the gateway fires after the buyer pays
// out-of-band. The only authentication is the payload signature. The 200
// response means "received", never "payment succeeded": replays, unknown
// order ids and no-op events are all acknowledged so the gateway stops
// retrying.
func (pc *PaymentController) Notification(c *fiber.Ctx) error {
	var n gateway.Notification
	if err := c.BodyParser(&n); err != nil {
		return c.Status(400).JSON(fiber.Map{"error": "invalid payload"})
	}
	if n.OrderID == "" {
		return c.Status(400).JSON(fiber.Map{"error": "order_id required"})
	}

	tx, err := pc.Store.GetByOrderID(c.Context(), n.OrderID)
	if errors.Is(err, store.ErrNotFound) {
		pc.Logger.Printf("[WARN] notification for unknown order %s ignored", n.OrderID)
		return c.JSON(fiber.Map{"message": "notification ignored"})
	}
	if err != nil {
		return c.Status(500).JSON(fiber.Map{"error": err.Error()})
	}

	if !pc.Verifier.VerifyNotification(&n) {
		pc.Logger.Printf("[WARN] invalid signature on notification for order %s (status=%s, gross=%s)",
			n.OrderID, n.TransactionStatus, n.GrossAmount)
		return c.Status(403).JSON(fiber.Map{"error": "invalid signature"})
	}

	event, ok := statemachine.MapNotification(n.TransactionStatus, n.FraudStatus, n.PaymentType)
	if !ok {
		pc.Logger.Printf("[INFO] notification status %q for %s carries no transition", n.TransactionStatus, tx.ID)
		return c.JSON(fiber.Map{"message": "notification acknowledged", "status": tx.Status})
	}

	status, err := pc.Machine.Apply(c.Context(), tx.ID, event, store.Evidence{
		GatewayReference: n.TransactionID,
		FailureReason:    statemachine.FailureReason(event),
		Source:           "webhook",
	})
	if err != nil {
		// Internal fault: let the gateway retry delivery.
		return c.Status(500).JSON(fiber.Map{"error": err.Error()})
	}

	return c.JSON(fiber.Map{"message": "notification processed", "status": status})
}
