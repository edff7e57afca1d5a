package routes

import (
	"github.com/gofiber/fiber/v2"

	"payment-service/controller"
)

func RegisterPaymentRoutes(app *fiber.App, pc *controller.PaymentController, authMiddleware fiber.Handler) {
	api := app.Group("/api")
	p := api.Group("/payment")

	// Webhook first: signature-authenticated, must not sit behind buyer auth.
	p.Post("/notification", pc.Notification)

	p.Post("/", authMiddleware, pc.Create)
	p.Get("/", authMiddleware, pc.List)
	p.Post("/:id/token", authMiddleware, pc.Token)
	p.Get("/:id/status", authMiddleware, pc.Status)
	p.Get("/:id/audit", authMiddleware, pc.Audit)
	p.Post("/:id/cancel", authMiddleware, pc.Cancel)
	p.Get("/:id", authMiddleware, pc.Get)
}
