package middleware

import (
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/gofiber/fiber/v2"
)

type buyerIdentity struct {
	ID   uint   `json:"id"`
	Role string `json:"role"`
}

// AuthRequired resolves the buyer identity by forwarding the bearer token
// to the user service. The engine never validates credentials itself; it
// only needs to know which buyer is asking.
func AuthRequired(userServiceURL string, client *http.Client, logger *log.Logger) fiber.Handler {
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}

	return func(c *fiber.Ctx) error {
		token := c.Get("Authorization")
		if token == "" {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "missing auth"})
		}

		req, err := http.NewRequestWithContext(c.Context(), http.MethodGet, userServiceURL+"/api/users/me", nil)
		if err != nil {
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "auth request failed"})
		}
		req.Header.Set("Authorization", token)

		resp, err := client.Do(req)
		if err != nil {
			logger.Printf("[WARN] user service lookup failed: %v", err)
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "auth failed"})
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "invalid token"})
		}

		var buyer buyerIdentity
		if err := json.NewDecoder(resp.Body).Decode(&buyer); err != nil {
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "decode failed"})
		}

		c.Locals("user_id", buyer.ID)
		c.Locals("user_role", buyer.Role)

		return c.Next()
	}
}
