// Package fiber provides Fiber middleware that gates requests through
// an entitle.Guard before the handler runs.
package fiber

import (
	"strconv"

	"github.com/gofiber/fiber/v2"

	"github.com/studydeck/entitle/pkg/entitle"
)

// UserIDExtractor extracts the user ID from a Fiber context.
// Return empty string if the user is not authenticated.
type UserIDExtractor func(c *fiber.Ctx) string

// ActionTypeExtractor extracts the metered action type from a Fiber
// context.
type ActionTypeExtractor func(c *fiber.Ctx) string

// AmountExtractor calculates the token amount to debit.
type AmountExtractor func(c *fiber.Ctx) (int, error)

// Config holds middleware configuration.
type Config struct {
	// Guard is the entitlement engine (required).
	Guard *entitle.Guard

	// GetUserID extracts the user ID (required).
	GetUserID UserIDExtractor

	// GetActionType extracts the action type (required).
	GetActionType ActionTypeExtractor

	// GetAmount calculates the token amount. Default: fixed 1.
	GetAmount AmountExtractor

	// GetResource extracts the per-resource cooldown key (optional).
	GetResource func(c *fiber.Ctx) string

	// GetDevice extracts device attributes for fingerprinting
	// (optional).
	GetDevice func(c *fiber.Ctx) map[string]string

	// OnDenied is called when the engine denies the request.
	// If nil, a JSON error with a status derived from the deny reason
	// is returned.
	OnDenied func(c *fiber.Ctx, res *entitle.ConsumeResult) error

	// OnUnauthorized is called when no user ID could be extracted.
	// If nil, returns 401 Unauthorized.
	OnUnauthorized func(c *fiber.Ctx) error

	// OnError is called when the engine itself fails.
	// If nil, returns 500 Internal Server Error.
	OnError func(c *fiber.Ctx, err error) error
}

// Middleware creates a Fiber middleware that gates and debits requests.
func Middleware(cfg Config) fiber.Handler {
	if cfg.Guard == nil {
		panic("entitle/fiber: Config.Guard is required")
	}
	if cfg.GetUserID == nil {
		panic("entitle/fiber: Config.GetUserID is required")
	}
	if cfg.GetActionType == nil {
		panic("entitle/fiber: Config.GetActionType is required")
	}
	if cfg.GetAmount == nil {
		cfg.GetAmount = func(c *fiber.Ctx) (int, error) { return 1, nil }
	}

	return func(c *fiber.Ctx) error {
		userID := cfg.GetUserID(c)
		if userID == "" {
			if cfg.OnUnauthorized != nil {
				return cfg.OnUnauthorized(c)
			}
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "unauthorized"})
		}

		amount, err := cfg.GetAmount(c)
		if err != nil {
			if cfg.OnError != nil {
				return cfg.OnError(c, err)
			}
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "bad request"})
		}

		req := &entitle.ActionRequest{
			UserID:     userID,
			ActionType: cfg.GetActionType(c),
			Amount:     amount,
			IPOrigin:   c.IP(),
		}
		if cfg.GetResource != nil {
			req.ResourceID = cfg.GetResource(c)
		}
		if cfg.GetDevice != nil {
			req.DeviceAttributes = cfg.GetDevice(c)
		}

		// Fiber wraps fasthttp; UserContext is the request's
		// context.Context.
		res, err := cfg.Guard.CheckAndConsume(c.UserContext(), req)
		if err != nil {
			if cfg.OnError != nil {
				return cfg.OnError(c, err)
			}
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "internal server error"})
		}
		if !res.Allowed {
			if cfg.OnDenied != nil {
				return cfg.OnDenied(c, res)
			}
			return writeDenied(c, res)
		}

		return c.Next()
	}
}

func writeDenied(c *fiber.Ctx, res *entitle.ConsumeResult) error {
	if res.RetryAfter > 0 {
		secs := int(res.RetryAfter.Seconds())
		if secs < 1 {
			secs = 1
		}
		c.Set("Retry-After", strconv.Itoa(secs))
	}

	status := fiber.StatusForbidden
	switch res.Reason {
	case entitle.DenyInsufficientBalance:
		status = fiber.StatusPaymentRequired
	case entitle.DenyRateLimited, entitle.DenyCooldownActive:
		status = fiber.StatusTooManyRequests
	}
	return c.Status(status).JSON(fiber.Map{
		"error":               string(res.Reason),
		"retry_after_seconds": int(res.RetryAfter.Seconds()),
		"requires_challenge":  res.RequiresChallenge,
	})
}

// UserIDFromHeader returns a UserIDExtractor reading a header.
func UserIDFromHeader(headerName string) UserIDExtractor {
	return func(c *fiber.Ctx) string {
		return c.Get(headerName)
	}
}

// FixedActionType returns an ActionTypeExtractor that always returns
// actionType.
func FixedActionType(actionType string) ActionTypeExtractor {
	return func(c *fiber.Ctx) string {
		return actionType
	}
}
