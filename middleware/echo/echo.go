// Package echo provides Echo middleware that gates requests through an
// entitle.Guard before the handler runs.
package echo

import (
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/studydeck/entitle/pkg/entitle"
)

// UserIDExtractor extracts the user ID from an Echo context.
// Return empty string if the user is not authenticated.
type UserIDExtractor func(c echo.Context) string

// ActionTypeExtractor extracts the metered action type from an Echo
// context.
type ActionTypeExtractor func(c echo.Context) string

// AmountExtractor calculates the token amount to debit.
type AmountExtractor func(c echo.Context) (int, error)

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
	GetResource func(c echo.Context) string

	// GetDevice extracts device attributes for fingerprinting
	// (optional).
	GetDevice func(c echo.Context) map[string]string

	// OnDenied is called when the engine denies the request.
	// If nil, a JSON error with a status derived from the deny reason
	// is returned.
	OnDenied func(c echo.Context, res *entitle.ConsumeResult) error

	// OnUnauthorized is called when no user ID could be extracted.
	// If nil, returns 401 Unauthorized.
	OnUnauthorized func(c echo.Context) error

	// OnError is called when the engine itself fails.
	// If nil, returns 500 Internal Server Error.
	OnError func(c echo.Context, err error) error
}

// Middleware creates an Echo middleware that gates and debits requests.
func Middleware(cfg Config) echo.MiddlewareFunc {
	if cfg.Guard == nil {
		panic("entitle/echo: Config.Guard is required")
	}
	if cfg.GetUserID == nil {
		panic("entitle/echo: Config.GetUserID is required")
	}
	if cfg.GetActionType == nil {
		panic("entitle/echo: Config.GetActionType is required")
	}
	if cfg.GetAmount == nil {
		cfg.GetAmount = func(c echo.Context) (int, error) { return 1, nil }
	}

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			userID := cfg.GetUserID(c)
			if userID == "" {
				if cfg.OnUnauthorized != nil {
					return cfg.OnUnauthorized(c)
				}
				return c.JSON(http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
			}

			amount, err := cfg.GetAmount(c)
			if err != nil {
				if cfg.OnError != nil {
					return cfg.OnError(c, err)
				}
				return c.JSON(http.StatusBadRequest, map[string]string{"error": "bad request"})
			}

			req := &entitle.ActionRequest{
				UserID:     userID,
				ActionType: cfg.GetActionType(c),
				Amount:     amount,
				IPOrigin:   c.RealIP(),
			}
			if cfg.GetResource != nil {
				req.ResourceID = cfg.GetResource(c)
			}
			if cfg.GetDevice != nil {
				req.DeviceAttributes = cfg.GetDevice(c)
			}

			res, err := cfg.Guard.CheckAndConsume(c.Request().Context(), req)
			if err != nil {
				if cfg.OnError != nil {
					return cfg.OnError(c, err)
				}
				return c.JSON(http.StatusInternalServerError, map[string]string{"error": "internal server error"})
			}
			if !res.Allowed {
				if cfg.OnDenied != nil {
					return cfg.OnDenied(c, res)
				}
				return writeDenied(c, res)
			}

			return next(c)
		}
	}
}

func writeDenied(c echo.Context, res *entitle.ConsumeResult) error {
	if res.RetryAfter > 0 {
		secs := int(res.RetryAfter.Seconds())
		if secs < 1 {
			secs = 1
		}
		c.Response().Header().Set("Retry-After", strconv.Itoa(secs))
	}

	status := http.StatusForbidden
	switch res.Reason {
	case entitle.DenyInsufficientBalance:
		status = http.StatusPaymentRequired
	case entitle.DenyRateLimited, entitle.DenyCooldownActive:
		status = http.StatusTooManyRequests
	}
	return c.JSON(status, map[string]interface{}{
		"error":               string(res.Reason),
		"retry_after_seconds": int(res.RetryAfter.Seconds()),
		"requires_challenge":  res.RequiresChallenge,
	})
}

// UserIDFromHeader returns a UserIDExtractor reading a header.
func UserIDFromHeader(headerName string) UserIDExtractor {
	return func(c echo.Context) string {
		return c.Request().Header.Get(headerName)
	}
}

// FixedActionType returns an ActionTypeExtractor that always returns
// actionType.
func FixedActionType(actionType string) ActionTypeExtractor {
	return func(c echo.Context) string {
		return actionType
	}
}
