// Package gin provides Gin middleware that gates requests through an
// entitle.Guard before the handler chain continues.
package gin

import (
	"net/http"
	"strconv"

	gongin "github.com/gin-gonic/gin"

	"github.com/studydeck/entitle/pkg/entitle"
)

// UserIDExtractor extracts the user ID from a Gin context.
// Return empty string if the user is not authenticated.
type UserIDExtractor func(c *gongin.Context) string

// ActionTypeExtractor extracts the metered action type from a Gin
// context.
type ActionTypeExtractor func(c *gongin.Context) string

// AmountExtractor calculates the token amount to debit.
type AmountExtractor func(c *gongin.Context) (int, error)

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
	GetResource func(c *gongin.Context) string

	// GetDevice extracts device attributes for fingerprinting
	// (optional).
	GetDevice func(c *gongin.Context) map[string]string

	// OnDenied is called when the engine denies the request.
	// If nil, a JSON error with a status derived from the deny reason
	// is returned.
	OnDenied func(c *gongin.Context, res *entitle.ConsumeResult)

	// OnUnauthorized is called when no user ID could be extracted.
	// If nil, returns 401 Unauthorized.
	OnUnauthorized func(c *gongin.Context)

	// OnError is called when the engine itself fails.
	// If nil, returns 500 Internal Server Error.
	OnError func(c *gongin.Context, err error)
}

// Middleware creates a Gin middleware that gates and debits requests.
func Middleware(cfg Config) gongin.HandlerFunc {
	if cfg.Guard == nil {
		panic("entitle/gin: Config.Guard is required")
	}
	if cfg.GetUserID == nil {
		panic("entitle/gin: Config.GetUserID is required")
	}
	if cfg.GetActionType == nil {
		panic("entitle/gin: Config.GetActionType is required")
	}
	if cfg.GetAmount == nil {
		cfg.GetAmount = func(c *gongin.Context) (int, error) { return 1, nil }
	}

	return func(c *gongin.Context) {
		userID := cfg.GetUserID(c)
		if userID == "" {
			if cfg.OnUnauthorized != nil {
				cfg.OnUnauthorized(c)
			} else {
				c.JSON(http.StatusUnauthorized, gongin.H{"error": "unauthorized"})
			}
			c.Abort()
			return
		}

		amount, err := cfg.GetAmount(c)
		if err != nil {
			if cfg.OnError != nil {
				cfg.OnError(c, err)
			} else {
				c.JSON(http.StatusBadRequest, gongin.H{"error": "bad request"})
			}
			c.Abort()
			return
		}

		req := &entitle.ActionRequest{
			UserID:     userID,
			ActionType: cfg.GetActionType(c),
			Amount:     amount,
			IPOrigin:   c.ClientIP(),
		}
		if cfg.GetResource != nil {
			req.ResourceID = cfg.GetResource(c)
		}
		if cfg.GetDevice != nil {
			req.DeviceAttributes = cfg.GetDevice(c)
		}

		res, err := cfg.Guard.CheckAndConsume(c.Request.Context(), req)
		if err != nil {
			if cfg.OnError != nil {
				cfg.OnError(c, err)
			} else {
				c.JSON(http.StatusInternalServerError, gongin.H{"error": "internal server error"})
			}
			c.Abort()
			return
		}
		if !res.Allowed {
			if cfg.OnDenied != nil {
				cfg.OnDenied(c, res)
			} else {
				writeDenied(c, res)
			}
			c.Abort()
			return
		}

		c.Next()
	}
}

func writeDenied(c *gongin.Context, res *entitle.ConsumeResult) {
	if res.RetryAfter > 0 {
		secs := int(res.RetryAfter.Seconds())
		if secs < 1 {
			secs = 1
		}
		c.Header("Retry-After", strconv.Itoa(secs))
	}

	status := http.StatusForbidden
	switch res.Reason {
	case entitle.DenyInsufficientBalance:
		status = http.StatusPaymentRequired
	case entitle.DenyRateLimited, entitle.DenyCooldownActive:
		status = http.StatusTooManyRequests
	}
	c.JSON(status, gongin.H{
		"error":               string(res.Reason),
		"retry_after_seconds": int(res.RetryAfter.Seconds()),
		"requires_challenge":  res.RequiresChallenge,
	})
}

// UserIDFromHeader returns a UserIDExtractor reading a header.
func UserIDFromHeader(headerName string) UserIDExtractor {
	return func(c *gongin.Context) string {
		return c.GetHeader(headerName)
	}
}

// FixedActionType returns an ActionTypeExtractor that always returns
// actionType.
func FixedActionType(actionType string) ActionTypeExtractor {
	return func(c *gongin.Context) string {
		return actionType
	}
}
