// Package http provides net/http middleware that gates requests
// through an entitle.Guard: abuse checks first, then a token debit,
// before the wrapped handler runs.
package http

import (
	"context"
	"net"
	"net/http"
	"strconv"

	"github.com/studydeck/entitle/pkg/entitle"
)

// UserIDExtractor extracts the user ID from an HTTP request.
// Return empty string if the user is not authenticated.
type UserIDExtractor func(r *http.Request) string

// ActionTypeExtractor extracts the metered action type from a request.
// For example: "generate_cards", "grade_answer", "export_deck".
type ActionTypeExtractor func(r *http.Request) string

// AmountExtractor calculates the token amount to debit for a request.
type AmountExtractor func(r *http.Request) (int, error)

// OriginExtractor extracts the network origin used for IP reputation.
type OriginExtractor func(r *http.Request) string

// DeviceExtractor extracts device attributes for fingerprinting.
// Return nil when the request carries no device context.
type DeviceExtractor func(r *http.Request) map[string]string

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

	// GetOrigin extracts the network origin. Default: first
	// X-Forwarded-For entry, falling back to the remote address.
	GetOrigin OriginExtractor

	// GetDevice extracts device attributes. Default: none.
	GetDevice DeviceExtractor

	// GetResource extracts the per-resource cooldown key (optional;
	// empty skips the cooldown check).
	GetResource func(r *http.Request) string

	// OnDenied is called when the engine denies the request.
	// If nil, a status derived from the deny reason is returned with a
	// Retry-After header.
	OnDenied func(w http.ResponseWriter, r *http.Request, res *entitle.ConsumeResult)

	// OnUnauthorized is called when no user ID could be extracted.
	// If nil, returns 401 Unauthorized.
	OnUnauthorized func(w http.ResponseWriter, r *http.Request)

	// OnError is called when the engine itself fails.
	// If nil, returns 500 Internal Server Error.
	OnError func(w http.ResponseWriter, r *http.Request, err error)
}

// Middleware creates an http middleware that gates and debits requests.
func Middleware(config Config) func(http.Handler) http.Handler {
	if config.Guard == nil {
		panic("entitle/http: Config.Guard is required")
	}
	if config.GetUserID == nil {
		panic("entitle/http: Config.GetUserID is required")
	}
	if config.GetActionType == nil {
		panic("entitle/http: Config.GetActionType is required")
	}
	if config.GetAmount == nil {
		config.GetAmount = FixedAmount(1)
	}
	if config.GetOrigin == nil {
		config.GetOrigin = RemoteOrigin()
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			userID := config.GetUserID(r)
			if userID == "" {
				if config.OnUnauthorized != nil {
					config.OnUnauthorized(w, r)
				} else {
					http.Error(w, "Unauthorized", http.StatusUnauthorized)
				}
				return
			}

			amount, err := config.GetAmount(r)
			if err != nil {
				if config.OnError != nil {
					config.OnError(w, r, err)
				} else {
					http.Error(w, "Bad Request", http.StatusBadRequest)
				}
				return
			}

			req := &entitle.ActionRequest{
				UserID:     userID,
				ActionType: config.GetActionType(r),
				Amount:     amount,
				IPOrigin:   config.GetOrigin(r),
			}
			if config.GetDevice != nil {
				req.DeviceAttributes = config.GetDevice(r)
			}
			if config.GetResource != nil {
				req.ResourceID = config.GetResource(r)
			}

			res, err := config.Guard.CheckAndConsume(r.Context(), req)
			if err != nil {
				if config.OnError != nil {
					config.OnError(w, r, err)
				} else {
					http.Error(w, "Internal Server Error", http.StatusInternalServerError)
				}
				return
			}
			if !res.Allowed {
				if config.OnDenied != nil {
					config.OnDenied(w, r, res)
				} else {
					writeDenied(w, res)
				}
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// writeDenied maps a deny reason to an HTTP response.
func writeDenied(w http.ResponseWriter, res *entitle.ConsumeResult) {
	if res.RetryAfter > 0 {
		secs := int(res.RetryAfter.Seconds())
		if secs < 1 {
			secs = 1
		}
		w.Header().Set("Retry-After", strconv.Itoa(secs))
	}
	switch res.Reason {
	case entitle.DenyInsufficientBalance:
		http.Error(w, "Insufficient balance", http.StatusPaymentRequired)
	case entitle.DenyRateLimited, entitle.DenyCooldownActive:
		http.Error(w, "Too many requests", http.StatusTooManyRequests)
	default:
		http.Error(w, "Forbidden", http.StatusForbidden)
	}
}

// Common extractors for convenience

// FixedAmount returns an AmountExtractor that always returns amount.
func FixedAmount(amount int) AmountExtractor {
	return func(r *http.Request) (int, error) {
		return amount, nil
	}
}

// FixedActionType returns an ActionTypeExtractor that always returns
// actionType.
func FixedActionType(actionType string) ActionTypeExtractor {
	return func(r *http.Request) string {
		return actionType
	}
}

// FromHeader returns a UserIDExtractor reading a header.
func FromHeader(headerName string) UserIDExtractor {
	return func(r *http.Request) string {
		return r.Header.Get(headerName)
	}
}

// ContextKey is a type for context keys.
type ContextKey string

// UserIDKey is the context key for the authenticated user ID.
const UserIDKey ContextKey = "entitle:userID"

// FromContext returns a UserIDExtractor reading the request context.
func FromContext(key ContextKey) UserIDExtractor {
	return func(r *http.Request) string {
		if userID, ok := r.Context().Value(key).(string); ok {
			return userID
		}
		return ""
	}
}

// WithUserID adds the user ID to a request context.
func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, UserIDKey, userID)
}

// RemoteOrigin returns an OriginExtractor that prefers the first
// X-Forwarded-For entry and falls back to the remote address.
func RemoteOrigin() OriginExtractor {
	return func(r *http.Request) string {
		if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
			for i := 0; i < len(fwd); i++ {
				if fwd[i] == ',' {
					return fwd[:i]
				}
			}
			return fwd
		}
		host, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			return r.RemoteAddr
		}
		return host
	}
}

// DeviceFromHeaders returns a DeviceExtractor reading the named
// headers; header names become attribute keys.
func DeviceFromHeaders(headers ...string) DeviceExtractor {
	return func(r *http.Request) map[string]string {
		var attrs map[string]string
		for _, h := range headers {
			if v := r.Header.Get(h); v != "" {
				if attrs == nil {
					attrs = make(map[string]string, len(headers))
				}
				attrs[h] = v
			}
		}
		return attrs
	}
}
