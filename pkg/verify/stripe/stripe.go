// Package stripe implements entitle.PurchaseVerifier against the
// Stripe API. A purchase is verified when the PaymentIntent named by
// the transaction ID has succeeded and its metadata matches the
// claimed user and product.
package stripe

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/stripe/stripe-go/v83"

	"github.com/studydeck/entitle/pkg/entitle"
)

// Config holds Stripe verifier configuration.
type Config struct {
	// APIKey is the Stripe secret key.
	APIKey string

	// ProductTokens maps a product identifier to the token amount it
	// grants. A PaymentIntent metadata "tokens" value overrides both
	// the mapping and DefaultTokens.
	ProductTokens map[string]int
	DefaultTokens int
}

// paymentIntentRetriever is the slice of the Stripe client this
// verifier uses; tests substitute a fake.
type paymentIntentRetriever interface {
	Retrieve(ctx context.Context, id string, params *stripe.PaymentIntentRetrieveParams) (*stripe.PaymentIntent, error)
}

// Verifier validates purchases against Stripe.
type Verifier struct {
	intents       paymentIntentRetriever
	productTokens map[string]int
	defaultTokens int
}

// New creates a Stripe verifier.
func New(config Config) (*Verifier, error) {
	apiKey := strings.TrimSpace(config.APIKey)
	if apiKey == "" {
		return nil, fmt.Errorf("stripe API key is required")
	}
	client := stripe.NewClient(apiKey)

	v := &Verifier{
		intents:       client.V1PaymentIntents,
		productTokens: make(map[string]int, len(config.ProductTokens)),
		defaultTokens: config.DefaultTokens,
	}
	for k, tokens := range config.ProductTokens {
		v.productTokens[strings.ToLower(strings.TrimSpace(k))] = tokens
	}
	return v, nil
}

// VerifyPurchase implements entitle.PurchaseVerifier.
func (v *Verifier) VerifyPurchase(ctx context.Context, receipt *entitle.ReceiptInfo) (*entitle.VerificationResult, error) {
	if receipt == nil || receipt.TransactionID == "" {
		return nil, fmt.Errorf("receipt transaction id is required")
	}

	pi, err := v.intents.Retrieve(ctx, receipt.TransactionID, nil)
	if err != nil {
		// A missing PaymentIntent is a definitive rejection; anything
		// else is treated as an outage and left to the caller to retry.
		var stripeErr *stripe.Error
		if errors.As(err, &stripeErr) && stripeErr.HTTPStatusCode == http.StatusNotFound {
			return &entitle.VerificationResult{
				ErrorMessage: fmt.Sprintf("payment intent %q not found", receipt.TransactionID),
			}, nil
		}
		return nil, fmt.Errorf("failed to retrieve payment intent: %w", err)
	}

	if pi.Status != stripe.PaymentIntentStatusSucceeded {
		return &entitle.VerificationResult{
			ErrorMessage: fmt.Sprintf("payment intent status is %q", pi.Status),
		}, nil
	}
	if uid := pi.Metadata["user_id"]; uid != "" && uid != receipt.UserID {
		return &entitle.VerificationResult{
			ErrorMessage: "payment intent belongs to a different user",
		}, nil
	}
	if pid := pi.Metadata["product_id"]; pid != "" && !strings.EqualFold(pid, receipt.ProductID) {
		return &entitle.VerificationResult{
			ErrorMessage: "payment intent is for a different product",
		}, nil
	}

	return &entitle.VerificationResult{
		Verified: true,
		Tokens:   v.tokensFor(receipt.ProductID, pi.Metadata),
	}, nil
}

func (v *Verifier) tokensFor(productID string, metadata map[string]string) int {
	if raw := metadata["tokens"]; raw != "" {
		if tokens, err := strconv.Atoi(raw); err == nil && tokens > 0 {
			return tokens
		}
	}
	if tokens, ok := v.productTokens[strings.ToLower(strings.TrimSpace(productID))]; ok {
		return tokens
	}
	return v.defaultTokens
}
