// Package revenuecat implements entitle.PurchaseVerifier against the
// RevenueCat REST API. A purchase is verified when its transaction
// appears among the subscriber's recorded non-subscription purchases
// for the claimed product.
package revenuecat

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/studydeck/entitle/pkg/entitle"
)

const (
	defaultBaseURL     = "https://api.revenuecat.com/v1"
	defaultHTTPTimeout = 10 * time.Second
)

// Config holds RevenueCat verifier configuration.
type Config struct {
	// APIKey is the RevenueCat secret API key. A "Bearer " prefix is
	// stripped if present.
	APIKey string

	// ProductTokens maps a product identifier to the token amount it
	// grants. Products not listed grant DefaultTokens.
	ProductTokens map[string]int
	DefaultTokens int

	// BaseURL overrides the API endpoint, for tests.
	BaseURL string

	// HTTPClient overrides the default client (10s timeout).
	HTTPClient *http.Client
}

// Verifier validates purchases against RevenueCat.
type Verifier struct {
	apiKey        string
	baseURL       string
	httpClient    *http.Client
	productTokens map[string]int
	defaultTokens int
}

// New creates a RevenueCat verifier.
func New(config Config) (*Verifier, error) {
	apiKey := strings.TrimSpace(config.APIKey)
	if strings.HasPrefix(strings.ToLower(apiKey), "bearer ") {
		apiKey = strings.TrimSpace(apiKey[len("bearer "):])
	}
	if apiKey == "" {
		return nil, fmt.Errorf("revenuecat API key is required")
	}

	baseURL := strings.TrimRight(config.BaseURL, "/")
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	httpClient := config.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultHTTPTimeout}
	}

	productTokens := make(map[string]int, len(config.ProductTokens))
	for k, v := range config.ProductTokens {
		productTokens[strings.ToLower(strings.TrimSpace(k))] = v
	}

	return &Verifier{
		apiKey:        apiKey,
		baseURL:       baseURL,
		httpClient:    httpClient,
		productTokens: productTokens,
		defaultTokens: config.DefaultTokens,
	}, nil
}

type subscriberResponse struct {
	Subscriber subscriber `json:"subscriber"`
}

type subscriber struct {
	NonSubscriptions map[string][]nonSubscriptionPurchase `json:"non_subscriptions"`
}

type nonSubscriptionPurchase struct {
	ID                 string `json:"id"`
	StoreTransactionID string `json:"store_transaction_id"`
	PurchaseDate       string `json:"purchase_date"`
	Store              string `json:"store"`
}

// VerifyPurchase implements entitle.PurchaseVerifier.
func (v *Verifier) VerifyPurchase(ctx context.Context, receipt *entitle.ReceiptInfo) (*entitle.VerificationResult, error) {
	if receipt == nil || receipt.UserID == "" {
		return nil, fmt.Errorf("receipt user id is required")
	}

	url := fmt.Sprintf("%s/subscribers/%s", v.baseURL, receipt.UserID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+v.apiKey)
	req.Header.Set("Accept", "application/json")

	res, err := v.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch subscriber: %w", err)
	}
	defer res.Body.Close()

	body, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	// An unknown subscriber is a definitive rejection, not an outage.
	if res.StatusCode == http.StatusNotFound {
		return &entitle.VerificationResult{
			ErrorMessage: "subscriber not found",
		}, nil
	}
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		return nil, fmt.Errorf("revenuecat API error: status %d, body: %s", res.StatusCode, string(body))
	}

	var payload subscriberResponse
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}

	purchases, ok := v.findProduct(payload.Subscriber.NonSubscriptions, receipt.ProductID)
	if !ok {
		return &entitle.VerificationResult{
			ErrorMessage: fmt.Sprintf("no purchase recorded for product %q", receipt.ProductID),
		}, nil
	}
	for _, p := range purchases {
		if p.ID == receipt.TransactionID || p.StoreTransactionID == receipt.TransactionID {
			return &entitle.VerificationResult{
				Verified: true,
				Tokens:   v.tokensFor(receipt.ProductID),
			}, nil
		}
	}
	return &entitle.VerificationResult{
		ErrorMessage: fmt.Sprintf("transaction %q not recorded for product %q", receipt.TransactionID, receipt.ProductID),
	}, nil
}

func (v *Verifier) findProduct(products map[string][]nonSubscriptionPurchase, productID string) ([]nonSubscriptionPurchase, bool) {
	if purchases, ok := products[productID]; ok {
		return purchases, true
	}
	for k, purchases := range products {
		if strings.EqualFold(k, productID) {
			return purchases, true
		}
	}
	return nil, false
}

func (v *Verifier) tokensFor(productID string) int {
	if tokens, ok := v.productTokens[strings.ToLower(strings.TrimSpace(productID))]; ok {
		return tokens
	}
	return v.defaultTokens
}
