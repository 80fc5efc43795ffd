// Package issuing talks to the external card-issuing network. The core keeps
// only card references; PANs stay on the network side.
package issuing

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

// NetworkCard is the reference the issuing network returns for a new card.
type NetworkCard struct {
	ID          string `json:"id"`
	Last4       string `json:"last4"`
	ExpiryMonth int    `json:"expiry_month"`
	ExpiryYear  int    `json:"expiry_year"`
	Status      string `json:"status"`
}

// Client wraps the issuing network HTTP API behind a circuit breaker. It is
// never invoked while a per-agent row lock is held.
type Client struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
	cb         *gobreaker.CircuitBreaker
	logger     *zap.Logger
}

// NewClient creates an issuing network client with breaker defaults tuned for
// a synchronous caller: trip after a 60% failure ratio over 5+ requests.
func NewClient(baseURL, apiKey string, logger *zap.Logger) *Client {
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "issuing-network",
		MaxRequests: 3,
		Interval:    30 * time.Second,
		Timeout:     10 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= 5 && failureRatio >= 0.6
		},
	})

	return &Client{
		httpClient: &http.Client{Timeout: 10 * time.Second},
		baseURL:    baseURL,
		apiKey:     apiKey,
		cb:         cb,
		logger:     logger,
	}
}

// CreateCard provisions a virtual card on the network and returns its
// reference.
func (c *Client) CreateCard(ctx context.Context, agentID string, spendingLimitMinorUnits int64) (*NetworkCard, error) {
	payload := map[string]any{
		"reference":      agentID,
		"spending_limit": fmt.Sprintf("%d", spendingLimitMinorUnits),
		"type":           "virtual",
	}

	result, err := c.cb.Execute(func() (any, error) {
		return c.do(ctx, http.MethodPost, "/v1/cards", payload)
	})
	if err != nil {
		return nil, fmt.Errorf("issuing network create card: %w", err)
	}
	return result.(*NetworkCard), nil
}

// FreezeCard suspends a card on the network.
func (c *Client) FreezeCard(ctx context.Context, networkCardID string) error {
	_, err := c.cb.Execute(func() (any, error) {
		return c.do(ctx, http.MethodPost, "/v1/cards/"+networkCardID+"/freeze", nil)
	})
	if err != nil {
		return fmt.Errorf("issuing network freeze card: %w", err)
	}
	return nil
}

// UnfreezeCard reinstates a frozen card on the network.
func (c *Client) UnfreezeCard(ctx context.Context, networkCardID string) error {
	_, err := c.cb.Execute(func() (any, error) {
		return c.do(ctx, http.MethodPost, "/v1/cards/"+networkCardID+"/unfreeze", nil)
	})
	if err != nil {
		return fmt.Errorf("issuing network unfreeze card: %w", err)
	}
	return nil
}

func (c *Client) do(ctx context.Context, method, path string, payload any) (*NetworkCard, error) {
	var body bytes.Buffer
	if payload != nil {
		if err := json.NewEncoder(&body).Encode(payload); err != nil {
			return nil, err
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, &body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		c.logger.Warn("issuing network error",
			zap.String("path", path),
			zap.Int("status", resp.StatusCode))
		return nil, fmt.Errorf("issuing network returned status %d", resp.StatusCode)
	}

	var card NetworkCard
	if err := json.NewDecoder(resp.Body).Decode(&card); err != nil {
		return nil, err
	}
	return &card, nil
}
