package holdings

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cuongbtq/battle-orchestrator/internal/job"
	"github.com/cuongbtq/battle-orchestrator/shared/breaker"
)

// HTTPConfig configures the balance service client
type HTTPConfig struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

// HTTPBalanceSource reads balances from a REST balance service at
// GET {base}/v1/wallets/{address}/balance
type HTTPBalanceSource struct {
	baseURL string
	apiKey  string
	client  *http.Client
	breaker *breaker.Breaker
}

type balanceResponse struct {
	Address string      `json:"address"`
	Balance json.Number `json:"balance"`
}

// StatusError is a non-2xx answer from the balance service
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("balance service returned %d: %s", e.Code, e.Body)
}

// clientSide reports a request the service rejected on its merits
func (e *StatusError) clientSide() bool {
	return e.Code >= 400 && e.Code < 500 && e.Code != http.StatusTooManyRequests
}

// NewHTTPBalanceSource creates a balance client guarded by a circuit breaker
func NewHTTPBalanceSource(cfg HTTPConfig, logger *slog.Logger) *HTTPBalanceSource {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HTTPBalanceSource{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		client:  &http.Client{Timeout: timeout},
		breaker: breaker.New(breaker.Config{
			Name: "balance-service",
			IsSuccessful: func(err error) bool {
				var se *StatusError
				return err == nil || (errors.As(err, &se) && se.clientSide())
			},
		}, logger),
	}
}

func (s *HTTPBalanceSource) GetTokenHoldings(ctx context.Context, walletAddress string) (float64, error) {
	var amount float64
	err := s.breaker.Do(ctx, func(ctx context.Context) error {
		var err error
		amount, err = s.fetch(ctx, walletAddress)
		return err
	})
	if err != nil {
		var se *StatusError
		if errors.As(err, &se) && se.clientSide() {
			return 0, job.Permanent(err)
		}
		return 0, err
	}
	return amount, nil
}

func (s *HTTPBalanceSource) fetch(ctx context.Context, walletAddress string) (float64, error) {
	endpoint := fmt.Sprintf("%s/v1/wallets/%s/balance", s.baseURL, url.PathEscape(walletAddress))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to build balance request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if s.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+s.apiKey)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("failed to call balance service: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return 0, &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}

	var out balanceResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return 0, fmt.Errorf("failed to decode balance response: %w", err)
	}

	amount, err := out.Balance.Float64()
	if err != nil {
		return 0, fmt.Errorf("invalid balance %q: %w", out.Balance, err)
	}
	if amount < 0 {
		return 0, fmt.Errorf("negative balance %v for wallet %s", amount, walletAddress)
	}
	return amount, nil
}
