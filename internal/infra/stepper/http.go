// Package stepper provides adapters for the external fetch collaborator that
// advances an ingestion cycle by one bounded page.
package stepper

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/ahrav/catalog-ingest/internal/domain/ingestion"
	"github.com/ahrav/catalog-ingest/pkg/common"
	"github.com/ahrav/catalog-ingest/pkg/common/logger"
)

// HTTPStepper delegates each fetch step to a collaborator service over HTTP.
// The collaborator receives the provider and last cursor, performs one
// bounded page fetch, and reports the next cursor or exhaustion.
type HTTPStepper struct {
	endpoint string
	client   *http.Client
	limiter  *common.RateLimiter
	logger   *logger.Logger
}

// StepperOption configures optional HTTPStepper behavior.
type StepperOption func(*HTTPStepper)

// WithRateLimit caps collaborator calls at rps with the given burst.
func WithRateLimit(rps float64, burst int) StepperOption {
	return func(s *HTTPStepper) { s.limiter = common.NewRateLimiter(rps, burst) }
}

// NewHTTPStepper creates a stepper posting to the given collaborator
// endpoint.
func NewHTTPStepper(endpoint string, log *logger.Logger, opts ...StepperOption) *HTTPStepper {
	s := &HTTPStepper{
		endpoint: endpoint,
		client:   &http.Client{Timeout: 5 * time.Minute},
		logger:   log.With("component", "http_stepper"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

type stepRequest struct {
	Provider   string `json:"provider"`
	LastCursor string `json:"last_cursor,omitempty"`
}

type stepResponse struct {
	Cursor string `json:"cursor"`
	Done   bool   `json:"done"`
	Error  string `json:"error,omitempty"`
}

// Step performs one fetch step through the collaborator.
func (s *HTTPStepper) Step(ctx context.Context, record *ingestion.Record, lastCursor string) (ingestion.StepResult, error) {
	if s.limiter != nil {
		if err := s.limiter.Wait(ctx); err != nil {
			return ingestion.StepResult{}, fmt.Errorf("waiting for rate limiter: %w", err)
		}
	}

	body, err := json.Marshal(stepRequest{
		Provider:   record.ProviderName(),
		LastCursor: lastCursor,
	})
	if err != nil {
		return ingestion.StepResult{}, fmt.Errorf("encoding step request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewReader(body))
	if err != nil {
		return ingestion.StepResult{}, fmt.Errorf("building step request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return ingestion.StepResult{}, fmt.Errorf("step request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return ingestion.StepResult{}, fmt.Errorf("step collaborator returned status %d", resp.StatusCode)
	}

	var out stepResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return ingestion.StepResult{}, fmt.Errorf("decoding step response: %w", err)
	}
	if out.Error != "" {
		return ingestion.StepResult{}, fmt.Errorf("step collaborator: %s", out.Error)
	}

	return ingestion.StepResult{Cursor: out.Cursor, Done: out.Done}, nil
}

// Exhausted returns a stepper that reports exhaustion on the first step.
// Used when no collaborator endpoint is configured, so cycles complete
// immediately instead of hanging.
func Exhausted() ingestion.Stepper {
	return ingestion.StepperFunc(func(ctx context.Context, record *ingestion.Record, lastCursor string) (ingestion.StepResult, error) {
		return ingestion.StepResult{Done: true}, nil
	})
}
