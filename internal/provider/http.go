package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/lucentlabs/lucent/internal/retry"
)

// HTTPGatewayConfig configures an HTTP-backed rendering provider.
type HTTPGatewayConfig struct {
	// ProviderName is the registry name, e.g. "magnific".
	ProviderName string
	// BaseURL is the provider API root.
	BaseURL string
	// APIToken is sent as a bearer token.
	APIToken string
	// Timeout bounds a single submission; zero means DefaultTimeout.
	Timeout time.Duration
}

// HTTPGateway talks to a rendering provider over its JSON HTTP API. The
// provider processes the submission synchronously and responds with the
// final variants and cost; transport blips within one call are absorbed by
// a short in-process retry.
type HTTPGateway struct {
	config     HTTPGatewayConfig
	httpClient *http.Client
}

// NewHTTPGateway creates a new HTTP-backed gateway.
func NewHTTPGateway(config HTTPGatewayConfig) *HTTPGateway {
	if config.Timeout <= 0 || config.Timeout > DefaultTimeout {
		config.Timeout = DefaultTimeout
	}
	return &HTTPGateway{
		config: config,
		httpClient: &http.Client{
			Timeout: config.Timeout,
		},
	}
}

// Name implements Gateway.
func (g *HTTPGateway) Name() string { return g.config.ProviderName }

type httpSubmitResponse struct {
	JobID      string `json:"job_id"`
	CostMicros int64  `json:"cost_micros"`
	Variants   []struct {
		URL string `json:"url"`
	} `json:"variants"`
}

// Submit implements Gateway.
func (g *HTTPGateway) Submit(ctx context.Context, req SubmitRequest) (*Result, error) {
	timeout := req.Timeout
	if timeout <= 0 || timeout > g.config.Timeout {
		timeout = g.config.Timeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("%w: marshal payload: %v", ErrProviderRejected, err)
	}

	var result *Result
	err = retry.Do(ctx, func() error {
		result, err = g.submitOnce(ctx, body)
		return err
	}, retry.Options{
		MaxRetries: 2,
		Delay:      500 * time.Millisecond,
		Retryable: func(err error) bool {
			return errors.Is(err, ErrProviderUnavailable)
		},
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (g *HTTPGateway) submitOnce(ctx context.Context, body []byte) (*Result, error) {
	url := fmt.Sprintf("%s/v1/enhancements", g.config.BaseURL)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
	}
	httpReq.Header.Set("Authorization", fmt.Sprintf("Bearer %s", g.config.APIToken))
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")

	resp, err := g.httpClient.Do(httpReq)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, ErrProviderTimeout
		}
		return nil, fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: read response: %v", ErrProviderUnavailable, err)
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		// fall through to decode
	case resp.StatusCode == http.StatusRequestTimeout || resp.StatusCode == http.StatusGatewayTimeout:
		return nil, ErrProviderTimeout
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return nil, fmt.Errorf("%w: status %d: %s", ErrProviderRejected, resp.StatusCode, respBody)
	default:
		return nil, fmt.Errorf("%w: status %d", ErrProviderUnavailable, resp.StatusCode)
	}

	var parsed httpSubmitResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return nil, fmt.Errorf("%w: decode response: %v", ErrProviderUnavailable, err)
	}

	result := &Result{
		ProviderJobID: parsed.JobID,
		CostMicros:    parsed.CostMicros,
	}
	for _, v := range parsed.Variants {
		result.Variants = append(result.Variants, VariantResult{URL: v.URL})
	}
	return result, nil
}

// Cancel implements Canceler with a best-effort DELETE; errors are
// returned for the caller to log, never acted on.
func (g *HTTPGateway) Cancel(ctx context.Context, providerJobID string) error {
	url := fmt.Sprintf("%s/v1/enhancements/%s", g.config.BaseURL, providerJobID)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodDelete, url, nil)
	if err != nil {
		return err
	}
	httpReq.Header.Set("Authorization", fmt.Sprintf("Bearer %s", g.config.APIToken))

	resp, err := g.httpClient.Do(httpReq)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("cancel returned status %d", resp.StatusCode)
	}
	return nil
}
