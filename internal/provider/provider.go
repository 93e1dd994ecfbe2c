// Package provider defines the uniform contract over external rendering
// backends and the registry resolving a provider name to an implementation.
package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// DefaultTimeout caps a single provider call.
const DefaultTimeout = 60 * time.Second

var (
	// ErrUnknownProvider is returned by the registry for unregistered names.
	ErrUnknownProvider = errors.New("unknown provider")
	// ErrProviderTimeout indicates the call exceeded its deadline. Retryable.
	ErrProviderTimeout = errors.New("provider timeout")
	// ErrProviderUnavailable indicates a transport-level failure. Retryable.
	ErrProviderUnavailable = errors.New("provider unavailable")
	// ErrProviderRejected indicates the provider refused the payload. Terminal.
	ErrProviderRejected = errors.New("provider rejected payload")
)

// ProgressFunc receives progress reports during a submission. Implementations
// guarantee it is invoked at most once per reported percentage step and that
// reported percentages never decrease.
type ProgressFunc func(stage string, percent int)

// SubmitRequest is the canonical submission payload. Provider-specific
// option shapes stay opaque; only the concrete gateway interprets them.
type SubmitRequest struct {
	ImageURL    string          `json:"image_url"`
	Masks       []string        `json:"masks,omitempty"`
	Options     json.RawMessage `json:"options,omitempty"`
	Calibration json.RawMessage `json:"calibration,omitempty"`
	Model       string          `json:"model,omitempty"`

	// OnProgress, when set, receives monotonic progress reports.
	OnProgress ProgressFunc `json:"-"`
	// Timeout bounds the call; zero means DefaultTimeout.
	Timeout time.Duration `json:"-"`
}

// VariantResult is one output image returned by a provider.
type VariantResult struct {
	URL string `json:"url"`
}

// Result is the canonical outcome of a successful submission.
type Result struct {
	ProviderJobID string          `json:"provider_job_id,omitempty"`
	Variants      []VariantResult `json:"variants"`
	CostMicros    int64           `json:"cost_micros"`
}

// Gateway is the uniform contract over heterogeneous rendering backends.
type Gateway interface {
	// Name returns the provider name the gateway is registered under.
	Name() string

	// Submit sends the payload to the provider and blocks until it returns
	// a canonical result or fails with one of the package errors.
	Submit(ctx context.Context, req SubmitRequest) (*Result, error)
}

// Canceler is implemented by gateways that support a best-effort cancel
// hint for an in-flight provider job.
type Canceler interface {
	Cancel(ctx context.Context, providerJobID string) error
}

// Registry resolves provider names to gateways. It is an explicit map
// passed in at construction so tests can substitute fakes.
type Registry struct {
	gateways map[string]Gateway
}

// NewRegistry creates a registry over the given gateways, keyed by Name().
func NewRegistry(gateways ...Gateway) *Registry {
	m := make(map[string]Gateway, len(gateways))
	for _, g := range gateways {
		m[g.Name()] = g
	}
	return &Registry{gateways: m}
}

// Get resolves a provider name. Unknown names fail here, at submission
// time, not at dispatch time.
func (r *Registry) Get(name string) (Gateway, error) {
	g, ok := r.gateways[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownProvider, name)
	}
	return g, nil
}

// Names returns the registered provider names.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.gateways))
	for name := range r.gateways {
		names = append(names, name)
	}
	return names
}

// IsRetryable classifies a provider error for the dispatcher: timeouts and
// transport failures are worth retrying, rejections and unknown providers
// are not.
func IsRetryable(err error) bool {
	if errors.Is(err, ErrProviderRejected) || errors.Is(err, ErrUnknownProvider) {
		return false
	}
	return true
}

// monotonicProgress wraps a ProgressFunc so percentages never decrease and
// each step is reported at most once.
func monotonicProgress(fn ProgressFunc) ProgressFunc {
	if fn == nil {
		return func(string, int) {}
	}
	last := -1
	return func(stage string, percent int) {
		if percent <= last {
			return
		}
		last = percent
		fn(stage, percent)
	}
}
