package provider

import (
	"context"
	"fmt"
	"sync"
)

// MockName is the registry name of the mock gateway.
const MockName = "mock"

// Mock is a deterministic in-memory gateway used in tests and local
// development. It reports staged progress and returns a fixed number of
// variants derived from the input URL.
type Mock struct {
	// VariantCount is the number of variants returned per submission.
	VariantCount int
	// CostMicros is the cost reported on every result.
	CostMicros int64
	// Err, when set, is returned by Submit instead of a result.
	Err error

	mu        sync.Mutex
	submitted []SubmitRequest
	canceled  []string
}

// NewMock creates a mock gateway returning two variants at 1500 microdollars.
func NewMock() *Mock {
	return &Mock{VariantCount: 2, CostMicros: 1500}
}

// Name implements Gateway.
func (m *Mock) Name() string { return MockName }

// Submit implements Gateway.
func (m *Mock) Submit(ctx context.Context, req SubmitRequest) (*Result, error) {
	m.mu.Lock()
	m.submitted = append(m.submitted, req)
	m.mu.Unlock()

	if m.Err != nil {
		return nil, m.Err
	}
	if err := ctx.Err(); err != nil {
		return nil, ErrProviderTimeout
	}

	progress := monotonicProgress(req.OnProgress)
	progress("rendering", 25)
	progress("rendering", 50)
	progress("rendering", 75)

	variants := make([]VariantResult, m.VariantCount)
	for i := range variants {
		variants[i] = VariantResult{URL: fmt.Sprintf("%s#variant-%d", req.ImageURL, i)}
	}

	return &Result{
		ProviderJobID: fmt.Sprintf("mock-%d", len(m.submitted)),
		Variants:      variants,
		CostMicros:    m.CostMicros,
	}, nil
}

// Cancel implements Canceler.
func (m *Mock) Cancel(_ context.Context, providerJobID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.canceled = append(m.canceled, providerJobID)
	return nil
}

// Submitted returns a copy of the submissions received so far.
func (m *Mock) Submitted() []SubmitRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]SubmitRequest, len(m.submitted))
	copy(out, m.submitted)
	return out
}

// Canceled returns the provider job IDs cancel was called with.
func (m *Mock) Canceled() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.canceled))
	copy(out, m.canceled)
	return out
}
