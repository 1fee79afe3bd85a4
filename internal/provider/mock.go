package provider

import (
	"context"
	"fmt"
	"sync"

	"github.com/stallwise/paycore/internal/idgen"
)

// Mock is an in-memory rail for tests and local development. Every
// created payment starts pending; tests drive it forward by setting
// statuses or scripting errors.
type Mock struct {
	mu           sync.Mutex
	statuses     map[string]Status
	captured     map[string]string
	captureCalls map[string]int
	refunded     map[string]string

	// Scripted failures, consumed per call when set.
	CreateErr  error
	StatusErr  error
	CaptureErr error
	RefundErr  error

	// Secret accepted by VerifyWebhookSignature. Empty accepts anything.
	Secret string
}

// NewMock returns an empty mock rail.
func NewMock() *Mock {
	return &Mock{
		statuses:     make(map[string]Status),
		captured:     make(map[string]string),
		captureCalls: make(map[string]int),
		refunded:     make(map[string]string),
	}
}

func (m *Mock) Name() string { return "mock" }

func (m *Mock) CreatePayment(ctx context.Context, req CreateRequest) (*Handle, error) {
	if m.CreateErr != nil {
		return nil, m.CreateErr
	}
	id := idgen.WithPrefix("mck_")
	m.mu.Lock()
	m.statuses[id] = StatusPending
	m.mu.Unlock()
	return &Handle{ExternalID: id, ConfirmationTarget: "mock://" + id}, nil
}

func (m *Mock) GetStatus(ctx context.Context, externalID string) (Status, error) {
	if m.StatusErr != nil {
		return "", m.StatusErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.statuses[externalID]
	if !ok {
		return "", fmt.Errorf("mock: unknown payment %s", externalID)
	}
	return st, nil
}

func (m *Mock) Capture(ctx context.Context, externalID string, amount string) error {
	if m.CaptureErr != nil {
		return m.CaptureErr
	}
	m.mu.Lock()
	m.captured[externalID] = amount
	m.captureCalls[externalID]++
	m.mu.Unlock()
	return nil
}

func (m *Mock) Refund(ctx context.Context, externalID, amount, reason string) error {
	if m.RefundErr != nil {
		return m.RefundErr
	}
	m.mu.Lock()
	m.refunded[externalID] = amount
	m.mu.Unlock()
	return nil
}

func (m *Mock) Cancel(ctx context.Context, externalID string) error {
	m.mu.Lock()
	m.statuses[externalID] = StatusFailed
	m.mu.Unlock()
	return nil
}

func (m *Mock) VerifyWebhookSignature(payload []byte, header string) error {
	if m.Secret == "" || header == m.Secret {
		return nil
	}
	return ErrSignature
}

// SetStatus scripts the status a later GetStatus call reports.
func (m *Mock) SetStatus(externalID string, st Status) {
	m.mu.Lock()
	m.statuses[externalID] = st
	m.mu.Unlock()
}

// Captured reports the amount passed to Capture, if any.
func (m *Mock) Captured(externalID string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	amt, ok := m.captured[externalID]
	return amt, ok
}

// CaptureCalls reports how many times Capture ran for the payment.
func (m *Mock) CaptureCalls(externalID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.captureCalls[externalID]
}

// Refunded reports the amount passed to Refund, if any.
func (m *Mock) Refunded(externalID string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	amt, ok := m.refunded[externalID]
	return amt, ok
}
