package store

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"schemaflow/internal/domain"
)

// ErrNotFound is returned for tokens that never existed, expired, or were
// already consumed. Callers cannot tell those cases apart.
var ErrNotFound = errors.New("not found")

// Store is the pending-approval store contract. Implementations must make
// every operation atomic with respect to concurrent callers on the same
// token; in particular two racing Consume calls on one token see exactly
// one succeed.
//
// RecordDecision does not fail when a decision already exists: the new one
// overwrites the old (last-write-wins). A hardened implementation would
// reject or require identical resubmission.
type Store interface {
	// Create persists the state under a fresh unique token and returns it.
	Create(ctx context.Context, state domain.PendingApproval) (string, error)
	// Get returns the pending state, or ErrNotFound.
	Get(ctx context.Context, token string) (domain.PendingApproval, error)
	// RecordDecision attaches the human decision; ErrNotFound if absent.
	RecordDecision(ctx context.Context, token string, d domain.ApprovalDecision) error
	// GetDecision returns the recorded decision; ErrNotFound if the token
	// is absent or no decision has been submitted yet.
	GetDecision(ctx context.Context, token string) (domain.ApprovalDecision, error)
	// Consume atomically reads and removes the state, or ErrNotFound.
	Consume(ctx context.Context, token string) (domain.PendingApproval, error)
}

// Memory is a process-local Store for tests and single-process runs.
type Memory struct {
	mu        sync.Mutex
	states    map[string]domain.PendingApproval
	decisions map[string]domain.ApprovalDecision
	Now       func() time.Time
}

func NewMemory() *Memory {
	return &Memory{
		states:    map[string]domain.PendingApproval{},
		decisions: map[string]domain.ApprovalDecision{},
	}
}

func (m *Memory) now() time.Time {
	if m.Now != nil {
		return m.Now()
	}
	return time.Now()
}

func (m *Memory) Create(ctx context.Context, state domain.PendingApproval) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	token := uuid.New().String()
	state.Token = token
	if state.CreatedAt == "" {
		state.CreatedAt = m.now().UTC().Format(time.RFC3339)
	}
	m.states[token] = state
	return token, nil
}

func (m *Memory) Get(ctx context.Context, token string) (domain.PendingApproval, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	state, ok := m.states[token]
	if !ok {
		return domain.PendingApproval{}, ErrNotFound
	}
	return state, nil
}

func (m *Memory) RecordDecision(ctx context.Context, token string, d domain.ApprovalDecision) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.states[token]; !ok {
		return ErrNotFound
	}
	m.decisions[token] = d
	return nil
}

func (m *Memory) GetDecision(ctx context.Context, token string) (domain.ApprovalDecision, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.states[token]; !ok {
		return domain.ApprovalDecision{}, ErrNotFound
	}
	d, ok := m.decisions[token]
	if !ok {
		return domain.ApprovalDecision{}, ErrNotFound
	}
	return d, nil
}

func (m *Memory) Consume(ctx context.Context, token string) (domain.PendingApproval, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	state, ok := m.states[token]
	if !ok {
		return domain.PendingApproval{}, ErrNotFound
	}
	delete(m.states, token)
	delete(m.decisions, token)
	return state, nil
}
