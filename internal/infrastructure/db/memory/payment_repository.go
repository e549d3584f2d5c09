package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/smartsanitation/fleet-core/internal/core/domain"
	"github.com/smartsanitation/fleet-core/internal/core/ports"
)

type PaymentRepository struct {
	mu       sync.RWMutex
	attempts map[string]*domain.PaymentAttempt
	byRef    map[string]string // provider|reference -> id
	byKey    map[string]string // idempotency key -> id
}

func NewPaymentRepository() *PaymentRepository {
	return &PaymentRepository{
		attempts: make(map[string]*domain.PaymentAttempt),
		byRef:    make(map[string]string),
		byKey:    make(map[string]string),
	}
}

func refKey(provider domain.Provider, ref string) string { return string(provider) + "|" + ref }

func (r *PaymentRepository) Create(_ context.Context, p *domain.PaymentAttempt) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.attempts[p.ID]; ok {
		return domain.ErrDuplicateAttempt
	}
	if _, ok := r.byKey[p.IdempotencyKey]; ok && p.IdempotencyKey != "" {
		return domain.ErrDuplicateAttempt
	}
	if _, ok := r.byRef[refKey(p.Provider, p.ExternalReference)]; ok && p.ExternalReference != "" {
		return domain.ErrDuplicateAttempt
	}

	r.attempts[p.ID] = p.Clone()
	if p.IdempotencyKey != "" {
		r.byKey[p.IdempotencyKey] = p.ID
	}
	if p.ExternalReference != "" {
		r.byRef[refKey(p.Provider, p.ExternalReference)] = p.ID
	}
	return nil
}

func (r *PaymentRepository) FindByID(_ context.Context, id string) (*domain.PaymentAttempt, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.get(id)
}

func (r *PaymentRepository) FindByExternalReference(_ context.Context, provider domain.Provider, ref string) (*domain.PaymentAttempt, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.get(r.byRef[refKey(provider, ref)])
}

func (r *PaymentRepository) FindByIdempotencyKey(_ context.Context, key string) (*domain.PaymentAttempt, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.get(r.byKey[key])
}

func (r *PaymentRepository) get(id string) (*domain.PaymentAttempt, error) {
	p, ok := r.attempts[id]
	if !ok {
		return nil, domain.ErrAttemptNotFound
	}
	return p.Clone(), nil
}

func (r *PaymentRepository) Transition(_ context.Context, p *domain.PaymentAttempt, from domain.PaymentStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	cur, ok := r.attempts[p.ID]
	if !ok {
		return domain.ErrAttemptNotFound
	}
	if cur.Status != from {
		return domain.ErrStaleWrite
	}
	r.attempts[p.ID] = p.Clone()
	if p.ExternalReference != "" {
		r.byRef[refKey(p.Provider, p.ExternalReference)] = p.ID
	}
	return nil
}

func (r *PaymentRepository) ListOpenBefore(_ context.Context, provider domain.Provider, before time.Time) ([]*domain.PaymentAttempt, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*domain.PaymentAttempt
	for _, p := range r.attempts {
		if p.Provider == provider && !p.Status.Terminal() && p.CreatedAt.Before(before) {
			out = append(out, p.Clone())
		}
	}
	return out, nil
}

func (r *PaymentRepository) List(_ context.Context, f ports.ListPaymentsFilter) ([]*domain.PaymentAttempt, int64, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	matched := make([]*domain.PaymentAttempt, 0)
	for _, p := range r.attempts {
		if f.Provider != "" && string(p.Provider) != f.Provider {
			continue
		}
		if f.Status != "" && string(p.Status) != f.Status {
			continue
		}
		matched = append(matched, p)
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].CreatedAt.After(matched[j].CreatedAt) })

	total := int64(len(matched))
	start := (f.Page - 1) * f.Limit
	if start < 0 || start >= len(matched) {
		return []*domain.PaymentAttempt{}, total, nil
	}
	end := start + f.Limit
	if f.Limit <= 0 || end > len(matched) {
		end = len(matched)
	}

	out := make([]*domain.PaymentAttempt, 0, end-start)
	for _, p := range matched[start:end] {
		out = append(out, p.Clone())
	}
	return out, total, nil
}
