package memory

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/smartsanitation/fleet-core/internal/core/domain"
)

type AuthRepository struct {
	mu    sync.RWMutex
	users map[string]domain.User
}

func NewAuthRepository() *AuthRepository {
	return &AuthRepository{users: make(map[string]domain.User)}
}

func (r *AuthRepository) Create(_ context.Context, user *domain.User) (*domain.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.users[user.Username]; exists {
		return nil, domain.ErrUserExists
	}
	u := *user
	if u.ID == "" {
		u.ID = uuid.NewString()
	}
	r.users[u.Username] = u
	return &u, nil
}

func (r *AuthRepository) FindByUsername(_ context.Context, username string) (*domain.User, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	u, ok := r.users[username]
	if !ok {
		return nil, domain.ErrUserNotFound
	}
	return &u, nil
}
