package identity

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/medscribe/medscribe/internal/platform/sentinel"
)

// MemoryRepo is the fallback user store. Callers always receive copies.
type MemoryRepo struct {
	mu      sync.RWMutex
	byID    map[string]*User
	byEmail map[string]string
	now     func() time.Time
}

func NewMemoryRepo() *MemoryRepo {
	return &MemoryRepo{
		byID:    make(map[string]*User),
		byEmail: make(map[string]string),
		now:     time.Now,
	}
}

func (m *MemoryRepo) Create(_ context.Context, u *User) error {
	u.prepare()

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.byEmail[u.Email]; exists {
		return sentinel.ErrDuplicateEmail
	}
	u.ID = uuid.NewString()
	u.IsActive = true
	u.CreatedAt = m.now().UTC()

	stored := *u
	m.byID[u.ID] = &stored
	m.byEmail[u.Email] = u.ID
	return nil
}

func (m *MemoryRepo) GetByEmail(_ context.Context, email string) (*User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.byEmail[NormalizeEmail(email)]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	u := *m.byID[id]
	return &u, nil
}

func (m *MemoryRepo) GetByID(_ context.Context, id string) (*User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stored, ok := m.byID[id]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	u := *stored
	return &u, nil
}

func (m *MemoryRepo) UpdateAccess(_ context.Context, id string, upd AccessUpdate) (*User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored, ok := m.byID[id]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	upd.Apply(stored)
	u := *stored
	return &u, nil
}

// Len returns the number of stored users.
func (m *MemoryRepo) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.byID)
}
