package directory

import (
	"context"
	"fmt"
	"sync"

	"security-core/internal/security"
)

var ErrNotFound = fmt.Errorf("directory: user %w", security.ErrNotFound)

// User is the minimal identity used to attribute notes and audit entries.
type User struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Email    string `json:"email,omitempty"`
}

// Directory resolves user ids within one tenant.
type Directory interface {
	Lookup(ctx context.Context, tenant, id string) (User, error)
}

// MemoryDirectory is an in-process Directory.
type MemoryDirectory struct {
	mu    sync.RWMutex
	users map[string]User
}

func NewMemoryDirectory() *MemoryDirectory {
	return &MemoryDirectory{users: map[string]User{}}
}

func (d *MemoryDirectory) Put(tenant string, u User) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.users[tenant+"|"+u.ID] = u
}

func (d *MemoryDirectory) Lookup(ctx context.Context, tenant, id string) (User, error) {
	if tenant == "" {
		return User{}, security.ErrTenantRequired
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	u, ok := d.users[tenant+"|"+id]
	if !ok {
		return User{}, ErrNotFound
	}
	return u, nil
}
