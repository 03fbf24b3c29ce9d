package audit

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"security-core/internal/security"
)

// MemoryRepo is a simple in-memory append-only repository useful for tests.
// It is not intended for production use.
type MemoryRepo struct {
	mu      sync.Mutex
	entries []security.AuditLog
}

func NewMemoryRepo() *MemoryRepo { return &MemoryRepo{} }

func (r *MemoryRepo) Append(ctx context.Context, e security.AuditLog) error {
	if e.TenantSchema == "" {
		return security.ErrTenantRequired
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, x := range r.entries {
		if x.ID == e.ID {
			return fmt.Errorf("%w: audit entry %s", security.ErrDuplicate, e.ID)
		}
	}
	r.entries = append(r.entries, e)
	return nil
}

func (r *MemoryRepo) Get(ctx context.Context, tenant, id string) (security.AuditLog, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.entries {
		if e.TenantSchema == tenant && e.ID == id {
			return e, nil
		}
	}
	return security.AuditLog{}, ErrNotFound
}

func (r *MemoryRepo) List(ctx context.Context, tenant string, f Filter) ([]security.AuditLog, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]security.AuditLog, 0)
	for _, e := range r.entries {
		if e.TenantSchema != tenant || !matches(e, f) {
			continue
		}
		out = append(out, e)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if f.Offset > 0 {
		if f.Offset >= len(out) {
			return []security.AuditLog{}, nil
		}
		out = out[f.Offset:]
	}
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

// DeleteCreatedBefore removes entries older than cutoff for one tenant.
func (r *MemoryRepo) DeleteCreatedBefore(ctx context.Context, tenant string, cutoff time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	kept := r.entries[:0]
	var n int64
	for _, e := range r.entries {
		if e.TenantSchema == tenant && e.CreatedAt.Before(cutoff) {
			n++
			continue
		}
		kept = append(kept, e)
	}
	r.entries = kept
	return n, nil
}

// Entries returns a copy of everything stored, across tenants.
func (r *MemoryRepo) Entries() []security.AuditLog {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]security.AuditLog, len(r.entries))
	copy(out, r.entries)
	return out
}

func matches(e security.AuditLog, f Filter) bool {
	if f.UserID != "" && e.UserID != f.UserID {
		return false
	}
	if f.Action != "" && e.Action != f.Action {
		return false
	}
	if f.ModelName != "" && e.ModelName != f.ModelName {
		return false
	}
	if f.ObjectID != "" && e.ObjectID != f.ObjectID {
		return false
	}
	if !f.From.IsZero() && e.CreatedAt.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && !e.CreatedAt.Before(f.To) {
		return false
	}
	return true
}
