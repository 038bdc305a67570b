package commitment

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/zkmarket/relayer/internal/pagination"
)

var ErrNotFound = errors.New("commitment: not found")

// Store persists commitment records keyed by hash.
type Store interface {
	Get(ctx context.Context, hash string) (*Commitment, error)
	Save(ctx context.Context, c *Commitment) error
	// List returns up to limit records newest first, ordered by
	// (UpdatedAt, Hash) descending and starting strictly after the cursor.
	List(ctx context.Context, state State, after *pagination.Cursor, limit int) ([]*Commitment, error)
}

// MemoryStore keeps commitments in process memory.
type MemoryStore struct {
	mu   sync.RWMutex
	byID map[string]*Commitment
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{byID: make(map[string]*Commitment)}
}

func (m *MemoryStore) Get(_ context.Context, hash string) (*Commitment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.byID[hash]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (m *MemoryStore) Save(_ context.Context, c *Commitment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *c
	m.byID[c.Hash] = &cp
	return nil
}

func (m *MemoryStore) List(_ context.Context, state State, after *pagination.Cursor, limit int) ([]*Commitment, error) {
	if limit <= 0 {
		limit = 50
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Commitment
	for _, c := range m.byID {
		if state != "" && c.State != state {
			continue
		}
		if !after.Before(c.UpdatedAt, c.Hash) {
			continue
		}
		cp := *c
		out = append(out, &cp)
	}
	sortNewest(out)
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func sortNewest(cs []*Commitment) {
	sort.Slice(cs, func(i, j int) bool {
		if cs[i].UpdatedAt.Equal(cs[j].UpdatedAt) {
			return cs[i].Hash > cs[j].Hash
		}
		return cs[i].UpdatedAt.After(cs[j].UpdatedAt)
	})
}
