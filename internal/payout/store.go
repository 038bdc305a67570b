package payout

import (
	"context"
	"errors"
	"sort"
	"sync"
)

var (
	ErrDispatchNotFound  = errors.New("payout: dispatch not found")
	ErrPendingExists     = errors.New("payout: another dispatch is pending")
	ErrDispatchCompleted = errors.New("payout: dispatch already completed")
)

// Store persists the checkpoint and dispatch records. Complete must mark the
// dispatch completed and advance the checkpoint in one step: a crash between
// the two would otherwise either lose the range or pay it twice.
type Store interface {
	// Checkpoint returns the last reconciled height; ok is false when no
	// reconciliation has completed yet.
	Checkpoint(ctx context.Context) (height uint64, ok bool, err error)

	// Pending returns the dispatch awaiting gateway acceptance, or nil.
	Pending(ctx context.Context) (*Dispatch, error)

	// SavePending inserts or updates the pending dispatch. At most one
	// dispatch may be pending; saving a different id returns ErrPendingExists
	// and saving a completed id returns ErrDispatchCompleted.
	SavePending(ctx context.Context, d *Dispatch) error

	// Complete marks the pending dispatch completed, moves the checkpoint
	// to c.ToBlock (never backwards) and replaces the carry with c.Carry.
	// A dispatch that is not pending yields ErrDispatchNotFound.
	Complete(ctx context.Context, c Completion) error

	// Carry returns the sub-cent remainders, in token units, owed to each
	// recipient by completed dispatches.
	Carry(ctx context.Context) (map[string]string, error)

	// History lists dispatches, newest first.
	History(ctx context.Context, limit int) ([]*Dispatch, error)
}

// Locker is implemented by stores that can exclude other relayer processes
// from reconciling the same checkpoint.
type Locker interface {
	Lock(ctx context.Context) (unlock func(), err error)
}

// MemoryStore keeps everything in process memory. Used in tests.
type MemoryStore struct {
	mu         sync.RWMutex
	checkpoint uint64
	hasCP      bool
	carry      map[string]string
	dispatches map[string]*Dispatch
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{dispatches: make(map[string]*Dispatch)}
}

func (m *MemoryStore) Checkpoint(_ context.Context) (uint64, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.checkpoint, m.hasCP, nil
}

// SetCheckpoint seeds the checkpoint.
func (m *MemoryStore) SetCheckpoint(height uint64) {
	m.mu.Lock()
	m.checkpoint, m.hasCP = height, true
	m.mu.Unlock()
}

func (m *MemoryStore) Pending(_ context.Context) (*Dispatch, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, d := range m.dispatches {
		if d.Status == StatusPending {
			return cloneDispatch(d), nil
		}
	}
	return nil, nil
}

func (m *MemoryStore) SavePending(_ context.Context, d *Dispatch) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if prev, ok := m.dispatches[d.ID]; ok && prev.Status != StatusPending {
		return ErrDispatchCompleted
	}
	for id, other := range m.dispatches {
		if other.Status == StatusPending && id != d.ID {
			return ErrPendingExists
		}
	}
	cp := cloneDispatch(d)
	cp.Status = StatusPending
	m.dispatches[d.ID] = cp
	return nil
}

func (m *MemoryStore) Complete(_ context.Context, c Completion) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.dispatches[c.ID]
	if !ok || d.Status != StatusPending {
		return ErrDispatchNotFound
	}
	at := c.At
	d.Status = StatusCompleted
	d.BatchID = c.BatchID
	d.Duplicate = c.Duplicate
	d.LastError = ""
	d.UpdatedAt = at
	d.SettledAt = &at
	if !m.hasCP || c.ToBlock > m.checkpoint {
		m.checkpoint, m.hasCP = c.ToBlock, true
	}
	m.carry = copyCarry(c.Carry)
	return nil
}

func (m *MemoryStore) Carry(_ context.Context) (map[string]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return copyCarry(m.carry), nil
}

func (m *MemoryStore) History(_ context.Context, limit int) ([]*Dispatch, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Dispatch, 0, len(m.dispatches))
	for _, d := range m.dispatches {
		out = append(out, cloneDispatch(d))
	}
	sortHistory(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func sortHistory(ds []*Dispatch) {
	sort.Slice(ds, func(i, j int) bool {
		if ds[i].ToBlock != ds[j].ToBlock {
			return ds[i].ToBlock > ds[j].ToBlock
		}
		return ds[i].CreatedAt.After(ds[j].CreatedAt)
	})
}

func copyCarry(c map[string]string) map[string]string {
	out := make(map[string]string, len(c))
	for r, v := range c {
		out[r] = v
	}
	return out
}

func cloneDispatch(d *Dispatch) *Dispatch {
	cp := *d
	cp.Items = append([]Item(nil), d.Items...)
	if d.Carry != nil {
		cp.Carry = copyCarry(d.Carry)
	}
	if d.SettledAt != nil {
		t := *d.SettledAt
		cp.SettledAt = &t
	}
	return &cp
}
