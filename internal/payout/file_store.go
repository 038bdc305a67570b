package payout

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// historyCap bounds how many completed dispatches the file keeps.
const historyCap = 200

type fileState struct {
	Checkpoint *uint64           `json:"checkpoint,omitempty"`
	Carry      map[string]string `json:"carry,omitempty"`
	Pending    *Dispatch         `json:"pending,omitempty"`
	History    []*Dispatch       `json:"history,omitempty"`
}

// FileStore persists the checkpoint as a JSON document, rewritten atomically
// (temp file, fsync, rename) on every change. It is the single-node fallback
// when no database is configured.
type FileStore struct {
	path string
	mu   sync.Mutex
}

// NewFileStore opens (or prepares) the store at path.
func NewFileStore(path string) (*FileStore, error) {
	if path == "" {
		return nil, errors.New("payout: checkpoint file path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("payout: create checkpoint dir: %w", err)
	}
	fs := &FileStore{path: path}
	if _, err := fs.load(); err != nil {
		return nil, err
	}
	return fs, nil
}

func (f *FileStore) Checkpoint(_ context.Context) (uint64, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	st, err := f.load()
	if err != nil || st.Checkpoint == nil {
		return 0, false, err
	}
	return *st.Checkpoint, true, nil
}

func (f *FileStore) Pending(_ context.Context) (*Dispatch, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	st, err := f.load()
	if err != nil {
		return nil, err
	}
	return st.Pending, nil
}

func (f *FileStore) SavePending(_ context.Context, d *Dispatch) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	st, err := f.load()
	if err != nil {
		return err
	}
	for _, done := range st.History {
		if done.ID == d.ID {
			return ErrDispatchCompleted
		}
	}
	if st.Pending != nil && st.Pending.ID != d.ID {
		return ErrPendingExists
	}
	cp := cloneDispatch(d)
	cp.Status = StatusPending
	st.Pending = cp
	return f.save(st)
}

func (f *FileStore) Complete(_ context.Context, c Completion) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	st, err := f.load()
	if err != nil {
		return err
	}
	if st.Pending == nil || st.Pending.ID != c.ID {
		return ErrDispatchNotFound
	}

	d := st.Pending
	at := c.At
	d.Status = StatusCompleted
	d.BatchID = c.BatchID
	d.Duplicate = c.Duplicate
	d.LastError = ""
	d.UpdatedAt = at
	d.SettledAt = &at

	st.Pending = nil
	st.History = append([]*Dispatch{d}, st.History...)
	if len(st.History) > historyCap {
		st.History = st.History[:historyCap]
	}
	if st.Checkpoint == nil || c.ToBlock > *st.Checkpoint {
		to := c.ToBlock
		st.Checkpoint = &to
	}
	st.Carry = copyCarry(c.Carry)
	return f.save(st)
}

func (f *FileStore) Carry(_ context.Context) (map[string]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	st, err := f.load()
	if err != nil {
		return nil, err
	}
	return copyCarry(st.Carry), nil
}

func (f *FileStore) History(_ context.Context, limit int) ([]*Dispatch, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	st, err := f.load()
	if err != nil {
		return nil, err
	}
	out := make([]*Dispatch, 0, len(st.History)+1)
	if st.Pending != nil {
		out = append(out, st.Pending)
	}
	out = append(out, st.History...)
	sortHistory(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// caller holds f.mu
func (f *FileStore) load() (*fileState, error) {
	data, err := os.ReadFile(f.path)
	if errors.Is(err, os.ErrNotExist) {
		return &fileState{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("payout: read checkpoint file: %w", err)
	}
	var st fileState
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("payout: corrupt checkpoint file %s: %w", f.path, err)
	}
	return &st, nil
}

// caller holds f.mu
func (f *FileStore) save(st *fileState) error {
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(filepath.Dir(f.path), ".checkpoint-*")
	if err != nil {
		return fmt.Errorf("payout: write checkpoint file: %w", err)
	}
	defer func() { _ = os.Remove(tmp.Name()) }()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("payout: write checkpoint file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("payout: sync checkpoint file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("payout: write checkpoint file: %w", err)
	}
	if err := os.Rename(tmp.Name(), f.path); err != nil {
		return fmt.Errorf("payout: replace checkpoint file: %w", err)
	}
	return nil
}
