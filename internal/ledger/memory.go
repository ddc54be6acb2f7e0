package ledger

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// MemoryStore is an in-memory, thread-safe Store. It is useful for tests and
// for single-process deployments that do not need to survive restarts.
type MemoryStore struct {
	mu     sync.RWMutex
	blocks []*Block
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

// Tail implements Store.
func (s *MemoryStore) Tail(_ context.Context) (*Block, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.blocks) == 0 {
		return nil, ErrNotFound
	}
	return s.blocks[len(s.blocks)-1].Clone(), nil
}

// Get implements Store.
func (s *MemoryStore) Get(_ context.Context, index int64) (*Block, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b := s.lookup(index)
	if b == nil {
		return nil, fmt.Errorf("get block %d: %w", index, ErrNotFound)
	}
	return b.Clone(), nil
}

// Insert implements Store.
func (s *MemoryStore) Insert(_ context.Context, b *Block) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	tailHash := GenesisPrevHash
	if n := len(s.blocks); n > 0 {
		tailHash = s.blocks[n-1].Hash
	}
	if err := checkSuccessor(b, int64(len(s.blocks)), tailHash); err != nil {
		return err
	}
	if b.ID == "" {
		b.ID = uuid.NewString()
	}
	s.blocks = append(s.blocks, b.Clone())
	return nil
}

// UpdateLinks implements Store.
func (s *MemoryStore) UpdateLinks(_ context.Context, index int64, expect, next Links) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	b := s.lookup(index)
	if b == nil {
		return fmt.Errorf("update block %d: %w", index, ErrNotFound)
	}
	if b.PrevHash != expect.PrevHash || b.Hash != expect.Hash {
		return fmt.Errorf("update block %d: %w", index, ErrStaleBlock)
	}
	b.PrevHash = next.PrevHash
	b.Hash = next.Hash
	return nil
}

// Scan implements Store. It works on a snapshot so fn may call back into the store.
func (s *MemoryStore) Scan(ctx context.Context, from int64, fn func(*Block) error) error {
	s.mu.RLock()
	snapshot := make([]*Block, 0, len(s.blocks))
	for _, b := range s.blocks {
		if b.Index >= from {
			snapshot = append(snapshot, b.Clone())
		}
	}
	s.mu.RUnlock()

	for _, b := range snapshot {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(b); err != nil {
			return err
		}
	}
	return nil
}

// Count implements Store.
func (s *MemoryStore) Count(_ context.Context, f Filter) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var n int64
	for _, b := range s.blocks {
		if f.matches(b) {
			n++
		}
	}
	return n, nil
}

// List implements Store.
func (s *MemoryStore) List(_ context.Context, f Filter, limit, offset int) ([]*Block, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := []*Block{}
	skipped := 0
	for i := len(s.blocks) - 1; i >= 0 && len(out) < limit; i-- {
		b := s.blocks[i]
		if !f.matches(b) {
			continue
		}
		if skipped < offset {
			skipped++
			continue
		}
		out = append(out, b.Clone())
	}
	return out, nil
}

// CountBy implements Store.
func (s *MemoryStore) CountBy(_ context.Context) (GroupCounts, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	gc := GroupCounts{ByEntity: map[string]int64{}, ByAction: map[string]int64{}}
	for _, b := range s.blocks {
		gc.ByEntity[b.Data.Entity]++
		gc.ByAction[b.Data.Action]++
	}
	return gc, nil
}

// lookup finds the block at index. Callers must hold s.mu.
func (s *MemoryStore) lookup(index int64) *Block {
	if index >= 0 && index < int64(len(s.blocks)) && s.blocks[index].Index == index {
		return s.blocks[index]
	}
	for _, b := range s.blocks {
		if b.Index == index {
			return b
		}
	}
	return nil
}
