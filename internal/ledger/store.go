package ledger

import (
	"context"
	"errors"
	"fmt"
)

// errStopScan ends a Scan early without reporting a failure.
var errStopScan = errors.New("stop scan")

// Filter narrows list and count queries. Empty fields match everything.
// Search is a case-insensitive substring match over action, entity,
// entityId, actorId and the payload text.
type Filter struct {
	Entity  string
	Action  string
	ActorID string
	Search  string
}

// Links are the two structural fields repair is allowed to rewrite.
type Links struct {
	PrevHash string
	Hash     string
}

// GroupCounts holds block counts grouped by entity and by action.
type GroupCounts struct {
	ByEntity map[string]int64
	ByAction map[string]int64
}

// Store is the ordered block table behind the ledger. Every Ledger operation
// reads through it, so several processes sharing one durable Store stay
// consistent.
type Store interface {
	// Tail returns the block with the highest index, or ErrNotFound when empty.
	Tail(ctx context.Context) (*Block, error)

	// Get returns the block at index, or ErrNotFound.
	Get(ctx context.Context, index int64) (*Block, error)

	// Insert persists a new block. It returns ErrIndexConflict when the index
	// is already taken or is not the successor of the current tail.
	Insert(ctx context.Context, b *Block) error

	// UpdateLinks rewrites prevHash and hash of the block at index, provided
	// the stored values still equal expect. Otherwise it returns ErrStaleBlock.
	UpdateLinks(ctx context.Context, index int64, expect, next Links) error

	// Scan calls fn for every block with Index >= from in ascending order.
	// An error from fn stops the scan and is returned unchanged.
	Scan(ctx context.Context, from int64, fn func(*Block) error) error

	// Count returns the number of blocks matching f.
	Count(ctx context.Context, f Filter) (int64, error)

	// List returns blocks matching f in descending index order.
	List(ctx context.Context, f Filter, limit, offset int) ([]*Block, error)

	// CountBy groups all blocks by entity and by action.
	CountBy(ctx context.Context) (GroupCounts, error)
}

// Locker is implemented by stores that can hold off writers in other
// processes while a repair runs.
type Locker interface {
	LockWriters(ctx context.Context) (unlock func(), err error)
}

// checkSuccessor reports ErrIndexConflict unless b directly extends the tail
// currently in the store. A mismatched prevHash means the tail was relinked
// by a repair after b was built.
func checkSuccessor(b *Block, next int64, tailHash string) error {
	if b.Index != next {
		return fmt.Errorf("insert block %d (next is %d): %w", b.Index, next, ErrIndexConflict)
	}
	if b.PrevHash != tailHash {
		return fmt.Errorf("insert block %d: prevHash %q does not match tail hash %q: %w",
			b.Index, b.PrevHash, tailHash, ErrIndexConflict)
	}
	return nil
}
