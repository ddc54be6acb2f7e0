package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"
)

const (
	DefaultPageSize = 20
	MaxPageSize     = 100
	DefaultLimit    = 10
)

// Chain status values reported by Stats.
const (
	StatusVerified = "verified"
	StatusTampered = "tampered"
)

// Stats summarises the ledger for dashboards.
type Stats struct {
	TotalBlocks    int64            `json:"totalBlocks"`
	ChainStatus    string           `json:"chainStatus"`
	TamperedAt     *int64           `json:"tamperedAt,omitempty"`
	LastVerifiedAt time.Time        `json:"lastVerifiedAt"`
	PrevVerifiedAt *time.Time       `json:"previousVerifiedAt,omitempty"`
	ByEntity       map[string]int64 `json:"byEntity"`
	ByAction       map[string]int64 `json:"byAction"`
}

// Page is one page of a descending block listing.
type Page struct {
	Blocks     []*Block `json:"blocks"`
	Total      int64    `json:"total"`
	Page       int      `json:"page"`
	PageSize   int      `json:"pageSize"`
	TotalPages int      `json:"totalPages"`
}

// Stats returns block counts and the current chain status. Stats always
// re-verifies the chain, so LastVerifiedAt is the time of that check and
// PrevVerifiedAt the check before it, if any.
func (l *Ledger) Stats(ctx context.Context) (*Stats, error) {
	prev := l.LastVerified()

	total, err := l.store.Count(ctx, Filter{})
	if err != nil {
		return nil, fmt.Errorf("count blocks: %w", err)
	}
	groups, err := l.store.CountBy(ctx)
	if err != nil {
		return nil, fmt.Errorf("group blocks: %w", err)
	}
	vr, err := l.VerifyChain(ctx)
	if err != nil {
		return nil, err
	}

	st := &Stats{
		TotalBlocks:    total,
		ChainStatus:    StatusVerified,
		LastVerifiedAt: l.LastVerified(),
		ByEntity:       groups.ByEntity,
		ByAction:       groups.ByAction,
	}
	if !prev.IsZero() {
		st.PrevVerifiedAt = &prev
	}
	if !vr.OK {
		at := vr.At
		st.ChainStatus = StatusTampered
		st.TamperedAt = &at
	}
	return st, nil
}

// ListBlocks returns page (1-based) of the blocks matching f, newest first.
func (l *Ledger) ListBlocks(ctx context.Context, f Filter, page, pageSize int) (*Page, error) {
	if page < 1 {
		page = 1
	}
	pageSize = clamp(pageSize, DefaultPageSize, MaxPageSize)

	total, err := l.store.Count(ctx, f)
	if err != nil {
		return nil, fmt.Errorf("count blocks: %w", err)
	}
	blocks, err := l.store.List(ctx, f, pageSize, (page-1)*pageSize)
	if err != nil {
		return nil, fmt.Errorf("list blocks: %w", err)
	}

	return &Page{
		Blocks:     blocks,
		Total:      total,
		Page:       page,
		PageSize:   pageSize,
		TotalPages: int((total + int64(pageSize) - 1) / int64(pageSize)),
	}, nil
}

// Recent returns the newest blocks.
func (l *Ledger) Recent(ctx context.Context, limit int) ([]*Block, error) {
	blocks, err := l.store.List(ctx, Filter{}, clamp(limit, DefaultLimit, MaxPageSize), 0)
	if err != nil {
		return nil, fmt.Errorf("list recent blocks: %w", err)
	}
	return blocks, nil
}

// RecentByActor returns the newest blocks recorded for actorID.
func (l *Ledger) RecentByActor(ctx context.Context, actorID string, limit int) ([]*Block, error) {
	blocks, err := l.store.List(ctx, Filter{ActorID: actorID}, clamp(limit, DefaultLimit, MaxPageSize), 0)
	if err != nil {
		return nil, fmt.Errorf("list blocks for actor %q: %w", actorID, err)
	}
	return blocks, nil
}

// BlockByIndex returns the block at index, or ErrNotFound.
func (l *Ledger) BlockByIndex(ctx context.Context, index int64) (*Block, error) {
	return l.store.Get(ctx, index)
}

// Len returns the number of blocks in the ledger.
func (l *Ledger) Len(ctx context.Context) (int64, error) {
	return l.store.Count(ctx, Filter{})
}

// Root returns the hash of the tail block, or "" for an empty ledger.
func (l *Ledger) Root(ctx context.Context) (string, error) {
	tail, err := l.store.Tail(ctx)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return "", nil
		}
		return "", fmt.Errorf("read ledger tail: %w", err)
	}
	return tail.Hash, nil
}

func clamp(v, def, hi int) int {
	if v <= 0 {
		return def
	}
	if v > hi {
		return hi
	}
	return v
}
