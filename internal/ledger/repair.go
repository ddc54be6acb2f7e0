package ledger

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
)

// RepairStatus is the per-block outcome of a repair.
type RepairStatus string

const (
	RepairStatusRepaired  RepairStatus = "repaired"
	RepairStatusFailed    RepairStatus = "failed"
	RepairStatusUnchanged RepairStatus = "unchanged" // links were already correct
)

// RepairResult reports what happened to one block.
type RepairResult struct {
	BlockIndex int64        `json:"blockIndex"`
	Status     RepairStatus `json:"status"`
	OldHash    string       `json:"oldHash,omitempty"`
	NewHash    string       `json:"newHash,omitempty"`
	Error      string       `json:"error,omitempty"`

	Err error `json:"-"`
}

// RepairReport is the outcome of RepairAll.
type RepairReport struct {
	Results         []RepairResult `json:"results"`
	NothingToRepair bool           `json:"nothingToRepair"`
	Verified        bool           `json:"verified"`
}

// Repaired counts results with status repaired.
func (r RepairReport) Repaired() int {
	return r.count(RepairStatusRepaired)
}

// Failed counts results with status failed.
func (r RepairReport) Failed() int {
	return r.count(RepairStatusFailed)
}

func (r RepairReport) count(s RepairStatus) int {
	n := 0
	for _, res := range r.Results {
		if res.Status == s {
			n++
		}
	}
	return n
}

// RepairOne recomputes prevHash and hash of a single block from its
// unchanged data and timestamp, linking it to the stored hash of its
// predecessor. Per-block failures are reported in the result; the error is
// non-nil only when the repair could not start.
func (l *Ledger) RepairOne(ctx context.Context, index int64) (RepairResult, error) {
	unlock, err := l.lockForRepair(ctx)
	if err != nil {
		return RepairResult{}, err
	}
	defer unlock()

	b, err := l.store.Get(ctx, index)
	if err != nil {
		return l.failed(index, fmt.Errorf("load block: %w", err)), nil
	}

	correctPrev := GenesisPrevHash
	if index > 0 {
		pred, err := l.store.Get(ctx, index-1)
		if err != nil {
			return l.failed(index, fmt.Errorf("load predecessor: %w", err)), nil
		}
		correctPrev = pred.Hash
	}
	return l.relink(ctx, b, correctPrev), nil
}

// RepairAll finds the lowest tampered index and recomputes links from there
// to the tail in ascending order, feeding each corrected hash forward as the
// next block's prevHash. Only blocks whose links change are reported. The
// walk stops at the first failed block since every later hash depends on it.
func (l *Ledger) RepairAll(ctx context.Context) (RepairReport, error) {
	unlock, err := l.lockForRepair(ctx)
	if err != nil {
		return RepairReport{}, err
	}
	defer unlock()

	tampered, err := l.DetectTampered(ctx)
	if err != nil {
		return RepairReport{}, err
	}
	if len(tampered) == 0 {
		l.logger.Info("repair requested, chain already intact")
		return RepairReport{Results: []RepairResult{}, NothingToRepair: true, Verified: true}, nil
	}

	start := tampered[0]
	carry := GenesisPrevHash
	if start > 0 {
		pred, err := l.store.Get(ctx, start-1)
		if err != nil {
			return RepairReport{}, fmt.Errorf("load block %d before repair start: %w", start-1, err)
		}
		carry = pred.Hash
	}

	var blocks []*Block
	if err := l.store.Scan(ctx, start, func(b *Block) error {
		blocks = append(blocks, b)
		return nil
	}); err != nil {
		return RepairReport{}, fmt.Errorf("scan from %d: %w", start, err)
	}

	l.logger.Info("repairing ledger",
		zap.Int64("start", start),
		zap.Int("tampered", len(tampered)),
		zap.Int("blocks", len(blocks)),
	)

	report := RepairReport{Results: []RepairResult{}}
	expect := start
	for _, b := range blocks {
		if b.Index != expect {
			report.Results = append(report.Results,
				l.failed(expect, fmt.Errorf("block %d: %w", expect, ErrNotFound)))
			break
		}
		res := l.relink(ctx, b, carry)
		if res.Status == RepairStatusFailed {
			report.Results = append(report.Results, res)
			break
		}
		if res.Status == RepairStatusRepaired {
			report.Results = append(report.Results, res)
		}
		carry = res.NewHash
		expect++
	}

	report.Verified, err = l.VerifyRepair(ctx)
	if err != nil {
		return report, err
	}
	l.logger.Info("ledger repair finished",
		zap.Int("repaired", report.Repaired()),
		zap.Int("failed", report.Failed()),
		zap.Bool("verified", report.Verified),
	)
	return report, nil
}

// VerifyRepair reports whether the chain has no tampered blocks left.
func (l *Ledger) VerifyRepair(ctx context.Context) (bool, error) {
	tampered, err := l.DetectTampered(ctx)
	if err != nil {
		return false, err
	}
	return len(tampered) == 0, nil
}

// relink recomputes b's hash as if its prevHash were correctPrev and writes
// both fields when they differ. NewHash is always the correct hash of b, so
// callers can chain it forward.
func (l *Ledger) relink(ctx context.Context, b *Block, correctPrev string) RepairResult {
	newHash, err := ComputeHash(b.Index, correctPrev, b.Data, b.Timestamp)
	if err != nil {
		return l.failed(b.Index, fmt.Errorf("recompute hash: %w", err))
	}
	if b.PrevHash == correctPrev && b.Hash == newHash {
		return RepairResult{BlockIndex: b.Index, Status: RepairStatusUnchanged, OldHash: b.Hash, NewHash: newHash}
	}

	err = l.store.UpdateLinks(ctx, b.Index,
		Links{PrevHash: b.PrevHash, Hash: b.Hash},
		Links{PrevHash: correctPrev, Hash: newHash},
	)
	if err != nil {
		return l.failed(b.Index, fmt.Errorf("update links: %w", err))
	}

	l.metrics.BlockRepaired(RepairStatusRepaired)
	l.logger.Info("block repaired",
		zap.Int64("index", b.Index),
		zap.String("old_hash", b.Hash),
		zap.String("new_hash", newHash),
	)
	return RepairResult{BlockIndex: b.Index, Status: RepairStatusRepaired, OldHash: b.Hash, NewHash: newHash}
}

func (l *Ledger) failed(index int64, err error) RepairResult {
	l.metrics.BlockRepaired(RepairStatusFailed)
	l.logger.Warn("block repair failed", zap.Int64("index", index), zap.Error(err))
	return RepairResult{BlockIndex: index, Status: RepairStatusFailed, Error: err.Error(), Err: err}
}

// lockForRepair makes repair exclusive with itself and pauses appends, both
// in this process and, when the store supports it, in every other one.
func (l *Ledger) lockForRepair(ctx context.Context) (func(), error) {
	if !l.repairMu.TryLock() {
		return nil, ErrRepairInProgress
	}
	l.appendMu.Lock()

	unlockStore := func() {}
	if lk, ok := l.store.(Locker); ok {
		u, err := lk.LockWriters(ctx)
		if err != nil {
			l.appendMu.Unlock()
			l.repairMu.Unlock()
			if errors.Is(err, ErrRepairInProgress) {
				return nil, err
			}
			return nil, fmt.Errorf("lock store writers: %w", err)
		}
		unlockStore = u
	}

	return func() {
		unlockStore()
		l.appendMu.Unlock()
		l.repairMu.Unlock()
	}, nil
}
