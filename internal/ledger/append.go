package ledger

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// DefaultMaxAppendAttempts bounds how often Append re-reads the tail after an
// index conflict.
const DefaultMaxAppendAttempts = 5

// Config tunes a Ledger.
type Config struct {
	MaxAppendAttempts int              // 0 = DefaultMaxAppendAttempts
	Clock             func() time.Time // nil = time.Now
}

// MetricsRecorder receives ledger events for instrumentation.
type MetricsRecorder interface {
	BlockAppended(entity string)
	AppendConflict()
	BlockRepaired(status RepairStatus)
	ChainChecked(tampered int)
}

type nopRecorder struct{}

func (nopRecorder) BlockAppended(string)       {}
func (nopRecorder) AppendConflict()            {}
func (nopRecorder) BlockRepaired(RepairStatus) {}
func (nopRecorder) ChainChecked(int)           {}

// Ledger implements append, verification, tamper detection, repair and
// queries on top of a Store. It keeps no chain state of its own.
type Ledger struct {
	store   Store
	cfg     Config
	metrics MetricsRecorder
	logger  *zap.Logger

	// appendMu serialises appends from this process; repair holds it to
	// pause appends while links are rewritten.
	appendMu sync.Mutex
	repairMu sync.Mutex

	lastVerified atomic.Int64 // unix millis of the last full scan
}

// New creates a Ledger backed by store.
func New(store Store, cfg Config, logger *zap.Logger) *Ledger {
	if cfg.MaxAppendAttempts <= 0 {
		cfg.MaxAppendAttempts = DefaultMaxAppendAttempts
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Ledger{store: store, cfg: cfg, metrics: nopRecorder{}, logger: logger}
}

// SetMetricsRecorder configures the metrics callback.
func (l *Ledger) SetMetricsRecorder(m MetricsRecorder) {
	if m == nil {
		m = nopRecorder{}
	}
	l.metrics = m
}

// Store returns the underlying block store.
func (l *Ledger) Store() Store {
	return l.store
}

// Append records data as the next block of the chain. The block is durable
// when Append returns without error. Invalid or non-canonical data is
// rejected immediately; index conflicts are retried against a fresh tail.
func (l *Ledger) Append(ctx context.Context, data BlockData) (*Block, error) {
	if err := data.Validate(); err != nil {
		return nil, err
	}
	data, err := NormalizeData(data)
	if err != nil {
		return nil, fmt.Errorf("normalize data: %w", err)
	}

	l.appendMu.Lock()
	defer l.appendMu.Unlock()

	for attempt := 1; attempt <= l.cfg.MaxAppendAttempts; attempt++ {
		b, err := l.nextBlock(ctx, data)
		if err != nil {
			return nil, err
		}

		err = l.store.Insert(ctx, b)
		if err == nil {
			l.metrics.BlockAppended(b.Data.Entity)
			l.logger.Debug("block appended",
				zap.Int64("index", b.Index),
				zap.String("action", b.Data.Action),
				zap.String("actor_id", b.Data.ActorID),
			)
			return b.Clone(), nil
		}
		if !errors.Is(err, ErrIndexConflict) {
			return nil, fmt.Errorf("insert block %d: %w", b.Index, err)
		}

		l.metrics.AppendConflict()
		l.logger.Debug("append conflict, retrying",
			zap.Int64("index", b.Index),
			zap.Int("attempt", attempt),
		)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(time.Duration(attempt) * 5 * time.Millisecond):
		}
	}
	return nil, fmt.Errorf("%w (%d attempts)", ErrAppendConflict, l.cfg.MaxAppendAttempts)
}

// nextBlock builds the successor of the current tail.
func (l *Ledger) nextBlock(ctx context.Context, data BlockData) (*Block, error) {
	b := &Block{
		Index:     0,
		PrevHash:  GenesisPrevHash,
		Data:      data,
		Timestamp: l.cfg.Clock().UnixMilli(),
	}

	tail, err := l.store.Tail(ctx)
	switch {
	case errors.Is(err, ErrNotFound):
	case err != nil:
		return nil, fmt.Errorf("read ledger tail: %w", err)
	default:
		b.Index = tail.Index + 1
		b.PrevHash = tail.Hash
	}

	b.Hash, err = b.Recompute()
	if err != nil {
		return nil, fmt.Errorf("hash block %d: %w", b.Index, err)
	}
	return b, nil
}
