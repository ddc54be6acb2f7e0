package ledger

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/iterator"
	"github.com/syndtr/goleveldb/leveldb/util"
	"go.uber.org/zap"
)

// blockPrefix namespaces block rows. Keys are the prefix followed by the
// big-endian index, so LevelDB's byte ordering is index ordering.
var blockPrefix = []byte("blk/")

// LevelDBStore is an embedded, durable Store for single-process deployments.
type LevelDBStore struct {
	db     *leveldb.DB
	logger *zap.Logger
}

// OpenLevelDBStore opens (or creates) a LevelDB database at path.
func OpenLevelDBStore(path string, logger *zap.Logger) (*LevelDBStore, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("open leveldb %s: %w", path, err)
	}
	return &LevelDBStore{db: db, logger: logger}, nil
}

// Close releases the database.
func (s *LevelDBStore) Close() error {
	return s.db.Close()
}

// Tail implements Store.
func (s *LevelDBStore) Tail(_ context.Context) (*Block, error) {
	it := s.db.NewIterator(util.BytesPrefix(blockPrefix), nil)
	defer it.Release()
	return lastBlock(it)
}

// Get implements Store.
func (s *LevelDBStore) Get(_ context.Context, index int64) (*Block, error) {
	raw, err := s.db.Get(blockKey(index), nil)
	if err != nil {
		if errors.Is(err, leveldb.ErrNotFound) {
			return nil, fmt.Errorf("get block %d: %w", index, ErrNotFound)
		}
		return nil, fmt.Errorf("get block %d: %w", index, err)
	}
	return decodeBlock(raw)
}

// Insert implements Store. The write happens inside a LevelDB transaction,
// which excludes every other writer until it commits.
func (s *LevelDBStore) Insert(_ context.Context, b *Block) error {
	if b.ID == "" {
		b.ID = uuid.NewString()
	}
	raw, err := json.Marshal(b)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSerialization, err)
	}

	tr, err := s.db.OpenTransaction()
	if err != nil {
		return fmt.Errorf("open transaction: %w", err)
	}
	defer tr.Discard()

	it := tr.NewIterator(util.BytesPrefix(blockPrefix), nil)
	tail, err := lastBlock(it)
	it.Release()
	next, tailHash := int64(0), GenesisPrevHash
	switch {
	case errors.Is(err, ErrNotFound):
	case err != nil:
		return fmt.Errorf("read ledger tail: %w", err)
	default:
		next, tailHash = tail.Index+1, tail.Hash
	}
	if err := checkSuccessor(b, next, tailHash); err != nil {
		return err
	}

	if err := tr.Put(blockKey(b.Index), raw, nil); err != nil {
		return fmt.Errorf("put block %d: %w", b.Index, err)
	}
	if err := tr.Commit(); err != nil {
		return fmt.Errorf("commit block %d: %w", b.Index, err)
	}
	s.logger.Debug("audit block stored", zap.Int64("idx", b.Index))
	return nil
}

// UpdateLinks implements Store.
func (s *LevelDBStore) UpdateLinks(_ context.Context, index int64, expect, next Links) error {
	tr, err := s.db.OpenTransaction()
	if err != nil {
		return fmt.Errorf("open transaction: %w", err)
	}
	defer tr.Discard()

	raw, err := tr.Get(blockKey(index), nil)
	if err != nil {
		if errors.Is(err, leveldb.ErrNotFound) {
			return fmt.Errorf("update block %d: %w", index, ErrNotFound)
		}
		return fmt.Errorf("update block %d: %w", index, err)
	}
	b, err := decodeBlock(raw)
	if err != nil {
		return err
	}
	if b.PrevHash != expect.PrevHash || b.Hash != expect.Hash {
		return fmt.Errorf("update block %d: %w", index, ErrStaleBlock)
	}

	b.PrevHash, b.Hash = next.PrevHash, next.Hash
	if raw, err = json.Marshal(b); err != nil {
		return fmt.Errorf("%w: %v", ErrSerialization, err)
	}
	if err := tr.Put(blockKey(index), raw, nil); err != nil {
		return fmt.Errorf("put block %d: %w", index, err)
	}
	return tr.Commit()
}

// Scan implements Store. It reads from a snapshot so fn may write to the store.
func (s *LevelDBStore) Scan(ctx context.Context, from int64, fn func(*Block) error) error {
	snap, err := s.db.GetSnapshot()
	if err != nil {
		return fmt.Errorf("snapshot: %w", err)
	}
	defer snap.Release()

	start := from
	if start < 0 {
		start = 0
	}
	rng := util.BytesPrefix(blockPrefix)
	rng.Start = blockKey(start)

	it := snap.NewIterator(rng, nil)
	defer it.Release()
	for it.Next() {
		if err := ctx.Err(); err != nil {
			return err
		}
		b, err := decodeBlock(it.Value())
		if err != nil {
			return err
		}
		if err := fn(b); err != nil {
			return err
		}
	}
	return it.Error()
}

// Count implements Store.
func (s *LevelDBStore) Count(ctx context.Context, f Filter) (int64, error) {
	var n int64
	err := s.Scan(ctx, 0, func(b *Block) error {
		if f.matches(b) {
			n++
		}
		return nil
	})
	return n, err
}

// List implements Store.
func (s *LevelDBStore) List(_ context.Context, f Filter, limit, offset int) ([]*Block, error) {
	it := s.db.NewIterator(util.BytesPrefix(blockPrefix), nil)
	defer it.Release()

	out := []*Block{}
	skipped := 0
	for ok := it.Last(); ok && len(out) < limit; ok = it.Prev() {
		b, err := decodeBlock(it.Value())
		if err != nil {
			return nil, err
		}
		if !f.matches(b) {
			continue
		}
		if skipped < offset {
			skipped++
			continue
		}
		out = append(out, b)
	}
	return out, it.Error()
}

// CountBy implements Store.
func (s *LevelDBStore) CountBy(ctx context.Context) (GroupCounts, error) {
	gc := GroupCounts{ByEntity: map[string]int64{}, ByAction: map[string]int64{}}
	err := s.Scan(ctx, 0, func(b *Block) error {
		gc.ByEntity[b.Data.Entity]++
		gc.ByAction[b.Data.Action]++
		return nil
	})
	return gc, err
}

func blockKey(index int64) []byte {
	key := make([]byte, len(blockPrefix)+8)
	copy(key, blockPrefix)
	binary.BigEndian.PutUint64(key[len(blockPrefix):], uint64(index))
	return key
}

func lastBlock(it iterator.Iterator) (*Block, error) {
	if !it.Last() {
		if err := it.Error(); err != nil {
			return nil, err
		}
		return nil, ErrNotFound
	}
	return decodeBlock(it.Value())
}

func decodeBlock(raw []byte) (*Block, error) {
	var b Block
	if err := json.Unmarshal(raw, &b); err != nil {
		return nil, fmt.Errorf("decode audit block: %w", err)
	}
	return &b, nil
}
