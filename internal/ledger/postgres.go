package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// Advisory lock keys shared by every process writing to the same database.
// Inserts take writerLockKey shared; repair takes it exclusively, so repair
// waits for in-flight appends and holds new ones off until it is done.
const (
	writerLockKey = int64(1_159_876_543)
	repairLockKey = int64(1_159_876_544)
)

// uniqueViolation is the SQLSTATE raised when the idx unique constraint trips.
const uniqueViolation = "23505"

const selectBlock = `SELECT id::text, idx, prev_hash, data::text, timestamp, hash FROM audit_blocks`

// filterClause matches Filter fields bound to $1..$4.
const filterClause = `
	WHERE ($1 = '' OR data->>'entity' = $1)
	  AND ($2 = '' OR data->>'action' = $2)
	  AND ($3 = '' OR data->>'actorId' = $3)
	  AND ($4 = '' OR data->>'action' ILIKE $4 OR data->>'entity' ILIKE $4
	       OR data->>'actorId' ILIKE $4 OR COALESCE(data->>'entityId', '') ILIKE $4
	       OR COALESCE(data->>'payload', '') ILIKE $4)`

// PostgresStore persists blocks in the audit_blocks table.
// It implements Store and Locker.
type PostgresStore struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// NewPostgresStore creates a PostgresStore backed by the given connection pool.
func NewPostgresStore(pool *pgxpool.Pool, logger *zap.Logger) *PostgresStore {
	return &PostgresStore{pool: pool, logger: logger}
}

// Tail implements Store.
func (s *PostgresStore) Tail(ctx context.Context) (*Block, error) {
	b, err := scanBlock(s.pool.QueryRow(ctx, selectBlock+` ORDER BY idx DESC LIMIT 1`))
	if err != nil {
		return nil, fmt.Errorf("read ledger tail: %w", err)
	}
	return b, nil
}

// Get implements Store.
func (s *PostgresStore) Get(ctx context.Context, index int64) (*Block, error) {
	b, err := scanBlock(s.pool.QueryRow(ctx, selectBlock+` WHERE idx = $1`, index))
	if err != nil {
		return nil, fmt.Errorf("get block %d: %w", index, err)
	}
	return b, nil
}

// Insert implements Store. The tail is re-read under the shared writer lock,
// so a block built against a tail that a repair has since relinked is
// rejected; the idx unique constraint is the final arbiter.
func (s *PostgresStore) Insert(ctx context.Context, b *Block) error {
	data, err := CanonicalData(b.Data)
	if err != nil {
		return err
	}
	if b.ID == "" {
		b.ID = uuid.NewString()
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if _, err := tx.Exec(ctx, "SELECT pg_advisory_xact_lock_shared($1)", writerLockKey); err != nil {
		return fmt.Errorf("acquire writer lock: %w", err)
	}

	next, tailHash := int64(0), GenesisPrevHash
	var tailIdx int64
	err = tx.QueryRow(ctx, "SELECT idx, hash FROM audit_blocks ORDER BY idx DESC LIMIT 1").Scan(&tailIdx, &tailHash)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		tailHash = GenesisPrevHash
	case err != nil:
		return fmt.Errorf("read ledger tail: %w", err)
	default:
		next = tailIdx + 1
	}
	if err := checkSuccessor(b, next, tailHash); err != nil {
		return err
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO audit_blocks (id, idx, prev_hash, data, timestamp, hash)
		 VALUES ($1::uuid, $2, $3, $4::json, $5, $6)`,
		b.ID, b.Index, b.PrevHash, string(data), b.Timestamp, b.Hash,
	); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return fmt.Errorf("insert block %d: %w", b.Index, ErrIndexConflict)
		}
		return fmt.Errorf("insert block %d: %w", b.Index, err)
	}

	if err := tx.Commit(ctx); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return fmt.Errorf("commit block %d: %w", b.Index, ErrIndexConflict)
		}
		return fmt.Errorf("commit block %d: %w", b.Index, err)
	}

	s.logger.Debug("audit block inserted",
		zap.Int64("idx", b.Index),
		zap.String("action", b.Data.Action),
	)
	return nil
}

// UpdateLinks implements Store.
func (s *PostgresStore) UpdateLinks(ctx context.Context, index int64, expect, next Links) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE audit_blocks SET prev_hash = $1, hash = $2
		 WHERE idx = $3 AND prev_hash = $4 AND hash = $5`,
		next.PrevHash, next.Hash, index, expect.PrevHash, expect.Hash,
	)
	if err != nil {
		return fmt.Errorf("update block %d: %w", index, err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	var exists bool
	if err := s.pool.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM audit_blocks WHERE idx = $1)`, index,
	).Scan(&exists); err != nil {
		return fmt.Errorf("check block %d: %w", index, err)
	}
	if !exists {
		return fmt.Errorf("update block %d: %w", index, ErrNotFound)
	}
	return fmt.Errorf("update block %d: %w", index, ErrStaleBlock)
}

// Scan implements Store. It streams rows ordered by idx; O(n) in ledger length.
func (s *PostgresStore) Scan(ctx context.Context, from int64, fn func(*Block) error) error {
	rows, err := s.pool.Query(ctx, selectBlock+` WHERE idx >= $1 ORDER BY idx ASC`, from)
	if err != nil {
		return fmt.Errorf("query ledger: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		b, err := scanBlock(rows)
		if err != nil {
			return err
		}
		if err := fn(b); err != nil {
			return err
		}
	}
	return rows.Err()
}

// Count implements Store.
func (s *PostgresStore) Count(ctx context.Context, f Filter) (int64, error) {
	var n int64
	if err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM audit_blocks`+filterClause, filterArgs(f)...,
	).Scan(&n); err != nil {
		return 0, fmt.Errorf("count audit blocks: %w", err)
	}
	return n, nil
}

// List implements Store.
func (s *PostgresStore) List(ctx context.Context, f Filter, limit, offset int) ([]*Block, error) {
	args := append(filterArgs(f), limit, offset)
	rows, err := s.pool.Query(ctx,
		selectBlock+filterClause+` ORDER BY idx DESC LIMIT $5 OFFSET $6`, args...,
	)
	if err != nil {
		return nil, fmt.Errorf("list audit blocks: %w", err)
	}
	defer rows.Close()

	out := []*Block{}
	for rows.Next() {
		b, err := scanBlock(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// CountBy implements Store.
func (s *PostgresStore) CountBy(ctx context.Context) (GroupCounts, error) {
	gc := GroupCounts{ByEntity: map[string]int64{}, ByAction: map[string]int64{}}
	for field, dst := range map[string]map[string]int64{"entity": gc.ByEntity, "action": gc.ByAction} {
		rows, err := s.pool.Query(ctx,
			`SELECT data->>'`+field+`', COUNT(*) FROM audit_blocks GROUP BY 1`)
		if err != nil {
			return GroupCounts{}, fmt.Errorf("group by %s: %w", field, err)
		}
		for rows.Next() {
			var key string
			var n int64
			if err := rows.Scan(&key, &n); err != nil {
				rows.Close()
				return GroupCounts{}, fmt.Errorf("scan %s group: %w", field, err)
			}
			dst[key] = n
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return GroupCounts{}, err
		}
	}
	return gc, nil
}

// LockWriters implements Locker. It fails fast with ErrRepairInProgress when
// another process is repairing, then waits for in-flight appends to drain.
func (s *PostgresStore) LockWriters(ctx context.Context) (func(), error) {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire conn: %w", err)
	}

	var ok bool
	if err := conn.QueryRow(ctx, "SELECT pg_try_advisory_lock($1)", repairLockKey).Scan(&ok); err != nil {
		conn.Release()
		return nil, fmt.Errorf("acquire repair lock: %w", err)
	}
	if !ok {
		conn.Release()
		return nil, ErrRepairInProgress
	}
	if _, err := conn.Exec(ctx, "SELECT pg_advisory_lock($1)", writerLockKey); err != nil {
		conn.Exec(context.Background(), "SELECT pg_advisory_unlock($1)", repairLockKey) //nolint:errcheck
		conn.Release()
		return nil, fmt.Errorf("acquire writer lock: %w", err)
	}

	return func() {
		bg := context.Background()
		if _, err := conn.Exec(bg, "SELECT pg_advisory_unlock($1), pg_advisory_unlock($2)", writerLockKey, repairLockKey); err != nil {
			s.logger.Warn("release repair locks", zap.Error(err))
		}
		conn.Release()
	}, nil
}

func filterArgs(f Filter) []any {
	search := ""
	if f.Search != "" {
		search = "%" + likeEscaper.Replace(f.Search) + "%"
	}
	return []any{f.Entity, f.Action, f.ActorID, search}
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

func scanBlock(row pgx.Row) (*Block, error) {
	var (
		b    Block
		data string
	)
	if err := row.Scan(&b.ID, &b.Index, &b.PrevHash, &data, &b.Timestamp, &b.Hash); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan audit block: %w", err)
	}
	if err := json.Unmarshal([]byte(data), &b.Data); err != nil {
		return nil, fmt.Errorf("decode data of block %d: %w", b.Index, err)
	}
	return &b, nil
}
