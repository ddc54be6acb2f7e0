//go:build integration

package ledger_test

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"testing"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jmerrifield20/auditchain/internal/ledger"
	"github.com/jmerrifield20/auditchain/migrations"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func setupPostgres(t *testing.T) *pgxpool.Pool {
	t.Helper()

	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		t.Skip("DATABASE_URL not set, skipping integration test")
	}

	pool, err := pgxpool.New(ctx, dbURL)
	require.NoError(t, err)
	require.NoError(t, pool.Ping(ctx))

	names, err := migrations.Up()
	require.NoError(t, err)
	for _, name := range names {
		sql, err := migrations.Read(name)
		require.NoError(t, err)
		_, err = pool.Exec(ctx, sql)
		require.NoError(t, err, name)
	}
	_, err = pool.Exec(ctx, "TRUNCATE audit_blocks")
	require.NoError(t, err)

	t.Cleanup(pool.Close)
	return pool
}

func TestPostgres_appendVerifyRepair(t *testing.T) {
	pool := setupPostgres(t)
	l := ledger.New(ledger.NewPostgresStore(pool, zap.NewNop()), ledger.Config{}, zap.NewNop())

	seedSchool(t, l)

	res, err := l.VerifyChain(ctx)
	require.NoError(t, err)
	assert.True(t, res.OK)
	assert.Equal(t, int64(5), res.Checked)

	_, err = pool.Exec(ctx, `UPDATE audit_blocks SET hash = 'corrupted' WHERE idx = 2`)
	require.NoError(t, err)

	tampered, err := l.DetectTampered(ctx)
	require.NoError(t, err)
	assert.Equal(t, []int64{2}, tampered)

	report, err := l.RepairAll(ctx)
	require.NoError(t, err)
	require.Len(t, report.Results, 1)
	assert.Equal(t, "corrupted", report.Results[0].OldHash)
	assert.True(t, report.Verified)
}

func TestPostgres_dataRewriteDetected(t *testing.T) {
	pool := setupPostgres(t)
	l := ledger.New(ledger.NewPostgresStore(pool, zap.NewNop()), ledger.Config{}, zap.NewNop())
	seedSchool(t, l)

	_, err := pool.Exec(ctx,
		`UPDATE audit_blocks SET data = $1::json WHERE idx = 1`,
		`{"action":"class.create","actorId":"teacher-7","entity":"class","payload":{"title":"Art"}}`)
	require.NoError(t, err)

	tampered, err := l.DetectTampered(ctx)
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 2}, tampered)
}

func TestPostgres_concurrentLedgers(t *testing.T) {
	pool := setupPostgres(t)

	// Separate Ledger values model separate processes sharing one table.
	ledgers := make([]*ledger.Ledger, 4)
	for i := range ledgers {
		ledgers[i] = ledger.New(ledger.NewPostgresStore(pool, zap.NewNop()), ledger.Config{MaxAppendAttempts: 50}, zap.NewNop())
	}

	var wg sync.WaitGroup
	for i, l := range ledgers {
		wg.Add(1)
		go func(i int, l *ledger.Ledger) {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				_, err := l.Append(ctx, ledger.BlockData{
					Action: "attendance.mark", ActorID: fmt.Sprintf("teacher-%d", i), Entity: "attendance",
					Payload: json.RawMessage(fmt.Sprintf(`{"n":%d}`, j)),
				})
				assert.NoError(t, err)
			}
		}(i, l)
	}
	wg.Wait()

	n, err := ledgers[0].Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(40), n)

	res, err := ledgers[0].VerifyChain(ctx)
	require.NoError(t, err)
	assert.True(t, res.OK)
}

func TestPostgres_repairLockIsExclusive(t *testing.T) {
	pool := setupPostgres(t)
	store := ledger.NewPostgresStore(pool, zap.NewNop())

	unlock, err := store.LockWriters(context.Background())
	require.NoError(t, err)

	other := ledger.New(ledger.NewPostgresStore(pool, zap.NewNop()), ledger.Config{}, zap.NewNop())
	_, err = other.RepairAll(ctx)
	assert.ErrorIs(t, err, ledger.ErrRepairInProgress)

	unlock()
	_, err = other.RepairAll(ctx)
	assert.NoError(t, err)
}

// tailHookStore runs onTail once between reading the tail and returning it.
type tailHookStore struct {
	*ledger.PostgresStore
	onTail func()
}

func (s *tailHookStore) Tail(c context.Context) (*ledger.Block, error) {
	b, err := s.PostgresStore.Tail(c)
	if hook := s.onTail; hook != nil {
		s.onTail = nil
		hook()
	}
	return b, err
}

func TestPostgres_appendDuringRepair(t *testing.T) {
	pool := setupPostgres(t)
	hooked := &tailHookStore{PostgresStore: ledger.NewPostgresStore(pool, zap.NewNop())}
	appender := ledger.New(hooked, ledger.Config{}, zap.NewNop())
	repairer := ledger.New(ledger.NewPostgresStore(pool, zap.NewNop()), ledger.Config{}, zap.NewNop())
	seedSchool(t, appender)

	want, err := appender.BlockByIndex(ctx, 4)
	require.NoError(t, err)
	_, err = pool.Exec(ctx, `UPDATE audit_blocks SET hash = 'corrupted' WHERE idx = 4`)
	require.NoError(t, err)

	hooked.onTail = func() {
		report, err := repairer.RepairAll(ctx)
		require.NoError(t, err)
		assert.True(t, report.Verified)
	}

	b, err := appender.Append(ctx, ledger.BlockData{Action: "attendance.mark", ActorID: "teacher-7", Entity: "attendance"})
	require.NoError(t, err)
	assert.Equal(t, int64(5), b.Index)
	assert.Equal(t, want.Hash, b.PrevHash)

	res, err := appender.VerifyChain(ctx)
	require.NoError(t, err)
	assert.True(t, res.OK)
}

func TestPostgres_filtersAndGroups(t *testing.T) {
	pool := setupPostgres(t)
	l := ledger.New(ledger.NewPostgresStore(pool, zap.NewNop()), ledger.Config{}, zap.NewNop())
	seedSchool(t, l)

	p, err := l.ListBlocks(ctx, ledger.Filter{Search: "hopper"}, 1, 10)
	require.NoError(t, err)
	require.Len(t, p.Blocks, 1)
	assert.Equal(t, int64(0), p.Blocks[0].Index)

	p, err = l.ListBlocks(ctx, ledger.Filter{Search: "100%"}, 1, 10)
	require.NoError(t, err)
	assert.Empty(t, p.Blocks)

	st, err := l.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), st.ByEntity["student"])
}
