package ledger_test

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jmerrifield20/auditchain/internal/ledger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var ctx = context.Background()

func newLedger(t *testing.T) *ledger.Ledger {
	t.Helper()
	return ledger.New(ledger.NewMemoryStore(), ledger.Config{}, zap.NewNop())
}

func event(action, actor string) ledger.BlockData {
	entity, _, _ := strings.Cut(action, ".")
	return ledger.BlockData{Action: action, ActorID: actor, Entity: entity}
}

func appendN(t *testing.T, l *ledger.Ledger, n int) []*ledger.Block {
	t.Helper()
	out := make([]*ledger.Block, 0, n)
	for i := 0; i < n; i++ {
		b, err := l.Append(ctx, ledger.BlockData{
			Action:   "assignment.submit",
			ActorID:  fmt.Sprintf("student-%d", i%3),
			Entity:   "assignment",
			EntityID: fmt.Sprintf("asg-%d", i),
			Payload:  json.RawMessage(fmt.Sprintf(`{"attempt":%d}`, i)),
		})
		require.NoError(t, err)
		out = append(out, b)
	}
	return out
}

func TestAppend_genesisBlock(t *testing.T) {
	l := newLedger(t)
	b, err := l.Append(ctx, event("student.create", "admin-1"))
	require.NoError(t, err)

	assert.Equal(t, int64(0), b.Index)
	assert.Equal(t, ledger.GenesisPrevHash, b.PrevHash)
	assert.NotEmpty(t, b.ID)
	want, err := ledger.ComputeHash(b.Index, b.PrevHash, b.Data, b.Timestamp)
	require.NoError(t, err)
	assert.Equal(t, want, b.Hash)
}

func TestAppend_chainsCorrectly(t *testing.T) {
	l := newLedger(t)
	blocks := appendN(t, l, 10)
	for i, b := range blocks {
		assert.Equal(t, int64(i), b.Index)
		if i > 0 {
			assert.Equal(t, blocks[i-1].Hash, b.PrevHash)
		}
	}

	root, err := l.Root(ctx)
	require.NoError(t, err)
	assert.Equal(t, blocks[9].Hash, root)
}

func TestAppend_usesClock(t *testing.T) {
	fixed := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	l := ledger.New(ledger.NewMemoryStore(), ledger.Config{Clock: func() time.Time { return fixed }}, zap.NewNop())
	b, err := l.Append(ctx, event("class.create", "teacher-7"))
	require.NoError(t, err)
	assert.Equal(t, fixed.UnixMilli(), b.Timestamp)
	assert.True(t, fixed.Equal(b.Time()))
}

func TestAppend_canonicalizesPayload(t *testing.T) {
	l := newLedger(t)
	b, err := l.Append(ctx, ledger.BlockData{
		Action: "message.send", ActorID: "u-1", Entity: "message",
		Payload: json.RawMessage(`{ "to": "u-2", "body": "hi", "n": 1.0 }`),
	})
	require.NoError(t, err)
	assert.JSONEq(t, `{"body":"hi","n":1,"to":"u-2"}`, string(b.Data.Payload))
	assert.Equal(t, `{"body":"hi","n":1,"to":"u-2"}`, string(b.Data.Payload))
}

func TestAppend_rejectsInvalidData(t *testing.T) {
	tests := map[string]ledger.BlockData{
		"missing action": {ActorID: "a", Entity: "student"},
		"missing actor":  {Action: "student.create", Entity: "student"},
		"missing entity": {Action: "student.create", ActorID: "a"},
		"action shape":   {Action: "create", ActorID: "a", Entity: "student"},
		"empty verb":     {Action: "student.", ActorID: "a", Entity: "student"},
	}
	l := newLedger(t)
	for name, data := range tests {
		_, err := l.Append(ctx, data)
		assert.ErrorIs(t, err, ledger.ErrInvalidData, name)
	}
	n, err := l.Len(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestAppend_rejectsUnencodablePayload(t *testing.T) {
	l := newLedger(t)
	for _, payload := range []string{`{"a":1,"a":2}`, `{"a":`, `NaN`} {
		_, err := l.Append(ctx, ledger.BlockData{
			Action: "grade.update", ActorID: "t-1", Entity: "grade",
			Payload: json.RawMessage(payload),
		})
		assert.ErrorIs(t, err, ledger.ErrSerialization, payload)
	}
	n, _ := l.Len(ctx)
	assert.Zero(t, n, "rejected payloads must not be appended")
}

func TestAppend_contiguousIndices(t *testing.T) {
	l := newLedger(t)
	appendN(t, l, 25)

	var got []int64
	require.NoError(t, l.Store().Scan(ctx, 0, func(b *ledger.Block) error {
		got = append(got, b.Index)
		return nil
	}))
	require.Len(t, got, 25)
	for i, idx := range got {
		assert.Equal(t, int64(i), idx)
	}
}

func TestAppend_concurrentWriters(t *testing.T) {
	l := newLedger(t)
	const writers, perWriter = 16, 8

	var wg sync.WaitGroup
	errs := make(chan error, writers*perWriter)
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				_, err := l.Append(ctx, event("submission.create", fmt.Sprintf("student-%d", w)))
				errs <- err
			}
		}(w)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	n, err := l.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(writers*perWriter), n)

	res, err := l.VerifyChain(ctx)
	require.NoError(t, err)
	assert.True(t, res.OK)
}

// racingStore simulates another process winning the race for the next index.
type racingStore struct {
	*ledger.MemoryStore
	races int
}

func (s *racingStore) Insert(c context.Context, b *ledger.Block) error {
	if s.races > 0 {
		s.races--
		foreign := &ledger.Block{
			Index:     b.Index,
			PrevHash:  b.PrevHash,
			Data:      ledger.BlockData{Action: "teacher.update", ActorID: "other-process", Entity: "teacher"},
			Timestamp: b.Timestamp,
		}
		foreign.Hash, _ = foreign.Recompute()
		if err := s.MemoryStore.Insert(c, foreign); err != nil {
			return err
		}
	}
	return s.MemoryStore.Insert(c, b)
}

func TestAppend_retriesOnConflict(t *testing.T) {
	store := &racingStore{MemoryStore: ledger.NewMemoryStore(), races: 2}
	l := ledger.New(store, ledger.Config{}, zap.NewNop())

	b, err := l.Append(ctx, event("student.create", "admin-1"))
	require.NoError(t, err)
	assert.Equal(t, int64(2), b.Index, "two foreign blocks won the race")

	res, err := l.VerifyChain(ctx)
	require.NoError(t, err)
	assert.True(t, res.OK)
}

func TestAppend_conflictRetriesExhausted(t *testing.T) {
	store := &racingStore{MemoryStore: ledger.NewMemoryStore(), races: 100}
	l := ledger.New(store, ledger.Config{MaxAppendAttempts: 3}, zap.NewNop())

	_, err := l.Append(ctx, event("student.create", "admin-1"))
	assert.ErrorIs(t, err, ledger.ErrAppendConflict)
}

func TestVerifyChain_emptyLedger(t *testing.T) {
	l := newLedger(t)
	res, err := l.VerifyChain(ctx)
	require.NoError(t, err)
	assert.True(t, res.OK)
	assert.Zero(t, res.Checked)
}

func TestVerifyChain_afterAppends(t *testing.T) {
	for _, n := range []int{1, 2, 17, 60} {
		l := newLedger(t)
		appendN(t, l, n)
		res, err := l.VerifyChain(ctx)
		require.NoError(t, err)
		assert.True(t, res.OK, "n=%d", n)
		assert.Equal(t, int64(n), res.Checked)

		tampered, err := l.DetectTampered(ctx)
		require.NoError(t, err)
		assert.Empty(t, tampered)
	}
}

func TestRepairAll_nothingToRepair(t *testing.T) {
	l := newLedger(t)
	appendN(t, l, 4)

	report, err := l.RepairAll(ctx)
	require.NoError(t, err)
	assert.True(t, report.NothingToRepair)
	assert.True(t, report.Verified)
	assert.Empty(t, report.Results)
}

func TestRepairOne_healthyBlockUnchanged(t *testing.T) {
	l := newLedger(t)
	blocks := appendN(t, l, 3)

	res, err := l.RepairOne(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, ledger.RepairStatusUnchanged, res.Status)
	assert.Equal(t, blocks[1].Hash, res.NewHash)
}

func TestRepairOne_missingBlock(t *testing.T) {
	l := newLedger(t)
	appendN(t, l, 2)

	res, err := l.RepairOne(ctx, 99)
	require.NoError(t, err)
	assert.Equal(t, ledger.RepairStatusFailed, res.Status)
	assert.ErrorIs(t, res.Err, ledger.ErrNotFound)
	assert.NotEmpty(t, res.Error)
}

func TestListBlocks_pagination(t *testing.T) {
	l := newLedger(t)
	appendN(t, l, 45)

	p1, err := l.ListBlocks(ctx, ledger.Filter{}, 1, 20)
	require.NoError(t, err)
	require.Len(t, p1.Blocks, 20)
	assert.Equal(t, int64(44), p1.Blocks[0].Index)
	assert.Equal(t, int64(25), p1.Blocks[19].Index)
	assert.Equal(t, int64(45), p1.Total)
	assert.Equal(t, 3, p1.TotalPages)

	p3, err := l.ListBlocks(ctx, ledger.Filter{}, 3, 20)
	require.NoError(t, err)
	require.Len(t, p3.Blocks, 5)
	assert.Equal(t, int64(4), p3.Blocks[0].Index)
	assert.Equal(t, int64(0), p3.Blocks[4].Index)
	assert.Equal(t, 3, p3.TotalPages)

	p9, err := l.ListBlocks(ctx, ledger.Filter{}, 9, 20)
	require.NoError(t, err)
	assert.Empty(t, p9.Blocks)
	assert.NotNil(t, p9.Blocks)
}

func TestListBlocks_defaultsAndClamping(t *testing.T) {
	l := newLedger(t)
	appendN(t, l, 3)

	p, err := l.ListBlocks(ctx, ledger.Filter{}, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, p.Page)
	assert.Equal(t, ledger.DefaultPageSize, p.PageSize)

	p, err = l.ListBlocks(ctx, ledger.Filter{}, 1, 1000)
	require.NoError(t, err)
	assert.Equal(t, ledger.MaxPageSize, p.PageSize)
}

func seedSchool(t *testing.T, l *ledger.Ledger) {
	t.Helper()
	events := []ledger.BlockData{
		{Action: "student.create", ActorID: "admin-1", Entity: "student", EntityID: "stu-1", Payload: json.RawMessage(`{"name":"Grace Hopper"}`)},
		{Action: "class.create", ActorID: "teacher-7", Entity: "class", EntityID: "cls-1", Payload: json.RawMessage(`{"title":"Algebra"}`)},
		{Action: "enrollment.create", ActorID: "registrar-2", Entity: "enrollment", EntityID: "enr-1"},
		{Action: "student.update", ActorID: "admin-1", Entity: "student", EntityID: "stu-1"},
		{Action: "assignment.grade", ActorID: "teacher-7", Entity: "assignment", EntityID: "asg-3", Payload: json.RawMessage(`{"score":91}`)},
	}
	for _, e := range events {
		_, err := l.Append(ctx, e)
		require.NoError(t, err)
	}
}

func TestListBlocks_filters(t *testing.T) {
	l := newLedger(t)
	seedSchool(t, l)

	tests := []struct {
		name   string
		filter ledger.Filter
		want   []int64
	}{
		{"entity", ledger.Filter{Entity: "student"}, []int64{3, 0}},
		{"action", ledger.Filter{Action: "class.create"}, []int64{1}},
		{"actor", ledger.Filter{ActorID: "teacher-7"}, []int64{4, 1}},
		{"search payload", ledger.Filter{Search: "hopper"}, []int64{0}},
		{"search entity id", ledger.Filter{Search: "ENR-1"}, []int64{2}},
		{"combined", ledger.Filter{Entity: "student", Action: "student.update"}, []int64{3}},
		{"no match", ledger.Filter{ActorID: "nobody"}, []int64{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := l.ListBlocks(ctx, tt.filter, 1, 10)
			require.NoError(t, err)
			got := []int64{}
			for _, b := range p.Blocks {
				got = append(got, b.Index)
			}
			assert.Equal(t, tt.want, got)
			assert.Equal(t, int64(len(tt.want)), p.Total)
		})
	}
}

func TestStats_verificationTimes(t *testing.T) {
	now := time.Date(2026, 9, 1, 8, 0, 0, 0, time.UTC)
	l := ledger.New(ledger.NewMemoryStore(), ledger.Config{Clock: func() time.Time { return now }}, zap.NewNop())
	seedSchool(t, l)

	st, err := l.Stats(ctx)
	require.NoError(t, err)
	assert.True(t, now.Equal(st.LastVerifiedAt))
	assert.Nil(t, st.PrevVerifiedAt, "first check has no predecessor")

	first := now
	now = now.Add(time.Hour)
	st, err = l.Stats(ctx)
	require.NoError(t, err)
	assert.True(t, now.Equal(st.LastVerifiedAt))
	require.NotNil(t, st.PrevVerifiedAt)
	assert.True(t, first.Equal(*st.PrevVerifiedAt))
}

func TestStats(t *testing.T) {
	l := newLedger(t)
	seedSchool(t, l)

	st, err := l.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(5), st.TotalBlocks)
	assert.Equal(t, ledger.StatusVerified, st.ChainStatus)
	assert.Nil(t, st.TamperedAt)
	assert.False(t, st.LastVerifiedAt.IsZero())
	assert.Equal(t, map[string]int64{"student": 2, "class": 1, "enrollment": 1, "assignment": 1}, st.ByEntity)
	assert.Equal(t, int64(2), st.ByAction["student.create"]+st.ByAction["student.update"])
	assert.Equal(t, int64(1), st.ByAction["assignment.grade"])
}

func TestStats_emptyLedger(t *testing.T) {
	l := newLedger(t)
	st, err := l.Stats(ctx)
	require.NoError(t, err)
	assert.Zero(t, st.TotalBlocks)
	assert.Equal(t, ledger.StatusVerified, st.ChainStatus)
	assert.Empty(t, st.ByEntity)
}

func TestRecent(t *testing.T) {
	l := newLedger(t)
	seedSchool(t, l)

	recent, err := l.Recent(ctx, 2)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, int64(4), recent[0].Index)
	assert.Equal(t, int64(3), recent[1].Index)

	all, err := l.Recent(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, all, 5, "default limit covers the whole ledger")
}

func TestRecentByActor(t *testing.T) {
	l := newLedger(t)
	seedSchool(t, l)

	blocks, err := l.RecentByActor(ctx, "admin-1", 10)
	require.NoError(t, err)
	require.Len(t, blocks, 2)
	for _, b := range blocks {
		assert.Equal(t, "admin-1", b.Data.ActorID)
	}
	assert.Greater(t, blocks[0].Index, blocks[1].Index)

	none, err := l.RecentByActor(ctx, "ghost", 10)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestBlockByIndex(t *testing.T) {
	l := newLedger(t)
	seedSchool(t, l)

	b, err := l.BlockByIndex(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, "enrollment.create", b.Data.Action)

	_, err = l.BlockByIndex(ctx, 5)
	assert.ErrorIs(t, err, ledger.ErrNotFound)
}

func TestRoot_emptyLedger(t *testing.T) {
	root, err := newLedger(t).Root(ctx)
	require.NoError(t, err)
	assert.Empty(t, root)
}
