package client_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jmerrifield20/auditchain/internal/auth"
	"github.com/jmerrifield20/auditchain/internal/handler"
	"github.com/jmerrifield20/auditchain/internal/ledger"
	"github.com/jmerrifield20/auditchain/pkg/client"
	"go.uber.org/zap"
)

const adminSecret = "correct horse battery staple"

// ── Test server ─────────────────────────────────────────────────────────

func startServer(t *testing.T) (*httptest.Server, *ledger.MemoryStore) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	hash, err := auth.HashSecret(adminSecret)
	if err != nil {
		t.Fatal(err)
	}
	iss, err := auth.NewIssuer([]byte("0123456789abcdef0123456789abcdef"), hash, "auditd-test", time.Hour)
	if err != nil {
		t.Fatal(err)
	}

	store := ledger.NewMemoryStore()
	l := ledger.New(store, ledger.Config{}, zap.NewNop())

	r := gin.New()
	v1 := r.Group("/api/v1")
	h := handler.NewAuditHandler(l, auth.RequireAdmin(iss), zap.NewNop())
	h.SetIngestKey("ingest-1")
	h.Register(v1)
	auth.NewHandler(iss, zap.NewNop()).Register(v1)

	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv, store
}

func newClient(t *testing.T, base string, opts ...client.Option) *client.Client {
	t.Helper()
	c, err := client.New(base, opts...)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	return c
}

// ── Tests ───────────────────────────────────────────────────────────────

func TestNew_invalidURL(t *testing.T) {
	if _, err := client.New("not a url"); err == nil {
		t.Error("expected error for invalid URL")
	}
}

func TestAppendAndQuery(t *testing.T) {
	srv, _ := startServer(t)
	ctx := context.Background()
	c := newClient(t, srv.URL, client.WithIngestKey("ingest-1"))

	b, err := c.Append(ctx, client.Event{
		Action: "student.create", ActorID: "admin-1", Entity: "student", EntityID: "stu-1",
		Payload: map[string]any{"name": "Ada", "grade": 9},
	})
	if err != nil {
		t.Fatalf("Append() error: %v", err)
	}
	if b.Index != 0 || b.PrevHash != "GENESIS" {
		t.Errorf("unexpected genesis block: %+v", b)
	}
	var payload map[string]any
	if err := json.Unmarshal(b.Data.Payload, &payload); err != nil || payload["name"] != "Ada" {
		t.Errorf("payload round trip: %s", b.Data.Payload)
	}

	if _, err := c.Append(ctx, client.Event{Action: "class.create", ActorID: "teacher-2", Entity: "class"}); err != nil {
		t.Fatal(err)
	}

	got, err := c.Block(ctx, 1)
	if err != nil {
		t.Fatalf("Block() error: %v", err)
	}
	if got.Data.Action != "class.create" || got.PrevHash != b.Hash {
		t.Errorf("unexpected block 1: %+v", got)
	}

	page, err := c.ListBlocks(ctx, client.ListOptions{Entity: "student"})
	if err != nil {
		t.Fatal(err)
	}
	if page.Total != 1 || len(page.Blocks) != 1 {
		t.Errorf("ListBlocks: total=%d len=%d", page.Total, len(page.Blocks))
	}

	recent, err := c.Recent(ctx, 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(recent) != 1 || recent[0].Index != 1 {
		t.Errorf("Recent: %+v", recent)
	}

	activity, err := c.ActorActivity(ctx, "admin-1", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(activity) != 1 {
		t.Errorf("ActorActivity: got %d blocks", len(activity))
	}

	st, err := c.Stats(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if st.TotalBlocks != 2 || st.ChainStatus != "verified" {
		t.Errorf("Stats: %+v", st)
	}
}

func TestAppend_rejectedWithoutIngestKey(t *testing.T) {
	srv, _ := startServer(t)
	c := newClient(t, srv.URL)

	_, err := c.Append(context.Background(), client.Event{Action: "a.b", ActorID: "x", Entity: "a"})
	var apiErr *client.APIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusUnauthorized {
		t.Errorf("expected 401 APIError, got %v", err)
	}
}

func TestBlock_notFound(t *testing.T) {
	srv, _ := startServer(t)
	c := newClient(t, srv.URL)

	_, err := c.Block(context.Background(), 42)
	if !errors.Is(err, client.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestVerifyDetectRepair(t *testing.T) {
	srv, store := startServer(t)
	ctx := context.Background()
	c := newClient(t, srv.URL, client.WithIngestKey("ingest-1"))

	for _, ev := range []client.Event{
		{Action: "student.create", ActorID: "admin-1", Entity: "student"},
		{Action: "class.create", ActorID: "teacher-3", Entity: "class"},
		{Action: "enrollment.create", ActorID: "registrar-2", Entity: "enrollment"},
	} {
		if _, err := c.Append(ctx, ev); err != nil {
			t.Fatal(err)
		}
	}

	b, _ := store.Get(ctx, 1)
	if err := store.UpdateLinks(ctx, 1,
		ledger.Links{PrevHash: b.PrevHash, Hash: b.Hash},
		ledger.Links{PrevHash: b.PrevHash, Hash: "ffff"},
	); err != nil {
		t.Fatal(err)
	}

	v, err := c.Verify(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if v.Valid || v.TamperedAt == nil || *v.TamperedAt != 1 {
		t.Errorf("Verify: %+v", v)
	}

	tr, err := c.DetectTampering(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if tr.Count != 1 || tr.Tampered[0] != 1 {
		t.Errorf("DetectTampering: %+v", tr)
	}

	if _, err := c.AutoRepair(ctx); err == nil {
		t.Fatal("expected auto-repair without token to fail")
	}

	tok, err := c.AdminToken(ctx, adminSecret)
	if err != nil {
		t.Fatalf("AdminToken() error: %v", err)
	}
	admin := newClient(t, srv.URL, client.WithBearerToken(tok.AccessToken))

	report, err := admin.AutoRepair(ctx)
	if err != nil {
		t.Fatalf("AutoRepair() error: %v", err)
	}
	if report.Repaired != 1 || !report.Verified || report.Results[0].OldHash != "ffff" {
		t.Errorf("AutoRepair: %+v", report)
	}

	res, err := admin.RepairBlock(ctx, 0)
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != "unchanged" {
		t.Errorf("RepairBlock on healthy block: status %q", res.Status)
	}

	v, err = c.Verify(ctx)
	if err != nil || !v.Valid {
		t.Errorf("Verify after repair: %+v, %v", v, err)
	}
}

func TestAdminToken_wrongSecret(t *testing.T) {
	srv, _ := startServer(t)
	c := newClient(t, srv.URL)

	_, err := c.AdminToken(context.Background(), "guess")
	var apiErr *client.APIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusUnauthorized {
		t.Errorf("expected 401, got %v", err)
	}
	if apiErr != nil && apiErr.Message != "invalid admin secret" {
		t.Errorf("message: %q", apiErr.Message)
	}
}
