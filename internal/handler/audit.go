package handler

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jmerrifield20/auditchain/internal/ledger"
	"go.uber.org/zap"
)

// auditLedger is the interface expected by AuditHandler, satisfied by *ledger.Ledger.
type auditLedger interface {
	Append(ctx context.Context, data ledger.BlockData) (*ledger.Block, error)
	VerifyChain(ctx context.Context) (ledger.VerifyResult, error)
	DetectTampered(ctx context.Context) ([]int64, error)
	LastVerified() time.Time
	RepairAll(ctx context.Context) (ledger.RepairReport, error)
	RepairOne(ctx context.Context, index int64) (ledger.RepairResult, error)
	Stats(ctx context.Context) (*ledger.Stats, error)
	ListBlocks(ctx context.Context, f ledger.Filter, page, pageSize int) (*ledger.Page, error)
	Recent(ctx context.Context, limit int) ([]*ledger.Block, error)
	RecentByActor(ctx context.Context, actorID string, limit int) ([]*ledger.Block, error)
	BlockByIndex(ctx context.Context, index int64) (*ledger.Block, error)
}

// AuditHandler exposes the audit ledger over HTTP.
type AuditHandler struct {
	ledger    auditLedger
	ingestKey string
	admin     gin.HandlerFunc
	logger    *zap.Logger
}

// NewAuditHandler creates an AuditHandler. admin guards the repair routes and
// must not be nil.
func NewAuditHandler(l auditLedger, admin gin.HandlerFunc, logger *zap.Logger) *AuditHandler {
	return &AuditHandler{ledger: l, admin: admin, logger: logger}
}

// SetIngestKey requires callers of POST /audit/events to present key in the
// X-Ingest-Key header. An empty key leaves ingestion open.
func (h *AuditHandler) SetIngestKey(key string) {
	h.ingestKey = key
}

// Register mounts the audit routes on the given router group.
func (h *AuditHandler) Register(rg *gin.RouterGroup) {
	a := rg.Group("/audit")
	{
		a.POST("/events", h.requireIngestKey, h.AppendEvent)
		a.GET("/verify", h.Verify)
		a.GET("/detect-tampering", h.DetectTampering)
		a.POST("/auto-repair", h.admin, h.AutoRepair)
		a.POST("/repair-block/:index", h.admin, h.RepairBlock)
		a.GET("/stats", h.Stats)
		a.GET("/blocks", h.ListBlocks)
		a.GET("/blocks/:index", h.GetBlock)
		a.GET("/recent", h.Recent)
		a.GET("/actor/:id", h.ActorActivity)
	}
}

func (h *AuditHandler) requireIngestKey(c *gin.Context) {
	if h.ingestKey == "" {
		c.Next()
		return
	}
	got := c.GetHeader("X-Ingest-Key")
	if subtle.ConstantTimeCompare([]byte(got), []byte(h.ingestKey)) != 1 {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "valid X-Ingest-Key required"})
		return
	}
	c.Next()
}

// AppendEventRequest is the body of POST /audit/events.
type AppendEventRequest struct {
	Action   string          `json:"action" binding:"required"`
	ActorID  string          `json:"actorId" binding:"required"`
	Entity   string          `json:"entity" binding:"required"`
	EntityID string          `json:"entityId"`
	Payload  json.RawMessage `json:"payload"`
}

// AppendEvent handles POST /audit/events. The block is durable when the
// response is sent.
func (h *AuditHandler) AppendEvent(c *gin.Context) {
	var req AppendEventRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	block, err := h.ledger.Append(c.Request.Context(), ledger.BlockData{
		Action:   req.Action,
		ActorID:  req.ActorID,
		Entity:   req.Entity,
		EntityID: req.EntityID,
		Payload:  req.Payload,
	})
	if err != nil {
		h.writeError(c, "append event", err)
		return
	}
	c.JSON(http.StatusCreated, block)
}

// Verify handles GET /audit/verify. It walks the chain and reports the first broken block.
func (h *AuditHandler) Verify(c *gin.Context) {
	res, err := h.ledger.VerifyChain(c.Request.Context())
	if err != nil {
		h.writeError(c, "verify chain", err)
		return
	}

	body := gin.H{
		"valid":      res.OK,
		"status":     ledger.StatusVerified,
		"checked":    res.Checked,
		"verifiedAt": h.ledger.LastVerified(),
	}
	if !res.OK {
		h.logger.Warn("ledger integrity check failed", zap.Int64("at", res.At))
		body["status"] = ledger.StatusTampered
		body["tamperedAt"] = res.At
	}
	c.JSON(http.StatusOK, body)
}

// DetectTampering handles GET /audit/detect-tampering.
func (h *AuditHandler) DetectTampering(c *gin.Context) {
	tampered, err := h.ledger.DetectTampered(c.Request.Context())
	if err != nil {
		h.writeError(c, "detect tampering", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"tampered": tampered, "count": len(tampered)})
}

// AutoRepair handles POST /audit/auto-repair.
func (h *AuditHandler) AutoRepair(c *gin.Context) {
	report, err := h.ledger.RepairAll(c.Request.Context())
	if err != nil {
		h.writeError(c, "repair ledger", err)
		return
	}

	body := gin.H{
		"results":         report.Results,
		"repaired":        report.Repaired(),
		"failed":          report.Failed(),
		"verified":        report.Verified,
		"nothingToRepair": report.NothingToRepair,
	}
	if report.NothingToRepair {
		body["message"] = "chain is intact, nothing to repair"
	}
	c.JSON(http.StatusOK, body)
}

// RepairBlock handles POST /audit/repair-block/:index.
func (h *AuditHandler) RepairBlock(c *gin.Context) {
	index, ok := parseIndex(c)
	if !ok {
		return
	}

	res, err := h.ledger.RepairOne(c.Request.Context(), index)
	if err != nil {
		h.writeError(c, "repair block", err)
		return
	}
	status := http.StatusOK
	if res.Status == ledger.RepairStatusFailed && errors.Is(res.Err, ledger.ErrNotFound) {
		status = http.StatusNotFound
	}
	c.JSON(status, res)
}

// Stats handles GET /audit/stats.
func (h *AuditHandler) Stats(c *gin.Context) {
	st, err := h.ledger.Stats(c.Request.Context())
	if err != nil {
		h.writeError(c, "ledger stats", err)
		return
	}
	c.JSON(http.StatusOK, st)
}

// ListBlocks handles GET /audit/blocks?page=&limit=&entity=&action=&actor=&search=.
func (h *AuditHandler) ListBlocks(c *gin.Context) {
	f := ledger.Filter{
		Entity:  c.Query("entity"),
		Action:  c.Query("action"),
		ActorID: c.Query("actor"),
		Search:  c.Query("search"),
	}
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", strconv.Itoa(ledger.DefaultPageSize)))

	p, err := h.ledger.ListBlocks(c.Request.Context(), f, page, limit)
	if err != nil {
		h.writeError(c, "list blocks", err)
		return
	}
	c.JSON(http.StatusOK, p)
}

// GetBlock handles GET /audit/blocks/:index.
func (h *AuditHandler) GetBlock(c *gin.Context) {
	index, ok := parseIndex(c)
	if !ok {
		return
	}
	b, err := h.ledger.BlockByIndex(c.Request.Context(), index)
	if err != nil {
		h.writeError(c, "get block", err)
		return
	}
	c.JSON(http.StatusOK, b)
}

// Recent handles GET /audit/recent?limit=.
func (h *AuditHandler) Recent(c *gin.Context) {
	limit, _ := strconv.Atoi(c.Query("limit"))
	blocks, err := h.ledger.Recent(c.Request.Context(), limit)
	if err != nil {
		h.writeError(c, "recent blocks", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"blocks": blocks, "count": len(blocks)})
}

// ActorActivity handles GET /audit/actor/:id?limit=.
func (h *AuditHandler) ActorActivity(c *gin.Context) {
	limit, _ := strconv.Atoi(c.Query("limit"))
	actorID := c.Param("id")
	blocks, err := h.ledger.RecentByActor(c.Request.Context(), actorID, limit)
	if err != nil {
		h.writeError(c, "actor activity", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"actorId": actorID, "blocks": blocks, "count": len(blocks)})
}

func parseIndex(c *gin.Context) (int64, bool) {
	index, err := strconv.ParseInt(c.Param("index"), 10, 64)
	if err != nil || index < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "index must be a non-negative integer"})
		return 0, false
	}
	return index, true
}

// writeError maps ledger errors to HTTP statuses. Storage faults are logged
// and answered with a generic body.
func (h *AuditHandler) writeError(c *gin.Context, op string, err error) {
	switch {
	case errors.Is(err, ledger.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "block not found"})
	case errors.Is(err, ledger.ErrInvalidData), errors.Is(err, ledger.ErrSerialization):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, ledger.ErrAppendConflict):
		h.logger.Warn(op, zap.Error(err))
		c.Header("Retry-After", "1")
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "ledger busy, retry the append"})
	case errors.Is(err, ledger.ErrRepairInProgress):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	default:
		h.logger.Error(op, zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to " + op})
	}
}
