// Package monitor periodically checks the audit ledger for tampering.
package monitor

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/jmerrifield20/auditchain/internal/alerts"
	"go.uber.org/zap"
)

// Config holds integrity monitor configuration.
type Config struct {
	CheckInterval time.Duration
	CheckTimeout  time.Duration
}

// Checker is the part of the ledger the monitor needs.
type Checker interface {
	DetectTampered(ctx context.Context) ([]int64, error)
	Len(ctx context.Context) (int64, error)
}

// AlertDispatchFunc is an optional callback for dispatching integrity events.
type AlertDispatchFunc func(ctx context.Context, eventType string, payload map[string]string)

// MetricsRecordFunc is an optional callback for recording check results.
type MetricsRecordFunc func(intact bool, length int64)

// StatusFunc is an optional callback invoked whenever chain health changes.
type StatusFunc func(intact bool)

// Event types passed to AlertDispatchFunc.
const (
	EventTampered  = alerts.EventLedgerTampered
	EventRecovered = alerts.EventLedgerRecovered
)

// Status is the outcome of the most recent check.
type Status struct {
	Intact    bool      `json:"intact"`
	Tampered  []int64   `json:"tampered"`
	Length    int64     `json:"length"`
	CheckedAt time.Time `json:"checkedAt"`
	Err       string    `json:"error,omitempty"`
}

// Monitor runs periodic full-chain tamper scans.
type Monitor struct {
	checker  Checker
	cfg      Config
	onAlert  AlertDispatchFunc
	onMetric MetricsRecordFunc
	onStatus StatusFunc
	logger   *zap.Logger

	mu   sync.Mutex
	last Status
	seen bool
}

// New creates a Monitor.
func New(checker Checker, cfg Config, logger *zap.Logger) *Monitor {
	if cfg.CheckInterval == 0 {
		cfg.CheckInterval = 5 * time.Minute
	}
	if cfg.CheckTimeout == 0 {
		cfg.CheckTimeout = cfg.CheckInterval
	}
	return &Monitor{checker: checker, cfg: cfg, logger: logger, last: Status{Intact: true}}
}

// SetAlertDispatch configures the alert dispatch callback.
func (m *Monitor) SetAlertDispatch(fn AlertDispatchFunc) {
	m.onAlert = fn
}

// SetMetricsRecord configures the metrics recording callback.
func (m *Monitor) SetMetricsRecord(fn MetricsRecordFunc) {
	m.onMetric = fn
}

// SetStatusHook configures the callback fired on every intact/tampered transition.
func (m *Monitor) SetStatusHook(fn StatusFunc) {
	m.onStatus = fn
}

// Start runs a check immediately and then on every interval until ctx is done.
func (m *Monitor) Start(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.CheckInterval)
	defer ticker.Stop()

	for {
		checkCtx, cancel := context.WithTimeout(ctx, m.cfg.CheckTimeout)
		m.Check(checkCtx)
		cancel()

		select {
		case <-ticker.C:
		case <-ctx.Done():
			return
		}
	}
}

// Last returns the most recent check result.
func (m *Monitor) Last() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.last
	s.Tampered = append([]int64(nil), m.last.Tampered...)
	return s
}

// Check scans the chain once and fires callbacks on state transitions.
// A storage failure is recorded but does not change the intact flag.
func (m *Monitor) Check(ctx context.Context) Status {
	now := time.Now().UTC()

	tampered, err := m.checker.DetectTampered(ctx)
	if err != nil {
		m.logger.Error("monitor: detect tampering", zap.Error(err))
		m.mu.Lock()
		m.last.CheckedAt = now
		m.last.Err = err.Error()
		s := m.last
		m.mu.Unlock()
		return s
	}
	length, err := m.checker.Len(ctx)
	if err != nil {
		m.logger.Warn("monitor: ledger length", zap.Error(err))
	}

	cur := Status{Intact: len(tampered) == 0, Tampered: tampered, Length: length, CheckedAt: now}

	m.mu.Lock()
	prev, seen := m.last, m.seen
	m.last, m.seen = cur, true
	m.mu.Unlock()

	if m.onMetric != nil {
		m.onMetric(cur.Intact, cur.Length)
	}

	changed := !seen || prev.Intact != cur.Intact
	switch {
	case !cur.Intact && changed:
		m.logger.Warn("monitor: ledger tampering detected",
			zap.Int64("first_index", tampered[0]),
			zap.Int("count", len(tampered)),
		)
		m.alert(ctx, EventTampered, map[string]string{
			"first_index": strconv.FormatInt(tampered[0], 10),
			"count":       strconv.Itoa(len(tampered)),
			"indices":     joinIndices(tampered, 50),
		})
	case cur.Intact && seen && !prev.Intact:
		m.logger.Info("monitor: ledger integrity restored", zap.Int64("length", length))
		m.alert(ctx, EventRecovered, map[string]string{
			"length": strconv.FormatInt(length, 10),
		})
	}

	if changed && m.onStatus != nil {
		m.onStatus(cur.Intact)
	}
	return cur
}

func (m *Monitor) alert(ctx context.Context, eventType string, payload map[string]string) {
	if m.onAlert != nil {
		m.onAlert(ctx, eventType, payload)
	}
}

// joinIndices renders at most limit indices as a comma-separated list.
func joinIndices(idx []int64, limit int) string {
	parts := make([]string, 0, len(idx))
	for i, v := range idx {
		if i == limit {
			parts = append(parts, "...")
			break
		}
		parts = append(parts, strconv.FormatInt(v, 10))
	}
	return strings.Join(parts, ",")
}
