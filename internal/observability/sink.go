// Package observability implements the Observability Sink (spec
// component K): structured event emission plus an async, buffered
// metrics writer, modeled on the audit log writer's buffered-channel
// pattern — entries are enqueued and flushed by a background goroutine
// so a slow database never blocks the orchestrator or executor.
package observability

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/wisbric/seoscan/internal/telemetry"
	"github.com/wisbric/seoscan/pkg/planregistry"
	"github.com/wisbric/seoscan/pkg/scan"
)

const (
	bufferSize    = 256
	flushInterval = 2 * time.Second
	flushBatch    = 32
)

// sensitiveFields are stripped from event attributes before emission
// (spec.md §4.K).
var sensitiveFields = map[string]bool{"password": true, "token": true, "auth": true}

// Event is one structured observability event, matching spec.md §4.K's
// fixed schema.
type Event struct {
	Level        slog.Level
	Name         string
	ScanID       string
	UserType     string
	Plan         planregistry.Tier
	URL          string
	ServiceName  string
	ExecutionMs  *int64
	ErrorCode    string
	ErrorMessage string
}

// metricRow is a pending metric write, either a scan- or service-level
// row; exactly one of the two is non-nil.
type metricRow struct {
	scanMetric    *scan.ScanMetric
	serviceMetric *scan.ServiceMetric
}

// Sink is the Observability Sink: synchronous structured logging plus an
// asynchronous, best-effort metrics writer.
type Sink struct {
	repo        scan.Repository
	logger      *slog.Logger
	environment string

	rows    chan metricRow
	wg      sync.WaitGroup
	dropped atomic.Int64
}

// New returns a Sink. Call Start to begin the background flush loop.
func New(repo scan.Repository, logger *slog.Logger, environment string) *Sink {
	return &Sink{
		repo:        repo,
		logger:      logger,
		environment: environment,
		rows:        make(chan metricRow, bufferSize),
	}
}

// Start begins the background goroutine that flushes metric rows to the
// repository and returns immediately. The goroutine exits once ctx is
// cancelled and pending rows are flushed; Close waits for that.
func (s *Sink) Start(ctx context.Context) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.run(ctx)
	}()
}

// Close waits for the background flush loop to drain and exit. Callers
// must cancel the context passed to Start before calling Close.
func (s *Sink) Close() {
	s.wg.Wait()
}

// DroppedCount returns how many metric rows have been dropped because the
// buffer was full (spec.md §4.K: "a full queue drops the oldest pending
// metric row, counter-incremented").
func (s *Sink) DroppedCount() int64 { return s.dropped.Load() }

// Emit logs a structured event synchronously to the configured logger.
// Emit never blocks and never fails the caller: logging errors are
// impossible to observe from here by construction (slog handlers do not
// return errors to callers in the hot path).
func (s *Sink) Emit(e Event) {
	attrs := []any{
		"event", e.Name,
		"scanId", e.ScanID,
		"userType", e.UserType,
		"plan", e.Plan,
		"environment", s.environment,
	}
	if e.URL != "" {
		attrs = append(attrs, "url", strip(e.URL))
	}
	if e.ServiceName != "" {
		attrs = append(attrs, "serviceName", e.ServiceName)
	}
	if e.ExecutionMs != nil {
		attrs = append(attrs, "executionMs", *e.ExecutionMs)
	}
	if e.ErrorCode != "" {
		attrs = append(attrs, "errorCode", e.ErrorCode, "errorMessage", strip(e.ErrorMessage))
	}
	s.logger.Log(context.Background(), e.Level, e.Name, attrs...)
}

// RecordScanMetric enqueues an append-only scan metric row. Enqueueing
// never blocks: on a full buffer the oldest pending row is dropped to make
// room and the drop counter is incremented.
func (s *Sink) RecordScanMetric(m scan.ScanMetric) {
	s.enqueue(metricRow{scanMetric: &m})
}

// RecordServiceMetric enqueues an append-only service metric row.
func (s *Sink) RecordServiceMetric(m scan.ServiceMetric) {
	s.enqueue(metricRow{serviceMetric: &m})
}

func (s *Sink) enqueue(row metricRow) {
	select {
	case s.rows <- row:
		return
	default:
	}
	// Buffer full: drop the oldest pending row to make room.
	select {
	case <-s.rows:
	default:
	}
	s.dropped.Add(1)
	telemetry.DroppedMetricsTotal.Inc()
	s.logger.Warn("observability metric buffer full, dropping oldest row")
	select {
	case s.rows <- row:
	default:
	}
}

func (s *Sink) run(ctx context.Context) {
	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	batch := make([]metricRow, 0, flushBatch)
	flush := func() {
		if len(batch) == 0 {
			return
		}
		s.flush(batch)
		batch = batch[:0]
	}

	for {
		select {
		case row := <-s.rows:
			batch = append(batch, row)
			if len(batch) >= flushBatch {
				flush()
			}
		case <-ticker.C:
			flush()
		case <-ctx.Done():
			s.drain(&batch)
			flush()
			return
		}
	}
}

// drain empties any rows still sitting in the channel without blocking,
// for a clean shutdown flush.
func (s *Sink) drain(batch *[]metricRow) {
	for {
		select {
		case row := <-s.rows:
			*batch = append(*batch, row)
		default:
			return
		}
	}
}

// flush persists a batch of metric rows. Insertion failure is logged and
// swallowed (spec.md §7: "Observability emissions are fail-safe").
func (s *Sink) flush(batch []metricRow) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	for _, row := range batch {
		switch {
		case row.scanMetric != nil:
			if err := s.repo.InsertScanMetric(ctx, *row.scanMetric); err != nil {
				s.logger.Error("inserting scan metric", "error", err, "scanId", row.scanMetric.ScanID)
			}
		case row.serviceMetric != nil:
			if err := s.repo.InsertServiceMetric(ctx, *row.serviceMetric); err != nil {
				s.logger.Error("inserting service metric", "error", err, "scanId", row.serviceMetric.ScanID)
			}
		}
	}
}

// strip redacts any substring of s that looks like a sensitive field
// label (spec.md §4.K: password/token/auth stripped before emission).
func strip(s string) string {
	lower := strings.ToLower(s)
	for field := range sensitiveFields {
		if strings.Contains(lower, field) {
			return "[redacted]"
		}
	}
	return s
}
