package scan

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/wisbric/seoscan/pkg/planregistry"
)

// PostgresRepository is the pgx-backed Repository implementation, hand
// written against raw SQL rather than a generated query layer: the
// catalogue of statements here is small and the CAS/atomic-counter
// semantics are easier to audit written out directly.
type PostgresRepository struct {
	pool *pgxpool.Pool
}

// NewPostgresRepository returns a Repository backed by pool.
func NewPostgresRepository(pool *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{pool: pool}
}

func (r *PostgresRepository) CreateScanWithServices(ctx context.Context, s Scan, serviceNames []planregistry.ServiceName, maxAttempts int) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin create scan tx: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		INSERT INTO scans (id, submitted_url, normalized_url, fingerprint, user_id, owner_ip, plan, status, cached, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		s.ID, s.SubmittedURL, s.NormalizedURL, s.Fingerprint, nullableStr(s.UserID), nullableStr(s.OwnerIP),
		s.Plan, s.Status, s.Cached, s.CreatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateScanID
		}
		return fmt.Errorf("inserting scan: %w", err)
	}

	for _, name := range serviceNames {
		_, err = tx.Exec(ctx, `
			INSERT INTO service_executions (scan_id, service_name, status, attempts, max_attempts, updated_at)
			VALUES ($1, $2, $3, 0, $4, now())`,
			s.ID, name, ServiceStatusPending, maxAttempts,
		)
		if err != nil {
			return fmt.Errorf("inserting service execution %s: %w", name, err)
		}
	}

	return tx.Commit(ctx)
}

func (r *PostgresRepository) LoadScanBundle(ctx context.Context, scanID string) (Bundle, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT id, submitted_url, normalized_url, fingerprint, user_id, owner_ip, plan, status,
		       started_at, completed_at, cached, total_execution_ms, created_at
		FROM scans WHERE id = $1`, scanID)

	var b Bundle
	var userID, ownerIP *string
	err := row.Scan(
		&b.Scan.ID, &b.Scan.SubmittedURL, &b.Scan.NormalizedURL, &b.Scan.Fingerprint,
		&userID, &ownerIP, &b.Scan.Plan, &b.Scan.Status,
		&b.Scan.StartedAt, &b.Scan.CompletedAt, &b.Scan.Cached, &b.Scan.TotalExecutionMs, &b.Scan.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return Bundle{}, ErrNotFound
	}
	if err != nil {
		return Bundle{}, fmt.Errorf("loading scan %s: %w", scanID, err)
	}
	b.Scan.UserID = userID
	b.Scan.OwnerIP = ownerIP

	rows, err := r.pool.Query(ctx, `
		SELECT service_name, status, result, error_code, error_message, error_retryable,
		       execution_ms, attempts, max_attempts, updated_at
		FROM service_executions WHERE scan_id = $1 ORDER BY service_name`, scanID)
	if err != nil {
		return Bundle{}, fmt.Errorf("loading service executions for %s: %w", scanID, err)
	}
	defer rows.Close()

	for rows.Next() {
		var se ServiceExecution
		se.ScanID = scanID
		var code, msg *string
		var retryable *bool
		if err := rows.Scan(
			&se.ServiceName, &se.Status, &se.Result, &code, &msg, &retryable,
			&se.ExecutionMs, &se.Attempts, &se.MaxAttempts, &se.UpdatedAt,
		); err != nil {
			return Bundle{}, fmt.Errorf("scanning service execution row: %w", err)
		}
		if code != nil {
			se.Error = &ServiceError{Code: *code, Message: deref(msg), Retryable: retryable != nil && *retryable}
		}
		b.Services = append(b.Services, se)
	}
	if err := rows.Err(); err != nil {
		return Bundle{}, fmt.Errorf("iterating service execution rows: %w", err)
	}

	return b, nil
}

func (r *PostgresRepository) TransitionScan(ctx context.Context, scanID string, from, to Status, patch ScanPatch) error {
	if !CanTransition(from, to) {
		return ErrInvalidTransition{From: from, To: to}
	}

	tag, err := r.pool.Exec(ctx, `
		UPDATE scans SET status = $1,
			started_at = COALESCE($2, started_at),
			completed_at = COALESCE($3, completed_at),
			total_execution_ms = COALESCE($4, total_execution_ms)
		WHERE id = $5 AND status = $6`,
		to, patch.StartedAt, patch.CompletedAt, patch.TotalExecutionMs, scanID, from,
	)
	if err != nil {
		return fmt.Errorf("transitioning scan %s: %w", scanID, err)
	}
	if tag.RowsAffected() == 0 {
		// Distinguish "scan doesn't exist" (ErrNotFound) from "status no
		// longer matches from" (ErrInvalidTransition); callers handle the
		// two differently.
		var exists bool
		_ = r.pool.QueryRow(ctx, `SELECT true FROM scans WHERE id = $1`, scanID).Scan(&exists)
		if !exists {
			return ErrNotFound
		}
		return ErrInvalidTransition{From: from, To: to}
	}
	return nil
}

func (r *PostgresRepository) UpdateService(ctx context.Context, scanID string, name planregistry.ServiceName, patch ServicePatch) error {
	var code, msg *string
	var retryable *bool
	if patch.Error != nil {
		code, msg, retryable = &patch.Error.Code, &patch.Error.Message, &patch.Error.Retryable
	}

	tag, err := r.pool.Exec(ctx, `
		UPDATE service_executions
		SET status = $1, result = $2, error_code = $3, error_message = $4, error_retryable = $5,
		    execution_ms = COALESCE($6, execution_ms),
		    attempts = COALESCE($7, attempts),
		    updated_at = now()
		WHERE scan_id = $8 AND service_name = $9`,
		patch.Status, patch.Result, code, msg, retryable, patch.ExecutionMs, patch.Attempts, scanID, name,
	)
	if err != nil {
		return fmt.Errorf("updating service %s/%s: %w", scanID, name, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *PostgresRepository) ResetServicesToPending(ctx context.Context, scanID string, names []planregistry.ServiceName) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE service_executions
		SET status = $1, result = NULL, error_code = NULL, error_message = NULL, error_retryable = NULL,
		    execution_ms = NULL, updated_at = now()
		WHERE scan_id = $2 AND service_name = ANY($3)`,
		ServiceStatusPending, scanID, serviceNamesToStrings(names),
	)
	if err != nil {
		return fmt.Errorf("resetting services for scan %s: %w", scanID, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *PostgresRepository) FindCacheEntry(ctx context.Context, fingerprint string) (CacheEntry, error) {
	var e CacheEntry
	err := r.pool.QueryRow(ctx, `
		SELECT fingerprint, scan_id, expires_at, created_at
		FROM cache_entries WHERE fingerprint = $1 AND expires_at > now()`, fingerprint,
	).Scan(&e.Fingerprint, &e.ScanID, &e.ExpiresAt, &e.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return CacheEntry{}, ErrNotFound
	}
	if err != nil {
		return CacheEntry{}, fmt.Errorf("finding cache entry %s: %w", fingerprint, err)
	}
	return e, nil
}

func (r *PostgresRepository) PutCacheEntry(ctx context.Context, fingerprint, scanID string, expiresAt time.Time) error {
	tag, err := r.pool.Exec(ctx, `
		INSERT INTO cache_entries (fingerprint, scan_id, expires_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (fingerprint) DO UPDATE SET scan_id = EXCLUDED.scan_id, expires_at = EXCLUDED.expires_at, created_at = now()
		WHERE cache_entries.expires_at < EXCLUDED.expires_at OR cache_entries.expires_at <= now()`,
		fingerprint, scanID, expiresAt,
	)
	if err != nil {
		return fmt.Errorf("putting cache entry %s: %w", fingerprint, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrConflictIgnored
	}
	return nil
}

func (r *PostgresRepository) SweepExpiredCacheEntries(ctx context.Context, now time.Time) (int64, error) {
	tag, err := r.pool.Exec(ctx, `DELETE FROM cache_entries WHERE expires_at <= $1`, now)
	if err != nil {
		return 0, fmt.Errorf("sweeping expired cache entries: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (r *PostgresRepository) ConsumeDailyScan(ctx context.Context, identity Identity, day time.Time, limit int) (UsageCounter, error) {
	return r.consumeGuarded(ctx, identity, day, "scans_used", limit)
}

func (r *PostgresRepository) ConsumeRetry(ctx context.Context, identity Identity, day time.Time, limit int) (UsageCounter, error) {
	return r.consumeGuarded(ctx, identity, day, "retries_used", limit)
}

func (r *PostgresRepository) ConsumeDownload(ctx context.Context, identity Identity, day time.Time) (UsageCounter, error) {
	return r.consume(ctx, identity, day, "downloads_used")
}

// consume atomically increments one usage column for identity+day via
// INSERT ... ON CONFLICT DO UPDATE ... RETURNING, with no limit guard
// (used only for ConsumeDownload, whose entitlement is a plan-level
// boolean, not a counted quota).
func (r *PostgresRepository) consume(ctx context.Context, identity Identity, day time.Time, column string) (UsageCounter, error) {
	query := fmt.Sprintf(`
		INSERT INTO usage_counters (identity, usage_date, %[1]s)
		VALUES ($1, $2, 1)
		ON CONFLICT (identity, usage_date) DO UPDATE SET %[1]s = usage_counters.%[1]s + 1
		RETURNING scans_used, retries_used, downloads_used`, column)

	var u UsageCounter
	err := r.pool.QueryRow(ctx, query, identity.Key(), day.Format("2006-01-02")).Scan(&u.ScansUsed, &u.RetriesUsed, &u.DownloadsUsed)
	if err != nil {
		return UsageCounter{}, fmt.Errorf("consuming %s for %s: %w", column, identity.Key(), err)
	}
	return u, nil
}

// consumeGuarded atomically compares one usage column for identity+day
// against limit and increments it only if still below limit, in a single
// statement: the UPDATE arm's WHERE clause re-checks the column under the
// same row-level lock the UPSERT itself takes, so two concurrent callers
// for the same identity can never both land past limit (spec.md §4.B,
// §5 "quota counters... must be atomic"). limit<=0 is rejected outright
// without touching the table, covering plans with a zero allotment.
func (r *PostgresRepository) consumeGuarded(ctx context.Context, identity Identity, day time.Time, column string, limit int) (UsageCounter, error) {
	if limit <= 0 {
		return UsageCounter{}, ErrQuotaExceeded
	}

	query := fmt.Sprintf(`
		INSERT INTO usage_counters (identity, usage_date, %[1]s)
		VALUES ($1, $2, 1)
		ON CONFLICT (identity, usage_date) DO UPDATE
			SET %[1]s = usage_counters.%[1]s + 1
			WHERE usage_counters.%[1]s < $3
		RETURNING scans_used, retries_used, downloads_used`, column)

	var u UsageCounter
	err := r.pool.QueryRow(ctx, query, identity.Key(), day.Format("2006-01-02"), limit).Scan(&u.ScansUsed, &u.RetriesUsed, &u.DownloadsUsed)
	if errors.Is(err, pgx.ErrNoRows) {
		return UsageCounter{}, ErrQuotaExceeded
	}
	if err != nil {
		return UsageCounter{}, fmt.Errorf("consuming %s for %s: %w", column, identity.Key(), err)
	}
	return u, nil
}

func (r *PostgresRepository) PeekUsage(ctx context.Context, identity Identity, day time.Time) (UsageCounter, error) {
	var u UsageCounter
	err := r.pool.QueryRow(ctx, `
		SELECT scans_used, retries_used, downloads_used FROM usage_counters
		WHERE identity = $1 AND usage_date = $2`,
		identity.Key(), day.Format("2006-01-02"),
	).Scan(&u.ScansUsed, &u.RetriesUsed, &u.DownloadsUsed)
	if errors.Is(err, pgx.ErrNoRows) {
		return UsageCounter{}, nil
	}
	if err != nil {
		return UsageCounter{}, fmt.Errorf("peeking usage for %s: %w", identity.Key(), err)
	}
	return u, nil
}

func (r *PostgresRepository) InsertScanMetric(ctx context.Context, m ScanMetric) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO scan_metrics (id, scan_id, user_type, plan, url, status, cached, total_ms, services_executed, services_failed)
		VALUES (gen_random_uuid(), $1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		m.ScanID, m.UserType, m.Plan, m.URL, m.Status, m.Cached, m.TotalMs, m.ServicesExecuted, m.ServicesFailed,
	)
	if err != nil {
		return fmt.Errorf("inserting scan metric for %s: %w", m.ScanID, err)
	}
	return nil
}

func (r *PostgresRepository) InsertServiceMetric(ctx context.Context, m ServiceMetric) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO service_metrics (id, scan_id, service_name, status, execution_ms, retry_attempts, error_code, error_message)
		VALUES (gen_random_uuid(), $1, $2, $3, $4, $5, $6, $7)`,
		m.ScanID, m.ServiceName, m.Status, m.ExecutionMs, m.RetryAttempts, nullableStr(&m.ErrorCode), nullableStr(&m.ErrorMessage),
	)
	if err != nil {
		return fmt.Errorf("inserting service metric for %s/%s: %w", m.ScanID, m.ServiceName, err)
	}
	return nil
}

func (r *PostgresRepository) AggregateScanMetrics(ctx context.Context, since time.Time) (MetricsSummary, error) {
	summary := MetricsSummary{Since: since, ScansByStatus: make(map[string]int)}

	rows, err := r.pool.Query(ctx, `
		SELECT status, count(*), count(*) FILTER (WHERE cached), coalesce(avg(total_ms), 0)
		FROM scan_metrics WHERE created_at >= $1 GROUP BY status`, since)
	if err != nil {
		return MetricsSummary{}, fmt.Errorf("aggregating scan metrics: %w", err)
	}
	defer rows.Close()

	var weightedMs, totalForAvg float64
	for rows.Next() {
		var status string
		var count, cached int
		var avgMs float64
		if err := rows.Scan(&status, &count, &cached, &avgMs); err != nil {
			return MetricsSummary{}, fmt.Errorf("scanning scan metric aggregate row: %w", err)
		}
		summary.ScansByStatus[status] = count
		summary.ScansTotal += count
		summary.ScansCached += cached
		weightedMs += avgMs * float64(count)
		totalForAvg += float64(count)
	}
	if err := rows.Err(); err != nil {
		return MetricsSummary{}, fmt.Errorf("iterating scan metric aggregate rows: %w", err)
	}
	if totalForAvg > 0 {
		summary.AvgTotalMs = weightedMs / totalForAvg
	}

	err = r.pool.QueryRow(ctx, `
		SELECT coalesce(sum(services_executed), 0), coalesce(sum(services_failed), 0)
		FROM scan_metrics WHERE created_at >= $1`, since,
	).Scan(&summary.ServicesExecuted, &summary.ServicesFailed)
	if err != nil {
		return MetricsSummary{}, fmt.Errorf("summing service counts: %w", err)
	}

	return summary, nil
}

func nullableStr(s *string) *string {
	if s == nil || *s == "" {
		return nil
	}
	return s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func serviceNamesToStrings(names []planregistry.ServiceName) []string {
	out := make([]string, len(names))
	for i, n := range names {
		out[i] = string(n)
	}
	return out
}

// isUniqueViolation reports whether err is a Postgres unique_violation
// (SQLSTATE 23505), the only constraint createScanWithServices can hit on
// a colliding id.
func isUniqueViolation(err error) bool {
	var pgErr interface{ SQLState() string }
	if errors.As(err, &pgErr) {
		return pgErr.SQLState() == "23505"
	}
	return false
}

var _ Repository = (*PostgresRepository)(nil)
