package queue

import (
	"context"
	"database/sql"
	"fmt"
	"math"
	"time"

	"github.com/lib/pq"
	"go.uber.org/zap"
)

// Store is the durable queue on PostgreSQL. The database is the sole
// coordination point between dispatcher workers; no in-process locks guard
// queue state.
type Store struct {
	db     *sql.DB
	logger *zap.Logger
}

func NewStore(db *sql.DB, logger *zap.Logger) *Store {
	return &Store{db: db, logger: logger}
}

func (s *Store) DB() *sql.DB { return s.db }

const itemColumns = `id, campaign_id, contact_id, message_content, priority, status,
	attempts, max_attempts, scheduled_at, next_retry_at, last_attempt_at,
	processed_at, external_message_id, error_message, created_at`

func scanItem(row interface{ Scan(...any) error }) (*Item, error) {
	var it Item
	err := row.Scan(&it.ID, &it.CampaignID, &it.ContactID, &it.Content, &it.Priority,
		&it.Status, &it.Attempts, &it.MaxAttempts, &it.ScheduledAt, &it.NextRetryAt,
		&it.LastAttemptAt, &it.ProcessedAt, &it.ExternalMessageID, &it.ErrorMessage,
		&it.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &it, nil
}

func (s *Store) Insert(ctx context.Context, it *Item) error {
	query := `INSERT INTO sms_queue (campaign_id, contact_id, message_content, priority, status, attempts, max_attempts, scheduled_at)
		VALUES ($1, $2, $3, $4, 'pending', 0, $5, $6)
		RETURNING id, created_at`

	err := s.db.QueryRowContext(ctx, query,
		it.CampaignID, it.ContactID, it.Content, it.Priority, it.MaxAttempts, it.ScheduledAt).
		Scan(&it.ID, &it.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to enqueue item: %w", err)
	}

	it.Status = StatusPending
	return nil
}

func (s *Store) GetByID(ctx context.Context, id int64) (*Item, error) {
	query := `SELECT ` + itemColumns + ` FROM sms_queue WHERE id = $1`

	it, err := scanItem(s.db.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get queue item: %w", err)
	}
	return it, nil
}

// LeasePending atomically claims up to limit eligible items, moving them
// pending -> processing. Rows visible to one lease are invisible to
// concurrent leases (SKIP LOCKED).
func (s *Store) LeasePending(ctx context.Context, limit int) ([]*Item, error) {
	query := `
		UPDATE sms_queue
		SET status = 'processing', last_attempt_at = NOW()
		WHERE id IN (
			SELECT id FROM sms_queue
			WHERE status = 'pending'
			  AND scheduled_at <= NOW()
			  AND (next_retry_at IS NULL OR next_retry_at <= NOW())
			ORDER BY priority ASC, created_at ASC
			LIMIT $1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING ` + itemColumns

	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to lease pending items: %w", err)
	}
	defer rows.Close()

	var items []*Item
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan leased item: %w", err)
		}
		items = append(items, it)
	}
	return items, rows.Err()
}

// AttachContactPhones fills ContactPhone on the given items in one query.
func (s *Store) AttachContactPhones(ctx context.Context, items []*Item) error {
	if len(items) == 0 {
		return nil
	}

	ids := make([]int64, 0, len(items))
	for _, it := range items {
		ids = append(ids, it.ContactID)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, numero_telephone FROM contacts WHERE id = ANY($1)`, pq.Array(ids))
	if err != nil {
		return fmt.Errorf("failed to load contact phones: %w", err)
	}
	defer rows.Close()

	phones := make(map[int64]string, len(items))
	for rows.Next() {
		var id int64
		var phone string
		if err := rows.Scan(&id, &phone); err != nil {
			return fmt.Errorf("failed to scan contact phone: %w", err)
		}
		phones[id] = phone
	}
	if err := rows.Err(); err != nil {
		return err
	}

	for _, it := range items {
		it.ContactPhone = phones[it.ContactID]
	}
	return nil
}

// MarkSent completes a leased item. Re-calling with the same external ID is
// a no-op success so a duplicate dispatch acknowledgement cannot fail.
func (s *Store) MarkSent(ctx context.Context, id int64, externalID string) error {
	query := `UPDATE sms_queue
		SET status = 'sent', processed_at = NOW(), external_message_id = $2, error_message = NULL
		WHERE id = $1 AND (status = 'processing' OR (status = 'sent' AND external_message_id = $2))`

	result, err := s.db.ExecContext(ctx, query, id, externalID)
	if err != nil {
		return fmt.Errorf("failed to mark item sent: %w", err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return ErrInvalidState
	}

	s.logger.Info("queue item sent", zap.Int64("id", id), zap.String("external_id", externalID))
	return nil
}

// retryBackoff is the delay before redispatching an item that has now
// failed attempt times: one backoff unit doubled per attempt.
func retryBackoff(attempt int, unit time.Duration) time.Duration {
	return time.Duration(float64(unit) * math.Pow(2, float64(attempt)))
}

// FailAttempt books a failed dispatch attempt. Transient failures with
// retries remaining go back to pending with next_retry_at pushed out by
// the doubling backoff; permanent failures and exhausted items go to
// failed. Returns the post-update status and attempt count.
func (s *Store) FailAttempt(ctx context.Context, id int64, errMsg string, permanent bool, backoffUnit time.Duration) (Status, int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var attempts, maxAttempts int
	err = tx.QueryRowContext(ctx,
		`SELECT attempts, max_attempts FROM sms_queue
		 WHERE id = $1 AND status = 'processing' FOR UPDATE`, id).
		Scan(&attempts, &maxAttempts)
	if err == sql.ErrNoRows {
		return "", 0, ErrInvalidState
	}
	if err != nil {
		return "", 0, fmt.Errorf("failed to lock queue item: %w", err)
	}

	attempts++
	status := StatusPending
	var nextRetry any
	if permanent || attempts >= maxAttempts {
		status = StatusFailed
	} else {
		nextRetry = time.Now().UTC().Add(retryBackoff(attempts, backoffUnit))
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE sms_queue
		SET attempts = $2,
		    last_attempt_at = NOW(),
		    error_message = $3,
		    status = $4,
		    processed_at = CASE WHEN $4 = 'failed' THEN NOW() ELSE NULL END,
		    next_retry_at = $5
		WHERE id = $1`,
		id, attempts, errMsg, status, nextRetry)
	if err != nil {
		return "", 0, fmt.Errorf("failed to record failed attempt: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return "", 0, fmt.Errorf("failed to commit failed attempt: %w", err)
	}

	return status, attempts, nil
}

// Cancel terminates a pending or processing item. Returns false when the
// item is missing or already terminal; a terminal item is never mutated.
func (s *Store) Cancel(ctx context.Context, id int64, reason string) (bool, error) {
	query := `UPDATE sms_queue
		SET status = 'cancelled', error_message = $2, processed_at = NOW()
		WHERE id = $1 AND status IN ('pending', 'processing')`

	result, err := s.db.ExecContext(ctx, query, id, reason)
	if err != nil {
		return false, fmt.Errorf("failed to cancel queue item: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return false, nil
	}

	s.logger.Info("queue item cancelled", zap.Int64("id", id), zap.String("reason", reason))
	return true, nil
}

// ResetForRetry puts a failed item back in the queue for an operator-forced
// retry. Attempts are preserved so another failure still counts against the
// remaining backoff budget.
func (s *Store) ResetForRetry(ctx context.Context, id int64) (bool, error) {
	query := `UPDATE sms_queue
		SET status = 'pending', next_retry_at = NULL, error_message = NULL, processed_at = NULL
		WHERE id = $1 AND status = 'failed'`

	result, err := s.db.ExecContext(ctx, query, id)
	if err != nil {
		return false, fmt.Errorf("failed to reset queue item: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return false, nil
	}

	s.logger.Info("queue item reset for retry", zap.Int64("id", id))
	return true, nil
}

func (s *Store) Stats(ctx context.Context) (*Stats, error) {
	stats := &Stats{
		StatusCounts:         make(map[Status]int64),
		PriorityDistribution: make(map[int]int64),
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM sms_queue GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("failed to count statuses: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var status Status
		var count int64
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		stats.StatusCounts[status] = count
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	prows, err := s.db.QueryContext(ctx,
		`SELECT priority, COUNT(*) FROM sms_queue WHERE status = 'pending' GROUP BY priority`)
	if err != nil {
		return nil, fmt.Errorf("failed to count priorities: %w", err)
	}
	defer prows.Close()
	for prows.Next() {
		var priority int
		var count int64
		if err := prows.Scan(&priority, &count); err != nil {
			return nil, err
		}
		stats.PriorityDistribution[priority] = count
	}
	if err := prows.Err(); err != nil {
		return nil, err
	}

	err = s.db.QueryRowContext(ctx,
		`SELECT COALESCE(AVG(EXTRACT(EPOCH FROM processed_at - created_at)), 0)
		 FROM sms_queue
		 WHERE status = 'sent' AND processed_at >= NOW() - INTERVAL '24 hours'`).
		Scan(&stats.AvgProcessingSeconds)
	if err != nil {
		return nil, fmt.Errorf("failed to compute processing time: %w", err)
	}

	stats.FailedCount = stats.StatusCounts[StatusFailed]

	err = s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM sms_queue WHERE status = 'pending' AND scheduled_at > NOW()`).
		Scan(&stats.FutureScheduled)
	if err != nil {
		return nil, fmt.Errorf("failed to count future scheduled: %w", err)
	}

	return stats, nil
}

// Cleanup deletes terminal rows processed before the retention window.
// Rows without processed_at are never deleted.
func (s *Store) Cleanup(ctx context.Context, days int) (int64, error) {
	query := `DELETE FROM sms_queue
		WHERE status IN ('sent', 'failed', 'cancelled')
		  AND processed_at IS NOT NULL
		  AND processed_at < NOW() - make_interval(days => $1)`

	result, err := s.db.ExecContext(ctx, query, days)
	if err != nil {
		return 0, fmt.Errorf("failed to clean up queue: %w", err)
	}
	count, _ := result.RowsAffected()

	if count > 0 {
		s.logger.Info("cleaned up old queue records", zap.Int64("deleted", count), zap.Int("days", days))
	}
	return count, nil
}

func (s *Store) CleanupPreview(ctx context.Context, days int) (*CleanupPreview, error) {
	query := `SELECT status, COUNT(*) FROM sms_queue
		WHERE status IN ('sent', 'failed', 'cancelled')
		  AND processed_at IS NOT NULL
		  AND processed_at < NOW() - make_interval(days => $1)
		GROUP BY status`

	rows, err := s.db.QueryContext(ctx, query, days)
	if err != nil {
		return nil, fmt.Errorf("failed to preview cleanup: %w", err)
	}
	defer rows.Close()

	var preview CleanupPreview
	for rows.Next() {
		var status Status
		var count int64
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		switch status {
		case StatusSent:
			preview.SentRecords = count
		case StatusFailed:
			preview.FailedRecords = count
		case StatusCancelled:
			preview.CancelledRecords = count
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	preview.TotalRecords = preview.SentRecords + preview.FailedRecords + preview.CancelledRecords
	return &preview, nil
}

// List returns queue items newest first, joined with the contact for phone
// display.
func (s *Store) List(ctx context.Context, status *Status, campaignID *int64, limit, offset int) ([]*Item, error) {
	query := `SELECT q.id, q.campaign_id, q.contact_id, c.numero_telephone, q.message_content,
		q.priority, q.status, q.attempts, q.max_attempts, q.scheduled_at, q.next_retry_at,
		q.last_attempt_at, q.processed_at, q.external_message_id, q.error_message, q.created_at
		FROM sms_queue q
		JOIN contacts c ON c.id = q.contact_id`

	var args []any
	where := ""
	if status != nil {
		args = append(args, *status)
		where = fmt.Sprintf(" WHERE q.status = $%d", len(args))
	}
	if campaignID != nil {
		args = append(args, *campaignID)
		if where == "" {
			where = fmt.Sprintf(" WHERE q.campaign_id = $%d", len(args))
		} else {
			where += fmt.Sprintf(" AND q.campaign_id = $%d", len(args))
		}
	}
	args = append(args, limit, offset)
	query += where + fmt.Sprintf(" ORDER BY q.created_at DESC LIMIT $%d OFFSET $%d", len(args)-1, len(args))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list queue items: %w", err)
	}
	defer rows.Close()

	var items []*Item
	for rows.Next() {
		var it Item
		err := rows.Scan(&it.ID, &it.CampaignID, &it.ContactID, &it.ContactPhone, &it.Content,
			&it.Priority, &it.Status, &it.Attempts, &it.MaxAttempts, &it.ScheduledAt,
			&it.NextRetryAt, &it.LastAttemptAt, &it.ProcessedAt, &it.ExternalMessageID,
			&it.ErrorMessage, &it.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan queue item: %w", err)
		}
		items = append(items, &it)
	}
	return items, rows.Err()
}

// ReapStuck returns processing items whose lease is older than the timeout
// to pending. The abandoned attempt counts: attempts is incremented and
// backoff applied, and exhausted items fail outright.
func (s *Store) ReapStuck(ctx context.Context, leaseTimeout, backoffUnit time.Duration) (int64, error) {
	query := `UPDATE sms_queue
		SET attempts = attempts + 1,
		    error_message = 'dispatch lease expired',
		    status = CASE WHEN attempts + 1 >= max_attempts THEN 'failed' ELSE 'pending' END,
		    processed_at = CASE WHEN attempts + 1 >= max_attempts THEN NOW() ELSE NULL END,
		    next_retry_at = CASE WHEN attempts + 1 >= max_attempts THEN NULL
		                         ELSE NOW() + make_interval(secs => $2 * power(2, attempts + 1)) END
		WHERE status = 'processing' AND last_attempt_at < NOW() - make_interval(secs => $1)`

	result, err := s.db.ExecContext(ctx, query, leaseTimeout.Seconds(), backoffUnit.Seconds())
	if err != nil {
		return 0, fmt.Errorf("failed to reap stuck leases: %w", err)
	}
	count, _ := result.RowsAffected()

	if count > 0 {
		s.logger.Warn("reaped stuck processing leases", zap.Int64("count", count))
	}
	return count, nil
}

// ContactPhone looks up the raw phone number for submit validation.
func (s *Store) ContactPhone(ctx context.Context, contactID int64) (string, error) {
	var phone string
	err := s.db.QueryRowContext(ctx,
		`SELECT numero_telephone FROM contacts WHERE id = $1`, contactID).Scan(&phone)
	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}
	return phone, err
}

// CampaignStatus looks up a campaign's status for submit validation.
func (s *Store) CampaignStatus(ctx context.Context, campaignID int64) (string, error) {
	var status string
	err := s.db.QueryRowContext(ctx,
		`SELECT statut FROM campagnes WHERE id = $1`, campaignID).Scan(&status)
	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}
	return status, err
}

func (s *Store) Health(ctx context.Context) error {
	return s.db.PingContext(ctx)
}
