package messages

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Store persists messages and their append-only lifecycle logs. Every
// event append and its fold into the message aggregate happen in one
// transaction, so a log row and its aggregate effect are never observed
// apart.
type Store struct {
	db     *sql.DB
	logger *zap.Logger
}

func NewStore(db *sql.DB, logger *zap.Logger) *Store {
	return &Store{db: db, logger: logger}
}

const messageColumns = `id, contenu, date_envoi, statut_livraison, sender_id, final_status,
	delivery_attempts, delivery_timestamp, external_message_id, error_message, cost,
	id_contact, id_campagne, id_liste, queue_item_id, updated_at`

func scanMessage(row interface{ Scan(...any) error }) (*Message, error) {
	var m Message
	var cost sql.NullString
	var finalStatus sql.NullString
	err := row.Scan(
		&m.ID, &m.Content, &m.SentAt, &m.DeliveryStatus, &m.SenderID, &finalStatus,
		&m.DeliveryAttempts, &m.DeliveredAt, &m.ExternalMessageID, &m.ErrorMessage, &cost,
		&m.ContactID, &m.CampaignID, &m.ListID, &m.QueueItemID, &m.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if finalStatus.Valid {
		fs := MessageStatus(finalStatus.String)
		m.FinalStatus = &fs
	}
	if cost.Valid {
		d, err := decimal.NewFromString(cost.String)
		if err != nil {
			return nil, fmt.Errorf("failed to parse message cost: %w", err)
		}
		m.Cost = &d
	}
	return &m, nil
}

// Insert creates the message row backing a dispatch attempt.
func (s *Store) Insert(ctx context.Context, m *Message) error {
	var cost any
	if m.Cost != nil {
		cost = m.Cost.String()
	}
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO messages (contenu, date_envoi, statut_livraison, sender_id,
			delivery_attempts, external_message_id, error_message, cost,
			id_contact, id_campagne, id_liste, queue_item_id, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, NOW())
		RETURNING id, date_envoi, updated_at`,
		m.Content, m.SentAt, m.DeliveryStatus, m.SenderID,
		m.DeliveryAttempts, m.ExternalMessageID, m.ErrorMessage, cost,
		m.ContactID, m.CampaignID, m.ListID, m.QueueItemID,
	).Scan(&m.ID, &m.SentAt, &m.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert message: %w", err)
	}
	return nil
}

// AppendEvent writes one log row and folds it into the message aggregate
// atomically. The message row is locked first so concurrent appends
// serialize and attempt numbers stay dense; final_status and
// delivery_timestamp are written at most once.
func (s *Store) AppendEvent(ctx context.Context, ev Event) (*MessageLog, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var currentFinal sql.NullString
	var deliveredAt sql.NullTime
	err = tx.QueryRowContext(ctx,
		`SELECT final_status, delivery_timestamp FROM messages WHERE id = $1 FOR UPDATE`,
		ev.MessageID,
	).Scan(&currentFinal, &deliveredAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to lock message: %w", err)
	}

	var attemptNumber int
	err = tx.QueryRowContext(ctx,
		`SELECT COUNT(*) + 1 FROM message_logs WHERE message_id = $1`,
		ev.MessageID,
	).Scan(&attemptNumber)
	if err != nil {
		return nil, fmt.Errorf("failed to count message logs: %w", err)
	}

	var rawResponse []byte
	if ev.ProviderResponse != nil {
		rawResponse, err = json.Marshal(ev.ProviderResponse)
		if err != nil {
			return nil, fmt.Errorf("failed to encode provider response: %w", err)
		}
	}
	var cost any
	if ev.Cost != nil {
		cost = ev.Cost.String()
	}
	// lib/pq sends []byte as bytea; jsonb wants text.
	var responseArg any
	if rawResponse != nil {
		responseArg = string(rawResponse)
	}

	log := &MessageLog{
		MessageID:         ev.MessageID,
		QueueItemID:       ev.QueueItemID,
		Status:            ev.Status,
		EventType:         ev.Type,
		ProviderStatus:    ev.ProviderStatus,
		ProviderResponse:  rawResponse,
		ErrorCode:         ev.ErrorCode,
		ErrorMessage:      ev.ErrorMessage,
		AttemptNumber:     attemptNumber,
		ExternalMessageID: ev.ExternalID,
		Cost:              ev.Cost,
		ProcessingMs:      ev.ProcessingMs,
	}
	err = tx.QueryRowContext(ctx, `
		INSERT INTO message_logs (message_id, queue_item_id, status, event_type,
			provider_status, provider_response, error_code, error_message,
			attempt_number, external_message_id, cost, processing_duration_ms)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		RETURNING id, created_at`,
		log.MessageID, log.QueueItemID, log.Status, log.EventType,
		log.ProviderStatus, responseArg, log.ErrorCode, log.ErrorMessage,
		log.AttemptNumber, log.ExternalMessageID, cost, log.ProcessingMs,
	).Scan(&log.ID, &log.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to insert message log: %w", err)
	}

	var current *MessageStatus
	if currentFinal.Valid {
		fs := MessageStatus(currentFinal.String)
		current = &fs
	}
	var finalArg any
	if fs := foldFinalStatus(current, ev.Status); fs != nil {
		finalArg = string(*fs)
	}
	markDelivered := !deliveredAt.Valid && ev.Status == StatusDelivered

	_, err = tx.ExecContext(ctx, `
		UPDATE messages SET
			statut_livraison = $2,
			delivery_attempts = $3,
			external_message_id = COALESCE($4, external_message_id),
			error_message = COALESCE($5, error_message),
			cost = COALESCE($6, cost),
			final_status = $7,
			delivery_timestamp = CASE WHEN $8 THEN NOW() ELSE delivery_timestamp END,
			updated_at = NOW()
		WHERE id = $1`,
		ev.MessageID, ev.Status, attemptNumber, ev.ExternalID, ev.ErrorMessage, cost,
		finalArg, markDelivered,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to update message aggregate: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit message event: %w", err)
	}
	return log, nil
}

func (s *Store) GetByID(ctx context.Context, id int64) (*Message, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+messageColumns+` FROM messages WHERE id = $1`, id)
	m, err := scanMessage(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get message: %w", err)
	}
	return m, nil
}

// GetByQueueItemID resolves the message opened for a queue item, so a
// redispatched item keeps logging into the same record.
func (s *Store) GetByQueueItemID(ctx context.Context, queueItemID int64) (*Message, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+messageColumns+` FROM messages
		 WHERE queue_item_id = $1
		 ORDER BY id DESC LIMIT 1`, queueItemID)
	m, err := scanMessage(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get message by queue item: %w", err)
	}
	return m, nil
}

// GetByExternalID resolves a message by the carrier's identifier. When the
// carrier reused an identifier the most recent message wins.
func (s *Store) GetByExternalID(ctx context.Context, externalID string) (*Message, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+messageColumns+` FROM messages
		 WHERE external_message_id = $1
		 ORDER BY date_envoi DESC LIMIT 1`, externalID)
	m, err := scanMessage(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get message by external id: %w", err)
	}
	return m, nil
}

// Timeline returns a message's log rows in chronological order.
func (s *Store) Timeline(ctx context.Context, messageID int64) ([]*MessageLog, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, message_id, queue_item_id, status, event_type,
			provider_status, provider_response, error_code, error_message,
			attempt_number, external_message_id, cost, processing_duration_ms, created_at
		FROM message_logs
		WHERE message_id = $1
		ORDER BY created_at ASC, id ASC`, messageID)
	if err != nil {
		return nil, fmt.Errorf("failed to query message timeline: %w", err)
	}
	defer rows.Close()

	var logs []*MessageLog
	for rows.Next() {
		var l MessageLog
		var cost sql.NullString
		var raw []byte
		err := rows.Scan(
			&l.ID, &l.MessageID, &l.QueueItemID, &l.Status, &l.EventType,
			&l.ProviderStatus, &raw, &l.ErrorCode, &l.ErrorMessage,
			&l.AttemptNumber, &l.ExternalMessageID, &cost, &l.ProcessingMs, &l.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan message log: %w", err)
		}
		if raw != nil {
			l.ProviderResponse = json.RawMessage(raw)
		}
		if cost.Valid {
			d, err := decimal.NewFromString(cost.String)
			if err != nil {
				return nil, fmt.Errorf("failed to parse log cost: %w", err)
			}
			l.Cost = &d
		}
		logs = append(logs, &l)
	}
	return logs, rows.Err()
}

// CampaignStats aggregates delivery outcomes across a campaign's messages.
func (s *Store) CampaignStats(ctx context.Context, campaignID int64) (*CampaignStats, error) {
	stats := &CampaignStats{
		StatusBreakdown: make(map[string]int64),
		ErrorSummary:    make(map[string]int64),
		TotalCost:       decimal.Zero,
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT statut_livraison, COUNT(*)
		FROM messages WHERE id_campagne = $1
		GROUP BY statut_livraison`, campaignID)
	if err != nil {
		return nil, fmt.Errorf("failed to query campaign status breakdown: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var status string
		var count int64
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		stats.StatusBreakdown[status] = count
		stats.TotalMessages += count
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var totalCost sql.NullString
	var avgDelivery sql.NullFloat64
	var retried, delivered int64
	err = s.db.QueryRowContext(ctx, `
		SELECT
			COALESCE(SUM(cost), 0),
			AVG(EXTRACT(EPOCH FROM (delivery_timestamp - date_envoi))) FILTER (WHERE delivery_timestamp IS NOT NULL),
			COUNT(*) FILTER (WHERE delivery_attempts > 1),
			COUNT(*) FILTER (WHERE final_status = 'delivered' OR statut_livraison = 'delivered')
		FROM messages WHERE id_campagne = $1`, campaignID,
	).Scan(&totalCost, &avgDelivery, &retried, &delivered)
	if err != nil {
		return nil, fmt.Errorf("failed to query campaign aggregates: %w", err)
	}
	if totalCost.Valid {
		d, err := decimal.NewFromString(totalCost.String)
		if err != nil {
			return nil, fmt.Errorf("failed to parse campaign cost: %w", err)
		}
		stats.TotalCost = d
	}
	if avgDelivery.Valid {
		stats.AvgDeliverySeconds = avgDelivery.Float64
	}

	if stats.TotalMessages > 0 {
		stats.DeliveryRatePct = float64(delivered) / float64(stats.TotalMessages) * 100
		stats.RetryRatePct = float64(retried) / float64(stats.TotalMessages) * 100
	}

	errRows, err := s.db.QueryContext(ctx, `
		SELECT l.error_code || ': ' || COALESCE(l.error_message, ''), COUNT(*)
		FROM message_logs l
		JOIN messages m ON m.id = l.message_id
		WHERE m.id_campagne = $1 AND l.error_code IS NOT NULL
		GROUP BY 1
		ORDER BY COUNT(*) DESC`, campaignID)
	if err != nil {
		return nil, fmt.Errorf("failed to query campaign error summary: %w", err)
	}
	defer errRows.Close()
	for errRows.Next() {
		var key string
		var count int64
		if err := errRows.Scan(&key, &count); err != nil {
			return nil, err
		}
		stats.ErrorSummary[key] = count
	}
	return stats, errRows.Err()
}

// FailedForRetry lists failed messages newest first, optionally scoped to
// one campaign.
func (s *Store) FailedForRetry(ctx context.Context, campaignID *int64, limit int) ([]*Message, error) {
	query := `SELECT ` + messageColumns + ` FROM messages
		WHERE statut_livraison = 'failed'`
	args := []any{}
	if campaignID != nil {
		args = append(args, *campaignID)
		query += ` AND id_campagne = $1`
	}
	args = append(args, limit)
	query += fmt.Sprintf(` ORDER BY updated_at DESC LIMIT $%d`, len(args))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query failed messages: %w", err)
	}
	defer rows.Close()

	var out []*Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// SentForPolling lists recently sent messages awaiting a delivery verdict,
// for the status poller to reconcile against the carrier.
func (s *Store) SentForPolling(ctx context.Context, window time.Duration, limit int) ([]*Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+messageColumns+` FROM messages
		WHERE statut_livraison = 'sent'
		  AND external_message_id IS NOT NULL
		  AND date_envoi >= NOW() - make_interval(secs => $1)
		ORDER BY date_envoi ASC
		LIMIT $2`, window.Seconds(), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query messages for polling: %w", err)
	}
	defer rows.Close()

	var out []*Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}
