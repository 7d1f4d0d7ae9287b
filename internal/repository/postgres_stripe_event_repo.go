package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/hitoshi/speakfuel/internal/model"
)

// PostgresStripeEventRepo はPostgreSQLを使用したWebhookイベント台帳。
type PostgresStripeEventRepo struct {
	db *sql.DB
}

// NewPostgresStripeEventRepo はPostgresStripeEventRepoを生成する。
func NewPostgresStripeEventRepo(db *sql.DB) *PostgresStripeEventRepo {
	return &PostgresStripeEventRepo{db: db}
}

// RecordReceived はイベントを記録し、既に処理済みかを返す。
// 同じイベントIDの再送は既存レコードを維持する。
func (r *PostgresStripeEventRepo) RecordReceived(ctx context.Context, event *model.StripeEvent) (bool, error) {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO stripe_events (id, type, session_id)
		 VALUES ($1, $2, NULLIF($3, ''))
		 ON CONFLICT (id) DO NOTHING`,
		event.ID, event.Type, event.SessionID,
	)
	if err != nil {
		return false, fmt.Errorf("failed to record stripe event: %w", err)
	}

	var processedAt sql.NullTime
	err = r.db.QueryRowContext(ctx,
		`SELECT processed_at FROM stripe_events WHERE id = $1`,
		event.ID,
	).Scan(&processedAt)
	if err != nil {
		return false, fmt.Errorf("failed to read stripe event state: %w", err)
	}

	return processedAt.Valid, nil
}

// MarkProcessed はイベントを処理済みにする。
func (r *PostgresStripeEventRepo) MarkProcessed(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE stripe_events SET processed_at = now(), error_message = NULL WHERE id = $1`,
		id,
	)
	if err != nil {
		return fmt.Errorf("failed to mark stripe event processed: %w", err)
	}
	return nil
}

// MarkFailed はイベントの処理失敗を記録する。
func (r *PostgresStripeEventRepo) MarkFailed(ctx context.Context, id, message string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE stripe_events SET error_message = $2 WHERE id = $1`,
		id, message,
	)
	if err != nil {
		return fmt.Errorf("failed to mark stripe event failed: %w", err)
	}
	return nil
}

// FindByID は指定IDのイベントを取得する。見つからない場合はnilを返す。
func (r *PostgresStripeEventRepo) FindByID(ctx context.Context, id string) (*model.StripeEvent, error) {
	var (
		event        model.StripeEvent
		sessionID    sql.NullString
		processedAt  sql.NullTime
		errorMessage sql.NullString
	)
	err := r.db.QueryRowContext(ctx,
		`SELECT id, type, session_id, received_at, processed_at, error_message
		 FROM stripe_events WHERE id = $1`,
		id,
	).Scan(&event.ID, &event.Type, &sessionID, &event.ReceivedAt, &processedAt, &errorMessage)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find stripe event by ID: %w", err)
	}

	event.SessionID = sessionID.String
	event.ErrorMessage = errorMessage.String
	if processedAt.Valid {
		t := processedAt.Time
		event.ProcessedAt = &t
	}

	return &event, nil
}

// DeleteProcessedBefore は指定時刻より前に処理済みとなったイベントを削除する。
// 未処理のイベントは調査用に残す。
func (r *PostgresStripeEventRepo) DeleteProcessedBefore(ctx context.Context, before time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx,
		`DELETE FROM stripe_events WHERE processed_at IS NOT NULL AND processed_at < $1`,
		before,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to delete processed stripe events: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return n, nil
}

// compile-time interface check
var _ StripeEventRepository = (*PostgresStripeEventRepo)(nil)
