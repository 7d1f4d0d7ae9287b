package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"

	"github.com/hitoshi/speakfuel/internal/model"
)

// PostgresProfileRepo はPostgreSQLを使用したプロフィールリポジトリ。
type PostgresProfileRepo struct {
	db *sql.DB
}

// NewPostgresProfileRepo はPostgresProfileRepoを生成する。
func NewPostgresProfileRepo(db *sql.DB) *PostgresProfileRepo {
	return &PostgresProfileRepo{db: db}
}

// CheckPaidAccess はcheck_paid_access関数を呼び出して購入状態を返す。
func (r *PostgresProfileRepo) CheckPaidAccess(ctx context.Context, email string) (*model.AccessStatus, error) {
	var (
		status model.AccessStatus
		reason sql.NullString
	)
	err := r.db.QueryRowContext(ctx,
		`SELECT has_access, message, reason FROM check_paid_access($1)`,
		model.NormalizeEmail(email),
	).Scan(&status.HasAccess, &status.Message, &reason)
	if err != nil {
		return nil, fmt.Errorf("failed to check paid access: %w", err)
	}

	if !status.HasAccess {
		status.Reason = model.AccessDenialReason(reason.String)
		if status.Reason == "" {
			status.Reason = model.DenialNoPaidAccess
		}
	}

	return &status, nil
}

// GrantPaidAccess はgrant_paid_access関数を呼び出してアクセスを付与する。
// userIDはSupabase AuthのユーザーID（UUID）でなければならない。
func (r *PostgresProfileRepo) GrantPaidAccess(ctx context.Context, userID, email string) (*model.GrantResult, error) {
	if _, err := uuid.Parse(userID); err != nil {
		return nil, fmt.Errorf("invalid user id %q: %w", userID, err)
	}

	var result model.GrantResult
	err := r.db.QueryRowContext(ctx,
		`SELECT success, message, already_granted FROM grant_paid_access($1, $2)`,
		userID, email,
	).Scan(&result.Success, &result.Message, &result.AlreadyGranted)
	if err != nil {
		return nil, fmt.Errorf("failed to grant paid access: %w", err)
	}
	if !result.Success {
		return &result, fmt.Errorf("grant_paid_access returned failure: %s", result.Message)
	}

	return &result, nil
}

// FindByID は指定IDのプロフィールを取得する。見つからない場合はnilを返す。
func (r *PostgresProfileRepo) FindByID(ctx context.Context, id string) (*model.Account, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, nil
	}

	var (
		account       model.Account
		purchasedAt   sql.NullTime
		purchaseEmail sql.NullString
	)
	err := r.db.QueryRowContext(ctx,
		`SELECT id, email, paid_access, purchased_at, purchase_email, created_at, updated_at
		 FROM profiles WHERE id = $1`,
		id,
	).Scan(&account.ID, &account.Email, &account.PaidAccess, &purchasedAt, &purchaseEmail,
		&account.CreatedAt, &account.UpdatedAt)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find profile by ID: %w", err)
	}

	if purchasedAt.Valid {
		t := purchasedAt.Time
		account.PurchasedAt = &t
	}
	account.PurchaseEmail = purchaseEmail.String

	return &account, nil
}

// compile-time interface check
var _ ProfileRepository = (*PostgresProfileRepo)(nil)
