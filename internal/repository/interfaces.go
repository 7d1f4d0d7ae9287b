// Package repository はデータ永続化のインターフェースを定義する。
package repository

import (
	"context"
	"time"

	"github.com/hitoshi/speakfuel/internal/model"
)

// ProfileRepository は購入者プロフィールの永続化インターフェース。
// アクセス判定と付与はデータベース関数を経由して行う。
type ProfileRepository interface {
	// CheckPaidAccess はメールアドレスに対応するプロフィールの購入状態を返す。
	// メールアドレスの大文字小文字は区別しない。
	CheckPaidAccess(ctx context.Context, email string) (*model.AccessStatus, error)

	// GrantPaidAccess はプロフィールを作成または更新してpaid_accessをtrueにする。
	// 冪等であり、既に付与済みの場合はAlreadyGrantedがtrueになる。
	GrantPaidAccess(ctx context.Context, userID, email string) (*model.GrantResult, error)

	// FindByID は指定IDのプロフィールを取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.Account, error)
}

// StripeEventRepository は受信したWebhookイベントの台帳インターフェース。
type StripeEventRepository interface {
	// RecordReceived はイベントを記録する。既に記録済みの場合は何もしない。
	// 既に処理済み（processed_atが設定済み）の場合はtrueを返す。
	RecordReceived(ctx context.Context, event *model.StripeEvent) (alreadyProcessed bool, err error)

	// MarkProcessed はイベントを処理済みにし、エラーメッセージをクリアする。
	MarkProcessed(ctx context.Context, id string) error

	// MarkFailed はイベントの処理失敗を記録する。処理済みにはしない。
	MarkFailed(ctx context.Context, id, message string) error

	// FindByID は指定IDのイベントを取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.StripeEvent, error)

	// DeleteProcessedBefore は指定時刻より前に処理済みとなったイベントを削除し、削除件数を返す。
	DeleteProcessedBefore(ctx context.Context, before time.Time) (int64, error)
}
