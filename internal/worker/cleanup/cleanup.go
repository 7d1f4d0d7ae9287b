// Package cleanup はWebhookイベント台帳の自動削除ジョブを提供する。
// 保持期間（デフォルト90日）を超過した処理済みイベントを日次バッチで削除する。
// 未処理（失敗）のイベントは手動対応のため削除しない。
package cleanup

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// EventPruner は処理済みイベントの削除を抽象化するインターフェース。
// repository.StripeEventRepositoryが満たす。
type EventPruner interface {
	DeleteProcessedBefore(ctx context.Context, before time.Time) (int64, error)
}

// CleanupJob は保持期間を超過した処理済みイベントの自動削除ジョブ。
// 日次実行のバッチジョブとして設計されており、冪等な削除処理を保証する。
type CleanupJob struct {
	events        EventPruner
	logger        *slog.Logger
	now           func() time.Time
	RetentionDays int // イベントの保持日数（デフォルト: 90）
}

// NewCleanupJob は新しいCleanupJobを生成する。
// retentionDaysが0以下の場合はデフォルトの90日を使う。
func NewCleanupJob(events EventPruner, logger *slog.Logger, retentionDays int) *CleanupJob {
	if retentionDays <= 0 {
		retentionDays = 90
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &CleanupJob{
		events:        events,
		logger:        logger,
		now:           time.Now,
		RetentionDays: retentionDays,
	}
}

// Cutoff は削除対象となる処理日時の境界を返す。
func (j *CleanupJob) Cutoff() time.Time {
	return j.now().AddDate(0, 0, -j.RetentionDays)
}

// Run は保持期間を超過した処理済みイベントを削除する。
// 冪等: 削除対象がない場合でもエラーにならない。
func (j *CleanupJob) Run(ctx context.Context) error {
	start := time.Now()
	cutoff := j.Cutoff()

	deletedCount, err := j.events.DeleteProcessedBefore(ctx, cutoff)
	if err != nil {
		j.logger.Error("イベントクリーンアップジョブの実行に失敗しました",
			slog.String("error", err.Error()),
			slog.Int("retention_days", j.RetentionDays),
		)
		return fmt.Errorf("イベントクリーンアップの実行に失敗: %w", err)
	}

	j.logger.Info("イベントクリーンアップジョブが完了しました",
		slog.Int64("deleted_count", deletedCount),
		slog.Int("retention_days", j.RetentionDays),
		slog.Time("cutoff", cutoff),
		slog.Float64("duration_ms", float64(time.Since(start).Milliseconds())),
	)

	return nil
}

// Start は起動直後に1回、その後intervalごとにRunを実行する。
// ctxがキャンセルされるまでブロックする。実行失敗は次回に持ち越す。
func (j *CleanupJob) Start(ctx context.Context, interval time.Duration) {
	_ = j.Run(ctx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_ = j.Run(ctx)
		}
	}
}
