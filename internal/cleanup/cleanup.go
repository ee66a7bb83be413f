// Package cleanup は期限切れセッションの削除ジョブを提供する。
// サーバーは常駐ジョブを持たないため、cleanupサブコマンドから
// cronなどで1回ずつ実行する。
package cleanup

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"
)

// Executor はSQLのExecContextを抽象化するインターフェース。
// *sql.DB や *sql.Tx を受け付けることができる。
type Executor interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

// SessionCleanup は期限切れセッションの削除ジョブ。
// 削除対象がなくてもエラーにならない。
type SessionCleanup struct {
	db     Executor
	logger *slog.Logger
	// Grace は期限切れから削除までの猶予（デフォルト: 0）。
	Grace time.Duration
}

// NewSessionCleanup は新しいSessionCleanupを生成する。
func NewSessionCleanup(db Executor, logger *slog.Logger) *SessionCleanup {
	return &SessionCleanup{
		db:     db,
		logger: logger,
	}
}

// Run はexpires_atが猶予を超えて過去になったセッションを削除し、削除件数を返す。
func (j *SessionCleanup) Run(ctx context.Context) (int64, error) {
	start := time.Now()

	interval := fmt.Sprintf("%d seconds", int64(j.Grace/time.Second))

	query := `DELETE FROM sessions WHERE expires_at < now() - $1::interval`
	result, err := j.db.ExecContext(ctx, query, interval)
	if err != nil {
		j.logger.Error("session cleanup failed",
			slog.String("error", err.Error()),
		)
		return 0, fmt.Errorf("failed to delete expired sessions: %w", err)
	}

	deletedCount, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read deleted count: %w", err)
	}

	j.logger.Info("session cleanup completed",
		slog.Int64("deleted_count", deletedCount),
		slog.String("grace", j.Grace.String()),
		slog.Float64("duration_ms", float64(time.Since(start).Milliseconds())),
	)

	return deletedCount, nil
}
