package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/hitoshi/waitlist/internal/model"
)

// PostgresWaitlistRepo はPostgreSQLを使用したウェイトリストリポジトリ。
type PostgresWaitlistRepo struct {
	db *sql.DB
}

// NewPostgresWaitlistRepo はPostgresWaitlistRepoを生成する。
func NewPostgresWaitlistRepo(db *sql.DB) *PostgresWaitlistRepo {
	return &PostgresWaitlistRepo{db: db}
}

// Create はエントリを1文のINSERTで作成する。
// 同時に同じemailが登録された場合は先に書き込んだ側が勝ち、後続はErrDuplicateになる。
func (r *PostgresWaitlistRepo) Create(ctx context.Context, email string) (*model.WaitlistEntry, error) {
	entry := &model.WaitlistEntry{Email: email}
	err := r.db.QueryRowContext(ctx,
		`INSERT INTO waitlist (email) VALUES ($1) RETURNING created_at`,
		email,
	).Scan(&entry.CreatedAt)
	if isUniqueViolation(err) {
		return nil, ErrDuplicate
	}
	if err != nil {
		return nil, fmt.Errorf("failed to insert waitlist entry: %w", err)
	}
	return entry, nil
}

// List は全エントリを新しい順に返す。
// created_atが同値の場合は挿入順（id）で降順に並べる。
func (r *PostgresWaitlistRepo) List(ctx context.Context) ([]model.WaitlistEntry, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT email, created_at FROM waitlist ORDER BY created_at DESC, id DESC`,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list waitlist: %w", err)
	}
	defer rows.Close()

	entries := []model.WaitlistEntry{}
	for rows.Next() {
		var e model.WaitlistEntry
		if err := rows.Scan(&e.Email, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan waitlist entry: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate waitlist: %w", err)
	}

	return entries, nil
}

// compile-time interface check
var _ WaitlistRepository = (*PostgresWaitlistRepo)(nil)
