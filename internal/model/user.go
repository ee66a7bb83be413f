// Package model はドメインモデルを定義する。
package model

import "time"

// User はGoogleでログインしたユーザーを表す。
// GoogleIDは外部IdPのsubjectで、usersテーブル内で一意。
type User struct {
	ID        string
	GoogleID  string
	Email     string
	Name      string
	Picture   string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Session はユーザーのログインセッションを表す。
// ペイロードとして保持するのはユーザーIDのみ。
type Session struct {
	ID        string
	UserID    string
	ExpiresAt time.Time
	CreatedAt time.Time
}

// Expired は指定時刻にセッションが期限切れかどうかを返す。
func (s *Session) Expired(now time.Time) bool {
	return !now.Before(s.ExpiresAt)
}
