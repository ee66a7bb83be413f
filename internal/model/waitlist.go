package model

import "time"

// WaitlistEntry はウェイトリストへの登録を表す。作成後は変更されない。
type WaitlistEntry struct {
	Email     string
	CreatedAt time.Time
}
