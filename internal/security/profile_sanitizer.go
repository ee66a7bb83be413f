// Package security はアプリケーションのセキュリティ機能を提供する。
//
// ProfileSanitizer は外部IdPから受け取ったプロフィール情報を保存前に無害化する。
// 表示名はbluemondayのStrictPolicyでマークアップを除去したプレーンテキストとし、
// アバターURLはhttpsスキームのみ許可する。
package security

import (
	"html"
	"net/url"
	"strings"
	"unicode/utf8"

	"github.com/microcosm-cc/bluemonday"
)

// maxNameLength は保存する表示名の最大文字数。
const maxNameLength = 200

// ProfileSanitizer はプロフィール情報の無害化を行う。
// bluemonday.Policyはスレッドセーフなので共有して使える。
type ProfileSanitizer struct {
	policy *bluemonday.Policy
}

// NewProfileSanitizer はProfileSanitizerを生成する。
func NewProfileSanitizer() *ProfileSanitizer {
	return &ProfileSanitizer{
		policy: bluemonday.StrictPolicy(),
	}
}

// SanitizeName は表示名からHTMLタグを除去し、前後の空白を取り除く。
// StrictPolicyがエスケープした実体参照は元の文字に戻す。
func (s *ProfileSanitizer) SanitizeName(name string) string {
	cleaned := html.UnescapeString(s.policy.Sanitize(name))
	cleaned = strings.Join(strings.Fields(cleaned), " ")
	if utf8.RuneCountInString(cleaned) > maxNameLength {
		cleaned = string([]rune(cleaned)[:maxNameLength])
	}
	return cleaned
}

// SanitizePictureURL はhttpsの絶対URLのみを返す。それ以外は空文字列を返す。
func (s *ProfileSanitizer) SanitizePictureURL(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	u, err := url.Parse(raw)
	if err != nil || u.Scheme != "https" || u.Host == "" {
		return ""
	}
	return u.String()
}
