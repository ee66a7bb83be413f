// Package auth はGoogle OAuthによるログインとセッション管理を提供する。
package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hitoshi/waitlist/internal/model"
	"github.com/hitoshi/waitlist/internal/repository"
	"github.com/hitoshi/waitlist/internal/user"
)

// ErrVerificationFailed は外部IdPでの本人確認に失敗したことを示す。
// handler層はこのエラーをログイン失敗ページへのリダイレクトに変換する。
var ErrVerificationFailed = errors.New("identity verification failed")

// OAuthUserInfo はOAuthプロバイダーから取得したユーザー情報を表す。
type OAuthUserInfo struct {
	ProviderUserID string
	Email          string
	Name           string
	Picture        string
	Provider       string
}

// OAuthProvider はOAuth認証プロバイダーのインターフェース。
type OAuthProvider interface {
	// GetLoginURL はOAuth認証URLを生成する。
	GetLoginURL(state string) string
	// ExchangeCode は認可コードをトークンに交換し、ユーザー情報を取得する。
	ExchangeCode(ctx context.Context, code string) (*OAuthUserInfo, error)
}

// UserResolver はIdPのプロフィールとローカルユーザーを対応付ける。
// user.Serviceが実装する。
type UserResolver interface {
	FindOrCreate(ctx context.Context, p user.Profile) (*model.User, error)
	FindByID(ctx context.Context, id string) (*model.User, error)
}

// LoginRecorder はログイン結果を記録する。metrics.Collectorが実装する。
type LoginRecorder interface {
	RecordLogin(result string)
}

// ServiceConfig は認証サービスの設定。
type ServiceConfig struct {
	SessionMaxAge int // セッション有効期間（秒）
}

// LoginResult はログイン成功時の結果。TokenをCookieに設定する。
type LoginResult struct {
	User    *model.User
	Session *model.Session
	Token   string
}

// Service は認証に関するビジネスロジックを提供する。
type Service struct {
	oauth       OAuthProvider
	users       UserResolver
	sessionRepo repository.SessionRepository
	tokens      *TokenSigner
	recorder    LoginRecorder
	config      ServiceConfig
	now         func() time.Time
}

// NewService はServiceを生成する。recorderはnilでもよい。
func NewService(
	oauth OAuthProvider,
	users UserResolver,
	sessionRepo repository.SessionRepository,
	tokens *TokenSigner,
	recorder LoginRecorder,
	config ServiceConfig,
) *Service {
	return &Service{
		oauth:       oauth,
		users:       users,
		sessionRepo: sessionRepo,
		tokens:      tokens,
		recorder:    recorder,
		config:      config,
		now:         time.Now,
	}
}

// GetLoginURL はOAuth認証URLを生成する。
func (s *Service) GetLoginURL(state string) string {
	return s.oauth.GetLoginURL(state)
}

// HandleCallback はOAuthコールバックを処理し、セッションを発行する。
// IdPでの検証失敗はErrVerificationFailedをラップして返す。
// それ以外のエラーはストア起因の内部エラー。
func (s *Service) HandleCallback(ctx context.Context, code string) (*LoginResult, error) {
	// 1. 認可コードをトークンに交換し、ユーザー情報を取得
	info, err := s.oauth.ExchangeCode(ctx, code)
	if err != nil {
		s.record("failure")
		return nil, fmt.Errorf("%w: %v", ErrVerificationFailed, err)
	}
	if info.Email == "" {
		s.record("failure")
		return nil, fmt.Errorf("%w: provider returned no email", ErrVerificationFailed)
	}

	// 2. ローカルユーザーを検索または作成
	u, err := s.users.FindOrCreate(ctx, user.Profile{
		GoogleID: info.ProviderUserID,
		Email:    info.Email,
		Name:     info.Name,
		Picture:  info.Picture,
	})
	if err != nil {
		s.record("error")
		return nil, fmt.Errorf("failed to resolve user: %w", err)
	}

	// 3. セッションを発行
	session, token, err := s.createSession(ctx, u.ID)
	if err != nil {
		s.record("error")
		return nil, fmt.Errorf("failed to create session: %w", err)
	}

	s.record("success")
	return &LoginResult{User: u, Session: session, Token: token}, nil
}

// ResolveSession はCookieのトークンから現在のユーザーを取得する。
// トークン不正、セッション無し・期限切れ、ユーザー削除済みの場合はnil, nilを返す。
func (s *Service) ResolveSession(ctx context.Context, token string) (*model.User, error) {
	if token == "" {
		return nil, nil
	}

	sessionID, err := s.tokens.Verify(token)
	if err != nil {
		slog.Debug("ignoring invalid session token", slog.String("error", err.Error()))
		return nil, nil
	}

	session, err := s.sessionRepo.FindByID(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to find session: %w", err)
	}
	if session == nil {
		return nil, nil
	}

	u, err := s.users.FindByID(ctx, session.UserID)
	if err != nil {
		return nil, fmt.Errorf("failed to find user: %w", err)
	}
	return u, nil
}

// Logout はセッションを破棄する。
// トークンが無い、または不正な場合は何もせず成功とする。
func (s *Service) Logout(ctx context.Context, token string) error {
	if token == "" {
		return nil
	}

	sessionID, err := s.tokens.Verify(token)
	if err != nil {
		return nil
	}

	if err := s.sessionRepo.DeleteByID(ctx, sessionID); err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}

	slog.Info("user logged out")
	return nil
}

// createSession はユーザーIDのみを保持するセッションを作成し、署名済みトークンを返す。
func (s *Service) createSession(ctx context.Context, userID string) (*model.Session, string, error) {
	sessionID, err := generateSessionID()
	if err != nil {
		return nil, "", fmt.Errorf("failed to generate session ID: %w", err)
	}

	now := s.now()
	session := &model.Session{
		ID:        sessionID,
		UserID:    userID,
		ExpiresAt: now.Add(time.Duration(s.config.SessionMaxAge) * time.Second),
		CreatedAt: now,
	}

	if err := s.sessionRepo.Create(ctx, session); err != nil {
		return nil, "", fmt.Errorf("failed to save session: %w", err)
	}

	token, err := s.tokens.Sign(session.ID, session.CreatedAt, session.ExpiresAt)
	if err != nil {
		return nil, "", err
	}

	return session, token, nil
}

func (s *Service) record(result string) {
	if s.recorder != nil {
		s.recorder.RecordLogin(result)
	}
}

// generateSessionID は暗号的に安全なセッションIDを生成する。
func generateSessionID() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
