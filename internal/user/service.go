// Package user は外部IdPのアイデンティティとローカルユーザーの対応付けを提供する。
package user

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/hitoshi/waitlist/internal/model"
	"github.com/hitoshi/waitlist/internal/repository"
)

// Profile はIdPから受け取ったプロフィール。
type Profile struct {
	GoogleID string
	Email    string
	Name     string
	Picture  string
}

// Sanitizer はプロフィールを保存前に無害化する。
type Sanitizer interface {
	SanitizeName(name string) string
	SanitizePictureURL(raw string) string
}

// Service はユーザーのfind-or-createを提供する。
type Service struct {
	repo      repository.UserRepository
	sanitizer Sanitizer
	now       func() time.Time
}

// NewService はServiceを生成する。
func NewService(repo repository.UserRepository, sanitizer Sanitizer) *Service {
	return &Service{
		repo:      repo,
		sanitizer: sanitizer,
		now:       time.Now,
	}
}

// FindOrCreate はGoogleIDでユーザーを検索し、存在しなければ作成する。
// 同じGoogleIDで同時にログインした場合、INSERTの一意制約違反を受けて
// 勝った側の行を読み直して返すため、ユーザーは常に1件だけになる。
func (s *Service) FindOrCreate(ctx context.Context, p Profile) (*model.User, error) {
	if p.GoogleID == "" {
		return nil, fmt.Errorf("google ID is required")
	}

	existing, err := s.repo.FindByGoogleID(ctx, p.GoogleID)
	if err != nil {
		return nil, fmt.Errorf("failed to find user: %w", err)
	}
	if existing != nil {
		slog.Info("existing user logged in", slog.String("user_id", existing.ID))
		return existing, nil
	}

	now := s.now()
	newUser := &model.User{
		ID:        uuid.New().String(),
		GoogleID:  p.GoogleID,
		Email:     p.Email,
		Name:      s.sanitizer.SanitizeName(p.Name),
		Picture:   s.sanitizer.SanitizePictureURL(p.Picture),
		CreatedAt: now,
		UpdatedAt: now,
	}

	err = s.repo.Create(ctx, newUser)
	if errors.Is(err, repository.ErrDuplicate) {
		// 並行ログインに負けた。先に作成された行を正とする
		winner, findErr := s.repo.FindByGoogleID(ctx, p.GoogleID)
		if findErr != nil {
			return nil, fmt.Errorf("failed to re-read user after conflict: %w", findErr)
		}
		if winner == nil {
			return nil, fmt.Errorf("user vanished after conflict: google_id=%s", p.GoogleID)
		}
		return winner, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create user: %w", err)
	}

	slog.Info("new user created",
		slog.String("user_id", newUser.ID),
		slog.String("email", newUser.Email),
	)
	return newUser, nil
}

// FindByID は指定IDのユーザーを返す。存在しない場合はnilを返す。
func (s *Service) FindByID(ctx context.Context, id string) (*model.User, error) {
	u, err := s.repo.FindByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to find user: %w", err)
	}
	return u, nil
}
