// Package waitlist はウェイトリストへの登録と一覧取得を提供する。
package waitlist

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/hitoshi/waitlist/internal/model"
	"github.com/hitoshi/waitlist/internal/repository"
)

// Recorder は登録結果を記録する。metrics.Collectorが実装する。
type Recorder interface {
	RecordWaitlistSignup(result string)
}

// 登録結果のラベル
const (
	ResultCreated   = "created"
	ResultDuplicate = "duplicate"
	ResultInvalid   = "invalid"
	ResultError     = "error"
)

// Service はウェイトリストのサービス層。
type Service struct {
	repo     repository.WaitlistRepository
	recorder Recorder
}

// NewService はServiceを生成する。recorderはnilでもよい。
func NewService(repo repository.WaitlistRepository, recorder Recorder) *Service {
	return &Service{
		repo:     repo,
		recorder: recorder,
	}
}

// Add はメールアドレスをウェイトリストに登録する。
// 空のemailはバリデーションエラー、登録済みのemailは競合エラー（*model.APIError）を返す。
// それ以外の失敗はラップしたエラーをそのまま返す。
func (s *Service) Add(ctx context.Context, email string) (*model.WaitlistEntry, error) {
	if email == "" {
		s.record(ResultInvalid)
		return nil, model.NewEmailRequiredError()
	}

	entry, err := s.repo.Create(ctx, email)
	if errors.Is(err, repository.ErrDuplicate) {
		s.record(ResultDuplicate)
		return nil, model.NewWaitlistDuplicateError()
	}
	if err != nil {
		s.record(ResultError)
		return nil, fmt.Errorf("failed to add to waitlist: %w", err)
	}

	s.record(ResultCreated)
	slog.Info("waitlist entry added", slog.Time("created_at", entry.CreatedAt))
	return entry, nil
}

// List は全エントリを新しい順に返す。0件の場合は空スライスを返す。
func (s *Service) List(ctx context.Context) ([]model.WaitlistEntry, error) {
	entries, err := s.repo.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list waitlist: %w", err)
	}
	if entries == nil {
		entries = []model.WaitlistEntry{}
	}
	return entries, nil
}

func (s *Service) record(result string) {
	if s.recorder != nil {
		s.recorder.RecordWaitlistSignup(result)
	}
}
