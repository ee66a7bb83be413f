package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/hitoshi/waitlist/internal/middleware"
	"github.com/hitoshi/waitlist/internal/model"
)

// maxWaitlistBodySize はウェイトリスト登録リクエストのボディ上限。
const maxWaitlistBodySize = 1 << 16

// WaitlistServiceInterface はウェイトリストハンドラーが必要とするサービスインターフェース。
type WaitlistServiceInterface interface {
	// Add はメールアドレスを登録する。
	Add(ctx context.Context, email string) (*model.WaitlistEntry, error)
	// List は全エントリを新しい順に返す。
	List(ctx context.Context) ([]model.WaitlistEntry, error)
}

// WaitlistHandler はウェイトリストのHTTPハンドラー。
type WaitlistHandler struct {
	service WaitlistServiceInterface
}

// NewWaitlistHandler はWaitlistHandlerを生成する。
func NewWaitlistHandler(service WaitlistServiceInterface) *WaitlistHandler {
	return &WaitlistHandler{service: service}
}

// addWaitlistRequest はウェイトリスト登録リクエストのボディ。
type addWaitlistRequest struct {
	Email string `json:"email"`
}

// waitlistEntryResponse はウェイトリスト一覧の要素。
type waitlistEntryResponse struct {
	Email     string    `json:"email"`
	CreatedAt time.Time `json:"createdAt"`
}

// AddToWaitlist はウェイトリストへの登録を処理する。
// POST /api/waitlist
func (h *WaitlistHandler) AddToWaitlist(w http.ResponseWriter, r *http.Request) {
	var req addWaitlistRequest
	err := json.NewDecoder(io.LimitReader(r.Body, maxWaitlistBodySize)).Decode(&req)
	// 空ボディはemail未指定として扱う
	if err != nil && !errors.Is(err, io.EOF) {
		handleServiceError(w, model.NewInvalidBodyError(), "")
		return
	}

	if _, err := h.service.Add(r.Context(), req.Email); err != nil {
		handleServiceError(w, err, "Error adding to waitlist")
		return
	}

	middleware.WriteJSON(w, http.StatusCreated, messageResponse{Message: "Successfully added to waitlist"})
}

// ListWaitlist はウェイトリストの一覧を新しい順に返す。
// GET /api/waitlist
func (h *WaitlistHandler) ListWaitlist(w http.ResponseWriter, r *http.Request) {
	entries, err := h.service.List(r.Context())
	if err != nil {
		handleServiceError(w, err, "Error fetching waitlist")
		return
	}

	resp := make([]waitlistEntryResponse, len(entries))
	for i, e := range entries {
		resp[i] = waitlistEntryResponse{
			Email:     e.Email,
			CreatedAt: e.CreatedAt,
		}
	}

	middleware.WriteJSON(w, http.StatusOK, resp)
}
