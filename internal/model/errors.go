package model

import "fmt"

// APIError はクライアントに返すエラーを表す。
// CodeからHTTPステータスへの対応はhandler層で行う。
type APIError struct {
	Code    string
	Message string
}

// Error はerrorインターフェースを実装する。
func (e *APIError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// 定義済みエラーコード
const (
	ErrCodeValidation = "VALIDATION_ERROR"
	ErrCodeConflict   = "CONFLICT"
	ErrCodeInternal   = "INTERNAL_ERROR"
)

// NewEmailRequiredError はメールアドレス未指定エラーを生成する。
func NewEmailRequiredError() *APIError {
	return &APIError{
		Code:    ErrCodeValidation,
		Message: "Email is required",
	}
}

// NewInvalidBodyError はリクエストボディが解析できない場合のエラーを生成する。
func NewInvalidBodyError() *APIError {
	return &APIError{
		Code:    ErrCodeValidation,
		Message: "Invalid request body",
	}
}

// NewWaitlistDuplicateError はウェイトリストに登録済みのメールアドレスのエラーを生成する。
func NewWaitlistDuplicateError() *APIError {
	return &APIError{
		Code:    ErrCodeConflict,
		Message: "Email already exists in waitlist",
	}
}

// NewInternalError は内部エラーを生成する。messageはクライアントにそのまま返る。
func NewInternalError(message string) *APIError {
	return &APIError{
		Code:    ErrCodeInternal,
		Message: message,
	}
}
