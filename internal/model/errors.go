package model

import "fmt"

// APIError は統一エラーフォーマットを表す。
// Messageはそのままクライアントへ返されるため、内部情報を含めないこと。
type APIError struct {
	Code    string // エラーコード
	Message string // クライアント向けメッセージ
}

// Error はerrorインターフェースを実装する。
func (e *APIError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// 定義済みエラーコード
const (
	ErrCodeValidation         = "VALIDATION_ERROR"
	ErrCodeInvalidCredentials = "INVALID_CREDENTIALS"
	ErrCodeUnauthorized       = "UNAUTHORIZED"
	ErrCodeDuplicateUser      = "DUPLICATE_USER"
	ErrCodeNoteNotFound       = "NOTE_NOT_FOUND"
	ErrCodeUserNotFound       = "USER_NOT_FOUND"
	ErrCodeNoLocalPassword    = "NO_LOCAL_PASSWORD"
	ErrCodeUploadTooLarge     = "UPLOAD_TOO_LARGE"
	ErrCodeUploadNotImage     = "UPLOAD_NOT_IMAGE"
	ErrCodeUploadMissing      = "UPLOAD_MISSING"
)

// NewValidationError は必須フィールド欠落などの入力エラーを生成する。
func NewValidationError(message string) *APIError {
	return &APIError{
		Code:    ErrCodeValidation,
		Message: message,
	}
}

// NewInvalidCredentialsError は認証情報不一致エラーを生成する。
// ユーザー不在・パスワード不一致・OAuth専用アカウントを区別しない。
func NewInvalidCredentialsError() *APIError {
	return &APIError{
		Code:    ErrCodeInvalidCredentials,
		Message: "Invalid username or password",
	}
}

// NewUnauthorizedError は未認証エラーを生成する。
func NewUnauthorizedError() *APIError {
	return &APIError{
		Code:    ErrCodeUnauthorized,
		Message: "Unauthorized",
	}
}

// NewDuplicateUserError はユーザー名またはメールアドレスの重複エラーを生成する。
func NewDuplicateUserError() *APIError {
	return &APIError{
		Code:    ErrCodeDuplicateUser,
		Message: "Username or email already exists",
	}
}

// NewNoteNotFoundError はノート未検出エラーを生成する。
// 他ユーザー所有のノートへのアクセスも同じエラーになる。
func NewNoteNotFoundError() *APIError {
	return &APIError{
		Code:    ErrCodeNoteNotFound,
		Message: "Note not found",
	}
}

// NewUserNotFoundError はユーザーが見つからない場合のエラーを生成する。
func NewUserNotFoundError() *APIError {
	return &APIError{
		Code:    ErrCodeUserNotFound,
		Message: "User not found",
	}
}

// NewNoLocalPasswordError はOAuth専用アカウントでのパスワード変更エラーを生成する。
func NewNoLocalPasswordError() *APIError {
	return &APIError{
		Code:    ErrCodeNoLocalPassword,
		Message: "Password change is only available for accounts with a local password",
	}
}

// NewUploadTooLargeError はアップロードサイズ超過エラーを生成する。
func NewUploadTooLargeError() *APIError {
	return &APIError{
		Code:    ErrCodeUploadTooLarge,
		Message: "File exceeds the maximum allowed size",
	}
}

// NewUploadNotImageError は画像以外のアップロードエラーを生成する。
func NewUploadNotImageError() *APIError {
	return &APIError{
		Code:    ErrCodeUploadNotImage,
		Message: "Only image files are allowed",
	}
}

// NewUploadMissingError はファイル未添付エラーを生成する。
func NewUploadMissingError() *APIError {
	return &APIError{
		Code:    ErrCodeUploadMissing,
		Message: "No file uploaded",
	}
}
