// Package handler はHTTPハンドラーを提供する。
package handler

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/studynotes/internal/auth"
	"github.com/hitoshi/studynotes/internal/middleware"
	"github.com/hitoshi/studynotes/internal/model"
)

const (
	sessionCookieName = middleware.SessionCookieName
	oauthStateCookie  = "oauth_state"

	// multipartのヘッダー分の余裕。本体サイズの上限はupload.Storeが強制する。
	multipartOverhead = 1 << 20
)

// AuthServiceInterface は認証ハンドラーが必要とするサービスインターフェース。
type AuthServiceInterface interface {
	Register(ctx context.Context, username, email, password string) (*model.User, error)
	LoginLocal(ctx context.Context, username, password string) (*model.Session, error)
	HandleOAuthCallback(ctx context.Context, provider auth.OAuthProvider, code string) (*model.Session, error)
	CurrentPrincipal(ctx context.Context, sessionID string) (*model.Principal, error)
	Terminate(ctx context.Context, sessionID string) error
	ChangePassword(ctx context.Context, userID, oldPassword, newPassword string) error
	SetProfilePicture(ctx context.Context, userID, picPath string) (*model.Principal, error)
}

// UploadSaver はプロフィール画像の保存インターフェース。
// upload.Storeの部分集合として定義する。
type UploadSaver interface {
	Save(ownerID, originalName, contentType string, size int64, r io.Reader) (string, error)
}

// AuthMetrics は認証関連メトリクスの記録インターフェース。
// metrics.Collectorの部分集合として定義する。
type AuthMetrics interface {
	RecordLoginSuccess(method string)
	RecordLoginFailure(method string)
	RecordRegistration()
	RecordUpload()
}

// AuthHandlerConfig は認証ハンドラーの設定。
type AuthHandlerConfig struct {
	BaseURL       string
	CookieDomain  string
	CookieSecure  bool
	SessionMaxAge int   // セッションCookieの有効期間（秒）
	UploadMaxSize int64 // アップロードの上限（バイト）
}

// AuthHandler は認証関連のHTTPハンドラー。
type AuthHandler struct {
	service   AuthServiceInterface
	providers map[string]auth.OAuthProvider
	uploads   UploadSaver
	metrics   AuthMetrics
	config    AuthHandlerConfig
}

// NewAuthHandler はAuthHandlerを生成する。
// providersのキーはURLのプロバイダーセグメント（"google"等）。
func NewAuthHandler(
	service AuthServiceInterface,
	providers map[string]auth.OAuthProvider,
	uploads UploadSaver,
	metrics AuthMetrics,
	config AuthHandlerConfig,
) *AuthHandler {
	return &AuthHandler{
		service:   service,
		providers: providers,
		uploads:   uploads,
		metrics:   metrics,
		config:    config,
	}
}

// registerRequest はローカル登録リクエストのボディ。
type registerRequest struct {
	Username string `json:"username"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

// loginRequest はローカルログインリクエストのボディ。
type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// changePasswordRequest はパスワード変更リクエストのボディ。
type changePasswordRequest struct {
	OldPassword string `json:"oldPassword"`
	NewPassword string `json:"newPassword"`
}

// Register はローカルアカウント登録を処理する。
// POST /api/auth/register
func (h *AuthHandler) Register(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeAPIErrorResponse(w, http.StatusBadRequest, model.NewValidationError("All fields are required"))
		return
	}

	if _, err := h.service.Register(r.Context(), req.Username, req.Email, req.Password); err != nil {
		handleServiceError(w, err)
		return
	}

	h.metrics.RecordRegistration()
	writeJSON(w, http.StatusOK, map[string]string{"message": "User registered successfully"})
}

// Login はローカルログインを処理し、セッションCookieを設定する。
// POST /api/auth/login
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeAPIErrorResponse(w, http.StatusBadRequest, model.NewValidationError("Username and password are required"))
		return
	}

	session, err := h.service.LoginLocal(r.Context(), req.Username, req.Password)
	if err != nil {
		h.metrics.RecordLoginFailure("local")
		handleServiceError(w, err)
		return
	}

	h.setSessionCookie(w, session.ID)
	h.metrics.RecordLoginSuccess("local")

	writeJSON(w, http.StatusOK, map[string]any{
		"message": "Login successful",
		"user":    session.Principal,
	})
}

// Logout はセッションを破棄し、Cookieをクリアする。
// GET /api/auth/logout
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	cookie, err := r.Cookie(sessionCookieName)
	if err == nil && cookie.Value != "" {
		if termErr := h.service.Terminate(r.Context(), cookie.Value); termErr != nil {
			slog.Error("failed to terminate session", slog.String("error", termErr.Error()))
			// 破棄に失敗してもCookieはクリアする
		}
	}

	h.clearSessionCookie(w)
	writeJSON(w, http.StatusOK, map[string]string{"message": "Logged out"})
}

// Status は現在のセッション状態を返す。未認証でも200で応答する。
// GET /api/auth/status
func (h *AuthHandler) Status(w http.ResponseWriter, r *http.Request) {
	cookie, err := r.Cookie(sessionCookieName)
	if err != nil || cookie.Value == "" {
		writeJSON(w, http.StatusOK, map[string]any{"loggedIn": false})
		return
	}

	principal, err := h.service.CurrentPrincipal(r.Context(), cookie.Value)
	if err != nil {
		slog.Error("failed to resolve principal", slog.String("error", err.Error()))
		writeJSON(w, http.StatusOK, map[string]any{"loggedIn": false})
		return
	}
	if principal == nil {
		writeJSON(w, http.StatusOK, map[string]any{"loggedIn": false})
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"loggedIn": true,
		"user":     principal,
	})
}

// ChangePassword はローカルパスワードの変更を処理する。
// POST /api/auth/change-password （セッション必須）
func (h *AuthHandler) ChangePassword(w http.ResponseWriter, r *http.Request) {
	principal, err := middleware.PrincipalFromContext(r.Context())
	if err != nil {
		writeAPIErrorResponse(w, http.StatusUnauthorized, model.NewUnauthorizedError())
		return
	}

	var req changePasswordRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeAPIErrorResponse(w, http.StatusBadRequest, model.NewValidationError("Old and new passwords are required"))
		return
	}

	if err := h.service.ChangePassword(r.Context(), principal.ID, req.OldPassword, req.NewPassword); err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"message": "Password changed successfully"})
}

// ProfilePicture はプロフィール画像のアップロードを処理する。
// POST /api/auth/profile-picture （セッション必須、multipartフィールド名 "profilePic"）
func (h *AuthHandler) ProfilePicture(w http.ResponseWriter, r *http.Request) {
	principal, err := middleware.PrincipalFromContext(r.Context())
	if err != nil {
		writeAPIErrorResponse(w, http.StatusUnauthorized, model.NewUnauthorizedError())
		return
	}

	// リクエスト全体の読み取り上限。超過時はParseMultipartFormがエラーになる
	r.Body = http.MaxBytesReader(w, r.Body, h.config.UploadMaxSize+multipartOverhead)

	if err := r.ParseMultipartForm(h.config.UploadMaxSize); err != nil {
		writeAPIErrorResponse(w, http.StatusBadRequest, model.NewUploadTooLargeError())
		return
	}

	file, header, err := r.FormFile("profilePic")
	if err != nil {
		writeAPIErrorResponse(w, http.StatusBadRequest, model.NewUploadMissingError())
		return
	}
	defer file.Close()

	path, err := h.uploads.Save(principal.ID, header.Filename, header.Header.Get("Content-Type"), header.Size, file)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	if _, err := h.service.SetProfilePicture(r.Context(), principal.ID, path); err != nil {
		handleServiceError(w, err)
		return
	}

	h.metrics.RecordUpload()
	writeJSON(w, http.StatusOK, map[string]string{
		"message":       "Profile picture updated successfully",
		"profilePicUrl": path,
	})
}

// StartOAuth はOAuthフローを開始する。
// GET /api/auth/{provider}
func (h *AuthHandler) StartOAuth(w http.ResponseWriter, r *http.Request) {
	provider, ok := h.providers[chi.URLParam(r, "provider")]
	if !ok {
		http.NotFound(w, r)
		return
	}

	state, err := generateState()
	if err != nil {
		slog.Error("failed to generate oauth state", slog.String("error", err.Error()))
		middleware.WriteInternalServerError(w)
		return
	}

	// stateをCookieに保存（CSRF対策）
	http.SetCookie(w, &http.Cookie{
		Name:     oauthStateCookie,
		Value:    state,
		Path:     "/",
		MaxAge:   600, // 10分
		HttpOnly: true,
		Secure:   h.config.CookieSecure,
		SameSite: http.SameSiteLaxMode,
	})

	http.Redirect(w, r, provider.GetLoginURL(state), http.StatusTemporaryRedirect)
}

// OAuthCallback はOAuthコールバックを処理する。
// 失敗時はJSONではなくログインページへリダイレクトする。
// GET /api/auth/{provider}/callback?code=xxx&state=yyy
func (h *AuthHandler) OAuthCallback(w http.ResponseWriter, r *http.Request) {
	providerName := chi.URLParam(r, "provider")
	provider, ok := h.providers[providerName]
	if !ok {
		http.NotFound(w, r)
		return
	}

	// 1. stateの検証（CSRF対策）
	state := r.URL.Query().Get("state")
	stateCookie, err := r.Cookie(oauthStateCookie)
	if err != nil || state == "" || stateCookie.Value != state {
		slog.Warn("oauth state mismatch", slog.String("provider", providerName))
		h.redirectToLogin(w, r)
		return
	}

	// stateクッキーを削除
	http.SetCookie(w, &http.Cookie{
		Name:     oauthStateCookie,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   h.config.CookieSecure,
		SameSite: http.SameSiteLaxMode,
	})

	// 2. 認可コードの取得
	code := r.URL.Query().Get("code")
	if code == "" {
		h.redirectToLogin(w, r)
		return
	}

	// 3. 認証処理
	session, err := h.service.HandleOAuthCallback(r.Context(), provider, code)
	if err != nil {
		slog.Error("oauth callback failed",
			slog.String("provider", providerName),
			slog.String("error", err.Error()),
		)
		h.metrics.RecordLoginFailure(providerName)
		h.redirectToLogin(w, r)
		return
	}

	// 4. セッションCookieを設定してフロントエンドへ
	h.setSessionCookie(w, session.ID)
	h.metrics.RecordLoginSuccess(providerName)
	http.Redirect(w, r, h.config.BaseURL, http.StatusTemporaryRedirect)
}

// setSessionCookie はセッションCookie（HTTP Only）を設定する。
func (h *AuthHandler) setSessionCookie(w http.ResponseWriter, sessionID string) {
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    sessionID,
		Path:     "/",
		Domain:   h.config.CookieDomain,
		MaxAge:   h.config.SessionMaxAge,
		HttpOnly: true,
		Secure:   h.config.CookieSecure,
		SameSite: http.SameSiteLaxMode,
	})
}

// clearSessionCookie はセッションCookieを失効させる。
func (h *AuthHandler) clearSessionCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    "",
		Path:     "/",
		Domain:   h.config.CookieDomain,
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   h.config.CookieSecure,
		SameSite: http.SameSiteLaxMode,
	})
}

// redirectToLogin は認証失敗時にログインページへリダイレクトする。
func (h *AuthHandler) redirectToLogin(w http.ResponseWriter, r *http.Request) {
	http.Redirect(w, r, h.config.BaseURL+"/login.html", http.StatusTemporaryRedirect)
}

// generateState はCSRF対策用のランダムなstate値を生成する。
func generateState() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// writeJSON はJSONレスポンスを書き込む。
func writeJSON(w http.ResponseWriter, statusCode int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(body)
}

// writeAPIErrorResponse は統一エラーフォーマットでレスポンスを書き込む。
func writeAPIErrorResponse(w http.ResponseWriter, statusCode int, apiErr *model.APIError) {
	writeJSON(w, statusCode, map[string]string{
		"code":    apiErr.Code,
		"message": apiErr.Message,
	})
}

// handleServiceError はサービス層のエラーをHTTPレスポンスに変換する。
func handleServiceError(w http.ResponseWriter, err error) {
	var apiErr *model.APIError
	if errors.As(err, &apiErr) {
		writeAPIErrorResponse(w, mapAPIErrorToHTTPStatus(apiErr), apiErr)
		return
	}

	// APIError以外のエラーは内部サーバーエラーとして扱う
	slog.Error("internal server error", slog.String("error", err.Error()))
	writeAPIErrorResponse(w, http.StatusInternalServerError, &model.APIError{
		Code:    "INTERNAL_ERROR",
		Message: "Internal server error",
	})
}

// mapAPIErrorToHTTPStatus はAPIErrorコードからHTTPステータスコードにマッピングする。
func mapAPIErrorToHTTPStatus(apiErr *model.APIError) int {
	switch apiErr.Code {
	case model.ErrCodeValidation,
		model.ErrCodeInvalidCredentials,
		model.ErrCodeDuplicateUser,
		model.ErrCodeNoLocalPassword,
		model.ErrCodeUploadTooLarge,
		model.ErrCodeUploadNotImage,
		model.ErrCodeUploadMissing:
		return http.StatusBadRequest
	case model.ErrCodeUnauthorized:
		return http.StatusUnauthorized
	case model.ErrCodeNoteNotFound, model.ErrCodeUserNotFound:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}
