// Package auth はローカル認証、OAuth認証フロー、セッション管理を提供する。
package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/studynotes/internal/model"
	"github.com/hitoshi/studynotes/internal/password"
	"github.com/hitoshi/studynotes/internal/repository"
)

// maxUsernameProbes はユーザー名サフィックス探索の上限。
// 探索が尽きることは実運用では考えにくいが、無限ループを防ぐ。
const maxUsernameProbes = 1000

// OAuthUserInfo はOAuthプロバイダーから取得したユーザー情報を表す。
type OAuthUserInfo struct {
	ProviderUserID string
	Email          string // プロバイダーが開示しない場合は空
	Name           string // 表示名
	Login          string // プロバイダー上のログインハンドル（GitHub等）
	AvatarURL      string
	Provider       string // "google", "github" 等
}

// OAuthProvider はOAuth認証プロバイダーのインターフェース。
type OAuthProvider interface {
	// Name はプロバイダー識別子（"google"等）を返す。
	Name() string
	// GetLoginURL はOAuth認証URLを生成する。
	GetLoginURL(state string) string
	// ExchangeCode は認可コードをトークンに交換し、ユーザー情報を取得する。
	ExchangeCode(ctx context.Context, code string) (*OAuthUserInfo, error)
}

// AvatarMirror はIdPのアバターURLをローカル保存するインターフェース。
// upload.Storeが実装する。
type AvatarMirror interface {
	MirrorAvatar(ctx context.Context, ownerID, avatarURL string) (string, error)
}

// ServiceConfig は認証サービスの設定。
type ServiceConfig struct {
	SessionMaxAge int // セッション有効期間（秒）
}

// Service は認証とセッションに関するビジネスロジックを提供する。
type Service struct {
	userRepo    repository.UserRepository
	identRepo   repository.IdentityRepository
	sessionRepo repository.SessionRepository
	avatars     AvatarMirror
	config      ServiceConfig
}

// NewService はServiceを生成する。avatarsはnil可（ミラーなし）。
func NewService(
	userRepo repository.UserRepository,
	identRepo repository.IdentityRepository,
	sessionRepo repository.SessionRepository,
	avatars AvatarMirror,
	config ServiceConfig,
) *Service {
	return &Service{
		userRepo:    userRepo,
		identRepo:   identRepo,
		sessionRepo: sessionRepo,
		avatars:     avatars,
		config:      config,
	}
}

// Register はローカルアカウントを登録する。
// username/emailの重複は事前チェックせず、DB制約違反をDUPLICATE_USERに変換する。
func (s *Service) Register(ctx context.Context, username, email, plainPassword string) (*model.User, error) {
	if username == "" || email == "" || plainPassword == "" {
		return nil, model.NewValidationError("All fields are required")
	}

	hash, err := password.Hash(plainPassword)
	if err != nil {
		return nil, fmt.Errorf("failed to hash password: %w", err)
	}

	now := time.Now()
	user := &model.User{
		ID:           uuid.New().String(),
		Username:     username,
		Email:        email,
		PasswordHash: hash,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	if err := s.userRepo.Create(ctx, user); err != nil {
		if repository.IsUniqueViolation(err) {
			return nil, model.NewDuplicateUserError()
		}
		return nil, fmt.Errorf("failed to create user: %w", err)
	}

	slog.Info("user registered",
		slog.String("user_id", user.ID),
		slog.String("username", username),
	)

	return user, nil
}

// LoginLocal はユーザー名とパスワードで認証し、セッションを発行する。
// ユーザー不在・パスワード不一致・OAuth専用アカウントはいずれも
// 同一のINVALID_CREDENTIALSになる。
func (s *Service) LoginLocal(ctx context.Context, username, plainPassword string) (*model.Session, error) {
	if username == "" || plainPassword == "" {
		return nil, model.NewValidationError("Username and password are required")
	}

	user, err := s.userRepo.FindByUsername(ctx, username)
	if err != nil {
		return nil, fmt.Errorf("failed to find user: %w", err)
	}
	if user == nil {
		return nil, model.NewInvalidCredentialsError()
	}

	// 空ハッシュ（OAuth専用アカウント）の照合は常にfalse
	if !password.Verify(plainPassword, user.PasswordHash) {
		return nil, model.NewInvalidCredentialsError()
	}

	session, err := s.Establish(ctx, user)
	if err != nil {
		return nil, err
	}

	slog.Info("local login succeeded",
		slog.String("user_id", user.ID),
		slog.String("username", username),
	)

	return session, nil
}

// HandleOAuthCallback はOAuthコールバックを処理し、セッションを発行する。
// 未登録ユーザーの場合はusersレコードとidentitiesレコードを自動作成する。
func (s *Service) HandleOAuthCallback(ctx context.Context, provider OAuthProvider, code string) (*model.Session, error) {
	userInfo, err := provider.ExchangeCode(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("failed to exchange oauth code: %w", err)
	}

	user, err := s.resolveOAuthUser(ctx, userInfo)
	if err != nil {
		return nil, err
	}

	session, err := s.Establish(ctx, user)
	if err != nil {
		return nil, err
	}

	return session, nil
}

// resolveOAuthUser はプロバイダーのプロフィールから内部ユーザーを解決する。
// 既存identityがあればそのユーザーを変更せずに返す（再ログインで
// プロフィールを上書きしない）。なければ衝突解決したユーザー名で新規作成する。
func (s *Service) resolveOAuthUser(ctx context.Context, info *OAuthUserInfo) (*model.User, error) {
	identity, err := s.identRepo.FindByProviderAndProviderUserID(ctx, info.Provider, info.ProviderUserID)
	if err != nil {
		return nil, fmt.Errorf("failed to find identity: %w", err)
	}

	if identity != nil {
		user, err := s.userRepo.FindByID(ctx, identity.UserID)
		if err != nil {
			return nil, fmt.Errorf("failed to find user: %w", err)
		}
		if user == nil {
			return nil, fmt.Errorf("identity %s references missing user %s", identity.ID, identity.UserID)
		}
		slog.Info("existing user logged in",
			slog.String("user_id", user.ID),
			slog.String("provider", info.Provider),
		)
		return user, nil
	}

	user, err := s.provisionOAuthUser(ctx, info)
	if err == nil {
		return user, nil
	}

	// 作成レース: 同じベース名やメールで並行登録された場合は
	// サフィックスを取り直して1回だけ再試行する
	if !repository.IsUniqueViolation(err) {
		return nil, err
	}
	slog.Warn("oauth provisioning hit a uniqueness conflict, retrying once",
		slog.String("provider", info.Provider),
	)

	user, err = s.provisionOAuthUser(ctx, info)
	if err != nil {
		return nil, fmt.Errorf("failed to provision oauth user after retry: %w", err)
	}
	return user, nil
}

// provisionOAuthUser は新規ユーザーとidentityを作成する。
// 一意性違反はラップせずそのまま返し、呼び出し側でリトライ判定させる。
func (s *Service) provisionOAuthUser(ctx context.Context, info *OAuthUserInfo) (*model.User, error) {
	email := info.Email
	if email == "" {
		// プロバイダーがメールを開示しない場合のプレースホルダ
		email = fmt.Sprintf("%s_%s@noemail.com", info.Provider, info.ProviderUserID)
	}

	username, err := s.resolveUsername(ctx, usernameBase(info))
	if err != nil {
		return nil, err
	}

	now := time.Now()
	user := &model.User{
		ID:        uuid.New().String(),
		Username:  username,
		Email:     email,
		CreatedAt: now,
		UpdatedAt: now,
	}
	identity := &model.Identity{
		ID:             uuid.New().String(),
		UserID:         user.ID,
		Provider:       info.Provider,
		ProviderUserID: info.ProviderUserID,
		CreatedAt:      now,
	}

	// アバターのミラーはINSERT成功後。確定していないユーザーIDで
	// ファイルを書かない。
	user.ProfilePic = info.AvatarURL

	if err := s.userRepo.CreateWithIdentity(ctx, user, identity); err != nil {
		return nil, err
	}

	if mirrored := s.resolveAvatar(ctx, user.ID, info.AvatarURL); mirrored != user.ProfilePic {
		if err := s.userRepo.UpdateProfilePic(ctx, user.ID, mirrored); err != nil {
			slog.Warn("failed to persist mirrored avatar, keeping remote URL",
				slog.String("user_id", user.ID),
				slog.String("error", err.Error()),
			)
		} else {
			user.ProfilePic = mirrored
		}
	}

	slog.Info("new user created",
		slog.String("user_id", user.ID),
		slog.String("username", username),
		slog.String("provider", info.Provider),
	)

	return user, nil
}

// resolveUsername はベース名から未使用のユーザー名を探索する。
// base, base1, base2, ... の順で決定的に試し、上限で打ち切る。
// ここで空きを見つけても最終的な衝突検知はDB制約に委ねる。
func (s *Service) resolveUsername(ctx context.Context, base string) (string, error) {
	for i := 0; i <= maxUsernameProbes; i++ {
		candidate := base
		if i > 0 {
			candidate = base + strconv.Itoa(i)
		}

		existing, err := s.userRepo.FindByUsername(ctx, candidate)
		if err != nil {
			return "", fmt.Errorf("failed to probe username: %w", err)
		}
		if existing == nil {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("exhausted username candidates for base %q", base)
}

// resolveAvatar はアバターURLのローカルミラーを試み、失敗時はリモートURLを返す。
// ミラー失敗でサインアップ自体は止めない。
func (s *Service) resolveAvatar(ctx context.Context, userID, avatarURL string) string {
	if avatarURL == "" {
		return ""
	}
	if s.avatars == nil {
		return avatarURL
	}

	mirrored, err := s.avatars.MirrorAvatar(ctx, userID, avatarURL)
	if err != nil {
		slog.Warn("avatar mirroring failed, keeping remote URL",
			slog.String("user_id", userID),
			slog.String("error", err.Error()),
		)
		return avatarURL
	}
	return mirrored
}

// usernameBase はプロバイダーのプロフィールからベースユーザー名を導出する。
// 表示名から空白を全て除去し、なければログインハンドル、
// それもなければ "{provider}user" を使う。
func usernameBase(info *OAuthUserInfo) string {
	base := strings.Join(strings.Fields(info.Name), "")
	if base == "" {
		base = strings.Join(strings.Fields(info.Login), "")
	}
	if base == "" {
		base = info.Provider + "user"
	}
	return base
}

// Establish はユーザーの公開フィールドのスナップショット付きセッションを作成する。
// スナップショットにパスワードハッシュは含まれない。
func (s *Service) Establish(ctx context.Context, user *model.User) (*model.Session, error) {
	sessionID, err := generateSessionID()
	if err != nil {
		return nil, fmt.Errorf("failed to generate session ID: %w", err)
	}

	session := &model.Session{
		ID:        sessionID,
		UserID:    user.ID,
		Principal: model.PrincipalOf(user),
		ExpiresAt: time.Now().Add(time.Duration(s.config.SessionMaxAge) * time.Second),
		CreatedAt: time.Now(),
	}

	if err := s.sessionRepo.Create(ctx, session); err != nil {
		return nil, fmt.Errorf("failed to save session: %w", err)
	}

	return session, nil
}

// CurrentPrincipal はセッションから認証済みPrincipalを解決する。
// スナップショットを優先し、なければusersテーブルから再構築して
// スナップショットを埋め直す。未認証の場合は(nil, nil)を返す。
func (s *Service) CurrentPrincipal(ctx context.Context, sessionID string) (*model.Principal, error) {
	if sessionID == "" {
		return nil, nil
	}

	session, err := s.sessionRepo.FindByID(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to find session: %w", err)
	}
	if session == nil {
		return nil, nil
	}

	if session.Principal != nil {
		return session.Principal, nil
	}

	// 旧形式セッション: 永続化されたユーザーIDから再構築する
	user, err := s.userRepo.FindByID(ctx, session.UserID)
	if err != nil {
		return nil, fmt.Errorf("failed to find user: %w", err)
	}
	if user == nil {
		return nil, nil
	}

	principal := model.PrincipalOf(user)
	if err := s.sessionRepo.UpdateSnapshot(ctx, sessionID, principal); err != nil {
		// 埋め戻し失敗は認証結果に影響させない
		slog.Warn("failed to backfill session snapshot",
			slog.String("session_id", sessionID),
			slog.String("error", err.Error()),
		)
	}

	return principal, nil
}

// Terminate はセッションを破棄する。ストアの削除完了を待ってから返る。
func (s *Service) Terminate(ctx context.Context, sessionID string) error {
	if sessionID == "" {
		return nil
	}

	if err := s.sessionRepo.DeleteByID(ctx, sessionID); err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}

	slog.Info("user logged out", slog.String("session_id", sessionID))
	return nil
}

// ChangePassword はローカルパスワードを変更し、全セッションのスナップショットを更新する。
// OAuth専用アカウントではNO_LOCAL_PASSWORDになる。
func (s *Service) ChangePassword(ctx context.Context, userID, oldPassword, newPassword string) error {
	if oldPassword == "" || newPassword == "" {
		return model.NewValidationError("Old and new passwords are required")
	}

	user, err := s.userRepo.FindByID(ctx, userID)
	if err != nil {
		return fmt.Errorf("failed to find user: %w", err)
	}
	if user == nil {
		return model.NewUserNotFoundError()
	}
	if !user.HasLocalPassword() {
		return model.NewNoLocalPasswordError()
	}

	if !password.Verify(oldPassword, user.PasswordHash) {
		return &model.APIError{
			Code:    model.ErrCodeInvalidCredentials,
			Message: "Old password is incorrect",
		}
	}

	hash, err := password.Hash(newPassword)
	if err != nil {
		return fmt.Errorf("failed to hash password: %w", err)
	}

	if err := s.userRepo.UpdatePasswordHash(ctx, userID, hash); err != nil {
		return fmt.Errorf("failed to update password: %w", err)
	}

	if err := s.sessionRepo.RefreshSnapshotsByUserID(ctx, userID, model.PrincipalOf(user)); err != nil {
		return fmt.Errorf("failed to refresh sessions: %w", err)
	}

	slog.Info("password changed", slog.String("user_id", userID))
	return nil
}

// SetProfilePicture はプロフィール画像参照を更新し、
// 全セッションのスナップショットを新しいPrincipalで書き換える。
func (s *Service) SetProfilePicture(ctx context.Context, userID, picPath string) (*model.Principal, error) {
	if err := s.userRepo.UpdateProfilePic(ctx, userID, picPath); err != nil {
		return nil, fmt.Errorf("failed to update profile picture: %w", err)
	}

	user, err := s.userRepo.FindByID(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to find user: %w", err)
	}
	if user == nil {
		return nil, model.NewUserNotFoundError()
	}

	principal := model.PrincipalOf(user)
	if err := s.sessionRepo.RefreshSnapshotsByUserID(ctx, userID, principal); err != nil {
		return nil, fmt.Errorf("failed to refresh sessions: %w", err)
	}

	return principal, nil
}

// generateSessionID は暗号的に安全なセッションIDを生成する。
func generateSessionID() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
