package auth

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/lib/pq"

	"github.com/hitoshi/studynotes/internal/model"
	"github.com/hitoshi/studynotes/internal/password"
	"github.com/hitoshi/studynotes/internal/repository"
)

// --- モック定義 ---

type mockUserRepo struct {
	findByIDFn           func(ctx context.Context, id string) (*model.User, error)
	findByUsernameFn     func(ctx context.Context, username string) (*model.User, error)
	createFn             func(ctx context.Context, user *model.User) error
	createWithIdentityFn func(ctx context.Context, user *model.User, identity *model.Identity) error
	updatePasswordHashFn func(ctx context.Context, id, passwordHash string) error
	updateProfilePicFn   func(ctx context.Context, id, profilePic string) error
}

func (m *mockUserRepo) FindByID(ctx context.Context, id string) (*model.User, error) {
	if m.findByIDFn != nil {
		return m.findByIDFn(ctx, id)
	}
	return nil, nil
}

func (m *mockUserRepo) FindByUsername(ctx context.Context, username string) (*model.User, error) {
	if m.findByUsernameFn != nil {
		return m.findByUsernameFn(ctx, username)
	}
	return nil, nil
}

func (m *mockUserRepo) Create(ctx context.Context, user *model.User) error {
	if m.createFn != nil {
		return m.createFn(ctx, user)
	}
	return nil
}

func (m *mockUserRepo) CreateWithIdentity(ctx context.Context, user *model.User, identity *model.Identity) error {
	if m.createWithIdentityFn != nil {
		return m.createWithIdentityFn(ctx, user, identity)
	}
	return nil
}

func (m *mockUserRepo) UpdatePasswordHash(ctx context.Context, id, passwordHash string) error {
	if m.updatePasswordHashFn != nil {
		return m.updatePasswordHashFn(ctx, id, passwordHash)
	}
	return nil
}

func (m *mockUserRepo) UpdateProfilePic(ctx context.Context, id, profilePic string) error {
	if m.updateProfilePicFn != nil {
		return m.updateProfilePicFn(ctx, id, profilePic)
	}
	return nil
}

type mockIdentityRepo struct {
	findByProviderFn func(ctx context.Context, provider, providerUserID string) (*model.Identity, error)
}

func (m *mockIdentityRepo) FindByProviderAndProviderUserID(ctx context.Context, provider, providerUserID string) (*model.Identity, error) {
	if m.findByProviderFn != nil {
		return m.findByProviderFn(ctx, provider, providerUserID)
	}
	return nil, nil
}

type mockSessionRepo struct {
	createFn           func(ctx context.Context, session *model.Session) error
	findByIDFn         func(ctx context.Context, id string) (*model.Session, error)
	updateSnapshotFn   func(ctx context.Context, id string, principal *model.Principal) error
	refreshSnapshotsFn func(ctx context.Context, userID string, principal *model.Principal) error
	deleteByIDFn       func(ctx context.Context, id string) error
	deleteByUserIDFn   func(ctx context.Context, userID string) error
}

func (m *mockSessionRepo) Create(ctx context.Context, session *model.Session) error {
	if m.createFn != nil {
		return m.createFn(ctx, session)
	}
	return nil
}

func (m *mockSessionRepo) FindByID(ctx context.Context, id string) (*model.Session, error) {
	if m.findByIDFn != nil {
		return m.findByIDFn(ctx, id)
	}
	return nil, nil
}

func (m *mockSessionRepo) UpdateSnapshot(ctx context.Context, id string, principal *model.Principal) error {
	if m.updateSnapshotFn != nil {
		return m.updateSnapshotFn(ctx, id, principal)
	}
	return nil
}

func (m *mockSessionRepo) RefreshSnapshotsByUserID(ctx context.Context, userID string, principal *model.Principal) error {
	if m.refreshSnapshotsFn != nil {
		return m.refreshSnapshotsFn(ctx, userID, principal)
	}
	return nil
}

func (m *mockSessionRepo) DeleteByID(ctx context.Context, id string) error {
	if m.deleteByIDFn != nil {
		return m.deleteByIDFn(ctx, id)
	}
	return nil
}

func (m *mockSessionRepo) DeleteByUserID(ctx context.Context, userID string) error {
	if m.deleteByUserIDFn != nil {
		return m.deleteByUserIDFn(ctx, userID)
	}
	return nil
}

type mockOAuthProvider struct {
	name           string
	getLoginURLFn  func(state string) string
	exchangeCodeFn func(ctx context.Context, code string) (*OAuthUserInfo, error)
}

func (m *mockOAuthProvider) Name() string {
	if m.name != "" {
		return m.name
	}
	return "google"
}

func (m *mockOAuthProvider) GetLoginURL(state string) string {
	if m.getLoginURLFn != nil {
		return m.getLoginURLFn(state)
	}
	return ""
}

func (m *mockOAuthProvider) ExchangeCode(ctx context.Context, code string) (*OAuthUserInfo, error) {
	if m.exchangeCodeFn != nil {
		return m.exchangeCodeFn(ctx, code)
	}
	return nil, nil
}

type mockAvatarMirror struct {
	mirrorFn func(ctx context.Context, ownerID, avatarURL string) (string, error)
}

func (m *mockAvatarMirror) MirrorAvatar(ctx context.Context, ownerID, avatarURL string) (string, error) {
	if m.mirrorFn != nil {
		return m.mirrorFn(ctx, ownerID, avatarURL)
	}
	return "", errors.New("not configured")
}

// --- compile-time interface checks ---
var _ repository.UserRepository = (*mockUserRepo)(nil)
var _ repository.IdentityRepository = (*mockIdentityRepo)(nil)
var _ repository.SessionRepository = (*mockSessionRepo)(nil)
var _ OAuthProvider = (*mockOAuthProvider)(nil)
var _ AvatarMirror = (*mockAvatarMirror)(nil)

func newTestService(users *mockUserRepo, idents *mockIdentityRepo, sessions *mockSessionRepo) *Service {
	return NewService(users, idents, sessions, nil, ServiceConfig{SessionMaxAge: 86400})
}

func uniqueViolation() error {
	return &pq.Error{Code: "23505"}
}

// --- テスト ---

func TestRegister_CreatesUserWithHashedPassword(t *testing.T) {
	var created *model.User
	users := &mockUserRepo{
		createFn: func(_ context.Context, user *model.User) error {
			created = user
			return nil
		},
	}
	svc := newTestService(users, &mockIdentityRepo{}, &mockSessionRepo{})

	user, err := svc.Register(context.Background(), "alice", "alice@example.com", "secret123")
	if err != nil {
		t.Fatalf("Register returned error: %v", err)
	}

	if created == nil {
		t.Fatal("expected user to be persisted")
	}
	if user.Username != "alice" || user.Email != "alice@example.com" {
		t.Errorf("user = %+v", user)
	}
	if user.PasswordHash == "" || user.PasswordHash == "secret123" {
		t.Error("expected password to be stored as a hash")
	}
	if !password.Verify("secret123", user.PasswordHash) {
		t.Error("stored hash does not verify against the original password")
	}
}

func TestRegister_MissingFields_ReturnsValidationError(t *testing.T) {
	svc := newTestService(&mockUserRepo{}, &mockIdentityRepo{}, &mockSessionRepo{})

	for _, tc := range []struct{ username, email, pw string }{
		{"", "a@example.com", "pw"},
		{"alice", "", "pw"},
		{"alice", "a@example.com", ""},
	} {
		_, err := svc.Register(context.Background(), tc.username, tc.email, tc.pw)
		var apiErr *model.APIError
		if !errors.As(err, &apiErr) || apiErr.Code != model.ErrCodeValidation {
			t.Errorf("Register(%q, %q) error = %v, want %s", tc.username, tc.email, err, model.ErrCodeValidation)
		}
	}
}

func TestRegister_DuplicateUser_ReturnsConflict(t *testing.T) {
	users := &mockUserRepo{
		createFn: func(_ context.Context, _ *model.User) error {
			return uniqueViolation()
		},
	}
	svc := newTestService(users, &mockIdentityRepo{}, &mockSessionRepo{})

	_, err := svc.Register(context.Background(), "alice", "alice@example.com", "secret123")
	var apiErr *model.APIError
	if !errors.As(err, &apiErr) || apiErr.Code != model.ErrCodeDuplicateUser {
		t.Fatalf("error = %v, want %s", err, model.ErrCodeDuplicateUser)
	}
	if apiErr.Message != "Username or email already exists" {
		t.Errorf("message = %q", apiErr.Message)
	}
}

func TestLoginLocal_Success_EstablishesSessionWithSnapshot(t *testing.T) {
	hash, err := password.Hash("secret123")
	if err != nil {
		t.Fatal(err)
	}
	existing := &model.User{
		ID:           "user-1",
		Username:     "alice",
		Email:        "alice@example.com",
		PasswordHash: hash,
		ProfilePic:   "/uploads/user-1-1.png",
	}
	users := &mockUserRepo{
		findByUsernameFn: func(_ context.Context, username string) (*model.User, error) {
			if username == "alice" {
				return existing, nil
			}
			return nil, nil
		},
	}
	var saved *model.Session
	sessions := &mockSessionRepo{
		createFn: func(_ context.Context, s *model.Session) error {
			saved = s
			return nil
		},
	}
	svc := newTestService(users, &mockIdentityRepo{}, sessions)

	session, err := svc.LoginLocal(context.Background(), "alice", "secret123")
	if err != nil {
		t.Fatalf("LoginLocal returned error: %v", err)
	}

	if saved == nil || session.ID != saved.ID {
		t.Fatal("expected session to be persisted")
	}
	if len(session.ID) != 64 {
		t.Errorf("session ID length = %d, want 64 hex chars", len(session.ID))
	}
	if session.UserID != "user-1" {
		t.Errorf("session user = %q", session.UserID)
	}
	if session.Principal == nil {
		t.Fatal("expected principal snapshot on session")
	}
	if session.Principal.Username != "alice" || session.Principal.ProfilePic != "/uploads/user-1-1.png" {
		t.Errorf("principal = %+v", session.Principal)
	}
	if remaining := time.Until(session.ExpiresAt); remaining < 23*time.Hour {
		t.Errorf("session expires too soon: %v", remaining)
	}
}

// ユーザー不在とパスワード不一致は区別できないエラーになる。
func TestLoginLocal_BadCredentials_SameError(t *testing.T) {
	hash, err := password.Hash("secret123")
	if err != nil {
		t.Fatal(err)
	}
	users := &mockUserRepo{
		findByUsernameFn: func(_ context.Context, username string) (*model.User, error) {
			if username == "alice" {
				return &model.User{ID: "user-1", Username: "alice", PasswordHash: hash}, nil
			}
			if username == "oauth-only" {
				return &model.User{ID: "user-2", Username: "oauth-only"}, nil
			}
			return nil, nil
		},
	}
	svc := newTestService(users, &mockIdentityRepo{}, &mockSessionRepo{})

	for _, tc := range []struct{ username, pw string }{
		{"nobody", "secret123"},     // 未登録
		{"alice", "wrong"},          // パスワード不一致
		{"oauth-only", "secret123"}, // ローカルパスワードなし
	} {
		_, err := svc.LoginLocal(context.Background(), tc.username, tc.pw)
		var apiErr *model.APIError
		if !errors.As(err, &apiErr) || apiErr.Code != model.ErrCodeInvalidCredentials {
			t.Errorf("LoginLocal(%q) error = %v, want %s", tc.username, err, model.ErrCodeInvalidCredentials)
		}
	}
}

func TestHandleOAuthCallback_ExistingIdentity_ReturnsUserUnchanged(t *testing.T) {
	existing := &model.User{ID: "user-1", Username: "alice", Email: "alice@example.com"}
	idents := &mockIdentityRepo{
		findByProviderFn: func(_ context.Context, provider, providerUserID string) (*model.Identity, error) {
			if provider == "google" && providerUserID == "goog-123" {
				return &model.Identity{ID: "ident-1", UserID: "user-1", Provider: "google", ProviderUserID: "goog-123"}, nil
			}
			return nil, nil
		},
	}
	createCalled := false
	users := &mockUserRepo{
		findByIDFn: func(_ context.Context, id string) (*model.User, error) {
			if id == "user-1" {
				return existing, nil
			}
			return nil, nil
		},
		createWithIdentityFn: func(_ context.Context, _ *model.User, _ *model.Identity) error {
			createCalled = true
			return nil
		},
	}
	provider := &mockOAuthProvider{
		exchangeCodeFn: func(_ context.Context, code string) (*OAuthUserInfo, error) {
			return &OAuthUserInfo{
				ProviderUserID: "goog-123",
				// 再ログイン時にプロフィールが変わっていても既存レコードは触らない
				Email:    "renamed@example.com",
				Name:     "Alice Renamed",
				Provider: "google",
			}, nil
		},
	}
	svc := newTestService(users, idents, &mockSessionRepo{})

	session, err := svc.HandleOAuthCallback(context.Background(), provider, "code-1")
	if err != nil {
		t.Fatalf("HandleOAuthCallback returned error: %v", err)
	}
	if session.UserID != "user-1" {
		t.Errorf("session user = %q, want user-1", session.UserID)
	}
	if session.Principal.Email != "alice@example.com" {
		t.Errorf("principal email = %q, want stored email", session.Principal.Email)
	}
	if createCalled {
		t.Error("existing identity must not trigger user creation")
	}
}

func TestHandleOAuthCallback_NewUser_ProvisionsUserAndIdentity(t *testing.T) {
	var createdUser *model.User
	var createdIdentity *model.Identity
	users := &mockUserRepo{
		createWithIdentityFn: func(_ context.Context, user *model.User, identity *model.Identity) error {
			createdUser = user
			createdIdentity = identity
			return nil
		},
	}
	provider := &mockOAuthProvider{
		exchangeCodeFn: func(_ context.Context, _ string) (*OAuthUserInfo, error) {
			return &OAuthUserInfo{
				ProviderUserID: "goog-9",
				Email:          "bob@example.com",
				Name:           "Bob The Builder",
				Provider:       "google",
			}, nil
		},
	}
	svc := newTestService(users, &mockIdentityRepo{}, &mockSessionRepo{})

	session, err := svc.HandleOAuthCallback(context.Background(), provider, "code-1")
	if err != nil {
		t.Fatalf("HandleOAuthCallback returned error: %v", err)
	}

	if createdUser == nil || createdIdentity == nil {
		t.Fatal("expected user and identity to be created")
	}
	// 表示名の空白は除去される
	if createdUser.Username != "BobTheBuilder" {
		t.Errorf("username = %q, want BobTheBuilder", createdUser.Username)
	}
	if createdUser.PasswordHash != "" {
		t.Error("oauth user must not get a local password")
	}
	if createdIdentity.UserID != createdUser.ID {
		t.Error("identity must reference the created user")
	}
	if createdIdentity.Provider != "google" || createdIdentity.ProviderUserID != "goog-9" {
		t.Errorf("identity = %+v", createdIdentity)
	}
	if session.UserID != createdUser.ID {
		t.Error("session must belong to the created user")
	}
}

func TestResolveOAuthUser_NoEmail_UsesPlaceholder(t *testing.T) {
	var createdUser *model.User
	users := &mockUserRepo{
		createWithIdentityFn: func(_ context.Context, user *model.User, _ *model.Identity) error {
			createdUser = user
			return nil
		},
	}
	svc := newTestService(users, &mockIdentityRepo{}, &mockSessionRepo{})

	_, err := svc.resolveOAuthUser(context.Background(), &OAuthUserInfo{
		ProviderUserID: "12345",
		Login:          "bob",
		Provider:       "github",
	})
	if err != nil {
		t.Fatalf("resolveOAuthUser returned error: %v", err)
	}

	if createdUser.Email != "github_12345@noemail.com" {
		t.Errorf("email = %q, want github_12345@noemail.com", createdUser.Email)
	}
	// 表示名がなければログインハンドルを使う
	if createdUser.Username != "bob" {
		t.Errorf("username = %q, want bob", createdUser.Username)
	}
}

func TestResolveOAuthUser_UsernameTaken_AppendsSuffix(t *testing.T) {
	taken := map[string]bool{"alice": true, "alice1": true}
	var createdUser *model.User
	users := &mockUserRepo{
		findByUsernameFn: func(_ context.Context, username string) (*model.User, error) {
			if taken[username] {
				return &model.User{ID: "other", Username: username}, nil
			}
			return nil, nil
		},
		createWithIdentityFn: func(_ context.Context, user *model.User, _ *model.Identity) error {
			createdUser = user
			return nil
		},
	}
	svc := newTestService(users, &mockIdentityRepo{}, &mockSessionRepo{})

	_, err := svc.resolveOAuthUser(context.Background(), &OAuthUserInfo{
		ProviderUserID: "goog-9",
		Name:           "alice",
		Provider:       "google",
	})
	if err != nil {
		t.Fatalf("resolveOAuthUser returned error: %v", err)
	}

	if createdUser.Username != "alice2" {
		t.Errorf("username = %q, want alice2", createdUser.Username)
	}
}

// 探索とINSERTの間に同名が登録されたレースでは、1回だけ取り直して再試行する。
func TestResolveOAuthUser_CreateRace_RetriesOnce(t *testing.T) {
	attempts := 0
	var createdUser *model.User
	users := &mockUserRepo{
		findByUsernameFn: func(_ context.Context, username string) (*model.User, error) {
			// 1回目の作成失敗後はaliceが埋まっている
			if attempts > 0 && username == "alice" {
				return &model.User{ID: "racer", Username: "alice"}, nil
			}
			return nil, nil
		},
		createWithIdentityFn: func(_ context.Context, user *model.User, _ *model.Identity) error {
			attempts++
			if attempts == 1 {
				return uniqueViolation()
			}
			createdUser = user
			return nil
		},
	}
	svc := newTestService(users, &mockIdentityRepo{}, &mockSessionRepo{})

	user, err := svc.resolveOAuthUser(context.Background(), &OAuthUserInfo{
		ProviderUserID: "goog-9",
		Name:           "alice",
		Provider:       "google",
	})
	if err != nil {
		t.Fatalf("resolveOAuthUser returned error: %v", err)
	}

	if attempts != 2 {
		t.Errorf("create attempts = %d, want 2", attempts)
	}
	if user.Username != "alice1" || createdUser != user {
		t.Errorf("user = %+v", user)
	}
}

func TestResolveOAuthUser_SecondConflict_Fails(t *testing.T) {
	users := &mockUserRepo{
		createWithIdentityFn: func(_ context.Context, _ *model.User, _ *model.Identity) error {
			return uniqueViolation()
		},
	}
	svc := newTestService(users, &mockIdentityRepo{}, &mockSessionRepo{})

	_, err := svc.resolveOAuthUser(context.Background(), &OAuthUserInfo{
		ProviderUserID: "goog-9",
		Name:           "alice",
		Provider:       "google",
	})
	if err == nil {
		t.Fatal("expected error after retry exhaustion")
	}
}

func TestResolveOAuthUser_AvatarMirrored(t *testing.T) {
	picAtInsert := ""
	persistedPic := ""
	users := &mockUserRepo{
		createWithIdentityFn: func(_ context.Context, user *model.User, _ *model.Identity) error {
			picAtInsert = user.ProfilePic
			return nil
		},
		updateProfilePicFn: func(_ context.Context, _, profilePic string) error {
			persistedPic = profilePic
			return nil
		},
	}
	avatars := &mockAvatarMirror{
		mirrorFn: func(_ context.Context, ownerID, avatarURL string) (string, error) {
			return "/uploads/" + ownerID + "-1.png", nil
		},
	}
	svc := NewService(users, &mockIdentityRepo{}, &mockSessionRepo{}, avatars, ServiceConfig{SessionMaxAge: 86400})

	user, err := svc.resolveOAuthUser(context.Background(), &OAuthUserInfo{
		ProviderUserID: "goog-9",
		Name:           "alice",
		AvatarURL:      "https://lh3.googleusercontent.com/a/pic",
		Provider:       "google",
	})
	if err != nil {
		t.Fatalf("resolveOAuthUser returned error: %v", err)
	}

	// INSERT時点ではリモートURLのまま、ミラーは行確定後に反映される
	if picAtInsert != "https://lh3.googleusercontent.com/a/pic" {
		t.Errorf("profile pic at insert = %q, want remote URL", picAtInsert)
	}
	if !strings.HasPrefix(user.ProfilePic, "/uploads/") {
		t.Errorf("profile pic = %q, want mirrored local path", user.ProfilePic)
	}
	if persistedPic != user.ProfilePic {
		t.Errorf("persisted pic = %q, want %q", persistedPic, user.ProfilePic)
	}
}

// 一意性違反で作成をやり直しても、アバターのミラーは成功した行に対して1回だけ行う。
func TestResolveOAuthUser_CreateRace_MirrorsAvatarOnce(t *testing.T) {
	attempts := 0
	users := &mockUserRepo{
		createWithIdentityFn: func(_ context.Context, _ *model.User, _ *model.Identity) error {
			attempts++
			if attempts == 1 {
				return uniqueViolation()
			}
			return nil
		},
	}
	mirrors := 0
	avatars := &mockAvatarMirror{
		mirrorFn: func(_ context.Context, ownerID, _ string) (string, error) {
			mirrors++
			return "/uploads/" + ownerID + "-1.png", nil
		},
	}
	svc := NewService(users, &mockIdentityRepo{}, &mockSessionRepo{}, avatars, ServiceConfig{SessionMaxAge: 86400})

	user, err := svc.resolveOAuthUser(context.Background(), &OAuthUserInfo{
		ProviderUserID: "goog-9",
		Name:           "alice",
		AvatarURL:      "https://lh3.googleusercontent.com/a/pic",
		Provider:       "google",
	})
	if err != nil {
		t.Fatalf("resolveOAuthUser returned error: %v", err)
	}

	if attempts != 2 {
		t.Errorf("create attempts = %d, want 2", attempts)
	}
	if mirrors != 1 {
		t.Errorf("mirror calls = %d, want 1", mirrors)
	}
	if !strings.HasPrefix(user.ProfilePic, "/uploads/") {
		t.Errorf("profile pic = %q, want mirrored local path", user.ProfilePic)
	}
}

// アバターのミラー失敗はサインアップを止めず、リモートURLで続行する。
func TestResolveOAuthUser_AvatarMirrorFails_KeepsRemoteURL(t *testing.T) {
	var createdUser *model.User
	users := &mockUserRepo{
		createWithIdentityFn: func(_ context.Context, user *model.User, _ *model.Identity) error {
			createdUser = user
			return nil
		},
	}
	avatars := &mockAvatarMirror{
		mirrorFn: func(_ context.Context, _, _ string) (string, error) {
			return "", errors.New("fetch failed")
		},
	}
	svc := NewService(users, &mockIdentityRepo{}, &mockSessionRepo{}, avatars, ServiceConfig{SessionMaxAge: 86400})

	_, err := svc.resolveOAuthUser(context.Background(), &OAuthUserInfo{
		ProviderUserID: "goog-9",
		Name:           "alice",
		AvatarURL:      "https://lh3.googleusercontent.com/a/pic",
		Provider:       "google",
	})
	if err != nil {
		t.Fatalf("resolveOAuthUser returned error: %v", err)
	}

	if createdUser.ProfilePic != "https://lh3.googleusercontent.com/a/pic" {
		t.Errorf("profile pic = %q, want remote URL", createdUser.ProfilePic)
	}
}

func TestCurrentPrincipal_SnapshotPresent_NoUserLookup(t *testing.T) {
	lookedUp := false
	users := &mockUserRepo{
		findByIDFn: func(_ context.Context, _ string) (*model.User, error) {
			lookedUp = true
			return nil, nil
		},
	}
	sessions := &mockSessionRepo{
		findByIDFn: func(_ context.Context, id string) (*model.Session, error) {
			return &model.Session{
				ID:     id,
				UserID: "user-1",
				Principal: &model.Principal{
					ID:       "user-1",
					Username: "alice",
					Email:    "alice@example.com",
				},
			}, nil
		},
	}
	svc := newTestService(users, &mockIdentityRepo{}, sessions)

	principal, err := svc.CurrentPrincipal(context.Background(), "sess-1")
	if err != nil {
		t.Fatalf("CurrentPrincipal returned error: %v", err)
	}
	if principal == nil || principal.Username != "alice" {
		t.Fatalf("principal = %+v", principal)
	}
	if lookedUp {
		t.Error("snapshot hit must not query the user store")
	}
}

func TestCurrentPrincipal_NoSnapshot_ReconstructsAndBackfills(t *testing.T) {
	users := &mockUserRepo{
		findByIDFn: func(_ context.Context, id string) (*model.User, error) {
			if id == "user-1" {
				return &model.User{ID: "user-1", Username: "alice", Email: "alice@example.com"}, nil
			}
			return nil, nil
		},
	}
	var backfilled *model.Principal
	sessions := &mockSessionRepo{
		findByIDFn: func(_ context.Context, id string) (*model.Session, error) {
			return &model.Session{ID: id, UserID: "user-1"}, nil
		},
		updateSnapshotFn: func(_ context.Context, _ string, principal *model.Principal) error {
			backfilled = principal
			return nil
		},
	}
	svc := newTestService(users, &mockIdentityRepo{}, sessions)

	principal, err := svc.CurrentPrincipal(context.Background(), "sess-1")
	if err != nil {
		t.Fatalf("CurrentPrincipal returned error: %v", err)
	}
	if principal == nil || principal.Username != "alice" {
		t.Fatalf("principal = %+v", principal)
	}
	if backfilled == nil || backfilled.ID != "user-1" {
		t.Error("expected snapshot backfill")
	}
}

func TestCurrentPrincipal_MissingSession_ReturnsNil(t *testing.T) {
	svc := newTestService(&mockUserRepo{}, &mockIdentityRepo{}, &mockSessionRepo{})

	for _, id := range []string{"", "unknown"} {
		principal, err := svc.CurrentPrincipal(context.Background(), id)
		if err != nil {
			t.Fatalf("CurrentPrincipal(%q) returned error: %v", id, err)
		}
		if principal != nil {
			t.Errorf("CurrentPrincipal(%q) = %+v, want nil", id, principal)
		}
	}
}

func TestTerminate_DeletesSession(t *testing.T) {
	deleted := ""
	sessions := &mockSessionRepo{
		deleteByIDFn: func(_ context.Context, id string) error {
			deleted = id
			return nil
		},
	}
	svc := newTestService(&mockUserRepo{}, &mockIdentityRepo{}, sessions)

	if err := svc.Terminate(context.Background(), "sess-1"); err != nil {
		t.Fatalf("Terminate returned error: %v", err)
	}
	if deleted != "sess-1" {
		t.Errorf("deleted = %q, want sess-1", deleted)
	}
}

func TestChangePassword_Success_RefreshesSessions(t *testing.T) {
	hash, err := password.Hash("old-pass")
	if err != nil {
		t.Fatal(err)
	}
	var updatedHash string
	refreshed := false
	users := &mockUserRepo{
		findByIDFn: func(_ context.Context, id string) (*model.User, error) {
			return &model.User{ID: id, Username: "alice", PasswordHash: hash}, nil
		},
		updatePasswordHashFn: func(_ context.Context, _, passwordHash string) error {
			updatedHash = passwordHash
			return nil
		},
	}
	sessions := &mockSessionRepo{
		refreshSnapshotsFn: func(_ context.Context, userID string, _ *model.Principal) error {
			refreshed = userID == "user-1"
			return nil
		},
	}
	svc := newTestService(users, &mockIdentityRepo{}, sessions)

	if err := svc.ChangePassword(context.Background(), "user-1", "old-pass", "new-pass"); err != nil {
		t.Fatalf("ChangePassword returned error: %v", err)
	}

	if !password.Verify("new-pass", updatedHash) {
		t.Error("updated hash does not verify against the new password")
	}
	if !refreshed {
		t.Error("expected session snapshots to be refreshed")
	}
}

func TestChangePassword_WrongOldPassword_Rejected(t *testing.T) {
	hash, err := password.Hash("old-pass")
	if err != nil {
		t.Fatal(err)
	}
	users := &mockUserRepo{
		findByIDFn: func(_ context.Context, id string) (*model.User, error) {
			return &model.User{ID: id, PasswordHash: hash}, nil
		},
	}
	svc := newTestService(users, &mockIdentityRepo{}, &mockSessionRepo{})

	err = svc.ChangePassword(context.Background(), "user-1", "wrong", "new-pass")
	var apiErr *model.APIError
	if !errors.As(err, &apiErr) || apiErr.Code != model.ErrCodeInvalidCredentials {
		t.Fatalf("error = %v, want %s", err, model.ErrCodeInvalidCredentials)
	}
}

func TestChangePassword_OAuthOnlyAccount_Rejected(t *testing.T) {
	users := &mockUserRepo{
		findByIDFn: func(_ context.Context, id string) (*model.User, error) {
			return &model.User{ID: id, Username: "alice"}, nil // パスワードハッシュなし
		},
	}
	svc := newTestService(users, &mockIdentityRepo{}, &mockSessionRepo{})

	err := svc.ChangePassword(context.Background(), "user-1", "old", "new")
	var apiErr *model.APIError
	if !errors.As(err, &apiErr) || apiErr.Code != model.ErrCodeNoLocalPassword {
		t.Fatalf("error = %v, want %s", err, model.ErrCodeNoLocalPassword)
	}
}

func TestChangePassword_MissingFields_Rejected(t *testing.T) {
	svc := newTestService(&mockUserRepo{}, &mockIdentityRepo{}, &mockSessionRepo{})

	for _, tc := range []struct{ old, new string }{{"", "new"}, {"old", ""}} {
		err := svc.ChangePassword(context.Background(), "user-1", tc.old, tc.new)
		var apiErr *model.APIError
		if !errors.As(err, &apiErr) || apiErr.Code != model.ErrCodeValidation {
			t.Errorf("ChangePassword(%q, %q) error = %v, want %s", tc.old, tc.new, err, model.ErrCodeValidation)
		}
	}
}

func TestSetProfilePicture_UpdatesUserAndSessions(t *testing.T) {
	var storedPic string
	users := &mockUserRepo{
		findByIDFn: func(_ context.Context, id string) (*model.User, error) {
			return &model.User{ID: id, Username: "alice", ProfilePic: storedPic}, nil
		},
		updateProfilePicFn: func(_ context.Context, _, profilePic string) error {
			storedPic = profilePic
			return nil
		},
	}
	var refreshedWith *model.Principal
	sessions := &mockSessionRepo{
		refreshSnapshotsFn: func(_ context.Context, _ string, principal *model.Principal) error {
			refreshedWith = principal
			return nil
		},
	}
	svc := newTestService(users, &mockIdentityRepo{}, sessions)

	principal, err := svc.SetProfilePicture(context.Background(), "user-1", "/uploads/user-1-9.png")
	if err != nil {
		t.Fatalf("SetProfilePicture returned error: %v", err)
	}

	if principal.ProfilePic != "/uploads/user-1-9.png" {
		t.Errorf("principal pic = %q", principal.ProfilePic)
	}
	if refreshedWith == nil || refreshedWith.ProfilePic != "/uploads/user-1-9.png" {
		t.Error("expected session snapshots refreshed with the new picture")
	}
}

func TestUsernameBase_Fallbacks(t *testing.T) {
	tests := []struct {
		info *OAuthUserInfo
		want string
	}{
		{&OAuthUserInfo{Name: "Alice Smith", Provider: "google"}, "AliceSmith"},
		{&OAuthUserInfo{Name: "  spaced   name ", Provider: "google"}, "spacedname"},
		{&OAuthUserInfo{Login: "bob", Provider: "github"}, "bob"},
		{&OAuthUserInfo{Provider: "github"}, "githubuser"},
	}
	for _, tt := range tests {
		if got := usernameBase(tt.info); got != tt.want {
			t.Errorf("usernameBase(%+v) = %q, want %q", tt.info, got, tt.want)
		}
	}
}
