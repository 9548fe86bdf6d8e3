// Package repository はデータ永続化のインターフェースを定義する。
package repository

import (
	"context"
	"errors"

	"github.com/lib/pq"

	"github.com/hitoshi/studynotes/internal/model"
)

// UserRepository はユーザーデータの永続化インターフェース。
type UserRepository interface {
	// FindByID は指定IDのユーザーを取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.User, error)

	// FindByUsername はユーザー名でユーザーを検索する。見つからない場合はnilを返す。
	FindByUsername(ctx context.Context, username string) (*model.User, error)

	// Create はローカル登録のユーザーを作成する。
	// username/emailの一意性違反はIsUniqueViolationで判別できるエラーとして返る。
	Create(ctx context.Context, user *model.User) error

	// CreateWithIdentity はユーザーとidentityを同一トランザクションで作成する。
	// OAuth初回ログインの自動プロビジョニングで使用する。
	CreateWithIdentity(ctx context.Context, user *model.User, identity *model.Identity) error

	// UpdatePasswordHash はパスワードハッシュを更新する。
	UpdatePasswordHash(ctx context.Context, id, passwordHash string) error

	// UpdateProfilePic はプロフィール画像参照を更新する。
	UpdateProfilePic(ctx context.Context, id, profilePic string) error
}

// IdentityRepository は外部IdP紐付け情報の永続化インターフェース。
type IdentityRepository interface {
	// FindByProviderAndProviderUserID はproviderとprovider_user_idでidentityを検索する。
	// 見つからない場合はnilを返す。
	FindByProviderAndProviderUserID(ctx context.Context, provider, providerUserID string) (*model.Identity, error)
}

// SessionRepository はセッションデータの永続化インターフェース。
type SessionRepository interface {
	// Create はPrincipalスナップショット込みでセッションを作成する。
	Create(ctx context.Context, session *model.Session) error
	// FindByID は指定IDのセッションを取得する。期限切れの場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.Session, error)
	// UpdateSnapshot はセッションのPrincipalスナップショットを書き換える。
	UpdateSnapshot(ctx context.Context, id string, principal *model.Principal) error
	// RefreshSnapshotsByUserID は指定ユーザーの全セッションのスナップショットを書き換える。
	RefreshSnapshotsByUserID(ctx context.Context, userID string, principal *model.Principal) error
	// DeleteByID は指定IDのセッションを削除する。
	DeleteByID(ctx context.Context, id string) error
	// DeleteByUserID は指定ユーザーの全セッションを削除する。
	DeleteByUserID(ctx context.Context, userID string) error
}

// NoteRepository はノートデータの永続化インターフェース。
// 全ての参照・更新・削除はnote idと所有者idを同一クエリで条件に含める。
type NoteRepository interface {
	// ListByOwner は所有者のノート一覧を作成日時の降順で返す。
	ListByOwner(ctx context.Context, ownerID string) ([]*model.Note, error)

	// FindByIDAndOwner はidと所有者idでノートを取得する。見つからない場合はnilを返す。
	FindByIDAndOwner(ctx context.Context, id, ownerID string) (*model.Note, error)

	// Create はノートを作成する。
	Create(ctx context.Context, note *model.Note) error

	// UpdateByIDAndOwner はノートの全フィールドを置き換え、更新後のノートを返す。
	// 対象が存在しない（または他ユーザー所有の）場合はnilを返す。
	UpdateByIDAndOwner(ctx context.Context, id, ownerID string, fields model.NoteFields) (*model.Note, error)

	// DeleteByIDAndOwner はノートを削除する。対象が存在しなくてもエラーにしない（冪等）。
	DeleteByIDAndOwner(ctx context.Context, id, ownerID string) error
}

// IsUniqueViolation はPostgreSQLの一意性制約違反（23505）かを判定する。
// 事前チェックではなくこの判定が衝突検知の唯一の正。
func IsUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	return false
}
