// Package model はドメインモデルを定義する。
package model

import "time"

// User はサービス利用ユーザーを表す。
// PasswordHashはローカルアカウントのみ保持し、OAuth専用アカウントでは空文字列。
type User struct {
	ID           string
	Username     string
	Email        string
	PasswordHash string
	ProfilePic   string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// HasLocalPassword はローカルパスワードが設定されているかを返す。
func (u *User) HasLocalPassword() bool {
	return u.PasswordHash != ""
}

// Identity は外部IdPとの紐付け情報を表す。
// (Provider, ProviderUserID) の組み合わせでユーザーを一意に特定する。
type Identity struct {
	ID             string
	UserID         string
	Provider       string
	ProviderUserID string
	CreatedAt      time.Time
}

// Principal は認証済みリクエストに紐付く公開プロフィールのスナップショット。
// パスワードハッシュは決して含まない。
type Principal struct {
	ID         string `json:"id"`
	Username   string `json:"username"`
	Email      string `json:"email"`
	ProfilePic string `json:"profilePic"`
}

// PrincipalOf はユーザーの公開フィールドからPrincipalを生成する。
func PrincipalOf(u *User) *Principal {
	return &Principal{
		ID:         u.ID,
		Username:   u.Username,
		Email:      u.Email,
		ProfilePic: u.ProfilePic,
	}
}

// Session はユーザーのログインセッションを表す。
// PrincipalはセッションレコードのdataカラムにJSONで保持されるスナップショット。
// 旧形式のレコードではnilになり、その場合はusersテーブルから再構築する。
type Session struct {
	ID        string
	UserID    string
	Principal *Principal
	ExpiresAt time.Time
	CreatedAt time.Time
}
