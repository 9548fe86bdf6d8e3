// Package password はローカル認証用のパスワードハッシュ化を提供する。
package password

import (
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

// hashCost はbcryptのワークファクタ。
const hashCost = 10

// Hash は平文パスワードからソルト付きの一方向ハッシュを生成する。
// bcryptは数十ミリ秒CPUを消費するため、呼び出し側はリクエストgoroutine上で
// 実行してよいがロックを保持したまま呼ばないこと。
func Hash(plaintext string) (string, error) {
	if plaintext == "" {
		return "", fmt.Errorf("password must not be empty")
	}

	hashed, err := bcrypt.GenerateFromPassword([]byte(plaintext), hashCost)
	if err != nil {
		return "", fmt.Errorf("failed to hash password: %w", err)
	}
	return string(hashed), nil
}

// Verify は平文パスワードとハッシュを照合する。
// ハッシュが空（OAuth専用アカウント）の場合は常にfalseを返し、エラーにはしない。
func Verify(plaintext, hash string) bool {
	if hash == "" {
		return false
	}

	// 不正なハッシュ形式も含め、照合できなければ認証失敗として扱う
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(plaintext)) == nil
}
