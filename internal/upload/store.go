// Package upload はプロフィール画像の受け入れと保存を提供する。
//
// 1リクエスト1ファイル、サイズ上限つき、宣言されたメディアタイプによる
// 画像判定（コンテンツスニッフィングはしない）で、保存前に拒否する。
package upload

import (
	"context"
	"fmt"
	"io"
	"mime"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/hitoshi/studynotes/internal/model"
)

// URLPrefix は保存済みファイルが公開される静的パスのプレフィックス。
const URLPrefix = "/uploads/"

// Store はプロフィール画像のディスク保存を管理する。
type Store struct {
	dir     string
	maxSize int64
	client  *http.Client // アバターミラー用のSSRFガード済みクライアント
}

// NewStore はStoreを生成し、保存先ディレクトリを必要に応じて作成する。
// clientはアバターミラーに使用するHTTPクライアント（security.OutboundGuard産を想定）。
func NewStore(dir string, maxSize int64, client *http.Client) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create upload directory: %w", err)
	}
	return &Store{
		dir:     dir,
		maxSize: maxSize,
		client:  client,
	}, nil
}

// Dir は保存先ディレクトリを返す。静的配信のマウントに使用する。
func (s *Store) Dir() string {
	return s.dir
}

// Save はアップロードされた1ファイルを検証して保存し、公開パスを返す。
// 検証順序: メディアタイプ → サイズ。どちらも保存前に拒否する。
// ファイル名は {ownerID}-{epochMillis}{ext}。ownerIDが空の場合は"guest"を使う。
func (s *Store) Save(ownerID, originalName, contentType string, size int64, r io.Reader) (string, error) {
	if !isImageMediaType(contentType) {
		return "", model.NewUploadNotImageError()
	}
	if size > s.maxSize {
		return "", model.NewUploadTooLargeError()
	}

	name := s.filename(ownerID, filepath.Ext(originalName))
	dst := filepath.Join(s.dir, name)

	f, err := os.Create(dst)
	if err != nil {
		return "", fmt.Errorf("failed to create upload file: %w", err)
	}
	defer f.Close()

	// 宣言サイズを信用せず、書き込み中も上限を強制する
	written, err := io.Copy(f, io.LimitReader(r, s.maxSize+1))
	if err != nil {
		os.Remove(dst)
		return "", fmt.Errorf("failed to write upload file: %w", err)
	}
	if written > s.maxSize {
		os.Remove(dst)
		return "", model.NewUploadTooLargeError()
	}

	return URLPrefix + name, nil
}

// MirrorAvatar はIdPが提示したアバターURLを取得してローカル保存し、公開パスを返す。
// 取得はSSRFガード済みクライアント経由で行い、画像以外のレスポンスは拒否する。
func (s *Store) MirrorAvatar(ctx context.Context, ownerID, avatarURL string) (string, error) {
	if s.client == nil {
		return "", fmt.Errorf("no outbound client configured")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, avatarURL, nil)
	if err != nil {
		return "", fmt.Errorf("failed to create avatar request: %w", err)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("avatar fetch failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("avatar fetch returned status %d", resp.StatusCode)
	}

	contentType := resp.Header.Get("Content-Type")
	ext := extensionFor(avatarURL, contentType)

	return s.Save(ownerID, "avatar"+ext, contentType, 0, resp.Body)
}

// filename は {ownerID}-{epochMillis}{ext} 形式のファイル名を生成する。
func (s *Store) filename(ownerID, ext string) string {
	if ownerID == "" {
		ownerID = "guest"
	}
	return fmt.Sprintf("%s-%d%s", ownerID, time.Now().UnixMilli(), ext)
}

// isImageMediaType は宣言されたContent-Typeが画像かを判定する。
// スニッフィングは行わず、メディアタイプのプレフィックスのみを見る。
func isImageMediaType(contentType string) bool {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return false
	}
	return strings.HasPrefix(mediaType, "image/")
}

// extensionFor はアバターURLのパス、なければContent-Typeから拡張子を推定する。
func extensionFor(avatarURL, contentType string) string {
	if ext := path.Ext(strippedPath(avatarURL)); ext != "" {
		return ext
	}
	if exts, err := mime.ExtensionsByType(contentType); err == nil && len(exts) > 0 {
		return exts[0]
	}
	return ""
}

// strippedPath はURLからクエリ等を除いたパス部分を返す。
func strippedPath(rawURL string) string {
	if i := strings.IndexAny(rawURL, "?#"); i >= 0 {
		rawURL = rawURL[:i]
	}
	return rawURL
}
