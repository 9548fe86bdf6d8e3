package security

import (
	"strings"

	"github.com/microcosm-cc/bluemonday"
)

// ContentSanitizerService はユーザー入力のサニタイズ機能のインターフェースを定義する。
// ノートの保存前に使用され、保存データにスクリプトが混入しないようにする。
type ContentSanitizerService interface {
	// SanitizeText はプレーンテキストフィールド（タイトル、コース名）から
	// 全てのHTMLタグを除去し、前後の空白を落とす。
	// 同一入力に対して常に同一出力を返す（冪等）。
	SanitizeText(raw string) string

	// SanitizeContent はノート本文をサニタイズして安全なHTMLを返す。
	// 許可タグ（p, br, ul, ol, li, blockquote, pre, code, strong, em）のみを
	// 通過させ、script, iframe, styleタグおよびon*イベント属性を除去する。
	SanitizeContent(raw string) string
}

// contentSanitizer はContentSanitizerServiceの実装。
// bluemondayのポリシーを保持し、スレッドセーフにサニタイズ処理を行う。
type contentSanitizer struct {
	strict  *bluemonday.Policy
	content *bluemonday.Policy
}

// NewContentSanitizer はContentSanitizerServiceの新しいインスタンスを生成する。
// 初期化時にbluemondayのポリシーを構築する。
// ポリシーの内容:
//   - テキストフィールド: 全タグ除去（StrictPolicy）
//   - 本文: p, br, ul, ol, li, blockquote, pre, code, strong, em のみ許可
//   - script, iframe, style および全てのon*イベント属性は除去される
func NewContentSanitizer() *contentSanitizer {
	content := bluemonday.NewPolicy()
	content.AllowElements(
		"p", "br", "ul", "ol", "li",
		"blockquote", "pre", "code",
		"strong", "em",
	)

	return &contentSanitizer{
		strict:  bluemonday.StrictPolicy(),
		content: content,
	}
}

// SanitizeText はプレーンテキストフィールドから全てのHTMLタグを除去する。
func (s *contentSanitizer) SanitizeText(raw string) string {
	return strings.TrimSpace(s.strict.Sanitize(raw))
}

// SanitizeContent はノート本文をサニタイズして安全なHTMLを返す。
func (s *contentSanitizer) SanitizeContent(raw string) string {
	return s.content.Sanitize(raw)
}

// compile-time interface check
var _ ContentSanitizerService = (*contentSanitizer)(nil)
