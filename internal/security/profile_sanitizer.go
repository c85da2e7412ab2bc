// Package security はアプリケーションのセキュリティ機能を提供する。
//
// ProfileSanitizer はIdPが主張するプロフィール属性（ユーザー名、表示名）から
// HTMLを取り除き、保存・表示時のXSSリスクを防ぐ。
package security

import (
	"html"
	"strings"

	"github.com/microcosm-cc/bluemonday"
)

// ProfileSanitizer はプロフィール属性のサニタイズ機能を提供する。
type ProfileSanitizer struct {
	policy *bluemonday.Policy
}

// NewProfileSanitizer はすべてのタグを除去するポリシーでProfileSanitizerを生成する。
func NewProfileSanitizer() *ProfileSanitizer {
	return &ProfileSanitizer{policy: bluemonday.StrictPolicy()}
}

// maxSanitizePasses はエンティティの多重エンコードを剥がす最大回数。
const maxSanitizePasses = 8

// Sanitize はタグを除去したプレーンテキストを返す。
// エンティティを戻した結果にタグが現れる場合があるため、タグ除去とアンエスケープを
// 出力が変化しなくなるまで繰り返す。収束しない場合はエスケープ済みの文字列を返す。
// Sanitizeの出力を再度Sanitizeしても変化しない。
func (s *ProfileSanitizer) Sanitize(value string) string {
	if value == "" {
		return ""
	}
	current := value
	for i := 0; i < maxSanitizePasses; i++ {
		stripped := s.policy.Sanitize(current)
		next := html.UnescapeString(stripped)
		if next == current {
			return strings.TrimSpace(next)
		}
		if i == maxSanitizePasses-1 {
			return strings.TrimSpace(stripped)
		}
		current = next
	}
	return ""
}
