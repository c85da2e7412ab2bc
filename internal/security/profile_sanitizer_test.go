package security

import (
	"strings"
	"testing"
)

// TestProfileSanitizer_Sanitize はプロフィール属性からHTMLが除去されることを検証する。
func TestProfileSanitizer_Sanitize(t *testing.T) {
	sanitizer := NewProfileSanitizer()

	tests := []struct {
		name  string
		input string
		want  string
	}{
		{name: "プレーンテキストはそのまま", input: "Alice Smith", want: "Alice Smith"},
		{name: "日本語はそのまま", input: "山田 太郎", want: "山田 太郎"},
		{name: "scriptタグは中身ごと除去", input: "Bob<script>alert(1)</script>", want: "Bob"},
		{name: "装飾タグは除去され文字列は残る", input: "<b>Carol</b>", want: "Carol"},
		{name: "イベント属性付きタグを除去", input: `<img src=x onerror=alert(1)>Dave`, want: "Dave"},
		{name: "アンパサンドは保持", input: "Tom & Jerry", want: "Tom & Jerry"},
		{name: "不等号は保持", input: "x &lt; y", want: "x < y"},
		{name: "エンコードされたscriptタグを除去", input: "&lt;script&gt;alert(1)&lt;/script&gt;", want: ""},
		{name: "エンコードされたイベント属性付きタグを除去", input: "&lt;img src=x onerror=alert(1)&gt;Grace", want: "Grace"},
		{name: "二重エンコードされたタグを除去", input: "&amp;lt;b&amp;gt;Heidi&amp;lt;/b&amp;gt;", want: "Heidi"},
		{name: "前後の空白を除去", input: "  eve  ", want: "eve"},
		{name: "空文字列", input: "", want: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := sanitizer.Sanitize(tt.input); got != tt.want {
				t.Errorf("Sanitize(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

// TestProfileSanitizer_Idempotent は同一入力に対して同一出力を返すことを検証する。
func TestProfileSanitizer_Idempotent(t *testing.T) {
	sanitizer := NewProfileSanitizer()
	inputs := []string{
		"<i>Frank</i> & co",
		"&lt;script&gt;alert(1)&lt;/script&gt;",
		"&lt;img src=x onerror=alert(1)&gt;",
		"Ivan &amp;lt;3",
	}

	for _, input := range inputs {
		first := sanitizer.Sanitize(input)
		second := sanitizer.Sanitize(first)
		if first != second {
			t.Errorf("Sanitize(%q) is not idempotent: %q then %q", input, first, second)
		}
		lower := strings.ToLower(first)
		if strings.Contains(lower, "<script") || strings.Contains(lower, "<img") {
			t.Errorf("Sanitize(%q) = %q contains markup", input, first)
		}
	}
}
