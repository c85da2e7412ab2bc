// Package claims はOIDCのクレームから正規化されたプロフィールを抽出する。
package claims

import (
	"fmt"

	"github.com/jmespath/go-jmespath"
)

// Expression はコンパイル済みの属性パス式。
type Expression interface {
	// Evaluate はクレーム集合に対して式を評価した結果を返す。
	Evaluate(claims map[string]any) (any, error)
}

// Evaluator は属性パス式の言語を差し替えるためのインターフェース。
type Evaluator interface {
	Compile(expr string) (Expression, error)
}

// JMESPathEvaluator はJMESPathで属性パスを評価する。
type JMESPathEvaluator struct{}

// Compile はJMESPath式をコンパイルする。
func (JMESPathEvaluator) Compile(expr string) (Expression, error) {
	jp, err := jmespath.Compile(expr)
	if err != nil {
		return nil, fmt.Errorf("compile %q: %w", expr, err)
	}
	return jmesExpression{jp: jp}, nil
}

type jmesExpression struct {
	jp *jmespath.JMESPath
}

func (e jmesExpression) Evaluate(claims map[string]any) (any, error) {
	return e.jp.Search(claims)
}
