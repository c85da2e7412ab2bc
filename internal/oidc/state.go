package oidc

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"fmt"
)

// stateRandomWords はstateに付加する乱数（uint32）の個数。
const stateRandomWords = 4

// EncodeState はpayloadと4つの乱数をJSON配列にし、パディングなしのbase64urlで返す。
// 乱数によりstateは推測不能になり、同じpayloadでも毎回異なる値になる。
func EncodeState(payload any) (string, error) {
	var buf [stateRandomWords * 4]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return "", fmt.Errorf("generate state: %w", err)
	}

	arr := make([]any, 0, stateRandomWords+1)
	arr = append(arr, payload)
	for i := 0; i < stateRandomWords; i++ {
		arr = append(arr, binary.BigEndian.Uint32(buf[i*4:]))
	}

	b, err := json.Marshal(arr)
	if err != nil {
		return "", fmt.Errorf("encode state: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// DecodeState はEncodeStateの逆変換を行い、payloadをoutにデコードする。
// 形式が不正な場合はfalseを返す。
func DecodeState(state string, out any) bool {
	b, err := base64.RawURLEncoding.DecodeString(state)
	if err != nil {
		return false
	}
	var arr []json.RawMessage
	if err := json.Unmarshal(b, &arr); err != nil || len(arr) != stateRandomWords+1 {
		return false
	}
	for _, w := range arr[1:] {
		var n uint32
		if err := json.Unmarshal(w, &n); err != nil {
			return false
		}
	}
	return json.Unmarshal(arr[0], out) == nil
}

// NewNonce はIDトークンのリプレイ防止に使うnonceを生成する。
func NewNonce() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
