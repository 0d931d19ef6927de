package exchange

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/url"
	"sort"
	"strings"
)

// Signer вычисляет подпись запросов по схеме Pionex:
// METHOD + PATH + "?" + отсортированные key=value через "&" (включая timestamp),
// затем HMAC-SHA256 секретом в hex-кодировке.
type Signer struct {
	secret []byte
}

// NewSigner создает подписыватель запросов
func NewSigner(apiSecret string) *Signer {
	return &Signer{secret: []byte(apiSecret)}
}

// CanonicalString строит каноническую строку подписи.
// Параметры сортируются по ключу, timestamp обязан уже присутствовать в params.
func CanonicalString(method, path string, params url.Values) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	pairs := make([]string, 0, len(keys))
	for _, k := range keys {
		pairs = append(pairs, k+"="+params.Get(k))
	}

	var b strings.Builder
	b.WriteString(strings.ToUpper(method))
	b.WriteString(path)
	if len(pairs) > 0 {
		b.WriteString("?")
		b.WriteString(strings.Join(pairs, "&"))
	}
	return b.String()
}

// Sign возвращает hex-подпись канонической строки запроса
func (s *Signer) Sign(method, path string, params url.Values) string {
	mac := hmac.New(sha256.New, s.secret)
	mac.Write([]byte(CanonicalString(method, path, params)))
	return hex.EncodeToString(mac.Sum(nil))
}
