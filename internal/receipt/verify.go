package receipt

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"sort"
)

// SignatureVerifier authenticates an incoming delivery receipt. Verify
// receives the full request URL, the decoded form parameters and the
// carrier-provided signature header.
type SignatureVerifier interface {
	Verify(url string, params map[string]string, signature string) bool
}

// HMACVerifier implements the reference carrier's scheme: the callback URL
// concatenated with every form key and value in key order, signed with
// HMAC-SHA1 and base64 encoded.
type HMACVerifier struct {
	secret []byte
}

func NewHMACVerifier(secret string) *HMACVerifier {
	return &HMACVerifier{secret: []byte(secret)}
}

func (v *HMACVerifier) Verify(url string, params map[string]string, signature string) bool {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	mac := hmac.New(sha1.New, v.secret)
	mac.Write([]byte(url))
	for _, k := range keys {
		mac.Write([]byte(k))
		mac.Write([]byte(params[k]))
	}
	expected := base64.StdEncoding.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(signature))
}

// NoopVerifier accepts every request. Used when no signing secret is
// configured (local development).
type NoopVerifier struct{}

func (NoopVerifier) Verify(string, map[string]string, string) bool { return true }
