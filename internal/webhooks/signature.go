package webhooks

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"strings"
)

// SignaturePrefix precedes the base64 MAC in the X-Signature header.
const SignaturePrefix = "sha256="

// Sign returns the standard base64 encoding of HMAC-SHA256(secret, body).
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// SignatureHeader is the X-Signature value for body.
func SignatureHeader(secret string, body []byte) string {
	return SignaturePrefix + Sign(secret, body)
}

// Verify checks a signature over the raw body in constant time. It accepts
// the bare base64 MAC or the full "sha256=" header value.
func Verify(secret string, body []byte, provided string) bool {
	provided = strings.TrimPrefix(strings.TrimSpace(provided), SignaturePrefix)
	got, err := base64.StdEncoding.DecodeString(provided)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hmac.Equal(mac.Sum(nil), got)
}
