package webhooks

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSignMatchesHMACSHA256Base64(t *testing.T) {
	body := []byte(`{"eventId":"e1"}`)
	mac := hmac.New(sha256.New, []byte("secret"))
	mac.Write(body)
	want := base64.StdEncoding.EncodeToString(mac.Sum(nil))

	assert.Equal(t, want, Sign("secret", body))
	assert.Equal(t, "sha256="+want, SignatureHeader("secret", body))
}

func TestVerifyRoundTrip(t *testing.T) {
	body := []byte(`{"eventId":"e1","amountTotal":"10.00"}`)
	sig := Sign("k1", body)

	assert.True(t, Verify("k1", body, sig))
	assert.True(t, Verify("k1", body, SignatureHeader("k1", body)))

	tampered := append([]byte(nil), body...)
	tampered[len(tampered)-2] = '1'
	assert.False(t, Verify("k1", tampered, sig))
	assert.False(t, Verify("k2", body, sig))
	assert.False(t, Verify("k1", body, "not base64!"))
	assert.False(t, Verify("k1", body, strings.ToUpper(sig)))
}
