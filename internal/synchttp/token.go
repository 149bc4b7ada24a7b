package synchttp

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"
)

// TokenWindow is the credential's time bucket size. A token is valid for its
// own bucket and the immediately preceding one, tolerating clock skew
// between the requesting and serving sides.
const TokenWindow = 5 * time.Minute

// Token derives the short-lived credential for a device from the shared
// secret and the quantized time bucket containing t.
func Token(secret, deviceID string, t time.Time) string {
	return tokenForBucket(secret, deviceID, t.Unix()/int64(TokenWindow.Seconds()))
}

// VerifyToken checks a presented token against the current bucket and the
// immediately preceding one.
func VerifyToken(secret, deviceID, token string, now time.Time) bool {
	bucket := now.Unix() / int64(TokenWindow.Seconds())
	for _, b := range []int64{bucket, bucket - 1} {
		if hmac.Equal([]byte(token), []byte(tokenForBucket(secret, deviceID, b))) {
			return true
		}
	}
	return false
}

func tokenForBucket(secret, deviceID string, bucket int64) string {
	mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, "%s|%d", deviceID, bucket)
	return hex.EncodeToString(mac.Sum(nil))
}
