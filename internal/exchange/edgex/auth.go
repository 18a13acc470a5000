package edgex

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"
)

// Auth carries the venue's long-lived API credentials. The private
// subscribe frame's auth field is "<key>:<expiry-millis>:<sig>" where
// sig is an HMAC-SHA256 of key and expiry under the API secret. The key
// itself never expires; the expiry only bounds replay of a captured
// frame.
type Auth struct {
	apiKey    string
	apiSecret string
}

// NewAuth validates the credential pair.
func NewAuth(apiKey, apiSecret string) (*Auth, error) {
	if apiKey == "" || apiSecret == "" {
		return nil, fmt.Errorf("api key and secret are both required")
	}
	return &Auth{apiKey: apiKey, apiSecret: apiSecret}, nil
}

// Token signs an auth token valid until deadline.
func (a *Auth) Token(deadline time.Time) (string, error) {
	if deadline.Before(time.Now()) {
		return "", fmt.Errorf("token deadline %s already passed", deadline)
	}

	expiry := deadline.UnixMilli()
	mac := hmac.New(sha256.New, []byte(a.apiSecret))
	fmt.Fprintf(mac, "%s:%d", a.apiKey, expiry)
	sig := hex.EncodeToString(mac.Sum(nil))

	return fmt.Sprintf("%s:%d:%s", a.apiKey, expiry, sig), nil
}
