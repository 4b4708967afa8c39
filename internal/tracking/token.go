// Package tracking serves the open-tracking pixel and the click redirect of
// sent mails and signs the instance ids embedded in their URLs.
package tracking

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/url"
	"strings"
)

const tokenPrefix = "stepflow-track:"

// Signer computes and checks the tokens carried by tracking URLs.
type Signer struct {
	secret []byte
}

// NewSigner returns a Signer using secret as HMAC key.
func NewSigner(secret []byte) *Signer {
	key := make([]byte, len(secret))
	copy(key, secret)
	return &Signer{secret: key}
}

// Token returns the hex HMAC-SHA256 of the instance id.
func (s *Signer) Token(instanceID string) string {
	mac := hmac.New(sha256.New, s.secret)
	mac.Write([]byte(tokenPrefix + instanceID))
	return hex.EncodeToString(mac.Sum(nil))
}

// Valid reports whether token was issued for instanceID. The comparison is
// constant time.
func (s *Signer) Valid(instanceID, token string) bool {
	if instanceID == "" || token == "" {
		return false
	}
	return hmac.Equal([]byte(s.Token(instanceID)), []byte(strings.ToLower(token)))
}

// PixelURL is the open-tracking image URL of an instance.
func (s *Signer) PixelURL(baseURL, instanceID string) string {
	return strings.TrimRight(baseURL, "/") + "/track/" + url.PathEscape(instanceID) + "/" + s.Token(instanceID) + "/blank.gif"
}

// ClickURL is the tracked redirect URL of a link code for an instance.
func (s *Signer) ClickURL(baseURL, code, instanceID string) string {
	return strings.TrimRight(baseURL, "/") + "/r/" + url.PathEscape(code) + "/au/" + url.PathEscape(instanceID) + "/" + s.Token(instanceID)
}
