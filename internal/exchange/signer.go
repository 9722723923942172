package exchange

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/url"
)

// Signer signs API-key requests: HMAC-SHA256 over the exact query string sent, hex encoded.
type Signer struct {
	secret []byte
}

func NewSigner(secret string) *Signer {
	return &Signer{secret: []byte(secret)}
}

// Sign returns the hex HMAC of payload.
func (s *Signer) Sign(payload string) string {
	mac := hmac.New(sha256.New, s.secret)
	mac.Write([]byte(payload))
	return hex.EncodeToString(mac.Sum(nil))
}

// SignedQuery encodes params canonically (sorted keys) and appends the signature.
func (s *Signer) SignedQuery(params url.Values) string {
	q := params.Encode()
	sig := s.Sign(q)
	if q == "" {
		return "signature=" + sig
	}
	return q + "&signature=" + sig
}
