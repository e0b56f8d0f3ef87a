// Package signature authenticates signed content URLs.
//
// A URL carries two query parameters: s, the signature, and e, the expiry as
// a base-36 millisecond epoch timestamp. The signature is the unpadded
// base64url encoding of SHA1(secret + identity + e).
package signature

import (
	"crypto/sha1"
	"crypto/subtle"
	"encoding/base64"
	"net/url"
	"strconv"
	"time"
)

// Query parameter names
const (
	ParamSignature = "s"
	ParamExpiry    = "e"
)

// Compute returns the signature for identity and an encoded expiry
func Compute(identity, secret, expiry string) string {
	h := sha1.New()
	h.Write([]byte(secret))
	h.Write([]byte(identity))
	h.Write([]byte(expiry))
	return base64.RawURLEncoding.EncodeToString(h.Sum(nil))
}

// Check reports whether sig is valid for identity and has not expired at now.
// A missing signature or expiry is invalid.
func Check(identity, secret, sig, expiry string, now time.Time) bool {
	if sig == "" || expiry == "" {
		return false
	}

	expected := Compute(identity, secret, expiry)
	if subtle.ConstantTimeCompare([]byte(expected), []byte(sig)) != 1 {
		return false
	}

	expiresAt, err := strconv.ParseInt(expiry, 36, 64)
	if err != nil {
		return false
	}

	return now.UnixMilli() < expiresAt
}

// Sign produces the query parameters for identity valid until expiresAt
func Sign(identity, secret string, expiresAt time.Time) url.Values {
	e := strconv.FormatInt(expiresAt.UnixMilli(), 36)
	return url.Values{
		ParamSignature: []string{Compute(identity, secret, e)},
		ParamExpiry:    []string{e},
	}
}

// Verifier checks signed requests against the cluster secret
type Verifier struct {
	secret string
	now    func() time.Time
}

// NewVerifier creates a Verifier using the wall clock
func NewVerifier(secret string) *Verifier {
	return &Verifier{secret: secret, now: time.Now}
}

// Verify checks a signature and expiry for identity
func (v *Verifier) Verify(identity, sig, expiry string) bool {
	return Check(identity, v.secret, sig, expiry, v.now())
}

// VerifyQuery checks the s and e parameters of a query string
func (v *Verifier) VerifyQuery(identity string, query url.Values) bool {
	return v.Verify(identity, query.Get(ParamSignature), query.Get(ParamExpiry))
}
