// Package signature authenticates inbound callback requests. Each request
// carries a unix timestamp and an HMAC-SHA256 signature computed over
// timestamp || body with a shared secret; requests outside the tolerance
// window are rejected to resist replay.
package signature

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strconv"
	"time"
)

// DefaultTolerance is the maximum accepted age of a callback timestamp.
const DefaultTolerance = 5 * time.Minute

var (
	// ErrInvalidSignature is returned when the signature does not match.
	ErrInvalidSignature = errors.New("invalid signature")
	// ErrStaleTimestamp is returned when the timestamp is outside the
	// tolerance window.
	ErrStaleTimestamp = errors.New("stale timestamp")
)

// Verifier checks callback signatures against a shared secret.
type Verifier struct {
	secret    []byte
	tolerance time.Duration

	// now is swappable for tests
	now func() time.Time
}

// NewVerifier creates a verifier with the given shared secret. A zero
// tolerance falls back to DefaultTolerance.
func NewVerifier(secret string, tolerance time.Duration) *Verifier {
	if tolerance <= 0 {
		tolerance = DefaultTolerance
	}
	return &Verifier{
		secret:    []byte(secret),
		tolerance: tolerance,
		now:       time.Now,
	}
}

// Sign computes the hex signature for a timestamp and raw body. Exposed so
// callers (and tests) can produce valid requests.
func (v *Verifier) Sign(timestamp string, body []byte) string {
	mac := hmac.New(sha256.New, v.secret)
	mac.Write([]byte(timestamp))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify validates the timestamp freshness and the signature over
// timestamp || body. The timestamp is unix seconds in decimal.
func (v *Verifier) Verify(timestamp, sig string, body []byte) error {
	ts, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return ErrStaleTimestamp
	}

	age := v.now().Sub(time.Unix(ts, 0))
	if age > v.tolerance || age < -v.tolerance {
		return ErrStaleTimestamp
	}

	expected := v.Sign(timestamp, body)
	if !hmac.Equal([]byte(expected), []byte(sig)) {
		return ErrInvalidSignature
	}
	return nil
}
