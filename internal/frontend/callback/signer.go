// Package callback delivers signed result and progress notifications back
// to the control plane that enqueued a job.
package callback

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"time"

	"golang.org/x/crypto/pbkdf2"
)

// Key-stretching parameters. The callback token that arrives on the job
// envelope is opaque control-plane material, not a uniform key, so the
// signing key is derived rather than used raw.
const (
	keyIterations = 10000
	keyLength     = 32
	keySalt       = "linkflow-callback-v1"
)

// Signer produces and verifies HMAC-SHA256 signatures over callback bodies.
// The signed string is "<timestamp>.<body>" so a captured body cannot be
// replayed under a different timestamp.
type Signer struct {
	key []byte
}

func NewSigner(token string) *Signer {
	return &Signer{
		key: pbkdf2.Key([]byte(token), []byte(keySalt), keyIterations, keyLength, sha256.New),
	}
}

// Sign returns the hex signature for a body sent at the given timestamp.
func (s *Signer) Sign(timestamp time.Time, body []byte) string {
	mac := hmac.New(sha256.New, s.key)
	mac.Write([]byte(timestamp.UTC().Format(time.RFC3339)))
	mac.Write([]byte("."))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify checks a received signature in constant time.
func (s *Signer) Verify(timestamp time.Time, body []byte, signature string) bool {
	want := s.Sign(timestamp, body)
	return hmac.Equal([]byte(want), []byte(signature))
}
