// Package onetime produces single purpose random tokens and the digests that
// are stored in their place.
package onetime

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"time"
)

// ByteLength is the entropy of a raw token in bytes (256 bits).
const ByteLength = 32

// Generate returns a hex encoded random token.
func Generate() (string, error) {
	return generate(rand.Reader)
}

func generate(r io.Reader) (string, error) {
	buf := make([]byte, ByteLength)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", fmt.Errorf("onetime: read random: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// Digest returns the hex SHA-256 of raw. Only digests are ever persisted.
func Digest(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// Token is a freshly issued one-time token. Raw leaves the process exactly
// once, inside the notification that delivers it.
type Token struct {
	Raw       string
	Digest    string
	ExpiresAt time.Time
}

// Generator issues tokens with an expiry relative to its clock.
type Generator struct {
	random io.Reader
	now    func() time.Time
}

// NewGenerator constructs a Generator backed by crypto/rand. A nil clock
// defaults to time.Now.
func NewGenerator(now func() time.Time) *Generator {
	if now == nil {
		now = time.Now
	}
	return &Generator{random: rand.Reader, now: now}
}

// Issue generates a token valid for ttl.
func (g *Generator) Issue(ttl time.Duration) (Token, error) {
	raw, err := generate(g.random)
	if err != nil {
		return Token{}, err
	}
	return Token{
		Raw:       raw,
		Digest:    Digest(raw),
		ExpiresAt: g.now().Add(ttl).UTC(),
	}, nil
}
