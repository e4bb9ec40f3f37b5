package token

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
)

const (
	// MinBytes is the smallest accepted token size (128 bits).
	MinBytes = 16
	// DefaultBytes is the token size used by Generate (256 bits).
	DefaultBytes = 32

	// rotateAttempts bounds GenerateDistinct; a collision with 256-bit tokens
	// means the random source is broken.
	rotateAttempts = 4
)

// Generator produces check-in tokens of a fixed size.
type Generator struct {
	nBytes int
}

// NewGenerator returns a Generator emitting nBytes of entropy per token.
// nBytes <= 0 selects DefaultBytes.
func NewGenerator(nBytes int) (*Generator, error) {
	if nBytes <= 0 {
		nBytes = DefaultBytes
	}
	if nBytes < MinBytes {
		return nil, fmt.Errorf("%w: got=%d min=%d", ErrTooShort, nBytes, MinBytes)
	}
	return &Generator{nBytes: nBytes}, nil
}

// Generate returns a fresh base64url (unpadded) token.
func (g *Generator) Generate() (string, error) {
	n := DefaultBytes
	if g != nil && g.nBytes > 0 {
		n = g.nBytes
	}
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// GenerateDistinct returns a token that differs from prev.
// Rotation relies on this: a rotation must never hand back the token it replaces.
func (g *Generator) GenerateDistinct(prev string) (string, error) {
	for i := 0; i < rotateAttempts; i++ {
		t, err := g.Generate()
		if err != nil {
			return "", err
		}
		if !Equal(t, prev) {
			return t, nil
		}
	}
	return "", ErrNoFreshToken
}

// Equal compares two tokens in constant time.
// Empty tokens never match, so an unset token cannot be "guessed" by sending nothing.
func Equal(a, b string) bool {
	if a == "" || b == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
