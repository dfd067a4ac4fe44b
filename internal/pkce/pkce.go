// Package pkce generates RFC 7636 proof-key pairs and CSRF state tokens
// for the authorization code flow.
package pkce

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
)

const (
	// alphabet is the unreserved character set verifiers are drawn from.
	alphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"

	// verifierLength is the length of generated code verifiers. RFC 7636
	// allows 43-128; 64 gives ~380 bits of input entropy.
	verifierLength = 64

	// stateLength is the length of generated CSRF state tokens.
	stateLength = 32
)

// Pair is a code verifier together with its derived S256 challenge.
// The two are generated together and never mutated.
type Pair struct {
	CodeVerifier  string
	CodeChallenge string
}

// RandomString returns n cryptographically random characters from the
// verifier alphabet. Each random byte is reduced modulo the alphabet
// size. A failing CSPRNG is a fatal environment precondition, not a
// recoverable error, so this panics rather than returning one.
func RandomString(n int) string {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		panic("crypto/rand failed: " + err.Error())
	}

	out := make([]byte, n)
	for i, c := range b {
		out[i] = alphabet[int(c)%len(alphabet)]
	}

	return string(out)
}

// CodeChallenge computes the S256 challenge for a verifier:
// base64url(SHA-256(verifier)) without padding (RFC 7636 §4.2).
func CodeChallenge(verifier string) string {
	h := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(h[:])
}

// NewPair generates a fresh verifier and its challenge.
func NewPair() Pair {
	verifier := RandomString(verifierLength)

	return Pair{
		CodeVerifier:  verifier,
		CodeChallenge: CodeChallenge(verifier),
	}
}

// NewState generates a random anti-CSRF state token.
func NewState() string {
	return RandomString(stateLength)
}
