package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
)

// unreservedAlphabet is the character set used for verifiers and state values.
// It is a subset of the RFC 7636 unreserved set, so values never need escaping.
const unreservedAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"

// VerifierLength is the length of generated PKCE code verifiers.
// RFC 7636 requires 43 to 128 characters.
const VerifierLength = 64

// StateLength is the length of generated CSRF state values.
const StateLength = 32

// maxRandomStringLength bounds GenerateRandomString requests.
const maxRandomStringLength = 1024

// CodeChallengeMethod is the only challenge method this package issues.
const CodeChallengeMethod = "S256"

// PKCEParams holds the verifier/challenge pair for one authorization attempt.
type PKCEParams struct {
	CodeVerifier  string
	CodeChallenge string
}

// GenerateRandomString returns a string of n characters drawn uniformly from
// A-Z, a-z and 0-9 using crypto/rand.
//
// Bytes that would bias the distribution are rejected and redrawn. An error
// means the system random source is unusable.
func GenerateRandomString(n int) (string, error) {
	if n <= 0 || n > maxRandomStringLength {
		return "", fmt.Errorf("auth: random string length %d out of range", n)
	}
	const alphabetLen = len(unreservedAlphabet)
	// Largest multiple of alphabetLen that fits in a byte.
	const limit = 256 - (256 % alphabetLen)

	out := make([]byte, 0, n)
	buf := make([]byte, n+n/4)
	for len(out) < n {
		if _, err := rand.Read(buf); err != nil {
			return "", fmt.Errorf("auth: secure random source unavailable: %w", err)
		}
		for _, b := range buf {
			if int(b) >= limit {
				continue
			}
			out = append(out, unreservedAlphabet[int(b)%alphabetLen])
			if len(out) == n {
				break
			}
		}
	}
	return string(out), nil
}

// DeriveCodeChallenge computes the S256 code challenge for verifier:
// base64url(SHA-256(verifier)) without padding.
func DeriveCodeChallenge(verifier string) string {
	sum := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

// GeneratePKCE creates a fresh verifier and its S256 challenge.
func GeneratePKCE() (PKCEParams, error) {
	verifier, err := GenerateRandomString(VerifierLength)
	if err != nil {
		return PKCEParams{}, err
	}
	return PKCEParams{
		CodeVerifier:  verifier,
		CodeChallenge: DeriveCodeChallenge(verifier),
	}, nil
}

// GenerateState creates a random CSRF state value. It is used only to bind the
// callback to this client, never as PKCE material.
func GenerateState() (string, error) {
	return GenerateRandomString(StateLength)
}

// ValidateState reports whether received equals expected.
//
// Empty values never validate. After the length check every byte is compared,
// so the running time does not depend on where the first difference is.
func ValidateState(received, expected string) bool {
	if received == "" || expected == "" {
		return false
	}
	if len(received) != len(expected) {
		return false
	}
	var diff byte
	for i := 0; i < len(received); i++ {
		diff |= received[i] ^ expected[i]
	}
	return diff == 0
}
