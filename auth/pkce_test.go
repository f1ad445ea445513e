package auth

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeriveCodeChallenge_RFC7636Vector(t *testing.T) {
	// RFC 7636 appendix B.
	got := DeriveCodeChallenge("dBjftJeZ4CVP-mB92K27uhbUJU1p1r_wW1gFWFOEjXk")
	assert.Equal(t, "E9Melhoa2OwvFrEMTJguCHaoeK1t8URWbuGJSstw-cM", got)
}

func TestGenerateRandomString_Charset(t *testing.T) {
	for _, n := range []int{1, 43, 64, 128, 1024} {
		s, err := GenerateRandomString(n)
		require.NoError(t, err)
		require.Len(t, s, n)
		for _, c := range s {
			require.True(t, strings.ContainsRune(unreservedAlphabet, c), "unexpected %q in %q", c, s)
		}
	}
}

func TestGenerateRandomString_Range(t *testing.T) {
	for _, n := range []int{0, -1, maxRandomStringLength + 1} {
		_, err := GenerateRandomString(n)
		assert.Error(t, err, "n=%d", n)
	}
}

func TestGeneratePKCE(t *testing.T) {
	seen := make(map[string]struct{}, 10000)
	for i := 0; i < 10000; i++ {
		p, err := GeneratePKCE()
		require.NoError(t, err)
		require.Len(t, p.CodeVerifier, VerifierLength)
		require.Equal(t, DeriveCodeChallenge(p.CodeVerifier), p.CodeChallenge)
		require.NotContains(t, p.CodeChallenge, "=")
		_, dup := seen[p.CodeVerifier]
		require.False(t, dup, "duplicate verifier after %d draws", i)
		seen[p.CodeVerifier] = struct{}{}
	}
}

func TestGenerateState(t *testing.T) {
	a, err := GenerateState()
	require.NoError(t, err)
	b, err := GenerateState()
	require.NoError(t, err)
	assert.Len(t, a, StateLength)
	assert.NotEqual(t, a, b)
}

func TestValidateState(t *testing.T) {
	tests := []struct {
		name     string
		received string
		expected string
		want     bool
	}{
		{"equal", "abcDEF123", "abcDEF123", true},
		{"differs first", "xbcDEF123", "abcDEF123", false},
		{"differs last", "abcDEF124", "abcDEF123", false},
		{"length", "abcDEF12", "abcDEF123", false},
		{"empty received", "", "abc", false},
		{"empty expected", "abc", "", false},
		{"both empty", "", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ValidateState(tt.received, tt.expected))
		})
	}
}

func TestValidateState_SingleByteDifference(t *testing.T) {
	state, err := GenerateState()
	require.NoError(t, err)
	require.Len(t, state, StateLength)
	assert.True(t, ValidateState(state, state))

	for i := range len(state) {
		b := []byte(state)
		if b[i] == 'a' {
			b[i] = 'b'
		} else {
			b[i] = 'a'
		}
		assert.False(t, ValidateState(string(b), state), "differs at index %d", i)
	}
}
