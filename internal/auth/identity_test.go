package auth

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestKey(t *testing.T) (*rsa.PrivateKey, string) {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	der, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	require.NoError(t, err)
	return key, string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}))
}

func signIdentity(t *testing.T, key *rsa.PrivateKey, claims jwt.MapClaims) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(key)
	require.NoError(t, err)
	return token
}

func TestVerifierReadsOnboardingClaim(t *testing.T) {
	key, pub := newTestKey(t)
	verifier, err := NewVerifier(pub, "https://id.example")
	require.NoError(t, err)

	token := signIdentity(t, key, jwt.MapClaims{
		"sub":      "user_1",
		"iss":      "https://id.example",
		"email":    "avery@example.com",
		"name":     "Avery",
		"exp":      time.Now().Add(time.Hour).Unix(),
		"metadata": map[string]any{"onboardingComplete": true},
	})

	id, err := verifier.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, "user_1", id.UserID)
	assert.Equal(t, "avery@example.com", id.Email)
	assert.True(t, id.OnboardingComplete)
	assert.Equal(t, token, id.Token)
}

func TestVerifierRejectsExpiredAndForeignIssuer(t *testing.T) {
	key, pub := newTestKey(t)
	verifier, err := NewVerifier(pub, "https://id.example")
	require.NoError(t, err)

	expired := signIdentity(t, key, jwt.MapClaims{
		"sub": "user_1",
		"iss": "https://id.example",
		"exp": time.Now().Add(-time.Minute).Unix(),
	})
	_, err = verifier.Verify(expired)
	assert.ErrorIs(t, err, ErrExpiredToken)

	foreign := signIdentity(t, key, jwt.MapClaims{
		"sub": "user_1",
		"iss": "https://evil.example",
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	_, err = verifier.Verify(foreign)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestFromRequestFallsBackToCookie(t *testing.T) {
	key, pub := newTestKey(t)
	verifier, err := NewVerifier(pub, "")
	require.NoError(t, err)
	token := signIdentity(t, key, jwt.MapClaims{"sub": "user_2", "exp": time.Now().Add(time.Hour).Unix()})

	req := httptest.NewRequest(http.MethodGet, "/documents", nil)
	req.AddCookie(&http.Cookie{Name: SessionCookie, Value: token})
	id, err := verifier.FromRequest(req)
	require.NoError(t, err)
	assert.Equal(t, "user_2", id.UserID)

	_, err = verifier.FromRequest(httptest.NewRequest(http.MethodGet, "/documents", nil))
	assert.ErrorIs(t, err, ErrInvalidToken)
}
