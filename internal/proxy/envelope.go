package proxy

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// EnvelopeTTL bounds the replay window of a signed request.
const EnvelopeTTL = 300 * time.Second

type EnvelopeClaims struct {
	UserID string `json:"user_id"`
	Nonce  string `json:"nonce"`
	Path   string `json:"path"`
	Method string `json:"method"`
	jwt.RegisteredClaims
}

type Envelope struct {
	Signature string
	Claims    EnvelopeClaims
}

// Sign builds the HS256 envelope binding the caller to one method and path.
// Expiry is always issued-at plus EnvelopeTTL.
func Sign(key []byte, userID, method, path, nonce string, now time.Time) (Envelope, error) {
	if len(key) == 0 {
		return Envelope{}, fmt.Errorf("empty signing key")
	}
	issued := now.Truncate(time.Second)
	claims := EnvelopeClaims{
		UserID: userID,
		Nonce:  nonce,
		Path:   path,
		Method: method,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(issued),
			ExpiresAt: jwt.NewNumericDate(issued.Add(EnvelopeTTL)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(key)
	if err != nil {
		return Envelope{}, fmt.Errorf("sign envelope: %w", err)
	}
	return Envelope{Signature: signed, Claims: claims}, nil
}

// VerifyEnvelope is what the backend runs on X-User-Signature.
func VerifyEnvelope(key []byte, signature string) (EnvelopeClaims, error) {
	var claims EnvelopeClaims
	parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired())
	if _, err := parser.ParseWithClaims(signature, &claims, func(*jwt.Token) (any, error) { return key, nil }); err != nil {
		return EnvelopeClaims{}, err
	}
	return claims, nil
}
