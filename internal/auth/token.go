package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// GrantClaims describe a room session grant handed to realtime clients.
type GrantClaims struct {
	Sub   string   `json:"sub"`
	Name  string   `json:"name"`
	Room  string   `json:"room"`
	Perms []string `json:"perms"`
	JTI   string   `json:"jti"`
	Exp   int64    `json:"exp"`
}

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("expired token")
)

func IssueGrant(secret []byte, claims GrantClaims) (string, error) {
	payloadBytes, err := json.Marshal(claims)
	if err != nil {
		return "", fmt.Errorf("marshal claims: %w", err)
	}
	payload := base64.RawURLEncoding.EncodeToString(payloadBytes)
	return payload + "." + sign(secret, payload), nil
}

func ParseGrant(secret []byte, token string) (GrantClaims, error) {
	payload, signature, ok := strings.Cut(token, ".")
	if !ok || strings.Contains(signature, ".") {
		return GrantClaims{}, ErrInvalidToken
	}
	if !hmac.Equal([]byte(signature), []byte(sign(secret, payload))) {
		return GrantClaims{}, ErrInvalidToken
	}

	decoded, err := base64.RawURLEncoding.DecodeString(payload)
	if err != nil {
		return GrantClaims{}, ErrInvalidToken
	}
	var claims GrantClaims
	if err := json.Unmarshal(decoded, &claims); err != nil {
		return GrantClaims{}, ErrInvalidToken
	}
	if claims.Sub == "" || claims.Room == "" || claims.JTI == "" || claims.Exp == 0 {
		return GrantClaims{}, ErrInvalidToken
	}
	if time.Now().Unix() >= claims.Exp {
		return GrantClaims{}, ErrExpiredToken
	}
	return claims, nil
}

// Allows reports whether the grant carries perm.
func (c GrantClaims) Allows(perm string) bool {
	for _, p := range c.Perms {
		if p == perm {
			return true
		}
	}
	return false
}

func sign(secret []byte, payload string) string {
	sum := hmac.New(sha256.New, secret)
	_, _ = sum.Write([]byte(payload))
	return base64.RawURLEncoding.EncodeToString(sum.Sum(nil))
}
