package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// SessionCookie is where the hosted identity provider keeps the session token for
// browser requests.
const SessionCookie = "__session"

// Identity is the verified caller behind an identity-provider token.
type Identity struct {
	UserID             string
	Email              string
	Name               string
	AvatarURL          string
	OnboardingComplete bool
	Token              string
}

type identityClaims struct {
	Email    string `json:"email"`
	Name     string `json:"name"`
	Picture  string `json:"picture"`
	Metadata struct {
		OnboardingComplete bool `json:"onboardingComplete"`
	} `json:"metadata"`
	jwt.RegisteredClaims
}

// Verifier checks RS256 session tokens issued by the identity provider.
type Verifier struct {
	parser *jwt.Parser
	key    any
}

func NewVerifier(publicKeyPEM, issuer string) (*Verifier, error) {
	key, err := jwt.ParseRSAPublicKeyFromPEM([]byte(publicKeyPEM))
	if err != nil {
		return nil, fmt.Errorf("parse identity public key: %w", err)
	}
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}),
		jwt.WithExpirationRequired(),
	}
	if strings.TrimSpace(issuer) != "" {
		opts = append(opts, jwt.WithIssuer(issuer))
	}
	return &Verifier{parser: jwt.NewParser(opts...), key: key}, nil
}

func (v *Verifier) Verify(token string) (Identity, error) {
	var claims identityClaims
	_, err := v.parser.ParseWithClaims(token, &claims, func(*jwt.Token) (any, error) {
		return v.key, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return Identity{}, ErrExpiredToken
		}
		return Identity{}, ErrInvalidToken
	}
	if claims.Subject == "" {
		return Identity{}, ErrInvalidToken
	}
	return Identity{
		UserID:             claims.Subject,
		Email:              claims.Email,
		Name:               claims.Name,
		AvatarURL:          claims.Picture,
		OnboardingComplete: claims.Metadata.OnboardingComplete,
		Token:              token,
	}, nil
}

// FromRequest verifies the bearer token or, failing that, the session cookie.
// It returns ErrInvalidToken when the request carries neither.
func (v *Verifier) FromRequest(r *http.Request) (Identity, error) {
	token := BearerToken(r)
	if token == "" {
		if cookie, err := r.Cookie(SessionCookie); err == nil {
			token = strings.TrimSpace(cookie.Value)
		}
	}
	if token == "" {
		return Identity{}, ErrInvalidToken
	}
	return v.Verify(token)
}

func BearerToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if !strings.HasPrefix(header, "Bearer ") {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
}
