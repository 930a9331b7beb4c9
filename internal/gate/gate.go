// Package gate decides, per request, whether a page route is served or the
// caller is redirected to sign-in, onboarding, or home.
package gate

import (
	"net/http"
	"net/url"
	"strings"

	"github.com/rs/zerolog"

	"lessonplan/api/internal/auth"
)

type Action string

const (
	Allow              Action = "allow"
	RedirectSignIn     Action = "redirect_sign_in"
	RedirectOnboarding Action = "redirect_onboarding"
	RedirectHome       Action = "redirect_home"
)

type Decision struct {
	Action   Action `json:"action"`
	Location string `json:"location,omitempty"`
}

// Policy describes the route layout. Public entries ending in "*" match by
// prefix; all others must match exactly.
type Policy struct {
	Public         []string
	SignInURL      string
	OnboardingPath string
	HomePath       string
}

func DefaultPolicy() Policy {
	return Policy{
		Public:         []string{"/", "/sign-in*", "/sign-up*", "/api/liveblocks/auth", "/api/health", "/api/ready"},
		SignInURL:      "/sign-in",
		OnboardingPath: "/onboarding",
		HomePath:       "/",
	}
}

func (p Policy) IsPublic(route string) bool {
	path := routePath(route)
	for _, pattern := range p.Public {
		if prefix, ok := strings.CutSuffix(pattern, "*"); ok {
			if strings.HasPrefix(path, prefix) {
				return true
			}
			continue
		}
		if path == pattern {
			return true
		}
	}
	return false
}

func (p Policy) isOnboarding(route string) bool {
	path := routePath(route)
	return path == p.OnboardingPath || strings.HasPrefix(path, strings.TrimRight(p.OnboardingPath, "/")+"/")
}

// Decide is a pure function of the route, the verified identity (nil when the
// caller is signed out), and the policy.
func Decide(route string, id *auth.Identity, p Policy) Decision {
	if p.IsPublic(route) {
		return Decision{Action: Allow}
	}
	if id == nil {
		return Decision{Action: RedirectSignIn, Location: signInLocation(p.SignInURL, route)}
	}

	onboarding := p.isOnboarding(route)
	switch {
	case !id.OnboardingComplete && !onboarding:
		return Decision{Action: RedirectOnboarding, Location: p.OnboardingPath}
	case id.OnboardingComplete && onboarding:
		return Decision{Action: RedirectHome, Location: p.HomePath}
	default:
		return Decision{Action: Allow}
	}
}

// Middleware applies Decide to page requests and answers redirects with 302.
func Middleware(verifier *auth.Verifier, p Policy, log zerolog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		decision := Decide(r.URL.RequestURI(), Resolve(verifier, r), p)
		if decision.Action == Allow {
			next.ServeHTTP(w, r)
			return
		}
		log.Debug().
			Str("path", r.URL.Path).
			Str("action", string(decision.Action)).
			Msg("gate redirect")
		http.Redirect(w, r, decision.Location, http.StatusFound)
	})
}

// Resolve returns the caller's identity or nil when the request carries no
// valid token.
func Resolve(verifier *auth.Verifier, r *http.Request) *auth.Identity {
	if verifier == nil {
		return nil
	}
	id, err := verifier.FromRequest(r)
	if err != nil {
		return nil
	}
	return &id
}

func signInLocation(signInURL, returnTo string) string {
	u, err := url.Parse(signInURL)
	if err != nil {
		return signInURL
	}
	q := u.Query()
	q.Set("redirect_url", returnTo)
	u.RawQuery = q.Encode()
	return u.String()
}

func routePath(route string) string {
	if i := strings.IndexAny(route, "?#"); i >= 0 {
		route = route[:i]
	}
	if route == "" {
		return "/"
	}
	return route
}
