// Package proxy forwards browser calls to the backend API, attaching a
// service credential, the caller's identity token, and a signed envelope.
package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"lessonplan/api/internal/auth"
	"lessonplan/api/internal/util"
)

const (
	HeaderUserToken = "X-User-Token"
	HeaderTimestamp = "X-Request-Timestamp"
	HeaderNonce     = "X-Request-Nonce"
	HeaderSignature = "X-User-Signature"

	allowMethods = "GET, POST, PUT, PATCH, DELETE, OPTIONS"
	allowHeaders = "Authorization, Content-Type, Accept"
)

type Settings struct {
	BackendURL   string
	SigningKey   string
	MountPath    string
	MissingKeys  []string
	RequestLimit time.Duration
}

// IdentityVerifier resolves the caller from the inbound request.
type IdentityVerifier interface {
	FromRequest(r *http.Request) (auth.Identity, error)
}

type Forwarder struct {
	settings   Settings
	verifier   IdentityVerifier
	tokens     TokenSource
	httpClient *http.Client
	now        func() time.Time
	nonce      func() string
	log        zerolog.Logger
}

func NewForwarder(settings Settings, verifier IdentityVerifier, tokens TokenSource, log zerolog.Logger) *Forwarder {
	if settings.MountPath == "" {
		settings.MountPath = "/api/proxy/"
	}
	if settings.RequestLimit <= 0 {
		settings.RequestLimit = 30 * time.Second
	}
	return &Forwarder{
		settings:   settings,
		verifier:   verifier,
		tokens:     tokens,
		httpClient: &http.Client{Timeout: settings.RequestLimit},
		now:        time.Now,
		nonce:      util.NewNonce,
		log:        log.With().Str("component", "proxy").Logger(),
	}
}

func (f *Forwarder) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	setCORS(w.Header())
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	if err := f.forward(w, r); err != nil {
		kind := KindOf(err)
		f.log.Error().
			Err(err).
			Str("code", kind.Code()).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Msg("proxy request failed")
		writeError(w, kind, err)
	}
}

func (f *Forwarder) forward(w http.ResponseWriter, r *http.Request) error {
	caller, err := f.verifier.FromRequest(r)
	if err != nil {
		return newError(KindAuthRequired, "authentication required", err)
	}
	if len(f.settings.MissingKeys) > 0 {
		return newError(KindConfig, "proxy is not configured", fmt.Errorf("missing %s", strings.Join(f.settings.MissingKeys, ", ")))
	}
	if f.tokens == nil {
		return newError(KindConfig, "proxy is not configured", errors.New("no service token source"))
	}

	serviceToken, err := f.tokens.Token(r.Context())
	if err != nil {
		return newError(KindToken, "service token unavailable", err)
	}

	path := "/" + strings.TrimPrefix(strings.TrimPrefix(r.URL.Path, f.settings.MountPath), "/")
	now := f.now()
	nonce := f.nonce()
	env, err := Sign([]byte(f.settings.SigningKey), caller.UserID, r.Method, path, nonce, now)
	if err != nil {
		return newError(KindConfig, "cannot sign request", err)
	}

	target := strings.TrimRight(f.settings.BackendURL, "/") + path
	if r.URL.RawQuery != "" {
		target += "?" + r.URL.RawQuery
	}
	out, err := http.NewRequestWithContext(r.Context(), r.Method, target, r.Body)
	if err != nil {
		return newError(KindUpstream, "build upstream request", err)
	}
	out.ContentLength = r.ContentLength
	for _, h := range []string{"Content-Type", "Accept", "Accept-Language"} {
		if v := r.Header.Get(h); v != "" {
			out.Header.Set(h, v)
		}
	}
	out.Header.Set("Authorization", "Bearer "+serviceToken)
	out.Header.Set(HeaderUserToken, caller.Token)
	out.Header.Set(HeaderTimestamp, strconv.FormatInt(env.Claims.IssuedAt.Unix(), 10))
	out.Header.Set(HeaderNonce, nonce)
	out.Header.Set(HeaderSignature, env.Signature)

	resp, err := f.httpClient.Do(out)
	if err != nil {
		return newError(KindUpstream, "upstream request failed", err)
	}
	defer resp.Body.Close()

	for key, values := range resp.Header {
		if strings.HasPrefix(key, "Access-Control-") {
			continue
		}
		for _, v := range values {
			w.Header().Add(key, v)
		}
	}
	w.WriteHeader(resp.StatusCode)
	if _, err := io.Copy(w, resp.Body); err != nil && !errors.Is(err, context.Canceled) {
		// Status is already sent; nothing left to report to the caller.
		f.log.Warn().Err(err).Str("path", path).Msg("stream upstream body")
	}
	return nil
}

func setCORS(h http.Header) {
	h.Set("Access-Control-Allow-Origin", "*")
	h.Set("Access-Control-Allow-Methods", allowMethods)
	h.Set("Access-Control-Allow-Headers", allowHeaders)
}

func writeError(w http.ResponseWriter, kind Kind, err error) {
	message := kind.Code()
	var perr *Error
	if errors.As(err, &perr) {
		message = perr.Message
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(kind.Status())
	_ = json.NewEncoder(w).Encode(map[string]string{
		"code":  kind.Code(),
		"error": message,
	})
}
