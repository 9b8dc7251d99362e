// Package auth manages the sidecar credential: a short-lived JWT the
// bridge attaches to every interaction request. Tokens are cached and
// revalidated locally; a hard refresh fetches a new token and verifies
// its signature against the sidecar's JWKS.
package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/MicahParks/keyfunc/v3"
	"github.com/golang-jwt/jwt/v5"
)

// expiryLeeway is how close to expiry a cached token is still considered
// usable by the soft check.
const expiryLeeway = 30 * time.Second

// Claims represents the JWT claims on a sidecar credential.
type Claims struct {
	jwt.RegisteredClaims
	Scope string `json:"scope,omitempty"`
}

// TokenFetcher retrieves a fresh credential from the sidecar.
type TokenFetcher interface {
	FetchToken(ctx context.Context) (string, error)
}

// HTTPTokenFetcher fetches tokens from the sidecar's token endpoint.
type HTTPTokenFetcher struct {
	endpoint string
	client   *http.Client
}

// NewHTTPTokenFetcher creates a fetcher for the given token endpoint.
func NewHTTPTokenFetcher(endpoint string, timeout time.Duration) *HTTPTokenFetcher {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPTokenFetcher{
		endpoint: endpoint,
		client:   &http.Client{Timeout: timeout},
	}
}

// FetchToken requests a fresh credential from the sidecar.
func (f *HTTPTokenFetcher) FetchToken(ctx context.Context) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.endpoint, strings.NewReader("{}"))
	if err != nil {
		return "", fmt.Errorf("failed to create token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := f.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to fetch token: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", fmt.Errorf("token endpoint returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var payload struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return "", fmt.Errorf("failed to decode token response: %w", err)
	}
	if payload.Token == "" {
		return "", fmt.Errorf("token endpoint returned empty token")
	}
	return payload.Token, nil
}

// Provider hands out sidecar credentials. Token performs a cheap local
// expiry check against the cached token; Refresh fetches a new token and
// verifies its signature against the sidecar's JWKS.
type Provider struct {
	fetcher TokenFetcher
	issuer  string

	jwksOnce sync.Once
	jwksURL  string
	jwks     keyfunc.Keyfunc
	jwksErr  error

	mu    sync.Mutex
	token string
}

// NewProvider creates a credential provider backed by the given fetcher.
// The JWKS keyfunc is created lazily on the first hard refresh so the
// bridge can start while the sidecar is still coming up.
func NewProvider(fetcher TokenFetcher, jwksURL, issuer string) *Provider {
	return &Provider{
		fetcher: fetcher,
		jwksURL: jwksURL,
		issuer:  issuer,
	}
}

// Token returns the cached credential if its expiry has not passed,
// fetching a fresh one otherwise. The local check parses the token
// without verifying the signature; the sidecar is the authority and
// rejects anything actually invalid.
func (p *Provider) Token(ctx context.Context) (string, error) {
	p.mu.Lock()
	cached := p.token
	p.mu.Unlock()

	if cached != "" && locallyValid(cached) {
		return cached, nil
	}

	token, err := p.fetcher.FetchToken(ctx)
	if err != nil {
		return "", fmt.Errorf("acquire credential: %w", err)
	}

	p.mu.Lock()
	p.token = token
	p.mu.Unlock()
	return token, nil
}

// Refresh discards the cached credential, fetches a new one, and
// verifies its signature and issuer against the sidecar's JWKS. Used
// after the sidecar rejects a request as unauthorized.
func (p *Provider) Refresh(ctx context.Context) (string, error) {
	token, err := p.fetcher.FetchToken(ctx)
	if err != nil {
		return "", fmt.Errorf("refresh credential: %w", err)
	}

	if err := p.verify(ctx, token); err != nil {
		return "", fmt.Errorf("refreshed credential failed validation: %w", err)
	}

	p.mu.Lock()
	p.token = token
	p.mu.Unlock()
	return token, nil
}

// Invalidate drops the cached credential so the next Token call fetches
// a fresh one.
func (p *Provider) Invalidate() {
	p.mu.Lock()
	p.token = ""
	p.mu.Unlock()
}

// verify checks the token's signature against the JWKS and validates
// the issuer. Skipped when no JWKS endpoint is configured.
func (p *Provider) verify(ctx context.Context, tokenString string) error {
	if p.jwksURL == "" {
		return nil
	}

	p.jwksOnce.Do(func() {
		jwksCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		p.jwks, p.jwksErr = keyfunc.NewDefaultCtx(jwksCtx, []string{p.jwksURL})
	})
	if p.jwksErr != nil {
		return fmt.Errorf("failed to create JWKS keyfunc: %w", p.jwksErr)
	}

	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, p.jwks.Keyfunc)
	if err != nil {
		return fmt.Errorf("failed to parse token: %w", err)
	}
	if !token.Valid {
		return fmt.Errorf("invalid token")
	}

	claims, ok := token.Claims.(*Claims)
	if !ok {
		return fmt.Errorf("invalid claims type")
	}
	if p.issuer != "" && claims.Issuer != p.issuer {
		return fmt.Errorf("issuer mismatch: expected %s, got %s", p.issuer, claims.Issuer)
	}
	return nil
}

// locallyValid reports whether the token's expiry claim, read without
// signature verification, is still ahead of now by the leeway margin.
// Tokens without an expiry claim are treated as usable.
func locallyValid(tokenString string) bool {
	parser := jwt.NewParser()
	token, _, err := parser.ParseUnverified(tokenString, &Claims{})
	if err != nil {
		return false
	}
	claims, ok := token.Claims.(*Claims)
	if !ok {
		return false
	}
	if claims.ExpiresAt == nil {
		return true
	}
	return time.Until(claims.ExpiresAt.Time) > expiryLeeway
}
