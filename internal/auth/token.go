// Package auth owns the OAuth2 credential lifecycle against the broker's
// authorization endpoint. The Credential is mutated only by the refresh
// operation; concurrent callers coalesce into a single in-flight refresh.
package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/eddiefleurent/tasty_gateway/internal/failsafe"
)

// refreshMargin is how long before actual expiry we treat a token as stale,
// so a token never expires mid-request.
const refreshMargin = time.Minute

// refreshBackoff retries transient token-endpoint failures before surfacing
// them. Auth rejections are never retried.
var refreshBackoff = failsafe.Backoff{
	Ladder:      []time.Duration{time.Second, 3 * time.Second},
	MaxAttempts: 3,
	Jitter:      true,
}

// Credential is the broker bearer credential. Owned exclusively by the
// TokenManager.
type Credential struct {
	AccessToken  string
	ExpiresAt    time.Time
	RefreshToken string
	ClientID     string
	ClientSecret string
}

// Valid reports whether the access token is usable at instant t.
func (c Credential) Valid(t time.Time) bool {
	return c.AccessToken != "" && t.Before(c.ExpiresAt.Add(-refreshMargin))
}

// TokenManager holds the credential and refreshes it on demand.
type TokenManager struct {
	mu     sync.Mutex
	cred   Credential
	group  singleflight.Group
	client *http.Client
	logger *log.Logger

	authURL string
	backoff failsafe.Backoff
}

// tokenResponse is the authorization server's grant response.
type tokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int    `json:"expires_in"`
	// The server may rotate the refresh token on use.
	RefreshToken string `json:"refresh_token"`
}

// NewTokenManager creates a token manager for the given authorization
// endpoint base URL (e.g. https://api.tastyworks.com).
func NewTokenManager(authURL string, cred Credential, logger *log.Logger) *TokenManager {
	if logger == nil {
		logger = log.New(os.Stderr, "auth: ", log.LstdFlags)
	}
	return &TokenManager{
		cred:    cred,
		client:  &http.Client{Timeout: 10 * time.Second},
		logger:  logger,
		authURL: strings.TrimRight(authURL, "/"),
		backoff: refreshBackoff,
	}
}

// WithHTTPClient overrides the HTTP client (tests, custom transport).
func (m *TokenManager) WithHTTPClient(c *http.Client) *TokenManager {
	if c != nil {
		m.client = c
	}
	return m
}

// WithBackoff overrides the refresh retry policy.
func (m *TokenManager) WithBackoff(b failsafe.Backoff) *TokenManager {
	m.backoff = b
	return m
}

// Token returns a usable bearer token, refreshing it first if the current one
// is absent or within the refresh margin of expiry. Concurrent callers
// observing a stale token share exactly one refresh call; overlapping
// refresh-token exchanges would invalidate each other at the authorization
// server.
func (m *TokenManager) Token(ctx context.Context) (string, error) {
	m.mu.Lock()
	if m.cred.Valid(time.Now()) {
		token := m.cred.AccessToken
		m.mu.Unlock()
		return token, nil
	}
	m.mu.Unlock()

	tok, err, _ := m.group.Do("refresh", func() (interface{}, error) {
		// Re-check under the flight: a caller that queued behind the
		// winning refresh should not refresh again.
		m.mu.Lock()
		if m.cred.Valid(time.Now()) {
			token := m.cred.AccessToken
			m.mu.Unlock()
			return token, nil
		}
		m.mu.Unlock()

		var token string
		err := m.backoff.Do(ctx, transientRefresh, func() error {
			var rerr error
			token, rerr = m.refresh(ctx)
			return rerr
		})
		return token, err
	})
	if err != nil {
		return "", err
	}
	return tok.(string), nil
}

// Invalidate drops the current access token so the next Token call refreshes.
func (m *TokenManager) Invalidate() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cred.AccessToken = ""
	m.cred.ExpiresAt = time.Time{}
}

// ExpiresAt returns the current token's expiry instant.
func (m *TokenManager) ExpiresAt() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cred.ExpiresAt
}

// refresh performs the refresh-token grant and overwrites the credential.
func (m *TokenManager) refresh(ctx context.Context) (string, error) {
	m.mu.Lock()
	refreshToken := m.cred.RefreshToken
	clientID := m.cred.ClientID
	clientSecret := m.cred.ClientSecret
	m.mu.Unlock()

	if refreshToken == "" {
		return "", &failsafe.AuthError{Reason: "no refresh token configured"}
	}

	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", refreshToken)
	form.Set("client_id", clientID)
	form.Set("client_secret", clientSecret)

	endpoint := m.authURL + "/oauth/token"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint,
		strings.NewReader(form.Encode()))
	if err != nil {
		return "", err
	}
	req.Header.Add("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Add("Accept", "application/json")

	resp, err := m.client.Do(req)
	if err != nil {
		return "", &failsafe.NetworkError{Op: "token refresh", Err: err}
	}
	defer func() {
		if cerr := resp.Body.Close(); cerr != nil {
			m.logger.Printf("failed to close token response body: %v", cerr)
		}
	}()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 8<<10))
		if resp.StatusCode >= 500 {
			return "", &failsafe.TransientServerError{Status: resp.StatusCode, Body: string(body)}
		}
		// 400/401/403 from the token endpoint all mean the grant is bad.
		return "", &failsafe.AuthError{
			Status: resp.StatusCode,
			Reason: fmt.Sprintf("token refresh rejected: %s", string(body)),
		}
	}

	var tr tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
		return "", fmt.Errorf("decoding token response: %w", err)
	}
	if tr.AccessToken == "" {
		return "", &failsafe.AuthError{Status: resp.StatusCode, Reason: "empty access token in grant response"}
	}

	expiresIn := tr.ExpiresIn
	if expiresIn <= 0 {
		expiresIn = 900
	}

	m.mu.Lock()
	m.cred.AccessToken = tr.AccessToken
	m.cred.ExpiresAt = time.Now().Add(time.Duration(expiresIn) * time.Second)
	if tr.RefreshToken != "" {
		m.cred.RefreshToken = tr.RefreshToken
	}
	token := m.cred.AccessToken
	expiry := m.cred.ExpiresAt
	m.mu.Unlock()

	m.logger.Printf("access token refreshed, expires %s", expiry.Format(time.RFC3339))
	return token, nil
}

// transientRefresh reports whether a failed grant is worth retrying.
func transientRefresh(err error) bool {
	if failsafe.IsNetworkError(err) {
		return true
	}
	var srvErr *failsafe.TransientServerError
	return errors.As(err, &srvErr)
}
