package auth

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/eddiefleurent/tasty_gateway/internal/failsafe"
)

func testLogger() *log.Logger {
	return log.New(io.Discard, "", 0)
}

func newTestManager(t *testing.T, handler http.HandlerFunc) (*TokenManager, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	m := NewTokenManager(srv.URL, Credential{
		RefreshToken: "refresh-1",
		ClientID:     "client-1",
		ClientSecret: "secret-1",
	}, testLogger()).
		WithHTTPClient(srv.Client()).
		WithBackoff(failsafe.Backoff{Ladder: []time.Duration{time.Millisecond}, MaxAttempts: 3})
	return m, srv
}

func grantHandler(calls *int32, accessToken string, expiresIn int, rotatedRefresh string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(calls, 1)
		if r.URL.Path != "/oauth/token" {
			http.NotFound(w, r)
			return
		}
		if err := r.ParseForm(); err != nil {
			http.Error(w, "bad form", http.StatusBadRequest)
			return
		}
		if r.PostForm.Get("grant_type") != "refresh_token" {
			http.Error(w, "bad grant", http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"access_token":%q,"token_type":"Bearer","expires_in":%d,"refresh_token":%q}`,
			accessToken, expiresIn, rotatedRefresh)
	}
}

func TestToken_RefreshesWhenEmpty(t *testing.T) {
	var calls int32
	m, _ := newTestManager(t, grantHandler(&calls, "tok-1", 900, ""))

	tok, err := m.Token(context.Background())
	if err != nil {
		t.Fatalf("Token() error = %v", err)
	}
	if tok != "tok-1" {
		t.Fatalf("Token() = %q, want tok-1", tok)
	}
	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Fatalf("refresh calls = %d, want 1", got)
	}
}

func TestToken_ReusesValidToken(t *testing.T) {
	var calls int32
	m, _ := newTestManager(t, grantHandler(&calls, "tok-1", 900, ""))

	for i := 0; i < 5; i++ {
		if _, err := m.Token(context.Background()); err != nil {
			t.Fatalf("Token() call %d error = %v", i, err)
		}
	}
	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Fatalf("refresh calls = %d, want 1 across repeated Token() calls", got)
	}
}

func TestToken_RefreshesInsideExpiryMargin(t *testing.T) {
	var calls int32
	m, _ := newTestManager(t, grantHandler(&calls, "tok-2", 900, ""))

	// Token technically alive but within the refresh margin.
	m.cred.AccessToken = "stale"
	m.cred.ExpiresAt = time.Now().Add(30 * time.Second)

	tok, err := m.Token(context.Background())
	if err != nil {
		t.Fatalf("Token() error = %v", err)
	}
	if tok != "tok-2" {
		t.Fatalf("Token() = %q, want refreshed tok-2", tok)
	}
}

func TestToken_ConcurrentCallersShareOneRefresh(t *testing.T) {
	var calls int32
	slow := func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(50 * time.Millisecond)
		grantHandler(&calls, "tok-3", 900, "")(w, r)
	}
	m, _ := newTestManager(t, slow)

	const n = 16
	var wg sync.WaitGroup
	errs := make([]error, n)
	toks := make([]string, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			toks[i], errs[i] = m.Token(context.Background())
		}(i)
	}
	wg.Wait()

	for i := 0; i < n; i++ {
		if errs[i] != nil {
			t.Fatalf("Token() goroutine %d error = %v", i, errs[i])
		}
		if toks[i] != "tok-3" {
			t.Fatalf("Token() goroutine %d = %q, want tok-3", i, toks[i])
		}
	}
	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Fatalf("refresh calls = %d for %d concurrent callers, want 1", got, n)
	}
}

func TestToken_RotatesRefreshToken(t *testing.T) {
	var calls int32
	m, _ := newTestManager(t, grantHandler(&calls, "tok-4", 900, "refresh-2"))

	if _, err := m.Token(context.Background()); err != nil {
		t.Fatalf("Token() error = %v", err)
	}
	m.mu.Lock()
	got := m.cred.RefreshToken
	m.mu.Unlock()
	if got != "refresh-2" {
		t.Fatalf("refresh token = %q after rotation, want refresh-2", got)
	}
}

func TestToken_Unauthorized(t *testing.T) {
	m, _ := newTestManager(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"invalid_grant"}`, http.StatusUnauthorized)
	})

	_, err := m.Token(context.Background())
	var authErr *failsafe.AuthError
	if !errors.As(err, &authErr) {
		t.Fatalf("Token() error = %v, want AuthError", err)
	}
	if authErr.Status != http.StatusUnauthorized {
		t.Fatalf("AuthError.Status = %d, want 401", authErr.Status)
	}
}

func TestToken_ServerErrorIsTransient(t *testing.T) {
	var calls int32
	m, _ := newTestManager(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		http.Error(w, "upstream down", http.StatusBadGateway)
	})

	_, err := m.Token(context.Background())
	var srvErr *failsafe.TransientServerError
	if !errors.As(err, &srvErr) {
		t.Fatalf("Token() error = %v, want TransientServerError", err)
	}
	if got := atomic.LoadInt32(&calls); got != 3 {
		t.Fatalf("refresh calls = %d, want the full retry budget of 3", got)
	}
}

func TestToken_RetriesTransientGrantFailure(t *testing.T) {
	var calls int32
	m, _ := newTestManager(t, func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			http.Error(w, "upstream down", http.StatusBadGateway)
			return
		}
		grantHandler(new(int32), "tok-6", 900, "")(w, r)
	})

	tok, err := m.Token(context.Background())
	if err != nil {
		t.Fatalf("Token() error = %v", err)
	}
	if tok != "tok-6" {
		t.Fatalf("Token() = %q, want tok-6 after retry", tok)
	}
	if got := atomic.LoadInt32(&calls); got != 2 {
		t.Fatalf("refresh calls = %d, want 2", got)
	}
}

func TestToken_NoRefreshTokenConfigured(t *testing.T) {
	m := NewTokenManager("http://unused.invalid", Credential{}, testLogger())
	_, err := m.Token(context.Background())
	var authErr *failsafe.AuthError
	if !errors.As(err, &authErr) {
		t.Fatalf("Token() error = %v, want AuthError", err)
	}
}

func TestToken_EmptyAccessTokenInGrant(t *testing.T) {
	m, _ := newTestManager(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"token_type":"Bearer","expires_in":900}`)
	})

	_, err := m.Token(context.Background())
	var authErr *failsafe.AuthError
	if !errors.As(err, &authErr) {
		t.Fatalf("Token() error = %v, want AuthError", err)
	}
}

func TestInvalidate_ForcesRefresh(t *testing.T) {
	var calls int32
	m, _ := newTestManager(t, grantHandler(&calls, "tok-5", 900, ""))

	if _, err := m.Token(context.Background()); err != nil {
		t.Fatalf("Token() error = %v", err)
	}
	m.Invalidate()
	if _, err := m.Token(context.Background()); err != nil {
		t.Fatalf("Token() after Invalidate error = %v", err)
	}
	if got := atomic.LoadInt32(&calls); got != 2 {
		t.Fatalf("refresh calls = %d, want 2 after invalidation", got)
	}
}

func TestCredential_Valid(t *testing.T) {
	now := time.Now()
	tests := []struct {
		name string
		cred Credential
		want bool
	}{
		{"empty", Credential{}, false},
		{"fresh", Credential{AccessToken: "t", ExpiresAt: now.Add(time.Hour)}, true},
		{"inside margin", Credential{AccessToken: "t", ExpiresAt: now.Add(30 * time.Second)}, false},
		{"expired", Credential{AccessToken: "t", ExpiresAt: now.Add(-time.Minute)}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.cred.Valid(now); got != tt.want {
				t.Errorf("Valid() = %v, want %v", got, tt.want)
			}
		})
	}
}
