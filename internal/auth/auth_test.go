package auth

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func testAuth(org string) *Authenticator {
	return New(Config{
		JwtSecret:    []byte("test-secret"),
		ClientID:     "test-client-id",
		ClientSecret: "client-secret",
		RedirectURL:  "http://localhost/callback",
		AllowedOrg:   org,
		Enabled:      true,
	})
}

// githubServer fakes the token, user and org membership endpoints.
func githubServer(t *testing.T, memberStatus int) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("POST /login/oauth/access_token", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Accept") != "application/json" {
			t.Errorf("Expected Accept header 'application/json', got %q", r.Header.Get("Accept"))
		}
		if err := r.ParseForm(); err != nil {
			t.Fatalf("parse form: %v", err)
		}
		if r.PostForm.Get("code") == "bad" {
			_ = json.NewEncoder(w).Encode(map[string]string{"error": "bad_verification_code", "error_description": "expired"})
			return
		}
		if r.PostForm.Get("client_secret") != "client-secret" {
			t.Errorf("Expected client secret in form, got %q", r.PostForm.Get("client_secret"))
		}
		_ = json.NewEncoder(w).Encode(map[string]string{"access_token": "gh-token", "token_type": "bearer"})
	})
	mux.HandleFunc("GET /user", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer gh-token" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_ = json.NewEncoder(w).Encode(GithubUser{Login: "octocat", Name: "The Octocat", Email: "octo@example.com"})
	})
	mux.HandleFunc("GET /orgs/{org}/members/{user}", func(w http.ResponseWriter, r *http.Request) {
		if r.PathValue("org") != "acme" || r.PathValue("user") != "octocat" {
			t.Errorf("Unexpected membership path %s", r.URL.Path)
		}
		w.WriteHeader(memberStatus)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func pointAt(a *Authenticator, srv *httptest.Server) *Authenticator {
	a.HTTPClient = srv.Client()
	a.TokenURL = srv.URL + "/login/oauth/access_token"
	a.APIURL = srv.URL
	return a
}

func TestIsEnabled(t *testing.T) {
	var nilAuth *Authenticator
	if nilAuth.IsEnabled() {
		t.Error("Expected nil authenticator to be disabled")
	}
	if New(Config{}).IsEnabled() {
		t.Error("Expected zero config to be disabled")
	}
	if !testAuth("").IsEnabled() {
		t.Error("Expected enabled authenticator")
	}
}

func TestGenerateState(t *testing.T) {
	s1, s2 := GenerateState(), GenerateState()
	if s1 == s2 {
		t.Error("GenerateState should produce different values")
	}
	if len(s1) != 44 {
		t.Errorf("Expected 44 base64 chars, got %d", len(s1))
	}
}

func TestLoginURL(t *testing.T) {
	tests := []struct {
		name  string
		org   string
		scope string
	}{
		{"no org", "", "read:user,user:email"},
		{"org restricted", "acme", "read:user,user:email,read:org"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			u, err := url.Parse(testAuth(tt.org).LoginURL("xyz"))
			if err != nil {
				t.Fatalf("parse: %v", err)
			}
			if u.Host != "github.com" || u.Path != "/login/oauth/authorize" {
				t.Errorf("Unexpected authorize url %s", u)
			}
			q := u.Query()
			if q.Get("client_id") != "test-client-id" || q.Get("state") != "xyz" || q.Get("redirect_uri") != "http://localhost/callback" {
				t.Errorf("Unexpected query %v", q)
			}
			if q.Get("scope") != tt.scope {
				t.Errorf("Expected scope %q, got %q", tt.scope, q.Get("scope"))
			}
		})
	}
}

func TestExchangeCode(t *testing.T) {
	a := pointAt(testAuth(""), githubServer(t, http.StatusNoContent))

	token, err := a.ExchangeCode(t.Context(), "good")
	if err != nil {
		t.Fatalf("ExchangeCode failed: %v", err)
	}
	if token != "gh-token" {
		t.Errorf("Expected gh-token, got %q", token)
	}

	_, err = a.ExchangeCode(t.Context(), "bad")
	if err == nil || !strings.Contains(err.Error(), "bad_verification_code") {
		t.Errorf("Expected GitHub error surfaced, got %v", err)
	}
}

func TestGithubUser_OrgMembership(t *testing.T) {
	tests := []struct {
		name    string
		org     string
		status  int
		wantErr error
	}{
		{"no org required", "", http.StatusNotFound, nil},
		{"public member", "acme", http.StatusNoContent, nil},
		{"private member", "acme", http.StatusOK, nil},
		{"not a member", "acme", http.StatusNotFound, ErrNotMember},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := pointAt(testAuth(tt.org), githubServer(t, tt.status))
			user, err := a.GithubUser(t.Context(), "gh-token")
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("Expected error %v, got %v", tt.wantErr, err)
			}
			if tt.wantErr == nil && user.Login != "octocat" {
				t.Errorf("Expected octocat, got %+v", user)
			}
		})
	}
}

func TestGithubUser_BadToken(t *testing.T) {
	a := pointAt(testAuth(""), githubServer(t, http.StatusNoContent))
	if _, err := a.GithubUser(t.Context(), "wrong"); err == nil || !strings.Contains(err.Error(), "401") {
		t.Errorf("Expected status error, got %v", err)
	}
}

func TestJWTRoundTrip(t *testing.T) {
	a := testAuth("")
	user := &GithubUser{Login: "octocat", Name: "The Octocat", Email: "octo@example.com", AvatarURL: "http://a/b.png"}

	token, err := a.GenerateJWT(user)
	if err != nil {
		t.Fatalf("GenerateJWT failed: %v", err)
	}
	got, err := a.ValidateJWT(token)
	if err != nil {
		t.Fatalf("ValidateJWT failed: %v", err)
	}
	if *got != *user {
		t.Errorf("Expected %+v, got %+v", user, got)
	}
}

func TestValidateJWT_Rejects(t *testing.T) {
	a := testAuth("")
	valid, _ := a.GenerateJWT(&GithubUser{Login: "octocat"})

	other := testAuth("")
	other.JwtSecret = []byte("other-secret")

	expired := testAuth("")
	expired.now = func() time.Time { return time.Now().Add(-48 * time.Hour) }
	old, _ := expired.GenerateJWT(&GithubUser{Login: "octocat"})

	none, _ := jwt.NewWithClaims(jwt.SigningMethodNone, Claims{Login: "octocat"}).SignedString(jwt.UnsafeAllowNoneSignatureType)

	tests := []struct {
		name  string
		auth  *Authenticator
		token string
	}{
		{"wrong secret", other, valid},
		{"expired", a, old},
		{"alg none", a, none},
		{"garbage", a, "not.a.jwt"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := tt.auth.ValidateJWT(tt.token); !errors.Is(err, ErrInvalidToken) {
				t.Errorf("Expected ErrInvalidToken, got %v", err)
			}
		})
	}
}

func TestGenerateJWT_NoSecret(t *testing.T) {
	a := New(Config{Enabled: true})
	if _, err := a.GenerateJWT(&GithubUser{Login: "x"}); err == nil {
		t.Error("Expected error without a secret")
	}
}

func TestMiddleware(t *testing.T) {
	a := testAuth("")
	token, _ := a.GenerateJWT(&GithubUser{Login: "octocat"})

	var seen *GithubUser
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = GetUserFromContext(r)
		w.WriteHeader(http.StatusOK)
	})
	unauthorized := func(w http.ResponseWriter, _ *http.Request, msg string) {
		http.Error(w, msg, http.StatusUnauthorized)
	}

	tests := []struct {
		name      string
		auth      *Authenticator
		header    string
		cookie    string
		status    int
		wantLogin string
	}{
		{"disabled passes", New(Config{}), "", "", http.StatusOK, ""},
		{"missing token", a, "", "", http.StatusUnauthorized, ""},
		{"bearer header", a, "Bearer " + token, "", http.StatusOK, "octocat"},
		{"cookie", a, "", token, http.StatusOK, "octocat"},
		{"bad token", a, "Bearer nope", "", http.StatusUnauthorized, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			seen = nil
			req := httptest.NewRequest(http.MethodGet, "/search", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			if tt.cookie != "" {
				req.AddCookie(&http.Cookie{Name: tokenCookie, Value: tt.cookie})
			}
			rec := httptest.NewRecorder()
			tt.auth.Middleware(next, unauthorized).ServeHTTP(rec, req)

			if rec.Code != tt.status {
				t.Errorf("Expected status %d, got %d", tt.status, rec.Code)
			}
			if tt.wantLogin != "" && (seen == nil || seen.Login != tt.wantLogin) {
				t.Errorf("Expected user %s in context, got %+v", tt.wantLogin, seen)
			}
		})
	}
}
