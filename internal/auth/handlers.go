package auth

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/rs/zerolog/hlog"
)

const (
	stateCookie = "oauth_state"
	tokenCookie = "auth_token"
)

// Register mounts the auth endpoints on mux. /auth/status is always
// served; the OAuth flow only when auth is enabled.
func (a *Authenticator) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /auth/status", a.handleStatus)
	if !a.IsEnabled() {
		return
	}
	mux.HandleFunc("GET /auth/github", a.handleLogin)
	mux.HandleFunc("GET /auth/callback", a.handleCallback)
	mux.HandleFunc("GET /auth/me", a.handleMe)
	mux.HandleFunc("POST /auth/logout", a.handleLogout)
}

func (a *Authenticator) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, map[string]bool{"enabled": a.IsEnabled()})
}

func (a *Authenticator) handleLogin(w http.ResponseWriter, r *http.Request) {
	state := GenerateState()
	http.SetCookie(w, &http.Cookie{
		Name:     stateCookie,
		Value:    state,
		Path:     "/",
		MaxAge:   600,
		HttpOnly: true,
		Secure:   secure(r),
		SameSite: http.SameSiteLaxMode,
	})
	http.Redirect(w, r, a.LoginURL(state), http.StatusTemporaryRedirect)
}

func (a *Authenticator) handleCallback(w http.ResponseWriter, r *http.Request) {
	code := r.URL.Query().Get("code")
	state := r.URL.Query().Get("state")

	c, err := r.Cookie(stateCookie)
	if err != nil || state == "" || c.Value != state {
		http.Error(w, "Invalid state parameter", http.StatusBadRequest)
		return
	}
	http.SetCookie(w, &http.Cookie{Name: stateCookie, Value: "", Path: "/", MaxAge: -1})

	if code == "" {
		http.Error(w, "Missing code parameter", http.StatusBadRequest)
		return
	}

	accessToken, err := a.ExchangeCode(r.Context(), code)
	if err != nil {
		hlog.FromRequest(r).Error().Err(err).Msg("oauth code exchange failed")
		http.Error(w, "Failed to exchange code for token", http.StatusInternalServerError)
		return
	}

	user, err := a.GithubUser(r.Context(), accessToken)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, ErrNotMember) {
			status = http.StatusForbidden
		}
		http.Error(w, "Failed to get user info: "+err.Error(), status)
		return
	}

	token, err := a.GenerateJWT(user)
	if err != nil {
		http.Error(w, "Failed to generate token", http.StatusInternalServerError)
		return
	}

	http.SetCookie(w, &http.Cookie{
		Name:     tokenCookie,
		Value:    token,
		Path:     "/",
		MaxAge:   int(tokenTTL.Seconds()),
		HttpOnly: true,
		Secure:   secure(r),
		SameSite: http.SameSiteLaxMode,
	})
	hlog.FromRequest(r).Info().Str("login", user.Login).Msg("user logged in")
	writeJSON(w, r, AuthResponse{User: *user, Token: token})
}

func (a *Authenticator) handleMe(w http.ResponseWriter, r *http.Request) {
	token := tokenFromRequest(r)
	if token == "" {
		http.Error(w, "No authentication token", http.StatusUnauthorized)
		return
	}
	user, err := a.ValidateJWT(token)
	if err != nil {
		http.Error(w, "Invalid token", http.StatusUnauthorized)
		return
	}
	writeJSON(w, r, AuthResponse{User: *user, Token: token})
}

func (a *Authenticator) handleLogout(w http.ResponseWriter, r *http.Request) {
	http.SetCookie(w, &http.Cookie{Name: tokenCookie, Value: "", Path: "/", MaxAge: -1})
	w.WriteHeader(http.StatusOK)
}

func secure(r *http.Request) bool {
	return r.TLS != nil || strings.HasPrefix(r.Header.Get("X-Forwarded-Proto"), "https")
}

func writeJSON(w http.ResponseWriter, r *http.Request, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		hlog.FromRequest(r).Error().Err(err).Msg("failed to encode response")
	}
}
