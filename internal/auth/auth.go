package auth

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog/log"
)

// ContextKey is a custom type for context keys to avoid collisions
type ContextKey string

const UserContextKey ContextKey = "user"

const (
	defaultAuthorizeURL = "https://github.com/login/oauth/authorize"
	defaultTokenURL     = "https://github.com/login/oauth/access_token"
	defaultAPIURL       = "https://api.github.com"

	tokenTTL = 24 * time.Hour
)

var (
	ErrNotMember    = errors.New("user is not a member of the required organization")
	ErrInvalidToken = errors.New("invalid token")
)

type GithubUser struct {
	Login     string `json:"login"`
	Name      string `json:"name"`
	Email     string `json:"email"`
	AvatarURL string `json:"avatar_url"`
}

type AuthResponse struct {
	User  GithubUser `json:"user"`
	Token string     `json:"token,omitempty"`
}

type Claims struct {
	Login     string `json:"login"`
	Name      string `json:"name"`
	Email     string `json:"email"`
	AvatarURL string `json:"avatar_url"`
	jwt.RegisteredClaims
}

type Config struct {
	JwtSecret    []byte
	ClientID     string
	ClientSecret string
	RedirectURL  string
	AllowedOrg   string
	Enabled      bool
}

// Authenticator runs the GitHub OAuth flow and issues session JWTs.
// The URL fields default to GitHub and are overridable for tests.
type Authenticator struct {
	Config
	HTTPClient   *http.Client
	AuthorizeURL string
	TokenURL     string
	APIURL       string

	now func() time.Time
}

func New(cfg Config) *Authenticator {
	return &Authenticator{
		Config:       cfg,
		HTTPClient:   &http.Client{Timeout: 10 * time.Second},
		AuthorizeURL: defaultAuthorizeURL,
		TokenURL:     defaultTokenURL,
		APIURL:       defaultAPIURL,
		now:          time.Now,
	}
}

// IsEnabled reports whether requests must carry a valid token. A nil
// Authenticator is disabled.
func (a *Authenticator) IsEnabled() bool {
	return a != nil && a.Enabled
}

// GenerateState creates a random state parameter for OAuth
func GenerateState() string {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "fallback-state-" + fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return base64.URLEncoding.EncodeToString(b)
}

// LoginURL returns the GitHub authorize URL for state.
func (a *Authenticator) LoginURL(state string) string {
	scope := "read:user,user:email"
	if a.AllowedOrg != "" {
		scope += ",read:org"
	}
	q := url.Values{}
	q.Set("client_id", a.ClientID)
	q.Set("redirect_uri", a.RedirectURL)
	q.Set("scope", scope)
	q.Set("state", state)
	return a.AuthorizeURL + "?" + q.Encode()
}

// ExchangeCode trades an OAuth code for an access token.
func (a *Authenticator) ExchangeCode(ctx context.Context, code string) (string, error) {
	form := url.Values{}
	form.Set("client_id", a.ClientID)
	form.Set("client_secret", a.ClientSecret)
	form.Set("code", code)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.TokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return "", err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := a.HTTPClient.Do(req)
	if err != nil {
		return "", err
	}
	defer closeBody(resp)

	var result struct {
		AccessToken string `json:"access_token"`
		Error       string `json:"error"`
		Description string `json:"error_description"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("decode token response: %w", err)
	}
	if result.AccessToken == "" {
		if result.Error != "" {
			return "", fmt.Errorf("token exchange: %s: %s", result.Error, result.Description)
		}
		return "", errors.New("failed to get access token")
	}
	return result.AccessToken, nil
}

// GithubUser fetches the authenticated user and enforces org membership
// when AllowedOrg is set.
func (a *Authenticator) GithubUser(ctx context.Context, accessToken string) (*GithubUser, error) {
	resp, err := a.apiGet(ctx, accessToken, "/user")
	if err != nil {
		return nil, err
	}
	defer closeBody(resp)

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("GitHub API returned status %d", resp.StatusCode)
	}
	var user GithubUser
	if err := json.NewDecoder(resp.Body).Decode(&user); err != nil {
		return nil, err
	}

	if a.AllowedOrg != "" && !a.isOrgMember(ctx, accessToken, user.Login) {
		return nil, ErrNotMember
	}
	return &user, nil
}

func (a *Authenticator) isOrgMember(ctx context.Context, accessToken, login string) bool {
	resp, err := a.apiGet(ctx, accessToken, fmt.Sprintf("/orgs/%s/members/%s", url.PathEscape(a.AllowedOrg), url.PathEscape(login)))
	if err != nil {
		log.Warn().Err(err).Str("org", a.AllowedOrg).Msg("org membership check failed")
		return false
	}
	defer closeBody(resp)
	// 204 for public members, 200 for private
	return resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusNoContent
}

func (a *Authenticator) apiGet(ctx context.Context, accessToken, path string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimRight(a.APIURL, "/")+path, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Accept", "application/vnd.github.v3+json")
	return a.HTTPClient.Do(req)
}

// GenerateJWT creates a JWT token for the user
func (a *Authenticator) GenerateJWT(user *GithubUser) (string, error) {
	if len(a.JwtSecret) == 0 {
		return "", errors.New("jwt secret is not configured")
	}
	now := a.clock()
	claims := Claims{
		Login:     user.Login,
		Name:      user.Name,
		Email:     user.Email,
		AvatarURL: user.AvatarURL,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(tokenTTL)),
			IssuedAt:  jwt.NewNumericDate(now),
			Subject:   user.Login,
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.JwtSecret)
}

// ValidateJWT validates and parses a JWT token
func (a *Authenticator) ValidateJWT(tokenString string) (*GithubUser, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", token.Header["alg"])
		}
		return a.JwtSecret, nil
	}, jwt.WithTimeFunc(a.clock))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}
	return &GithubUser{
		Login:     claims.Login,
		Name:      claims.Name,
		Email:     claims.Email,
		AvatarURL: claims.AvatarURL,
	}, nil
}

func (a *Authenticator) clock() time.Time {
	if a.now != nil {
		return a.now()
	}
	return time.Now()
}

// tokenFromRequest reads a bearer token, falling back to the auth cookie.
func tokenFromRequest(r *http.Request) string {
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	if cookie, err := r.Cookie("auth_token"); err == nil {
		return cookie.Value
	}
	return ""
}

// Middleware validates the request token when auth is enabled and stores
// the user in the request context. With auth disabled every request passes.
func (a *Authenticator) Middleware(next http.Handler, unauthorized func(http.ResponseWriter, *http.Request, string)) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !a.IsEnabled() {
			next.ServeHTTP(w, r)
			return
		}
		token := tokenFromRequest(r)
		if token == "" {
			unauthorized(w, r, "Authentication required")
			return
		}
		user, err := a.ValidateJWT(token)
		if err != nil {
			unauthorized(w, r, "Invalid authentication token")
			return
		}
		ctx := context.WithValue(r.Context(), UserContextKey, user)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// GetUserFromContext extracts user from request context
func GetUserFromContext(r *http.Request) *GithubUser {
	if user, ok := r.Context().Value(UserContextKey).(*GithubUser); ok {
		return user
	}
	return nil
}

func closeBody(resp *http.Response) {
	if err := resp.Body.Close(); err != nil {
		log.Debug().Err(err).Msg("failed to close response body")
	}
}
