package httpapi

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// AuthConfig holds authentication configuration
type AuthConfig struct {
	APIKey   string
	Required bool
}

// NewAuthConfig requires a bearer token on API routes when apiKey is set.
func NewAuthConfig(apiKey string) *AuthConfig {
	return &AuthConfig{
		APIKey:   apiKey,
		Required: apiKey != "",
	}
}

// AuthMiddleware returns a middleware function that validates API keys for API endpoints only
func (a *AuthConfig) AuthMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !a.Required || a.shouldSkipAuth(r.URL.Path) || r.Method == http.MethodOptions {
				next.ServeHTTP(w, r)
				return
			}

			token, msg := requestToken(r)
			if token == "" {
				http.Error(w, msg, http.StatusUnauthorized)
				return
			}
			if subtle.ConstantTimeCompare([]byte(token), []byte(a.APIKey)) != 1 {
				http.Error(w, "Invalid API key", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// requestToken extracts the API key from the request. EventSource cannot
// set headers, so /events also accepts an api_key query parameter.
func requestToken(r *http.Request) (string, string) {
	if strings.HasPrefix(r.URL.Path, "/events") {
		if token := r.URL.Query().Get("api_key"); token != "" {
			return token, ""
		}
	}
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		return "", "Missing Authorization header or api_key query parameter"
	}
	const bearerPrefix = "Bearer "
	if !strings.HasPrefix(authHeader, bearerPrefix) {
		return "", "Authorization header must start with 'Bearer '"
	}
	token := strings.TrimPrefix(authHeader, bearerPrefix)
	if token == "" {
		return "", "Missing API key in Authorization header"
	}
	return token, ""
}

func (a *AuthConfig) shouldSkipAuth(path string) bool {
	if path == "/" || path == "/health" {
		return true
	}
	for _, skipPath := range []string{"/openapi", "/docs", "/schemas"} {
		if strings.HasPrefix(path, skipPath) {
			return true
		}
	}
	return false
}
