package auth

import (
	"net/http"
	"strings"
)

// TokenCookieName is the cookie consulted when a request carries no explicit
// token. Browser clients that logged in over the REST surface reconnect to
// the collaboration socket with this cookie alone.
const TokenCookieName = "token"

const bearerPrefix = "Bearer "

// TokenFromRequest extracts the session token from a handshake or API
// request. Lookup order: the token query parameter, the Authorization bearer
// header, then the token cookie. An empty string means no token was supplied.
func TokenFromRequest(r *http.Request) string {
	if r == nil {
		return ""
	}
	if token := strings.TrimSpace(r.URL.Query().Get("token")); token != "" {
		return token
	}
	header := r.Header.Get("Authorization")
	if strings.HasPrefix(header, bearerPrefix) {
		if token := strings.TrimSpace(strings.TrimPrefix(header, bearerPrefix)); token != "" {
			return token
		}
	}
	cookie, err := r.Cookie(TokenCookieName)
	if err != nil || cookie == nil {
		return ""
	}
	return strings.TrimSpace(cookie.Value)
}
