package remote

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// tokenExpiryMargin is how far ahead of a token's exp claim the client
// proactively reconnects, so a fresh token (supplied by the caller
// before the next Run loop iteration) is in hand before the server
// would reject the old one.
const tokenExpiryMargin = 30 * time.Second

// tokenExpiry parses the bearer token's exp claim without verifying
// its signature — the client has no way to verify a server-issued
// token, only to read its own expiry so it can reconnect ahead of it.
// A token that isn't a well-formed JWT (e.g. the legacy opaque secret
// format) yields the zero time and is treated as never-expiring.
func tokenExpiry(token string) time.Time {
	parser := jwt.NewParser()
	claims := jwt.MapClaims{}
	if _, _, err := parser.ParseUnverified(token, claims); err != nil {
		return time.Time{}
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}
	}
	return exp.Time
}

// timeUntilProactiveReconnect returns how long connectAndServe should
// wait before treating the connection as due for a refresh, or 0 if
// the token carries no expiry to plan around.
func timeUntilProactiveReconnect(token string) time.Duration {
	exp := tokenExpiry(token)
	if exp.IsZero() {
		return 0
	}
	d := time.Until(exp) - tokenExpiryMargin
	if d < 0 {
		return 0
	}
	return d
}
