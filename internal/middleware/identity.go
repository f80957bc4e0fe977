package middleware

// identity.go holds the accessors for the caller identity that JWTAuth and
// OptionalJWT store in the echo context.

import (
	"strconv"

	"github.com/labstack/echo/v4"
)

const (
	ctxUserID = "user_id"
	ctxRole   = "role"
)

// UserID returns the authenticated caller's id.
func UserID(c echo.Context) (uint64, bool) {
	switch t := c.Get(ctxUserID).(type) {
	case uint64:
		return t, t != 0
	case int64:
		return uint64(t), t > 0
	case int:
		return uint64(t), t > 0
	case float64:
		return uint64(t), t > 0
	case string:
		if n, err := strconv.ParseUint(t, 10, 64); err == nil {
			return n, n != 0
		}
	}
	return 0, false
}

// Role returns the caller's role claim, or "" for anonymous requests.
func Role(c echo.Context) string {
	r, _ := c.Get(ctxRole).(string)
	return r
}

// userKey is the caller's id as a key fragment, "guest" when anonymous.
func userKey(c echo.Context) string {
	if id, ok := UserID(c); ok {
		return strconv.FormatUint(id, 10)
	}
	return "guest"
}
