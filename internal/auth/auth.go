// Package auth resolves the owner of a request from an upload token.
package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
)

// OwnerHeader carries the owner id directly when header mode is enabled.
const OwnerHeader = "X-Owner-ID"

const ownerContextKey = "owner"

var ErrInvalidToken = errors.New("invalid upload token")

// Config configures an Authenticator.
type Config struct {
	Secret           string
	TokenTTL         time.Duration
	AllowHeaderOwner bool
	// AdminOwners may call the operations endpoints. Empty denies everyone.
	AdminOwners []string
}

// Authenticator mints and verifies HS256 upload tokens whose subject is the owner id.
type Authenticator struct {
	secret      []byte
	ttl         time.Duration
	allowHeader bool
	admins      map[string]bool
}

// New creates an authenticator.
func New(cfg Config) *Authenticator {
	if cfg.TokenTTL <= 0 {
		cfg.TokenTTL = 24 * time.Hour
	}
	admins := make(map[string]bool, len(cfg.AdminOwners))
	for _, owner := range cfg.AdminOwners {
		if owner = strings.TrimSpace(owner); owner != "" {
			admins[owner] = true
		}
	}
	return &Authenticator{
		secret:      []byte(cfg.Secret),
		ttl:         cfg.TokenTTL,
		allowHeader: cfg.AllowHeaderOwner,
		admins:      admins,
	}
}

// Mint issues a token for owner.
func (a *Authenticator) Mint(owner string, now time.Time) (string, error) {
	if owner == "" {
		return "", fmt.Errorf("owner is required")
	}
	if len(a.secret) == 0 {
		return "", fmt.Errorf("token secret is not configured")
	}
	claims := jwt.RegisteredClaims{
		Subject:   owner,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(a.ttl)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
}

// Verify returns the owner named by a valid token.
func (a *Authenticator) Verify(token string) (string, error) {
	if len(a.secret) == 0 {
		return "", ErrInvalidToken
	}
	claims := &jwt.RegisteredClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		return a.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired())
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !parsed.Valid || claims.Subject == "" {
		return "", ErrInvalidToken
	}
	return claims.Subject, nil
}

// Middleware rejects requests without a resolvable owner with 401.
func (a *Authenticator) Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			owner, err := a.resolve(c.Request())
			if err != nil {
				return echo.NewHTTPError(http.StatusUnauthorized, err.Error())
			}
			c.Set(ownerContextKey, owner)
			return next(c)
		}
	}
}

// IsAdmin reports whether owner may use the operations endpoints.
func (a *Authenticator) IsAdmin(owner string) bool {
	return owner != "" && a.admins[owner]
}

// RequireAdmin rejects owners outside the admin list with 403. It runs after
// Middleware.
func (a *Authenticator) RequireAdmin() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if !a.IsAdmin(Owner(c)) {
				return echo.NewHTTPError(http.StatusForbidden, "admin access required")
			}
			return next(c)
		}
	}
}

func (a *Authenticator) resolve(r *http.Request) (string, error) {
	if h := r.Header.Get(echo.HeaderAuthorization); h != "" {
		token, ok := strings.CutPrefix(h, "Bearer ")
		if !ok {
			return "", ErrInvalidToken
		}
		return a.Verify(strings.TrimSpace(token))
	}
	// browsers cannot set headers on websocket upgrades
	if token := r.URL.Query().Get("token"); token != "" {
		return a.Verify(token)
	}
	if a.allowHeader {
		if owner := strings.TrimSpace(r.Header.Get(OwnerHeader)); owner != "" {
			return owner, nil
		}
	}
	return "", errors.New("missing upload token")
}

// Owner returns the owner resolved by the middleware.
func Owner(c echo.Context) string {
	owner, _ := c.Get(ownerContextKey).(string)
	return owner
}

// WithOwner sets the owner on a context directly.
func WithOwner(c echo.Context, owner string) {
	c.Set(ownerContextKey, owner)
}
