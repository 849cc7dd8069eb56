// Package auth identifies the portal user behind each API request. Portal
// bearer tokens are HS256 JWTs whose subject is the numeric user id; the
// resolved id is what every video-session operation authorizes against.
package auth

import (
	"context"
	"net/http"
	"strconv"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
)

type contextKey string

const (
	CallerIDKey    contextKey = "caller_id"
	CallerRolesKey contextKey = "caller_roles"
)

// DevUserHeader names the caller in development mode, where requests are not
// signed.
const DevUserHeader = "X-User-ID"

// accessTokenParam carries the bearer token on websocket upgrades, which
// browsers cannot send with an Authorization header.
const accessTokenParam = "access_token"

type Claims struct {
	jwt.RegisteredClaims
	ClinicID string   `json:"clinic_id"`
	Roles    []string `json:"roles"`
}

type JWTConfig struct {
	Issuer     string
	Audience   string
	SigningKey []byte
	Skipper    func(c echo.Context) bool
}

func JWTMiddleware(cfg JWTConfig) echo.MiddlewareFunc {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
	}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}
	if cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(cfg.Audience))
	}
	parser := jwt.NewParser(opts...)

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if cfg.Skipper != nil && cfg.Skipper(c) {
				return next(c)
			}

			tokenStr, err := bearerToken(c)
			if err != nil {
				return err
			}

			claims := &Claims{}
			token, err := parser.ParseWithClaims(tokenStr, claims, func(t *jwt.Token) (interface{}, error) {
				return cfg.SigningKey, nil
			})
			if err != nil || !token.Valid {
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid token")
			}

			callerID, err := strconv.ParseInt(claims.Subject, 10, 64)
			if err != nil || callerID <= 0 {
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid token subject")
			}

			// Read by the clinic middleware
			c.Set("jwt_clinic_id", claims.ClinicID)

			ctx := WithCaller(c.Request().Context(), callerID, claims.Roles)
			c.SetRequest(c.Request().WithContext(ctx))
			return next(c)
		}
	}
}

func bearerToken(c echo.Context) (string, error) {
	authHeader := c.Request().Header.Get("Authorization")
	if authHeader == "" {
		if c.IsWebSocket() {
			if tok := c.QueryParam(accessTokenParam); tok != "" {
				return tok, nil
			}
		}
		return "", echo.NewHTTPError(http.StatusUnauthorized, "missing authorization header")
	}

	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") || strings.TrimSpace(parts[1]) == "" {
		return "", echo.NewHTTPError(http.StatusUnauthorized, "invalid authorization format")
	}
	return strings.TrimSpace(parts[1]), nil
}

// DevAuthMiddleware trusts the X-User-ID header. It is only installed when
// ENV=development.
func DevAuthMiddleware(skipper func(c echo.Context) bool) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if skipper != nil && skipper(c) {
				return next(c)
			}
			raw := c.Request().Header.Get(DevUserHeader)
			if raw == "" && c.IsWebSocket() {
				raw = c.QueryParam("user_id")
			}
			callerID, err := strconv.ParseInt(raw, 10, 64)
			if err != nil || callerID <= 0 {
				return echo.NewHTTPError(http.StatusUnauthorized, DevUserHeader+" header with a numeric user id is required")
			}
			c.Set("jwt_clinic_id", "")
			ctx := WithCaller(c.Request().Context(), callerID, []string{"dev"})
			c.SetRequest(c.Request().WithContext(ctx))
			return next(c)
		}
	}
}

// WithCaller returns ctx carrying the authenticated caller.
func WithCaller(ctx context.Context, callerID int64, roles []string) context.Context {
	ctx = context.WithValue(ctx, CallerIDKey, callerID)
	return context.WithValue(ctx, CallerRolesKey, roles)
}

// CallerFromContext returns the authenticated portal user id.
func CallerFromContext(ctx context.Context) (int64, bool) {
	id, ok := ctx.Value(CallerIDKey).(int64)
	return id, ok && id > 0
}

func RolesFromContext(ctx context.Context) []string {
	roles, _ := ctx.Value(CallerRolesKey).([]string)
	return roles
}
