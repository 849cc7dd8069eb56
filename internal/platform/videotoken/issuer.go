// Package videotoken mints and checks the signed credentials that admit a
// clinician or patient to a consultation's video room. Tokens are compact
// HS256 JWTs in the shape JWT-aware video bridges (Jitsi-style access control)
// expect: registered claims plus room, name, email, a moderator flag and a
// nested context.user object.
//
// The issuer encodes an already-authorized grant. It never decides who may
// join which room; callers resolve that against the session record first.
package videotoken

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	DefaultIssuer   = "telehealth-portal"
	DefaultAudience = "telehealth-video"
	DefaultTTL      = 24 * time.Hour

	// ClockSkew is tolerated on iat, nbf and exp when verifying, so a token
	// minted by one instance is accepted by another whose clock lags slightly.
	ClockSkew = 5 * time.Second

	// MinSecretLength is the shortest HMAC secret accepted, in bytes.
	MinSecretLength = 32
)

var (
	ErrAuthentication = errors.New("token authentication failed")
	ErrConfiguration  = errors.New("insecure token configuration")
)

// placeholderSecrets are values shipped in sample env files and docs. A server
// configured with one of them would mint tokens anyone can forge.
var placeholderSecrets = map[string]bool{
	"secret":                            true,
	"changeme":                          true,
	"change-me":                         true,
	"your-secret-key":                   true,
	"your_jwt_secret":                   true,
	"jwt-secret":                        true,
	"default":                           true,
	"development-secret":                true,
	"please-change-this-secret":         true,
	"replace-with-a-long-random-string": true,
}

// Role is the privilege level embedded in a token.
type Role string

const (
	RoleModerator   Role = "moderator"
	RoleParticipant Role = "participant"
)

func (r Role) Valid() bool {
	return r == RoleModerator || r == RoleParticipant
}

// Config configures an Issuer.
type Config struct {
	Secret   string
	Issuer   string
	Audience string
	TTL      time.Duration
}

// Grant is an authorized claim set waiting to be signed.
type Grant struct {
	Room        string
	UserID      int64
	Role        Role
	DisplayName string
	Email       string
	AvatarURL   string
}

// UserContext is the nested context.user object.
type UserContext struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Email  string `json:"email"`
	Avatar string `json:"avatar,omitempty"`
	Role   Role   `json:"role"`
}

type TokenContext struct {
	User UserContext `json:"user"`
}

// Claims is the full claim set carried by a room token.
type Claims struct {
	jwt.RegisteredClaims
	Room      string       `json:"room"`
	Name      string       `json:"name"`
	Email     string       `json:"email"`
	Moderator bool         `json:"moderator"`
	Context   TokenContext `json:"context"`
}

// UserID returns the subject, which is the stringified portal user id.
func (c *Claims) UserID() string {
	return c.Subject
}

// Role returns the role from the nested user context.
func (c *Claims) Role() Role {
	return c.Context.User.Role
}

// Issuer signs and verifies room tokens. It holds no mutable state and is
// safe for concurrent use.
type Issuer struct {
	secret   []byte
	issuer   string
	audience string
	ttl      time.Duration
	now      func() time.Time
}

// CheckSecret reports whether secret is acceptable for signing room tokens.
func CheckSecret(secret string) error {
	trimmed := strings.TrimSpace(secret)
	if trimmed == "" {
		return fmt.Errorf("%w: signing secret is not set", ErrConfiguration)
	}
	if placeholderSecrets[strings.ToLower(trimmed)] {
		return fmt.Errorf("%w: signing secret is a known placeholder value", ErrConfiguration)
	}
	if len(trimmed) < MinSecretLength {
		return fmt.Errorf("%w: signing secret must be at least %d bytes, got %d",
			ErrConfiguration, MinSecretLength, len(trimmed))
	}
	return nil
}

// NewIssuer builds an Issuer. It fails closed: a missing, short or placeholder
// secret is a startup error, never a per-request one.
func NewIssuer(cfg Config) (*Issuer, error) {
	if err := CheckSecret(cfg.Secret); err != nil {
		return nil, err
	}
	if cfg.Issuer == "" {
		cfg.Issuer = DefaultIssuer
	}
	if cfg.Audience == "" {
		cfg.Audience = DefaultAudience
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	return &Issuer{
		secret:   []byte(cfg.Secret),
		issuer:   cfg.Issuer,
		audience: cfg.Audience,
		ttl:      cfg.TTL,
		now:      time.Now,
	}, nil
}

// TTL returns the lifetime of issued tokens.
func (i *Issuer) TTL() time.Duration {
	return i.ttl
}

// Issue signs the grant. The returned token is valid from now until now+TTL.
func (i *Issuer) Issue(g Grant) (string, time.Time, error) {
	if g.Room == "" {
		return "", time.Time{}, fmt.Errorf("room is required")
	}
	if g.UserID <= 0 {
		return "", time.Time{}, fmt.Errorf("user id is required")
	}
	if !g.Role.Valid() {
		return "", time.Time{}, fmt.Errorf("invalid role: %q", g.Role)
	}

	now := i.now().UTC().Truncate(time.Second)
	expiresAt := now.Add(i.ttl)
	uid := strconv.FormatInt(g.UserID, 10)

	claims := &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    i.issuer,
			Audience:  jwt.ClaimStrings{i.audience},
			Subject:   uid,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
		Room:      g.Room,
		Name:      g.DisplayName,
		Email:     g.Email,
		Moderator: g.Role == RoleModerator,
		Context: TokenContext{
			User: UserContext{
				ID:     uid,
				Name:   g.DisplayName,
				Email:  g.Email,
				Avatar: g.AvatarURL,
				Role:   g.Role,
			},
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign room token: %w", err)
	}
	return signed, expiresAt, nil
}

// Verify checks signature, algorithm, issuer, audience and expiry, allowing
// ClockSkew on the time claims.
func (i *Issuer) Verify(token string) (*Claims, error) {
	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		return i.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(i.issuer),
		jwt.WithAudience(i.audience),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		jwt.WithLeeway(ClockSkew),
		jwt.WithTimeFunc(i.now),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAuthentication, err)
	}
	if !parsed.Valid {
		return nil, ErrAuthentication
	}
	if claims.Room == "" || claims.Subject == "" {
		return nil, fmt.Errorf("%w: token is missing room or subject", ErrAuthentication)
	}
	return claims, nil
}

// Decode parses the claims without checking the signature. It exists for
// debugging from the command line and must not gate any access decision.
func Decode(token string) (*Claims, error) {
	claims := &Claims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return nil, fmt.Errorf("decode token: %w", err)
	}
	return claims, nil
}
