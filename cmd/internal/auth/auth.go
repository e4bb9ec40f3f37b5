// Package auth adapts external identity into the attendance service.
//
// Operators authenticate with an HS256 JWT carrying role "operator" or with the
// shared operator key (stored as a bcrypt hash). Attendees may present a JWT on
// the public check-in path; its subject becomes the check-in's user id.
package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"
)

// RoleOperator grants access to session management.
const RoleOperator = "operator"

const minSecretLen = 32

var (
	ErrUnauthorized = errors.New("unauthorized")
	ErrForbidden    = errors.New("forbidden")
)

// Config holds the auth settings. Tags are read by go-envconfig.
type Config struct {
	JWTSecret       string        `env:"ATTEND_JWT_SECRET"`
	JWTIssuer       string        `env:"ATTEND_JWT_ISSUER"`
	JWTAudience     string        `env:"ATTEND_JWT_AUDIENCE"`
	JWTLeeway       time.Duration `env:"ATTEND_JWT_LEEWAY, default=30s"`
	OperatorKeyHash string        `env:"ATTEND_OPERATOR_KEY_HASH"`
}

// Claims is the JWT body accepted by the service.
type Claims struct {
	jwt.RegisteredClaims
	Role string `json:"role,omitempty"`
	Name string `json:"name,omitempty"`
}

// Principal is an authenticated caller.
type Principal struct {
	Subject string
	Role    string
	Method  string
}

// IsOperator reports whether p may manage sessions.
func (p Principal) IsOperator() bool { return p.Role == RoleOperator }

// Authenticator verifies bearer credentials.
type Authenticator struct {
	secret   []byte
	issuer   string
	audience string
	leeway   time.Duration
	keyHash  []byte
	now      func() time.Time
}

// New validates cfg. At least one operator credential source must be configured.
func New(cfg Config) (*Authenticator, error) {
	secret := strings.TrimSpace(cfg.JWTSecret)
	hash := strings.TrimSpace(cfg.OperatorKeyHash)

	if secret == "" && hash == "" {
		return nil, errors.New("auth: ATTEND_JWT_SECRET or ATTEND_OPERATOR_KEY_HASH is required")
	}
	if secret != "" && len(secret) < minSecretLen {
		return nil, errors.New("auth: ATTEND_JWT_SECRET must be at least 32 bytes")
	}
	if hash != "" {
		if _, err := bcrypt.Cost([]byte(hash)); err != nil {
			return nil, errors.New("auth: ATTEND_OPERATOR_KEY_HASH is not a bcrypt hash")
		}
	}

	return &Authenticator{
		secret:   []byte(secret),
		issuer:   strings.TrimSpace(cfg.JWTIssuer),
		audience: strings.TrimSpace(cfg.JWTAudience),
		leeway:   cfg.JWTLeeway,
		keyHash:  []byte(hash),
		now:      time.Now,
	}, nil
}

// Issue signs a token. Used by the CLI and tests.
func (a *Authenticator) Issue(subject, role string, ttl time.Duration) (string, error) {
	if len(a.secret) == 0 {
		return "", errors.New("auth: jwt secret not configured")
	}
	if strings.TrimSpace(subject) == "" {
		return "", errors.New("auth: empty subject")
	}
	if ttl <= 0 {
		ttl = time.Hour
	}

	now := a.now().UTC()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Issuer:    a.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Role: role,
	}
	if a.audience != "" {
		claims.Audience = jwt.ClaimStrings{a.audience}
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
}

// Parse verifies raw and returns its claims.
func (a *Authenticator) Parse(raw string) (Claims, error) {
	if len(a.secret) == 0 {
		return Claims{}, ErrUnauthorized
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(a.leeway),
		jwt.WithTimeFunc(a.now),
	}
	if a.issuer != "" {
		opts = append(opts, jwt.WithIssuer(a.issuer))
	}
	if a.audience != "" {
		opts = append(opts, jwt.WithAudience(a.audience))
	}

	var c Claims
	tok, err := jwt.ParseWithClaims(raw, &c, func(*jwt.Token) (any, error) { return a.secret, nil }, opts...)
	if err != nil || !tok.Valid {
		return Claims{}, ErrUnauthorized
	}
	if strings.TrimSpace(c.Subject) == "" {
		return Claims{}, ErrUnauthorized
	}
	return c, nil
}

// Operator authenticates an operator request. Credentials come from the
// Authorization header or, for WebSocket upgrades, the access_token query parameter.
func (a *Authenticator) Operator(r *http.Request) (Principal, error) {
	raw := credential(r)
	if raw == "" {
		return Principal{}, ErrUnauthorized
	}

	if len(a.keyHash) > 0 && !looksLikeJWT(raw) {
		if bcrypt.CompareHashAndPassword(a.keyHash, []byte(raw)) == nil {
			return Principal{Subject: "operator-key", Role: RoleOperator, Method: "operator_key"}, nil
		}
		return Principal{}, ErrUnauthorized
	}

	c, err := a.Parse(raw)
	if err != nil {
		return Principal{}, err
	}
	p := Principal{Subject: c.Subject, Role: c.Role, Method: "jwt"}
	if !p.IsOperator() {
		return Principal{}, ErrForbidden
	}
	return p, nil
}

// OperatorSubject adapts Operator to realtime.AuthFunc.
func (a *Authenticator) OperatorSubject(r *http.Request) (string, error) {
	p, err := a.Operator(r)
	if err != nil {
		return "", err
	}
	return p.Subject, nil
}

// Identity resolves an optional attendee identity from the Authorization header.
// Missing or invalid tokens yield ok=false; the public path stays anonymous.
func (a *Authenticator) Identity(r *http.Request) (Principal, bool) {
	raw := bearer(r.Header.Get("Authorization"))
	if raw == "" || !looksLikeJWT(raw) {
		return Principal{}, false
	}
	c, err := a.Parse(raw)
	if err != nil {
		return Principal{}, false
	}
	return Principal{Subject: c.Subject, Role: c.Role, Method: "jwt"}, true
}

// HashOperatorKey returns the bcrypt hash stored in ATTEND_OPERATOR_KEY_HASH.
func HashOperatorKey(key string) (string, error) {
	if len(key) < 16 {
		return "", errors.New("auth: operator key must be at least 16 characters")
	}
	b, err := bcrypt.GenerateFromPassword([]byte(key), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func credential(r *http.Request) string {
	if v := bearer(r.Header.Get("Authorization")); v != "" {
		return v
	}
	return strings.TrimSpace(r.URL.Query().Get("access_token"))
}

func bearer(h string) string {
	h = strings.TrimSpace(h)
	if len(h) < 7 || !strings.EqualFold(h[:7], "bearer ") {
		return ""
	}
	return strings.TrimSpace(h[7:])
}

func looksLikeJWT(s string) bool { return strings.Count(s, ".") == 2 }

type principalKey struct{}

// WithPrincipal stores p on ctx.
func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

// PrincipalFrom returns the principal stored by WithPrincipal.
func PrincipalFrom(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok
}
