// Package jwt resolves bearer credentials to principals. Tokens are issued by
// the identity provider; Generate exists for development tooling and tests.
package jwt

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	gojwt "github.com/golang-jwt/jwt/v5"

	"depanne-service/pkg/apperr"
	"depanne-service/pkg/httpx"
)

// Role is the coarse authorization class of a principal.
type Role string

const (
	RoleClient     Role = "client"
	RoleTechnician Role = "technician"
	RoleAdmin      Role = "admin"
)

// Principal is an authenticated caller.
type Principal struct {
	ID   string `json:"id"`
	Role Role   `json:"role"`
}

// Claims represents the JWT payload.
type Claims struct {
	UserID string `json:"user_id"`
	Role   Role   `json:"role"`
	gojwt.RegisteredClaims
}

var (
	ErrMissing   = errors.New("missing bearer token")
	ErrMalformed = errors.New("malformed token")
	ErrExpired   = errors.New("token expired")
)

type ctxKey string

const (
	principalCtxKey ctxKey = "principal"
	authErrCtxKey   ctxKey = "auth_error"
)

// Verifier signs and validates HS256 tokens.
type Verifier struct {
	secret []byte
	now    func() time.Time
}

// New returns a verifier for the given secret.
func New(secret string) (*Verifier, error) {
	if secret == "" {
		return nil, errors.New("JWT_SECRET is required")
	}
	return &Verifier{secret: []byte(secret), now: time.Now}, nil
}

// Generate creates a signed token for the given principal.
func (v *Verifier) Generate(p Principal, ttl time.Duration) (string, error) {
	now := v.now()
	claims := Claims{
		UserID: p.ID,
		Role:   p.Role,
		RegisteredClaims: gojwt.RegisteredClaims{
			Subject:   p.ID,
			IssuedAt:  gojwt.NewNumericDate(now),
			ExpiresAt: gojwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return gojwt.NewWithClaims(gojwt.SigningMethodHS256, claims).SignedString(v.secret)
}

// Validate parses raw and returns its principal. Expired tokens yield
// ErrExpired; everything else unusable yields ErrMalformed.
func (v *Verifier) Validate(raw string) (Principal, error) {
	token, err := gojwt.ParseWithClaims(raw, &Claims{}, func(t *gojwt.Token) (any, error) {
		if _, ok := t.Method.(*gojwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return v.secret, nil
	}, gojwt.WithTimeFunc(v.now))
	if err != nil {
		if errors.Is(err, gojwt.ErrTokenExpired) {
			return Principal{}, ErrExpired
		}
		return Principal{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid || claims.UserID == "" {
		return Principal{}, ErrMalformed
	}
	switch claims.Role {
	case RoleClient, RoleTechnician, RoleAdmin:
	default:
		return Principal{}, fmt.Errorf("%w: unknown role %q", ErrMalformed, claims.Role)
	}
	return Principal{ID: claims.UserID, Role: claims.Role}, nil
}

// FromRequest validates the bearer credential carried by r. Websocket
// clients that cannot set headers may pass it as ?access_token=.
func (v *Verifier) FromRequest(r *http.Request) (Principal, error) {
	raw := ""
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		raw = auth[7:]
	} else if q := r.URL.Query().Get("access_token"); q != "" {
		raw = q
	}
	if raw == "" {
		return Principal{}, ErrMissing
	}
	return v.Validate(raw)
}

// ---- HTTP Middleware ----

// Authenticate extracts the principal into context if a credential is
// present. Requests without one pass through; RequireAuth decides.
func (v *Verifier) Authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p, err := v.FromRequest(r)
		ctx := r.Context()
		if err == nil {
			ctx = WithPrincipal(ctx, p)
		} else if !errors.Is(err, ErrMissing) {
			ctx = context.WithValue(ctx, authErrCtxKey, err)
		}
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequireAuth rejects requests that carry no valid principal. Expired
// credentials get a distinct error so clients know to refresh.
func RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, ok := FromContext(r.Context()); !ok {
			httpx.WriteError(w, r, AuthError(r.Context()))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// RequireRole admits only principals holding one of roles.
func RequireRole(roles ...Role) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p, ok := FromContext(r.Context())
			if !ok {
				httpx.WriteError(w, r, AuthError(r.Context()))
				return
			}
			for _, role := range roles {
				if p.Role == role {
					next.ServeHTTP(w, r)
					return
				}
			}
			httpx.WriteError(w, r, apperr.Forbidden("role %s may not perform this action", p.Role))
		})
	}
}

// AuthError classifies why the request in ctx is unauthenticated.
func AuthError(ctx context.Context) error {
	err, _ := ctx.Value(authErrCtxKey).(error)
	return Classify(err)
}

// Classify turns a Validate/FromRequest error into an apperr.
func Classify(err error) error {
	if errors.Is(err, ErrExpired) {
		return apperr.New(apperr.KindTokenExpired, "credential expired")
	}
	return apperr.New(apperr.KindUnauthenticated, "authentication required")
}

// WithPrincipal stores p in ctx.
func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalCtxKey, p)
}

// FromContext retrieves the principal stored by Authenticate.
func FromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalCtxKey).(Principal)
	return p, ok
}
