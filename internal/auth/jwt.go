// Package auth issues and checks caller identity tokens.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/neon-arena/leaderboard/internal/domain"
)

var (
	ErrMissingToken = errors.New("missing bearer token")
	ErrInvalidToken = errors.New("invalid token")
)

// Claims identifies the caller. The subject is the player address.
type Claims struct {
	WalletType domain.WalletType `json:"wallet_type"`
	jwt.RegisteredClaims
}

// Address returns the caller address carried in the subject
func (c *Claims) Address() (domain.Address, error) {
	return domain.ParseAddress(c.Subject)
}

// Manager handles HS256 token operations
type Manager struct {
	secretKey []byte
	issuer    string
	now       func() time.Time
}

// NewManager creates a token manager for the given secret and issuer
func NewManager(secretKey, issuer string) *Manager {
	return &Manager{
		secretKey: []byte(secretKey),
		issuer:    issuer,
		now:       time.Now,
	}
}

// GenerateToken signs a token for address valid for ttl
func (m *Manager) GenerateToken(address domain.Address, walletType domain.WalletType, ttl time.Duration) (string, error) {
	addr, err := domain.ParseAddress(address.String())
	if err != nil {
		return "", err
	}
	if addr.IsZero() {
		return "", fmt.Errorf("%w: zero address", domain.ErrInvalidAddress)
	}
	if !walletType.Valid() {
		return "", fmt.Errorf("%w: unknown wallet type %q", domain.ErrInvalidRequest, walletType)
	}
	if ttl <= 0 {
		return "", fmt.Errorf("%w: token ttl must be positive", domain.ErrInvalidRequest)
	}

	now := m.now()
	claims := Claims{
		WalletType: walletType,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   addr.String(),
			Issuer:    m.issuer,
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(m.secretKey)
}

// ValidateToken checks signature, issuer and lifetime, and returns the claims
func (m *Manager) ValidateToken(tokenString string) (*Claims, error) {
	if tokenString == "" {
		return nil, ErrMissingToken
	}

	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("invalid signing method")
		}
		return m.secretKey, nil
	},
		jwt.WithIssuer(m.issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(m.now),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}
	if _, err := claims.Address(); err != nil {
		return nil, fmt.Errorf("%w: bad subject", ErrInvalidToken)
	}
	return claims, nil
}

type callerKey struct{}

// WithCaller returns a context carrying the authenticated caller
func WithCaller(ctx context.Context, claims *Claims) context.Context {
	return context.WithValue(ctx, callerKey{}, claims)
}

// CallerFrom returns the authenticated caller address, if any
func CallerFrom(ctx context.Context) (domain.Address, bool) {
	claims, ok := ctx.Value(callerKey{}).(*Claims)
	if !ok {
		return "", false
	}
	addr, err := claims.Address()
	return addr, err == nil
}

// ClaimsFrom returns the authenticated caller's claims, if any
func ClaimsFrom(ctx context.Context) (*Claims, bool) {
	claims, ok := ctx.Value(callerKey{}).(*Claims)
	return claims, ok
}

// BearerToken extracts the token from an Authorization header
func BearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if len(h) > 7 && strings.EqualFold(h[:7], "bearer ") {
		return strings.TrimSpace(h[7:])
	}
	return ""
}

// Middleware rejects requests without a valid bearer token. onError writes
// the rejection response.
func (m *Manager) Middleware(onError func(w http.ResponseWriter, r *http.Request, err error)) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims, err := m.ValidateToken(BearerToken(r))
			if err != nil {
				onError(w, r, err)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithCaller(r.Context(), claims)))
		})
	}
}
