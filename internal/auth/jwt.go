package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// RoleOracle marks tokens issued to staff devices.
const RoleOracle = "oracle"

var (
	// ErrNoSecret is returned when tokens are requested but no secret is configured
	ErrNoSecret = errors.New("oracle token secret is not configured")
	// ErrNotOracle is returned for a valid token that lacks the oracle role
	ErrNotOracle = errors.New("token is not an oracle token")
)

// Claims represents oracle token claims
type Claims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// Issuer signs and validates oracle tokens with a shared HS256 secret.
type Issuer struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// NewIssuer creates an issuer. An empty secret yields a disabled issuer.
func NewIssuer(secret string, ttl time.Duration) *Issuer {
	if ttl <= 0 {
		ttl = 12 * time.Hour
	}
	i := &Issuer{ttl: ttl, now: time.Now}
	if secret != "" {
		i.secret = []byte(secret)
	}
	return i
}

// Enabled reports whether a secret is configured.
func (i *Issuer) Enabled() bool {
	return i != nil && len(i.secret) > 0
}

// GenerateToken generates an oracle token for a staff member
func (i *Issuer) GenerateToken(subject string) (string, error) {
	if !i.Enabled() {
		return "", ErrNoSecret
	}

	now := i.now()
	claims := &Claims{
		Role: RoleOracle,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			ExpiresAt: jwt.NewNumericDate(now.Add(i.ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tokenString, err := token.SignedString(i.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return tokenString, nil
}

// ValidateToken validates an oracle token and returns the claims
func (i *Issuer) ValidateToken(tokenString string) (*Claims, error) {
	if !i.Enabled() {
		return nil, ErrNoSecret
	}

	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return i.secret, nil
	}, jwt.WithTimeFunc(i.now))
	if err != nil {
		return nil, err
	}
	if !token.Valid {
		return nil, errors.New("invalid token")
	}
	if claims.Role != RoleOracle {
		return nil, ErrNotOracle
	}

	return claims, nil
}

// ExtractToken extracts the token from an Authorization header
func ExtractToken(authHeader string) (string, error) {
	if authHeader == "" {
		return "", errors.New("missing authorization header")
	}

	// Support both "Bearer <token>" and just "<token>"
	parts := strings.Split(authHeader, " ")
	if len(parts) == 2 && strings.ToLower(parts[0]) == "bearer" {
		return parts[1], nil
	}
	if len(parts) == 1 {
		return parts[0], nil
	}

	return "", errors.New("invalid authorization header format")
}

// TokenFromRequest returns the bearer token of a WebSocket upgrade request.
// Browsers cannot set headers on WebSocket handshakes, so ?token= is
// accepted as well.
func TokenFromRequest(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if token, err := ExtractToken(h); err == nil {
			return token
		}
	}
	return r.URL.Query().Get("token")
}
