// Package auth issues and verifies the service tokens that protect the
// internal API. Revoked token ids are kept in Redis until the token would
// have expired anyway.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Errors returned by the auth service.
var (
	ErrInvalidToken = errors.New("auth: invalid or expired JWT token")
	ErrRevoked      = errors.New("auth: token revoked")
	ErrForbidden    = errors.New("auth: role not allowed")
)

// Roles carried in the "role" claim.
const (
	// RoleService is a backend caller such as the post publishing hook.
	RoleService = "service"
	// RoleOperator may additionally run maintenance endpoints.
	RoleOperator = "operator"
)

// Claims holds the authenticated caller extracted from a JWT.
type Claims struct {
	Subject   string    `json:"subject"`
	Role      string    `json:"role"`
	TokenID   string    `json:"token_id"`
	IssuedAt  time.Time `json:"issued_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Service issues, verifies and revokes service tokens.
type Service struct {
	rdb       *redis.Client
	jwtSecret []byte
	jwtTTL    time.Duration
	now       func() time.Time
}

// NewService creates a new auth service. A nil rdb disables revocation.
func NewService(rdb *redis.Client, jwtSecret string, ttl time.Duration) *Service {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Service{
		rdb:       rdb,
		jwtSecret: []byte(jwtSecret),
		jwtTTL:    ttl,
		now:       time.Now,
	}
}

// Issue signs a token for subject with the given role.
func (s *Service) Issue(subject, role string) (string, error) {
	if subject == "" {
		return "", fmt.Errorf("auth: empty subject")
	}
	if role != RoleService && role != RoleOperator {
		return "", fmt.Errorf("auth: unknown role %q", role)
	}
	now := s.now()
	claims := jwt.MapClaims{
		"sub":  subject,
		"role": role,
		"jti":  uuid.NewString(),
		"iat":  jwt.NewNumericDate(now),
		"exp":  jwt.NewNumericDate(now.Add(s.jwtTTL)),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.jwtSecret)
}

// ValidateJWT verifies a token and returns its claims.
func (s *Service) ValidateJWT(ctx context.Context, tokenStr string) (*Claims, error) {
	token, err := jwt.Parse(tokenStr, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("auth: unexpected signing method: %v", t.Header["alg"])
		}
		return s.jwtSecret, nil
	}, jwt.WithTimeFunc(s.now))
	if err != nil || !token.Valid {
		return nil, ErrInvalidToken
	}

	mc, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, ErrInvalidToken
	}
	sub, _ := mc["sub"].(string)
	role, _ := mc["role"].(string)
	jti, _ := mc["jti"].(string)
	if sub == "" || role == "" || jti == "" {
		return nil, ErrInvalidToken
	}
	iat, _ := mc.GetIssuedAt()
	exp, _ := mc.GetExpirationTime()
	if iat == nil || exp == nil {
		return nil, ErrInvalidToken
	}

	if s.rdb != nil {
		n, err := s.rdb.Exists(ctx, revokedKey(jti)).Result()
		if err != nil {
			return nil, fmt.Errorf("auth: check revocation: %w", err)
		}
		if n > 0 {
			return nil, ErrRevoked
		}
	}

	return &Claims{
		Subject:   sub,
		Role:      role,
		TokenID:   jti,
		IssuedAt:  iat.Time,
		ExpiresAt: exp.Time,
	}, nil
}

// Revoke blocks the token described by c until it expires.
func (s *Service) Revoke(ctx context.Context, c *Claims) error {
	if s.rdb == nil {
		return fmt.Errorf("auth: revocation store not configured")
	}
	ttl := c.ExpiresAt.Sub(s.now())
	if ttl <= 0 {
		return nil
	}
	if err := s.rdb.Set(ctx, revokedKey(c.TokenID), c.Subject, ttl).Err(); err != nil {
		return fmt.Errorf("auth: store revocation: %w", err)
	}
	return nil
}

// revokedKey returns the Redis key for a revoked token id.
func revokedKey(jti string) string {
	return "auth:revoked:" + jti
}

// --- JWT Middleware ---

type contextKey string

const claimsKey contextKey = "claims"

// JWTMiddleware returns a Chi middleware that validates JWT tokens from the
// Authorization header and injects Claims into the request context.
// Invalid or missing tokens result in a 401 response.
func (s *Service) JWTMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		if header == "" || !strings.HasPrefix(header, "Bearer ") {
			http.Error(w, `{"error":{"code":"UNAUTHORIZED","message":"missing or invalid authorization header"}}`, http.StatusUnauthorized)
			return
		}

		tokenStr := strings.TrimPrefix(header, "Bearer ")
		claims, err := s.ValidateJWT(r.Context(), tokenStr)
		if err != nil {
			http.Error(w, `{"error":{"code":"UNAUTHORIZED","message":"invalid or expired token"}}`, http.StatusUnauthorized)
			return
		}

		ctx := context.WithValue(r.Context(), claimsKey, claims)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequireRole rejects requests whose token does not carry one of roles. It
// must run after JWTMiddleware.
func RequireRole(roles ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			c := ClaimsFromContext(r.Context())
			if c != nil {
				for _, role := range roles {
					if c.Role == role {
						next.ServeHTTP(w, r)
						return
					}
				}
			}
			http.Error(w, `{"error":{"code":"FORBIDDEN","message":"role not allowed"}}`, http.StatusForbidden)
		})
	}
}

// ClaimsFromContext extracts Claims from the request context.
// Returns nil if no claims are present.
func ClaimsFromContext(ctx context.Context) *Claims {
	claims, _ := ctx.Value(claimsKey).(*Claims)
	return claims
}
