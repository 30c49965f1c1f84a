package services

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"notecollab/internal/core/domain"

	"github.com/golang-jwt/jwt/v5"
)

// Claims is the token payload issued by the identity provider.
type Claims struct {
	Email        string         `json:"email,omitempty"`
	Role         string         `json:"role,omitempty"`
	UserMetadata map[string]any `json:"user_metadata,omitempty"`
	jwt.RegisteredClaims
}

type TokenValidatorConfig struct {
	Secret         string
	Audience       string
	MinTokenLength int
	Leeway         time.Duration
}

// TokenValidator verifies HS256 bearer tokens. It is stateless and never
// retries.
type TokenValidator struct {
	secret   []byte
	audience string
	minLen   int
	parser   *jwt.Parser
}

func NewTokenValidator(cfg TokenValidatorConfig) *TokenValidator {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg(), jwt.SigningMethodHS384.Alg(), jwt.SigningMethodHS512.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(cfg.Leeway),
	}
	if cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(cfg.Audience))
	}

	return &TokenValidator{
		secret:   []byte(cfg.Secret),
		audience: cfg.Audience,
		minLen:   cfg.MinTokenLength,
		parser:   jwt.NewParser(opts...),
	}
}

// Validate returns the identity carried by token. Errors wrap
// domain.ErrExpiredToken when the client should refresh and
// domain.ErrInvalidToken otherwise.
func (v *TokenValidator) Validate(tokenString string) (domain.UserIdentity, error) {
	if tokenString == "" {
		return domain.UserIdentity{}, fmt.Errorf("%w: empty token", domain.ErrInvalidToken)
	}
	if len(tokenString) < v.minLen {
		return domain.UserIdentity{}, fmt.Errorf("%w: token too short", domain.ErrInvalidToken)
	}

	claims := &Claims{}
	token, err := v.parser.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, domain.ErrInvalidToken
		}
		return v.secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return domain.UserIdentity{}, domain.ErrExpiredToken
		}
		return domain.UserIdentity{}, fmt.Errorf("%w: %v", domain.ErrInvalidToken, err)
	}
	if !token.Valid {
		return domain.UserIdentity{}, domain.ErrInvalidToken
	}
	if claims.Subject == "" {
		return domain.UserIdentity{}, fmt.Errorf("%w: missing subject", domain.ErrInvalidToken)
	}

	return identityFromClaims(claims), nil
}

func identityFromClaims(claims *Claims) domain.UserIdentity {
	id := domain.UserID(claims.Subject)
	return domain.UserIdentity{
		ID:          id,
		Email:       claims.Email,
		DisplayName: displayName(claims),
		Color:       domain.PresenceColor(id),
	}
}

func displayName(claims *Claims) string {
	for _, key := range []string{"full_name", "name"} {
		if name, ok := claims.UserMetadata[key].(string); ok && strings.TrimSpace(name) != "" {
			return strings.TrimSpace(name)
		}
	}
	if local, _, ok := strings.Cut(claims.Email, "@"); ok && local != "" {
		return local
	}
	return "Anonymous"
}

// IssueToken signs claims with the validator's secret. The identity provider
// issues tokens in production; this is used by tests and local tooling.
func (v *TokenValidator) IssueToken(userID domain.UserID, email string, metadata map[string]any, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := &Claims{
		Email:        email,
		Role:         "authenticated",
		UserMetadata: metadata,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   string(userID),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
		},
	}
	if v.audience != "" {
		claims.Audience = jwt.ClaimStrings{v.audience}
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(v.secret)
}
