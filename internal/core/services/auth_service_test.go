package services

import (
	"testing"
	"time"

	"notecollab/internal/core/domain"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "test-secret-that-is-long-enough-for-hs256"

func newTestValidator() *TokenValidator {
	return NewTokenValidator(TokenValidatorConfig{
		Secret:         testSecret,
		Audience:       "authenticated",
		MinTokenLength: 32,
	})
}

func TestTokenValidator_Valid(t *testing.T) {
	v := newTestValidator()
	token, err := v.IssueToken("user-1", "ada@lab.example", map[string]any{"full_name": "Ada Lovelace"}, time.Minute)
	require.NoError(t, err)

	identity, err := v.Validate(token)
	require.NoError(t, err)
	assert.Equal(t, domain.UserID("user-1"), identity.ID)
	assert.Equal(t, "ada@lab.example", identity.Email)
	assert.Equal(t, "Ada Lovelace", identity.DisplayName)
	assert.Equal(t, domain.PresenceColor("user-1"), identity.Color)
}

func TestTokenValidator_DisplayNameFallbacks(t *testing.T) {
	v := newTestValidator()
	tests := []struct {
		name     string
		email    string
		metadata map[string]any
		want     string
	}{
		{"name", "x@y.z", map[string]any{"name": "Grace"}, "Grace"},
		{"full name wins", "x@y.z", map[string]any{"name": "G", "full_name": "Grace Hopper"}, "Grace Hopper"},
		{"email local part", "marie@lab.example", nil, "marie"},
		{"anonymous", "", nil, "Anonymous"},
		{"blank metadata", "rosalind@lab.example", map[string]any{"full_name": "  "}, "rosalind"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			token, err := v.IssueToken("user-2", tt.email, tt.metadata, time.Minute)
			require.NoError(t, err)
			identity, err := v.Validate(token)
			require.NoError(t, err)
			assert.Equal(t, tt.want, identity.DisplayName)
		})
	}
}

func TestTokenValidator_Expired(t *testing.T) {
	v := newTestValidator()
	token, err := v.IssueToken("user-1", "a@b.c", nil, -time.Minute)
	require.NoError(t, err)

	_, err = v.Validate(token)
	assert.ErrorIs(t, err, domain.ErrExpiredToken)
	assert.NotErrorIs(t, err, domain.ErrInvalidToken)
}

func TestTokenValidator_Invalid(t *testing.T) {
	v := newTestValidator()
	other := NewTokenValidator(TokenValidatorConfig{Secret: "another-secret-entirely-0123456789abc", Audience: "authenticated"})
	foreign, err := other.IssueToken("user-1", "a@b.c", nil, time.Minute)
	require.NoError(t, err)

	wrongAudience := NewTokenValidator(TokenValidatorConfig{Secret: testSecret, Audience: "service_role"})
	serviceToken, err := wrongAudience.IssueToken("user-1", "a@b.c", nil, time.Minute)
	require.NoError(t, err)

	noSubject := jwt.NewWithClaims(jwt.SigningMethodHS256, &Claims{RegisteredClaims: jwt.RegisteredClaims{
		Audience:  jwt.ClaimStrings{"authenticated"},
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Minute)),
	}})
	noSubjectToken, err := noSubject.SignedString([]byte(testSecret))
	require.NoError(t, err)

	noExpiry := jwt.NewWithClaims(jwt.SigningMethodHS256, &Claims{RegisteredClaims: jwt.RegisteredClaims{
		Subject:  "user-1",
		Audience: jwt.ClaimStrings{"authenticated"},
	}})
	noExpiryToken, err := noExpiry.SignedString([]byte(testSecret))
	require.NoError(t, err)

	noneAlg := jwt.NewWithClaims(jwt.SigningMethodNone, &Claims{RegisteredClaims: jwt.RegisteredClaims{
		Subject:   "user-1",
		Audience:  jwt.ClaimStrings{"authenticated"},
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Minute)),
	}})
	noneToken, err := noneAlg.SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	tests := map[string]string{
		"empty":           "",
		"too short":       "abc.def.ghi",
		"garbage":         "this-is-definitely-not-a-jwt-but-it-is-long",
		"wrong secret":    foreign,
		"wrong audience":  serviceToken,
		"missing subject": noSubjectToken,
		"missing expiry":  noExpiryToken,
		"alg none":        noneToken,
	}
	for name, token := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := v.Validate(token)
			assert.ErrorIs(t, err, domain.ErrInvalidToken)
		})
	}
}
