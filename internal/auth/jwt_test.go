package auth

import (
	"context"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "test-jwt-secret"

func TestGenerateAndValidateToken(t *testing.T) {
	token, err := GenerateToken("merchant-1", []string{ScopeChargesWrite, ScopeSettlementsWrite}, testSecret, 24*time.Hour)
	require.NoError(t, err)
	require.NotEmpty(t, token)

	claims, err := ValidateToken(token, testSecret)
	require.NoError(t, err)
	assert.Equal(t, "merchant-1", claims.MerchantID)
	assert.Equal(t, []string{ScopeChargesWrite, ScopeSettlementsWrite}, claims.Scopes)
}

func TestValidateToken(t *testing.T) {
	validToken, err := GenerateToken("merchant-1", nil, testSecret, 24*time.Hour)
	require.NoError(t, err)

	expiredToken, err := GenerateToken("merchant-1", nil, testSecret, -1*time.Hour)
	require.NoError(t, err)

	tests := []struct {
		name      string
		token     string
		secret    string
		wantErrIs error
	}{
		{
			name:      "expired token",
			token:     expiredToken,
			secret:    testSecret,
			wantErrIs: jwt.ErrTokenExpired,
		},
		{
			name:      "wrong secret",
			token:     validToken,
			secret:    "wrong-secret",
			wantErrIs: jwt.ErrTokenSignatureInvalid,
		},
		{
			name:      "malformed token",
			token:     "not.a.valid.jwt",
			secret:    testSecret,
			wantErrIs: jwt.ErrTokenMalformed,
		},
		{
			name:      "empty token",
			token:     "",
			secret:    testSecret,
			wantErrIs: jwt.ErrTokenMalformed,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ValidateToken(tc.token, tc.secret)
			require.Error(t, err)
			assert.ErrorIs(t, err, tc.wantErrIs)
		})
	}
}

func TestValidateToken_RejectsMissingMerchant(t *testing.T) {
	token, err := GenerateToken("", nil, testSecret, time.Hour)
	require.NoError(t, err)

	_, err = ValidateToken(token, testSecret)
	require.ErrorIs(t, err, errMissingMerchant)
}

func TestValidateToken_RejectsForeignIssuer(t *testing.T) {
	claims := tokenClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "someone-else",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
		MerchantID: "merchant-1",
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSecret))
	require.NoError(t, err)

	_, err = ValidateToken(signed, testSecret)
	require.ErrorIs(t, err, jwt.ErrTokenInvalidIssuer)
}

func TestValidateToken_RejectsNonHMAC(t *testing.T) {
	// Algorithm confusion: a token signed with "none" should be rejected
	claims := tokenClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(24 * time.Hour)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
		MerchantID: "merchant-1",
	}
	token := jwt.NewWithClaims(jwt.SigningMethodNone, claims)
	signed, err := token.SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	_, err = ValidateToken(signed, testSecret)
	require.Error(t, err)
}

func TestMerchantIDContext(t *testing.T) {
	_, ok := MerchantIDFromContext(context.Background())
	assert.False(t, ok)

	ctx := ContextWithMerchantID(context.Background(), "merchant-9")
	id, ok := MerchantIDFromContext(ctx)
	assert.True(t, ok)
	assert.Equal(t, "merchant-9", id)
}

func TestClaimsAllows(t *testing.T) {
	tests := []struct {
		name   string
		scopes []string
		scope  string
		want   bool
	}{
		{name: "unscoped token", scopes: nil, scope: ScopeChargesWrite, want: true},
		{name: "granted", scopes: []string{ScopeChargesWrite}, scope: ScopeChargesWrite, want: true},
		{name: "not granted", scopes: []string{ScopeChargesWrite}, scope: ScopeSettlementsWrite, want: false},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			c := &Claims{MerchantID: "merchant-1", Scopes: tc.scopes}
			assert.Equal(t, tc.want, c.Allows(tc.scope))
		})
	}
}
