package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const issuer = "turbofy-gateway"

// Claims identify the merchant an operator token acts for.
type Claims struct {
	MerchantID string
	Scopes     []string
}

type tokenClaims struct {
	jwt.RegisteredClaims
	MerchantID string `json:"merchant_id"`
	Scope      string `json:"scope,omitempty"`
}

func GenerateToken(merchantID string, scopes []string, secret string, expiry time.Duration) (string, error) {
	now := time.Now()
	claims := tokenClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Subject:   merchantID,
			ExpiresAt: jwt.NewNumericDate(now.Add(expiry)),
			IssuedAt:  jwt.NewNumericDate(now),
		},
		MerchantID: merchantID,
		Scope:      strings.Join(scopes, " "),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		return "", fmt.Errorf("GenerateToken: %w", err)
	}
	return signed, nil
}

func ValidateToken(tokenString string, secret string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &tokenClaims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return []byte(secret), nil
	}, jwt.WithIssuer(issuer))
	if err != nil {
		return nil, fmt.Errorf("ValidateToken: %w", err)
	}

	tc, ok := token.Claims.(*tokenClaims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("ValidateToken: invalid token claims")
	}
	if strings.TrimSpace(tc.MerchantID) == "" {
		return nil, fmt.Errorf("ValidateToken: %w", errMissingMerchant)
	}

	var scopes []string
	if tc.Scope != "" {
		scopes = strings.Fields(tc.Scope)
	}
	return &Claims{
		MerchantID: tc.MerchantID,
		Scopes:     scopes,
	}, nil
}

var errMissingMerchant = errors.New("token carries no merchant_id")
