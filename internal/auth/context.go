package auth

import (
	"context"
	"slices"
)

type claimsKey struct{}

// Scopes a token may carry. A token without scopes is unrestricted.
const (
	ScopeChargesWrite         = "charges:write"
	ScopeSettlementsWrite     = "settlements:write"
	ScopeReconciliationsWrite = "reconciliations:write"
)

func ContextWithClaims(ctx context.Context, c *Claims) context.Context {
	return context.WithValue(ctx, claimsKey{}, c)
}

func ContextWithMerchantID(ctx context.Context, id string) context.Context {
	return ContextWithClaims(ctx, &Claims{MerchantID: id})
}

func ClaimsFromContext(ctx context.Context) (*Claims, bool) {
	c, ok := ctx.Value(claimsKey{}).(*Claims)
	return c, ok && c != nil
}

func MerchantIDFromContext(ctx context.Context) (string, bool) {
	c, ok := ClaimsFromContext(ctx)
	if !ok || c.MerchantID == "" {
		return "", false
	}
	return c.MerchantID, true
}

func (c *Claims) Allows(scope string) bool {
	return len(c.Scopes) == 0 || slices.Contains(c.Scopes, scope)
}
