/**
 * @description
 * This file contains custom middleware for the HTTP router. Grant tokens
 * authenticate third-party clients acting under an Open Payments grant; the
 * internal API key authenticates server-to-server calls.
 *
 * @dependencies
 * - github.com/golang-jwt/jwt/v5: For grant token validation.
 */

package api

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/transfa/outgoing-payment-service/internal/domain"
)

// GrantContextKey is a custom type for the context key to avoid collisions.
type GrantContextKey string

const grantClaimsKey GrantContextKey = "grantClaims"

// GrantClaims are carried by the grant token issued by the authorization server.
type GrantClaims struct {
	GrantID         string              `json:"grant_id"`
	WalletAddressID string              `json:"wallet_address_id,omitempty"`
	Client          string              `json:"client,omitempty"`
	Limits          *domain.GrantLimits `json:"limits,omitempty"`
	jwt.RegisteredClaims
}

// Grant converts the claims into the grant the service checks limits against.
func (c *GrantClaims) Grant() *domain.Grant {
	return &domain.Grant{ID: c.GrantID, Limits: c.Limits}
}

// GrantTokenMiddleware validates HS256 grant tokens signed with secret.
func GrantTokenMiddleware(secret string) func(http.Handler) http.Handler {
	key := []byte(secret)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				http.Error(w, "Authorization header required", http.StatusUnauthorized)
				return
			}

			tokenString := strings.TrimPrefix(authHeader, "Bearer ")
			if tokenString == authHeader {
				http.Error(w, "Invalid Authorization header format", http.StatusUnauthorized)
				return
			}

			claims, err := parseGrantToken(tokenString, key)
			if err != nil {
				http.Error(w, fmt.Sprintf("Invalid token: %v", err), http.StatusUnauthorized)
				return
			}

			ctx := context.WithValue(r.Context(), grantClaimsKey, claims)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func parseGrantToken(tokenString string, key []byte) (*GrantClaims, error) {
	if len(key) == 0 {
		return nil, errors.New("grant token secret is not configured")
	}

	claims := &GrantClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		return key, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return nil, err
	}
	if !token.Valid {
		return nil, errors.New("invalid token")
	}
	if strings.TrimSpace(claims.GrantID) == "" {
		return nil, errors.New("grant id not found in token")
	}
	return claims, nil
}

// GetGrantClaims retrieves the validated grant claims from the request context.
func GetGrantClaims(ctx context.Context) (*GrantClaims, bool) {
	claims, ok := ctx.Value(grantClaimsKey).(*GrantClaims)
	return claims, ok
}

// InternalAuthMiddleware validates the internal API key for server-to-server calls.
func InternalAuthMiddleware(requiredKey string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if requiredKey == "" {
				next.ServeHTTP(w, r)
				return
			}

			provided := r.Header.Get("X-Internal-API-Key")
			if provided == "" || subtle.ConstantTimeCompare([]byte(provided), []byte(requiredKey)) != 1 {
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
