// Package rest provides the HTTP REST API for the Nexus SIEM dashboard.
// This file implements RS256 JWT bearer-token authentication middleware.
//
// All requests to protected routes must include an Authorization header:
//
//	Authorization: Bearer <compact-JWT>
//
// Only RS256-signed tokens are accepted; the signature is verified against
// the configured RSA public key and the standard time claims are enforced.
// On any failure the middleware responds with HTTP 401 and a JSON error
// body; it does not call the next handler.
package rest

import (
	"context"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// contextKey is an unexported type used for context keys in this package to
// avoid collisions with keys defined in other packages.
type contextKey int

const claimsKey contextKey = 0

// Claims holds the verified JWT payload injected into the request context on
// successful authentication. Downstream handlers retrieve it with
// ClaimsFromContext.
type Claims struct {
	jwt.RegisteredClaims
}

// ClaimsFromContext retrieves the verified Claims injected by JWTMiddleware.
// It returns nil when no claims are present (unauthenticated request or
// middleware not in the chain).
func ClaimsFromContext(ctx context.Context) *Claims {
	c, _ := ctx.Value(claimsKey).(*Claims)
	return c
}

// ParseRSAPublicKey decodes a PEM block and parses an RSA public key.
// It accepts both PKCS#1 ("RSA PUBLIC KEY") and PKIX ("PUBLIC KEY") encodings.
func ParseRSAPublicKey(pemData []byte) (*rsa.PublicKey, error) {
	block, _ := pem.Decode(pemData)
	if block == nil {
		return nil, errors.New("jwt: no PEM block found in public key data")
	}
	switch block.Type {
	case "RSA PUBLIC KEY":
		key, err := x509.ParsePKCS1PublicKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("jwt: PKCS#1 parse error: %w", err)
		}
		return key, nil
	case "PUBLIC KEY":
		key, err := x509.ParsePKIXPublicKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("jwt: PKIX parse error: %w", err)
		}
		rsaKey, ok := key.(*rsa.PublicKey)
		if !ok {
			return nil, errors.New("jwt: public key is not an RSA key")
		}
		return rsaKey, nil
	default:
		return nil, fmt.Errorf("jwt: unsupported PEM type %q", block.Type)
	}
}

// JWTMiddleware returns a chi-compatible middleware enforcing RS256 JWT
// bearer-token authentication against pub. On success the verified Claims
// are stored in the request context and the request is forwarded.
func JWTMiddleware(pub *rsa.PublicKey) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims, err := extractAndValidate(r, pub)
			if err != nil {
				writeError(w, http.StatusUnauthorized, "unauthorized")
				return
			}
			ctx := context.WithValue(r.Context(), claimsKey, claims)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// extractAndValidate parses the Authorization header, verifies the RS256
// signature and the standard time claims, and returns the verified payload.
func extractAndValidate(r *http.Request, pub *rsa.PublicKey) (*Claims, error) {
	raw := r.Header.Get("Authorization")
	if !strings.HasPrefix(raw, "Bearer ") {
		return nil, errors.New("missing or malformed Authorization header")
	}
	token := strings.TrimPrefix(raw, "Bearer ")
	if token == "" {
		return nil, errors.New("empty bearer token")
	}

	var claims Claims
	_, err := jwt.ParseWithClaims(token, &claims,
		func(*jwt.Token) (any, error) { return pub, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}))
	if err != nil {
		return nil, fmt.Errorf("verify token: %w", err)
	}
	return &claims, nil
}
