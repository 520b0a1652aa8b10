package access

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/gorilla/mux"

	"github.com/clesyde/lyvo/core/logger"
)

// Claims are the claims of a bearer token issued for the local API
type Claims struct {
	Roles []string `json:"roles"`
	jwt.RegisteredClaims
}

// NewToken creates a signed HS256 bearer token for subject with the given roles.
// A validity of zero creates a token which never expires.
func NewToken(secret []byte, issuer, subject string, roles []string, validity time.Duration) (string, error) {
	if len(secret) == 0 {
		return "", errors.New("token secret is missing")
	}
	now := time.Now()
	claims := Claims{
		Roles: roles,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:   issuer,
			Subject:  subject,
			IssuedAt: jwt.NewNumericDate(now),
		},
	}
	if validity != 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(validity))
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
}

// JwtMiddlewareBuilder is a helper builder for JwtMiddelware
type JwtMiddlewareBuilder struct {
	// Secret is the HMAC secret used to sign tokens. This is mandatory.
	Secret []byte
	// Issuer is the accepted issuer for the token. This is mandatory.
	Issuer string
}

// ParseToken verifies tokenString and returns its authorization
func (jmb *JwtMiddlewareBuilder) ParseToken(tokenString string) (*Authorization, error) {
	claims := Claims{}
	token, err := jwt.ParseWithClaims(tokenString, &claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", token.Header["alg"])
		}
		return jmb.Secret, nil
	})
	if err != nil {
		return nil, err
	}
	if !token.Valid || claims.Issuer != jmb.Issuer {
		return nil, errors.New("invalid token")
	}
	return &Authorization{Subject: claims.Subject, Roles: claims.Roles}, nil
}

// NewJwtMiddelware returns a middleware handler to validate
// JWT bearer token.
//
// Tokens are accepted as "Authorization: Bearer" header. Requests without token
// pass through without authorization; requests with an invalid token are rejected
// with http.StatusUnauthorized.
func NewJwtMiddelware(jmb *JwtMiddlewareBuilder) mux.MiddlewareFunc {
	if len(jmb.Secret) == 0 {
		panic("jwt secret is missing")
	}
	if len(jmb.Issuer) == 0 {
		panic("jwt issuer is missing")
	}

	authCache := NewAuthorizationCache()

	return func(h http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			auth := AuthorizationFromContext(r.Context())
			if auth != nil { // already authorized?
				h.ServeHTTP(w, r)
				return
			}

			tokenString := ""
			bearer := r.Header.Get("Authorization")
			if len(bearer) >= 8 && strings.ToLower(bearer[:7]) == "bearer " {
				tokenString = bearer[7:]
			}
			if len(tokenString) == 0 {
				h.ServeHTTP(w, r) // no token no auth, moving on
				return
			}

			auth = authCache.Read(tokenString)
			if auth == nil {
				var err error
				auth, err = jmb.ParseToken(tokenString)
				if err != nil {
					logger.FromContext(r.Context()).WithError(err).Debugln("rejected bearer token")
					http.Error(w, "invalid token", http.StatusUnauthorized)
					return
				}
				// expiring tokens are verified on every request
				if ok, _ := tokenExpires(tokenString); !ok {
					authCache.Write(tokenString, auth)
				}
			}

			ctx, _ := logger.ContextWithLoggerIdentity(r.Context(), auth.Subject)
			r = r.WithContext(ContextWithAuthorization(ctx, auth))
			h.ServeHTTP(w, r)
		})
	}
}

func tokenExpires(tokenString string) (bool, error) {
	claims := Claims{}
	_, _, err := new(jwt.Parser).ParseUnverified(tokenString, &claims)
	if err != nil {
		return false, err
	}
	return claims.ExpiresAt != nil, nil
}
