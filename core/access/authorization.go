/*Package access provides utilities for access control of the local REST API
 */
package access

import (
	"context"
	"net/http"
	"sync"

	"github.com/goccy/go-json"
	"github.com/gorilla/mux"

	"github.com/clesyde/lyvo/core/logger"
)

// contextKey is the type for context keys. Go linter does not like plain strings
type contextKey string

// the predefined context key
const (
	contextKeyAuthorization contextKey = "_authorization_"
)

// Roles known to the agent
const (
	// RoleAdmin may do everything, including config entry and flow management
	RoleAdmin = "admin"
	// RoleUser may read states and call services
	RoleUser = "user"
	// RoleThing is a device fetching its credentials from the development cloud
	RoleThing = "thing"
)

/*Authorization is a context object which stores authorization information
for users and tools talking to the agent.

Authorizations are added to a request context with

  ctx = auth.ContextWithAuthorization(ctx)

and retrieved with

  auth := AuthorizationFromContext(ctx)
*/
type Authorization struct {
	Subject string   `json:"subject,omitempty"`
	Roles   []string `json:"roles"`
}

// HasRole returns true if the authorization contains the requested role;
// otherwise it returns false.
func (a *Authorization) HasRole(role string) bool {
	if a == nil || a.Roles == nil {
		return false
	}
	for _, hasRole := range a.Roles {
		if role == hasRole {
			return true
		}
	}
	return false
}

// HasAnyRole returns true if the authorization contains at least one of roles
func (a *Authorization) HasAnyRole(roles ...string) bool {
	for _, role := range roles {
		if a.HasRole(role) {
			return true
		}
	}
	return false
}

// ContextWithAuthorization returns a new context with this authorization added to it
func (a *Authorization) ContextWithAuthorization(ctx context.Context) context.Context {
	return context.WithValue(ctx, contextKeyAuthorization, a)
}

// ContextWithAuthorization returns a new context with auth added to it
func ContextWithAuthorization(ctx context.Context, auth *Authorization) context.Context {
	return context.WithValue(ctx, contextKeyAuthorization, auth)
}

// AuthorizationFromContext retrieves an authorization from the context
func AuthorizationFromContext(ctx context.Context) *Authorization {
	a, ok := ctx.Value(contextKeyAuthorization).(*Authorization)
	if ok {
		return a
	}
	return nil
}

// AuthorizationCache is an in-memory cache for authorizations. It is used by
// jwt middleware to cache authorization objects for bearer tokens, so that a
// token is only parsed and verified once.
type AuthorizationCache struct {
	mutex sync.RWMutex
	cache map[string]*Authorization
}

// NewAuthorizationCache creates a new authorization cache
func NewAuthorizationCache() *AuthorizationCache {
	return &AuthorizationCache{cache: make(map[string]*Authorization)}
}

// Read returns an authorization from in-process cache.
// This function is go-route safe
func (a *AuthorizationCache) Read(token string) *Authorization {
	a.mutex.RLock()
	auth, ok := a.cache[token]
	a.mutex.RUnlock()
	if ok {
		return auth
	}
	return nil
}

// Write stores an authorization in the in-memory cache.
// This function is go-route safe
func (a *AuthorizationCache) Write(token string, auth *Authorization) {
	a.mutex.Lock()
	a.cache[token] = auth
	a.mutex.Unlock()
}

// RequireRoles returns a middleware which rejects requests whose authorization
// has none of the given roles.
func RequireRoles(roles ...string) mux.MiddlewareFunc {
	return func(h http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			auth := AuthorizationFromContext(r.Context())
			if auth == nil {
				http.Error(w, "not authorized", http.StatusUnauthorized)
				return
			}
			if !auth.HasAnyRole(roles...) {
				logger.FromContext(r.Context()).Warnf("%s lacks roles %v for %s", auth.Subject, roles, r.URL.Path)
				http.Error(w, "not authorized", http.StatusForbidden)
				return
			}
			h.ServeHTTP(w, r)
		})
	}
}

// HandleAuthorizationRoute adds a route /api/authorization GET to the router
//
// The route returns the current authorization for provided bearer token.
func HandleAuthorizationRoute(router *mux.Router) {
	logger.Default().Debugln("authorization")
	logger.Default().Debugln("  handle route: /api/authorization GET")
	router.HandleFunc("/api/authorization", func(w http.ResponseWriter, r *http.Request) {
		auth := AuthorizationFromContext(r.Context())
		if auth == nil {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		jsonData, _ := json.MarshalIndent(auth, "", " ")
		w.Header().Set("Content-Type", "application/json")
		w.Write(jsonData)
	}).Methods(http.MethodGet)
}
