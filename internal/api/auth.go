package api

import (
	"net/http"
	"strings"
	"sync"

	"github.com/filegate/filegate/internal/model"
	"github.com/filegate/filegate/pkg/fgerr"
)

// apiKeyHeader carries the API key; an Authorization: Bearer token is
// accepted when this header is absent.
const apiKeyHeader = "x-fs-api-key"

// StaticAuthenticator maps API keys to principals. It stands in for the
// external identity layer; the gateway core only consumes Principal.
type StaticAuthenticator struct {
	mu         sync.RWMutex
	principals map[string]model.Principal
}

// NewStaticAuthenticator creates an empty key table.
func NewStaticAuthenticator() *StaticAuthenticator {
	return &StaticAuthenticator{principals: make(map[string]model.Principal)}
}

// AddKey binds an API key to a principal.
func (a *StaticAuthenticator) AddKey(key string, principal model.Principal) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.principals[key] = principal
}

// Authenticate resolves the bearer token or API-key header.
func (a *StaticAuthenticator) Authenticate(r *http.Request) (model.Principal, error) {
	key := r.Header.Get(apiKeyHeader)
	if key == "" {
		if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
			key = strings.TrimPrefix(auth, "Bearer ")
		}
	}
	if key == "" {
		return model.Principal{}, fgerr.New(fgerr.KindForbidden, "missing credentials")
	}

	a.mu.RLock()
	principal, ok := a.principals[key]
	a.mu.RUnlock()
	if !ok {
		return model.Principal{}, fgerr.New(fgerr.KindForbidden, "unknown API key")
	}
	return principal, nil
}
