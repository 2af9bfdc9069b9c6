// Package admin is the back-office API: journals, documents, the event queue,
// reconciliation exceptions, device registry, and intercompany transfers.
package admin

import (
	"crypto/subtle"
	"net/http"

	"github.com/google/uuid"

	"github.com/cedarledger/cedarledger/internal/platform/httpx"
	"github.com/cedarledger/cedarledger/internal/tenant"
)

// HeaderAPIKey and HeaderCompanyID authenticate and scope admin requests.
const (
	HeaderAPIKey    = "X-Api-Key"
	HeaderCompanyID = "X-Company-Id"
)

// RequireAPIKey rejects every request unless the configured key matches.
// An empty configured key locks the surface entirely.
func RequireAPIKey(key string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if key == "" {
				httpx.Problem(w, http.StatusServiceUnavailable, "Admin API Disabled", "no admin API key configured")
				return
			}
			presented := r.Header.Get(HeaderAPIKey)
			if subtle.ConstantTimeCompare([]byte(presented), []byte(key)) != 1 {
				httpx.Problem(w, http.StatusUnauthorized, "Unauthorized", "invalid API key")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// RequireCompany resolves the tenant scope from the company header. Cross-
// company endpoints opt out individually.
func RequireCompany(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		companyID, err := uuid.Parse(r.Header.Get(HeaderCompanyID))
		if err != nil {
			httpx.Problem(w, http.StatusBadRequest, "Bad Request", "X-Company-Id header required")
			return
		}
		scope, err := tenant.NewScope(companyID)
		if err != nil {
			httpx.Problem(w, http.StatusBadRequest, "Bad Request", err.Error())
			return
		}
		next.ServeHTTP(w, r.WithContext(tenant.ContextWithScope(r.Context(), scope)))
	})
}
