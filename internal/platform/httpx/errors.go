package httpx

import (
	"errors"
	"net/http"

	"github.com/cedarledger/cedarledger/internal/tenant"
)

// RespondError maps errors escaping a handler to problem responses. Tenant
// violations come back 403 so a misdirected terminal can be told apart from a
// server fault; everything else is an opaque 500 with the detail kept in the
// server log.
func RespondError(w http.ResponseWriter, err error) {
	if errors.Is(err, tenant.ErrViolation) {
		Problem(w, http.StatusForbidden, "Forbidden", "cross-company access denied")
		return
	}
	Problem(w, http.StatusInternalServerError, "Internal Error", "")
}
