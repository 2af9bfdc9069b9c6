package devices

import (
	"context"
	"net/http"

	"github.com/google/uuid"

	"github.com/cedarledger/cedarledger/internal/platform/httpx"
	"github.com/cedarledger/cedarledger/internal/tenant"
)

// Header names used by terminal sync calls.
const (
	HeaderDeviceID    = "X-Device-Id"
	HeaderDeviceToken = "X-Device-Token"
)

type deviceContextKey struct{}

// ContextWithDevice stores the authenticated device in context.
func ContextWithDevice(ctx context.Context, device Device) context.Context {
	return context.WithValue(ctx, deviceContextKey{}, device)
}

// FromContext extracts the authenticated device from context.
func FromContext(ctx context.Context) (Device, bool) {
	device, ok := ctx.Value(deviceContextKey{}).(Device)
	return device, ok
}

// RequireDevice authenticates the device headers and binds the tenant scope
// for the request. The device row is the single source of the company id; a
// client-supplied company is never trusted.
func (s *Service) RequireDevice(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, err := uuid.Parse(r.Header.Get(HeaderDeviceID))
		if err != nil {
			httpx.Problem(w, http.StatusUnauthorized, "Unauthorized", "missing or malformed device id")
			return
		}
		device, err := s.Authenticate(r.Context(), id, r.Header.Get(HeaderDeviceToken))
		if err != nil {
			httpx.Problem(w, http.StatusUnauthorized, "Unauthorized", "device authentication failed")
			return
		}
		scope, err := tenant.NewScope(device.CompanyID)
		if err != nil {
			httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "")
			return
		}
		ctx := ContextWithDevice(r.Context(), device)
		ctx = tenant.ContextWithScope(ctx, scope)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
