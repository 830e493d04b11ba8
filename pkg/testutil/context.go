package testutil

import (
	"context"
	"net/http"

	id "payplan/pkg/domain"
	"payplan/pkg/platform/middleware/admin"
	"payplan/pkg/requestcontext"
)

// WithAdmin sets the admin token and initiator headers the admin routes expect.
func WithAdmin(req *http.Request, token string, initiator id.UserID) *http.Request {
	req.Header.Set(admin.HeaderAdminToken, token)
	if !initiator.IsNil() {
		req.Header.Set("X-Initiator-ID", initiator.String())
	}
	return req
}

// WithRequestID simulates the request middleware for handler tests that bypass the router.
func WithRequestID(req *http.Request, requestID string) *http.Request {
	return req.WithContext(requestcontext.WithRequestID(req.Context(), requestID))
}

// WithContextValue adds an arbitrary key-value pair to the request context.
func WithContextValue(req *http.Request, key, value any) *http.Request {
	ctx := context.WithValue(req.Context(), key, value)
	return req.WithContext(ctx)
}
