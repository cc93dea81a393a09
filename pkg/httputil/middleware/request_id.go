package middleware

import (
	"context"
	"net/http"

	"github.com/edgeflare/restbuddy/pkg/httputil"
	"github.com/google/uuid"
)

const RequestIDHeader = "X-Request-Id"

// RequestID assigns each request an id: one already in the context, a valid UUID from
// the X-Request-Id header, or a new one. The id is echoed in the response header.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := httputil.RequestID(r)
		if reqID == "" {
			if h := r.Header.Get(RequestIDHeader); h != "" {
				if _, err := uuid.Parse(h); err == nil {
					reqID = h
				}
			}
		}
		if reqID == "" {
			reqID = uuid.New().String()
		}

		ctx := context.WithValue(r.Context(), httputil.RequestIDCtxKey, reqID)
		w.Header().Set(RequestIDHeader, reqID)

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
