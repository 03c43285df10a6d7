package authorize

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/middleware"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
)

// BearerToken extracts the token from an Authorization header of the form
// "Bearer <token>". The scheme is matched case-insensitively.
func BearerToken(header string) (string, error) {
	auth := strings.SplitN(strings.TrimSpace(header), " ", 2)
	if len(auth) != 2 || strings.ToLower(auth[0]) != "bearer" {
		return "", &UnauthenticatedError{Reason: ReasonMissingBearer}
	}
	token := strings.TrimSpace(auth[1])
	if len(token) == 0 {
		return "", &UnauthenticatedError{Reason: ReasonMissingBearer}
	}
	return token, nil
}

// NewAuthorizeHandler verifies the Authorization header with v and passes
// the request on to next with the credential stored in its context.
// Rejected requests are answered with 401 and the public reason only.
func NewAuthorizeHandler(logger log.Logger, v Verifier, next http.Handler) http.Handler {
	logger = log.With(logger, "component", "authorize")
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		c, err := v.Verify(req.Context(), req.Header.Get("Authorization"))
		if err != nil {
			var uerr *UnauthenticatedError
			if !errors.As(err, &uerr) {
				uerr = InvalidToken(err)
			}
			level.Debug(logger).Log("msg", "request unauthenticated", "request_id", middleware.GetReqID(req.Context()), "err", err)

			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(uerr.HTTPStatusCode())
			_ = json.NewEncoder(w).Encode(map[string]string{"error": "unauthenticated", "detail": uerr.Reason})
			return
		}
		next.ServeHTTP(w, req.WithContext(WithCredential(req.Context(), c)))
	})
}
