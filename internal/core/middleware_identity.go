package core

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"reviewdesk/internal/types"
)

const (
	defaultIdentityHeader = "X-Account-Id"
	adminKeyHeader        = "X-Admin-Key"
)

// RequireAccount reads the authenticated account id set by the identity
// proxy and stores it in the request context. Requests without it are
// rejected with 401.
func (s *Server) RequireAccount(next http.Handler) http.Handler {
	header := defaultIdentityHeader
	if s.Config != nil && s.Config.Security.IdentityHeader != "" {
		header = s.Config.Security.IdentityHeader
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		accountID := strings.TrimSpace(r.Header.Get(header))
		if accountID == "" {
			Error(w, r, types.NewAppError(types.ErrCodeAuthIdentityMissing, "authenticated account is required", nil))
			return
		}

		ctx := types.WithAccountID(r.Context(), accountID)
		logger := types.LoggerFromContext(ctx, s.Logger).With("account_id", accountID)
		ctx = types.WithLogger(ctx, logger)

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequireAdmin guards operator endpoints with the configured admin API key,
// compared in constant time.
func (s *Server) RequireAdmin(next http.Handler) http.Handler {
	var expected []byte
	if s.Config != nil {
		expected = []byte(s.Config.Security.AdminAPIKey.Unmask())
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		provided := []byte(r.Header.Get(adminKeyHeader))
		if len(expected) == 0 || subtle.ConstantTimeCompare(provided, expected) != 1 {
			s.Logger.WarnContext(r.Context(), "admin key rejected",
				"path", r.URL.Path,
				"remote_addr", r.RemoteAddr,
			)
			Error(w, r, types.NewAppError(types.ErrCodeAuthAdminKeyInvalid, "invalid admin key", nil))
			return
		}
		next.ServeHTTP(w, r)
	})
}
