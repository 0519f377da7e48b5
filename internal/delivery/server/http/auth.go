package http

import (
	"context"
	"net/http"
	"strings"

	"github.com/buildd-ai/buildd-sub004/internal/app/auth"
	"github.com/buildd-ai/buildd-sub004/internal/domain/account"
	id "github.com/buildd-ai/buildd-sub004/internal/shared/utils/id"
)

// bearerKey extracts the presented API key from the Authorization header or
// the api_key query parameter (used by EventSource clients that cannot set
// headers).
func bearerKey(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if header != "" {
		if strings.HasPrefix(strings.ToLower(header), "bearer ") {
			return strings.TrimSpace(header[len("bearer "):])
		}
		return header
	}
	return strings.TrimSpace(r.URL.Query().Get("api_key"))
}

// AuthMiddleware resolves the bearer key to an account and stores both in
// the request context. Requests without a valid key are rejected.
func AuthMiddleware(svc *auth.Service) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := bearerKey(r)
			acct, err := svc.Authenticate(r.Context(), key)
			if err != nil {
				writeMappedError(w, err)
				return
			}
			ctx := context.WithValue(r.Context(), accountContextKey, acct)
			ctx = context.WithValue(ctx, bearerKeyContextKey, key)
			ctx = id.WithAccountID(ctx, acct.ID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// currentAccount returns the authenticated account stored by AuthMiddleware.
func currentAccount(ctx context.Context) (*account.Account, bool) {
	acct, ok := ctx.Value(accountContextKey).(*account.Account)
	return acct, ok && acct != nil
}

// currentBearerKey returns the raw key the caller presented. Device pairing
// approval hands this exact key to the paired runner.
func currentBearerKey(ctx context.Context) string {
	key, _ := ctx.Value(bearerKeyContextKey).(string)
	return key
}

// mustAccount fetches the account or writes a 401, reporting whether the
// handler may proceed.
func mustAccount(w http.ResponseWriter, r *http.Request) (*account.Account, bool) {
	acct, ok := currentAccount(r.Context())
	if !ok {
		writeJSONError(w, http.StatusUnauthorized, "authentication required")
		return nil, false
	}
	return acct, true
}
