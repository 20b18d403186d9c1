package httpmw

import (
	"context"
	"net/http"
	"strings"

	"github.com/cwrk-planet/coderoom-service/internal/domain"
	"github.com/cwrk-planet/coderoom-service/pkg/httputil"
	"github.com/cwrk-planet/coderoom-service/pkg/logger"
)

type Authenticator interface {
	Authenticate(ctx context.Context, token string) (domain.User, error)
}

type ctxKey string

const ctxKeyUser ctxKey = "user"

// Auth проверяет Bearer access-токен и кладёт пользователя в контекст.
// Идентичность берётся только из подписанного токена.
func Auth(a Authenticator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, ok := bearer(r)
			if !ok {
				httputil.Error(w, http.StatusUnauthorized, "unauthenticated", "missing bearer token")
				return
			}
			u, err := a.Authenticate(r.Context(), token)
			if err != nil {
				logger.FromContext(r.Context()).Debug("auth rejected", "err", err)
				httputil.Error(w, http.StatusUnauthorized, "unauthenticated", "invalid access token")
				return
			}

			ctx := context.WithValue(r.Context(), ctxKeyUser, u)
			ctx = logger.WithContext(ctx, logger.FromContext(ctx).With("user_id", int64(u.ID)))
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func bearer(r *http.Request) (string, bool) {
	parts := strings.SplitN(r.Header.Get("Authorization"), " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") || strings.TrimSpace(parts[1]) == "" {
		return "", false
	}
	return strings.TrimSpace(parts[1]), true
}

func UserFromCtx(ctx context.Context) (domain.User, bool) {
	u, ok := ctx.Value(ctxKeyUser).(domain.User)
	return u, ok && u.ID != 0
}
