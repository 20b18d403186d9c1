package http

import (
	"errors"
	"net/http"

	"github.com/cwrk-planet/coderoom-service/internal/domain"
	"github.com/cwrk-planet/coderoom-service/internal/repository"
	"github.com/cwrk-planet/coderoom-service/pkg/httputil"
	"github.com/cwrk-planet/coderoom-service/pkg/logger"
)

func statusFor(kind domain.Kind) int {
	switch kind {
	case domain.KindAuthentication:
		return http.StatusUnauthorized
	case domain.KindAuthorization:
		return http.StatusForbidden
	case domain.KindNotFound:
		return http.StatusNotFound
	case domain.KindCapacity:
		return http.StatusConflict
	case domain.KindValidation:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// writeError переводит доменную ошибку в HTTP-ответ; внутренние не раскрываются.
func writeError(w http.ResponseWriter, r *http.Request, op string, err error) {
	if errors.Is(err, repository.ErrInvalidInput) {
		httputil.Error(w, http.StatusBadRequest, string(domain.KindValidation), err.Error())
		return
	}
	kind := domain.KindOf(err)
	status := statusFor(kind)
	if status == http.StatusInternalServerError {
		logger.FromContext(r.Context()).Error("handler."+op, "err", err)
		httputil.Error(w, status, string(domain.KindInternal), "internal error")
		return
	}
	httputil.Error(w, status, string(kind), err.Error())
}
