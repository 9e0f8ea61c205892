package httpapi

import (
	"net/http"

	"github.com/AutoQASpace/emcee-queueserver/internal/domain"
	"github.com/AutoQASpace/emcee-queueserver/internal/httpapi/httputil"
)

// writeQueueError renders err's tagged-union wire shape: HTTP 200
// carrying {status: "error", kind, message}. Only a genuinely
// internal/unexpected error gets a non-200 status.
func writeQueueError(w http.ResponseWriter, err error) {
	if qe, ok := domain.AsQueueError(err); ok {
		httputil.WriteJSON(w, http.StatusOK, errorResponse{
			Status:  "error",
			Kind:    string(qe.Kind),
			Message: qe.Message,
		})
		return
	}
	httputil.WriteJSON(w, http.StatusInternalServerError, errorResponse{
		Status:  "error",
		Kind:    "internal",
		Message: "internal server error",
	})
}

func writeSignatureMismatch(w http.ResponseWriter) {
	httputil.WriteJSON(w, http.StatusOK, errorResponse{
		Status:  "error",
		Kind:    string(domain.ErrSignatureMismatch),
		Message: "payload signature does not match this queue server instance",
	})
}
