package api

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/uniconnect/dispatch/internal/metrics"
)

// pixelGIF is a 1x1 transparent GIF, the smallest payload an email
// client will fetch as an image.
var pixelGIF = []byte{
	0x47, 0x49, 0x46, 0x38, 0x39, 0x61, // GIF89a
	0x01, 0x00, 0x01, 0x00, 0x80, 0x00, 0x00,
	0x00, 0x00, 0x00, 0xff, 0xff, 0xff,
	0x21, 0xf9, 0x04, 0x01, 0x00, 0x00, 0x00, 0x00,
	0x2c, 0x00, 0x00, 0x00, 0x00, 0x01, 0x00, 0x01, 0x00, 0x00,
	0x02, 0x02, 0x44, 0x01, 0x00, 0x3b,
}

// trackOpen serves the open pixel. The response is identical for
// known, unknown, and repeated tokens; the fetch must never break an
// email client or leak whether a token exists.
func (h *Handler) trackOpen(w http.ResponseWriter, r *http.Request) {
	token := chi.URLParam(r, "token")
	if token != "" {
		h.tracking.RecordOpen(r.Context(), token)
		metrics.RecordTrackingSignal("open")
	}

	w.Header().Set("Content-Type", "image/gif")
	w.Header().Set("Content-Length", strconv.Itoa(len(pixelGIF)))
	w.Header().Set("Cache-Control", "no-store, no-cache, must-revalidate, max-age=0")
	w.Header().Set("Pragma", "no-cache")
	w.Header().Set("Expires", "0")
	w.WriteHeader(http.StatusOK)
	w.Write(pixelGIF)
}

// trackAck records an explicit acknowledgment. The response shape is
// the same for known and unknown tokens; only a genuine storage
// failure errors out.
func (h *Handler) trackAck(w http.ResponseWriter, r *http.Request) {
	token := chi.URLParam(r, "token")
	if token == "" {
		h.writeError(w, http.StatusBadRequest, "missing_token", "Bad Request", "tracking token is required")
		return
	}

	result, err := h.tracking.RecordAck(r.Context(), token)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}

	metrics.RecordTrackingSignal("ack")
	h.writeJSON(w, http.StatusOK, result)
}
