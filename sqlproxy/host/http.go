package host

import (
	"io"
	"net/http"

	"github.com/laurentperez/jaybird/jlog"
)

// MaxRequestBytes bounds the body of one HTTP request. Blob chunks are small,
// so only very long statements come close.
const MaxRequestBytes = 8 << 20

// ServeHTTP answers POSTed proxy requests with the JSON response of
// HandleRequest.
func (h *SQLHost) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := jlog.WithTag(r.Context(), "remote", r.RemoteAddr)
	log := jlog.FromContext(ctx).WithField("path", r.URL.Path)
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, MaxRequestBytes))
	if err != nil {
		log.WithError(err).Warn("failed to read request")
		http.Error(w, err.Error(), http.StatusRequestEntityTooLarge)
		return
	}
	resp, err := h.HandleRequest(ctx, body)
	if err != nil {
		log.WithError(err).Error("failed to produce response")
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if _, err := w.Write(resp); err != nil {
		log.WithError(err).Warn("failed to write response")
	}
}
