package blobs

import (
	"errors"
	"mime"
	"net/http"
	"net/url"
	"strconv"

	"fleetingfiles/core"
	"fleetingfiles/presign"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
	"github.com/sirupsen/logrus"
)

// HandleGet serves a blob behind a link issued by presign.Signer. Links are
// checked on every request; an expired or altered link is refused.
func HandleGet(signer *presign.Signer, reader core.BlobReader) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key, err := url.PathUnescape(chi.URLParam(r, "*"))
		if err != nil || key == "" {
			render.Status(r, http.StatusBadRequest)
			render.JSON(w, r, map[string]string{"error": "invalid_link"})
			return
		}

		downloadName, err := signer.Verify(key, r.URL.Query().Get("token"))
		if err != nil {
			status := http.StatusForbidden
			code := "invalid_link"
			if errors.Is(err, presign.ErrLinkExpired) {
				code = "link_expired"
			}
			logrus.WithField("storage_key", key).WithError(err).Debug("Refused blob link")
			render.Status(r, status)
			render.JSON(w, r, map[string]string{"error": code})
			return
		}

		data, err := reader.Get(r.Context(), key)
		if err != nil {
			if errors.Is(err, core.ErrNotFound) {
				render.Status(r, http.StatusNotFound)
				render.JSON(w, r, map[string]string{"error": "not_found"})
				return
			}
			logrus.WithError(err).WithField("storage_key", key).Error("Failed to read blob")
			render.Status(r, http.StatusServiceUnavailable)
			render.JSON(w, r, map[string]string{"error": "store_unavailable"})
			return
		}

		w.Header().Set("Content-Type", "application/octet-stream")
		w.Header().Set("Content-Length", strconv.Itoa(len(data)))
		w.Header().Set("Cache-Control", "no-store")
		if downloadName != "" {
			w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": downloadName}))
		}
		w.Write(data)
	}
}
