package transport

import (
	"errors"
	"net/http"

	"github.com/pitabwire/recordflow/internal/uploads"
	"github.com/pitabwire/recordflow/model"
)

// handleUpload stores the multipart "file" field. Bodies larger than
// maxBytes are rejected.
func handleUpload(svc *uploads.Service, maxBytes int64) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if maxBytes > 0 {
			r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
		}
		file, header, err := r.FormFile("file")
		if err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				WriteError(w, r, model.NewBadRequestError("file too large"))
				return
			}
			WriteError(w, r, model.NewBadRequestError("no file provided"))
			return
		}
		defer file.Close()

		media, err := svc.Upload(r.Context(), model.RequestContextFrom(r.Context()),
			header.Filename, header.Header.Get("Content-Type"), file, header.Size)
		if err != nil {
			WriteError(w, r, err)
			return
		}
		WriteJSON(w, http.StatusCreated, media)
	}
}

func handleDeleteUpload(svc *uploads.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := pathID(r, "mediaId")
		if err != nil {
			WriteError(w, r, err)
			return
		}
		if err := svc.Delete(r.Context(), model.RequestContextFrom(r.Context()), id); err != nil {
			WriteError(w, r, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}
