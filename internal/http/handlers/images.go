package handlers

import (
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-chi/chi/v5"

	"detectsvc/internal/objstore"
)

// PredictionImage serves the annotated image, fetching it from the object
// store when the local copy is gone. PNG or JPEG is picked from Accept.
func (a *App) PredictionImage(w http.ResponseWriter, r *http.Request) {
	rec, ok := a.loadPrediction(w, r)
	if !ok {
		return
	}
	contentType := negotiateImageType(r.Header.Get("Accept"), rec.PredictedRef)
	if fileExists(rec.PredictedRef) {
		a.serveImage(w, r, rec.PredictedRef, contentType)
		return
	}

	keys, _ := keysFor(rec)
	if a.serveFromStore(w, r, keys.Predicted, contentType) {
		return
	}
	a.error(w, http.StatusNotFound, "not_found", "predicted image file not found")
}

// Image serves /images/{kind}/{filename} from the work dir, or from the
// object key given in ?s3_key= when the file is not local.
func (a *App) Image(w http.ResponseWriter, r *http.Request) {
	kind := chi.URLParam(r, "kind")
	name := filepath.Base(chi.URLParam(r, "filename"))
	var path string
	switch kind {
	case "original":
		path = a.Store.OriginalPath(strings.TrimSuffix(name, filepath.Ext(name)), filepath.Ext(name))
	case "predicted":
		path = a.Store.PredictedPath(strings.TrimSuffix(name, filepath.Ext(name)), filepath.Ext(name))
	default:
		a.error(w, http.StatusBadRequest, "bad_request", "invalid image type")
		return
	}
	contentType := objstore.ContentTypeFor(name)
	if fileExists(path) {
		a.serveImage(w, r, path, contentType)
		return
	}
	if key := r.URL.Query().Get("s3_key"); key != "" && a.serveFromStore(w, r, key, contentType) {
		return
	}
	a.error(w, http.StatusNotFound, "not_found", "image not found")
}

func (a *App) serveFromStore(w http.ResponseWriter, r *http.Request, key, contentType string) bool {
	tmp, out := a.Objects.DownloadToTemp(r.Context(), objstore.BareKey(key))
	if !out.OK() {
		return false
	}
	defer os.Remove(tmp)
	a.serveImage(w, r, tmp, contentType)
	return true
}

func (a *App) serveImage(w http.ResponseWriter, r *http.Request, path, contentType string) {
	w.Header().Set("Content-Type", contentType)
	http.ServeFile(w, r, path)
}

func negotiateImageType(accept, path string) string {
	accept = strings.ToLower(accept)
	switch {
	case strings.Contains(accept, "image/png"), strings.Contains(accept, "image/*"):
		return "image/png"
	case strings.Contains(accept, "image/jpeg"), strings.Contains(accept, "image/jpg"):
		return "image/jpeg"
	}
	if strings.EqualFold(filepath.Ext(path), ".png") {
		return "image/png"
	}
	return "image/jpeg"
}

func fileExists(path string) bool {
	if path == "" {
		return false
	}
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
