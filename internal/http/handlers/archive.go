package handlers

import (
	"encoding/json"
	"net/http"
	"os"

	"detectsvc/internal/objstore"
	"detectsvc/pkg/zip"
)

// PredictionArchive bundles the original image, the annotated image and the
// detections of a prediction into a zip. Images missing locally are pulled
// from the object store; a prediction with neither image is a 404.
func (a *App) PredictionArchive(w http.ResponseWriter, r *http.Request) {
	rec, ok := a.loadPrediction(w, r)
	if !ok {
		return
	}
	dets, err := a.Repo.ListDetections(r.Context(), rec.UID)
	if err != nil {
		a.log(r).Error().Err(err).Str("prediction_uid", rec.UID).Msg("archive: list detections failed")
		a.error(w, http.StatusInternalServerError, "internal", "failed to load detections")
		return
	}
	manifest, _ := json.MarshalIndent(dets, "", "  ")

	keys, ext := keysFor(rec)
	entries := []zip.Entry{{Name: "detections.json", Data: manifest}}
	var temps []string
	defer func() {
		for _, p := range temps {
			_ = os.Remove(p)
		}
	}()
	for _, img := range []struct{ name, local, key string }{
		{"original" + ext, rec.OriginalRef, keys.Original},
		{"predicted" + ext, rec.PredictedRef, keys.Predicted},
	} {
		path := img.local
		if !fileExists(path) {
			tmp, out := a.Objects.DownloadToTemp(r.Context(), objstore.BareKey(img.key))
			if !out.OK() {
				continue
			}
			temps = append(temps, tmp)
			path = tmp
		}
		entries = append(entries, zip.Entry{Name: img.name, Path: path})
	}
	if len(entries) == 1 {
		a.error(w, http.StatusNotFound, "not_found", "prediction images not found")
		return
	}

	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("Content-Disposition", `attachment; filename="`+rec.UID+`.zip"`)
	if err := zip.Write(w, entries); err != nil {
		a.log(r).Error().Err(err).Str("prediction_uid", rec.UID).Msg("archive: write failed")
	}
}
