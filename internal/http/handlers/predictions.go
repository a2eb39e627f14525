package handlers

import (
	"errors"
	"net/http"
	"path/filepath"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"detectsvc/internal/domain"
	"detectsvc/internal/pipeline"
)

type objectKeys struct {
	Original  string `json:"original"`
	Predicted string `json:"predicted"`
}

type presignedURLs struct {
	Original  *string `json:"original"`
	Predicted *string `json:"predicted"`
}

type predictionResponse struct {
	UID              string             `json:"uid"`
	Timestamp        time.Time          `json:"timestamp"`
	OriginalImage    string             `json:"original_image"`
	PredictedImage   string             `json:"predicted_image"`
	DetectionObjects []domain.Detection `json:"detection_objects"`
	Presigned        presignedURLs      `json:"s3_presigned"`
	Keys             objectKeys         `json:"s3_keys"`
}

// keysFor derives the object keys of a stored prediction from its owner and
// the extension of the local original.
func keysFor(rec *domain.PredictionRecord) (objectKeys, string) {
	owner := rec.Owner
	if owner == "" {
		owner = domain.AnonymousOwner
	}
	ext := filepath.Ext(rec.OriginalRef)
	if ext == "" {
		ext = pipeline.DefaultExt
	}
	return objectKeys{
		Original:  domain.ObjectKey(owner, "original", rec.UID, ext),
		Predicted: domain.ObjectKey(owner, "predicted", rec.UID, ext),
	}, ext
}

func (a *App) loadPrediction(w http.ResponseWriter, r *http.Request) (*domain.PredictionRecord, bool) {
	uid := chi.URLParam(r, "uid")
	rec, err := a.Repo.GetByUID(r.Context(), uid)
	if errors.Is(err, domain.ErrNotFound) {
		a.error(w, http.StatusNotFound, "not_found", "prediction not found")
		return nil, false
	}
	if err != nil {
		a.log(r).Error().Err(err).Str("prediction_uid", uid).Msg("predictions: lookup failed")
		a.error(w, http.StatusInternalServerError, "internal", "failed to load prediction")
		return nil, false
	}
	return rec, true
}

func (a *App) GetPrediction(w http.ResponseWriter, r *http.Request) {
	rec, ok := a.loadPrediction(w, r)
	if !ok {
		return
	}
	dets, err := a.Repo.ListDetections(r.Context(), rec.UID)
	if err != nil {
		a.log(r).Error().Err(err).Str("prediction_uid", rec.UID).Msg("predictions: list detections failed")
		a.error(w, http.StatusInternalServerError, "internal", "failed to load detections")
		return
	}

	keys, _ := keysFor(rec)
	resp := predictionResponse{
		UID:              rec.UID,
		Timestamp:        rec.CreatedAt,
		OriginalImage:    rec.OriginalRef,
		PredictedImage:   rec.PredictedRef,
		DetectionObjects: dets,
		Keys:             keys,
	}
	if u, ok := a.Objects.PresignRead(r.Context(), keys.Original, a.PresignTTL); ok {
		resp.Presigned.Original = &u
	}
	if u, ok := a.Objects.PresignRead(r.Context(), keys.Predicted, a.PresignTTL); ok {
		resp.Presigned.Predicted = &u
	}
	a.json(w, http.StatusOK, resp)
}

// DeletePrediction removes local files and both objects before the rows.
// Object deletes are best effort and reported per object.
func (a *App) DeletePrediction(w http.ResponseWriter, r *http.Request) {
	rec, ok := a.loadPrediction(w, r)
	if !ok {
		return
	}
	keys, _ := keysFor(rec)

	removed := a.Store.Remove(rec.OriginalRef, rec.PredictedRef)
	objects := map[string]bool{
		"original_deleted":  a.Objects.Delete(r.Context(), keys.Original).OK(),
		"predicted_deleted": a.Objects.Delete(r.Context(), keys.Predicted).OK(),
	}
	a.log(r).Info().Str("prediction_uid", rec.UID).Int("local_removed", removed).Msg("predictions: cleaned artifacts")

	err := a.Repo.DeleteByUID(r.Context(), rec.UID)
	switch {
	case errors.Is(err, domain.ErrNotFound):
		a.json(w, http.StatusOK, map[string]any{
			"detail": "Prediction " + rec.UID + " local/S3 cleaned, DB record not found to delete.",
			"s3":     objects,
		})
	case err != nil:
		a.log(r).Error().Err(err).Str("prediction_uid", rec.UID).Msg("predictions: delete failed")
		a.error(w, http.StatusInternalServerError, "internal", "failed to delete prediction")
	default:
		a.json(w, http.StatusOK, map[string]any{
			"detail": "Prediction " + rec.UID + " deleted successfully",
			"s3":     objects,
		})
	}
}

func (a *App) PredictionsByLabel(w http.ResponseWriter, r *http.Request) {
	items, err := a.Repo.ListByLabel(r.Context(), chi.URLParam(r, "label"))
	if err != nil {
		a.log(r).Error().Err(err).Msg("predictions: by label failed")
		a.error(w, http.StatusInternalServerError, "internal", "failed to load predictions")
		return
	}
	a.json(w, http.StatusOK, map[string]any{"items": items})
}

func (a *App) PredictionsByScore(w http.ResponseWriter, r *http.Request) {
	minScore, err := strconv.ParseFloat(chi.URLParam(r, "minScore"), 64)
	if err != nil {
		a.error(w, http.StatusBadRequest, "bad_request", "min score must be a number")
		return
	}
	items, err := a.Repo.ListByMinScore(r.Context(), minScore)
	if err != nil {
		a.log(r).Error().Err(err).Msg("predictions: by score failed")
		a.error(w, http.StatusInternalServerError, "internal", "failed to load predictions")
		return
	}
	a.json(w, http.StatusOK, map[string]any{"items": items})
}

func (a *App) PredictionsCount(w http.ResponseWriter, r *http.Request) {
	n, err := a.Repo.CountSince(r.Context(), a.weekAgo())
	if err != nil {
		a.log(r).Error().Err(err).Msg("predictions: count failed")
		a.error(w, http.StatusInternalServerError, "internal", "failed to count predictions")
		return
	}
	a.json(w, http.StatusOK, map[string]int{"count": n})
}

func (a *App) Labels(w http.ResponseWriter, r *http.Request) {
	labels, err := a.Repo.LabelsSince(r.Context(), a.weekAgo())
	if err != nil {
		a.log(r).Error().Err(err).Msg("labels: query failed")
		a.error(w, http.StatusInternalServerError, "internal", "failed to load labels")
		return
	}
	a.json(w, http.StatusOK, map[string]any{"labels": labels})
}

func (a *App) Stats(w http.ResponseWriter, r *http.Request) {
	summary, err := a.Repo.StatsSince(r.Context(), a.weekAgo())
	if err != nil {
		a.log(r).Error().Err(err).Msg("stats: query failed")
		a.error(w, http.StatusInternalServerError, "internal", "failed to load stats")
		return
	}
	a.json(w, http.StatusOK, summary)
}
