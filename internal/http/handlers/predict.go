package handlers

import (
	"errors"
	"net/http"
	"strings"

	"detectsvc/internal/domain"
	"detectsvc/internal/middleware"
	"detectsvc/internal/objstore"
	"detectsvc/internal/pipeline"
)

const maxUploadBytes = objstore.MaxHTTPDownloadBytes

type predictResponse struct {
	PredictionUID  string   `json:"prediction_uid"`
	DetectionCount int      `json:"detection_count"`
	Labels         []string `json:"labels"`
	TimeTook       float64  `json:"time_took"`
	UserID         string   `json:"user_id"`
	PredictedKey   string   `json:"predicted_s3_key"`
}

// Predict accepts ?img_url=, ?img= or a multipart "file", in that order of
// precedence.
func (a *App) Predict(w http.ResponseWriter, r *http.Request) {
	owner := middleware.OwnerFromContext(r.Context())
	if owner == "" {
		owner = domain.AnonymousOwner
	}

	var src pipeline.Source
	q := r.URL.Query()
	switch {
	case q.Get("img_url") != "":
		ref, err := objstore.Classify(q.Get("img_url"))
		if err != nil {
			a.error(w, http.StatusBadRequest, "bad_request", "empty 'img_url' after trimming")
			return
		}
		src.Ref = &ref
	case q.Get("img") != "":
		ref, err := objstore.Classify(q.Get("img"))
		if err != nil {
			a.error(w, http.StatusBadRequest, "bad_request", "empty 'img' key after trimming")
			return
		}
		src.Ref = &ref
	default:
		r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
		file, header, err := r.FormFile("file")
		if err != nil {
			a.error(w, http.StatusBadRequest, "bad_request", "provide one of: file, ?img=<key>, or ?img_url=<url>")
			return
		}
		defer file.Close()
		src.Upload = file
		src.Filename = header.Filename
	}

	pred, err := a.Predictor.Run(r.Context(), owner, src)
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrDownload):
			msg := "failed to download input image"
			if src.Ref != nil {
				msg = "failed to download '" + strings.TrimSpace(src.Ref.String()) + "'"
			}
			a.error(w, http.StatusBadRequest, "bad_request", msg)
		case errors.Is(err, domain.ErrInvalidReference):
			a.error(w, http.StatusBadRequest, "bad_request", err.Error())
		default:
			a.log(r).Error().Err(err).Msg("predict: failed")
			a.error(w, http.StatusInternalServerError, "internal", "prediction failed")
		}
		return
	}

	a.json(w, http.StatusOK, predictResponse{
		PredictionUID:  pred.UID,
		DetectionCount: len(pred.Detections),
		Labels:         pred.Labels,
		TimeTook:       pred.TimeTook,
		UserID:         owner,
		PredictedKey:   pred.PredictedKey,
	})
}
