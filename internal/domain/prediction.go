package domain

import (
	"fmt"
	"time"
)

// Owner used for predictions produced by the queue worker.
const WorkerOwner = "worker"

// AnonymousOwner is recorded when an API caller submits without credentials.
const AnonymousOwner = "anonymous"

// BBox holds a bounding box as x1, y1, x2, y2 in source image pixels.
type BBox [4]float64

// String renders the box the way it is stored in the detection table.
func (b BBox) String() string {
	return fmt.Sprintf("[%g, %g, %g, %g]", b[0], b[1], b[2], b[3])
}

// Width of the box, never negative.
func (b BBox) Width() float64 {
	if b[2] < b[0] {
		return 0
	}
	return b[2] - b[0]
}

// Height of the box, never negative.
func (b BBox) Height() float64 {
	if b[3] < b[1] {
		return 0
	}
	return b[3] - b[1]
}

// Detection is a single object found by the model.
type Detection struct {
	PredictionUID string  `json:"prediction_uid,omitempty"`
	Label         string  `json:"label"`
	Score         float64 `json:"score"`
	Box           BBox    `json:"box"`
}

// PredictionRecord is one completed inference run.
type PredictionRecord struct {
	UID          string    `json:"uid"`
	OriginalRef  string    `json:"original_image"`
	PredictedRef string    `json:"predicted_image"`
	Owner        string    `json:"username"`
	CreatedAt    time.Time `json:"timestamp"`
}

// PredictionSummary is the aggregate view over recent predictions.
type PredictionSummary struct {
	TotalPredictions int            `json:"total_predictions"`
	AverageScore     float64        `json:"average_confidence_score"`
	LabelCounts      map[string]int `json:"most_common_labels"`
}

// PredictionListItem is a row of a label or score query.
type PredictionListItem struct {
	UID       string    `json:"uid"`
	CreatedAt time.Time `json:"timestamp"`
}

// ObjectKey builds the store key for an artifact of a prediction.
// kind is "original" or "predicted".
func ObjectKey(owner, kind, uid, ext string) string {
	return owner + "/" + kind + "/" + uid + ext
}
