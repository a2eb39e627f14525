package domain

import (
	"context"
	"time"
)

// PredictionRepository persists prediction sessions and their detections.
type PredictionRepository interface {
	SaveSession(ctx context.Context, rec PredictionRecord) error
	SaveDetection(ctx context.Context, det Detection) error
	GetByUID(ctx context.Context, uid string) (*PredictionRecord, error)
	ListDetections(ctx context.Context, uid string) ([]Detection, error)
	DeleteByUID(ctx context.Context, uid string) error
}

// PredictionQueries answers the read-side questions of the API.
type PredictionQueries interface {
	ListByLabel(ctx context.Context, label string) ([]PredictionListItem, error)
	ListByMinScore(ctx context.Context, minScore float64) ([]PredictionListItem, error)
	CountSince(ctx context.Context, since time.Time) (int, error)
	LabelsSince(ctx context.Context, since time.Time) ([]string, error)
	StatsSince(ctx context.Context, since time.Time) (*PredictionSummary, error)
}

// UserRepository stores API users for basic authentication.
type UserRepository interface {
	CreateUser(ctx context.Context, username, passwordHash string) error
	PasswordHash(ctx context.Context, username string) (string, error)
}
