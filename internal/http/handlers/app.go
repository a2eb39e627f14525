package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"detectsvc/internal/domain"
	"detectsvc/internal/objstore"
	"detectsvc/internal/pipeline"
	"detectsvc/internal/storage"
)

// Repository is the persistence the API reads and deletes through.
type Repository interface {
	domain.PredictionRepository
	domain.PredictionQueries
}

// ObjectStore is the part of the object store client the API uses.
type ObjectStore interface {
	PresignRead(ctx context.Context, key string, ttl time.Duration) (string, bool)
	Delete(ctx context.Context, key string) objstore.Outcome
	DownloadToTemp(ctx context.Context, ref objstore.Reference) (string, objstore.Outcome)
}

// Predictor runs a synchronous prediction.
type Predictor interface {
	Run(ctx context.Context, owner string, src pipeline.Source) (*pipeline.Prediction, error)
}

type App struct {
	Repo       Repository
	Objects    ObjectStore
	Predictor  Predictor
	Store      *storage.FileStore
	PresignTTL time.Duration
	Logger     zerolog.Logger

	now func() time.Time
}

func NewApp(repo Repository, objects ObjectStore, predictor Predictor, store *storage.FileStore, presignTTL time.Duration, logger zerolog.Logger) *App {
	return &App{
		Repo:       repo,
		Objects:    objects,
		Predictor:  predictor,
		Store:      store,
		PresignTTL: presignTTL,
		Logger:     logger,
		now:        time.Now,
	}
}

func (a *App) json(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func (a *App) error(w http.ResponseWriter, code int, kind, message string) {
	a.json(w, code, map[string]string{"error": kind, "message": message})
}

func (a *App) log(r *http.Request) *zerolog.Logger {
	if l := zerolog.Ctx(r.Context()); l.GetLevel() != zerolog.Disabled {
		return l
	}
	return &a.Logger
}

func (a *App) weekAgo() time.Time {
	now := time.Now
	if a.now != nil {
		now = a.now
	}
	return now().UTC().Add(-7 * 24 * time.Hour)
}
