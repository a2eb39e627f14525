package httpapi

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"detectsvc/internal/http/handlers"
	"detectsvc/internal/middleware"
)

// Options carries what the router needs besides the handlers.
type Options struct {
	Passwords     middleware.PasswordStore
	Metrics       http.Handler
	RatePerMinute int
	Logger        zerolog.Logger
}

func NewRouter(app *handlers.App, opts Options) http.Handler {
	r := chi.NewRouter()
	r.Use(
		middleware.RequestID(opts.Logger),
		chimw.RealIP,
		chimw.Recoverer,
		middleware.Logger(opts.Logger),
	)

	// Open
	r.Get("/v1/healthz", app.Health)
	if opts.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", opts.Metrics)
	}

	r.Group(func(r chi.Router) {
		r.Use(middleware.RateLimit(opts.RatePerMinute, time.Minute))

		r.With(middleware.BasicAuth(opts.Passwords, true)).Post("/v1/predict", app.Predict)

		r.Group(func(r chi.Router) {
			r.Use(middleware.BasicAuth(opts.Passwords, false))

			r.Route("/v1/predictions", func(r chi.Router) {
				r.Get("/count", app.PredictionsCount)
				r.Get("/label/{label}", app.PredictionsByLabel)
				r.Get("/score/{minScore}", app.PredictionsByScore)
				r.Get("/{uid}", app.GetPrediction)
				r.Delete("/{uid}", app.DeletePrediction)
				r.Get("/{uid}/image", app.PredictionImage)
				r.Get("/{uid}/archive", app.PredictionArchive)
			})
			r.Get("/v1/images/{kind}/{filename}", app.Image)
			r.Get("/v1/labels", app.Labels)
			r.Get("/v1/stats", app.Stats)
		})
	})

	return r
}

// NewOpsRouter serves the worker's health and metrics endpoints. ready
// reports whether the worker is attached to the broker.
func NewOpsRouter(metrics http.Handler, ready func() bool) http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.Recoverer)

	r.Get("/v1/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if ready != nil && !ready() {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte(`{"status":"connecting"}`))
			return
		}
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	if metrics != nil {
		r.Method(http.MethodGet, "/metrics", metrics)
	}
	return r
}
