// Package pipeline runs one detection end to end: acquire the image, run the
// model, draw the result, persist it and ship the annotated copy to the
// object store.
package pipeline

import (
	"context"
	"fmt"
	"io"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"detectsvc/internal/detector"
	"detectsvc/internal/domain"
	"detectsvc/internal/metrics"
	"detectsvc/internal/objstore"
	"detectsvc/internal/storage"
)

// DefaultExt is used when the source reference carries no extension.
const DefaultExt = ".jpg"

// Transfer is the part of the object store client the pipeline needs.
type Transfer interface {
	Download(ctx context.Context, ref objstore.Reference, destPath string) objstore.Outcome
	Upload(ctx context.Context, localPath, key string, metadata map[string]string, opts ...objstore.UploadOption) objstore.Outcome
}

// Prediction is everything produced by one run.
type Prediction struct {
	UID           string
	Owner         string
	Detections    []domain.Detection
	Labels        []string
	TimeTook      float64
	OriginalPath  string
	PredictedPath string
	OriginalKey   string
	PredictedKey  string
	// PredictedUpload is the outcome of shipping the annotated image.
	PredictedUpload objstore.Outcome
}

// Result converts the prediction into the message published for a job.
func (p Prediction) Result(job domain.Job) domain.Result {
	return domain.Result{
		PredictionUID:      p.UID,
		DetectionCount:     len(p.Detections),
		Labels:             p.Labels,
		TimeTook:           p.TimeTook,
		PredictedObjectKey: p.PredictedKey,
	}.ForJob(job)
}

type Processor struct {
	transfer Transfer
	model    detector.Model
	repo     domain.PredictionRepository
	store    *storage.FileStore
	metrics  *metrics.Metrics
	tracer   trace.Tracer
	logger   zerolog.Logger
	newUID   func() string
}

type Option func(*Processor)

// WithMetrics records inference timings and label counts.
func WithMetrics(m *metrics.Metrics) Option {
	return func(p *Processor) { p.metrics = m }
}

// WithTracer overrides the global tracer.
func WithTracer(t trace.Tracer) Option {
	return func(p *Processor) { p.tracer = t }
}

func NewProcessor(transfer Transfer, model detector.Model, repo domain.PredictionRepository, store *storage.FileStore, logger zerolog.Logger, opts ...Option) *Processor {
	p := &Processor{
		transfer: transfer,
		model:    model,
		repo:     repo,
		store:    store,
		tracer:   otel.Tracer("detectsvc/pipeline"),
		logger:   logger.With().Str("component", "pipeline").Logger(),
		newUID:   uuid.NewString,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Process handles one queued job. The input always comes from the object
// store and the prediction is owned by the worker.
func (p *Processor) Process(ctx context.Context, job domain.Job) (domain.Result, error) {
	ctx, span := p.tracer.Start(ctx, "pipeline.Process", trace.WithAttributes(
		attribute.String("job.bucket", job.Bucket),
		attribute.String("job.key", job.Key),
		attribute.String("job.chat_id", job.ChatID),
	))
	defer span.End()

	ref := objstore.StoreRef(job.Bucket, job.Key)
	uid := p.newUID()
	ext := ref.ExtOr(DefaultExt)
	log := p.logger.With().
		Str("prediction_uid", uid).
		Str("chat_id", job.ChatID).
		Str("job_id", job.CorrelationID()).
		Logger()

	originalPath := p.store.OriginalPath(uid, ext)
	if out := p.transfer.Download(ctx, ref, originalPath); !out.OK() {
		err := fmt.Errorf("%w: %s", domain.ErrDownload, ref)
		recordErr(span, err)
		log.Warn().Str("bucket", job.Bucket).Str("key", job.Key).Str("outcome", out.String()).Msg("pipeline: input download failed")
		return domain.Result{}, err
	}

	pred, err := p.detectAndSave(ctx, log, uid, domain.WorkerOwner, ext, originalPath)
	if err != nil {
		recordErr(span, err)
		return domain.Result{}, err
	}
	span.SetAttributes(attribute.String("prediction.uid", uid), attribute.Int("prediction.count", len(pred.Detections)))
	return pred.Result(job), nil
}

// Source tells Run where the input image comes from. Exactly one of Upload
// and Ref is used; Upload wins when both are set.
type Source struct {
	Upload   io.Reader
	Filename string
	Ref      *objstore.Reference
}

// Run handles a synchronous request. Inputs that did not come from the
// object store are uploaded there under <owner>/original/.
func (p *Processor) Run(ctx context.Context, owner string, src Source) (*Prediction, error) {
	ctx, span := p.tracer.Start(ctx, "pipeline.Run")
	defer span.End()

	if owner == "" {
		owner = domain.AnonymousOwner
	}
	uid := p.newUID()
	log := p.logger.With().Str("prediction_uid", uid).Str("user", owner).Logger()

	var (
		ext          string
		originalPath string
		originalKey  string
		fromStore    bool
	)
	switch {
	case src.Upload != nil:
		ext = objstore.BareKey(src.Filename).ExtOr(DefaultExt)
		path, err := p.store.Write(ctx, storage.OriginalKey(uid, ext), src.Upload)
		if err != nil {
			recordErr(span, err)
			return nil, fmt.Errorf("%w: save upload: %v", domain.ErrDownload, err)
		}
		originalPath = path
	case src.Ref != nil:
		ext = src.Ref.ExtOr(DefaultExt)
		originalPath = p.store.OriginalPath(uid, ext)
		if out := p.transfer.Download(ctx, *src.Ref, originalPath); !out.OK() {
			err := fmt.Errorf("%w: %s", domain.ErrDownload, src.Ref)
			recordErr(span, err)
			return nil, err
		}
		if src.Ref.Kind != objstore.KindHTTP {
			fromStore = true
			originalKey = src.Ref.Key
		}
	default:
		return nil, fmt.Errorf("%w: no image source", domain.ErrInvalidReference)
	}

	if !fromStore {
		originalKey = domain.ObjectKey(owner, "original", uid, ext)
		out := p.transfer.Upload(ctx, originalPath, originalKey, map[string]string{
			"prediction_uid": uid,
			"user":           owner,
		})
		if !out.OK() {
			log.Warn().Str("key", originalKey).Str("outcome", out.String()).Msg("pipeline: original upload did not complete")
		}
	}

	pred, err := p.detectAndSave(ctx, log, uid, owner, ext, originalPath)
	if err != nil {
		recordErr(span, err)
		return nil, err
	}
	pred.OriginalKey = originalKey
	return pred, nil
}

func (p *Processor) detectAndSave(ctx context.Context, log zerolog.Logger, uid, owner, ext, originalPath string) (*Prediction, error) {
	start := time.Now()
	dets, err := p.model.Detect(ctx, originalPath)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrInference, err)
	}
	took := time.Since(start)

	labels := make([]string, 0, len(dets))
	for i := range dets {
		dets[i].PredictionUID = uid
		labels = append(labels, dets[i].Label)
	}
	p.metrics.Inference(took, labels)

	predictedPath := p.store.PredictedPath(uid, ext)
	if err := detector.Annotate(originalPath, predictedPath, dets); err != nil {
		return nil, fmt.Errorf("%w: annotate: %v", domain.ErrInference, err)
	}

	rec := domain.PredictionRecord{
		UID:          uid,
		OriginalRef:  originalPath,
		PredictedRef: predictedPath,
		Owner:        owner,
	}
	if err := p.repo.SaveSession(ctx, rec); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrPersistence, err)
	}
	for _, det := range dets {
		if err := p.repo.SaveDetection(ctx, det); err != nil {
			return nil, fmt.Errorf("%w: %v", domain.ErrPersistence, err)
		}
	}

	predictedKey := domain.ObjectKey(owner, "predicted", uid, ext)
	upload := p.transfer.Upload(ctx, predictedPath, predictedKey, map[string]string{
		"prediction_uid": uid,
		"user":           owner,
	})
	if !upload.OK() {
		log.Warn().Str("key", predictedKey).Str("outcome", upload.String()).Msg("pipeline: predicted upload did not complete")
	}

	log.Info().Int("detections", len(dets)).Dur("took", took).Msg("pipeline: prediction saved")
	return &Prediction{
		UID:             uid,
		Owner:           owner,
		Detections:      dets,
		Labels:          labels,
		TimeTook:        math.Round(took.Seconds()*1000) / 1000,
		OriginalPath:    originalPath,
		PredictedPath:   predictedPath,
		PredictedKey:    predictedKey,
		PredictedUpload: upload,
	}, nil
}

func recordErr(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
