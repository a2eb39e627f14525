package pipeline

import (
	"bytes"
	"context"
	"errors"
	"image/color"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/disintegration/imaging"
	"github.com/rs/zerolog"

	"detectsvc/internal/detector"
	"detectsvc/internal/domain"
	"detectsvc/internal/objstore"
	"detectsvc/internal/storage"
)

type upload struct {
	path     string
	key      string
	metadata map[string]string
}

type fakeTransfer struct {
	downloadOutcome objstore.Outcome
	uploadOutcome   objstore.Outcome
	downloads       []objstore.Reference
	uploads         []upload
}

func (f *fakeTransfer) Download(ctx context.Context, ref objstore.Reference, destPath string) objstore.Outcome {
	f.downloads = append(f.downloads, ref)
	if f.downloadOutcome != objstore.Succeeded {
		return f.downloadOutcome
	}
	img := imaging.New(40, 30, color.NRGBA{R: 200, G: 200, B: 200, A: 255})
	if err := imaging.Save(img, destPath); err != nil {
		return objstore.Failed
	}
	return objstore.Succeeded
}

func (f *fakeTransfer) Upload(ctx context.Context, localPath, key string, metadata map[string]string, opts ...objstore.UploadOption) objstore.Outcome {
	f.uploads = append(f.uploads, upload{path: localPath, key: key, metadata: metadata})
	return f.uploadOutcome
}

type fakeRepo struct {
	sessions   []domain.PredictionRecord
	detections []domain.Detection
	err        error
}

func (r *fakeRepo) SaveSession(ctx context.Context, rec domain.PredictionRecord) error {
	if r.err != nil {
		return r.err
	}
	r.sessions = append(r.sessions, rec)
	return nil
}

func (r *fakeRepo) SaveDetection(ctx context.Context, det domain.Detection) error {
	r.detections = append(r.detections, det)
	return nil
}

func (r *fakeRepo) GetByUID(ctx context.Context, uid string) (*domain.PredictionRecord, error) {
	return nil, domain.ErrNotFound
}

func (r *fakeRepo) ListDetections(ctx context.Context, uid string) ([]domain.Detection, error) {
	return nil, nil
}

func (r *fakeRepo) DeleteByUID(ctx context.Context, uid string) error { return nil }

func catAndDog(ctx context.Context, path string) ([]domain.Detection, error) {
	return []domain.Detection{
		{Label: "cat", Score: 0.9, Box: domain.BBox{1, 1, 10, 10}},
		{Label: "dog", Score: 0.8, Box: domain.BBox{12, 5, 30, 25}},
	}, nil
}

func newTestProcessor(t *testing.T, transfer Transfer, model detector.Model, repo domain.PredictionRepository) (*Processor, *storage.FileStore) {
	t.Helper()
	store, err := storage.NewFileStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	p := NewProcessor(transfer, model, repo, store, zerolog.Nop())
	p.newUID = func() string { return "11111111-2222-3333-4444-555555555555" }
	return p, store
}

func TestProcessBeatlesJob(t *testing.T) {
	transfer := &fakeTransfer{downloadOutcome: objstore.Succeeded, uploadOutcome: objstore.Succeeded}
	repo := &fakeRepo{}
	p, store := newTestProcessor(t, transfer, detector.Func(catAndDog), repo)

	jobID := "j1"
	job := domain.Job{Bucket: "b", Key: "in/beatles.jpeg", ChatID: "c1", JobID: &jobID}
	res, err := p.Process(context.Background(), job)
	if err != nil {
		t.Fatalf("Process returned error: %v", err)
	}

	if res.DetectionCount != 2 || strings.Join(res.Labels, ",") != "cat,dog" {
		t.Fatalf("result = %+v", res)
	}
	if res.PredictedObjectKey != "worker/predicted/11111111-2222-3333-4444-555555555555.jpeg" {
		t.Fatalf("predicted key = %q", res.PredictedObjectKey)
	}
	if res.ChatID != "c1" || res.JobID == nil || *res.JobID != "j1" {
		t.Fatalf("correlation fields = %+v", res)
	}
	if transfer.downloads[0] != objstore.StoreRef("b", "in/beatles.jpeg") {
		t.Fatalf("downloaded %+v", transfer.downloads[0])
	}
	if len(repo.sessions) != 1 || repo.sessions[0].Owner != domain.WorkerOwner {
		t.Fatalf("sessions = %+v", repo.sessions)
	}
	if len(repo.detections) != 2 || repo.detections[0].PredictionUID != res.PredictionUID {
		t.Fatalf("detections = %+v", repo.detections)
	}
	if len(transfer.uploads) != 1 {
		t.Fatalf("uploads = %d, want 1", len(transfer.uploads))
	}
	up := transfer.uploads[0]
	if up.metadata["prediction_uid"] != res.PredictionUID || up.metadata["user"] != "worker" {
		t.Fatalf("upload metadata = %v", up.metadata)
	}
	if up.path != store.PredictedPath(res.PredictionUID, ".jpeg") {
		t.Fatalf("uploaded %q", up.path)
	}
	if _, err := os.Stat(up.path); err != nil {
		t.Fatalf("annotated image missing: %v", err)
	}
}

func TestProcessDefaultsExtension(t *testing.T) {
	transfer := &fakeTransfer{downloadOutcome: objstore.Succeeded, uploadOutcome: objstore.Succeeded}
	p, store := newTestProcessor(t, transfer, detector.Func(catAndDog), &fakeRepo{})

	res, err := p.Process(context.Background(), domain.Job{Bucket: "b", Key: "photos/noext", ChatID: "c"})
	if err != nil {
		t.Fatalf("Process returned error: %v", err)
	}
	if !strings.HasSuffix(res.PredictedObjectKey, ".jpg") {
		t.Fatalf("predicted key = %q", res.PredictedObjectKey)
	}
	if _, err := os.Stat(store.OriginalPath(res.PredictionUID, ".jpg")); err != nil {
		t.Fatalf("original not saved with default extension: %v", err)
	}
	if res.JobID != nil {
		t.Fatalf("jobId = %v, want nil", *res.JobID)
	}
}

func TestProcessDownloadFailureStopsEarly(t *testing.T) {
	transfer := &fakeTransfer{downloadOutcome: objstore.Failed, uploadOutcome: objstore.Succeeded}
	repo := &fakeRepo{}
	called := false
	model := detector.Func(func(ctx context.Context, path string) ([]domain.Detection, error) {
		called = true
		return nil, nil
	})
	p, _ := newTestProcessor(t, transfer, model, repo)

	_, err := p.Process(context.Background(), domain.Job{Bucket: "b", Key: "missing.jpg", ChatID: "c"})
	if !errors.Is(err, domain.ErrDownload) {
		t.Fatalf("error = %v, want ErrDownload", err)
	}
	if called || len(repo.sessions) != 0 || len(transfer.uploads) != 0 {
		t.Fatalf("work done after failed download: model=%v sessions=%d uploads=%d", called, len(repo.sessions), len(transfer.uploads))
	}
}

func TestProcessUploadFailureStillReturnsResult(t *testing.T) {
	transfer := &fakeTransfer{downloadOutcome: objstore.Succeeded, uploadOutcome: objstore.Failed}
	repo := &fakeRepo{}
	p, _ := newTestProcessor(t, transfer, detector.Func(catAndDog), repo)

	res, err := p.Process(context.Background(), domain.Job{Bucket: "b", Key: "x.png", ChatID: "c"})
	if err != nil {
		t.Fatalf("Process returned error: %v", err)
	}
	if res.DetectionCount != 2 || len(repo.sessions) != 1 {
		t.Fatalf("result = %+v sessions = %d", res, len(repo.sessions))
	}
}

func TestProcessErrorKinds(t *testing.T) {
	boom := errors.New("boom")
	tests := []struct {
		name  string
		model detector.Model
		repo  *fakeRepo
		want  error
	}{
		{
			name: "inference",
			model: detector.Func(func(ctx context.Context, path string) ([]domain.Detection, error) {
				return nil, boom
			}),
			repo: &fakeRepo{},
			want: domain.ErrInference,
		},
		{
			name:  "persistence",
			model: detector.Func(catAndDog),
			repo:  &fakeRepo{err: boom},
			want:  domain.ErrPersistence,
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			transfer := &fakeTransfer{downloadOutcome: objstore.Succeeded, uploadOutcome: objstore.Succeeded}
			p, _ := newTestProcessor(t, transfer, tc.model, tc.repo)
			_, err := p.Process(context.Background(), domain.Job{Bucket: "b", Key: "k.jpg", ChatID: "c"})
			if !errors.Is(err, tc.want) {
				t.Fatalf("error = %v, want %v", err, tc.want)
			}
			if len(transfer.uploads) != 0 {
				t.Fatalf("uploaded after failure")
			}
		})
	}
}

func TestRunUploadSourceStoresOriginal(t *testing.T) {
	transfer := &fakeTransfer{downloadOutcome: objstore.Succeeded, uploadOutcome: objstore.Succeeded}
	p, store := newTestProcessor(t, transfer, detector.Func(catAndDog), &fakeRepo{})

	var buf bytes.Buffer
	if err := imaging.Encode(&buf, imaging.New(20, 20, color.White), imaging.PNG); err != nil {
		t.Fatal(err)
	}
	pred, err := p.Run(context.Background(), "alice", Source{Upload: &buf, Filename: "cat.png"})
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if pred.OriginalKey != "alice/original/"+pred.UID+".png" {
		t.Fatalf("original key = %q", pred.OriginalKey)
	}
	if pred.OriginalPath != store.OriginalPath(pred.UID, ".png") {
		t.Fatalf("original path = %q", pred.OriginalPath)
	}
	if len(transfer.uploads) != 2 || transfer.uploads[0].key != pred.OriginalKey {
		t.Fatalf("uploads = %+v", transfer.uploads)
	}
	if meta := transfer.uploads[0].metadata; meta["prediction_uid"] != pred.UID || meta["user"] != "alice" {
		t.Fatalf("original metadata = %#v", meta)
	}
}

func TestRunStoreSourceSkipsOriginalUpload(t *testing.T) {
	transfer := &fakeTransfer{downloadOutcome: objstore.Succeeded, uploadOutcome: objstore.Succeeded}
	p, _ := newTestProcessor(t, transfer, detector.Func(catAndDog), &fakeRepo{})

	ref := objstore.BareKey("bob/original/pic.jpg")
	pred, err := p.Run(context.Background(), "", Source{Ref: &ref})
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if pred.Owner != domain.AnonymousOwner || pred.OriginalKey != "bob/original/pic.jpg" {
		t.Fatalf("prediction = %+v", pred)
	}
	if len(transfer.uploads) != 1 || filepath.Ext(transfer.uploads[0].key) != ".jpg" {
		t.Fatalf("uploads = %+v", transfer.uploads)
	}
}

func TestRunWithoutSource(t *testing.T) {
	p, _ := newTestProcessor(t, &fakeTransfer{}, detector.Func(catAndDog), &fakeRepo{})
	if _, err := p.Run(context.Background(), "a", Source{}); !errors.Is(err, domain.ErrInvalidReference) {
		t.Fatalf("error = %v", err)
	}
}
