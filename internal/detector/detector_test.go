package detector

import (
	"context"
	"encoding/json"
	"image"
	"image/color"
	"io"
	"math"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/disintegration/imaging"

	"detectsvc/internal/domain"
)

func writeTestImage(t *testing.T, name string, w, h int) string {
	t.Helper()
	img := imaging.New(w, h, color.NRGBA{R: 10, G: 20, B: 30, A: 255})
	path := filepath.Join(t.TempDir(), name)
	if err := imaging.Save(img, path); err != nil {
		t.Fatalf("save test image: %v", err)
	}
	return path
}

func TestHTTPModelDetect(t *testing.T) {
	var gotFile string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			t.Errorf("parse multipart: %v", err)
		}
		f, header, err := r.FormFile("file")
		if err != nil {
			t.Errorf("form file: %v", err)
			return
		}
		defer f.Close()
		_, _ = io.Copy(io.Discard, f)
		gotFile = header.Filename
		_ = json.NewEncoder(w).Encode(map[string]any{
			"detections": []map[string]any{
				{"x": 10, "y": 20, "width": 30, "height": 40, "class": " Cat ", "confidence": 0.9},
				{"x": 0, "y": 0, "width": 5, "height": 5, "class": "DOG", "confidence": 0.8},
			},
		})
	}))
	defer srv.Close()

	path := writeTestImage(t, "beatles.jpeg", 8, 8)
	m := NewHTTPModel(srv.URL+"/predict", srv.Client())
	dets, err := m.Detect(context.Background(), path)
	if err != nil {
		t.Fatalf("Detect returned error: %v", err)
	}
	if gotFile != "beatles.jpeg" {
		t.Fatalf("uploaded filename = %q", gotFile)
	}
	if len(dets) != 2 {
		t.Fatalf("detections = %d, want 2", len(dets))
	}
	if dets[0].Label != "cat" || dets[1].Label != "dog" {
		t.Fatalf("labels = %q, %q", dets[0].Label, dets[1].Label)
	}
	if dets[0].Box != (domain.BBox{10, 20, 40, 60}) {
		t.Fatalf("box = %v", dets[0].Box)
	}
}

func TestHTTPModelErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	m := NewHTTPModel(srv.URL, srv.Client())
	if _, err := m.Detect(context.Background(), writeTestImage(t, "a.png", 4, 4)); err == nil {
		t.Fatalf("Detect expected error on 503")
	}
	if err := m.CheckHealth(context.Background()); err == nil {
		t.Fatalf("CheckHealth expected error on 503")
	}
}

func TestHTTPModelHealthPath(t *testing.T) {
	var path string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
	}))
	defer srv.Close()

	if err := NewHTTPModel(srv.URL+"/predict", srv.Client()).CheckHealth(context.Background()); err != nil {
		t.Fatalf("CheckHealth returned error: %v", err)
	}
	if path != "/health" {
		t.Fatalf("health path = %q", path)
	}
}

func TestWithMinScore(t *testing.T) {
	base := Func(func(ctx context.Context, path string) ([]domain.Detection, error) {
		return []domain.Detection{{Label: "a", Score: 0.9}, {Label: "b", Score: 0.1}, {Label: "c", Score: 0.5}}, nil
	})
	dets, err := WithMinScore(base, 0.5).Detect(context.Background(), "x")
	if err != nil {
		t.Fatalf("Detect returned error: %v", err)
	}
	if len(dets) != 2 || dets[0].Label != "a" || dets[1].Label != "c" {
		t.Fatalf("filtered = %+v", dets)
	}
}

func TestNormalizeLabel(t *testing.T) {
	if got := NormalizeLabel("  Traffic Light "); got != "traffic light" {
		t.Fatalf("NormalizeLabel = %q", got)
	}
}

func TestIoU(t *testing.T) {
	a := domain.BBox{0, 0, 10, 10}
	if got := IoU(a, a); got != 1 {
		t.Fatalf("IoU(a,a) = %v", got)
	}
	if got := IoU(a, domain.BBox{20, 20, 30, 30}); got != 0 {
		t.Fatalf("IoU disjoint = %v", got)
	}
	if got := IoU(a, domain.BBox{5, 0, 15, 10}); math.Abs(got-1.0/3.0) > 1e-9 {
		t.Fatalf("IoU half overlap = %v", got)
	}
}

// yoloOutput lays out candidates the way a [1, 4+classes, n] tensor does.
func yoloOutput(classes int, boxes [][4]float32, scores [][]float32) []float32 {
	n := len(boxes)
	out := make([]float32, (4+classes)*n)
	for i, b := range boxes {
		for k := 0; k < 4; k++ {
			out[k*n+i] = b[k]
		}
		for c := 0; c < classes; c++ {
			out[(4+c)*n+i] = scores[i][c]
		}
	}
	return out
}

func TestDecodeYOLO(t *testing.T) {
	labels := []string{"cat", "dog"}
	out := yoloOutput(2,
		[][4]float32{
			{100, 100, 50, 50}, // cat
			{102, 101, 50, 50}, // overlapping cat, lower score
			{300, 300, 40, 40}, // dog
			{500, 500, 10, 10}, // below threshold
			{101, 100, 50, 50}, // overlapping but a dog
		},
		[][]float32{
			{0.9, 0.1},
			{0.7, 0.2},
			{0.1, 0.8},
			{0.1, 0.1},
			{0.2, 0.6},
		},
	)

	dets, err := decodeYOLO(out, labels, 2, 1, 0.25, 0.45)
	if err != nil {
		t.Fatalf("decodeYOLO returned error: %v", err)
	}
	if len(dets) != 3 {
		t.Fatalf("detections = %+v, want 3", dets)
	}
	if dets[0].Label != "cat" || dets[1].Label != "dog" || dets[2].Label != "dog" {
		t.Fatalf("order = %s %s %s", dets[0].Label, dets[1].Label, dets[2].Label)
	}
	if dets[0].Box != (domain.BBox{150, 75, 250, 125}) {
		t.Fatalf("scaled box = %v", dets[0].Box)
	}
}

func TestDecodeYOLORejectsBadShape(t *testing.T) {
	if _, err := decodeYOLO(make([]float32, 7), []string{"a"}, 1, 1, 0.25, 0.45); err == nil {
		t.Fatalf("expected shape error")
	}
}

func TestAnnotate(t *testing.T) {
	src := writeTestImage(t, "in.png", 40, 30)
	dets := []domain.Detection{{Label: "cat", Score: 0.9, Box: domain.BBox{5, 5, 20, 20}}}

	dst := filepath.Join(t.TempDir(), "predicted", "out.png")
	if err := Annotate(src, dst, dets); err != nil {
		t.Fatalf("Annotate returned error: %v", err)
	}
	img, err := imaging.Open(dst)
	if err != nil {
		t.Fatalf("open annotated: %v", err)
	}
	if img.Bounds() != image.Rect(0, 0, 40, 30) {
		t.Fatalf("bounds = %v", img.Bounds())
	}
	r, g, b, _ := img.At(5, 5).RGBA()
	if r>>8 != 255 || g>>8 != 56 || b>>8 != 56 {
		t.Fatalf("corner pixel not drawn: %d %d %d", r>>8, g>>8, b>>8)
	}
}

func TestAnnotateUnknownExtensionFallsBackToJPEG(t *testing.T) {
	src := writeTestImage(t, "in.png", 10, 10)
	dst := filepath.Join(t.TempDir(), "out.dat")
	if err := Annotate(src, dst, nil); err != nil {
		t.Fatalf("Annotate returned error: %v", err)
	}
	f, err := os.Open(dst)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	if _, format, err := image.DecodeConfig(f); err != nil || format != "jpeg" {
		t.Fatalf("format = %q, err = %v", format, err)
	}
}
