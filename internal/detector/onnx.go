package detector

import (
	"context"
	"fmt"
	"image"
	"runtime"
	"sort"
	"sync"

	"github.com/disintegration/imaging"
	ort "github.com/yalue/onnxruntime_go"

	"detectsvc/internal/domain"
)

const (
	InputWidth  = 640
	InputHeight = 640
	// YOLOv8 exports emit 8400 candidate boxes of 4 coordinates plus one score per class.
	numCandidates = 8400
	defaultIoU    = 0.45
)

var cocoLabels = []string{
	"person", "bicycle", "car", "motorcycle", "airplane", "bus", "train", "truck", "boat",
	"traffic light", "fire hydrant", "stop sign", "parking meter", "bench", "bird", "cat",
	"dog", "horse", "sheep", "cow", "elephant", "bear", "zebra", "giraffe", "backpack",
	"umbrella", "handbag", "tie", "suitcase", "frisbee", "skis", "snowboard", "sports ball",
	"kite", "baseball bat", "baseball glove", "skateboard", "surfboard", "tennis racket",
	"bottle", "wine glass", "cup", "fork", "knife", "spoon", "bowl", "banana", "apple",
	"sandwich", "orange", "broccoli", "carrot", "hot dog", "pizza", "donut", "cake", "chair",
	"couch", "potted plant", "bed", "dining table", "toilet", "tv", "laptop", "mouse",
	"remote", "keyboard", "cell phone", "microwave", "oven", "toaster", "sink",
	"refrigerator", "book", "clock", "vase", "scissors", "teddy bear", "hair drier",
	"toothbrush",
}

// ONNXOptions configures the in-process YOLOv8 backend.
type ONNXOptions struct {
	ModelPath  string
	RuntimeLib string
	MinScore   float64
	Labels     []string
}

// ONNXModel runs a YOLOv8 export through onnxruntime. The session owns a
// single pair of tensors, so Detect calls are serialized.
type ONNXModel struct {
	mu       sync.Mutex
	session  *ort.AdvancedSession
	input    *ort.Tensor[float32]
	output   *ort.Tensor[float32]
	labels   []string
	minScore float64
}

func NewONNXModel(opts ONNXOptions) (*ONNXModel, error) {
	if opts.RuntimeLib != "" {
		ort.SetSharedLibraryPath(opts.RuntimeLib)
	}
	if !ort.IsInitialized() {
		if err := ort.InitializeEnvironment(); err != nil {
			return nil, fmt.Errorf("initialize onnxruntime: %w", err)
		}
	}
	labels := opts.Labels
	if len(labels) == 0 {
		labels = cocoLabels
	}
	if opts.MinScore <= 0 {
		opts.MinScore = 0.25
	}

	options, err := ort.NewSessionOptions()
	if err != nil {
		return nil, fmt.Errorf("error creating session options: %w", err)
	}
	defer options.Destroy()
	_ = options.SetIntraOpNumThreads(runtime.NumCPU())

	inputTensor, err := ort.NewEmptyTensor[float32](ort.NewShape(1, 3, InputHeight, InputWidth))
	if err != nil {
		return nil, fmt.Errorf("error creating input tensor: %w", err)
	}
	outputTensor, err := ort.NewEmptyTensor[float32](ort.NewShape(1, int64(4+len(labels)), numCandidates))
	if err != nil {
		inputTensor.Destroy()
		return nil, fmt.Errorf("error creating output tensor: %w", err)
	}

	session, err := ort.NewAdvancedSession(
		opts.ModelPath,
		[]string{"images"},
		[]string{"output0"},
		[]ort.ArbitraryTensor{inputTensor},
		[]ort.ArbitraryTensor{outputTensor},
		options,
	)
	if err != nil {
		inputTensor.Destroy()
		outputTensor.Destroy()
		return nil, fmt.Errorf("error creating session: %w", err)
	}

	return &ONNXModel{
		session:  session,
		input:    inputTensor,
		output:   outputTensor,
		labels:   labels,
		minScore: opts.MinScore,
	}, nil
}

func (m *ONNXModel) Detect(ctx context.Context, path string) ([]domain.Detection, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	img, err := imaging.Open(path, imaging.AutoOrientation(true))
	if err != nil {
		return nil, fmt.Errorf("open image: %w", err)
	}
	bounds := img.Bounds()

	m.mu.Lock()
	defer m.mu.Unlock()

	fillInput(imaging.Resize(img, InputWidth, InputHeight, imaging.Linear), m.input.GetData())
	if err := m.session.Run(); err != nil {
		return nil, fmt.Errorf("model inference: %w", err)
	}

	scaleX := float64(bounds.Dx()) / InputWidth
	scaleY := float64(bounds.Dy()) / InputHeight
	return decodeYOLO(m.output.GetData(), m.labels, scaleX, scaleY, m.minScore, defaultIoU)
}

// Close releases the session and tensors.
func (m *ONNXModel) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session != nil {
		m.session.Destroy()
		m.session = nil
	}
	if m.input != nil {
		m.input.Destroy()
		m.input = nil
	}
	if m.output != nil {
		m.output.Destroy()
		m.output = nil
	}
	return nil
}

// fillInput writes pic into dst as planar RGB scaled to [0,1].
func fillInput(pic *image.NRGBA, dst []float32) {
	channelSize := InputWidth * InputHeight
	for y := 0; y < InputHeight; y++ {
		for x := 0; x < InputWidth; x++ {
			i := y*InputWidth + x
			o := pic.PixOffset(x, y)
			dst[i] = float32(pic.Pix[o]) / 255.0
			dst[channelSize+i] = float32(pic.Pix[o+1]) / 255.0
			dst[channelSize*2+i] = float32(pic.Pix[o+2]) / 255.0
		}
	}
}

// decodeYOLO turns a [1, 4+classes, candidates] output into detections in
// source image pixels, best score first, after per-class NMS.
func decodeYOLO(out []float32, labels []string, scaleX, scaleY, minScore, iou float64) ([]domain.Detection, error) {
	rows := 4 + len(labels)
	if len(out) == 0 || len(out)%rows != 0 {
		return nil, fmt.Errorf("unexpected predictions length: %d", len(out))
	}
	n := len(out) / rows

	var candidates []domain.Detection
	classOf := make(map[int]int)
	for i := 0; i < n; i++ {
		best, bestScore := -1, float32(0)
		for c := range labels {
			if s := out[(4+c)*n+i]; s > bestScore {
				best, bestScore = c, s
			}
		}
		if best < 0 || float64(bestScore) < minScore {
			continue
		}
		cx, cy := float64(out[i]), float64(out[n+i])
		w, h := float64(out[2*n+i]), float64(out[3*n+i])
		classOf[len(candidates)] = best
		candidates = append(candidates, domain.Detection{
			Label: labels[best],
			Score: float64(bestScore),
			Box: domain.BBox{
				(cx - w/2) * scaleX,
				(cy - h/2) * scaleY,
				(cx + w/2) * scaleX,
				(cy + h/2) * scaleY,
			},
		})
	}

	order := make([]int, len(candidates))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		return candidates[order[a]].Score > candidates[order[b]].Score
	})

	kept := make([]domain.Detection, 0, len(candidates))
	var keptIdx []int
	for _, idx := range order {
		suppressed := false
		for _, k := range keptIdx {
			if classOf[k] == classOf[idx] && IoU(candidates[k].Box, candidates[idx].Box) > iou {
				suppressed = true
				break
			}
		}
		if !suppressed {
			keptIdx = append(keptIdx, idx)
			kept = append(kept, candidates[idx])
		}
	}
	return kept, nil
}

// IoU returns the intersection over union of two boxes.
func IoU(a, b domain.BBox) float64 {
	x1, y1 := max(a[0], b[0]), max(a[1], b[1])
	x2, y2 := min(a[2], b[2]), min(a[3], b[3])
	inter := max(0, x2-x1) * max(0, y2-y1)
	union := a.Width()*a.Height() + b.Width()*b.Height() - inter
	if union <= 0 {
		return 0
	}
	return inter / union
}
