package detector

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"detectsvc/internal/domain"
)

// HTTPModel sends the image to an inference service as a multipart "file"
// field and reads back {"detections":[{x,y,width,height,class,confidence}]}.
type HTTPModel struct {
	inferenceURL string
	client       *http.Client
}

func NewHTTPModel(inferenceURL string, client *http.Client) *HTTPModel {
	if client == nil {
		client = &http.Client{Timeout: 2 * time.Minute}
	}
	return &HTTPModel{inferenceURL: inferenceURL, client: client}
}

type httpDetection struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
	Class  string  `json:"class"`
	Conf   float64 `json:"confidence"`
}

func (m *HTTPModel) Detect(ctx context.Context, path string) ([]domain.Detection, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open image: %w", err)
	}
	defer f.Close()

	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)
	part, err := writer.CreateFormFile("file", filepath.Base(path))
	if err != nil {
		return nil, fmt.Errorf("create form file: %w", err)
	}
	if _, err := io.Copy(part, f); err != nil {
		return nil, fmt.Errorf("copy image data: %w", err)
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("close multipart: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.inferenceURL, body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	resp, err := m.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("inference failed with status: %d", resp.StatusCode)
	}

	var result struct {
		Detections []httpDetection `json:"detections"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	dets := make([]domain.Detection, 0, len(result.Detections))
	for _, d := range result.Detections {
		dets = append(dets, domain.Detection{
			Label: NormalizeLabel(d.Class),
			Score: d.Conf,
			Box:   domain.BBox{d.X, d.Y, d.X + d.Width, d.Y + d.Height},
		})
	}
	return dets, nil
}

// CheckHealth probes /health on the inference service host.
func (m *HTTPModel) CheckHealth(ctx context.Context) error {
	base, err := url.Parse(m.inferenceURL)
	if err != nil {
		return fmt.Errorf("parse inference url: %w", err)
	}
	healthURL := base.ResolveReference(&url.URL{Path: "/health"})

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, healthURL.String(), nil)
	if err != nil {
		return err
	}
	resp, err := m.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("inference service unhealthy: %d", resp.StatusCode)
	}
	return nil
}
