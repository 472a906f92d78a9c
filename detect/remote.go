package detect

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"image"
	"image/jpeg"
	"io"
	"log"
	"mime/multipart"
	"net/http"
	"time"
)

// HTTPProcessor sends JPEG frames to an inference endpoint and decodes the
// detection list it returns.
type HTTPProcessor struct {
	endpoint    string
	confidence  float64
	jpegQuality int
	client      *http.Client
}

type inferenceResponse struct {
	Detections []Detection `json:"detections"`
}

func NewHTTPProcessor(endpoint string, confidenceThreshold float64) *HTTPProcessor {
	return &HTTPProcessor{
		endpoint:    endpoint,
		confidence:  confidenceThreshold,
		jpegQuality: 80,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

func (p *HTTPProcessor) Process(ctx context.Context, img image.Image) ([]Detection, error) {
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: p.jpegQuality}); err != nil {
		return nil, fmt.Errorf("encoding frame: %w", err)
	}

	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)
	part, err := writer.CreateFormFile("frame", "frame.jpg")
	if err != nil {
		return nil, err
	}
	if _, err := part.Write(buf.Bytes()); err != nil {
		return nil, err
	}
	writer.Close()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("detector request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		bodyBytes, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("detector returned status %d: %s", resp.StatusCode, string(bodyBytes))
	}

	var decoded inferenceResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("decoding detector response: %w", err)
	}

	detections := make([]Detection, 0, len(decoded.Detections))
	for _, d := range decoded.Detections {
		if d.Confidence < p.confidence {
			continue
		}
		detections = append(detections, d)
	}
	if len(decoded.Detections) > 0 && len(detections) == 0 {
		log.Printf("All %d detections below confidence threshold %.2f", len(decoded.Detections), p.confidence)
	}
	return detections, nil
}
