package extract

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// LocalOCRStrategy calls a self-hosted layout-aware OCR service over
// HTTP. Document bytes stay inside the deployment.
type LocalOCRStrategy struct {
	baseURL string
	client  *http.Client
}

// NewLocalOCRStrategy creates the local OCR strategy.
func NewLocalOCRStrategy(baseURL string, client *http.Client) *LocalOCRStrategy {
	if client == nil {
		client = &http.Client{Timeout: textractPollCeiling}
	}
	return &LocalOCRStrategy{baseURL: baseURL, client: client}
}

func (s *LocalOCRStrategy) Name() string { return "local_ocr" }

type localOCRResponse struct {
	Pages []struct {
		Page       int     `json:"page"`
		Text       string  `json:"text"`
		Confidence float64 `json:"confidence"`
	} `json:"pages"`
}

// Extract posts the document bytes and maps the per-page response.
func (s *LocalOCRStrategy) Extract(ctx context.Context, src Source) (*Result, error) {
	start := time.Now()

	url := fmt.Sprintf("%s/v1/ocr", s.baseURL)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(src.Data))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", src.MIME)

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to call OCR service: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("OCR service error (status %d): %s", resp.StatusCode, string(body))
	}

	var ocrResp localOCRResponse
	if err := json.NewDecoder(resp.Body).Decode(&ocrResp); err != nil {
		return nil, fmt.Errorf("failed to decode OCR response: %w", err)
	}

	pages := make([]Page, 0, len(ocrResp.Pages))
	for _, p := range ocrResp.Pages {
		pages = append(pages, Page{Number: p.Page, Text: p.Text, Confidence: p.Confidence})
	}
	return finishResult(pages, s.Name(), start), nil
}

var _ Strategy = (*LocalOCRStrategy)(nil)
