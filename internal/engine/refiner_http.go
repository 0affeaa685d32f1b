package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"dictd/internal/protocol"
)

const defaultRefineTimeout = 30 * time.Second

// RefinerHTTP refines text through an Ollama-compatible generate endpoint.
// The model name is derived from the configured model file; prompt content
// is owned by the sidecar's modelfile, not by dictd.
type RefinerHTTP struct {
	baseURL string
	client  *http.Client
}

// NewRefinerHTTP returns a client for the refinement sidecar at baseURL.
func NewRefinerHTTP(baseURL string) *RefinerHTTP {
	return &RefinerHTTP{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: defaultRefineTimeout},
	}
}

// Load verifies the sidecar is reachable and returns a Refiner bound to the
// model named after modelPath.
func (r *RefinerHTTP) Load(ctx context.Context, modelPath string, device protocol.Device) (Refiner, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.baseURL+"/api/tags", nil)
	if err != nil {
		return nil, err
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return nil, ErrUnavailable(fmt.Sprintf("refiner sidecar at %s: %v", r.baseURL, err))
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, ErrUnavailable(fmt.Sprintf("refiner sidecar at %s: %s", r.baseURL, resp.Status))
	}
	model := strings.TrimSuffix(filepath.Base(modelPath), filepath.Ext(modelPath))
	return &httpRefiner{parent: r, model: model}, nil
}

type httpRefiner struct {
	parent *RefinerHTTP
	model  string
}

type generateRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
	Stream bool   `json:"stream"`
}

type generateResponse struct {
	Response string `json:"response"`
	Done     bool   `json:"done"`
}

func (h *httpRefiner) Refine(ctx context.Context, text string) (string, error) {
	body, _ := json.Marshal(generateRequest{Model: h.model, Prompt: text, Stream: false})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.parent.baseURL+"/api/generate", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := h.parent.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("refine: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return "", fmt.Errorf("refine: %s: %s", resp.Status, strings.TrimSpace(string(b)))
	}
	var out generateResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("refine: decode: %w", err)
	}
	refined := strings.TrimSpace(out.Response)
	if refined == "" {
		// An empty rewrite is worse than the raw text; keep the original.
		return text, nil
	}
	return refined, nil
}

func (h *httpRefiner) Close() error { return nil }
