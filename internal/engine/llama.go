//go:build llama

package engine

import (
	"context"
	"strings"
	"sync"

	llama "github.com/go-skynet/go-llama.cpp"

	"dictd/internal/protocol"
)

// llamaRefiner runs refinement in process through go-llama.cpp. Built with
// -tags=llama and the llama.cpp libraries on the link path.
type llamaRefiner struct {
	mu    sync.Mutex
	model *llama.LLama
}

const llamaRefineCtxSize = 2048

// loadLlamaRefiner builds the in-process refiner for modelPath. GPU layer
// offload follows the placement decision: everything on the accelerator, or
// zero layers on the fallback path.
func loadLlamaRefiner(ctx context.Context, modelPath string, device protocol.Device) (Refiner, error) {
	opts := []llama.ModelOption{llama.SetContext(llamaRefineCtxSize)}
	if device == protocol.DeviceAccelerator {
		opts = append(opts, llama.SetGPULayers(-1))
	}
	m, err := llama.New(modelPath, opts...)
	if err != nil {
		return nil, err
	}
	return &llamaRefiner{model: m}, nil
}

func (r *llamaRefiner) Refine(ctx context.Context, text string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out, err := r.model.Predict(text, llama.SetTokens(len(text)+256))
	if err != nil {
		return "", err
	}
	refined := strings.TrimSpace(out)
	if refined == "" {
		return text, nil
	}
	return refined, nil
}

func (r *llamaRefiner) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.model != nil {
		r.model.Free()
		r.model = nil
	}
	return nil
}
