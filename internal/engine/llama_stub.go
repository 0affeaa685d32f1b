//go:build !llama

package engine

import (
	"context"

	"dictd/internal/protocol"
)

// loadLlamaRefiner is unavailable without the llama build tag.
func loadLlamaRefiner(ctx context.Context, modelPath string, device protocol.Device) (Refiner, error) {
	return nil, ErrUnavailable("in-process refiner requires the llama build tag")
}
