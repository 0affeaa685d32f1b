package engine

import (
	"context"

	"dictd/internal/protocol"
)

// SidecarLoader is the production Loader: whisper-server for ASR and an
// Ollama-compatible endpoint for refinement. An empty URL leaves that slot
// unavailable, which surfaces as a reload fault rather than a crash.
type SidecarLoader struct {
	whisper *WhisperHTTP
	refiner *RefinerHTTP
}

// NewSidecarLoader wires the sidecar endpoints. Either URL may be empty.
func NewSidecarLoader(whisperURL, refinerURL string) *SidecarLoader {
	l := &SidecarLoader{}
	if whisperURL != "" {
		l.whisper = NewWhisperHTTP(whisperURL)
	}
	if refinerURL != "" {
		l.refiner = NewRefinerHTTP(refinerURL)
	}
	return l
}

func (l *SidecarLoader) LoadTranscriber(ctx context.Context, modelPath string, device protocol.Device) (Transcriber, error) {
	if l.whisper == nil {
		return nil, ErrUnavailable("no whisper sidecar configured")
	}
	return l.whisper.Load(ctx, modelPath, device)
}

func (l *SidecarLoader) LoadRefiner(ctx context.Context, modelPath string, device protocol.Device) (Refiner, error) {
	if l.refiner != nil {
		return l.refiner.Load(ctx, modelPath, device)
	}
	return loadLlamaRefiner(ctx, modelPath, device)
}
