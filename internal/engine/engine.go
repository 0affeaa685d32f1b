// Package engine abstracts the inference backends the worker loads and
// owns. The control plane only ever sees these interfaces; concrete
// adapters live behind them (HTTP sidecars by default, in-process llama.cpp
// behind the llama build tag).
package engine

import (
	"context"

	"dictd/internal/protocol"
)

// Transcription is the outcome of one ASR pass.
type Transcription struct {
	Text string
	// SpeechDurationMS is the detected speech portion of the input, as
	// reported by the backend. Zero when the backend does not report it.
	SpeechDurationMS int64
}

// Transcriber converts captured PCM into text.
type Transcriber interface {
	// Transcribe processes 16-bit little-endian mono PCM at sampleRate.
	Transcribe(ctx context.Context, samples []byte, sampleRate int) (Transcription, error)
	Close() error
}

// Refiner rewrites raw transcription text (punctuation, casing, filler
// removal). Prompt content is opaque configuration owned by the backend.
type Refiner interface {
	Refine(ctx context.Context, text string) (string, error)
	Close() error
}

// Loader creates engines for a model file on a placement device. The worker
// holds exactly one Loader; tests inject fakes.
type Loader interface {
	LoadTranscriber(ctx context.Context, modelPath string, device protocol.Device) (Transcriber, error)
	LoadRefiner(ctx context.Context, modelPath string, device protocol.Device) (Refiner, error)
}

// unavailableError signals a missing backend (sidecar not running, build
// tag absent) so callers can distinguish it from an inference fault.
type unavailableError struct{ msg string }

func (e unavailableError) Error() string { return e.msg }

// ErrUnavailable constructs an unavailableError.
func ErrUnavailable(msg string) error { return unavailableError{msg: msg} }

// IsUnavailable reports whether err indicates a missing backend.
func IsUnavailable(err error) bool {
	_, ok := err.(unavailableError)
	return ok
}

// fatalError signals engine corruption: the loaded model can no longer be
// trusted and the session must fail rather than return to idle.
type fatalError struct{ msg string }

func (e fatalError) Error() string { return e.msg }

// ErrFatal constructs a fatalError.
func ErrFatal(msg string) error { return fatalError{msg: msg} }

// IsFatal reports whether err indicates engine corruption.
func IsFatal(err error) bool {
	_, ok := err.(fatalError)
	return ok
}
