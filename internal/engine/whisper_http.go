package engine

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"dictd/internal/protocol"
)

// WhisperHTTP talks to a local whisper-server instance. Loading a model
// asks the sidecar to (re)start with that model file; transcription posts a
// WAV upload to /inference.
type WhisperHTTP struct {
	baseURL string
	client  *http.Client
}

// NewWhisperHTTP returns a client for the whisper sidecar at baseURL.
func NewWhisperHTTP(baseURL string) *WhisperHTTP {
	return &WhisperHTTP{
		baseURL: strings.TrimRight(baseURL, "/"),
		// Transcription of a long recording on CPU can take a while; the
		// watchdog, not this timeout, is the liveness mechanism.
		client: &http.Client{Timeout: 10 * time.Minute},
	}
}

// Load asks the sidecar to serve modelPath on the given device and returns
// a Transcriber bound to it.
func (w *WhisperHTTP) Load(ctx context.Context, modelPath string, device protocol.Device) (Transcriber, error) {
	body, _ := json.Marshal(map[string]string{
		"model":  modelPath,
		"device": string(device),
	})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.baseURL+"/load", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := w.client.Do(req)
	if err != nil {
		return nil, ErrUnavailable(fmt.Sprintf("whisper sidecar at %s: %v", w.baseURL, err))
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return nil, fmt.Errorf("whisper load: %s: %s", resp.Status, strings.TrimSpace(string(b)))
	}
	return &whisperTranscriber{parent: w}, nil
}

type whisperTranscriber struct {
	parent *WhisperHTTP
}

type whisperResponse struct {
	Text             string `json:"text"`
	SpeechDurationMS int64  `json:"speech_duration_ms"`
}

func (t *whisperTranscriber) Transcribe(ctx context.Context, samples []byte, sampleRate int) (Transcription, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("file", "audio.wav")
	if err != nil {
		return Transcription{}, err
	}
	if _, err := fw.Write(wavPCM16(samples, sampleRate)); err != nil {
		return Transcription{}, err
	}
	if err := mw.Close(); err != nil {
		return Transcription{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.parent.baseURL+"/inference", &buf)
	if err != nil {
		return Transcription{}, err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	resp, err := t.parent.client.Do(req)
	if err != nil {
		return Transcription{}, fmt.Errorf("whisper inference: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return Transcription{}, fmt.Errorf("whisper inference: %s: %s", resp.Status, strings.TrimSpace(string(b)))
	}
	var out whisperResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return Transcription{}, fmt.Errorf("whisper inference: decode: %w", err)
	}
	return Transcription{
		Text:             strings.TrimSpace(out.Text),
		SpeechDurationMS: out.SpeechDurationMS,
	}, nil
}

func (t *whisperTranscriber) Close() error { return nil }

// wavPCM16 wraps raw 16-bit LE mono PCM in a minimal RIFF header.
func wavPCM16(samples []byte, sampleRate int) []byte {
	const (
		numChannels   = 1
		bitsPerSample = 16
	)
	byteRate := sampleRate * numChannels * bitsPerSample / 8
	blockAlign := numChannels * bitsPerSample / 8

	out := make([]byte, 0, 44+len(samples))
	var hdr [44]byte
	copy(hdr[0:4], "RIFF")
	binary.LittleEndian.PutUint32(hdr[4:8], uint32(36+len(samples)))
	copy(hdr[8:12], "WAVE")
	copy(hdr[12:16], "fmt ")
	binary.LittleEndian.PutUint32(hdr[16:20], 16)
	binary.LittleEndian.PutUint16(hdr[20:22], 1) // PCM
	binary.LittleEndian.PutUint16(hdr[22:24], numChannels)
	binary.LittleEndian.PutUint32(hdr[24:28], uint32(sampleRate))
	binary.LittleEndian.PutUint32(hdr[28:32], uint32(byteRate))
	binary.LittleEndian.PutUint16(hdr[32:34], uint16(blockAlign))
	binary.LittleEndian.PutUint16(hdr[34:36], bitsPerSample)
	copy(hdr[36:40], "data")
	binary.LittleEndian.PutUint32(hdr[40:44], uint32(len(samples)))
	out = append(out, hdr[:]...)
	return append(out, samples...)
}
