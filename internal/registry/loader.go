package registry

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"dictd/internal/common/fsutil"
	"dictd/pkg/types"
)

// Filename extensions per model kind: whisper.cpp ASR models ship as
// ggml *.bin, refinement models as *.gguf.
const (
	asrExt    = ".bin"
	refineExt = ".gguf"
)

// footprintOverheadPct is added on top of the file size when estimating the
// loaded footprint (KV cache, scratch buffers).
const footprintOverheadPct = 20

// LoadDir scans a directory for model files and builds a registry from
// filenames. ID is the full filename (including extension); Path is the
// absolute file path.
func LoadDir(dir string) ([]types.ModelInfo, error) {
	base, err := fsutil.ExpandHome(dir)
	if err != nil {
		return nil, err
	}
	abs, err := filepath.Abs(base)
	if err != nil {
		return nil, fmt.Errorf("abs path: %w", err)
	}
	entries, err := os.ReadDir(abs)
	if err != nil {
		return nil, fmt.Errorf("read dir: %w", err)
	}
	var models []types.ModelInfo
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		var kind string
		switch strings.ToLower(filepath.Ext(name)) {
		case asrExt:
			kind = "asr"
		case refineExt:
			kind = "refinement"
		default:
			continue
		}
		info, err := e.Info()
		if err != nil {
			return nil, fmt.Errorf("stat %s: %w", name, err)
		}
		models = append(models, types.ModelInfo{
			ID:             name,
			Kind:           kind,
			Path:           filepath.Join(abs, name),
			SizeBytes:      info.Size(),
			FootprintBytes: Footprint(info.Size()),
		})
	}
	return models, nil
}

// Footprint estimates the loaded size of a model file.
func Footprint(sizeBytes int64) uint64 {
	if sizeBytes <= 0 {
		return 0
	}
	return uint64(sizeBytes) + uint64(sizeBytes)*footprintOverheadPct/100
}

// Find returns the model with the given id and kind.
func Find(models []types.ModelInfo, id, kind string) (types.ModelInfo, bool) {
	for _, m := range models {
		if m.ID == id && m.Kind == kind {
			return m, true
		}
	}
	return types.ModelInfo{}, false
}
