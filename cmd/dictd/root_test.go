package main

import (
	"testing"

	"dictd/internal/config"
)

func TestDeltaFromConfigSkipsEmptyModelIDs(t *testing.T) {
	cfg := config.Config{ASRModel: "ggml-small.bin"}
	cfg.ApplyDefaults()

	delta := deltaFromConfig(cfg)
	if delta.ASRModel == nil || *delta.ASRModel != "ggml-small.bin" {
		t.Fatalf("asr model = %v, want ggml-small.bin", delta.ASRModel)
	}
	if delta.RefineModel != nil {
		t.Fatalf("empty refine_model must not be pushed, got %q", *delta.RefineModel)
	}
	if delta.Device == nil || *delta.Device != "auto" {
		t.Fatalf("device = %v, want auto", delta.Device)
	}
	if delta.RefineEnabled == nil || *delta.RefineEnabled {
		t.Fatalf("refine_enabled = %v, want pointer to false", delta.RefineEnabled)
	}
}

func TestDeltaFromConfigCarriesModelsWhenSet(t *testing.T) {
	cfg := config.Config{
		ASRModel:      "ggml-small.bin",
		RefineModel:   "qwen.gguf",
		RefineEnabled: true,
	}
	cfg.ApplyDefaults()

	delta := deltaFromConfig(cfg)
	if delta.ASRModel == nil || *delta.ASRModel != "ggml-small.bin" {
		t.Fatalf("asr model = %v", delta.ASRModel)
	}
	if delta.RefineModel == nil || *delta.RefineModel != "qwen.gguf" {
		t.Fatalf("refine model = %v", delta.RefineModel)
	}
	if delta.RefineEnabled == nil || !*delta.RefineEnabled {
		t.Fatalf("refine_enabled = %v, want pointer to true", delta.RefineEnabled)
	}
}
