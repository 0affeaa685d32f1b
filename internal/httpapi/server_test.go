package httpapi

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"dictd/internal/protocol"
	"dictd/internal/supervisor"
	"dictd/internal/wire"
	"dictd/pkg/types"
)

type mockService struct {
	models       []types.ModelInfo
	status       types.StatusResponse
	beginErr     error
	endErr       error
	configErr    error
	decisionErr  error
	lastDelta    protocol.ConfigDelta
	lastDecision string
	lastSamples  []byte
	lastRate     int
	events       chan types.UIEvent
}

func (m *mockService) BeginRecording() (string, error) {
	if m.beginErr != nil {
		return "", m.beginErr
	}
	return "req-1", nil
}

func (m *mockService) EndRecording(samples []byte, rate int) (string, error) {
	if m.endErr != nil {
		return "", m.endErr
	}
	m.lastSamples, m.lastRate = samples, rate
	return "req-2", nil
}

func (m *mockService) PushConfig(delta protocol.ConfigDelta) (string, error) {
	if m.configErr != nil {
		return "", m.configErr
	}
	m.lastDelta = delta
	return "req-3", nil
}

func (m *mockService) ResolvePlacement(decision string) (string, error) {
	if m.decisionErr != nil {
		return "", m.decisionErr
	}
	m.lastDecision = decision
	return "req-4", nil
}

func (m *mockService) Status() types.StatusResponse { return m.status }

func (m *mockService) ListModels() ([]types.ModelInfo, error) {
	return append([]types.ModelInfo(nil), m.models...), nil
}

func (m *mockService) Subscribe() (<-chan types.UIEvent, func()) {
	if m.events == nil {
		m.events = make(chan types.UIEvent, 8)
	}
	return m.events, func() {}
}

func postJSON(t *testing.T, h http.Handler, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	h.ServeHTTP(w, req)
	return w
}

func TestModelsHandler(t *testing.T) {
	svc := &mockService{models: []types.ModelInfo{{ID: "ggml-small.bin", Kind: "asr"}, {ID: "qwen.gguf", Kind: "refinement"}}}
	r := NewMux(svc)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/models", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("status=%d", w.Code)
	}
	var body types.ModelsResponse
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("json: %v", err)
	}
	if len(body.Models) != 2 {
		t.Fatalf("models len=%d", len(body.Models))
	}
}

func TestStatusHandler(t *testing.T) {
	svc := &mockService{status: types.StatusResponse{SessionState: "idle", WorkerAlive: true}}
	r := NewMux(svc)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/status", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("status=%d", w.Code)
	}
	var body types.StatusResponse
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("json: %v", err)
	}
	if body.SessionState != "idle" {
		t.Fatalf("unexpected body: %+v", body)
	}
}

func TestRecordStartAccepted(t *testing.T) {
	svc := &mockService{}
	r := NewMux(svc)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/record/start", nil))
	if w.Code != http.StatusAccepted {
		t.Fatalf("status=%d body=%s", w.Code, w.Body.String())
	}
	var body types.RecordResponse
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("json: %v", err)
	}
	if body.RequestID != "req-1" {
		t.Fatalf("request_id=%q", body.RequestID)
	}
}

func TestRecordStopCarriesAudio(t *testing.T) {
	svc := &mockService{}
	r := NewMux(svc)
	// "AAEC" is base64 for bytes 0,1,2.
	w := postJSON(t, r, "/record/stop", `{"samples":"AAEC","sample_rate":16000}`)
	if w.Code != http.StatusAccepted {
		t.Fatalf("status=%d body=%s", w.Code, w.Body.String())
	}
	if len(svc.lastSamples) != 3 || svc.lastRate != 16000 {
		t.Fatalf("samples=%v rate=%d", svc.lastSamples, svc.lastRate)
	}
}

func TestRecordStopRejectsBadJSON(t *testing.T) {
	r := NewMux(&mockService{})
	if w := postJSON(t, r, "/record/stop", "not-json"); w.Code != http.StatusBadRequest {
		t.Fatalf("status=%d", w.Code)
	}
}

func TestRecordStopRequiresJSONContentType(t *testing.T) {
	r := NewMux(&mockService{})
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/record/stop", strings.NewReader(`{}`))
	req.Header.Set("Content-Type", "text/plain")
	r.ServeHTTP(w, req)
	if w.Code != http.StatusUnsupportedMediaType {
		t.Fatalf("status=%d", w.Code)
	}
}

func TestConfigDeltaForwarded(t *testing.T) {
	svc := &mockService{}
	r := NewMux(svc)
	w := postJSON(t, r, "/config", `{"asr_model":"ggml-large.bin","refine_enabled":true}`)
	if w.Code != http.StatusAccepted {
		t.Fatalf("status=%d body=%s", w.Code, w.Body.String())
	}
	if svc.lastDelta.ASRModel == nil || *svc.lastDelta.ASRModel != "ggml-large.bin" {
		t.Fatalf("delta=%+v", svc.lastDelta)
	}
	if svc.lastDelta.RefineEnabled == nil || !*svc.lastDelta.RefineEnabled {
		t.Fatalf("delta=%+v", svc.lastDelta)
	}
}

func TestConfigRejectsEmptyDelta(t *testing.T) {
	r := NewMux(&mockService{})
	if w := postJSON(t, r, "/config", `{}`); w.Code != http.StatusBadRequest {
		t.Fatalf("status=%d", w.Code)
	}
}

func TestConfigRejectsUnknownDevice(t *testing.T) {
	r := NewMux(&mockService{})
	if w := postJSON(t, r, "/config", `{"device":"sideways"}`); w.Code != http.StatusBadRequest {
		t.Fatalf("status=%d", w.Code)
	}
}

func TestPlacementDecisionForwarded(t *testing.T) {
	svc := &mockService{}
	r := NewMux(svc)
	w := postJSON(t, r, "/gpu/decision", `{"decision":"fallback"}`)
	if w.Code != http.StatusAccepted {
		t.Fatalf("status=%d body=%s", w.Code, w.Body.String())
	}
	if svc.lastDecision != "fallback" {
		t.Fatalf("decision=%q", svc.lastDecision)
	}
}

func TestErrorMapping(t *testing.T) {
	cases := []struct {
		name string
		svc  *mockService
		path string
		body string
		want int
	}{
		{"bad decision", &mockService{decisionErr: supervisor.ErrBadDecision}, "/gpu/decision", `{"decision":"x"}`, http.StatusBadRequest},
		{"no pending decision", &mockService{decisionErr: supervisor.ErrNoPendingDecision}, "/gpu/decision", `{"decision":"fallback"}`, http.StatusConflict},
		{"unknown model", &mockService{configErr: &supervisor.ModelNotFoundError{ID: "nope.bin", Kind: "asr"}}, "/config", `{"asr_model":"nope.bin"}`, http.StatusNotFound},
		{"not running", &mockService{configErr: supervisor.ErrNotRunning}, "/config", `{"device":"fallback"}`, http.StatusServiceUnavailable},
		{"shutting down", &mockService{configErr: supervisor.ErrShuttingDown}, "/config", `{"device":"fallback"}`, http.StatusServiceUnavailable},
	}
	for _, tc := range cases {
		w := postJSON(t, NewMux(tc.svc), tc.path, tc.body)
		if w.Code != tc.want {
			t.Fatalf("%s: status=%d want %d", tc.name, w.Code, tc.want)
		}
		var body types.ErrorResponse
		if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
			t.Fatalf("%s: error payload not JSON: %v", tc.name, err)
		}
		if body.Code != tc.want {
			t.Fatalf("%s: payload code=%d", tc.name, body.Code)
		}
	}
}

func TestOversizedRecordingMaps413(t *testing.T) {
	svc := &mockService{endErr: wire.ErrFrameTooLarge}
	w := postJSON(t, NewMux(svc), "/record/stop", `{"samples":"AAEC","sample_rate":16000}`)
	if w.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("status=%d want 413", w.Code)
	}
}

func TestRecordStartWhileSessionActiveMaps409(t *testing.T) {
	svc := &mockService{beginErr: supervisor.ErrSessionBusy}
	r := NewMux(svc)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/record/start", nil))
	if w.Code != http.StatusConflict {
		t.Fatalf("status=%d", w.Code)
	}
}

func TestRecordStartWhileWorkerDownMaps503(t *testing.T) {
	svc := &mockService{beginErr: supervisor.ErrNotRunning}
	r := NewMux(svc)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/record/start", nil))
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("status=%d", w.Code)
	}
}

func TestReadyz(t *testing.T) {
	svc := &mockService{status: types.StatusResponse{SessionState: "idle", WorkerAlive: true}}
	r := NewMux(svc)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("status=%d", w.Code)
	}
}

func TestReadyzNotReadyWhileStarting(t *testing.T) {
	svc := &mockService{status: types.StatusResponse{SessionState: "starting", WorkerAlive: true}}
	r := NewMux(svc)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("status=%d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "loading") {
		t.Fatalf("body=%q", w.Body.String())
	}
}

func TestHealthz(t *testing.T) {
	r := NewMux(&mockService{})
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("status=%d", w.Code)
	}
}

func TestMountSwaggerNoOp(t *testing.T) {
	// Default build has no swagger UI and must not panic.
	r := NewMux(&mockService{})
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/swagger/index.html", nil))
	if w.Code != http.StatusNotFound {
		t.Fatalf("status=%d", w.Code)
	}
}
