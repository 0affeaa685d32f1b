package httpapi

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"dictd/internal/protocol"
	"dictd/pkg/types"
)

// Service defines the control-plane surface required by the HTTP layer.
// The supervisor implements it.
type Service interface {
	BeginRecording() (string, error)
	EndRecording(samples []byte, sampleRate int) (string, error)
	PushConfig(delta protocol.ConfigDelta) (string, error)
	ResolvePlacement(decision string) (string, error)
	Status() types.StatusResponse
	ListModels() ([]types.ModelInfo, error)
	Subscribe() (<-chan types.UIEvent, func())
}

func NewMux(svc Service) http.Handler {
	r := chi.NewRouter()
	// Basic middlewares: request id, real ip, recoverer
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Compress(5))
	r.Use(MetricsMiddleware)
	if corsEnabled {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: corsAllowedOrigins,
			AllowedMethods: corsAllowedMethods,
			AllowedHeaders: corsAllowedHeaders,
		}))
	}
	// Security headers
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("X-Content-Type-Options", "nosniff")
			next.ServeHTTP(w, r)
		})
	})

	r.Get("/models", func(w http.ResponseWriter, r *http.Request) {
		models, err := svc.ListModels()
		if err != nil {
			writeServiceError(w, err)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(types.ModelsResponse{Models: models}); err != nil {
			writeJSONError(w, http.StatusInternalServerError, "failed to encode response")
		}
	})

	r.Get("/status", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(svc.Status()); err != nil {
			writeJSONError(w, http.StatusInternalServerError, "failed to encode response")
		}
	})

	r.Post("/record/start", func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		id, err := svc.BeginRecording()
		if err != nil {
			writeServiceError(w, err)
			return
		}
		logRequest(r, "record start", id, start)
		writeJSON(w, http.StatusAccepted, types.RecordResponse{RequestID: id})
	})

	r.Post("/record/stop", func(w http.ResponseWriter, r *http.Request) {
		if !requireJSON(w, r) {
			return
		}
		start := time.Now()
		r.Body = http.MaxBytesReader(w, r.Body, maxAudioBodyBytes)
		var req types.RecordStopRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSONError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		if req.SampleRate <= 0 {
			req.SampleRate = 16000
		}
		id, err := svc.EndRecording(req.Samples, req.SampleRate)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		logRequest(r, "record stop", id, start)
		writeJSON(w, http.StatusAccepted, types.RecordResponse{RequestID: id})
	})

	r.Post("/config", func(w http.ResponseWriter, r *http.Request) {
		if !requireJSON(w, r) {
			return
		}
		r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
		var req types.ConfigDeltaRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSONError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		delta := protocol.ConfigDelta{
			ASRModel:      req.ASRModel,
			RefineModel:   req.RefineModel,
			Device:        req.Device,
			RefineEnabled: req.RefineEnabled,
		}
		if delta.Empty() {
			writeJSONError(w, http.StatusBadRequest, "empty config delta")
			return
		}
		if delta.Device != nil && *delta.Device != "accelerator" && *delta.Device != "fallback" && *delta.Device != "auto" {
			writeJSONError(w, http.StatusBadRequest, "device must be accelerator, fallback or auto")
			return
		}
		id, err := svc.PushConfig(delta)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusAccepted, types.RecordResponse{RequestID: id})
	})

	r.Post("/gpu/decision", func(w http.ResponseWriter, r *http.Request) {
		if !requireJSON(w, r) {
			return
		}
		r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
		var req types.PlacementDecisionRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSONError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		id, err := svc.ResolvePlacement(req.Decision)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusAccepted, types.RecordResponse{RequestID: id})
	})

	r.Get("/events", eventsHandler(svc))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	r.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		st := svc.Status()
		if st.WorkerAlive && st.SessionState != "starting" {
			w.WriteHeader(http.StatusOK)
			w.Write([]byte("ready"))
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte("loading"))
	})

	// Prometheus metrics endpoint
	r.Get("/metrics", promhttp.Handler().ServeHTTP)

	MountSwagger(r)

	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func requireJSON(w http.ResponseWriter, r *http.Request) bool {
	ct := r.Header.Get("Content-Type")
	if ct == "" || !strings.HasPrefix(strings.ToLower(ct), "application/json") {
		writeJSONError(w, http.StatusUnsupportedMediaType, "Content-Type must be application/json")
		return false
	}
	return true
}

func logRequest(r *http.Request, msg, requestID string, start time.Time) {
	if requestLogLevel(r) < LevelInfo || zlog == nil {
		return
	}
	z := zlog.Info().Str("path", r.URL.Path).Str("request_id", requestID).Dur("dur", time.Since(start))
	if rid := middleware.GetReqID(r.Context()); rid != "" {
		z = z.Str("http_request_id", rid)
	}
	z.Msg(msg)
}
