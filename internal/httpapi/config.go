package httpapi

// maxBodyBytes bounds JSON control-endpoint bodies.
var maxBodyBytes int64 = 1 << 20

// SetMaxBodyBytes configures the control-endpoint body limit.
func SetMaxBodyBytes(n int64) {
	if n <= 0 {
		maxBodyBytes = 1 << 20
		return
	}
	maxBodyBytes = n
}

// maxAudioBodyBytes bounds the /record/stop body, which carries a whole
// recording as base64 PCM and dwarfs every other request.
var maxAudioBodyBytes int64 = 64 << 20

// SetMaxAudioBodyBytes configures the audio upload limit.
func SetMaxAudioBodyBytes(n int64) {
	if n <= 0 {
		maxAudioBodyBytes = 64 << 20
		return
	}
	maxAudioBodyBytes = n
}

// CORS configuration (opt-in). If disabled, no CORS middleware is added.
var (
	corsEnabled        bool
	corsAllowedOrigins []string
	corsAllowedMethods []string
	corsAllowedHeaders []string
)

// SetCORSOptions configures CORS behavior for the HTTP server.
func SetCORSOptions(enabled bool, origins, methods, headers []string) {
	corsEnabled = enabled
	corsAllowedOrigins = append([]string(nil), origins...)
	corsAllowedMethods = append([]string(nil), methods...)
	corsAllowedHeaders = append([]string(nil), headers...)
}
