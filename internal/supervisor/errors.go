package supervisor

import "errors"

// ModelNotFoundError reports a config delta naming a model id the registry
// scan cannot find. Caught before the delta reaches the worker so the HTTP
// caller gets a synchronous 404 instead of a delayed error event.
type ModelNotFoundError struct {
	ID   string
	Kind string
}

func (e *ModelNotFoundError) Error() string {
	return "unknown " + e.Kind + " model: " + e.ID
}

// IsModelNotFound reports whether err wraps a ModelNotFoundError.
func IsModelNotFound(err error) bool {
	var t *ModelNotFoundError
	return errors.As(err, &t)
}

// ErrSessionBusy reports a recording start while the mirrored session is
// already recording or transcribing. The worker is still the authority; the
// check here just spares the caller a protocol round trip.
var ErrSessionBusy = errors.New("supervisor: a session is already active")
