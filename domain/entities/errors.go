package entities

import "errors"

var (
	// ErrTransportDrop is a lost connection to the streaming provider.
	ErrTransportDrop = errors.New("transport dropped")
	// ErrEngineInit means an engine could not be initialized.
	ErrEngineInit = errors.New("engine initialization failed")
	// ErrNoSpeechTimeout is reported after a bounded period of silence.
	ErrNoSpeechTimeout = errors.New("no speech timeout")
	// ErrProviderSessionExpiry is reported when the provider ends a session at its duration limit.
	ErrProviderSessionExpiry = errors.New("provider session expired")
	ErrNetwork               = errors.New("network error")
	ErrPermissionDenied      = errors.New("permission denied")
	ErrAudioCaptureDenied    = errors.New("audio capture denied")
	ErrAborted               = errors.New("aborted")
	ErrRetryExhausted        = errors.New("retry attempts exhausted")
	ErrCapture               = errors.New("audio capture failed")
)

// IsFatal reports whether err must not be retried and should reach the user.
func IsFatal(err error) bool {
	return errors.Is(err, ErrPermissionDenied) || errors.Is(err, ErrAudioCaptureDenied)
}

// IsRetryable reports whether an orchestrator-level restart may recover from err.
func IsRetryable(err error) bool {
	return err == nil || !IsFatal(err)
}

// IsExpectedExpiry reports whether err is a provider or silence limit that
// ends an otherwise healthy recognition session.
func IsExpectedExpiry(err error) bool {
	return errors.Is(err, ErrNoSpeechTimeout) || errors.Is(err, ErrProviderSessionExpiry)
}
