package domain

import (
	"encoding/json"
	"fmt"
)

// Message types exchanged with the capture agent
const (
	MsgContentScriptReady     = "CONTENT_SCRIPT_READY"
	MsgStartTranscription     = "START_TRANSCRIPTION"
	MsgStopTranscription      = "STOP_TRANSCRIPTION"
	MsgGetTranscriptionStatus = "GET_TRANSCRIPTION_STATUS"
	MsgTranscriptionError     = "TRANSCRIPTION_ERROR"
	MsgTabClosed              = "TAB_CLOSED"
	MsgTabNavigated           = "TAB_NAVIGATED"
	MsgCaptureStarted         = "CAPTURE_STARTED"
	MsgCaptureFailed          = "CAPTURE_FAILED"

	MsgStartTranscriptionResponse = "START_TRANSCRIPTION_RESPONSE"
	MsgStopTranscriptionResponse  = "STOP_TRANSCRIPTION_RESPONSE"
	MsgTranscriptionStatus        = "TRANSCRIPTION_STATUS"
	MsgRecordingIndicator         = "RECORDING_INDICATOR"
	MsgTranscriptUpdate           = "TRANSCRIPT_UPDATE"
	MsgStartCapture               = "START_CAPTURE"
	MsgStopCapture                = "STOP_CAPTURE"
)

// Envelope is the JSON frame wrapping every control message
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// NewEnvelope marshals payload into an envelope of the given type
func NewEnvelope(msgType string, payload interface{}) ([]byte, error) {
	env := Envelope{Type: msgType}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal %s payload: %w", msgType, err)
		}
		env.Payload = raw
	}
	return json.Marshal(env)
}

// Decode unmarshals the payload into v. A missing payload leaves v untouched.
func (e Envelope) Decode(v interface{}) error {
	if len(e.Payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("invalid %s payload: %w", e.Type, err)
	}
	return nil
}

// ContentScriptReadyMessage is the capture agent handshake
type ContentScriptReadyMessage struct {
	MeetingURL string `json:"meetingUrl,omitempty"`
}

// StartTranscriptionMessage starts a session for the tab
type StartTranscriptionMessage struct {
	Meeting    string `json:"meeting"`
	UserID     string `json:"uid"`
	Credential string `json:"credential,omitempty"`
}

// StartTranscriptionResponse answers START_TRANSCRIPTION
type StartTranscriptionResponse struct {
	Success    bool   `json:"success"`
	Error      string `json:"error,omitempty"`
	DocumentID string `json:"documentId,omitempty"`
	Engine     string `json:"engine,omitempty"`
}

// StopTranscriptionResponse answers STOP_TRANSCRIPTION
type StopTranscriptionResponse struct {
	Success bool `json:"success"`
}

// TranscriptionStatusMessage answers GET_TRANSCRIPTION_STATUS
type TranscriptionStatusMessage struct {
	IsTranscribing bool `json:"isTranscribing"`
}

// TranscriptionErrorMessage reports a fatal or retry-exhausted condition
type TranscriptionErrorMessage struct {
	Error string `json:"error"`
}

// TabNavigatedMessage reports the tab leaving or changing its page
type TabNavigatedMessage struct {
	URL string `json:"url"`
}

// RecordingIndicatorMessage drives the UI recording badge
type RecordingIndicatorMessage struct {
	Recording bool   `json:"recording"`
	Source    string `json:"source,omitempty"`
}

// TranscriptUpdateMessage pushes live transcript text to the UI
type TranscriptUpdateMessage struct {
	Transcript string `json:"transcript"`
	Interim    string `json:"interim,omitempty"`
}

// CaptureRequestMessage asks the agent to start or stop capturing a source
type CaptureRequestMessage struct {
	Source string `json:"source"`
}

// CaptureStartedMessage confirms capture and declares the raw PCM format
type CaptureStartedMessage struct {
	Source     string `json:"source"`
	SampleRate int    `json:"sampleRate"`
	Channels   int    `json:"channels"`
}

// CaptureFailedMessage reports that a capture source could not be opened
type CaptureFailedMessage struct {
	Source           string `json:"source"`
	Error            string `json:"error"`
	PermissionDenied bool   `json:"permissionDenied,omitempty"`
}
