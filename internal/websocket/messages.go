package websocket

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/meetscribe/transcriber/domain"
)

// MessageTypeError is sent back for frames that fail validation
const MessageTypeError = "ERROR"

// ErrorMessage reports a rejected frame
type ErrorMessage struct {
	Code    string `json:"error_code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
}

// inbound lists the control frames an agent may send
var inbound = map[string]bool{
	domain.MsgContentScriptReady:     true,
	domain.MsgStartTranscription:     true,
	domain.MsgStopTranscription:      true,
	domain.MsgGetTranscriptionStatus: true,
	domain.MsgTabClosed:              true,
	domain.MsgTabNavigated:           true,
	domain.MsgCaptureStarted:         true,
	domain.MsgCaptureFailed:          true,
}

// MessageValidator checks inbound control frames before they reach the controller
type MessageValidator struct{}

// NewMessageValidator creates a new message validator
func NewMessageValidator() *MessageValidator {
	return &MessageValidator{}
}

// ValidateMessage parses a text frame and validates its payload
func (v *MessageValidator) ValidateMessage(messageBytes []byte) (domain.Envelope, error) {
	var env domain.Envelope
	if err := json.Unmarshal(messageBytes, &env); err != nil {
		return env, fmt.Errorf("invalid JSON format: %w", err)
	}
	if env.Type == "" {
		return env, fmt.Errorf("message type is required")
	}
	if !inbound[env.Type] {
		return env, fmt.Errorf("unsupported message type: %s", env.Type)
	}

	switch env.Type {
	case domain.MsgStartTranscription:
		var msg domain.StartTranscriptionMessage
		if err := env.Decode(&msg); err != nil {
			return env, err
		}
		if err := v.validateStart(&msg); err != nil {
			return env, err
		}
	case domain.MsgCaptureStarted:
		var msg domain.CaptureStartedMessage
		if err := env.Decode(&msg); err != nil {
			return env, err
		}
		if msg.Source == "" {
			return env, fmt.Errorf("source is required")
		}
		if msg.SampleRate < 0 || msg.SampleRate > 192000 {
			return env, fmt.Errorf("sampleRate must be between 0 and 192000")
		}
		if msg.Channels < 0 || msg.Channels > 8 {
			return env, fmt.Errorf("channels must be between 0 and 8")
		}
	case domain.MsgCaptureFailed:
		var msg domain.CaptureFailedMessage
		if err := env.Decode(&msg); err != nil {
			return env, err
		}
		if msg.Source == "" {
			return env, fmt.Errorf("source is required")
		}
	case domain.MsgTabNavigated:
		var msg domain.TabNavigatedMessage
		if err := env.Decode(&msg); err != nil {
			return env, err
		}
	}
	return env, nil
}

func (v *MessageValidator) validateStart(msg *domain.StartTranscriptionMessage) error {
	if strings.TrimSpace(msg.Meeting) == "" {
		return fmt.Errorf("meeting is required")
	}
	if strings.TrimSpace(msg.UserID) == "" {
		return fmt.Errorf("uid is required")
	}
	return nil
}

// CreateErrorMessage creates a standardized error frame
func CreateErrorMessage(code, message, details string) ([]byte, error) {
	return domain.NewEnvelope(MessageTypeError, ErrorMessage{
		Code:    code,
		Message: message,
		Details: details,
	})
}
