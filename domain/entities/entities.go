package entities

import (
	"fmt"
	"strings"
	"time"
)

// EngineKind identifies which recognition engine is bound to a session
type EngineKind string

const (
	EngineStreaming EngineKind = "streaming"
	EngineLocal     EngineKind = "local"
)

// AudioSource identifies where captured audio comes from
type AudioSource string

const (
	AudioSourceTab        AudioSource = "tab"
	AudioSourceMicrophone AudioSource = "microphone"
	AudioSourceFile       AudioSource = "file"
)

// TranscriptKind distinguishes interim hypotheses from final results
type TranscriptKind string

const (
	TranscriptInterim TranscriptKind = "interim"
	TranscriptFinal   TranscriptKind = "final"
)

// TranscriptEvent is the normalized output of either engine
type TranscriptEvent struct {
	Kind      TranscriptKind `json:"kind"`
	Text      string         `json:"text"`
	SpeakerID string         `json:"speaker_id,omitempty"`
}

// Line renders a final event as one line of annotated transcript text.
func (e TranscriptEvent) Line() string {
	text := strings.TrimSpace(e.Text)
	if e.SpeakerID == "" {
		return text
	}
	return fmt.Sprintf("[Speaker %s] %s", e.SpeakerID, text)
}

// ConnectionStatus is reported by engines whenever their transport changes
type ConnectionStatus string

const (
	StatusConnected    ConnectionStatus = "connected"
	StatusDisconnected ConnectionStatus = "disconnected"
)

// EngineEventType enumerates everything an engine can report to its owner
type EngineEventType int

const (
	EngineEventTranscript EngineEventType = iota
	EngineEventStatus
)

// EngineEvent is the single event shape flowing from an engine to the orchestrator.
//
// For status events, Reconnecting is true when the engine is retrying the
// transport itself and the owner must not restart it. Err carries the reason
// for a Disconnected status and is nil for Connected.
type EngineEvent struct {
	Type         EngineEventType
	Transcript   TranscriptEvent
	Status       ConnectionStatus
	Reconnecting bool
	Err          error
}

// TranscriptEngineEvent wraps a transcript event.
func TranscriptEngineEvent(ev TranscriptEvent) EngineEvent {
	return EngineEvent{Type: EngineEventTranscript, Transcript: ev}
}

// ConnectedEvent reports a (re)established transport.
func ConnectedEvent() EngineEvent {
	return EngineEvent{Type: EngineEventStatus, Status: StatusConnected}
}

// DisconnectedEvent reports a closed transport.
func DisconnectedEvent(err error, reconnecting bool) EngineEvent {
	return EngineEvent{Type: EngineEventStatus, Status: StatusDisconnected, Err: err, Reconnecting: reconnecting}
}

// CheckpointKind is the lifecycle step a checkpoint describes
type CheckpointKind string

const (
	CheckpointInit     CheckpointKind = "INIT_TRANSCRIPT_DOC"
	CheckpointUpdate   CheckpointKind = "UPDATE_TRANSCRIPT_DOC"
	CheckpointFinalize CheckpointKind = "FINALIZE_TRANSCRIPT_DOC"
)

// Rank orders checkpoint kinds for one document.
func (k CheckpointKind) Rank() int {
	switch k {
	case CheckpointInit:
		return 0
	case CheckpointUpdate:
		return 1
	case CheckpointFinalize:
		return 2
	default:
		return -1
	}
}

// Checkpoint is an outbound message to the persistence gateway
type Checkpoint struct {
	Kind       CheckpointKind `json:"kind"`
	DocumentID string         `json:"docId"`
	MeetingID  string         `json:"meetingId"`
	UserID     string         `json:"uid"`
	Transcript string         `json:"transcript,omitempty"`
	Timestamp  time.Time      `json:"timestamp"`
	WordCount  int            `json:"wordCount,omitempty"`
}

// CacheKey is the local-cache key for every checkpoint of one document.
func (c Checkpoint) CacheKey() string {
	return fmt.Sprintf("transcript_%s_%s_%s", c.UserID, c.MeetingID, c.DocumentID)
}

// Payload renders the gateway wire payload for the checkpoint kind.
func (c Checkpoint) Payload() map[string]interface{} {
	payload := map[string]interface{}{
		"uid":       c.UserID,
		"meetingId": c.MeetingID,
		"docId":     c.DocumentID,
	}
	switch c.Kind {
	case CheckpointInit:
		payload["startTime"] = c.Timestamp
	case CheckpointUpdate:
		payload["transcript"] = c.Transcript
		payload["lastUpdated"] = c.Timestamp
	case CheckpointFinalize:
		payload["transcript"] = c.Transcript
		payload["endTime"] = c.Timestamp
		payload["wordCount"] = c.WordCount
	}
	return payload
}

// WordCount counts whitespace separated words.
func WordCount(text string) int {
	return len(strings.Fields(text))
}
