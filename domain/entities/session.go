package entities

import (
	"errors"
	"strings"
	"time"
)

// SessionState is the orchestrator lifecycle state of a session
type SessionState string

const (
	SessionStateIdle       SessionState = "idle"
	SessionStateStarting   SessionState = "starting"
	SessionStateActive     SessionState = "active"
	SessionStateRestarting SessionState = "restarting"
	SessionStateStopping   SessionState = "stopping"
	SessionStateFailed     SessionState = "failed"
)

// Session is one meeting recording, spanning any number of engine restarts
type Session struct {
	MeetingID       string      `json:"meeting_id"`
	UserID          string      `json:"user_id"`
	DocumentID      string      `json:"document_id,omitempty"`
	EngineKind      EngineKind  `json:"engine_kind"`
	AudioSource     AudioSource `json:"audio_source,omitempty"`
	Transcript      string      `json:"transcript"`
	LastInterimText string      `json:"-"`
	RestartAttempts int         `json:"restart_attempts"`
	InitSent        bool        `json:"init_sent"`
	StartedAt       time.Time   `json:"started_at"`
	LastActivityAt  time.Time   `json:"last_activity_at"`
}

// NewSession creates a session for a meeting
func NewSession(meetingID, userID string, kind EngineKind, now time.Time) *Session {
	return &Session{
		MeetingID:      meetingID,
		UserID:         userID,
		EngineKind:     kind,
		StartedAt:      now,
		LastActivityAt: now,
	}
}

// AppendFinal appends one final event to the transcript. Empty text is ignored.
func (s *Session) AppendFinal(ev TranscriptEvent, now time.Time) bool {
	line := ev.Line()
	if strings.TrimSpace(ev.Text) == "" {
		return false
	}
	if s.Transcript == "" {
		s.Transcript = line
	} else {
		s.Transcript += "\n" + line
	}
	s.LastInterimText = ""
	s.RestartAttempts = 0
	s.Touch(now)
	return true
}

// SetInterim replaces the transient interim text
func (s *Session) SetInterim(text string, now time.Time) {
	s.LastInterimText = text
	s.Touch(now)
}

// Touch records activity
func (s *Session) Touch(now time.Time) {
	s.LastActivityAt = now
}

// HasTranscript reports whether anything worth finalizing was recorded
func (s *Session) HasTranscript() bool {
	return strings.TrimSpace(s.Transcript) != ""
}

// Checkpoint builds a checkpoint of the given kind from the current state
func (s *Session) Checkpoint(kind CheckpointKind, now time.Time) Checkpoint {
	cp := Checkpoint{
		Kind:       kind,
		DocumentID: s.DocumentID,
		MeetingID:  s.MeetingID,
		UserID:     s.UserID,
		Timestamp:  now,
	}
	if kind != CheckpointInit {
		cp.Transcript = s.Transcript
	}
	if kind == CheckpointFinalize {
		cp.WordCount = WordCount(s.Transcript)
	}
	return cp
}

// Validate validates the session data
func (s *Session) Validate() error {
	if s.MeetingID == "" {
		return errors.New("meeting_id is required")
	}
	if s.UserID == "" {
		return errors.New("user_id is required")
	}
	if s.EngineKind != EngineStreaming && s.EngineKind != EngineLocal {
		return errors.New("invalid engine kind")
	}
	return nil
}
