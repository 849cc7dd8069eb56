package videocall

import (
	"time"

	"github.com/google/uuid"

	"github.com/ehr/telehealth/internal/platform/videotoken"
)

// Status is the lifecycle state of a video session.
type Status string

const (
	StatusPending Status = "PENDING"
	// StatusRinging is reserved for ring-before-answer signaling. No transition
	// enters it today; wherever it appears it is handled exactly like PENDING.
	StatusRinging Status = "RINGING"
	StatusActive  Status = "ACTIVE"
	StatusEnded   Status = "ENDED"
)

// IsLive reports whether the session still occupies its consultation's slot.
func (s Status) IsLive() bool {
	return s == StatusPending || s == StatusRinging || s == StatusActive
}

// Startable reports whether the clinician may move the session to ACTIVE.
func (s Status) Startable() bool {
	return s == StatusPending || s == StatusRinging
}

// DefaultEndReason is recorded when the caller gives none.
const DefaultEndReason = "user_ended"

// Session is one video-call attempt for a consultation.
type Session struct {
	ID              uuid.UUID  `db:"id" json:"id"`
	ConsultationID  int64      `db:"consultation_id" json:"consultation_id"`
	ClinicianID     int64      `db:"clinician_id" json:"clinician_id"`
	PatientID       int64      `db:"patient_id" json:"patient_id"`
	RoomID          string     `db:"room_id" json:"room_id"`
	Status          Status     `db:"status" json:"status"`
	StartedAt       *time.Time `db:"started_at" json:"started_at,omitempty"`
	EndedAt         *time.Time `db:"ended_at" json:"ended_at,omitempty"`
	DurationSeconds *int       `db:"duration_seconds" json:"duration_seconds,omitempty"`
	EndReason       *string    `db:"end_reason" json:"end_reason,omitempty"`
	CallQuality     *string    `db:"call_quality" json:"call_quality,omitempty"`
	CreatedAt       time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt       time.Time  `db:"updated_at" json:"updated_at"`
}

// IsParty reports whether userID is the session's clinician or patient.
func (s *Session) IsParty(userID int64) bool {
	return userID == s.ClinicianID || userID == s.PatientID
}

// RoleOf returns the room role userID is entitled to in this session.
func (s *Session) RoleOf(userID int64) (videotoken.Role, bool) {
	switch userID {
	case s.ClinicianID:
		return videotoken.RoleModerator, true
	case s.PatientID:
		return videotoken.RoleParticipant, true
	}
	return "", false
}

// Metadata is the free-form JSON object attached to events.
type Metadata map[string]any

// ParticipantEventType enumerates what a participant can report.
type ParticipantEventType string

const (
	EventJoined        ParticipantEventType = "joined"
	EventLeft          ParticipantEventType = "left"
	EventQualitySample ParticipantEventType = "quality-sample"
	EventError         ParticipantEventType = "error"
)

func (t ParticipantEventType) Valid() bool {
	switch t {
	case EventJoined, EventLeft, EventQualitySample, EventError:
		return true
	}
	return false
}

// ParticipantEvent is an immutable entry in a session's participant log.
// Seq is assigned by storage and breaks ties between equal timestamps.
type ParticipantEvent struct {
	ID        uuid.UUID            `db:"id" json:"id"`
	Seq       int64                `db:"seq" json:"seq"`
	SessionID uuid.UUID            `db:"session_id" json:"session_id"`
	UserID    int64                `db:"user_id" json:"user_id"`
	EventType ParticipantEventType `db:"event_type" json:"event_type"`
	Metadata  Metadata             `db:"metadata" json:"metadata,omitempty"`
	Timestamp time.Time            `db:"created_at" json:"timestamp"`
}

// SessionEventType classifies system events.
type SessionEventType string

const (
	SessionEventInfo    SessionEventType = "info"
	SessionEventWarning SessionEventType = "warning"
	SessionEventError   SessionEventType = "error"
)

type Severity string

const (
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

// SessionEvent is an immutable system or audit event for a session.
type SessionEvent struct {
	ID        uuid.UUID        `db:"id" json:"id"`
	Seq       int64            `db:"seq" json:"seq"`
	SessionID uuid.UUID        `db:"session_id" json:"session_id"`
	Type      SessionEventType `db:"type" json:"type"`
	Severity  Severity         `db:"severity" json:"severity"`
	Message   string           `db:"message" json:"message"`
	Metadata  Metadata         `db:"metadata" json:"metadata,omitempty"`
	Timestamp time.Time        `db:"created_at" json:"timestamp"`
}

// Messages recorded on lifecycle session events.
const (
	MessageInitialized     = "initialized"
	MessageStarted         = "started"
	MessageEnded           = "ended"
	MessageParticipantFail = "participant_error"
)

// EndOptions carries the optional inputs of EndSession.
type EndOptions struct {
	Reason  string `json:"reason"`
	Quality string `json:"quality"`
}

// Consultation is the booking record a session is bound to. It is owned by
// the scheduling subsystem and only read here.
type Consultation struct {
	ID          int64 `db:"id" json:"id"`
	ClinicianID int64 `db:"clinician_id" json:"clinician_id"`
	PatientID   int64 `db:"patient_id" json:"patient_id"`
}

func (c *Consultation) IsParty(userID int64) bool {
	return userID == c.ClinicianID || userID == c.PatientID
}

// UserProfile is the identity data embedded in a room token.
type UserProfile struct {
	ID          int64   `db:"id" json:"id"`
	DisplayName string  `db:"display_name" json:"display_name"`
	Email       string  `db:"email" json:"email"`
	AvatarURL   *string `db:"avatar_url" json:"avatar_url,omitempty"`
}

// JoinToken is a signed room credential handed to a party of the session.
type JoinToken struct {
	SessionID uuid.UUID       `json:"session_id"`
	Room      string          `json:"room"`
	Role      videotoken.Role `json:"role"`
	Token     string          `json:"token"`
	ExpiresAt time.Time       `json:"expires_at"`
}
