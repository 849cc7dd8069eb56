package videocall

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/ehr/telehealth/internal/platform/events"
	"github.com/ehr/telehealth/internal/platform/videotoken"
)

// SessionRepository persists sessions. Implementations must make Create and
// both transitions atomic: Create fails with ErrLiveSessionExists when a live
// row for the consultation exists, and MarkActive / MarkEnded apply only when
// the stored status still allows it, returning ErrInvalidState otherwise.
type SessionRepository interface {
	Create(ctx context.Context, s *Session) error
	GetByID(ctx context.Context, id uuid.UUID) (*Session, error)
	GetLiveByConsultation(ctx context.Context, consultationID int64) (*Session, error)
	ListByConsultation(ctx context.Context, consultationID int64, limit, offset int) ([]*Session, int, error)
	MarkActive(ctx context.Context, id uuid.UUID, startedAt time.Time) (*Session, error)
	MarkEnded(ctx context.Context, id uuid.UUID, endedAt time.Time, reason string, quality *string) (*Session, error)
}

// ParticipantEventLog is the append-only participant log. ListBySession
// returns entries ordered by timestamp, then insertion sequence.
type ParticipantEventLog interface {
	Append(ctx context.Context, e *ParticipantEvent) error
	ListBySession(ctx context.Context, sessionID uuid.UUID) ([]*ParticipantEvent, error)
}

// SessionEventLog is the append-only system event log, ordered like
// ParticipantEventLog.
type SessionEventLog interface {
	Append(ctx context.Context, e *SessionEvent) error
	ListBySession(ctx context.Context, sessionID uuid.UUID) ([]*SessionEvent, error)
}

// ConsultationDirectory reads the collaborator records owned by the booking
// and identity subsystems.
type ConsultationDirectory interface {
	GetConsultation(ctx context.Context, id int64) (*Consultation, error)
	GetUserProfile(ctx context.Context, userID int64) (*UserProfile, error)
}

// Transactor runs fn in one storage transaction carried by ctx.
type Transactor interface {
	WithTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// TokenIssuer signs room credentials.
type TokenIssuer interface {
	Issue(g videotoken.Grant) (string, time.Time, error)
}

// EventPublisher receives committed session events for fan-out. Publish must
// not block the caller.
type EventPublisher interface {
	Publish(env events.Envelope) bool
}
