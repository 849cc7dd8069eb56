package videocall

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/telehealth/internal/platform/db"
)

// liveSessionIndex is the partial unique index that admits one live session
// per consultation.
const liveSessionIndex = "video_session_one_live_per_consultation"

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

func conn(ctx context.Context, pool *pgxpool.Pool) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return pool
}

// =========== Session Repository ===========

type sessionRepoPG struct{ pool *pgxpool.Pool }

func NewSessionRepoPG(pool *pgxpool.Pool) SessionRepository {
	return &sessionRepoPG{pool: pool}
}

const sessionCols = `id, consultation_id, clinician_id, patient_id, room_id, status,
	started_at, ended_at, duration_seconds, end_reason, call_quality, created_at, updated_at`

func scanSession(row pgx.Row) (*Session, error) {
	var s Session
	err := row.Scan(&s.ID, &s.ConsultationID, &s.ClinicianID, &s.PatientID, &s.RoomID, &s.Status,
		&s.StartedAt, &s.EndedAt, &s.DurationSeconds, &s.EndReason, &s.CallQuality,
		&s.CreatedAt, &s.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}

func (r *sessionRepoPG) Create(ctx context.Context, s *Session) error {
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	_, err := conn(ctx, r.pool).Exec(ctx, `
		INSERT INTO video_session (id, consultation_id, clinician_id, patient_id, room_id,
			status, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		s.ID, s.ConsultationID, s.ClinicianID, s.PatientID, s.RoomID,
		s.Status, s.CreatedAt, s.UpdatedAt)
	if db.IsUniqueViolation(err, liveSessionIndex) {
		return ErrLiveSessionExists
	}
	return err
}

func (r *sessionRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Session, error) {
	return scanSession(conn(ctx, r.pool).QueryRow(ctx,
		`SELECT `+sessionCols+` FROM video_session WHERE id = $1`, id))
}

func (r *sessionRepoPG) GetLiveByConsultation(ctx context.Context, consultationID int64) (*Session, error) {
	return scanSession(conn(ctx, r.pool).QueryRow(ctx,
		`SELECT `+sessionCols+` FROM video_session WHERE consultation_id = $1 AND status <> 'ENDED'`,
		consultationID))
}

func (r *sessionRepoPG) ListByConsultation(ctx context.Context, consultationID int64, limit, offset int) ([]*Session, int, error) {
	q := conn(ctx, r.pool)
	var total int
	if err := q.QueryRow(ctx, `SELECT COUNT(*) FROM video_session WHERE consultation_id = $1`, consultationID).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := q.Query(ctx, `SELECT `+sessionCols+` FROM video_session
		WHERE consultation_id = $1 ORDER BY created_at DESC, id LIMIT $2 OFFSET $3`,
		consultationID, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var items []*Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, s)
	}
	return items, total, rows.Err()
}

// MarkActive is a compare-and-swap on status: the row changes only while it
// is still PENDING or RINGING.
func (r *sessionRepoPG) MarkActive(ctx context.Context, id uuid.UUID, startedAt time.Time) (*Session, error) {
	s, err := scanSession(conn(ctx, r.pool).QueryRow(ctx, `
		UPDATE video_session SET status = 'ACTIVE', started_at = $2, updated_at = $2
		WHERE id = $1 AND status IN ('PENDING', 'RINGING')
		RETURNING `+sessionCols, id, startedAt))
	if errors.Is(err, ErrSessionNotFound) {
		return nil, r.missedTransition(ctx, id)
	}
	return s, err
}

// MarkEnded is a compare-and-swap on status. The duration is derived in the
// same statement from the stored started_at, so it is written exactly once.
func (r *sessionRepoPG) MarkEnded(ctx context.Context, id uuid.UUID, endedAt time.Time, reason string, quality *string) (*Session, error) {
	s, err := scanSession(conn(ctx, r.pool).QueryRow(ctx, `
		UPDATE video_session SET status = 'ENDED', ended_at = $2, updated_at = $2,
			duration_seconds = CASE WHEN started_at IS NULL THEN NULL
				ELSE GREATEST(0, FLOOR(EXTRACT(EPOCH FROM ($2::timestamptz - started_at))))::int END,
			end_reason = $3, call_quality = $4
		WHERE id = $1 AND status <> 'ENDED'
		RETURNING `+sessionCols, id, endedAt, reason, quality))
	if errors.Is(err, ErrSessionNotFound) {
		return nil, r.missedTransition(ctx, id)
	}
	return s, err
}

// missedTransition tells a CAS that matched no row apart: the session is
// either gone or no longer in a state the transition accepts.
func (r *sessionRepoPG) missedTransition(ctx context.Context, id uuid.UUID) error {
	var status Status
	err := conn(ctx, r.pool).QueryRow(ctx, `SELECT status FROM video_session WHERE id = $1`, id).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrSessionNotFound
	}
	if err != nil {
		return err
	}
	return &TransitionError{Status: status}
}

// =========== Participant Event Log ===========

type participantLogPG struct{ pool *pgxpool.Pool }

func NewParticipantLogPG(pool *pgxpool.Pool) ParticipantEventLog {
	return &participantLogPG{pool: pool}
}

const participantEventCols = `seq, id, session_id, user_id, event_type, metadata, created_at`

func (r *participantLogPG) Append(ctx context.Context, e *ParticipantEvent) error {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	meta := e.Metadata
	if meta == nil {
		meta = Metadata{}
	}
	return conn(ctx, r.pool).QueryRow(ctx, `
		INSERT INTO video_participant_event (id, session_id, user_id, event_type, metadata, created_at)
		VALUES ($1,$2,$3,$4,$5,$6)
		RETURNING seq`,
		e.ID, e.SessionID, e.UserID, e.EventType, meta, e.Timestamp).Scan(&e.Seq)
}

func (r *participantLogPG) ListBySession(ctx context.Context, sessionID uuid.UUID) ([]*ParticipantEvent, error) {
	rows, err := conn(ctx, r.pool).Query(ctx, `SELECT `+participantEventCols+`
		FROM video_participant_event WHERE session_id = $1 ORDER BY created_at, seq`, sessionID)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (*ParticipantEvent, error) {
		var e ParticipantEvent
		err := row.Scan(&e.Seq, &e.ID, &e.SessionID, &e.UserID, &e.EventType, &e.Metadata, &e.Timestamp)
		return &e, err
	})
}

// =========== Session Event Log ===========

type sessionEventLogPG struct{ pool *pgxpool.Pool }

func NewSessionEventLogPG(pool *pgxpool.Pool) SessionEventLog {
	return &sessionEventLogPG{pool: pool}
}

const sessionEventCols = `seq, id, session_id, type, severity, message, metadata, created_at`

func (r *sessionEventLogPG) Append(ctx context.Context, e *SessionEvent) error {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	meta := e.Metadata
	if meta == nil {
		meta = Metadata{}
	}
	return conn(ctx, r.pool).QueryRow(ctx, `
		INSERT INTO video_session_event (id, session_id, type, severity, message, metadata, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
		RETURNING seq`,
		e.ID, e.SessionID, e.Type, e.Severity, e.Message, meta, e.Timestamp).Scan(&e.Seq)
}

func (r *sessionEventLogPG) ListBySession(ctx context.Context, sessionID uuid.UUID) ([]*SessionEvent, error) {
	rows, err := conn(ctx, r.pool).Query(ctx, `SELECT `+sessionEventCols+`
		FROM video_session_event WHERE session_id = $1 ORDER BY created_at, seq`, sessionID)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (*SessionEvent, error) {
		var e SessionEvent
		err := row.Scan(&e.Seq, &e.ID, &e.SessionID, &e.Type, &e.Severity, &e.Message, &e.Metadata, &e.Timestamp)
		return &e, err
	})
}

// =========== Consultation Directory ===========

type directoryPG struct{ pool *pgxpool.Pool }

// NewDirectoryPG reads consultations and user profiles from the tables the
// booking and identity subsystems maintain in the clinic schema.
func NewDirectoryPG(pool *pgxpool.Pool) ConsultationDirectory {
	return &directoryPG{pool: pool}
}

func (r *directoryPG) GetConsultation(ctx context.Context, id int64) (*Consultation, error) {
	var c Consultation
	err := conn(ctx, r.pool).QueryRow(ctx,
		`SELECT id, clinician_id, patient_id FROM consultation WHERE id = $1`, id,
	).Scan(&c.ID, &c.ClinicianID, &c.PatientID)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrConsultationNotFound
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (r *directoryPG) GetUserProfile(ctx context.Context, userID int64) (*UserProfile, error) {
	var p UserProfile
	err := conn(ctx, r.pool).QueryRow(ctx,
		`SELECT id, display_name, email, avatar_url FROM portal_user WHERE id = $1`, userID,
	).Scan(&p.ID, &p.DisplayName, &p.Email, &p.AvatarURL)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}
