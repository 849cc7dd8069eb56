package videocall

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/telehealth/internal/platform/db"
	"github.com/ehr/telehealth/internal/platform/events"
	"github.com/ehr/telehealth/internal/platform/videotoken"
)

// DefaultCreateMaxRetries bounds how many times InitializeSession repeats its
// lookup-or-create after losing a race on the live-session index.
const DefaultCreateMaxRetries = 3

const (
	maxEndReasonLen = 64
	maxQualityLen   = 32
)

// Service drives the lifecycle of video sessions. Every operation takes the
// caller's portal user id explicitly and authorizes it against the
// consultation or session record.
type Service struct {
	sessions     SessionRepository
	participants ParticipantEventLog
	sysEvents    SessionEventLog
	directory    ConsultationDirectory
	tokens       TokenIssuer

	tx         Transactor
	publisher  EventPublisher
	logger     zerolog.Logger
	now        func() time.Time
	maxRetries int
}

func NewService(
	sessions SessionRepository,
	participants ParticipantEventLog,
	sysEvents SessionEventLog,
	directory ConsultationDirectory,
	tokens TokenIssuer,
) *Service {
	return &Service{
		sessions:     sessions,
		participants: participants,
		sysEvents:    sysEvents,
		directory:    directory,
		tokens:       tokens,
		tx:           noTx{},
		logger:       zerolog.Nop(),
		now:          time.Now,
		maxRetries:   DefaultCreateMaxRetries,
	}
}

// SetTransactor makes each transition and its log entries commit atomically.
func (s *Service) SetTransactor(tx Transactor) {
	s.tx = tx
}

// SetPublisher sets where committed session events are fanned out.
func (s *Service) SetPublisher(p EventPublisher) {
	s.publisher = p
}

func (s *Service) SetLogger(l zerolog.Logger) {
	s.logger = l.With().Str("component", "videocall").Logger()
}

func (s *Service) SetClock(now func() time.Time) {
	s.now = now
}

func (s *Service) SetCreateMaxRetries(n int) {
	if n > 0 {
		s.maxRetries = n
	}
}

type noTx struct{}

func (noTx) WithTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return fn(ctx)
}

// InitializeSession returns the consultation's live session, creating a
// PENDING one when none exists. Both parties may call it concurrently; all of
// them receive the same session.
func (s *Service) InitializeSession(ctx context.Context, consultationID, callerID int64) (*Session, error) {
	cons, err := s.authorizeConsultation(ctx, consultationID, callerID)
	if err != nil {
		return nil, err
	}

	for attempt := 1; attempt <= s.maxRetries; attempt++ {
		live, err := s.sessions.GetLiveByConsultation(ctx, consultationID)
		if err == nil {
			return live, nil
		}
		if !errors.Is(err, ErrSessionNotFound) {
			return nil, fmt.Errorf("look up live session: %w", err)
		}

		sess, evt, err := s.createSession(ctx, cons, callerID)
		if err == nil {
			s.logger.Info().
				Str("session_id", sess.ID.String()).
				Int64("consultation_id", consultationID).
				Int64("caller_id", callerID).
				Msg("video session initialized")
			s.publish(ctx, sess, evt)
			return sess, nil
		}
		if !errors.Is(err, ErrLiveSessionExists) {
			return nil, err
		}
		s.logger.Debug().
			Int64("consultation_id", consultationID).
			Int("attempt", attempt).
			Msg("lost live session create race, retrying")
	}

	s.logger.Warn().
		Int64("consultation_id", consultationID).
		Int("attempts", s.maxRetries).
		Msg("video session create retries exhausted")
	return nil, fmt.Errorf("%w: consultation %d after %d attempts", ErrConflict, consultationID, s.maxRetries)
}

func (s *Service) createSession(ctx context.Context, cons *Consultation, callerID int64) (*Session, *SessionEvent, error) {
	now := s.now().UTC()
	sess := &Session{
		ID:             uuid.New(),
		ConsultationID: cons.ID,
		ClinicianID:    cons.ClinicianID,
		PatientID:      cons.PatientID,
		RoomID:         videotoken.RoomForConsultation(cons.ID),
		Status:         StatusPending,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	evt := newSessionEvent(sess.ID, SessionEventInfo, SeverityLow, MessageInitialized, now, Metadata{
		"initiated_by": callerID,
		"room_id":      sess.RoomID,
	})

	err := s.tx.WithTx(ctx, func(ctx context.Context) error {
		if err := s.sessions.Create(ctx, sess); err != nil {
			return err
		}
		return s.sysEvents.Append(ctx, evt)
	})
	if err != nil {
		return nil, nil, err
	}
	return sess, evt, nil
}

// StartSession moves a PENDING session to ACTIVE. Only the clinician may
// start a call, and of two racing starts exactly one succeeds.
func (s *Service) StartSession(ctx context.Context, sessionID uuid.UUID, callerID int64) (*Session, error) {
	sess, err := s.sessions.GetByID(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if callerID != sess.ClinicianID {
		return nil, fmt.Errorf("%w: only the clinician can start the call", ErrAuthorization)
	}
	if !sess.Status.Startable() {
		return nil, fmt.Errorf("%w: cannot start a session in status %s", ErrInvalidState, sess.Status)
	}

	now := s.now().UTC()
	var started *SessionEvent
	err = s.tx.WithTx(ctx, func(ctx context.Context) error {
		updated, err := s.sessions.MarkActive(ctx, sessionID, now)
		if err != nil {
			return err
		}
		sess = updated

		if err := s.participants.Append(ctx, newParticipantEvent(sessionID, callerID, EventJoined, now, nil)); err != nil {
			return err
		}
		started = newSessionEvent(sessionID, SessionEventInfo, SeverityLow, MessageStarted, now, Metadata{
			"started_by": callerID,
		})
		return s.sysEvents.Append(ctx, started)
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info().
		Str("session_id", sessionID.String()).
		Int64("consultation_id", sess.ConsultationID).
		Msg("video session started")
	s.publish(ctx, sess, started)
	return sess, nil
}

// EndSession ends a live session on behalf of either party. Ending an ENDED
// session fails with ErrInvalidState and leaves its duration untouched.
func (s *Service) EndSession(ctx context.Context, sessionID uuid.UUID, callerID int64, opts EndOptions) (*Session, error) {
	sess, err := s.sessions.GetByID(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if !sess.IsParty(callerID) {
		return nil, fmt.Errorf("%w: caller is not a party to the session", ErrAuthorization)
	}

	reason := strings.TrimSpace(opts.Reason)
	if reason == "" {
		reason = DefaultEndReason
	}
	if len(reason) > maxEndReasonLen {
		return nil, fmt.Errorf("%w: reason exceeds %d characters", ErrInvalidInput, maxEndReasonLen)
	}
	var quality *string
	if q := strings.TrimSpace(opts.Quality); q != "" {
		if len(q) > maxQualityLen {
			return nil, fmt.Errorf("%w: quality exceeds %d characters", ErrInvalidInput, maxQualityLen)
		}
		quality = &q
	}
	if sess.Status == StatusEnded {
		return nil, fmt.Errorf("%w: session already ended", ErrInvalidState)
	}

	now := s.now().UTC()
	var ended *SessionEvent
	err = s.tx.WithTx(ctx, func(ctx context.Context) error {
		updated, err := s.sessions.MarkEnded(ctx, sessionID, now, reason, quality)
		if err != nil {
			return err
		}
		sess = updated

		left := Metadata{"reason": reason}
		if quality != nil {
			left["quality"] = *quality
		}
		if err := s.participants.Append(ctx, newParticipantEvent(sessionID, callerID, EventLeft, now, left)); err != nil {
			return err
		}

		meta := Metadata{"reason": reason, "ended_by": callerID, "duration_seconds": nil}
		if sess.DurationSeconds != nil {
			meta["duration_seconds"] = *sess.DurationSeconds
		}
		ended = newSessionEvent(sessionID, SessionEventInfo, SeverityLow, MessageEnded, now, meta)
		return s.sysEvents.Append(ctx, ended)
	})
	if err != nil {
		return nil, err
	}

	ev := s.logger.Info().
		Str("session_id", sessionID.String()).
		Int64("consultation_id", sess.ConsultationID).
		Str("reason", reason)
	if sess.DurationSeconds != nil {
		ev = ev.Int("duration_seconds", *sess.DurationSeconds)
	}
	ev.Msg("video session ended")
	s.publish(ctx, sess, ended)
	return sess, nil
}

// GetSession returns a session to one of its parties.
func (s *Service) GetSession(ctx context.Context, sessionID uuid.UUID, callerID int64) (*Session, error) {
	sess, err := s.sessions.GetByID(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if !sess.IsParty(callerID) {
		return nil, ErrAuthorization
	}
	return sess, nil
}

// AuthorizeTopic reports whether callerID may receive the live event stream
// published on topic. Only the session's parties may.
func (s *Service) AuthorizeTopic(ctx context.Context, callerID int64, topic string) error {
	id, ok := events.ParseSessionTopic(topic)
	if !ok {
		return fmt.Errorf("%w: unknown topic %q", ErrInvalidInput, topic)
	}
	_, err := s.GetSession(ctx, id, callerID)
	return err
}

// GetLiveSession returns the consultation's live session, or
// ErrSessionNotFound when there is no call in progress.
func (s *Service) GetLiveSession(ctx context.Context, consultationID, callerID int64) (*Session, error) {
	if _, err := s.authorizeConsultation(ctx, consultationID, callerID); err != nil {
		return nil, err
	}
	return s.sessions.GetLiveByConsultation(ctx, consultationID)
}

// ListConsultationSessions returns every call attempt for a consultation,
// newest first.
func (s *Service) ListConsultationSessions(ctx context.Context, consultationID, callerID int64, limit, offset int) ([]*Session, int, error) {
	if _, err := s.authorizeConsultation(ctx, consultationID, callerID); err != nil {
		return nil, 0, err
	}
	return s.sessions.ListByConsultation(ctx, consultationID, limit, offset)
}

// RecordParticipantEvent appends a client-reported event. An error report is
// also recorded as a high-severity session event.
func (s *Service) RecordParticipantEvent(ctx context.Context, sessionID uuid.UUID, callerID int64, eventType ParticipantEventType, meta Metadata) (*ParticipantEvent, error) {
	if !eventType.Valid() {
		return nil, fmt.Errorf("%w: unknown event type %q", ErrInvalidEvent, eventType)
	}

	sess, err := s.sessions.GetByID(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if !sess.IsParty(callerID) {
		return nil, fmt.Errorf("%w: caller is not a party to the session", ErrAuthorization)
	}
	if sess.Status == StatusEnded && (eventType == EventJoined || eventType == EventQualitySample) {
		return nil, fmt.Errorf("%w: session already ended", ErrInvalidState)
	}

	now := s.now().UTC()
	pe := newParticipantEvent(sessionID, callerID, eventType, now, meta)
	var failure *SessionEvent
	err = s.tx.WithTx(ctx, func(ctx context.Context) error {
		if err := s.participants.Append(ctx, pe); err != nil {
			return err
		}
		if eventType != EventError {
			return nil
		}
		detail := make(Metadata, len(meta)+1)
		for k, v := range meta {
			detail[k] = v
		}
		// Attribution comes from the authenticated caller, never the payload.
		detail["user_id"] = callerID
		failure = newSessionEvent(sessionID, SessionEventError, SeverityHigh, MessageParticipantFail, now, detail)
		return s.sysEvents.Append(ctx, failure)
	})
	if err != nil {
		return nil, err
	}

	if failure != nil {
		s.logger.Warn().
			Str("session_id", sessionID.String()).
			Int64("user_id", callerID).
			Msg("participant reported a call error")
		s.publish(ctx, sess, failure)
	}
	return pe, nil
}

// IssueJoinToken signs a room credential for a party of a live session. The
// role comes from the session record: moderator for the clinician,
// participant for the patient.
func (s *Service) IssueJoinToken(ctx context.Context, sessionID uuid.UUID, callerID int64) (*JoinToken, error) {
	sess, err := s.sessions.GetByID(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	role, ok := sess.RoleOf(callerID)
	if !ok {
		return nil, fmt.Errorf("%w: caller is not a party to the session", ErrAuthorization)
	}
	if sess.Status == StatusEnded {
		return nil, fmt.Errorf("%w: session already ended", ErrInvalidState)
	}

	profile, err := s.directory.GetUserProfile(ctx, callerID)
	if errors.Is(err, ErrUserNotFound) {
		profile = &UserProfile{ID: callerID}
	} else if err != nil {
		return nil, fmt.Errorf("load user profile: %w", err)
	}

	grant := videotoken.Grant{
		Room:        sess.RoomID,
		UserID:      callerID,
		Role:        role,
		DisplayName: profile.DisplayName,
		Email:       profile.Email,
	}
	if profile.AvatarURL != nil {
		grant.AvatarURL = *profile.AvatarURL
	}

	token, expiresAt, err := s.tokens.Issue(grant)
	if err != nil {
		return nil, fmt.Errorf("issue room token: %w", err)
	}

	s.logger.Info().
		Str("session_id", sessionID.String()).
		Int64("user_id", callerID).
		Str("role", string(role)).
		Time("expires_at", expiresAt).
		Msg("room token issued")

	return &JoinToken{
		SessionID: sess.ID,
		Room:      sess.RoomID,
		Role:      role,
		Token:     token,
		ExpiresAt: expiresAt,
	}, nil
}

func (s *Service) authorizeConsultation(ctx context.Context, consultationID, callerID int64) (*Consultation, error) {
	cons, err := s.directory.GetConsultation(ctx, consultationID)
	if err != nil {
		return nil, err
	}
	if !cons.IsParty(callerID) {
		return nil, fmt.Errorf("%w: caller is not a party to consultation %d", ErrAuthorization, consultationID)
	}
	return cons, nil
}

// publish hands a committed session event to the fan-out. Failures are
// logged only.
func (s *Service) publish(ctx context.Context, sess *Session, evt *SessionEvent) {
	if s.publisher == nil || evt == nil {
		return
	}
	env, err := events.New(events.SessionTopic(sess.ID), "video_session."+evt.Message, evt.Timestamp, SessionNotification{
		Session: sess,
		Event:   evt,
	})
	if err != nil {
		s.logger.Error().Err(err).Str("session_id", sess.ID.String()).Msg("build session event envelope")
		return
	}
	env.ClinicID = db.ClinicFromContext(ctx)
	s.publisher.Publish(env)
}

// SessionNotification is the payload of every published session event.
type SessionNotification struct {
	Session *Session      `json:"session"`
	Event   *SessionEvent `json:"event"`
}

func newSessionEvent(sessionID uuid.UUID, typ SessionEventType, sev Severity, msg string, at time.Time, meta Metadata) *SessionEvent {
	return &SessionEvent{
		ID:        uuid.New(),
		SessionID: sessionID,
		Type:      typ,
		Severity:  sev,
		Message:   msg,
		Metadata:  meta,
		Timestamp: at,
	}
}

func newParticipantEvent(sessionID uuid.UUID, userID int64, typ ParticipantEventType, at time.Time, meta Metadata) *ParticipantEvent {
	return &ParticipantEvent{
		ID:        uuid.New(),
		SessionID: sessionID,
		UserID:    userID,
		EventType: typ,
		Metadata:  meta,
		Timestamp: at,
	}
}
