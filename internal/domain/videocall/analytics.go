package videocall

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
)

// ParticipantSummary is the projection of one user's participant events.
type ParticipantSummary struct {
	UserID       int64      `json:"user_id"`
	JoinedAt     *time.Time `json:"joined_at"`
	LeftAt       *time.Time `json:"left_at"`
	FinalQuality any        `json:"final_quality"`
}

// SessionAnalytics is a point-in-time summary of a session. It is read from
// the session row and both event logs without a shared snapshot, so a
// concurrent append may be reflected in one log but not yet the other.
type SessionAnalytics struct {
	SessionID         uuid.UUID          `json:"session_id"`
	ConsultationID    int64              `json:"consultation_id"`
	Status            Status             `json:"status"`
	DurationSeconds   int                `json:"duration_seconds"`
	DurationFormatted string             `json:"duration_formatted"`
	Clinician         ParticipantSummary `json:"clinician"`
	Patient           ParticipantSummary `json:"patient"`
	EventsCount       int                `json:"events_count"`
	WarningsCount     int                `json:"warnings_count"`
	ErrorsCount       int                `json:"errors_count"`
	ParticipantEvents int                `json:"participant_events"`
}

// Analytics computes session summaries on demand.
type Analytics struct {
	sessions     SessionRepository
	participants ParticipantEventLog
	sysEvents    SessionEventLog
	now          func() time.Time
}

func NewAnalytics(sessions SessionRepository, participants ParticipantEventLog, sysEvents SessionEventLog) *Analytics {
	return &Analytics{
		sessions:     sessions,
		participants: participants,
		sysEvents:    sysEvents,
		now:          time.Now,
	}
}

func (a *Analytics) SetClock(now func() time.Time) {
	a.now = now
}

// SessionAnalytics summarizes a session for one of its parties. An ended
// session reports its stored duration; an active one reports the time
// elapsed so far.
func (a *Analytics) SessionAnalytics(ctx context.Context, sessionID uuid.UUID, callerID int64) (*SessionAnalytics, error) {
	sess, err := a.sessions.GetByID(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if !sess.IsParty(callerID) {
		return nil, ErrAuthorization
	}

	pevents, err := a.participants.ListBySession(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list participant events: %w", err)
	}
	sevents, err := a.sysEvents.ListBySession(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list session events: %w", err)
	}

	duration := 0
	switch {
	case sess.DurationSeconds != nil:
		duration = *sess.DurationSeconds
	case sess.Status == StatusActive && sess.StartedAt != nil:
		duration = int(a.now().Sub(*sess.StartedAt) / time.Second)
	}
	if duration < 0 {
		duration = 0
	}

	projected := ProjectParticipants(pevents)
	out := &SessionAnalytics{
		SessionID:         sess.ID,
		ConsultationID:    sess.ConsultationID,
		Status:            sess.Status,
		DurationSeconds:   duration,
		DurationFormatted: FormatDuration(duration),
		Clinician:         projected[sess.ClinicianID],
		Patient:           projected[sess.PatientID],
		EventsCount:       len(sevents),
		ParticipantEvents: len(pevents),
	}
	out.Clinician.UserID = sess.ClinicianID
	out.Patient.UserID = sess.PatientID

	for _, e := range sevents {
		if e.Severity == SeverityHigh {
			out.WarningsCount++
		}
		if e.Type == SessionEventError {
			out.ErrorsCount++
		}
	}
	return out, nil
}

// ProjectParticipants folds a participant log into per-user summaries:
// joined_at is the first "joined", left_at the last "left" and final_quality
// the metadata quality of the user's most recent event, nil when that event
// carries none. Events are ordered by timestamp, then sequence.
func ProjectParticipants(evts []*ParticipantEvent) map[int64]ParticipantSummary {
	ordered := make([]*ParticipantEvent, len(evts))
	copy(ordered, evts)
	sort.SliceStable(ordered, func(i, j int) bool {
		if !ordered[i].Timestamp.Equal(ordered[j].Timestamp) {
			return ordered[i].Timestamp.Before(ordered[j].Timestamp)
		}
		return ordered[i].Seq < ordered[j].Seq
	})

	out := make(map[int64]ParticipantSummary)
	for _, e := range ordered {
		sum := out[e.UserID]
		sum.UserID = e.UserID
		ts := e.Timestamp
		switch e.EventType {
		case EventJoined:
			if sum.JoinedAt == nil {
				sum.JoinedAt = &ts
			}
		case EventLeft:
			sum.LeftAt = &ts
		}
		sum.FinalQuality = e.Metadata["quality"]
		out[e.UserID] = sum
	}
	return out
}

// FormatDuration renders seconds as H:MM:SS. Hours keep counting past 24.
func FormatDuration(seconds int) string {
	if seconds < 0 {
		seconds = 0
	}
	h := seconds / 3600
	m := (seconds % 3600) / 60
	s := seconds % 60
	return fmt.Sprintf("%d:%02d:%02d", h, m, s)
}
