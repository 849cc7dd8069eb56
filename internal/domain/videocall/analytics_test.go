package videocall

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestFormatDuration(t *testing.T) {
	tests := []struct {
		seconds int
		want    string
	}{
		{0, "0:00:00"},
		{59, "0:00:59"},
		{60, "0:01:00"},
		{125, "0:02:05"},
		{3599, "0:59:59"},
		{3661, "1:01:01"},
		{86399, "23:59:59"},
		{86400, "24:00:00"},
		{90061, "25:01:01"},
		{360000, "100:00:00"},
		{-5, "0:00:00"},
	}
	for _, tt := range tests {
		if got := FormatDuration(tt.seconds); got != tt.want {
			t.Errorf("FormatDuration(%d) = %q, want %q", tt.seconds, got, tt.want)
		}
	}
}

func TestProjectParticipants(t *testing.T) {
	sid := uuid.New()
	t0 := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	evts := []*ParticipantEvent{
		{Seq: 1, SessionID: sid, UserID: 1, EventType: EventJoined, Timestamp: t0},
		{Seq: 2, SessionID: sid, UserID: 2, EventType: EventJoined, Timestamp: t0.Add(3 * time.Second)},
		{Seq: 3, SessionID: sid, UserID: 2, EventType: EventQualitySample, Timestamp: t0.Add(10 * time.Second), Metadata: Metadata{"quality": 4.5}},
		{Seq: 4, SessionID: sid, UserID: 2, EventType: EventLeft, Timestamp: t0.Add(20 * time.Second)},
		{Seq: 5, SessionID: sid, UserID: 2, EventType: EventJoined, Timestamp: t0.Add(30 * time.Second)},
		{Seq: 6, SessionID: sid, UserID: 2, EventType: EventLeft, Timestamp: t0.Add(40 * time.Second), Metadata: Metadata{"quality": "good"}},
	}

	got := ProjectParticipants(evts)

	p := got[2]
	if p.JoinedAt == nil || !p.JoinedAt.Equal(t0.Add(3*time.Second)) {
		t.Errorf("joined_at should be the first join, got %v", p.JoinedAt)
	}
	if p.LeftAt == nil || !p.LeftAt.Equal(t0.Add(40*time.Second)) {
		t.Errorf("left_at should be the last leave, got %v", p.LeftAt)
	}
	if p.FinalQuality != "good" {
		t.Errorf("final_quality = %v", p.FinalQuality)
	}

	c := got[1]
	if c.JoinedAt == nil || c.LeftAt != nil {
		t.Errorf("clinician projection wrong: %+v", c)
	}
	if c.FinalQuality != nil {
		t.Errorf("expected nil quality, got %v", c.FinalQuality)
	}
}

func TestProjectParticipants_TiesBrokenBySequence(t *testing.T) {
	at := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	// Same timestamp, delivered out of order.
	evts := []*ParticipantEvent{
		{Seq: 9, UserID: 7, EventType: EventQualitySample, Timestamp: at, Metadata: Metadata{"quality": "poor"}},
		{Seq: 3, UserID: 7, EventType: EventJoined, Timestamp: at, Metadata: Metadata{"quality": "good"}},
		{Seq: 12, UserID: 7, EventType: EventLeft, Timestamp: at},
		{Seq: 10, UserID: 7, EventType: EventLeft, Timestamp: at, Metadata: Metadata{"quality": "fair"}},
	}

	for i := 0; i < 3; i++ {
		got := ProjectParticipants(evts)[7]
		if got.FinalQuality != nil {
			t.Fatalf("latest event (seq 12) carries no quality, got %v", got.FinalQuality)
		}
		if got.JoinedAt == nil || got.LeftAt == nil {
			t.Fatalf("expected joined and left, got %+v", got)
		}
	}
	if evts[0].Seq != 9 {
		t.Error("projection must not reorder the caller's slice")
	}
}

func TestProjectParticipants_Empty(t *testing.T) {
	if got := ProjectParticipants(nil); len(got) != 0 {
		t.Errorf("expected empty projection, got %v", got)
	}
}

func TestSessionAnalytics_Counts(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	sess := env.started(t)

	env.clock.Advance(2 * time.Second)
	if _, err := env.svc.RecordParticipantEvent(ctx, sess.ID, testPatient, EventJoined, nil); err != nil {
		t.Fatalf("joined: %v", err)
	}
	env.clock.Advance(time.Minute)
	if _, err := env.svc.RecordParticipantEvent(ctx, sess.ID, testPatient, EventError, Metadata{"code": "AUDIO_LOST"}); err != nil {
		t.Fatalf("error event: %v", err)
	}
	env.clock.Advance(time.Hour)
	if _, err := env.svc.EndSession(ctx, sess.ID, testPatient, EndOptions{Quality: "fair"}); err != nil {
		t.Fatalf("EndSession: %v", err)
	}

	got, err := env.analytics.SessionAnalytics(ctx, sess.ID, testPatient)
	if err != nil {
		t.Fatalf("SessionAnalytics: %v", err)
	}
	if got.EventsCount < 4 {
		t.Errorf("events_count = %d, want at least 4", got.EventsCount)
	}
	if got.WarningsCount != 1 {
		t.Errorf("warnings_count = %d, want 1", got.WarningsCount)
	}
	if got.ErrorsCount != 1 {
		t.Errorf("errors_count = %d, want 1", got.ErrorsCount)
	}
	if got.ParticipantEvents != 4 {
		t.Errorf("participant_events = %d, want 4", got.ParticipantEvents)
	}
	if got.Status != StatusEnded || got.DurationSeconds != 3662 || got.DurationFormatted != "1:01:02" {
		t.Errorf("unexpected duration/status: %+v", got)
	}
	if got.Patient.JoinedAt == nil || got.Patient.LeftAt == nil || got.Patient.FinalQuality != "fair" {
		t.Errorf("unexpected patient summary: %+v", got.Patient)
	}
	if got.Clinician.UserID != testClinician || got.Clinician.JoinedAt == nil || got.Clinician.LeftAt != nil {
		t.Errorf("unexpected clinician summary: %+v", got.Clinician)
	}
}

func TestSessionAnalytics_ActiveReportsElapsed(t *testing.T) {
	env := newTestEnv(t)
	sess := env.started(t)
	env.clock.Advance(90 * time.Second)

	got, err := env.analytics.SessionAnalytics(context.Background(), sess.ID, testClinician)
	if err != nil {
		t.Fatalf("SessionAnalytics: %v", err)
	}
	if got.DurationSeconds != 90 || got.DurationFormatted != "0:01:30" {
		t.Errorf("unexpected elapsed duration: %d %q", got.DurationSeconds, got.DurationFormatted)
	}
}

func TestSessionAnalytics_PendingHasZeroDuration(t *testing.T) {
	env := newTestEnv(t)
	sess := env.initialized(t)

	got, err := env.analytics.SessionAnalytics(context.Background(), sess.ID, testPatient)
	if err != nil {
		t.Fatalf("SessionAnalytics: %v", err)
	}
	if got.DurationSeconds != 0 || got.DurationFormatted != "0:00:00" || got.EventsCount != 1 {
		t.Errorf("unexpected pending summary: %+v", got)
	}
	if got.Patient.UserID != testPatient || got.Patient.JoinedAt != nil {
		t.Errorf("unexpected patient summary: %+v", got.Patient)
	}
}

func TestSessionAnalytics_Unauthorized(t *testing.T) {
	env := newTestEnv(t)
	sess := env.initialized(t)
	if _, err := env.analytics.SessionAnalytics(context.Background(), sess.ID, testStranger); !errors.Is(err, ErrAuthorization) {
		t.Fatalf("expected ErrAuthorization, got %v", err)
	}
	if _, err := env.analytics.SessionAnalytics(context.Background(), uuid.New(), testPatient); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}
}
