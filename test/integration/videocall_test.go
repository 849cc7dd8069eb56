package integration

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ehr/telehealth/internal/domain/videocall"
	"github.com/ehr/telehealth/internal/platform/db"
)

const (
	consultationID int64 = 501
	clinicianID    int64 = 9001
	patientID      int64 = 9002
)

func TestInitializeSession_ConcurrentCallersShareOneLiveRow(t *testing.T) {
	clinic := newClinic(t)
	seedConsultation(t, clinic, consultationID, clinicianID, patientID)
	svc := newService(testPool, nil)

	const n = 64
	ids := make([]string, n)
	var g errgroup.Group
	for i := 0; i < n; i++ {
		i := i
		caller := clinicianID
		if i%2 == 1 {
			caller = patientID
		}
		g.Go(func() error {
			return db.WithClinicConn(context.Background(), testPool, clinic, func(ctx context.Context) error {
				sess, err := svc.InitializeSession(ctx, consultationID, caller)
				if err != nil {
					return err
				}
				ids[i] = sess.ID.String()
				return nil
			})
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("InitializeSession: %v", err)
	}

	for i := 1; i < n; i++ {
		if ids[i] != ids[0] {
			t.Fatalf("caller %d got session %s, caller 0 got %s", i, ids[i], ids[0])
		}
	}

	inClinic(t, clinic, func(ctx context.Context) error {
		var live, total int
		err := db.ConnFromContext(ctx).QueryRow(ctx, `SELECT
			COUNT(*) FILTER (WHERE status <> 'ENDED'), COUNT(*)
			FROM video_session WHERE consultation_id = $1`, consultationID).Scan(&live, &total)
		if err != nil {
			return err
		}
		if live != 1 || total != 1 {
			t.Errorf("expected exactly one session row, got live=%d total=%d", live, total)
		}

		var initialized int
		err = db.ConnFromContext(ctx).QueryRow(ctx,
			`SELECT COUNT(*) FROM video_session_event WHERE message = 'initialized'`).Scan(&initialized)
		if err != nil {
			return err
		}
		if initialized != 1 {
			t.Errorf("expected one initialized event, got %d", initialized)
		}
		return nil
	})
}

func TestSessionRepo_LiveIndexRejectsSecondLiveRow(t *testing.T) {
	clinic := newClinic(t)
	seedConsultation(t, clinic, consultationID, clinicianID, patientID)
	repo := videocall.NewSessionRepoPG(testPool)

	newRow := func() *videocall.Session {
		now := time.Now().UTC()
		return &videocall.Session{
			ConsultationID: consultationID,
			ClinicianID:    clinicianID,
			PatientID:      patientID,
			RoomID:         "consultation-501",
			Status:         videocall.StatusPending,
			CreatedAt:      now,
			UpdatedAt:      now,
		}
	}

	inClinic(t, clinic, func(ctx context.Context) error {
		first := newRow()
		if err := repo.Create(ctx, first); err != nil {
			t.Fatalf("first create: %v", err)
		}
		if err := repo.Create(ctx, newRow()); !errors.Is(err, videocall.ErrLiveSessionExists) {
			t.Fatalf("expected ErrLiveSessionExists, got %v", err)
		}

		if _, err := repo.MarkEnded(ctx, first.ID, time.Now().UTC(), "user_ended", nil); err != nil {
			t.Fatalf("MarkEnded: %v", err)
		}
		if err := repo.Create(ctx, newRow()); err != nil {
			t.Fatalf("create after end should succeed, got %v", err)
		}
		return nil
	})
}

func TestSessionRepo_TransitionsAreCompareAndSwap(t *testing.T) {
	clinic := newClinic(t)
	seedConsultation(t, clinic, consultationID, clinicianID, patientID)
	repo := videocall.NewSessionRepoPG(testPool)
	svc := newService(testPool, nil)

	var sess *videocall.Session
	inClinic(t, clinic, func(ctx context.Context) (err error) {
		sess, err = svc.InitializeSession(ctx, consultationID, patientID)
		return err
	})

	inClinic(t, clinic, func(ctx context.Context) error {
		now := time.Now().UTC()
		if _, err := repo.MarkActive(ctx, sess.ID, now); err != nil {
			t.Fatalf("first MarkActive: %v", err)
		}
		_, err := repo.MarkActive(ctx, sess.ID, now.Add(time.Second))
		var te *videocall.TransitionError
		if !errors.As(err, &te) || te.Status != videocall.StatusActive {
			t.Fatalf("second MarkActive: expected TransitionError from ACTIVE, got %v", err)
		}
		if !errors.Is(err, videocall.ErrInvalidState) {
			t.Errorf("TransitionError must unwrap to ErrInvalidState")
		}

		ended, err := repo.MarkEnded(ctx, sess.ID, now.Add(10*time.Second), "user_ended", nil)
		if err != nil {
			t.Fatalf("first MarkEnded: %v", err)
		}
		_, err = repo.MarkEnded(ctx, sess.ID, now.Add(99*time.Second), "late", nil)
		if !errors.Is(err, videocall.ErrInvalidState) {
			t.Fatalf("second MarkEnded: expected ErrInvalidState, got %v", err)
		}

		stored, err := repo.GetByID(ctx, sess.ID)
		if err != nil {
			return err
		}
		if *stored.DurationSeconds != *ended.DurationSeconds || *stored.EndReason != "user_ended" {
			t.Errorf("second end overwrote the row: %+v", stored)
		}
		return nil
	})
}

func TestStartAndEnd_ConcurrentExactlyOneWins(t *testing.T) {
	clinic := newClinic(t)
	seedConsultation(t, clinic, consultationID, clinicianID, patientID)
	svc := newService(testPool, nil)

	var sess *videocall.Session
	inClinic(t, clinic, func(ctx context.Context) (err error) {
		sess, err = svc.InitializeSession(ctx, consultationID, clinicianID)
		return err
	})

	race := func(op func(ctx context.Context, caller int64) error, callers ...int64) (wins, invalid int) {
		var mu sync.Mutex
		var wg sync.WaitGroup
		for _, caller := range callers {
			wg.Add(1)
			go func(caller int64) {
				defer wg.Done()
				err := db.WithClinicConn(context.Background(), testPool, clinic, func(ctx context.Context) error {
					return op(ctx, caller)
				})
				mu.Lock()
				defer mu.Unlock()
				switch {
				case err == nil:
					wins++
				case errors.Is(err, videocall.ErrInvalidState):
					invalid++
				default:
					t.Errorf("unexpected error: %v", err)
				}
			}(caller)
		}
		wg.Wait()
		return wins, invalid
	}

	wins, invalid := race(func(ctx context.Context, caller int64) error {
		_, err := svc.StartSession(ctx, sess.ID, caller)
		return err
	}, clinicianID, clinicianID, clinicianID, clinicianID)
	if wins != 1 || invalid != 3 {
		t.Fatalf("start: wins=%d invalid=%d, want 1/3", wins, invalid)
	}

	wins, invalid = race(func(ctx context.Context, caller int64) error {
		_, err := svc.EndSession(ctx, sess.ID, caller, videocall.EndOptions{})
		return err
	}, clinicianID, patientID, clinicianID, patientID)
	if wins != 1 || invalid != 3 {
		t.Fatalf("end: wins=%d invalid=%d, want 1/3", wins, invalid)
	}

	inClinic(t, clinic, func(ctx context.Context) error {
		var ended int
		err := db.ConnFromContext(ctx).QueryRow(ctx,
			`SELECT COUNT(*) FROM video_session_event WHERE session_id = $1 AND message = 'ended'`, sess.ID).Scan(&ended)
		if err != nil {
			return err
		}
		if ended != 1 {
			t.Errorf("expected one ended event, got %d", ended)
		}
		return nil
	})
}

func TestEndSession_DurationIsFlooredElapsedSeconds(t *testing.T) {
	clinic := newClinic(t)
	seedConsultation(t, clinic, consultationID, clinicianID, patientID)
	clock := &fixedClock{t: time.Date(2026, 3, 2, 9, 0, 0, 250_000_000, time.UTC)}
	svc := newService(testPool, clock)

	inClinic(t, clinic, func(ctx context.Context) error {
		sess, err := svc.InitializeSession(ctx, consultationID, patientID)
		if err != nil {
			return err
		}
		started, err := svc.StartSession(ctx, sess.ID, clinicianID)
		if err != nil {
			return err
		}

		clock.t = clock.t.Add(125*time.Second + 900*time.Millisecond)
		ended, err := svc.EndSession(ctx, sess.ID, patientID, videocall.EndOptions{Reason: "completed", Quality: "good"})
		if err != nil {
			return err
		}

		if ended.Status != videocall.StatusEnded || ended.DurationSeconds == nil {
			t.Fatalf("unexpected ended session %+v", ended)
		}
		want := int(ended.EndedAt.Sub(*started.StartedAt) / time.Second)
		if *ended.DurationSeconds != want || want != 125 {
			t.Errorf("duration_seconds = %d, want floor(ended-started) = %d (125)", *ended.DurationSeconds, want)
		}
		if *ended.EndReason != "completed" || *ended.CallQuality != "good" {
			t.Errorf("unexpected reason/quality %q/%q", *ended.EndReason, *ended.CallQuality)
		}
		return nil
	})
}

func TestEndSession_NeverStartedHasNoDuration(t *testing.T) {
	clinic := newClinic(t)
	seedConsultation(t, clinic, consultationID, clinicianID, patientID)
	svc := newService(testPool, nil)

	inClinic(t, clinic, func(ctx context.Context) error {
		sess, err := svc.InitializeSession(ctx, consultationID, patientID)
		if err != nil {
			return err
		}
		ended, err := svc.EndSession(ctx, sess.ID, patientID, videocall.EndOptions{Reason: "cancelled"})
		if err != nil {
			return err
		}
		if ended.DurationSeconds != nil || ended.StartedAt != nil {
			t.Errorf("never-started session must have no duration, got %+v", ended)
		}
		return nil
	})
}

func TestEventLogs_OrderedByTimestampThenSeq(t *testing.T) {
	clinic := newClinic(t)
	seedConsultation(t, clinic, consultationID, clinicianID, patientID)
	clock := &fixedClock{t: time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)}
	svc := newService(testPool, clock)
	log := videocall.NewParticipantLogPG(testPool)

	inClinic(t, clinic, func(ctx context.Context) error {
		sess, err := svc.InitializeSession(ctx, consultationID, patientID)
		if err != nil {
			return err
		}
		if _, err := svc.StartSession(ctx, sess.ID, clinicianID); err != nil {
			return err
		}
		// Same timestamp as the clinician's join; insertion order must win.
		for _, q := range []string{"good", "poor"} {
			if _, err := svc.RecordParticipantEvent(ctx, sess.ID, patientID, videocall.EventQualitySample, videocall.Metadata{"quality": q}); err != nil {
				return err
			}
		}

		evts, err := log.ListBySession(ctx, sess.ID)
		if err != nil {
			return err
		}
		if len(evts) != 3 {
			t.Fatalf("expected 3 participant events, got %d", len(evts))
		}
		for i := 1; i < len(evts); i++ {
			if evts[i].Seq <= evts[i-1].Seq {
				t.Errorf("events out of order at %d: seq %d after %d", i, evts[i].Seq, evts[i-1].Seq)
			}
		}
		if got := videocall.ProjectParticipants(evts)[patientID].FinalQuality; got != "poor" {
			t.Errorf("final quality = %v, want poor", got)
		}
		return nil
	})
}
