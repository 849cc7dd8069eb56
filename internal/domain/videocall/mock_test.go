package videocall

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ehr/telehealth/internal/platform/events"
)

// -- Mock Repositories --

// mockSessionRepo keeps sessions in memory and enforces the one-live-session
// rule and the status compare-and-swaps under its mutex, mirroring the
// partial unique index and conditional updates of the Postgres repository.
type mockSessionRepo struct {
	mu    sync.Mutex
	items map[uuid.UUID]*Session

	// forcedConflicts makes the next n Create calls fail as if a concurrent
	// writer had won the race.
	forcedConflicts int
	creates         int
}

func newMockSessionRepo() *mockSessionRepo {
	return &mockSessionRepo{items: make(map[uuid.UUID]*Session)}
}

func copySession(s *Session) *Session {
	c := *s
	return &c
}

func (m *mockSessionRepo) Create(_ context.Context, s *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.creates++
	if m.forcedConflicts > 0 {
		m.forcedConflicts--
		return ErrLiveSessionExists
	}
	for _, existing := range m.items {
		if existing.ConsultationID == s.ConsultationID && existing.Status.IsLive() {
			return ErrLiveSessionExists
		}
	}
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	m.items[s.ID] = copySession(s)
	return nil
}

func (m *mockSessionRepo) GetByID(_ context.Context, id uuid.UUID) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.items[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return copySession(s), nil
}

func (m *mockSessionRepo) GetLiveByConsultation(_ context.Context, consultationID int64) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.items {
		if s.ConsultationID == consultationID && s.Status.IsLive() {
			return copySession(s), nil
		}
	}
	return nil, ErrSessionNotFound
}

func (m *mockSessionRepo) ListByConsultation(_ context.Context, consultationID int64, limit, offset int) ([]*Session, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var all []*Session
	for _, s := range m.items {
		if s.ConsultationID == consultationID {
			all = append(all, copySession(s))
		}
	}
	sort.Slice(all, func(i, j int) bool { return all[i].CreatedAt.After(all[j].CreatedAt) })
	total := len(all)
	if offset >= total {
		return nil, total, nil
	}
	end := offset + limit
	if end > total {
		end = total
	}
	return all[offset:end], total, nil
}

func (m *mockSessionRepo) MarkActive(_ context.Context, id uuid.UUID, startedAt time.Time) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.items[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	if !s.Status.Startable() {
		return nil, &TransitionError{Status: s.Status}
	}
	s.Status = StatusActive
	s.StartedAt = &startedAt
	s.UpdatedAt = startedAt
	return copySession(s), nil
}

func (m *mockSessionRepo) MarkEnded(_ context.Context, id uuid.UUID, endedAt time.Time, reason string, quality *string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.items[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	if s.Status == StatusEnded {
		return nil, &TransitionError{Status: s.Status}
	}
	s.Status = StatusEnded
	s.EndedAt = &endedAt
	s.UpdatedAt = endedAt
	s.EndReason = &reason
	s.CallQuality = quality
	if s.StartedAt != nil {
		d := int(endedAt.Sub(*s.StartedAt) / time.Second)
		if d < 0 {
			d = 0
		}
		s.DurationSeconds = &d
	}
	return copySession(s), nil
}

func (m *mockSessionRepo) setStatus(id uuid.UUID, st Status) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items[id].Status = st
}

func (m *mockSessionRepo) liveCount(consultationID int64) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, s := range m.items {
		if s.ConsultationID == consultationID && s.Status.IsLive() {
			n++
		}
	}
	return n
}

type mockParticipantLog struct {
	mu    sync.Mutex
	seq   int64
	items []*ParticipantEvent
}

func (m *mockParticipantLog) Append(_ context.Context, e *ParticipantEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	e.Seq = m.seq
	c := *e
	m.items = append(m.items, &c)
	return nil
}

func (m *mockParticipantLog) ListBySession(_ context.Context, sessionID uuid.UUID) ([]*ParticipantEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*ParticipantEvent
	for _, e := range m.items {
		if e.SessionID == sessionID {
			c := *e
			out = append(out, &c)
		}
	}
	return out, nil
}

type mockSessionEventLog struct {
	mu    sync.Mutex
	seq   int64
	items []*SessionEvent
	err   error
}

func (m *mockSessionEventLog) Append(_ context.Context, e *SessionEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.seq++
	e.Seq = m.seq
	c := *e
	m.items = append(m.items, &c)
	return nil
}

func (m *mockSessionEventLog) ListBySession(_ context.Context, sessionID uuid.UUID) ([]*SessionEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*SessionEvent
	for _, e := range m.items {
		if e.SessionID == sessionID {
			c := *e
			out = append(out, &c)
		}
	}
	return out, nil
}

func (m *mockSessionEventLog) countMessage(sessionID uuid.UUID, msg string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, e := range m.items {
		if e.SessionID == sessionID && e.Message == msg {
			n++
		}
	}
	return n
}

type mockDirectory struct {
	consultations map[int64]*Consultation
	profiles      map[int64]*UserProfile
}

func (m *mockDirectory) GetConsultation(_ context.Context, id int64) (*Consultation, error) {
	c, ok := m.consultations[id]
	if !ok {
		return nil, ErrConsultationNotFound
	}
	return c, nil
}

func (m *mockDirectory) GetUserProfile(_ context.Context, id int64) (*UserProfile, error) {
	p, ok := m.profiles[id]
	if !ok {
		return nil, ErrUserNotFound
	}
	return p, nil
}

type recordingPublisher struct {
	mu   sync.Mutex
	envs []events.Envelope
}

func (p *recordingPublisher) Publish(env events.Envelope) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.envs = append(p.envs, env)
	return true
}

func (p *recordingPublisher) types() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.envs))
	for i, e := range p.envs {
		out[i] = e.Type
	}
	return out
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}
