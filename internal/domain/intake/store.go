package intake

import (
	"errors"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/ehr/triage/internal/domain/triage"
)

var (
	ErrSessionNotFound = errors.New("assessment not found")
	// ErrSessionBusy means the assessment is being handed to the queue.
	ErrSessionBusy = errors.New("assessment is being enqueued")
)

// Metrics holds prometheus collectors for assessment sessions.
type Metrics struct {
	SessionsStarted   prometheus.Counter
	SessionsCompleted prometheus.Counter
	SessionsExpired   prometheus.Counter
	SessionsActive    prometheus.Gauge
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		SessionsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "intake_sessions_started_total",
			Help: "Assessment sessions started.",
		}),
		SessionsCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "intake_sessions_enqueued_total",
			Help: "Completed assessments handed to the queue.",
		}),
		SessionsExpired: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "intake_sessions_expired_total",
			Help: "Assessment sessions dropped after inactivity.",
		}),
		SessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "intake_sessions_active",
			Help: "Assessment sessions currently held in memory.",
		}),
	}
	reg.MustRegister(m.SessionsStarted, m.SessionsCompleted, m.SessionsExpired, m.SessionsActive)
	return m
}

// SessionStore holds in-progress assessments in memory, keyed by ULID.
// Sessions idle for longer than the TTL are dropped.
type SessionStore struct {
	mu       sync.Mutex
	sessions map[string]*Session
	catalog  *triage.Catalog
	policy   triage.Policy
	ttl      time.Duration
	now      func() time.Time
	metrics  *Metrics
	// taken holds sessions handed to a Take callback. They are read-only
	// until the callback returns and never expire meanwhile.
	taken map[string]struct{}
}

func NewSessionStore(catalog *triage.Catalog, policy triage.Policy, ttl time.Duration, m *Metrics) *SessionStore {
	return &SessionStore{
		sessions: make(map[string]*Session),
		taken:    make(map[string]struct{}),
		catalog:  catalog,
		policy:   policy,
		ttl:      ttl,
		now:      time.Now,
		metrics:  m,
	}
}

func (st *SessionStore) Catalog() *triage.Catalog { return st.catalog }

func (st *SessionStore) Policy() triage.Policy { return st.policy }

// Create starts a new session at the first question.
func (st *SessionStore) Create() SessionView {
	st.mu.Lock()
	defer st.mu.Unlock()

	s := NewSession(ulid.Make().String(), st.catalog, st.policy)
	now := st.now()
	s.created = now
	s.touch(now)
	st.sessions[s.id] = s
	if st.metrics != nil {
		st.metrics.SessionsStarted.Inc()
		st.metrics.SessionsActive.Set(float64(len(st.sessions)))
	}
	return s.View()
}

// lookup returns a live session. An expired one is removed. The caller must
// hold mu.
func (st *SessionStore) lookup(id string) (*Session, error) {
	s, ok := st.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	if _, busy := st.taken[id]; !busy && s.expired(st.now(), st.ttl) {
		st.drop(id, true)
		return nil, ErrSessionNotFound
	}
	return s, nil
}

func (st *SessionStore) drop(id string, expired bool) {
	delete(st.sessions, id)
	if st.metrics != nil {
		if expired {
			st.metrics.SessionsExpired.Inc()
		}
		st.metrics.SessionsActive.Set(float64(len(st.sessions)))
	}
}

func (st *SessionStore) Get(id string) (SessionView, error) {
	st.mu.Lock()
	defer st.mu.Unlock()

	s, err := st.lookup(id)
	if err != nil {
		return SessionView{}, err
	}
	return s.View(), nil
}

// Update runs fn against a live session and refreshes its idle timer. The
// view reflects the session after fn, whether or not fn failed.
func (st *SessionStore) Update(id string, fn func(*Session) error) (SessionView, error) {
	st.mu.Lock()
	defer st.mu.Unlock()

	s, err := st.lookup(id)
	if err != nil {
		return SessionView{}, err
	}
	if _, busy := st.taken[id]; busy {
		return SessionView{}, ErrSessionBusy
	}
	s.touch(st.now())
	err = fn(s)
	return s.View(), err
}

// Take hands a session to fn and removes it once fn succeeds. fn runs
// without the store lock, so it may do slow I/O; meanwhile the session
// can be read but not changed or taken again. If fn fails the session is
// put back untouched so the client can retry.
func (st *SessionStore) Take(id string, fn func(*Session) error) error {
	st.mu.Lock()
	s, err := st.lookup(id)
	if err == nil {
		if _, busy := st.taken[id]; busy {
			err = ErrSessionBusy
		}
	}
	if err != nil {
		st.mu.Unlock()
		return err
	}
	st.taken[id] = struct{}{}
	st.mu.Unlock()

	ferr := fn(s)

	st.mu.Lock()
	defer st.mu.Unlock()
	delete(st.taken, id)
	if ferr != nil {
		s.touch(st.now())
		return ferr
	}
	st.drop(id, false)
	if st.metrics != nil {
		st.metrics.SessionsCompleted.Inc()
	}
	return nil
}

// Sweep drops every expired session and returns how many were removed.
func (st *SessionStore) Sweep() int {
	st.mu.Lock()
	defer st.mu.Unlock()

	now := st.now()
	n := 0
	for id, s := range st.sessions {
		if _, busy := st.taken[id]; busy {
			continue
		}
		if s.expired(now, st.ttl) {
			st.drop(id, true)
			n++
		}
	}
	return n
}

func (st *SessionStore) Len() int {
	st.mu.Lock()
	defer st.mu.Unlock()
	return len(st.sessions)
}
