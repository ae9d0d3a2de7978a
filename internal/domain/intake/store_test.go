package intake

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/ehr/triage/internal/domain/triage"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time { return c.t }

func newTestStore(ttl time.Duration) (*SessionStore, *fakeClock) {
	clock := &fakeClock{t: time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)}
	st := NewSessionStore(triage.VitalsCatalog(), triage.VitalsPolicy{}, ttl, nil)
	st.now = clock.now
	return st, clock
}

func TestSessionStore_CreateAndGet(t *testing.T) {
	st, _ := newTestStore(time.Minute)
	v := st.Create()
	if len(v.ID) != 26 {
		t.Errorf("expected a 26-character ULID, got %q", v.ID)
	}
	got, err := st.Get(v.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.ID != v.ID || got.Index != 0 {
		t.Errorf("unexpected view: %+v", got)
	}
	if _, err := st.Get("missing"); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("expected ErrSessionNotFound, got %v", err)
	}
}

func TestSessionStore_UniqueIDs(t *testing.T) {
	st, _ := newTestStore(time.Minute)
	seen := map[string]bool{}
	for i := 0; i < 50; i++ {
		id := st.Create().ID
		if seen[id] {
			t.Fatalf("duplicate id %s", id)
		}
		seen[id] = true
	}
}

func TestSessionStore_ExpiresIdleSessions(t *testing.T) {
	st, clock := newTestStore(10 * time.Minute)
	a := st.Create().ID
	b := st.Create().ID

	clock.t = clock.t.Add(8 * time.Minute)
	if _, err := st.Update(b, func(*Session) error { return nil }); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	clock.t = clock.t.Add(5 * time.Minute)
	if _, err := st.Get(a); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("expected idle session to expire, got %v", err)
	}
	if _, err := st.Get(b); err != nil {
		t.Errorf("expected touched session to survive, got %v", err)
	}

	clock.t = clock.t.Add(time.Hour)
	if n := st.Sweep(); n != 1 {
		t.Errorf("expected 1 swept session, got %d", n)
	}
	if st.Len() != 0 {
		t.Errorf("expected empty store, got %d", st.Len())
	}
}

func TestSessionStore_TakeKeepsSessionOnFailure(t *testing.T) {
	st, _ := newTestStore(time.Minute)
	id := st.Create().ID

	boom := errors.New("boom")
	if err := st.Take(id, func(*Session) error { return boom }); !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	if _, err := st.Get(id); err != nil {
		t.Errorf("expected session kept after failed take, got %v", err)
	}

	if err := st.Take(id, func(*Session) error { return nil }); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := st.Get(id); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("expected session removed, got %v", err)
	}
}

func TestSessionStore_Metrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	st := NewSessionStore(triage.VitalsCatalog(), triage.VitalsPolicy{}, time.Minute, NewMetrics(reg))
	st.Create()
	st.Create()

	families, err := reg.Gather()
	if err != nil {
		t.Fatal(err)
	}
	for _, mf := range families {
		if mf.GetName() == "intake_sessions_active" {
			if got := mf.GetMetric()[0].GetGauge().GetValue(); got != 2 {
				t.Errorf("expected 2 active sessions, got %v", got)
			}
			return
		}
	}
	t.Error("intake_sessions_active not gathered")
}

func TestSessionStore_TakeReleasesLockDuringCallback(t *testing.T) {
	st, clock := newTestStore(time.Minute)
	id := st.Create().ID
	other := st.Create().ID

	entered := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- st.Take(id, func(*Session) error {
			close(entered)
			<-release
			return nil
		})
	}()
	<-entered

	if _, err := st.Update(other, func(*Session) error { return nil }); err != nil {
		t.Errorf("expected other sessions usable during take, got %v", err)
	}
	if _, err := st.Get(id); err != nil {
		t.Errorf("expected taken session readable, got %v", err)
	}
	if _, err := st.Update(id, func(*Session) error { return nil }); !errors.Is(err, ErrSessionBusy) {
		t.Errorf("expected ErrSessionBusy updating a taken session, got %v", err)
	}
	if err := st.Take(id, func(*Session) error { return nil }); !errors.Is(err, ErrSessionBusy) {
		t.Errorf("expected ErrSessionBusy taking twice, got %v", err)
	}
	clock.t = clock.t.Add(time.Hour)
	if n := st.Sweep(); n != 1 {
		t.Errorf("expected only the idle untaken session swept, got %d", n)
	}

	close(release)
	if err := <-done; err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if st.Len() != 0 {
		t.Errorf("expected taken session removed, got %d left", st.Len())
	}
}
