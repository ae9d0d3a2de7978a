package intake

import (
	"errors"
	"fmt"
	"time"

	"github.com/ehr/triage/internal/domain/triage"
)

var (
	ErrComplete   = errors.New("assessment is already complete")
	ErrUnanswered = errors.New("current question has not been answered")
	ErrNotCurrent = errors.New("answer does not target the current question")
)

// State is where a session is in the questionnaire.
type State string

const (
	StateAtQuestion State = "at_question"
	StateComplete   State = "complete"
)

// Result is a classification outcome ready for display.
type Result struct {
	ESI      triage.ESI `json:"esi"`
	Label    string     `json:"label"`
	Guidance string     `json:"guidance"`
	Policy   string     `json:"policy"`
}

func NewResult(policy string, esi triage.ESI) Result {
	return Result{ESI: esi, Label: esi.Label(), Guidance: esi.Guidance(), Policy: policy}
}

// Session walks one patient through a catalog, one question at a time.
// A Session is not safe for concurrent use; SessionStore serializes access.
type Session struct {
	id      string
	catalog *triage.Catalog
	policy  triage.Policy

	index    int
	answers  triage.AnswerSet
	complete bool
	esi      triage.ESI

	created time.Time
	touched time.Time
}

func NewSession(id string, catalog *triage.Catalog, policy triage.Policy) *Session {
	now := time.Now()
	return &Session{
		id:      id,
		catalog: catalog,
		policy:  policy,
		answers: triage.AnswerSet{},
		created: now,
		touched: now,
	}
}

func (s *Session) ID() string { return s.id }

func (s *Session) State() State {
	if s.complete {
		return StateComplete
	}
	return StateAtQuestion
}

// Index is the position of the current question. It equals the catalog
// length once the session is complete.
func (s *Session) Index() int {
	if s.complete {
		return s.catalog.Len()
	}
	return s.index
}

// Current returns the question awaiting an answer, or false once complete.
func (s *Session) Current() (triage.Question, bool) {
	if s.complete || s.index >= s.catalog.Len() {
		return triage.Question{}, false
	}
	return s.catalog.At(s.index), true
}

// Answer records a for question i. i must be the current index. A rejected
// answer leaves the session unchanged. An empty answer to an optional
// question clears any earlier answer.
func (s *Session) Answer(i int, a triage.Answer) error {
	if s.complete {
		return ErrComplete
	}
	if i != s.index {
		return fmt.Errorf("%w: got %d, at %d", ErrNotCurrent, i, s.index)
	}
	q, ok := s.Current()
	if !ok {
		return ErrNotCurrent
	}
	accepted, err := q.Accept(a)
	if err != nil {
		return err
	}
	if accepted.IsZero() {
		delete(s.answers, q.ID)
	} else {
		s.answers[q.ID] = accepted
	}
	return nil
}

// Advance moves to the next question. On the last question it runs the
// policy and completes the session.
func (s *Session) Advance() error {
	if s.complete {
		return ErrComplete
	}
	if q, ok := s.Current(); ok && q.Required && !s.answers.Has(q.ID) {
		return fmt.Errorf("%w: %s", ErrUnanswered, q.ID)
	}
	if s.index+1 < s.catalog.Len() {
		s.index++
		return nil
	}
	s.esi = s.policy.Classify(s.answers)
	s.complete = true
	return nil
}

// Retreat steps back one question, keeping every answer. It is a no-op on
// the first question.
func (s *Session) Retreat() error {
	if s.complete {
		return ErrComplete
	}
	if s.index > 0 {
		s.index--
	}
	return nil
}

// Reset discards all answers and returns to the first question, including
// from a completed session.
func (s *Session) Reset() {
	s.index = 0
	s.answers = triage.AnswerSet{}
	s.complete = false
	s.esi = 0
}

// ESI returns the computed level once the session is complete.
func (s *Session) ESI() (triage.ESI, bool) {
	return s.esi, s.complete
}

// Answers returns a copy of the answers given so far.
func (s *Session) Answers() triage.AnswerSet {
	return s.answers.Clone()
}

func (s *Session) Policy() string { return s.policy.Name() }

func (s *Session) touch(now time.Time) { s.touched = now }

func (s *Session) expired(now time.Time, ttl time.Duration) bool {
	return ttl > 0 && now.Sub(s.touched) > ttl
}

// SessionView is the wire form of a session.
type SessionView struct {
	ID       string           `json:"id"`
	Policy   string           `json:"policy"`
	State    State            `json:"state"`
	Index    int              `json:"index"`
	Total    int              `json:"total"`
	Question *triage.Question `json:"question,omitempty"`
	Answers  triage.AnswerSet `json:"answers"`
	Result   *Result          `json:"result,omitempty"`
	Created  time.Time        `json:"created"`
}

func (s *Session) View() SessionView {
	v := SessionView{
		ID:      s.id,
		Policy:  s.policy.Name(),
		State:   s.State(),
		Index:   s.Index(),
		Total:   s.catalog.Len(),
		Answers: s.Answers(),
		Created: s.created,
	}
	if q, ok := s.Current(); ok {
		v.Question = &q
	}
	if esi, ok := s.ESI(); ok {
		r := NewResult(s.policy.Name(), esi)
		v.Result = &r
	}
	return v
}
