package queue

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/ehr/triage/internal/domain/triage"
)

// Status is where a patient is in the department flow.
type Status string

const (
	StatusWaiting   Status = "Waiting"
	StatusInTriage  Status = "In Triage"
	StatusBeingSeen Status = "Being Seen"
)

func (s Status) Valid() bool {
	switch s {
	case StatusWaiting, StatusInTriage, StatusBeingSeen:
		return true
	}
	return false
}

// DefaultChiefComplaint is recorded when a draft carries none.
const DefaultChiefComplaint = "Self-assessed symptoms"

// Patient is an admitted queue entry.
type Patient struct {
	ID             string           `json:"id"`
	ESI            triage.ESI       `json:"esi"`
	Status         Status           `json:"status"`
	WaitTime       int              `json:"waitTime"`
	ArrivalTime    ArrivalTime      `json:"arrivalTime"`
	ChiefComplaint string           `json:"chief_complaint"`
	Answers        triage.AnswerSet `json:"answers,omitempty"`
}

// clockLayouts are the wall-clock forms older clients stored, e.g. "14:30"
// or "02:30 PM".
var clockLayouts = []string{"15:04", "15:04:05", "03:04 PM", "3:04 PM", "03:04:05 PM", "3:04:05 PM"}

// ArrivalTime is when a patient joined the queue. New entries carry a full
// RFC 3339 timestamp. Documents written by older clients hold only a clock
// reading or free text; those parse as far as possible and are written back
// exactly as read.
type ArrivalTime struct {
	time.Time
	raw string
}

func NewArrivalTime(t time.Time) ArrivalTime { return ArrivalTime{Time: t} }

// Legacy reports whether the value came from a clock-only or unparsed form.
func (a ArrivalTime) Legacy() bool { return a.raw != "" }

func (a ArrivalTime) String() string {
	if a.raw != "" {
		return a.raw
	}
	return a.Time.Format(time.RFC3339)
}

func (a ArrivalTime) MarshalJSON() ([]byte, error) {
	if a.raw != "" {
		return json.Marshal(a.raw)
	}
	return json.Marshal(a.Time.Format(time.RFC3339Nano))
}

func (a *ArrivalTime) UnmarshalJSON(data []byte) error {
	if bytes.Equal(data, []byte("null")) {
		*a = ArrivalTime{}
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("arrivalTime must be a string: %w", err)
	}
	s = strings.TrimSpace(s)
	if s == "" {
		*a = ArrivalTime{}
		return nil
	}
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		*a = ArrivalTime{Time: t}
		return nil
	}
	*a = ArrivalTime{raw: s}
	for _, layout := range clockLayouts {
		if t, err := time.Parse(layout, strings.ToUpper(s)); err == nil {
			a.Time = t
			break
		}
	}
	return nil
}

// PatientDraft is a patient before the repository assigns id, status and
// arrival time.
type PatientDraft struct {
	ESI            triage.ESI       `json:"esi"`
	ChiefComplaint string           `json:"chief_complaint"`
	WaitTime       int              `json:"waitTime"`
	Answers        triage.AnswerSet `json:"answers,omitempty"`
}

// QueueState is the persisted document. Patients are kept in append order.
type QueueState struct {
	Patients []Patient `json:"patients"`
	LastID   int       `json:"lastId"`
}

// Clone returns a deep enough copy that callers cannot mutate shared state.
func (s QueueState) Clone() QueueState {
	out := QueueState{LastID: s.LastID, Patients: make([]Patient, len(s.Patients))}
	for i, p := range s.Patients {
		if p.Answers != nil {
			p.Answers = p.Answers.Clone()
		}
		out.Patients[i] = p
	}
	return out
}

func (s QueueState) indexOf(id string) int {
	for i := range s.Patients {
		if s.Patients[i].ID == id {
			return i
		}
	}
	return -1
}

// FormatID renders a sequence number as a patient id ("P007").
func FormatID(seq int) string {
	return fmt.Sprintf("P%03d", seq)
}

// ParseID returns the sequence number of a well-formed patient id.
func ParseID(id string) (int, bool) {
	if len(id) < 2 || id[0] != 'P' {
		return 0, false
	}
	digits := id[1:]
	if strings.TrimLeft(digits, "0123456789") != "" {
		return 0, false
	}
	n, err := strconv.Atoi(digits)
	if err != nil || n <= 0 {
		return 0, false
	}
	return n, true
}

// decodeState parses a stored document, healing the id counter: a missing
// lastId becomes the patient count, and lastId never trails the largest
// assigned id.
func decodeState(data []byte) (QueueState, error) {
	var raw struct {
		Patients *[]Patient `json:"patients"`
		LastID   *int       `json:"lastId"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return QueueState{}, fmt.Errorf("%w: %v", ErrStoreCorrupt, err)
	}
	if raw.Patients == nil {
		return QueueState{}, fmt.Errorf("%w: missing patients array", ErrStoreCorrupt)
	}

	st := QueueState{Patients: *raw.Patients}
	if raw.LastID != nil && *raw.LastID >= 0 {
		st.LastID = *raw.LastID
	} else {
		st.LastID = len(st.Patients)
	}
	for _, p := range st.Patients {
		if n, ok := ParseID(p.ID); ok && n > st.LastID {
			st.LastID = n
		}
	}
	if st.Patients == nil {
		st.Patients = []Patient{}
	}
	return st, nil
}

func encodeState(st QueueState) ([]byte, error) {
	if st.Patients == nil {
		st.Patients = []Patient{}
	}
	return json.MarshalIndent(st, "", "  ")
}

// validDocument is the check a document must pass before it is kept as a
// backup or restored from one.
func validDocument(data []byte) error {
	_, err := decodeState(data)
	return err
}
