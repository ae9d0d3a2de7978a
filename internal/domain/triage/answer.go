package triage

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// Kind identifies which variant of Answer is populated.
type Kind int

const (
	KindNone Kind = iota
	KindYesNo
	KindScale
	KindChoice
	KindNumber
	KindText
	KindDate
)

const dateLayout = "2006-01-02"

func (k Kind) String() string {
	switch k {
	case KindYesNo:
		return "yes_no"
	case KindScale:
		return "scale"
	case KindChoice:
		return "choice"
	case KindNumber:
		return "number"
	case KindText:
		return "text"
	case KindDate:
		return "date"
	default:
		return "none"
	}
}

// Answer is a tagged union over the value shapes a question can take.
// The zero value means "unanswered".
type Answer struct {
	kind Kind
	b    bool
	n    int64
	s    string
	d    time.Time
}

func YesNo(v bool) Answer { return Answer{kind: KindYesNo, b: v} }

func Scale(v int) Answer { return Answer{kind: KindScale, n: int64(v)} }

func Choice(v string) Answer { return Answer{kind: KindChoice, s: v} }

func Number(v int64) Answer { return Answer{kind: KindNumber, n: v} }

func Text(v string) Answer { return Answer{kind: KindText, s: v} }

// Date keeps only the calendar day, in UTC.
func Date(v time.Time) Answer {
	y, m, d := v.Date()
	return Answer{kind: KindDate, d: time.Date(y, m, d, 0, 0, 0, 0, time.UTC)}
}

func (a Answer) Kind() Kind { return a.kind }

func (a Answer) IsZero() bool { return a.kind == KindNone }

func (a Answer) Bool() bool { return a.kind == KindYesNo && a.b }

func (a Answer) DateValue() time.Time { return a.d }

// String returns the canonical textual form used by rule comparisons:
// "yes"/"no" for yes/no answers, decimal digits for numeric answers.
func (a Answer) String() string {
	switch a.kind {
	case KindYesNo:
		if a.b {
			return "yes"
		}
		return "no"
	case KindScale, KindNumber:
		return strconv.FormatInt(a.n, 10)
	case KindChoice, KindText:
		return a.s
	case KindDate:
		return a.d.Format(dateLayout)
	default:
		return ""
	}
}

// Int returns the numeric reading of the answer. String numerals are parsed;
// anything else that is not a number reports ok=false.
func (a Answer) Int() (int64, bool) {
	switch a.kind {
	case KindScale, KindNumber:
		return a.n, true
	case KindChoice, KindText:
		s := strings.TrimSpace(a.s)
		if n, err := strconv.ParseInt(s, 10, 64); err == nil {
			return n, true
		}
		if f, err := strconv.ParseFloat(s, 64); err == nil && !math.IsNaN(f) && !math.IsInf(f, 0) {
			return int64(f), true
		}
	}
	return 0, false
}

func (a Answer) MarshalJSON() ([]byte, error) {
	switch a.kind {
	case KindNone:
		return []byte("null"), nil
	case KindScale, KindNumber:
		return []byte(strconv.FormatInt(a.n, 10)), nil
	default:
		return json.Marshal(a.String())
	}
}

// UnmarshalJSON decodes the loose wire form without catalog context:
// strings become Text, integral numbers Number, booleans YesNo.
func (a *Answer) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*a = Answer{}
		return nil
	}
	var raw any
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&raw); err != nil {
		return err
	}
	v, err := looseAnswer(raw)
	if err != nil {
		return err
	}
	*a = v
	return nil
}

func looseAnswer(raw any) (Answer, error) {
	switch v := raw.(type) {
	case nil:
		return Answer{}, nil
	case bool:
		return YesNo(v), nil
	case string:
		return Text(v), nil
	case json.Number:
		if n, err := v.Int64(); err == nil {
			return Number(n), nil
		}
		f, err := v.Float64()
		if err != nil {
			return Answer{}, fmt.Errorf("invalid number %q", v.String())
		}
		return Number(int64(f)), nil
	case float64:
		return Number(int64(v)), nil
	case int:
		return Number(int64(v)), nil
	case int64:
		return Number(v), nil
	default:
		return Answer{}, fmt.Errorf("unsupported answer value of type %T", raw)
	}
}

// AnswerSet maps question ids to answers.
type AnswerSet map[string]Answer

// Get returns the answer for id, or the zero Answer.
func (s AnswerSet) Get(id string) Answer {
	if s == nil {
		return Answer{}
	}
	return s[id]
}

// Has reports whether id holds a non-empty answer.
func (s AnswerSet) Has(id string) bool {
	return !s.Get(id).IsZero()
}

// Text returns the canonical string for id, "" when absent.
func (s AnswerSet) Text(id string) string {
	return s.Get(id).String()
}

// Int returns the numeric value for id. Absent or non-numeric answers read as 0.
func (s AnswerSet) Int(id string) int64 {
	n, _ := s.Get(id).Int()
	return n
}

// Clone returns an independent copy.
func (s AnswerSet) Clone() AnswerSet {
	out := make(AnswerSet, len(s))
	for k, v := range s {
		out[k] = v
	}
	return out
}

func (s AnswerSet) MarshalJSON() ([]byte, error) {
	m := make(map[string]Answer, len(s))
	for k, v := range s {
		if !v.IsZero() {
			m[k] = v
		}
	}
	return json.Marshal(m)
}

func (s *AnswerSet) UnmarshalJSON(data []byte) error {
	var m map[string]Answer
	if err := json.Unmarshal(data, &m); err != nil {
		return err
	}
	out := make(AnswerSet, len(m))
	for k, v := range m {
		if !v.IsZero() {
			out[k] = v
		}
	}
	*s = out
	return nil
}
