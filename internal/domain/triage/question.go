package triage

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"
)

type QuestionType string

const (
	TypeYesNo    QuestionType = "yes_no"
	TypeScale    QuestionType = "scale"
	TypeMultiple QuestionType = "multiple"
	TypeNumber   QuestionType = "number"
	TypeString   QuestionType = "string"
	TypeDate     QuestionType = "date"
)

// Sections group questions for display only.
const (
	SectionPatientInfo   = "patient-info"
	SectionClinical      = "clinical"
	SectionAccessibility = "accessibility"
)

// Range bounds scale and number answers, inclusive.
type Range struct {
	Min int64 `json:"min"`
	Max int64 `json:"max"`
}

// Question is one immutable entry of a Catalog.
type Question struct {
	ID       string       `json:"id"`
	Prompt   string       `json:"prompt"`
	Type     QuestionType `json:"type"`
	Options  []string     `json:"options,omitempty"`
	Range    *Range       `json:"range,omitempty"`
	Required bool         `json:"required"`
	Section  string       `json:"section,omitempty"`
}

// Accept coerces a loosely typed answer into the shape this question
// declares and validates it. The zero Answer is accepted only for optional
// questions.
func (q Question) Accept(a Answer) (Answer, error) {
	if a.IsZero() {
		if q.Required {
			return Answer{}, &ValidationError{Field: q.ID, Reason: "answer is required"}
		}
		return Answer{}, nil
	}
	v, err := q.coerce(a)
	if err != nil {
		return Answer{}, err
	}
	if err := q.check(v); err != nil {
		return Answer{}, err
	}
	return v, nil
}

func (q Question) coerce(a Answer) (Answer, error) {
	invalid := func() (Answer, error) {
		return Answer{}, &ValidationError{
			Field:  q.ID,
			Reason: fmt.Sprintf("%s answer not valid for %s question", a.Kind(), q.Type),
		}
	}
	switch q.Type {
	case TypeYesNo:
		switch a.Kind() {
		case KindYesNo:
			return a, nil
		case KindText, KindChoice:
			switch strings.ToLower(strings.TrimSpace(a.String())) {
			case "yes":
				return YesNo(true), nil
			case "no":
				return YesNo(false), nil
			}
		}
		return invalid()
	case TypeScale:
		n, ok := a.Int()
		if !ok || a.Kind() == KindYesNo || a.Kind() == KindDate {
			return invalid()
		}
		return Scale(int(n)), nil
	case TypeNumber:
		n, ok := a.Int()
		if !ok || a.Kind() == KindYesNo || a.Kind() == KindDate {
			return invalid()
		}
		return Number(n), nil
	case TypeMultiple:
		switch a.Kind() {
		case KindChoice, KindText:
			return Choice(a.String()), nil
		}
		return invalid()
	case TypeString:
		switch a.Kind() {
		case KindText, KindChoice:
			return Text(a.String()), nil
		}
		return invalid()
	case TypeDate:
		switch a.Kind() {
		case KindDate:
			return a, nil
		case KindText, KindChoice:
			t, err := time.Parse(dateLayout, strings.TrimSpace(a.String()))
			if err != nil {
				return Answer{}, &ValidationError{Field: q.ID, Reason: "date must be formatted YYYY-MM-DD"}
			}
			return Date(t), nil
		}
		return invalid()
	}
	return Answer{}, &ValidationError{Field: q.ID, Reason: fmt.Sprintf("unknown question type %q", q.Type)}
}

func (q Question) check(a Answer) error {
	switch q.Type {
	case TypeScale, TypeNumber:
		if q.Range != nil {
			n, _ := a.Int()
			if n < q.Range.Min || n > q.Range.Max {
				return &ValidationError{
					Field:  q.ID,
					Reason: fmt.Sprintf("value %d out of range [%d, %d]", n, q.Range.Min, q.Range.Max),
				}
			}
		}
	case TypeMultiple:
		v := a.String()
		for _, opt := range q.Options {
			if opt == v {
				return nil
			}
		}
		return &ValidationError{Field: q.ID, Reason: fmt.Sprintf("%q is not one of %s", v, strings.Join(q.Options, ", "))}
	case TypeString:
		if q.Required && strings.TrimSpace(a.String()) == "" {
			return &ValidationError{Field: q.ID, Reason: "answer is required"}
		}
	}
	return nil
}

// Catalog is an ordered, immutable questionnaire.
type Catalog struct {
	name      string
	questions []Question
	index     map[string]int
}

// NewCatalog builds a catalog, rejecting duplicate ids, unknown types and
// multiple-choice questions without options. Scale questions default to 0..10.
func NewCatalog(name string, questions ...Question) (*Catalog, error) {
	c := &Catalog{
		name:      name,
		questions: make([]Question, 0, len(questions)),
		index:     make(map[string]int, len(questions)),
	}
	for _, q := range questions {
		if q.ID == "" {
			return nil, fmt.Errorf("catalog %s: question without id", name)
		}
		if _, dup := c.index[q.ID]; dup {
			return nil, fmt.Errorf("catalog %s: duplicate question id %q", name, q.ID)
		}
		switch q.Type {
		case TypeYesNo, TypeNumber, TypeString, TypeDate:
		case TypeScale:
			if q.Range == nil {
				q.Range = &Range{Min: 0, Max: 10}
			}
		case TypeMultiple:
			if len(q.Options) == 0 {
				return nil, fmt.Errorf("catalog %s: question %q has no options", name, q.ID)
			}
		default:
			return nil, fmt.Errorf("catalog %s: question %q has unknown type %q", name, q.ID, q.Type)
		}
		q.Options = append([]string(nil), q.Options...)
		c.index[q.ID] = len(c.questions)
		c.questions = append(c.questions, q)
	}
	return c, nil
}

func mustCatalog(name string, questions ...Question) *Catalog {
	c, err := NewCatalog(name, questions...)
	if err != nil {
		panic(err)
	}
	return c
}

func (c *Catalog) Name() string { return c.name }

func (c *Catalog) Len() int { return len(c.questions) }

// At returns the i-th question. It panics when i is out of range.
func (c *Catalog) At(i int) Question { return c.questions[i] }

func (c *Catalog) Lookup(id string) (Question, bool) {
	i, ok := c.index[id]
	if !ok {
		return Question{}, false
	}
	return c.questions[i], true
}

// Questions returns a copy of the ordered question list.
func (c *Catalog) Questions() []Question {
	return append([]Question(nil), c.questions...)
}

// Bind converts loosely typed input (decoded JSON) into a validated
// AnswerSet. Null values are treated as unanswered and dropped; required
// questions are not enforced, so partial answer sets bind successfully.
func (c *Catalog) Bind(raw map[string]any) (AnswerSet, error) {
	out := make(AnswerSet, len(raw))
	for _, id := range sortedKeys(raw) {
		q, ok := c.Lookup(id)
		if !ok {
			return nil, &ValidationError{Field: id, Reason: "unknown question"}
		}
		a, err := looseAnswer(raw[id])
		if err != nil {
			return nil, &ValidationError{Field: id, Reason: err.Error()}
		}
		if a.IsZero() {
			continue
		}
		optional := q
		optional.Required = false
		bound, err := optional.Accept(a)
		if err != nil {
			return nil, err
		}
		if !bound.IsZero() {
			out[id] = bound
		}
	}
	return out, nil
}

// Conform checks that every key is a catalog id and every value fits its
// question, and returns the answers converted to the question kinds. Keys
// are checked in sorted order so the reported field is stable.
func (c *Catalog) Conform(answers AnswerSet) (AnswerSet, error) {
	out := make(AnswerSet, len(answers))
	for _, id := range sortedKeys(answers) {
		q, ok := c.Lookup(id)
		if !ok {
			return nil, &ValidationError{Field: id, Reason: "unknown question"}
		}
		a := answers[id]
		if a.IsZero() {
			continue
		}
		q.Required = false
		v, err := q.Accept(a)
		if err != nil {
			return nil, err
		}
		out[id] = v
	}
	return out, nil
}

// RequireComplete reports the first required question, in catalog order,
// that has no answer.
func (c *Catalog) RequireComplete(answers AnswerSet) error {
	for _, q := range c.questions {
		if q.Required && !answers.Has(q.ID) {
			return &ValidationError{Field: q.ID, Reason: "answer is required"}
		}
	}
	return nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (c *Catalog) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Name      string     `json:"name"`
		Questions []Question `json:"questions"`
	}{c.name, c.questions})
}
