package triage

import (
	"encoding/json"
	"errors"
	"testing"
	"time"
)

func TestQuestion_Accept(t *testing.T) {
	c := VitalsCatalog()
	pain, _ := c.Lookup(FieldPainLevel)
	breathing, _ := c.Lookup(FieldBreathingDifficulty)
	chest, _ := c.Lookup(FieldChestPain)
	age, _ := c.Lookup(FieldAge)

	tests := []struct {
		name    string
		q       Question
		in      Answer
		want    Answer
		wantErr bool
	}{
		{"scale in range", pain, Scale(7), Scale(7), false},
		{"scale from number", pain, Number(4), Scale(4), false},
		{"scale from numeral", pain, Text("10"), Scale(10), false},
		{"scale above range", pain, Scale(11), Answer{}, true},
		{"scale below range", pain, Scale(-1), Answer{}, true},
		{"scale from words", pain, Text("high"), Answer{}, true},
		{"choice member", breathing, Choice("mild"), Choice("mild"), false},
		{"choice from text", breathing, Text("severe"), Choice("severe"), false},
		{"choice not member", breathing, Choice("Severe"), Answer{}, true},
		{"yes no typed", chest, YesNo(true), YesNo(true), false},
		{"yes no from text", chest, Text("no"), YesNo(false), false},
		{"yes no rejects other text", chest, Text("maybe"), Answer{}, true},
		{"required but absent", chest, Answer{}, Answer{}, true},
		{"age in range", age, Number(45), Number(45), false},
		{"age out of range", age, Number(130), Answer{}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.q.Accept(tt.in)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error, got %v", got)
				}
				var ve *ValidationError
				if !errors.As(err, &ve) {
					t.Fatalf("expected *ValidationError, got %T", err)
				}
				if ve.Field != tt.q.ID {
					t.Errorf("expected field %s, got %s", tt.q.ID, ve.Field)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("Accept() = %#v, want %#v", got, tt.want)
			}
		})
	}
}

func TestQuestion_AcceptOptionalAbsent(t *testing.T) {
	c := ProgressionCatalog()
	q, ok := c.Lookup(FieldNeedsInterpreter)
	if !ok {
		t.Fatal("needs_interpreter missing from catalog")
	}
	got, err := q.Accept(Answer{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !got.IsZero() {
		t.Errorf("expected zero answer, got %v", got)
	}
}

func TestQuestion_AcceptDate(t *testing.T) {
	q, _ := ProgressionCatalog().Lookup(FieldDateOfBirth)

	got, err := q.Accept(Text("1980-02-29"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := time.Date(1980, 2, 29, 0, 0, 0, 0, time.UTC)
	if got.Kind() != KindDate || !got.DateValue().Equal(want) {
		t.Errorf("expected %v, got %v", want, got)
	}
	if got.String() != "1980-02-29" {
		t.Errorf("expected canonical date, got %s", got.String())
	}

	if _, err := q.Accept(Text("29/02/1980")); err == nil {
		t.Error("expected error for malformed date")
	}
}

func TestNewCatalog_Rejects(t *testing.T) {
	tests := []struct {
		name string
		qs   []Question
	}{
		{"missing id", []Question{{Type: TypeYesNo}}},
		{"duplicate id", []Question{{ID: "a", Type: TypeYesNo}, {ID: "a", Type: TypeString}}},
		{"multiple without options", []Question{{ID: "a", Type: TypeMultiple}}},
		{"unknown type", []Question{{ID: "a", Type: "slider"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewCatalog("bad", tt.qs...); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestNewCatalog_DefaultsScaleRange(t *testing.T) {
	c, err := NewCatalog("x", Question{ID: "pain", Type: TypeScale})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	q := c.At(0)
	if q.Range == nil || q.Range.Min != 0 || q.Range.Max != 10 {
		t.Errorf("expected default range 0..10, got %+v", q.Range)
	}
}

func TestCatalog_Bind(t *testing.T) {
	c := VitalsCatalog()

	answers, err := c.Bind(map[string]any{
		FieldPainLevel: json.Number("7"),
		FieldChestPain: "yes",
		FieldOnset:     "sudden",
		FieldBleeding:  nil,
	})
	if err != nil {
		t.Fatalf("Bind error: %v", err)
	}
	if answers.Has(FieldBleeding) {
		t.Error("expected null answer to be dropped")
	}
	if answers.Get(FieldPainLevel) != Scale(7) {
		t.Errorf("expected typed scale, got %#v", answers.Get(FieldPainLevel))
	}
	if got := (VitalsPolicy{}).Classify(answers); got != ESIImmediate {
		t.Errorf("expected ESI 1, got %d", got)
	}

	if _, err := c.Bind(map[string]any{"favouriteColour": "blue"}); !IsValidationError(err) {
		t.Errorf("expected validation error for unknown key, got %v", err)
	}
	if _, err := c.Bind(map[string]any{FieldOnset: "yesterday"}); !IsValidationError(err) {
		t.Errorf("expected validation error for bad option, got %v", err)
	}
}

func TestCatalog_Conform(t *testing.T) {
	c := VitalsCatalog()
	got, err := c.Conform(AnswerSet{FieldAge: Number(50), FieldVitalsStable: Text("No"), FieldOnset: Text("sudden")})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got[FieldVitalsStable].Kind() != KindYesNo || got[FieldOnset].Kind() != KindChoice {
		t.Errorf("expected answers converted to question kinds, got %+v", got)
	}

	tests := []struct {
		name    string
		answers AnswerSet
		field   string
	}{
		{"out of range", AnswerSet{FieldAge: Number(500)}, FieldAge},
		{"unknown field", AnswerSet{"shoeSize": Number(9)}, "shoeSize"},
		{"bad option", AnswerSet{FieldVitalsStable: Text("maybe")}, FieldVitalsStable},
		{"first field in sorted order", AnswerSet{"shoeSize": Number(42), FieldPainLevel: Number(9999), FieldVitalsStable: Text("maybe")}, FieldPainLevel},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := c.Conform(tt.answers)
			var ve *ValidationError
			if !errors.As(err, &ve) {
				t.Fatalf("expected ValidationError, got %v", err)
			}
			if ve.Field != tt.field {
				t.Errorf("expected field %s, got %s", tt.field, ve.Field)
			}
		})
	}
}

func TestCatalog_RequireComplete(t *testing.T) {
	c := VitalsCatalog()
	answers, err := c.Bind(map[string]any{
		FieldVitalsStable: "yes", FieldPainLevel: 2, FieldChestPain: "no",
		FieldBreathingDifficulty: "none", FieldConsciousness: "alert",
		FieldBleeding: "no", FieldOnset: "gradual",
	})
	if err != nil {
		t.Fatal(err)
	}
	err = c.RequireComplete(answers)
	var ve *ValidationError
	if !errors.As(err, &ve) || ve.Field != FieldAge {
		t.Fatalf("expected missing age, got %v", err)
	}

	answers[FieldAge] = Number(40)
	if err := c.RequireComplete(answers); err != nil {
		t.Errorf("expected complete answers to pass, got %v", err)
	}
	if err := ProgressionCatalog().RequireComplete(AnswerSet{
		FieldFullName: Text("A"), FieldChiefComplaint: Text("cough"), FieldPainLevelNumeric: Number(3),
		FieldSymptomOnset: Choice(Onset24Hours), FieldSymptomProgression: Choice(ProgressionNoChange),
		FieldConditionHistory: Choice(HistoryKnown), FieldNeedsInterpreter: YesNo(false),
	}); err != nil {
		t.Errorf("expected optional questions to be skippable, got %v", err)
	}
}

func TestAnswerSet_UnmarshalLoose(t *testing.T) {
	var a AnswerSet
	if err := json.Unmarshal([]byte(`{"pain_level":"9","age":72,"vitalsStable":false,"onset":null}`), &a); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if a.Int(FieldPainLevelNumeric) != 9 {
		t.Errorf("expected 9, got %d", a.Int(FieldPainLevelNumeric))
	}
	if a.Int(FieldAge) != 72 {
		t.Errorf("expected 72, got %d", a.Int(FieldAge))
	}
	if a.Text(FieldVitalsStable) != "no" {
		t.Errorf("expected \"no\", got %q", a.Text(FieldVitalsStable))
	}
	if a.Has(FieldOnset) {
		t.Error("expected null to be dropped")
	}
}

func TestESI_Labels(t *testing.T) {
	want := map[ESI]string{1: "Immediate", 2: "Emergent", 3: "Urgent", 4: "Less Urgent", 5: "Non-Urgent", 0: "Unknown"}
	for esi, label := range want {
		if esi.Label() != label {
			t.Errorf("ESI(%d).Label() = %s, want %s", esi, esi.Label(), label)
		}
	}
	if !ESI(2).Critical() || ESI(3).Critical() {
		t.Error("critical threshold should be ESI <= 2")
	}
}
