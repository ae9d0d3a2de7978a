package triage

// Answer ids of the progression questionnaire.
const (
	FieldFullName           = "full_name"
	FieldDateOfBirth        = "date_of_birth"
	FieldChiefComplaint     = "chief_complaint"
	FieldPainLevelNumeric   = "pain_level"
	FieldSymptomOnset       = "symptom_onset"
	FieldSymptomProgression = "symptom_progression"
	FieldConditionHistory   = "condition_history"
	FieldNeedsInterpreter   = "needs_interpreter"
	FieldMobilityAssistance = "mobility_assistance"
)

const (
	Onset0To4Hours  = "0-4 hours"
	Onset5To12Hours = "5-12 hours"
	Onset24Hours    = "24 hours"
	Onset1PlusDays  = "1+ days"

	ProgressionWorsened      = "Worsened"
	ProgressionGettingBetter = "Getting better"
	ProgressionNoChange      = "No change"

	HistoryNew   = "New condition"
	HistoryKnown = "Known condition"
)

// ProgressionCatalog is the sectioned questionnaire scored by ProgressionPolicy.
func ProgressionCatalog() *Catalog {
	return mustCatalog(PolicyProgression,
		Question{
			ID:       FieldFullName,
			Prompt:   "What is your full name?",
			Type:     TypeString,
			Required: true,
			Section:  SectionPatientInfo,
		},
		Question{
			ID:      FieldDateOfBirth,
			Prompt:  "What is your date of birth?",
			Type:    TypeDate,
			Section: SectionPatientInfo,
		},
		Question{
			ID:       FieldChiefComplaint,
			Prompt:   "What brings you in today?",
			Type:     TypeString,
			Required: true,
			Section:  SectionPatientInfo,
		},
		Question{
			ID:       FieldPainLevelNumeric,
			Prompt:   "On a scale of 0-10, how bad is your pain right now?",
			Type:     TypeNumber,
			Range:    &Range{Min: 0, Max: 10},
			Required: true,
			Section:  SectionClinical,
		},
		Question{
			ID:       FieldSymptomOnset,
			Prompt:   "When did your symptoms start?",
			Type:     TypeMultiple,
			Options:  []string{Onset0To4Hours, Onset5To12Hours, Onset24Hours, Onset1PlusDays},
			Required: true,
			Section:  SectionClinical,
		},
		Question{
			ID:       FieldSymptomProgression,
			Prompt:   "Since they started, have your symptoms...",
			Type:     TypeMultiple,
			Options:  []string{ProgressionWorsened, ProgressionGettingBetter, ProgressionNoChange},
			Required: true,
			Section:  SectionClinical,
		},
		Question{
			ID:       FieldConditionHistory,
			Prompt:   "Is this a new problem or a condition you have had before?",
			Type:     TypeMultiple,
			Options:  []string{HistoryNew, HistoryKnown},
			Required: true,
			Section:  SectionClinical,
		},
		Question{
			ID:      FieldNeedsInterpreter,
			Prompt:  "Do you need an interpreter?",
			Type:    TypeYesNo,
			Section: SectionAccessibility,
		},
		Question{
			ID:      FieldMobilityAssistance,
			Prompt:  "Do you need help moving around?",
			Type:    TypeYesNo,
			Section: SectionAccessibility,
		},
	)
}

// ProgressionPolicy starts at ESI 5 and tightens toward 1 as pain, onset,
// progression and history rules apply in order. Two rules may loosen the
// score for improving or stable known conditions, and three overrides run
// last.
type ProgressionPolicy struct{}

func (ProgressionPolicy) Name() string { return PolicyProgression }

func (ProgressionPolicy) Fields() []string {
	return []string{FieldPainLevelNumeric, FieldSymptomOnset, FieldSymptomProgression, FieldConditionHistory}
}

func (ProgressionPolicy) Classify(a AnswerSet) ESI {
	pain := a.Int(FieldPainLevelNumeric)
	onset := a.Text(FieldSymptomOnset)
	progression := a.Text(FieldSymptomProgression)
	history := a.Text(FieldConditionHistory)

	score := int(ESINonUrgent)
	tighten := func(candidate int) {
		if candidate < score {
			score = candidate
		}
	}
	loosen := func(floor int) {
		if floor > score {
			score = floor
		}
	}

	switch {
	case pain >= 9:
		tighten(1)
	case pain >= 7:
		tighten(2)
	case pain >= 5:
		tighten(3)
	case pain >= 3:
		tighten(4)
	}

	switch onset {
	case Onset0To4Hours:
		switch {
		case pain >= 6:
			tighten(1)
		case pain >= 4:
			tighten(2)
		default:
			tighten(3)
		}
	case Onset5To12Hours:
		switch {
		case pain >= 7:
			tighten(2)
		case pain >= 5:
			tighten(3)
		}
	case Onset24Hours:
		if pain >= 8 {
			tighten(2)
		}
	case Onset1PlusDays:
		if pain >= 9 {
			tighten(2)
		} else if pain < 5 {
			score = int(ESINonUrgent)
		}
	}

	switch progression {
	case ProgressionWorsened:
		switch {
		case pain >= 6:
			tighten(1)
		case pain >= 4:
			tighten(2)
		default:
			tighten(3)
		}
	case ProgressionGettingBetter:
		if pain < 6 && onset != Onset0To4Hours {
			loosen(4)
		}
	}

	switch history {
	case HistoryNew:
		switch {
		case pain >= 5:
			tighten(2)
		case pain >= 3:
			tighten(3)
		}
	case HistoryKnown:
		if progression == ProgressionNoChange && pain < 7 {
			loosen(4)
		}
	}

	if onset == Onset0To4Hours && progression == ProgressionWorsened && pain >= 7 {
		score = 1
	}
	if history == HistoryNew && onset == Onset0To4Hours && progression == ProgressionWorsened {
		tighten(2)
	}
	if onset == Onset1PlusDays && progression == ProgressionGettingBetter && history == HistoryKnown && pain < 5 {
		score = int(ESINonUrgent)
	}

	return clamp(score)
}
