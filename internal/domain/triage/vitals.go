package triage

// Answer ids of the vitals questionnaire.
const (
	FieldVitalsStable        = "vitalsStable"
	FieldPainLevel           = "painLevel"
	FieldChestPain           = "chestPain"
	FieldBreathingDifficulty = "breathingDifficulty"
	FieldConsciousness       = "consciousness"
	FieldBleeding            = "bleeding"
	FieldOnset               = "onset"
	FieldAge                 = "age"
)

// VitalsCatalog is the eight-question questionnaire scored by VitalsPolicy.
func VitalsCatalog() *Catalog {
	return mustCatalog(PolicyVitals,
		Question{
			ID:       FieldVitalsStable,
			Prompt:   "Are your vital signs stable? (No severe distress, normal breathing rate, normal pulse)",
			Type:     TypeYesNo,
			Required: true,
			Section:  SectionClinical,
		},
		Question{
			ID:       FieldPainLevel,
			Prompt:   "On a scale of 0-10, what is your current pain level?",
			Type:     TypeScale,
			Range:    &Range{Min: 0, Max: 10},
			Required: true,
			Section:  SectionClinical,
		},
		Question{
			ID:       FieldChestPain,
			Prompt:   "Are you experiencing chest pain?",
			Type:     TypeYesNo,
			Required: true,
			Section:  SectionClinical,
		},
		Question{
			ID:       FieldBreathingDifficulty,
			Prompt:   "Are you having difficulty breathing?",
			Type:     TypeMultiple,
			Options:  []string{"none", "mild", "moderate", "severe"},
			Required: true,
			Section:  SectionClinical,
		},
		Question{
			ID:       FieldConsciousness,
			Prompt:   "How would you describe your current mental state?",
			Type:     TypeMultiple,
			Options:  []string{"alert", "confused", "drowsy", "unresponsive"},
			Required: true,
			Section:  SectionClinical,
		},
		Question{
			ID:       FieldBleeding,
			Prompt:   "Are you experiencing any bleeding?",
			Type:     TypeYesNo,
			Required: true,
			Section:  SectionClinical,
		},
		Question{
			ID:       FieldOnset,
			Prompt:   "How quickly did your symptoms start?",
			Type:     TypeMultiple,
			Options:  []string{"sudden", "gradual", "chronic"},
			Required: true,
			Section:  SectionClinical,
		},
		Question{
			ID:       FieldAge,
			Prompt:   "What is your age?",
			Type:     TypeNumber,
			Range:    &Range{Min: 0, Max: 120},
			Required: true,
			Section:  SectionPatientInfo,
		},
	)
}

// VitalsPolicy scores the vitals questionnaire top-down; the first tier
// whose condition holds decides the level.
type VitalsPolicy struct{}

func (VitalsPolicy) Name() string { return PolicyVitals }

func (VitalsPolicy) Fields() []string {
	return []string{
		FieldVitalsStable, FieldPainLevel, FieldChestPain, FieldBreathingDifficulty,
		FieldConsciousness, FieldBleeding, FieldOnset, FieldAge,
	}
}

func (VitalsPolicy) Classify(a AnswerSet) ESI {
	pain := a.Int(FieldPainLevel)
	chestPain := a.Text(FieldChestPain) == "yes"
	bleeding := a.Text(FieldBleeding) == "yes"
	sudden := a.Text(FieldOnset) == "sudden"
	breathing := a.Text(FieldBreathingDifficulty)

	switch {
	case a.Text(FieldVitalsStable) == "no",
		a.Text(FieldConsciousness) == "unresponsive",
		chestPain && sudden:
		return ESIImmediate
	case pain >= 8,
		breathing == "severe",
		bleeding && sudden:
		return ESIEmergent
	case pain >= 5,
		breathing == "moderate",
		chestPain,
		a.Int(FieldAge) >= 65:
		return ESIUrgent
	case pain >= 3,
		bleeding:
		return ESILessUrgent
	default:
		return ESINonUrgent
	}
}
