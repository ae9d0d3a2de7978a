package triage

import (
	"errors"
	"fmt"
)

// ESI is an Emergency Severity Index level; 1 is the most urgent.
type ESI int

const (
	ESIImmediate  ESI = 1
	ESIEmergent   ESI = 2
	ESIUrgent     ESI = 3
	ESILessUrgent ESI = 4
	ESINonUrgent  ESI = 5
)

func (e ESI) Valid() bool { return e >= ESIImmediate && e <= ESINonUrgent }

// Critical reports whether the level counts toward the critical-case total.
func (e ESI) Critical() bool { return e.Valid() && e <= ESIEmergent }

func (e ESI) Label() string {
	switch e {
	case ESIImmediate:
		return "Immediate"
	case ESIEmergent:
		return "Emergent"
	case ESIUrgent:
		return "Urgent"
	case ESILessUrgent:
		return "Less Urgent"
	case ESINonUrgent:
		return "Non-Urgent"
	default:
		return "Unknown"
	}
}

// Guidance is the instruction shown to the patient once classified.
func (e ESI) Guidance() string {
	switch {
	case e.Critical():
		return "HIGH PRIORITY: You will be seen immediately. Please proceed to the triage desk right now for immediate assessment."
	case e == ESIUrgent:
		return "URGENT CARE: You will be prioritized in our queue. Your estimated wait time is 30-60 minutes. Please remain in the waiting area."
	default:
		return "STANDARD CARE: You will be added to our queue in order of arrival. Please have a seat in the waiting area and we'll call you when ready."
	}
}

func (e ESI) String() string {
	return fmt.Sprintf("ESI %d - %s", int(e), e.Label())
}

// clamp forces a score into [1,5].
func clamp(score int) ESI {
	if score < int(ESIImmediate) {
		return ESIImmediate
	}
	if score > int(ESINonUrgent) {
		return ESINonUrgent
	}
	return ESI(score)
}

// ValidationError reports an answer that does not fit its question.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid answer for %s: %s", e.Field, e.Reason)
}

// IsValidationError reports whether err wraps a *ValidationError.
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
