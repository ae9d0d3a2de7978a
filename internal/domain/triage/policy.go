package triage

import (
	"fmt"
	"sort"
	"strings"
)

// Policy derives an ESI level from a set of answers. Implementations are
// pure and total: missing or malformed answers read as the lowest-risk value.
type Policy interface {
	Name() string
	// Fields lists the answer ids the policy reads.
	Fields() []string
	Classify(answers AnswerSet) ESI
}

const (
	PolicyVitals      = "vitals"
	PolicyProgression = "progression"
)

// PolicyNames lists the built-in policies.
func PolicyNames() []string {
	return []string{PolicyVitals, PolicyProgression}
}

// PolicyByName returns a built-in policy together with the catalog it scores.
func PolicyByName(name string) (Policy, *Catalog, error) {
	switch name {
	case PolicyVitals:
		return VitalsPolicy{}, VitalsCatalog(), nil
	case PolicyProgression:
		return ProgressionPolicy{}, ProgressionCatalog(), nil
	default:
		return nil, nil, fmt.Errorf("unknown triage policy %q (want one of %s)", name, strings.Join(PolicyNames(), ", "))
	}
}

// CheckCoverage fails when the policy reads an answer id the catalog never
// asks. Such rules could never fire.
func CheckCoverage(p Policy, c *Catalog) error {
	var missing []string
	for _, f := range p.Fields() {
		if _, ok := c.Lookup(f); !ok {
			missing = append(missing, f)
		}
	}
	if len(missing) == 0 {
		return nil
	}
	sort.Strings(missing)
	return fmt.Errorf("policy %s reads fields not in catalog %s: %s", p.Name(), c.Name(), strings.Join(missing, ", "))
}
