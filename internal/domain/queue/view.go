package queue

import (
	"math"
	"sort"
)

// Stats summarizes the queue for the dashboard header.
type Stats struct {
	Total    int `json:"total"`
	Critical int `json:"critical"`
	AvgWait  int `json:"avgWait"`
}

// QueueEntry is a patient with its 1-based position in urgency order.
type QueueEntry struct {
	Position int `json:"position"`
	Patient
}

// View is a read-only projection over one snapshot of the queue. It is
// cheap to build and is rebuilt per request.
type View struct {
	patients []Patient
}

func NewView(st QueueState) *View {
	return &View{patients: st.Patients}
}

// SortedByUrgency orders patients by ascending ESI, keeping arrival order
// among patients of equal ESI. The underlying snapshot is not modified.
func (v *View) SortedByUrgency() []QueueEntry {
	sorted := make([]Patient, len(v.patients))
	copy(sorted, v.patients)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].ESI < sorted[j].ESI
	})
	out := make([]QueueEntry, len(sorted))
	for i, p := range sorted {
		out[i] = QueueEntry{Position: i + 1, Patient: p}
	}
	return out
}

func (v *View) Stats() Stats {
	s := Stats{Total: len(v.patients)}
	if s.Total == 0 {
		return s
	}
	sum := 0
	for _, p := range v.patients {
		if p.ESI.Critical() {
			s.Critical++
		}
		sum += p.WaitTime
	}
	s.AvgWait = int(math.Round(float64(sum) / float64(s.Total)))
	return s
}

// ByStatus counts patients per status. Every known status is present, even
// at zero.
func (v *View) ByStatus() map[Status]int {
	counts := map[Status]int{
		StatusWaiting:   0,
		StatusInTriage:  0,
		StatusBeingSeen: 0,
	}
	for _, p := range v.patients {
		counts[p.Status]++
	}
	return counts
}
