package diagnosis

import (
	"fmt"
	"sort"
	"strings"
)

// Modality identifies one of the five diagnostic analysis services.
type Modality string

const (
	Inquiry     Modality = "inquiry"
	Look        Modality = "look"
	Listen      Modality = "listen"
	Palpation   Modality = "palpation"
	Calculation Modality = "calculation"
)

// AllModalities is the full modality universe in canonical order.
var AllModalities = []Modality{Inquiry, Look, Listen, Palpation, Calculation}

// DefaultPriorities orders modalities for sequential and grouped scheduling.
// Lower values run first.
var DefaultPriorities = map[Modality]int{
	Inquiry:     1,
	Look:        2,
	Calculation: 3,
	Listen:      4,
	Palpation:   5,
}

// ParseModality resolves a modality name, case-insensitively.
func ParseModality(s string) (Modality, error) {
	m := Modality(strings.ToLower(strings.TrimSpace(s)))
	if !m.Valid() {
		return "", ValidationError{Field: "modality", Reason: fmt.Sprintf("unknown modality %q", s)}
	}
	return m, nil
}

// Valid reports whether m belongs to the modality universe.
func (m Modality) Valid() bool {
	switch m {
	case Inquiry, Look, Listen, Palpation, Calculation:
		return true
	}
	return false
}

func (m Modality) String() string { return string(m) }

// Index returns the canonical position of m, or -1.
func (m Modality) Index() int {
	for i, candidate := range AllModalities {
		if candidate == m {
			return i
		}
	}
	return -1
}

// SortCanonical orders modalities by their position in AllModalities.
func SortCanonical(ms []Modality) {
	sort.SliceStable(ms, func(i, j int) bool { return ms[i].Index() < ms[j].Index() })
}

// SortByPriority orders modalities by ascending priority value, falling back to
// canonical order for ties and modalities missing from priorities.
func SortByPriority(ms []Modality, priorities map[Modality]int) {
	sort.SliceStable(ms, func(i, j int) bool {
		pi, pj := priorityOf(ms[i], priorities), priorityOf(ms[j], priorities)
		if pi != pj {
			return pi < pj
		}
		return ms[i].Index() < ms[j].Index()
	})
}

// GroupByPriority splits modalities into groups sharing a priority value, in
// ascending priority order.
func GroupByPriority(ms []Modality, priorities map[Modality]int) [][]Modality {
	sorted := append([]Modality(nil), ms...)
	SortByPriority(sorted, priorities)
	var groups [][]Modality
	last := 0
	for i, m := range sorted {
		p := priorityOf(m, priorities)
		if i == 0 || p != last {
			groups = append(groups, nil)
			last = p
		}
		groups[len(groups)-1] = append(groups[len(groups)-1], m)
	}
	return groups
}

func priorityOf(m Modality, priorities map[Modality]int) int {
	if p, ok := priorities[m]; ok {
		return p
	}
	if p, ok := DefaultPriorities[m]; ok {
		return p
	}
	return len(AllModalities) + 1
}
