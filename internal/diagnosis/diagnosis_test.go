package diagnosis

import (
	"errors"
	"testing"
	"time"
)

func TestParseModality(t *testing.T) {
	m, err := ParseModality(" Inquiry ")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if m != Inquiry {
		t.Fatalf("expected inquiry, got %s", m)
	}
	if _, err := ParseModality("smell"); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestGroupByPriority(t *testing.T) {
	priorities := map[Modality]int{Inquiry: 1, Look: 1, Listen: 2, Palpation: 3}
	groups := GroupByPriority([]Modality{Palpation, Listen, Look, Inquiry}, priorities)
	if len(groups) != 3 {
		t.Fatalf("expected 3 groups, got %d", len(groups))
	}
	if len(groups[0]) != 2 || groups[0][0] != Inquiry || groups[0][1] != Look {
		t.Fatalf("unexpected first group %v", groups[0])
	}
	if groups[2][0] != Palpation {
		t.Fatalf("expected palpation last, got %v", groups[2])
	}
}

func TestSortByPriorityDefaults(t *testing.T) {
	ms := []Modality{Palpation, Listen, Calculation, Look, Inquiry}
	SortByPriority(ms, nil)
	want := []Modality{Inquiry, Look, Calculation, Listen, Palpation}
	for i := range want {
		if ms[i] != want[i] {
			t.Fatalf("position %d: expected %s, got %s", i, want[i], ms[i])
		}
	}
}

func TestErrorTaxonomy(t *testing.T) {
	cases := []struct {
		err    error
		target error
	}{
		{ValidationError{Field: "modalities", Reason: "too few"}, ErrValidation},
		{ServiceUnavailableError{Modality: Look}, ErrServiceUnavailable},
		{TimeoutError{Modality: Listen, After: time.Second}, ErrTimeout},
		{OrchestrationError{SessionID: "s", Reason: "bad mode"}, ErrOrchestration},
		{FusionError{SessionID: "s", Reason: "no results"}, ErrFusion},
	}
	for _, tc := range cases {
		if !errors.Is(tc.err, tc.target) {
			t.Fatalf("%T does not match %v", tc.err, tc.target)
		}
	}
	inner := errors.New("boom")
	if !errors.Is(FusionError{Err: inner}, inner) {
		t.Fatalf("fusion error should unwrap to cause")
	}
}

func TestSessionSuccessfulResults(t *testing.T) {
	s := &Session{Results: map[Modality]*Result{
		Inquiry: {Modality: Inquiry, Status: CallCompleted},
		Look:    {Modality: Look, Status: CallTimedOut},
	}}
	ok := s.SuccessfulResults()
	if len(ok) != 1 || ok[Inquiry] == nil {
		t.Fatalf("unexpected successful results %v", ok)
	}
	if !StatusCancelled.Terminal() || StatusRunning.Terminal() {
		t.Fatalf("terminal classification wrong")
	}
}
