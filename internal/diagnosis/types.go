package diagnosis

import "time"

// PatientInfo is the patient reference carried through a session.
type PatientInfo struct {
	ID       string            `json:"id" validate:"required"`
	Name     string            `json:"name,omitempty"`
	Age      int               `json:"age,omitempty" validate:"gte=0,lte=150"`
	Gender   string            `json:"gender,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// SessionStatus is the lifecycle state of a diagnosis session.
type SessionStatus string

const (
	StatusCreated   SessionStatus = "created"
	StatusRunning   SessionStatus = "running"
	StatusCompleted SessionStatus = "completed"
	StatusFailed    SessionStatus = "failed"
	StatusCancelled SessionStatus = "cancelled"
)

// Terminal reports whether no further transitions are possible.
func (s SessionStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// CallStatus is the outcome of one modality call.
type CallStatus string

const (
	CallCompleted   CallStatus = "completed"
	CallFailed      CallStatus = "failed"
	CallTimedOut    CallStatus = "timed_out"
	CallUnavailable CallStatus = "unavailable"
)

// Analysis is what a modality service returns.
type Analysis struct {
	Confidence float64                   `json:"confidence"`
	Features   map[string]map[string]any `json:"features"`
	Raw        map[string]any            `json:"raw,omitempty"`
}

// Result is one modality's recorded outcome inside a session.
type Result struct {
	Modality       Modality                  `json:"modality"`
	Status         CallStatus                `json:"status"`
	Confidence     float64                   `json:"confidence"`
	Features       map[string]map[string]any `json:"features,omitempty"`
	Raw            map[string]any            `json:"raw,omitempty"`
	ProcessingTime time.Duration             `json:"processing_time"`
	Error          string                    `json:"error,omitempty"`
	CompletedAt    time.Time                 `json:"completed_at"`
}

// Succeeded reports whether the call produced usable output.
func (r *Result) Succeeded() bool { return r != nil && r.Status == CallCompleted }

// Conflict records a disagreement found during fusion.
type Conflict struct {
	Category   string   `json:"category"`
	Labels     []string `json:"labels"`
	Resolution string   `json:"resolution,omitempty"`
	Winner     string   `json:"winner,omitempty"`
}

// Recommendations is produced by the decision generator after fusion.
type Recommendations struct {
	Treatment []string `json:"treatment"`
	Lifestyle []string `json:"lifestyle"`
	FollowUp  []string `json:"follow_up"`
}

// FusedResult is the reconciled assessment for a session.
type FusedResult struct {
	SessionID              string                    `json:"session_id"`
	PatientID              string                    `json:"patient_id"`
	PrimarySyndrome        string                    `json:"primary_syndrome,omitempty"`
	SecondarySyndromes     []string                  `json:"secondary_syndromes,omitempty"`
	ConstitutionType       string                    `json:"constitution_type,omitempty"`
	ConstitutionConfidence float64                   `json:"constitution_confidence"`
	HealthStatus           string                    `json:"health_status"`
	RiskFactors            []string                  `json:"risk_factors,omitempty"`
	OverallConfidence      float64                   `json:"overall_confidence"`
	ConsistencyScore       float64                   `json:"consistency_score"`
	CompletenessScore      float64                   `json:"completeness_score"`
	Modalities             []Modality                `json:"modalities"`
	Conflicts              []Conflict                `json:"conflicts,omitempty"`
	Strategy               string                    `json:"strategy"`
	Features               map[string]map[string]any `json:"features,omitempty"`
	Recommendations        Recommendations           `json:"recommendations"`
	ProcessingTime         time.Duration             `json:"processing_time"`
	CreatedAt              time.Time                 `json:"created_at"`
}

// Session is the orchestrator-owned state of one diagnosis run.
type Session struct {
	ID          string               `json:"id"`
	Patient     PatientInfo          `json:"patient"`
	Modalities  []Modality           `json:"modalities"`
	Status      SessionStatus        `json:"status"`
	Results     map[Modality]*Result `json:"results"`
	Fused       *FusedResult         `json:"fused,omitempty"`
	CreatedAt   time.Time            `json:"created_at"`
	StartedAt   time.Time            `json:"started_at,omitempty"`
	CompletedAt time.Time            `json:"completed_at,omitempty"`
	Errors      []string             `json:"errors,omitempty"`
	Warnings    []string             `json:"warnings,omitempty"`
}

// Duration is the elapsed time from start to completion, or to now while running.
func (s *Session) Duration(now time.Time) time.Duration {
	if s.StartedAt.IsZero() {
		return 0
	}
	if !s.CompletedAt.IsZero() {
		return s.CompletedAt.Sub(s.StartedAt)
	}
	return now.Sub(s.StartedAt)
}

// SuccessfulResults returns only the results of calls that completed.
func (s *Session) SuccessfulResults() map[Modality]*Result {
	out := make(map[Modality]*Result, len(s.Results))
	for m, r := range s.Results {
		if r.Succeeded() {
			out[m] = r
		}
	}
	return out
}
