package diagnosis

// Lifecycle event types published by the orchestrator.
const (
	EventSessionCreated    = "session_created"
	EventSessionStarted    = "session_started"
	EventModalityCompleted = "modality_completed"
	EventModalityFailed    = "modality_failed"
	EventFusionCompleted   = "fusion_completed"
	EventDecisionCompleted = "decision_completed"
	EventSessionCompleted  = "session_completed"
	EventSessionFailed     = "session_failed"
	EventSessionCancelled  = "session_cancelled"
)

// LifecycleEvents lists every event type above.
var LifecycleEvents = []string{
	EventSessionCreated,
	EventSessionStarted,
	EventModalityCompleted,
	EventModalityFailed,
	EventFusionCompleted,
	EventDecisionCompleted,
	EventSessionCompleted,
	EventSessionFailed,
	EventSessionCancelled,
}
