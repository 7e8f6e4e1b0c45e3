package types

import "time"

// EventType distinguishes the two event kinds funneled to the
// observability platform.
type EventType string

const (
	EventTypeChange   EventType = "CHANGE"
	EventTypeBusiness EventType = "BIZ"
)

// ChangeScope identifies what a flag mutation applied to
const (
	ScopeGlobal        = "global"
	ScopeServicePrefix = "service:"
)

// ChangeEvent records one successful feature-flag mutation.
type ChangeEvent struct {
	EventType     EventType `json:"eventType"`
	FlagName      string    `json:"flagName"`
	PreviousValue any       `json:"previousValue"`
	NewValue      any       `json:"newValue"`
	Scope         string    `json:"scope"`
	Reason        string    `json:"reason,omitempty"`
	TriggeredBy   string    `json:"triggeredBy,omitempty"`
	ProblemID     string    `json:"problemId,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
}

// BusinessEvent records one journey step outcome.
type BusinessEvent struct {
	EventType        EventType      `json:"eventType"`
	CorrelationID    string         `json:"correlationId"`
	JourneyID        string         `json:"journeyId"`
	StepName         string         `json:"stepName"`
	ServiceName      string         `json:"serviceName"`
	CompanyName      string         `json:"companyName"`
	Status           string         `json:"status"`
	ProcessingTimeMs int64          `json:"processingTimeMs"`
	AdditionalFields map[string]any `json:"additionalFields,omitempty"`
	Timestamp        time.Time      `json:"timestamp"`
}
