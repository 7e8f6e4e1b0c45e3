// Package types holds the shared domain types: journey and step specs,
// service records, flag sets, and the wire shapes exchanged with child
// services. It has no dependencies on the rest of the module.
package types

import (
	"fmt"
	"strings"
	"time"
)

// JourneySpec describes one synthetic customer journey. Immutable once
// submitted.
type JourneySpec struct {
	JourneyID        string         `json:"journeyId"`
	CompanyName      string         `json:"companyName"`
	Domain           string         `json:"domain,omitempty"`
	IndustryType     string         `json:"industryType,omitempty"`
	JourneyType      string         `json:"journeyType,omitempty"`
	Steps            []StepSpec     `json:"steps"`
	CustomerProfile  map[string]any `json:"customerProfile,omitempty"`
	AdditionalFields map[string]any `json:"additionalFields,omitempty"`
}

// StepSpec is one named stage of a journey, backed by one child service.
type StepSpec struct {
	StepIndex           int       `json:"stepIndex"`
	StepName            string    `json:"stepName"`
	ServiceName         string    `json:"serviceName,omitempty"`
	Category            string    `json:"category,omitempty"`
	EstimatedDurationMs int       `json:"estimatedDurationMs,omitempty"`
	Substeps            []Substep `json:"substeps,omitempty"`
	HasError            bool      `json:"hasError,omitempty"`
}

// Substep is a declared unit of work inside a step, used to shape the
// simulated processing time.
type Substep struct {
	SubstepName string `json:"substepName"`
	DurationMs  int    `json:"durationMs"`
}

// DeriveServiceName builds the identity key used everywhere downstream:
// <stepName>Service-<companyName-sanitized>.
func DeriveServiceName(stepName, companyName string) string {
	return fmt.Sprintf("%sService-%s", SanitizeName(stepName), SanitizeName(companyName))
}

// SanitizeName strips everything that is not a letter or digit so names are
// safe as env values, process args, and file name fragments.
func SanitizeName(name string) string {
	var b strings.Builder
	for _, r := range name {
		if r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// CompanyContext carries the company identity propagated into every child
// service environment.
type CompanyContext struct {
	CompanyName  string `json:"companyName"`
	Domain       string `json:"domain,omitempty"`
	IndustryType string `json:"industryType,omitempty"`
	JourneyType  string `json:"journeyType,omitempty"`
}

// ServiceState represents the lifecycle state of a supervised service
type ServiceState string

const (
	ServiceStateStarting  ServiceState = "starting"
	ServiceStateHealthy   ServiceState = "healthy"
	ServiceStateUnhealthy ServiceState = "unhealthy"
	ServiceStateStopping  ServiceState = "stopping"
)

// ServiceRecord is the supervisor's view of one live child service.
type ServiceRecord struct {
	ServiceName   string         `json:"serviceName"`
	PID           int            `json:"pid"`
	Port          int            `json:"port"`
	State         ServiceState   `json:"state"`
	StartTime     time.Time      `json:"startTime"`
	LastHealthyAt time.Time      `json:"lastHealthyAt,omitempty"`
	Company       CompanyContext `json:"company"`
}

// PortAllocation is one persisted port reservation.
type PortAllocation struct {
	Port        int       `json:"port"`
	ServiceName string    `json:"serviceName"`
	AllocatedAt time.Time `json:"allocatedAt"`
}

// JourneyStatus is the aggregate outcome of a journey run
type JourneyStatus string

const (
	JourneyCompleted JourneyStatus = "completed"
	JourneyPartial   JourneyStatus = "partial"
	JourneyFailed    JourneyStatus = "failed"
)

// StepStatus is the outcome of a single step invocation
type StepStatus string

const (
	StepCompleted StepStatus = "completed"
	StepFailed    StepStatus = "failed"
	StepSkipped   StepStatus = "skipped"
)

// JourneyRunResult is returned to the caller of a simulation. It is
// ephemeral; the observability platform is the system of record.
type JourneyRunResult struct {
	JourneyID     string        `json:"journeyId"`
	CorrelationID string        `json:"correlationId"`
	CompanyName   string        `json:"companyName"`
	Status        JourneyStatus `json:"status"`
	Steps         []StepResult  `json:"steps"`
	StartedAt     time.Time     `json:"startedAt"`
	EndedAt       time.Time     `json:"endedAt"`
}

// StepResult is the recorded outcome of one step invocation.
type StepResult struct {
	StepName         string     `json:"stepName"`
	ServiceName      string     `json:"serviceName"`
	Status           StepStatus `json:"status"`
	HTTPStatus       int        `json:"httpStatus"`
	ProcessingTimeMs int64      `json:"processingTimeMs"`
	ErrorType        string     `json:"errorType,omitempty"`
	ErrorMessage     string     `json:"errorMessage,omitempty"`
	CorrelationID    string     `json:"correlationId"`
}

// ErrorType identifies a chaos-injected failure kind
type ErrorType string

const (
	ErrorTypeTimeout            ErrorType = "timeout"
	ErrorTypeServiceUnavailable ErrorType = "service_unavailable"
	ErrorTypeInternal           ErrorType = "internal_error"
	ErrorTypeValidation         ErrorType = "validation_failed"
)

// HTTPStatus maps an injected error kind to its wire status code.
func (e ErrorType) HTTPStatus() int {
	switch e {
	case ErrorTypeTimeout:
		return 408
	case ErrorTypeServiceUnavailable:
		return 503
	case ErrorTypeValidation:
		return 400
	default:
		return 500
	}
}

// Message returns the human-readable description for an injected error.
func (e ErrorType) Message() string {
	switch e {
	case ErrorTypeTimeout:
		return "request timed out while processing transaction"
	case ErrorTypeServiceUnavailable:
		return "service temporarily unavailable"
	case ErrorTypeValidation:
		return "transaction payload failed validation"
	default:
		return "internal error while processing transaction"
	}
}

// InjectableErrorTypes are the kinds a child service may randomly pick from
// when a fault-injection flag fires.
var InjectableErrorTypes = []ErrorType{
	ErrorTypeTimeout,
	ErrorTypeServiceUnavailable,
	ErrorTypeInternal,
	ErrorTypeValidation,
}

// ChainHop describes one downstream hop for chained-mode execution.
type ChainHop struct {
	StepName    string    `json:"stepName"`
	ServiceName string    `json:"serviceName"`
	Port        int       `json:"port"`
	Substeps    []Substep `json:"substeps,omitempty"`
}

// ProcessRequest is the payload POSTed to a child service's /process.
type ProcessRequest struct {
	CorrelationID    string         `json:"correlationId"`
	JourneyID        string         `json:"journeyId"`
	StepName         string         `json:"stepName"`
	StepIndex        int            `json:"stepIndex"`
	Substeps         []Substep      `json:"substeps,omitempty"`
	CustomerProfile  map[string]any `json:"customerProfile,omitempty"`
	AdditionalFields map[string]any `json:"additionalFields,omitempty"`
	// Chain holds the remaining hops when the journey runs in chained mode.
	// The receiving service forwards to Chain[0] after its own work.
	Chain []ChainHop `json:"chain,omitempty"`
	// Forwarded marks a request that arrived service-to-service rather
	// than from the orchestrator. Forwarded hops do not emit their own
	// business events; this preserves the documented chained-mode
	// limitation.
	Forwarded bool `json:"forwarded,omitempty"`
}

// ProcessResponse is the child service's reply to /process.
type ProcessResponse struct {
	Status           StepStatus     `json:"status"`
	HTTPStatus       int            `json:"httpStatus"`
	ProcessingTimeMs int64          `json:"processingTimeMs"`
	CorrelationID    string         `json:"correlationId"`
	StepName         string         `json:"stepName"`
	ServiceName      string         `json:"serviceName"`
	AdditionalFields map[string]any `json:"additionalFields,omitempty"`
	ErrorType        string         `json:"errorType,omitempty"`
	ErrorMessage     string         `json:"errorMessage,omitempty"`
	// FeatureFlag names the flag that fired when an error was injected.
	FeatureFlag string `json:"feature_flag,omitempty"`
	CacheHit    bool   `json:"cacheHit,omitempty"`
}

// HealthResponse is the child service's reply to /health.
type HealthResponse struct {
	Status      string  `json:"status"`
	ServiceName string  `json:"serviceName"`
	PID         int     `json:"pid"`
	UptimeSec   float64 `json:"uptimeSec"`
}
