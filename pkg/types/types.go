// Package types contains shared types for the agent lifecycle control plane
package types

import (
	"time"
)

// VersionStatus represents the lifecycle state of an agent version
type VersionStatus string

const (
	VersionStatusDraft      VersionStatus = "draft"
	VersionStatusTesting    VersionStatus = "testing"
	VersionStatusCanary     VersionStatus = "canary"
	VersionStatusDeployed   VersionStatus = "deployed"
	VersionStatusDeprecated VersionStatus = "deprecated"
	VersionStatusRetired    VersionStatus = "retired"
)

// CertificationLevel is the quality tier assigned after testing a version
type CertificationLevel string

const (
	CertificationNone     CertificationLevel = "none"
	CertificationBronze   CertificationLevel = "bronze"
	CertificationSilver   CertificationLevel = "silver"
	CertificationGold     CertificationLevel = "gold"
	CertificationPlatinum CertificationLevel = "platinum"
)

// Rank returns the ordering of a certification level, with none lowest.
func (c CertificationLevel) Rank() int {
	switch c {
	case CertificationBronze:
		return 1
	case CertificationSilver:
		return 2
	case CertificationGold:
		return 3
	case CertificationPlatinum:
		return 4
	default:
		return 0
	}
}

// AgentVersion represents one immutable build of one agent type
type AgentVersion struct {
	ID                 string             `json:"id"`
	AgentType          string             `json:"agent_type"`
	Version            string             `json:"version"`
	BuildNumber        int                `json:"build_number"`
	Status             VersionStatus      `json:"status"`
	Code               string             `json:"code,omitempty"`
	Config             map[string]string  `json:"config,omitempty"`
	Author             string             `json:"author,omitempty"`
	CertificationLevel CertificationLevel `json:"certification_level"`
	CreatedAt          time.Time          `json:"created_at"`
	DeployedAt         *time.Time         `json:"deployed_at,omitempty"`
	RetiredAt          *time.Time         `json:"retired_at,omitempty"`
}

// DeploymentStrategy selects how traffic moves to a target version
type DeploymentStrategy string

const (
	StrategyImmediate DeploymentStrategy = "immediate"
	StrategyCanary    DeploymentStrategy = "canary"
	StrategyBlueGreen DeploymentStrategy = "blue-green"
	StrategyRolling   DeploymentStrategy = "rolling"
)

// PlanStatus represents the state of a deployment plan
type PlanStatus string

const (
	PlanStatusPending    PlanStatus = "pending"
	PlanStatusInProgress PlanStatus = "in-progress"
	PlanStatusCompleted  PlanStatus = "completed"
	PlanStatusFailed     PlanStatus = "failed"
	PlanStatusRolledBack PlanStatus = "rolled-back"
)

// NoSourceVersion marks a plan with nothing deployed before it.
const NoSourceVersion = "none"

// DeploymentPlan is one request to move an agent type from its active
// version to a target version. A plan is executed exactly once.
type DeploymentPlan struct {
	ID                string             `json:"id"`
	AgentType         string             `json:"agent_type"`
	SourceVersion     string             `json:"source_version"`
	TargetVersion     string             `json:"target_version"`
	Strategy          DeploymentStrategy `json:"strategy"`
	CanaryPercent     int                `json:"canary_percent,omitempty"`
	HealthChecks      []string           `json:"health_checks"`
	RollbackOnFailure bool               `json:"rollback_on_failure"`
	Status            PlanStatus         `json:"status"`
	Error             string             `json:"error,omitempty"`
	CreatedAt         time.Time          `json:"created_at"`
	StartedAt         *time.Time         `json:"started_at,omitempty"`
	CompletedAt       *time.Time         `json:"completed_at,omitempty"`
}

// EnhancementPhase is the lifecycle point a middleware unit binds to
type EnhancementPhase string

const (
	PhasePreExecution  EnhancementPhase = "pre-execution"
	PhasePostExecution EnhancementPhase = "post-execution"
	PhaseErrorHandling EnhancementPhase = "error-handling"
	PhaseMonitoring    EnhancementPhase = "monitoring"
)

// EnhancementContext is the per-execution record passed through the
// middleware pipeline. It is owned by a single execution and never shared
// across concurrent calls.
type EnhancementContext struct {
	AgentType string                 `json:"agent_type"`
	Task      string                 `json:"task"`
	Input     string                 `json:"input"`
	Output    string                 `json:"output,omitempty"`
	Err       error                  `json:"-"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

// Metric is a single time-stamped numeric sample
type Metric struct {
	Name      string            `json:"name"`
	Value     float64           `json:"value"`
	Unit      string            `json:"unit,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
	Tags      map[string]string `json:"tags,omitempty"`
}

// AlertSeverity grades an alert
type AlertSeverity string

const (
	SeverityInfo     AlertSeverity = "info"
	SeverityWarning  AlertSeverity = "warning"
	SeverityError    AlertSeverity = "error"
	SeverityCritical AlertSeverity = "critical"
)

// Alert is created when a rule fires and no unresolved alert of the same
// rule name exists. Alerts are acknowledged and resolved, never deleted.
type Alert struct {
	ID           string        `json:"id"`
	RuleName     string        `json:"rule_name"`
	Severity     AlertSeverity `json:"severity"`
	Message      string        `json:"message"`
	AgentType    string        `json:"agent_type,omitempty"`
	Timestamp    time.Time     `json:"timestamp"`
	Acknowledged bool          `json:"acknowledged"`
	ResolvedAt   *time.Time    `json:"resolved_at,omitempty"`
}

// TraceStatus represents the state of a trace
type TraceStatus string

const (
	TraceStatusRunning   TraceStatus = "running"
	TraceStatusCompleted TraceStatus = "completed"
	TraceStatusFailed    TraceStatus = "failed"
)

// Trace is a timed record of one logical operation
type Trace struct {
	ID        string      `json:"id"`
	AgentType string      `json:"agent_type"`
	Operation string      `json:"operation"`
	StartTime time.Time   `json:"start_time"`
	EndTime   *time.Time  `json:"end_time,omitempty"`
	Status    TraceStatus `json:"status"`
	Spans     []*Span     `json:"spans,omitempty"`
}

// Span is a nested sub-operation within a trace
type Span struct {
	ID        string            `json:"id"`
	Name      string            `json:"name"`
	StartTime time.Time         `json:"start_time"`
	EndTime   *time.Time        `json:"end_time,omitempty"`
	Tags      map[string]string `json:"tags,omitempty"`
	Logs      []string          `json:"logs,omitempty"`
}

// Event represents a control-plane event published on the bus
type Event struct {
	ID        string                 `json:"id"`
	Type      EventType              `json:"type"`
	Source    string                 `json:"source"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data"`
}

// EventType represents types of events
type EventType string

const (
	EventTypeVersionCreated       EventType = "version.created"
	EventTypeVersionTested        EventType = "version.tested"
	EventTypeVersionRetired       EventType = "version.retired"
	EventTypeVersionDeprecated    EventType = "version.deprecated"
	EventTypeDeploymentStarted    EventType = "deployment.started"
	EventTypeDeploymentProgress   EventType = "deployment.progress"
	EventTypeDeploymentHealth     EventType = "deployment.health_check"
	EventTypeDeploymentCompleted  EventType = "deployment.completed"
	EventTypeDeploymentFailed     EventType = "deployment.failed"
	EventTypeDeploymentRollback   EventType = "deployment.rollback"
	EventTypeDeploymentRolledBack EventType = "deployment.rolled_back"
	EventTypeEnhancementApplied   EventType = "enhancement.applied"
	EventTypeEnhancementError     EventType = "enhancement.error"
	EventTypeAlertCreated         EventType = "alert.created"
	EventTypeAlertResolved        EventType = "alert.resolved"
)
