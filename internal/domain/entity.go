// Package domain contains core business entities and interfaces.
// This is the innermost layer in Clean Architecture - no external dependencies.
package domain

import (
	"fmt"
	"os"
	"strings"
	"time"
)

// SandboxType describes what a sandbox is used for. It carries no behavior.
type SandboxType string

const (
	TypeSystemModification SandboxType = "system_modification"
	TypeUITheming          SandboxType = "ui_theming"
	TypeSecurityTesting    SandboxType = "security_testing"
	TypePerformanceTuning  SandboxType = "performance_tuning"
	TypeCustomROM          SandboxType = "custom_rom"
)

// SandboxTypes lists every known sandbox type in declaration order.
var SandboxTypes = []SandboxType{
	TypeSystemModification,
	TypeUITheming,
	TypeSecurityTesting,
	TypePerformanceTuning,
	TypeCustomROM,
}

// ParseSandboxType converts a user-supplied string into a SandboxType.
// Dashes are accepted in place of underscores.
func ParseSandboxType(s string) (SandboxType, error) {
	normalized := strings.ReplaceAll(strings.ToLower(strings.TrimSpace(s)), "-", "_")
	for _, t := range SandboxTypes {
		if string(t) == normalized {
			return t, nil
		}
	}
	return "", fmt.Errorf("%w: unknown sandbox type %q", ErrValidation, s)
}

// RiskLevel is the risk tier of a single modification. Ordered low to high.
type RiskLevel int

const (
	RiskLow RiskLevel = iota
	RiskMedium
	RiskHigh
	RiskCritical
)

func (r RiskLevel) String() string {
	switch r {
	case RiskLow:
		return "LOW"
	case RiskMedium:
		return "MEDIUM"
	case RiskHigh:
		return "HIGH"
	case RiskCritical:
		return "CRITICAL"
	default:
		return "UNKNOWN"
	}
}

// SafetyLevel is the aggregate safety of a sandbox. Ordered safe to critical.
type SafetyLevel int

const (
	SafetySafe SafetyLevel = iota
	SafetyCaution
	SafetyWarning
	SafetyCritical
)

func (s SafetyLevel) String() string {
	switch s {
	case SafetySafe:
		return "SAFE"
	case SafetyCaution:
		return "CAUTION"
	case SafetyWarning:
		return "WARNING"
	case SafetyCritical:
		return "CRITICAL"
	default:
		return "UNKNOWN"
	}
}

// SafetyFor maps a risk tier to its safety level.
func SafetyFor(r RiskLevel) SafetyLevel {
	switch r {
	case RiskMedium:
		return SafetyCaution
	case RiskHigh:
		return SafetyWarning
	case RiskCritical:
		return SafetyCritical
	default:
		return SafetySafe
	}
}

// OverallSafety returns the safety level of the riskiest modification.
// An empty list is Safe.
func OverallSafety(mods []SystemModification) SafetyLevel {
	maxRisk := RiskLow
	for _, m := range mods {
		if m.RiskLevel > maxRisk {
			maxRisk = m.RiskLevel
		}
	}
	return SafetyFor(maxRisk)
}

// FileState captures a file's content at a point in time.
// Exists=false means the file was absent, which is distinct from an existing
// empty file (Exists=true, len(Data)==0).
type FileState struct {
	Exists bool        `json:"exists"`
	Data   []byte      `json:"data,omitempty"`
	Mode   os.FileMode `json:"mode,omitempty"`
	Owner  *FileOwner  `json:"owner,omitempty"`
}

// FileOwner is a file's numeric owner and group. Nil on platforms that do not
// report ownership.
type FileOwner struct {
	UID int `json:"uid"`
	GID int `json:"gid"`
}

// Clone returns a copy that shares no memory with s.
func (s FileState) Clone() FileState {
	out := s
	if s.Data != nil {
		out.Data = append([]byte{}, s.Data...)
	}
	if s.Owner != nil {
		owner := *s.Owner
		out.Owner = &owner
	}
	return out
}

// Absent returns the state of a file that does not exist.
func Absent() FileState {
	return FileState{}
}

// Present returns the state of an existing file.
func Present(data []byte, mode os.FileMode) FileState {
	return FileState{Exists: true, Data: data, Mode: mode}
}

// SystemModification is one staged change to a real file.
type SystemModification struct {
	ID              string
	Description     string
	TargetFile      string
	Original        FileState // captured before anything touches the real file
	ModifiedContent []byte
	RiskLevel       RiskLevel
	Reversible      bool
}

// Clone returns a copy whose payloads share no memory with m.
func (m SystemModification) Clone() SystemModification {
	out := m
	out.Original = m.Original.Clone()
	if m.ModifiedContent != nil {
		out.ModifiedContent = append([]byte{}, m.ModifiedContent...)
	}
	return out
}

// SandboxEnvironment is a named collection of staged modifications.
type SandboxEnvironment struct {
	ID            string
	Name          string
	Type          SandboxType
	CreatedAt     time.Time
	Modifications []SystemModification
}

// SafetyLevel is derived from the modifications; it cannot be set directly.
func (s SandboxEnvironment) SafetyLevel() SafetyLevel {
	return OverallSafety(s.Modifications)
}

// Clone returns a deep copy so callers never share a modification slice or
// payload with the store.
func (s SandboxEnvironment) Clone() SandboxEnvironment {
	out := s
	if s.Modifications != nil {
		out.Modifications = make([]SystemModification, len(s.Modifications))
		for i, mod := range s.Modifications {
			out.Modifications[i] = mod.Clone()
		}
	}
	return out
}

// TestStatus is the outcome of testing one modification.
type TestStatus string

const (
	TestPassed             TestStatus = "Passed"
	TestPassedWithWarnings TestStatus = "Passed with warnings"
	TestFailed             TestStatus = "Failed"
)

// TestResult captures static validation of a modification.
type TestResult struct {
	Status   TestStatus
	Warnings []string
	Errors   []string
}

// SafetyCheck is the gatekeeper's final go/no-go decision.
type SafetyCheck struct {
	IsSafe bool
	Reason string
}

// Snapshot is the pre-commit state of one target path.
type Snapshot struct {
	Path  string    `json:"path"`
	State FileState `json:"state"`
}

// CommitOutcome classifies how a commit ended.
type CommitOutcome string

const (
	OutcomeApplied            CommitOutcome = "applied"
	OutcomeAborted            CommitOutcome = "aborted"             // backup phase failed, nothing written
	OutcomeRolledBack         CommitOutcome = "rolled_back"         // apply failed, restored cleanly
	OutcomeRollbackIncomplete CommitOutcome = "rollback_incomplete" // apply and rollback both failed
)

// ApplicationResult is what the commit engine reports.
type ApplicationResult struct {
	Success        bool
	FailureReason  string
	Outcome        CommitOutcome
	CommitID       string
	Applied        []string
	RollbackErrors []string
}

// NeedsManualIntervention is true when the real system may be left half-modified.
func (r ApplicationResult) NeedsManualIntervention() bool {
	return r.Outcome == OutcomeRollbackIncomplete
}

// SandboxState is the lifecycle of the sandbox manager itself.
type SandboxState string

const (
	StateInactive     SandboxState = "inactive"
	StateInitializing SandboxState = "initializing"
	StateActive       SandboxState = "active"
	StateError        SandboxState = "error"
)

// SandboxResult is returned by every manager operation. It carries enough
// detail to drive a confirmation dialog without further interpretation.
type SandboxResult struct {
	Success   bool
	Message   string
	Warnings  []string
	Errors    []string
	SandboxID string
}
