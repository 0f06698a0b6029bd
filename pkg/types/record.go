package types

import (
	"fmt"
	"time"
)

// StepName names a provisioning step.
type StepName string

// Provisioning steps in the order they run. The worker sequence ends at
// StepInstallRuntime.
const (
	StepPatchBootConfig            StepName = "PatchBootConfig"
	StepSetLegacyIPTables          StepName = "SetLegacyIpTables"
	StepInstallKernelModules       StepName = "InstallKernelModules"
	StepInstallRuntime             StepName = "InstallRuntime"
	StepPrepareConfigDirectory     StepName = "PrepareConfigDirectory"
	StepWriteFinalConfig           StepName = "WriteFinalConfig"
	StepInstallHelmAndRepositories StepName = "InstallHelmAndRepositories"
	StepCreateNamespaces           StepName = "CreateNamespaces"
	StepInstallCertManager         StepName = "InstallCertManager"

	// StepConnect is reported on records for nodes that failed before any step ran.
	StepConnect StepName = "Connect"
)

// NodeState is the final state of a node after orchestration.
type NodeState string

const (
	// NodeProvisioned means every step for the node's role completed.
	NodeProvisioned NodeState = "Provisioned"
	// NodeSkippedUnreachable means the node could not be reached and no step ran.
	NodeSkippedUnreachable NodeState = "SkippedUnreachable"
	// NodeFailed means a step, the connection, or the reboot protocol failed.
	NodeFailed NodeState = "Failed"
)

// NodeRecord is the outcome of provisioning a single node.
type NodeRecord struct {
	Node  NodeIdentity
	State NodeState
	// The step that failed, for NodeFailed records
	FailedStep StepName
	// A human readable reason, for NodeFailed records
	Reason string
	// The steps that completed, in order
	Steps []StepName
	// How long the node took
	Duration time.Duration
}

func (r NodeRecord) String() string {
	switch r.State {
	case NodeFailed:
		return fmt.Sprintf("%s - %s(%s, %s)", r.Node.Name, r.State, r.FailedStep, r.Reason)
	default:
		return fmt.Sprintf("%s - %s", r.Node.Name, r.State)
	}
}

// FleetSummary counts records by state.
type FleetSummary struct {
	Provisioned, Skipped, Failed int
}

// Summarize counts the given records by state.
func Summarize(records []NodeRecord) FleetSummary {
	var s FleetSummary
	for _, r := range records {
		switch r.State {
		case NodeProvisioned:
			s.Provisioned++
		case NodeSkippedUnreachable:
			s.Skipped++
		case NodeFailed:
			s.Failed++
		}
	}
	return s
}

func (s FleetSummary) String() string {
	return fmt.Sprintf("%d provisioned, %d skipped, %d failed", s.Provisioned, s.Skipped, s.Failed)
}
