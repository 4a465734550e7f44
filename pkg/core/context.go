// Package core defines the operation model shared by the executor, the gateway,
// the workflow engine and the scheduler: operation descriptors, resilience
// profiles, hooks, attempt records and results. The engine treats operation
// payloads opaquely; typed access is the caller's concern.
package core

import (
	"github.com/google/uuid"

	"github.com/stableinfra/go-sdk/pkg/errors"
)

// ExecutionContext identifies the workflow/phase/branch/request an operation
// runs under. It is propagated into every hook and log message.
type ExecutionContext = errors.ExecutionContext

// NewRequestContext returns a context carrying a fresh request identifier.
func NewRequestContext() ExecutionContext {
	return ExecutionContext{RequestID: uuid.NewString()}
}

// ChildContext derives a context for a nested unit, keeping parent identifiers
// and stamping a fresh request id.
func ChildContext(parent ExecutionContext, phaseID, branchID, nodeID string) ExecutionContext {
	child := parent
	if phaseID != "" {
		child.PhaseID = phaseID
	}
	if branchID != "" {
		child.BranchID = branchID
	}
	if nodeID != "" {
		child.NodeID = nodeID
	}
	child.RequestID = uuid.NewString()
	return child
}
