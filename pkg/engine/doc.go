// Package engine provides the resource lifecycle orchestrator for envforge.
//
// # Overview
//
// A compute instance is provisioned and torn down through long-running cloud
// operations that cannot be awaited inside one request. The engine exposes
// them as resumable state machines: every call returns an OperationState and,
// while the operation is still active, a ContinuationToken that the caller
// persists and hands back on the next poll.
//
//  1. BeginCreate - Render and submit the templated deployment
//  2. CheckCreateStatus - Map the deployment's provisioning state
//  3. BeginDelete - Build the phased DeletionPlan
//  4. CheckDeleteStatus - Advance the first incomplete phase
//  5. Start / Shutdown - Push a command onto the instance's input queue
//
// # Deletion Phases
//
// Resource kinds are ordered by DeletionDependencies into levels:
//
//   - Phase 0: the compute instance and its input queue
//   - Phase 1: the NIC and the OS disk
//   - Phase 2: the NSG and the VNet
//
// Records within a phase are advanced concurrently. A phase is only attempted
// once every earlier phase has succeeded, and phase 0 cannot succeed before
// the compute instance has been observed absent.
//
// # Continuation Tokens
//
// Tokens carry a schema version. Version 1 tokens carry a DeletionPlan;
// version 0 tokens carry the flat resource map written by older deployments
// and are still honored. Any other version is a permanent error.
//
// # Error Classification
//
// Errors are classified for retry decisions:
//
//   - Transient: Temporary failures that may succeed on the next poll
//   - Throttled: Rate limiting by the cloud API
//   - Conflict: The resource is busy with another operation
//   - Permanent: Invalid requests, tokens or configuration
//
// Retryable failures during a poll are absorbed into the token's retry
// counter and reported as InProgress. After MaxRetryAttempts the result
// becomes Failed.
//
// # Example Usage
//
//	result, err := manager.BeginDelete(ctx, req)
//	for err == nil && !result.State.IsTerminal() {
//	    // persist result.Token, wait, then poll again
//	    result, err = manager.CheckDeleteStatus(ctx, *result.Token)
//	}
//
// # Thread Safety
//
// DeploymentManager is safe for concurrent use. It keeps no state between
// calls; each call decodes its own copy of the plan from the token.
package engine
