// Package azure implements the cloud side of the orchestrator on Azure.
//
// It provides the templated deployment client used by the creation state
// machine, one resource adapter per resource kind for the deletion state
// machine, the storage queue provider that carries commands to the in-VM
// agent, and a disk inspector.
//
// All management-plane clients share a credential and a pipeline that
// includes a client-side rate limiter. SDK errors are translated into
// classified engine errors: 404 means the resource is gone, 429 is
// throttled, 409 is a conflict, 5xx is transient and every other 4xx is
// permanent.
package azure
