// Package runtime wraps the container engine behind a single seam so the
// lifecycle manager and reaper are testable with a fake. It is the only
// package that talks to the engine.
package runtime

import "context"

// Limits are the per-container resource bounds from the catalog.
type Limits struct {
	CPUShares   int64
	MemoryBytes int64
}

// StartSpec describes the container to provision for an instance.
type StartSpec struct {
	// Name is the engine-side container name; instance-unique.
	Name         string
	Image        string
	InternalPort int
	Env          []string
	Labels       map[string]string
	Limits       Limits
}

// Endpoint is where a provisioned container can be reached.
type Endpoint struct {
	ContainerID string
	HostPort    int
	URL         string
}

// Runtime is the adapter contract.
//
// CreateAndStart provisions a container and publishes its internal port on an
// engine-assigned host port. Failures are classified into the orchestrator
// taxonomy: errors.ErrRuntimeUnavailable (engine unreachable or timed out),
// errors.ErrImagePull, errors.ErrPortAllocation.
//
// Stop is idempotent: a container that is already gone is success.
//
// IsAlive reports whether the container process is still running. Probe
// errors are returned as-is; the reaper applies its consecutive-failure rule
// rather than trusting a single failed probe.
//
// Remove is best-effort cleanup; callers log failures and move on.
type Runtime interface {
	CreateAndStart(ctx context.Context, spec StartSpec) (*Endpoint, error)
	Stop(ctx context.Context, containerID string) error
	IsAlive(ctx context.Context, containerID string) (bool, error)
	Remove(ctx context.Context, containerID string) error
}
