// Package lifecycle drives lab instances through their state machine:
// created → starting → running → stopping → stopped, with error reachable
// from starting and running, and expired reachable from running via the
// reaper. Provisioning runs as a durable superfly/fsm workflow; every
// registry write is a compare-and-swap so concurrent transitions on the same
// instance resolve deterministically.
package lifecycle

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/superfly/fsm"

	"github.com/cyberlabs/labd/pkg/catalog"
	"github.com/cyberlabs/labd/pkg/errors"
	"github.com/cyberlabs/labd/pkg/registry"
	"github.com/cyberlabs/labd/pkg/runtime"
)

// Machine holds dependencies for the provisioning FSM transitions.
type Machine struct {
	catalog       *catalog.Catalog
	registry      *registry.Registry
	runtime       runtime.Runtime
	createTimeout time.Duration
	maxRetries    int
	now           func() time.Time
}

// NewMachine creates the provisioning machine.
func NewMachine(cat *catalog.Catalog, reg *registry.Registry, rt runtime.Runtime, createTimeout time.Duration, maxRetries int) *Machine {
	return &Machine{
		catalog:       cat,
		registry:      reg,
		runtime:       rt,
		createTimeout: createTimeout,
		maxRetries:    maxRetries,
		now:           time.Now,
	}
}

// Register registers the provisioning FSM with the manager.
func (m *Machine) Register(ctx context.Context, manager *fsm.Manager) (fsm.Start[StartRequest, StartResponse], fsm.Resume, error) {
	start, resume, err := fsm.Register[StartRequest, StartResponse](manager, "lab-provision").
		Start(StateClaim, m.handleClaim).
		To(StateProvision, m.handleProvision).
		To(StateOnline, m.handleOnline).
		End(StateFailed).
		Build(ctx)

	if err != nil {
		return nil, nil, errors.Wrap(err, "failed to register provisioning FSM")
	}

	return start, resume, nil
}

// StarterFrom adapts a registered FSM into the StartFunc the Manager needs:
// launch the workflow keyed by instance id and block until it settles.
func StarterFrom(start fsm.Start[StartRequest, StartResponse], manager *fsm.Manager) StartFunc {
	return func(ctx context.Context, instanceID string, req *StartRequest) error {
		version, err := start(ctx, instanceID, fsm.NewRequest(req, &StartResponse{}))
		if err != nil {
			return errors.Wrap(err, "failed to start provisioning FSM")
		}
		return manager.Wait(ctx, version)
	}
}

// handleClaim moves the fresh registry row from created to starting.
func (m *Machine) handleClaim(ctx context.Context, req *fsm.Request[StartRequest, StartResponse]) (*fsm.Response[StartResponse], error) {
	slog.Info("provision_state_claim", "instance_id", req.Msg.InstanceID)

	if retryCount := fsm.RetryFromContext(ctx); retryCount >= uint64(m.maxRetries) {
		slog.Error("provision_max_retries", "instance_id", req.Msg.InstanceID, "max_retries", m.maxRetries)
		return nil, fsm.Abort(fmt.Errorf("max retries (%d) exceeded", m.maxRetries))
	}

	resp := req.W.Msg
	if resp == nil {
		resp = &StartResponse{}
	}

	err := m.registry.Transition(ctx, req.Msg.InstanceID, registry.StateCreated, registry.StateStarting, registry.Fields{})
	if err != nil {
		// A stale claim means another actor already moved the instance;
		// there is nothing safe to do but stop here.
		slog.Error("provision_claim_failed", "instance_id", req.Msg.InstanceID, "error", err)
		return nil, fsm.Abort(errors.Wrap(err, "failed to claim instance"))
	}

	resp.Claimed = true
	resp.State = registry.StateStarting
	return fsm.NewResponse(resp), nil
}

// handleProvision asks the runtime for a container. The adapter call is the
// only slow step; it runs under the create timeout and a failure parks the
// instance in error for auditing; a retry is a brand new start request.
func (m *Machine) handleProvision(ctx context.Context, req *fsm.Request[StartRequest, StartResponse]) (*fsm.Response[StartResponse], error) {
	slog.Info("provision_state_provision", "instance_id", req.Msg.InstanceID, "lab_id", req.Msg.LabID)

	if retryCount := fsm.RetryFromContext(ctx); retryCount >= uint64(m.maxRetries) {
		return nil, fsm.Abort(fmt.Errorf("max retries (%d) exceeded", m.maxRetries))
	}

	resp := req.W.Msg
	if resp == nil {
		return nil, fsm.Abort(fmt.Errorf("response not initialized"))
	}

	lab, err := m.catalog.GetLab(req.Msg.LabID)
	if err != nil {
		m.failInstance(ctx, req.Msg.InstanceID, "lab not found in catalog")
		return nil, fsm.Abort(errors.Wrap(err, "catalog lookup failed"))
	}

	env := make([]string, 0, len(lab.Env))
	for k, v := range lab.Env {
		env = append(env, k+"="+v)
	}
	sort.Strings(env)

	spec := runtime.StartSpec{
		Name:         containerName(req.Msg.LabID, req.Msg.InstanceID),
		Image:        lab.Image,
		InternalPort: lab.InternalPort,
		Env:          env,
		Labels: map[string]string{
			"labd.instance": req.Msg.InstanceID,
			"labd.lab":      req.Msg.LabID,
			"labd.user":     req.Msg.UserID,
		},
		Limits: runtime.Limits{CPUShares: lab.CPUShares, MemoryBytes: lab.MemoryBytes},
	}

	createCtx, cancel := context.WithTimeout(ctx, m.createTimeout)
	defer cancel()

	endpoint, err := m.runtime.CreateAndStart(createCtx, spec)
	if err != nil {
		slog.Error("provision_failed", "instance_id", req.Msg.InstanceID, "lab_id", req.Msg.LabID, "error", err)
		m.failInstance(ctx, req.Msg.InstanceID, err.Error())
		resp.ErrorMessage = err.Error()
		return nil, fsm.Abort(errors.Wrap(err, "provisioning failed"))
	}

	slog.Info("provision_container_up",
		"instance_id", req.Msg.InstanceID,
		"container_id", endpoint.ContainerID,
		"endpoint", endpoint.URL,
	)

	resp.ContainerID = endpoint.ContainerID
	resp.Endpoint = endpoint.URL
	resp.HostPort = endpoint.HostPort
	return fsm.NewResponse(resp), nil
}

// handleOnline publishes the endpoint: CAS starting → running with the
// start/expiry/heartbeat stamps. Losing this CAS means someone else moved
// the instance while the container came up; the container is then torn down
// again because the registry, not the runtime, is the source of truth for
// intent.
func (m *Machine) handleOnline(ctx context.Context, req *fsm.Request[StartRequest, StartResponse]) (*fsm.Response[StartResponse], error) {
	slog.Info("provision_state_online", "instance_id", req.Msg.InstanceID)

	resp := req.W.Msg
	if resp == nil {
		return nil, fsm.Abort(fmt.Errorf("response not initialized"))
	}

	lab, err := m.catalog.GetLab(req.Msg.LabID)
	if err != nil {
		return nil, fsm.Abort(errors.Wrap(err, "catalog lookup failed"))
	}

	now := m.now()
	err = m.registry.Transition(ctx, req.Msg.InstanceID, registry.StateStarting, registry.StateRunning, registry.Fields{
		ContainerID: resp.ContainerID,
		Endpoint:    resp.Endpoint,
		StartedAt:   now,
		ExpiresAt:   now.Add(time.Duration(lab.TimeBudget)),
		LastSeenAt:  now,
	})
	if err != nil {
		slog.Error("provision_online_cas_lost", "instance_id", req.Msg.InstanceID, "error", err)
		m.teardown(resp.ContainerID)
		return nil, fsm.Abort(errors.Wrap(err, "instance state moved during provisioning"))
	}

	resp.State = registry.StateRunning
	slog.Info("provision_complete", "instance_id", req.Msg.InstanceID, "endpoint", resp.Endpoint)
	return fsm.NewResponse(resp), nil
}

// failInstance parks the instance in error. The CAS may legitimately lose
// against a concurrent transition; then the registry row is already owned by
// someone else and the reaper reconciles any leftover container.
func (m *Machine) failInstance(ctx context.Context, instanceID, reason string) {
	err := m.registry.Transition(ctx, instanceID, registry.StateStarting, registry.StateError, registry.Fields{
		Error: reason,
	})
	if err != nil {
		slog.Error("provision_fail_transition_lost", "instance_id", instanceID, "error", err)
	}
}

func (m *Machine) teardown(containerID string) {
	if containerID == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := m.runtime.Stop(ctx, containerID); err != nil {
		slog.Error("provision_teardown_stop_failed", "container_id", containerID, "error", err)
	}
	if err := m.runtime.Remove(ctx, containerID); err != nil {
		slog.Error("provision_teardown_remove_failed", "container_id", containerID, "error", err)
	}
}

func containerName(labID, instanceID string) string {
	short := instanceID
	if len(short) > 8 {
		short = short[:8]
	}
	return "lab-" + labID + "-" + short
}
