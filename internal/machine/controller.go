// Package machine owns the per-user machine state machine
// (stopped/starting/running/stopping/error) and reconciles the local record
// against the control plane on every read.
package machine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"pocketclaw/internal/util"
	"pocketclaw/pkg/domain"
	"pocketclaw/pkg/fly"
	"pocketclaw/pkg/store"
)

// ControlPlane is the slice of the fly client the controller uses; faked in
// tests.
type ControlPlane interface {
	Create(ctx context.Context, req fly.CreateMachineRequest) (fly.Machine, error)
	Get(ctx context.Context, machineID string) (fly.Machine, error)
	Start(ctx context.Context, machineID string) error
	Stop(ctx context.Context, machineID string) error
	Delete(ctx context.Context, machineID string) error
	List(ctx context.Context) ([]fly.Machine, error)
	WaitForState(ctx context.Context, machineID, targetState string) (fly.Machine, error)
}

// Config wires the controller's dependencies.
type Config struct {
	Store      store.Store
	Fly        ControlPlane
	Image      string
	BackendURL string
}

// Status is the reconciled machine view returned to callers.
type Status struct {
	Status          domain.MachineStatus `json:"status"`
	RemoteMachineID string               `json:"remoteMachineId,omitempty"`
	PrivateAddress  string               `json:"privateAddress,omitempty"`
}

// Controller drives machine lifecycle transitions. Lifecycle operations for
// the same user are serialized with a per-user mutex; reconciliation alone is
// safe to run concurrently.
type Controller struct {
	store      store.Store
	fly        ControlPlane
	image      string
	backendURL string

	mu    sync.Mutex
	users map[string]*sync.Mutex
}

// NewController constructs the lifecycle controller.
func NewController(cfg Config) (*Controller, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("store required")
	}
	if cfg.Fly == nil {
		return nil, fmt.Errorf("control plane client required")
	}
	if cfg.Image == "" {
		return nil, fmt.Errorf("machine image required")
	}
	return &Controller{
		store:      cfg.Store,
		fly:        cfg.Fly,
		image:      cfg.Image,
		backendURL: cfg.BackendURL,
		users:      make(map[string]*sync.Mutex),
	}, nil
}

func (c *Controller) userLock(userID string) *sync.Mutex {
	c.mu.Lock()
	defer c.mu.Unlock()
	lock, ok := c.users[userID]
	if !ok {
		lock = &sync.Mutex{}
		c.users[userID] = lock
	}
	return lock
}

// Ensure loads (or lazily creates) the machine record and reconciles it
// against the control plane. This is a read with a self-healing side effect:
// a remote machine that was destroyed, or one the control plane no longer
// answers for, resets the record to stopped with no remote id. Fetch failures
// are absorbed here, never surfaced.
func (c *Controller) Ensure(ctx context.Context, userID string) (domain.MachineRecord, *fly.Machine, error) {
	record, ok, err := c.store.GetMachine(userID)
	if err != nil {
		return domain.MachineRecord{}, nil, fmt.Errorf("load machine record: %w", err)
	}
	if !ok {
		now := time.Now().UTC()
		record = domain.MachineRecord{
			ID:        util.NewID(),
			UserID:    userID,
			Status:    domain.MachineStopped,
			CreatedAt: now,
			UpdatedAt: now,
		}
		if err := c.store.SaveMachine(record); err != nil {
			return domain.MachineRecord{}, nil, fmt.Errorf("create machine record: %w", err)
		}
	}
	if record.RemoteMachineID == "" {
		// Stuck-state correction: a non-stopped status with no remote
		// machine cannot make progress.
		if record.Status != domain.MachineStopped {
			record.Status = domain.MachineStopped
			record.UpdatedAt = time.Now().UTC()
			if err := c.store.SaveMachine(record); err != nil {
				return domain.MachineRecord{}, nil, fmt.Errorf("reset machine record: %w", err)
			}
		}
		return record, nil, nil
	}

	remote, err := c.fly.Get(ctx, record.RemoteMachineID)
	if err != nil {
		slog.Warn("machine lookup failed, resetting record",
			"user_id", userID, "machine_id", record.RemoteMachineID, "err", err)
		return c.resetRecord(record)
	}
	if remote.State == fly.StateDestroyed {
		return c.resetRecord(record)
	}

	status := mapRemoteState(remote.State)
	if status != record.Status {
		record.Status = status
		record.UpdatedAt = time.Now().UTC()
		if err := c.store.SaveMachine(record); err != nil {
			return domain.MachineRecord{}, nil, fmt.Errorf("sync machine status: %w", err)
		}
	}
	return record, &remote, nil
}

func (c *Controller) resetRecord(record domain.MachineRecord) (domain.MachineRecord, *fly.Machine, error) {
	record.RemoteMachineID = ""
	record.Status = domain.MachineStopped
	record.UpdatedAt = time.Now().UTC()
	if err := c.store.SaveMachine(record); err != nil {
		return domain.MachineRecord{}, nil, fmt.Errorf("reset machine record: %w", err)
	}
	return record, nil, nil
}

// Start guarantees a running machine for the user, creating one when needed.
// Idempotent: an already-running machine returns immediately.
func (c *Controller) Start(ctx context.Context, userID string) (domain.MachineRecord, fly.Machine, error) {
	lock := c.userLock(userID)
	lock.Lock()
	defer lock.Unlock()
	return c.start(ctx, userID)
}

func (c *Controller) start(ctx context.Context, userID string) (domain.MachineRecord, fly.Machine, error) {
	record, remote, err := c.Ensure(ctx, userID)
	if err != nil {
		return domain.MachineRecord{}, fly.Machine{}, err
	}
	if remote != nil && remote.State == fly.StateStarted {
		return record, *remote, nil
	}

	record.Status = domain.MachineStarting
	record.UpdatedAt = time.Now().UTC()
	if err := c.store.SaveMachine(record); err != nil {
		return domain.MachineRecord{}, fly.Machine{}, fmt.Errorf("mark machine starting: %w", err)
	}

	var result fly.Machine
	if remote != nil {
		result, err = c.startExisting(ctx, remote.ID)
	} else {
		result, err = c.createAndStart(ctx, userID)
	}
	if err != nil {
		record.Status = domain.MachineError
		record.UpdatedAt = time.Now().UTC()
		if saveErr := c.store.SaveMachine(record); saveErr != nil {
			slog.Error("failed to persist machine error state", "user_id", userID, "err", saveErr)
		}
		return domain.MachineRecord{}, fly.Machine{}, err
	}

	record.RemoteMachineID = result.ID
	record.Status = domain.MachineRunning
	record.Version = c.image
	record.UpdatedAt = time.Now().UTC()
	if err := c.store.SaveMachine(record); err != nil {
		return domain.MachineRecord{}, fly.Machine{}, fmt.Errorf("persist running machine: %w", err)
	}
	return record, result, nil
}

func (c *Controller) startExisting(ctx context.Context, machineID string) (fly.Machine, error) {
	if err := c.fly.Start(ctx, machineID); err != nil {
		return fly.Machine{}, fmt.Errorf("start machine %s: %w", machineID, err)
	}
	machine, err := c.fly.WaitForState(ctx, machineID, fly.StateStarted)
	if err != nil {
		return fly.Machine{}, fmt.Errorf("wait for machine %s: %w", machineID, err)
	}
	return machine, nil
}

func (c *Controller) createAndStart(ctx context.Context, userID string) (fly.Machine, error) {
	name := MachineName(userID)
	created, err := c.fly.Create(ctx, fly.CreateMachineRequest{
		Name:   name,
		Config: c.machineConfig(userID),
	})
	if err != nil {
		if !fly.IsAlreadyExists(err) {
			return fly.Machine{}, fmt.Errorf("create machine: %w", err)
		}
		// A previous create succeeded but its result was lost. Adopt the
		// machine that already carries this user's name.
		adopted, adoptErr := c.adoptByName(ctx, name)
		if adoptErr != nil {
			return fly.Machine{}, adoptErr
		}
		return adopted, nil
	}
	machine, err := c.fly.WaitForState(ctx, created.ID, fly.StateStarted)
	if err != nil {
		return fly.Machine{}, fmt.Errorf("wait for machine %s: %w", created.ID, err)
	}
	return machine, nil
}

func (c *Controller) adoptByName(ctx context.Context, name string) (fly.Machine, error) {
	machines, err := c.fly.List(ctx)
	if err != nil {
		return fly.Machine{}, fmt.Errorf("list machines: %w", err)
	}
	for _, machine := range machines {
		if machine.Name != name {
			continue
		}
		if machine.State == fly.StateStarted {
			return machine, nil
		}
		return c.startExisting(ctx, machine.ID)
	}
	return fly.Machine{}, fmt.Errorf("machine name %s conflicted but no machine found", name)
}

// Stop brings the user's machine to stopped. No-op when nothing is running.
func (c *Controller) Stop(ctx context.Context, userID string) error {
	lock := c.userLock(userID)
	lock.Lock()
	defer lock.Unlock()
	return c.stop(ctx, userID)
}

func (c *Controller) stop(ctx context.Context, userID string) error {
	record, remote, err := c.Ensure(ctx, userID)
	if err != nil {
		return err
	}
	if remote == nil || remote.State == fly.StateStopped {
		return nil
	}

	record.Status = domain.MachineStopping
	record.UpdatedAt = time.Now().UTC()
	if err := c.store.SaveMachine(record); err != nil {
		return fmt.Errorf("mark machine stopping: %w", err)
	}
	if err := c.fly.Stop(ctx, remote.ID); err != nil {
		return fmt.Errorf("stop machine %s: %w", remote.ID, err)
	}
	if _, err := c.fly.WaitForState(ctx, remote.ID, fly.StateStopped); err != nil {
		return fmt.Errorf("wait for machine %s: %w", remote.ID, err)
	}

	record.Status = domain.MachineStopped
	record.UpdatedAt = time.Now().UTC()
	if err := c.store.SaveMachine(record); err != nil {
		return fmt.Errorf("persist stopped machine: %w", err)
	}
	return nil
}

// Status returns the reconciled view. The reconciliation side effect of
// Ensure applies.
func (c *Controller) Status(ctx context.Context, userID string) (Status, error) {
	record, remote, err := c.Ensure(ctx, userID)
	if err != nil {
		return Status{}, err
	}
	status := Status{
		Status:          record.Status,
		RemoteMachineID: record.RemoteMachineID,
	}
	if remote != nil {
		status.PrivateAddress = remote.PrivateIP
	}
	return status, nil
}

// Upgrade stops and deletes the user's machine so the next Start provisions a
// fresh one from the current image.
func (c *Controller) Upgrade(ctx context.Context, userID string) error {
	lock := c.userLock(userID)
	lock.Lock()
	defer lock.Unlock()

	if err := c.stop(ctx, userID); err != nil {
		return err
	}
	record, remote, err := c.Ensure(ctx, userID)
	if err != nil {
		return err
	}
	if remote == nil {
		return nil
	}
	if err := c.fly.Delete(ctx, remote.ID); err != nil {
		return fmt.Errorf("delete machine %s: %w", remote.ID, err)
	}
	record.RemoteMachineID = ""
	record.UpdatedAt = time.Now().UTC()
	if err := c.store.SaveMachine(record); err != nil {
		return fmt.Errorf("clear machine id: %w", err)
	}
	return nil
}

// MachineName derives the deterministic per-user machine name.
func MachineName(userID string) string {
	short := userID
	if len(short) > 8 {
		short = short[:8]
	}
	return "agent-" + short
}

func (c *Controller) machineConfig(userID string) fly.MachineConfig {
	return fly.MachineConfig{
		Image: c.image,
		Env: map[string]string{
			"USER_ID":     userID,
			"BACKEND_URL": c.backendURL,
		},
		AutoDestroy: false,
		Restart:     &fly.RestartPolicy{Policy: "no"},
		Services: []fly.Service{
			{
				Ports:        []fly.Port{{Port: 443, Handlers: []string{"tls", "http"}}},
				Protocol:     "tcp",
				InternalPort: 8080,
				Autostart:    true,
				Autostop:     true,
			},
		},
		Guest: &fly.Guest{
			CPUKind:  "shared",
			CPUs:     1,
			MemoryMB: 256,
		},
	}
}

func mapRemoteState(state string) domain.MachineStatus {
	switch state {
	case fly.StateStarted:
		return domain.MachineRunning
	case fly.StateStarting:
		return domain.MachineStarting
	case fly.StateStopping:
		return domain.MachineStopping
	case fly.StateStopped, fly.StateDestroyed:
		return domain.MachineStopped
	default:
		return domain.MachineError
	}
}
