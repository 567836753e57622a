// Package fly is a thin client for the Fly Machines REST API. It carries no
// retry policy: retry semantics differ between "machine does not exist yet"
// and "machine is booting", so callers own them.
package fly

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const defaultBaseURL = "https://api.machines.dev/v1"

const (
	// DefaultWaitTimeout bounds WaitForState polling.
	DefaultWaitTimeout = 60 * time.Second
	// DefaultPollInterval is the delay between WaitForState polls.
	DefaultPollInterval = time.Second
)

// Machine states reported by the control plane.
const (
	StateStarted   = "started"
	StateStarting  = "starting"
	StateStopping  = "stopping"
	StateStopped   = "stopped"
	StateDestroyed = "destroyed"
)

// Machine is the control-plane view of one VM.
type Machine struct {
	ID         string        `json:"id"`
	Name       string        `json:"name"`
	State      string        `json:"state"`
	Region     string        `json:"region"`
	InstanceID string        `json:"instance_id"`
	PrivateIP  string        `json:"private_ip"`
	Config     MachineConfig `json:"config"`
	CreatedAt  string        `json:"created_at"`
	UpdatedAt  string        `json:"updated_at"`
}

// MachineConfig describes the VM to provision.
type MachineConfig struct {
	Image       string            `json:"image"`
	Env         map[string]string `json:"env,omitempty"`
	AutoDestroy bool              `json:"auto_destroy,omitempty"`
	Restart     *RestartPolicy    `json:"restart,omitempty"`
	Services    []Service         `json:"services,omitempty"`
	Guest       *Guest            `json:"guest,omitempty"`
}

type RestartPolicy struct {
	Policy string `json:"policy"`
}

type Service struct {
	Ports              []Port `json:"ports"`
	Protocol           string `json:"protocol"`
	InternalPort       int    `json:"internal_port"`
	Autostart          bool   `json:"autostart,omitempty"`
	Autostop           bool   `json:"autostop,omitempty"`
	MinMachinesRunning int    `json:"min_machines_running"`
}

type Port struct {
	Port     int      `json:"port"`
	Handlers []string `json:"handlers"`
}

type Guest struct {
	CPUKind  string `json:"cpu_kind"`
	CPUs     int    `json:"cpus"`
	MemoryMB int    `json:"memory_mb"`
}

// CreateMachineRequest creates a named machine in a region.
type CreateMachineRequest struct {
	Name   string        `json:"name,omitempty"`
	Region string        `json:"region,omitempty"`
	Config MachineConfig `json:"config"`
}

// APIError is returned for any non-2xx control-plane response.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("fly api error: %d - %s", e.StatusCode, e.Body)
}

// IsAlreadyExists reports whether err is a machine name conflict. The status
// code check is primary; the body marker match is a compatibility shim for
// provider responses that use 422 for conflicts.
func IsAlreadyExists(err error) bool {
	apiErr, ok := err.(*APIError)
	if !ok {
		return false
	}
	if apiErr.StatusCode == http.StatusConflict {
		return true
	}
	return strings.Contains(apiErr.Body, "already_exists")
}

// TimeoutError is returned when WaitForState exhausts its window.
type TimeoutError struct {
	MachineID   string
	TargetState string
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("timeout waiting for machine %s to reach state %s", e.MachineID, e.TargetState)
}

// Client calls the machine control plane for one app.
type Client struct {
	baseURL    string
	token      string
	appName    string
	httpClient *http.Client

	// WaitTimeout and PollInterval govern WaitForState; overridable in tests.
	WaitTimeout  time.Duration
	PollInterval time.Duration
}

// NewClient constructs a control-plane client scoped to appName.
func NewClient(token, appName string) (*Client, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, fmt.Errorf("fly api token required")
	}
	appName = strings.TrimSpace(appName)
	if appName == "" {
		return nil, fmt.Errorf("fly app name required")
	}
	return &Client{
		baseURL:      defaultBaseURL,
		token:        token,
		appName:      appName,
		httpClient:   &http.Client{Timeout: 30 * time.Second},
		WaitTimeout:  DefaultWaitTimeout,
		PollInterval: DefaultPollInterval,
	}, nil
}

// SetBaseURL overrides the API endpoint (tests).
func (c *Client) SetBaseURL(baseURL string) {
	c.baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
}

func (c *Client) Create(ctx context.Context, req CreateMachineRequest) (Machine, error) {
	var machine Machine
	err := c.do(ctx, http.MethodPost, "/machines", req, &machine)
	return machine, err
}

func (c *Client) Get(ctx context.Context, machineID string) (Machine, error) {
	var machine Machine
	err := c.do(ctx, http.MethodGet, "/machines/"+machineID, nil, &machine)
	return machine, err
}

func (c *Client) Start(ctx context.Context, machineID string) error {
	return c.do(ctx, http.MethodPost, "/machines/"+machineID+"/start", nil, nil)
}

func (c *Client) Stop(ctx context.Context, machineID string) error {
	return c.do(ctx, http.MethodPost, "/machines/"+machineID+"/stop", nil, nil)
}

func (c *Client) Delete(ctx context.Context, machineID string) error {
	return c.do(ctx, http.MethodDelete, "/machines/"+machineID+"?force=true", nil, nil)
}

func (c *Client) List(ctx context.Context) ([]Machine, error) {
	var machines []Machine
	err := c.do(ctx, http.MethodGet, "/machines", nil, &machines)
	return machines, err
}

// WaitForState polls Get until the machine reaches targetState or the wait
// window elapses.
func (c *Client) WaitForState(ctx context.Context, machineID, targetState string) (Machine, error) {
	timeout := c.WaitTimeout
	if timeout <= 0 {
		timeout = DefaultWaitTimeout
	}
	interval := c.PollInterval
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		machine, err := c.Get(ctx, machineID)
		if err != nil {
			return Machine{}, err
		}
		if machine.State == targetState {
			return machine, nil
		}
		select {
		case <-ctx.Done():
			return Machine{}, ctx.Err()
		case <-time.After(interval):
		}
	}
	return Machine{}, &TimeoutError{MachineID: machineID, TargetState: targetState}
}

func (c *Client) do(ctx context.Context, method, path string, body any, out any) error {
	url := fmt.Sprintf("%s/apps/%s%s", c.baseURL, c.appName, path)
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("fly request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("fly response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &APIError{StatusCode: resp.StatusCode, Body: string(data)}
	}
	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("fly decode: %w", err)
	}
	return nil
}
