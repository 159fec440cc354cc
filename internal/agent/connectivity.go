package agent

import (
	"context"
	"sync"
	"time"

	"github.com/msageha/fieldagent/internal/events"
)

type ConnState string

const (
	ConnChecking ConnState = "checking"
	ConnOnline   ConnState = "online"
	ConnOffline  ConnState = "offline"
)

// HealthProber is the backend reachability check.
type HealthProber interface {
	Health(ctx context.Context) error
}

// Connectivity tracks backend reachability and publishes transitions on the bus.
// Only edges are published; repeated probes in the same state are silent.
type Connectivity struct {
	prober   HealthProber
	bus      *events.Bus
	interval time.Duration
	timeout  time.Duration
	logger   *Logger

	mu        sync.Mutex
	state     ConnState
	changedAt time.Time
	lastErr   string
}

func NewConnectivity(prober HealthProber, bus *events.Bus, interval, timeout time.Duration, logger *Logger) *Connectivity {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Connectivity{
		prober:    prober,
		bus:       bus,
		interval:  interval,
		timeout:   timeout,
		logger:    logger.With("connectivity"),
		state:     ConnChecking,
		changedAt: time.Now(),
	}
}

func (c *Connectivity) State() ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Connectivity) Online() bool {
	return c.State() == ConnOnline
}

// Check probes once and returns the resulting state.
func (c *Connectivity) Check(ctx context.Context) ConnState {
	pctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	err := c.prober.Health(pctx)
	if ctx.Err() != nil {
		return c.State()
	}
	if err != nil {
		c.set(ConnOffline, err.Error())
	} else {
		c.set(ConnOnline, "")
	}
	return c.State()
}

// MarkOffline records a transport failure observed outside the probe loop.
func (c *Connectivity) MarkOffline(reason string) {
	c.set(ConnOffline, reason)
}

// Run probes immediately and then every interval until ctx is done.
func (c *Connectivity) Run(ctx context.Context) {
	c.Check(ctx)
	t := time.NewTicker(c.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			c.Check(ctx)
		}
	}
}

type ConnectivityStatus struct {
	State     ConnState `json:"state"`
	ChangedAt time.Time `json:"changed_at"`
	LastError string    `json:"last_error,omitempty"`
}

func (c *Connectivity) Status() ConnectivityStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	return ConnectivityStatus{State: c.state, ChangedAt: c.changedAt, LastError: c.lastErr}
}

func (c *Connectivity) set(next ConnState, reason string) {
	c.mu.Lock()
	prev := c.state
	c.lastErr = reason
	if prev == next {
		c.mu.Unlock()
		return
	}
	c.state = next
	c.changedAt = time.Now()
	c.mu.Unlock()

	switch next {
	case ConnOnline:
		c.logger.Log(LogLevelInfo, "connectivity_restored previous=%s", prev)
		c.bus.Publish(events.EventConnectivityRestored, map[string]any{"previous": string(prev)})
	case ConnOffline:
		c.logger.Log(LogLevelWarn, "connectivity_lost previous=%s reason=%q", prev, reason)
		c.bus.Publish(events.EventConnectivityLost, map[string]any{"previous": string(prev), "reason": reason})
	}
}
