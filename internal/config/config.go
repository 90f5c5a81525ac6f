package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"github.com/google/uuid"
	"github.com/rezkam/backlog/internal/env"
)

// prefixPattern constrains the namespace prefix to a plain identifier so it
// can be embedded in channel names.
var prefixPattern = regexp.MustCompile(`^[a-zA-Z0-9_]+$`)

// Instance holds the configuration of one named supervisor tree. Multiple
// instances may share a database as long as their names differ.
type Instance struct {
	// Name scopes leader election and process registration.
	Name string `env:"BACKLOG_NAME" default:"backlog"`

	// Node identifies this process across the cluster. Defaults to the
	// hostname plus a random suffix so two processes on one host stay
	// distinguishable.
	Node string `env:"BACKLOG_NODE"`

	// Prefix namespaces notification channels as "{prefix}.{channel}".
	Prefix string `env:"BACKLOG_PREFIX" default:"backlog"`

	Database Database

	Observability Observability

	// StageInterval is the cadence of the scheduled-to-available promotion.
	// Zero disables staging entirely.
	StageInterval time.Duration `env:"BACKLOG_STAGE_INTERVAL" default:"1s"`

	// StageLimit bounds rows promoted per staging tick to keep the
	// transaction short.
	StageLimit int `env:"BACKLOG_STAGE_LIMIT" default:"5000"`

	// LeaderInterval is the cadence of leader election. The current leader
	// re-contends at half this interval so leadership is sticky.
	LeaderInterval time.Duration `env:"BACKLOG_LEADER_INTERVAL" default:"30s"`

	// SonarInterval is the cadence of cluster heartbeats. Entries older than
	// SonarStaleMult intervals are pruned.
	SonarInterval  time.Duration `env:"BACKLOG_SONAR_INTERVAL" default:"15s"`
	SonarStaleMult int           `env:"BACKLOG_SONAR_STALE_MULT" default:"2"`

	// DispatchCooldown is the minimum spacing between claim attempts of a
	// single producer.
	DispatchCooldown time.Duration `env:"BACKLOG_DISPATCH_COOLDOWN" default:"25ms"`

	// ShutdownGracePeriod bounds how long a draining queue waits for running
	// jobs before abandoning them in the executing state.
	ShutdownGracePeriod time.Duration `env:"BACKLOG_SHUTDOWN_GRACE_PERIOD" default:"15s"`

	// Queues started on boot. Loaded from BACKLOG_QUEUES as
	// "name:limit,name:limit" or from a YAML file via LoadQueuesFile.
	Queues []Queue
}

// Load builds an Instance from environment variables.
func Load() (*Instance, error) {
	cfg := &Instance{}
	if err := env.Load(cfg); err != nil {
		return nil, fmt.Errorf("failed to load instance config: %w", err)
	}

	var raw struct {
		Queues []string `env:"BACKLOG_QUEUES"`
	}
	if err := env.Load(&raw); err != nil {
		return nil, fmt.Errorf("failed to load queue config: %w", err)
	}
	for _, spec := range raw.Queues {
		q, err := ParseQueueSpec(spec)
		if err != nil {
			return nil, err
		}
		cfg.Queues = append(cfg.Queues, q)
	}

	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyDefaults fills fields that cannot be expressed as static defaults.
func (c *Instance) ApplyDefaults() {
	if c.Node == "" {
		c.Node = DefaultNode()
	}
}

// Validate checks the instance configuration invariants.
func (c *Instance) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("instance name must not be empty")
	}
	if c.Node == "" {
		return fmt.Errorf("node identifier must not be empty")
	}
	if !prefixPattern.MatchString(c.Prefix) {
		return fmt.Errorf("prefix %q must be alphanumeric", c.Prefix)
	}
	if c.StageInterval < 0 {
		return fmt.Errorf("stage interval must not be negative")
	}
	if c.StageLimit <= 0 {
		return fmt.Errorf("stage limit must be positive")
	}
	if c.SonarStaleMult < 1 {
		return fmt.Errorf("sonar stale multiplier must be at least 1")
	}
	for i := range c.Queues {
		if err := c.Queues[i].Validate(); err != nil {
			return err
		}
	}
	return nil
}

// Ident is the scope identity used for targeted notifications.
func (c *Instance) Ident() string {
	return c.Name + "." + c.Node
}

// DefaultNode derives a node identifier from the hostname plus a short
// random suffix.
func DefaultNode() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "backlog"
	}
	return host + "-" + uuid.NewString()[:8]
}
