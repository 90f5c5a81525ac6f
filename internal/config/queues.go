package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rezkam/backlog/internal/domain"
	"gopkg.in/yaml.v3"
)

// DefaultQueueLimit applies when a queue is declared without a limit.
const DefaultQueueLimit = 10

// Queue configures one per-queue producer.
type Queue struct {
	Name string `yaml:"name"`

	// Limit bounds the number of concurrently executing jobs on this node.
	Limit int `yaml:"limit"`

	// Paused starts the producer without claiming until it is resumed.
	Paused bool `yaml:"paused"`

	// DispatchCooldown overrides the instance-wide claim spacing when set.
	DispatchCooldown time.Duration `yaml:"dispatch_cooldown"`
}

// Validate checks a single queue definition.
func (q *Queue) Validate() error {
	if q.Name == "" {
		return fmt.Errorf("queue name must not be empty")
	}
	if len(q.Name) > domain.MaxQueueLength {
		return fmt.Errorf("queue name %q exceeds %d bytes", q.Name, domain.MaxQueueLength)
	}
	if q.Limit <= 0 {
		return fmt.Errorf("queue %q: limit must be positive, got %d", q.Name, q.Limit)
	}
	if q.DispatchCooldown < 0 {
		return fmt.Errorf("queue %q: dispatch cooldown must not be negative", q.Name)
	}
	return nil
}

// ParseQueueSpec parses a "name:limit" pair from BACKLOG_QUEUES. A bare name
// gets DefaultQueueLimit.
func ParseQueueSpec(spec string) (Queue, error) {
	name, limitStr, found := strings.Cut(spec, ":")
	name = strings.TrimSpace(name)

	q := Queue{Name: name, Limit: DefaultQueueLimit}
	if found {
		limit, err := strconv.Atoi(strings.TrimSpace(limitStr))
		if err != nil {
			return Queue{}, fmt.Errorf("invalid queue spec %q: %w", spec, err)
		}
		q.Limit = limit
	}

	if err := q.Validate(); err != nil {
		return Queue{}, err
	}
	return q, nil
}

// queuesFile is the YAML shape accepted by LoadQueuesFile.
type queuesFile struct {
	Queues []Queue `yaml:"queues"`
}

// LoadQueuesFile reads queue definitions from a YAML file:
//
//	queues:
//	  - name: default
//	    limit: 10
//	  - name: mailers
//	    limit: 20
//	    paused: true
func LoadQueuesFile(path string) ([]Queue, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read queues file: %w", err)
	}

	var file queuesFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse queues file %s: %w", path, err)
	}

	for i := range file.Queues {
		if err := file.Queues[i].Validate(); err != nil {
			return nil, err
		}
	}
	return file.Queues, nil
}
