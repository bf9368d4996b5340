package config

import (
	"errors"
	"fmt"
	"sort"

	"github.com/mtzanidakis/swarmer/internal/schedule"
)

// Validate checks engine limits and every swarm definition.
func (c *Config) Validate() error {
	if c.Defaults.MaxRetries < 0 {
		return errors.New("defaults.max_retries must not be negative")
	}
	if c.Defaults.MaxItems <= 0 {
		return errors.New("defaults.max_items must be positive")
	}
	if c.Defaults.FanIn < 2 {
		return errors.New("defaults.hierarchical_reduce_fanin must be at least 2")
	}

	names := make([]string, 0, len(c.Swarms))
	for name := range c.Swarms {
		names = append(names, name)
	}
	sort.Strings(names)

	var errs []error
	for _, name := range names {
		if err := c.validateSwarm(c.Swarms[name]); err != nil {
			errs = append(errs, fmt.Errorf("swarm %q: %w", name, err))
		}
	}
	if c.Router.DefaultSwarm != "" {
		if _, ok := c.Swarms[c.Router.DefaultSwarm]; !ok {
			errs = append(errs, fmt.Errorf("router.default_swarm %q is not defined", c.Router.DefaultSwarm))
		}
	}
	if c.Router.Classifier != "" && len(c.Workers) > 0 {
		if _, ok := c.Workers[c.Router.Classifier]; !ok {
			errs = append(errs, fmt.Errorf("router.classifier %q is not a declared worker", c.Router.Classifier))
		}
	}
	return errors.Join(errs...)
}

func (c *Config) validateSwarm(s SwarmConfig) error {
	if s.Name == "" {
		return errors.New("name is required")
	}
	if s.Agent == "" {
		return errors.New("agent is required")
	}
	if s.PromptTemplate == "" {
		return errors.New("prompt_template is required")
	}
	if s.Concurrency < 0 {
		return errors.New("concurrency must not be negative")
	}
	if s.BatchSize < 0 {
		return errors.New("batch_size must not be negative")
	}

	switch s.Input.Type {
	case "", InputLines, InputStructuredArray:
	default:
		return fmt.Errorf("unknown input type %q", s.Input.Type)
	}

	switch s.Reduce.Strategy {
	case "", ReduceConcatenate, ReduceSummarize, ReduceHierarchical:
	default:
		return fmt.Errorf("unknown reduce strategy %q", s.Reduce.Strategy)
	}

	// Workers are optional in config; when some are declared, references must match.
	if len(c.Workers) > 0 {
		if _, ok := c.Workers[s.Agent]; !ok {
			return fmt.Errorf("agent %q is not a declared worker", s.Agent)
		}
		if s.Reduce.Agent != "" {
			if _, ok := c.Workers[s.Reduce.Agent]; !ok {
				return fmt.Errorf("reduce agent %q is not a declared worker", s.Reduce.Agent)
			}
		}
	}

	if s.Schedule != "" {
		if err := schedule.Validate(s.Schedule); err != nil {
			return fmt.Errorf("invalid schedule: %w", err)
		}
		if s.Message == "" {
			return errors.New("scheduled swarm needs a message")
		}
	}

	return nil
}
