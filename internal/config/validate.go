package config

import (
	"errors"
	"fmt"
	"strings"
)

// Validate ensures the configuration is usable.
func (c *Config) Validate() error {
	if err := c.validatePaths(); err != nil {
		return err
	}
	if err := c.validateScheduler(); err != nil {
		return err
	}
	if err := c.validateVariants(); err != nil {
		return err
	}
	if err := c.validatePeriodic(); err != nil {
		return err
	}
	return nil
}

func (c *Config) validatePaths() error {
	if strings.TrimSpace(c.Paths.DataDir) == "" {
		return errors.New("paths.data_dir must be set")
	}
	if strings.TrimSpace(c.Paths.LogDir) == "" {
		return errors.New("paths.log_dir must be set")
	}
	return nil
}

func (c *Config) validateScheduler() error {
	if c.Scheduler.MaxConcurrentTraining < 1 {
		return errors.New("scheduler.max_concurrent_training must be at least 1")
	}
	if c.Scheduler.TrainingCooldownMS < 0 {
		return errors.New("scheduler.training_cooldown_ms must be non-negative")
	}
	if c.Scheduler.ManualPriority < 1 || c.Scheduler.ManualPriority > 7 {
		return fmt.Errorf("scheduler.manual_priority must be within 1-7, got %d", c.Scheduler.ManualPriority)
	}
	if c.Scheduler.PeriodicPriority < 8 || c.Scheduler.PeriodicPriority > 10 {
		return fmt.Errorf("scheduler.periodic_priority must be within 8-10, got %d", c.Scheduler.PeriodicPriority)
	}
	return nil
}

func (c *Config) validateVariants() error {
	seen := make(map[string]struct{}, len(c.Variants))
	for i, v := range c.Variants {
		if v.Name == "" {
			return fmt.Errorf("variants[%d].name must be set", i)
		}
		if strings.ContainsAny(v.Name, "_/\\ ") {
			return fmt.Errorf("variants[%d].name %q must not contain underscores, slashes, or spaces", i, v.Name)
		}
		if _, dup := seen[v.Name]; dup {
			return fmt.Errorf("variants[%d].name %q is defined more than once", i, v.Name)
		}
		seen[v.Name] = struct{}{}
		if v.Command == "" {
			return fmt.Errorf("variants[%d].command must be set for variant %q", i, v.Name)
		}
		if v.Features < 0 {
			return fmt.Errorf("variants[%d].features must be non-negative", i)
		}
	}
	return nil
}

func (c *Config) validatePeriodic() error {
	if !c.Periodic.Enabled {
		return nil
	}
	if len(c.Periodic.Subjects) == 0 {
		return errors.New("periodic.subjects must list at least one subject when periodic.enabled = true")
	}
	variants := c.Periodic.Variants
	if len(variants) == 0 && len(c.Variants) == 0 {
		return errors.New("periodic training requires at least one [[variants]] entry")
	}
	for _, name := range variants {
		if _, ok := c.Variant(name); !ok {
			return fmt.Errorf("periodic.variants references unknown variant %q", name)
		}
	}
	return nil
}
