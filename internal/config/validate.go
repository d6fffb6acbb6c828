package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// Validate ensures the configuration is usable.
func (c *Config) Validate() error {
	if err := c.validatePaths(); err != nil {
		return err
	}
	if err := c.validateAgent(); err != nil {
		return err
	}
	if err := c.validateImport(); err != nil {
		return err
	}
	if err := c.validateNotifications(); err != nil {
		return err
	}
	return c.validateLogging()
}

func (c *Config) validatePaths() error {
	if strings.TrimSpace(c.Paths.DataDir) == "" {
		return errors.New("paths.data_dir must be set")
	}
	if strings.TrimSpace(c.Paths.RuntimeDir) == "" {
		return errors.New("paths.runtime_dir must be set")
	}
	if c.Paths.DataDir == c.Paths.RuntimeDir {
		return errors.New("paths.runtime_dir must differ from paths.data_dir")
	}
	return nil
}

func (c *Config) validateAgent() error {
	if strings.TrimSpace(c.Agent.Command) == "" {
		return errors.New("agent.command must be set (or set HARVEST_AGENT_COMMAND)")
	}
	if err := ensurePositiveMap(map[string]int{
		"agent.ready_timeout":          c.Agent.ReadyTimeout,
		"agent.ready_poll_interval_ms": c.Agent.ReadyPollIntervalMS,
		"agent.close_timeout":          c.Agent.CloseTimeout,
	}); err != nil {
		return err
	}
	if c.Agent.ResponseTimeout < 0 {
		return errors.New("agent.response_timeout must be >= 0 (0 disables)")
	}
	return nil
}

func (c *Config) validateImport() error {
	for i, seed := range c.Import.SeedTargets {
		if seed.Target == "" {
			return fmt.Errorf("import.seed_targets[%d].target must be set", i)
		}
		parsed, err := url.Parse(seed.Target)
		if err != nil || parsed.Scheme == "" || parsed.Host == "" {
			return fmt.Errorf("import.seed_targets[%d].target must be an absolute URL, got %q", i, seed.Target)
		}
	}
	return nil
}

func (c *Config) validateNotifications() error {
	return ensurePositiveMap(map[string]int{
		"notifications.request_timeout":    c.Notifications.RequestTimeout,
		"notifications.originator_timeout": c.Notifications.OriginatorTimeout,
	})
}

func (c *Config) validateLogging() error {
	switch c.Logging.Level {
	case "debug", "info", "warn", "warning", "error":
		return nil
	default:
		return fmt.Errorf("logging.level must be one of debug, info, warn, error; got %q", c.Logging.Level)
	}
}

func ensurePositiveMap(values map[string]int) error {
	for key, value := range values {
		if value <= 0 {
			return fmt.Errorf("%s must be positive", key)
		}
	}
	return nil
}
