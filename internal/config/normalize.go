package config

import (
	"fmt"
	"os"
	"strings"
)

func (c *Config) normalize() error {
	if err := c.normalizePaths(); err != nil {
		return err
	}
	if err := c.normalizeAgent(); err != nil {
		return err
	}
	c.normalizeImport()
	c.normalizeNotifications()
	c.normalizeLogging()
	if c.Events.Capacity <= 0 {
		c.Events.Capacity = defaultEventsCapacity
	}
	return nil
}

func (c *Config) normalizePaths() error {
	var err error
	if c.Paths.DataDir, err = expandPath(c.Paths.DataDir); err != nil {
		return fmt.Errorf("paths.data_dir: %w", err)
	}
	if c.Paths.LogDir, err = expandPath(c.Paths.LogDir); err != nil {
		return fmt.Errorf("paths.log_dir: %w", err)
	}
	if strings.TrimSpace(c.Paths.RuntimeDir) == "" {
		c.Paths.RuntimeDir = defaultRuntimeDir()
	}
	if c.Paths.RuntimeDir, err = expandPath(c.Paths.RuntimeDir); err != nil {
		return fmt.Errorf("paths.runtime_dir: %w", err)
	}
	c.Paths.APIBind = strings.TrimSpace(c.Paths.APIBind)
	if c.Paths.APIBind == "" {
		c.Paths.APIBind = defaultAPIBind
	}
	if value, ok := os.LookupEnv("HARVEST_API_TOKEN"); ok && strings.TrimSpace(value) != "" {
		c.Paths.APIToken = value
	}
	c.Paths.APIToken = strings.TrimSpace(c.Paths.APIToken)
	return nil
}

func (c *Config) normalizeAgent() error {
	if value, ok := os.LookupEnv("HARVEST_AGENT_COMMAND"); ok && strings.TrimSpace(value) != "" {
		c.Agent.Command = strings.TrimSpace(value)
	}
	c.Agent.Command = strings.TrimSpace(c.Agent.Command)
	if c.Agent.Command == "" {
		c.Agent.Command = defaultAgentCommand
	}
	c.Agent.Script = strings.TrimSpace(c.Agent.Script)
	if c.Agent.Script != "" {
		var err error
		if c.Agent.Script, err = expandPath(c.Agent.Script); err != nil {
			return fmt.Errorf("agent.script: %w", err)
		}
	}
	if c.Agent.ReadyPollIntervalMS <= 0 {
		c.Agent.ReadyPollIntervalMS = defaultReadyPollIntervalMS
	}
	if c.Agent.CloseTimeout <= 0 {
		c.Agent.CloseTimeout = defaultCloseTimeout
	}
	return nil
}

func (c *Config) normalizeImport() {
	seeds := make([]SeedTarget, 0, len(c.Import.SeedTargets))
	seen := make(map[string]struct{}, len(c.Import.SeedTargets))
	for _, seed := range c.Import.SeedTargets {
		seed.Label = strings.TrimSpace(seed.Label)
		seed.Target = strings.TrimSpace(seed.Target)
		if seed.Target == "" && seed.Label == "" {
			continue
		}
		if _, dup := seen[seed.Target]; dup && seed.Target != "" {
			continue
		}
		seen[seed.Target] = struct{}{}
		if seed.Label == "" {
			seed.Label = seed.Target
		}
		seeds = append(seeds, seed)
	}
	c.Import.SeedTargets = seeds
}

func (c *Config) normalizeNotifications() {
	c.Notifications.NtfyTopic = strings.TrimSpace(c.Notifications.NtfyTopic)
	if c.Notifications.NtfyTopic == "" {
		if value, ok := os.LookupEnv("HARVEST_NTFY_TOPIC"); ok {
			c.Notifications.NtfyTopic = strings.TrimSpace(value)
		}
	}
	if c.Notifications.OriginatorTimeout <= 0 {
		c.Notifications.OriginatorTimeout = defaultOriginatorTimeout
	}
}

func (c *Config) normalizeLogging() {
	c.Logging.Format = strings.ToLower(strings.TrimSpace(c.Logging.Format))
	switch c.Logging.Format {
	case "", "console":
		c.Logging.Format = "console"
	case "json":
	default:
		c.Logging.Format = "console"
	}
	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
	if c.Logging.Level == "" {
		c.Logging.Level = defaultLogLevel
	}
}
