package config

const (
	defaultConfigPath          = "~/.config/harvest/config.toml"
	defaultDataDir             = "~/.local/share/harvest"
	defaultLogDir              = "~/.local/share/harvest/logs"
	defaultStateRuntimeDir     = "~/.local/state/harvest"
	defaultAPIBind             = "127.0.0.1:7491"
	defaultAgentCommand        = "harvest-agent"
	defaultReadyTimeout        = 30
	defaultReadyPollIntervalMS = 500
	defaultResponseTimeout     = 300
	defaultCloseTimeout        = 5
	defaultRequestTimeout      = 10
	defaultOriginatorTimeout   = 15
	defaultLogFormat           = "console"
	defaultLogLevel            = "info"
	defaultEventsCapacity      = 512
)

// Default returns a Config populated with repository defaults.
func Default() Config {
	return Config{
		Paths: Paths{
			DataDir:    defaultDataDir,
			LogDir:     defaultLogDir,
			RuntimeDir: defaultRuntimeDir(),
			APIBind:    defaultAPIBind,
		},
		Agent: Agent{
			Command:             defaultAgentCommand,
			ReadyTimeout:        defaultReadyTimeout,
			ReadyPollIntervalMS: defaultReadyPollIntervalMS,
			ResponseTimeout:     defaultResponseTimeout,
			CloseTimeout:        defaultCloseTimeout,
		},
		Notifications: Notifications{
			RequestTimeout:    defaultRequestTimeout,
			OriginatorTimeout: defaultOriginatorTimeout,
		},
		Logging: Logging{
			Format: defaultLogFormat,
			Level:  defaultLogLevel,
		},
		Events: Events{
			Capacity: defaultEventsCapacity,
		},
	}
}
