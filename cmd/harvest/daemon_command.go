package main

import (
	"github.com/spf13/cobra"

	"harvest/internal/daemonrun"
)

func newDaemonCommand(ctx *commandContext) *cobra.Command {
	var logLevel string
	var agentLogLevel string
	cmd := &cobra.Command{
		Use:   "daemon",
		Short: "Run the harvest daemon in the foreground",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			return daemonrun.Run(cmd.Context(), cfg, daemonrun.Options{
				LogLevel:      logLevel,
				AgentLogLevel: agentLogLevel,
			})
		},
	}
	cmd.Flags().StringVar(&logLevel, "log-level", "", "Override logging.level")
	cmd.Flags().StringVar(&agentLogLevel, "agent-log-level", "", "Minimum level forwarded from agent output")
	return cmd
}
