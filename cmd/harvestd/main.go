// Command harvestd runs the harvest daemon with the default configuration.
// Use HARVEST_CONFIG to point it at another file.
package main

import (
	"context"
	"log"
	"os"

	"harvest/internal/config"
	"harvest/internal/daemonrun"
)

func main() {
	cfg, _, _, err := config.Load(os.Getenv("HARVEST_CONFIG"))
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	if err := daemonrun.Run(context.Background(), cfg, daemonrun.Options{
		LogLevel:      os.Getenv("HARVEST_LOG_LEVEL"),
		AgentLogLevel: os.Getenv("HARVEST_AGENT_LOG_LEVEL"),
	}); err != nil {
		log.Fatalf("harvestd: %v", err)
	}
}
