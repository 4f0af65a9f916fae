package main

import (
	"log"

	"github.com/spf13/cobra"

	"github.com/aixgo-dev/aide"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the agents, the scheduler and the HTTP control surface",
	Long: `Start aide with the agents from the configuration file.

The server will:
- Start the message processors of every agent
- Fire scheduled agents on their cron expressions
- Serve health, metrics and the control API

Press Ctrl+C to gracefully shutdown.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		log.Printf("Starting aide v%s", Version)
		if configFile != "" {
			log.Printf("Config: %s", configFile)
		}
		if err := aide.Run(configFile); err != nil {
			return err
		}
		log.Println("aide stopped")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}
