// Command aide runs the assistant server and talks to a running instance.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version information (set via ldflags)
var Version = "dev"

var (
	configFile string
	serverAddr string
)

var rootCmd = &cobra.Command{
	Use:           "aide",
	Short:         "A personal assistant built from scheduled and conversational agents",
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", getEnv("AIDE_CONFIG", ""), "configuration file")
	rootCmd.PersistentFlags().StringVar(&serverAddr, "server", getEnv("AIDE_SERVER", "http://localhost:8080"), "address of a running aide server")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
