package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"depanne-service/internal/config"
)

var configFile string

func main() {
	root := &cobra.Command{
		Use:           "depanne",
		Short:         "Repair dispatch and technician subscription service",
		RunE:          runServe, // serve is the default action
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configFile, "config", "c", "", "YAML config file (environment variables override it)")
	root.AddCommand(serveCmd, migrateCmd, tokenCmd)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, error) {
	return config.Load(configFile)
}
