package main

import (
	"log"

	"github.com/spf13/cobra"

	"depanne-service/migrations"
	"depanne-service/pkg/db"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply the embedded SQL migrations and exit",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		database, err := db.Connect(cmd.Context(), cfg.DatabaseURL)
		if err != nil {
			return err
		}
		defer database.Close()

		if err := database.RunMigrations(cmd.Context(), migrations.FS); err != nil {
			return err
		}
		log.Println("migrations applied")
		return nil
	},
}
