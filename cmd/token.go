package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"depanne-service/pkg/jwt"
)

var (
	tokenID   string
	tokenRole string
	tokenTTL  time.Duration
)

// tokenCmd issues bearer tokens for local development; production tokens
// come from the identity provider.
var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Issue a development bearer token",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		v, err := jwt.New(cfg.JWTSecret)
		if err != nil {
			return err
		}
		role := jwt.Role(tokenRole)
		switch role {
		case jwt.RoleClient, jwt.RoleTechnician, jwt.RoleAdmin:
		default:
			return fmt.Errorf("unknown role %q", tokenRole)
		}
		token, err := v.Generate(jwt.Principal{ID: tokenID, Role: role}, tokenTTL)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), token)
		return nil
	},
}

func init() {
	tokenCmd.Flags().StringVar(&tokenID, "id", "", "principal id")
	tokenCmd.Flags().StringVar(&tokenRole, "role", string(jwt.RoleClient), "client, technician or admin")
	tokenCmd.Flags().DurationVar(&tokenTTL, "ttl", 24*time.Hour, "token lifetime")
	tokenCmd.MarkFlagRequired("id")
}
