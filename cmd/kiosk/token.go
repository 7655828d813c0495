package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/saturnino-fabrica-de-software/rekko-kiosk/internal/auth"
	"github.com/saturnino-fabrica-de-software/rekko-kiosk/internal/domain"
)

var tokenOpts struct {
	UserID string
	Email  string
	Role   string
}

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Sign a development access token with JWT_SECRET",
	RunE: func(cmd *cobra.Command, args []string) error {
		if cfg.JWTSecret == "" {
			return errors.New("JWT_SECRET is not set")
		}
		switch tokenOpts.Role {
		case domain.RoleAdmin, domain.RoleTeacher, domain.RoleStudent:
		default:
			return fmt.Errorf("unknown role %q", tokenOpts.Role)
		}

		token, err := auth.NewVerifier(cfg.JWTSecret, cfg.JWTIssuer, cfg.JWTLifetime).
			GenerateToken(tokenOpts.UserID, tokenOpts.Email, tokenOpts.Role)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), token)
		return nil
	},
}

func init() {
	tokenCmd.Flags().StringVar(&tokenOpts.UserID, "user", "", "User ID")
	tokenCmd.Flags().StringVar(&tokenOpts.Email, "email", "", "Email claim")
	tokenCmd.Flags().StringVar(&tokenOpts.Role, "role", domain.RoleStudent, "admin, teacher or student")
	_ = tokenCmd.MarkFlagRequired("user")
	rootCmd.AddCommand(tokenCmd)
}
