package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"task-api/api"
	"task-api/config"
)

var (
	tokenName  string
	tokenEmail string
	tokenTTL   time.Duration
)

var tokenCmd = &cobra.Command{
	Use:   "token <subject>",
	Short: "Print an HS256 bearer token signed with JWT_HMAC_SECRET",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configFile)
		if err != nil {
			return err
		}
		signed, err := api.IssueHS256Token(api.AuthOptions{
			Domain:     cfg.Auth.Domain,
			Audience:   cfg.Auth.Audience,
			HMACSecret: cfg.Auth.HMACSecret,
		}, api.User{ID: args[0], Name: tokenName, Email: tokenEmail}, tokenTTL)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), signed)
		return nil
	},
}

func init() {
	tokenCmd.Flags().StringVar(&tokenName, "name", "", "name claim")
	tokenCmd.Flags().StringVar(&tokenEmail, "email", "", "email claim")
	tokenCmd.Flags().DurationVar(&tokenTTL, "ttl", time.Hour, "token lifetime")
}
