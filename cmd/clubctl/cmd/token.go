package cmd

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/wfounders/clubwallet/internal/auth"
)

var tokenSubject string

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Issue a staff token for the oracle device",
	RunE: func(cmd *cobra.Command, args []string) error {
		issuer := auth.NewIssuer(cfg.Relay.Auth.OracleTokenSecret, cfg.Relay.Auth.OracleTokenTTL)
		token, err := issuer.GenerateToken(tokenSubject)
		if errors.Is(err, auth.ErrNoSecret) {
			return errors.New("ORACLE_TOKEN_SECRET is not set")
		}
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), token)
		return nil
	},
}

func init() {
	tokenCmd.Flags().StringVar(&tokenSubject, "subject", "oracle", "Name of the staff device")
}
