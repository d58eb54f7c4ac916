package cli

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/hongminglow/coop-ledger/internal/auth"
)

func init() {
	rootCmd.AddCommand(tokenCmd)
	tokenCmd.Flags().StringP("account", "a", "", "Account ID the token acts as")
	tokenCmd.Flags().StringP("role", "r", auth.RoleMember, "Token role (member or admin)")
	tokenCmd.Flags().Duration("ttl", time.Hour, "Token lifetime")
}

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Mint a bearer token for the API",
	Long: `Mint an HS256 bearer token signed with JWT_SECRET. Member tokens act as
--account; admin tokens unlock /v1/admin and /v1/jobs.`,
	Args: cobra.NoArgs,
	RunE: runToken,
}

func runToken(cmd *cobra.Command, args []string) error {
	account, _ := cmd.Flags().GetString("account")
	role, _ := cmd.Flags().GetString("role")
	ttl, _ := cmd.Flags().GetDuration("ttl")

	secret := strings.TrimSpace(os.Getenv("JWT_SECRET"))
	if secret == "" {
		return errors.New("JWT_SECRET is required")
	}
	issuer := strings.TrimSpace(os.Getenv("JWT_ISSUER"))
	if issuer == "" {
		issuer = "coop-ledger"
	}
	if account == "" {
		return errors.New("--account is required")
	}
	if role != auth.RoleMember && role != auth.RoleAdmin {
		return fmt.Errorf("unknown role %q", role)
	}

	token, err := auth.NewTokenManager(secret, issuer, ttl).Generate(account, role)
	if err != nil {
		return fmt.Errorf("sign token: %w", err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), token)
	return nil
}
