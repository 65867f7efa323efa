package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mrmushfiq/llm0-tenant-proxy/internal/gateway/auth"
)

var keysFlags struct {
	group     string
	name      string
	rateLimit int
	overrides map[string]string
}

var keysCmd = &cobra.Command{
	Use:   "keys",
	Short: "Manage proxy API keys",
	Long: `Create, reveal and revoke the API keys callers present to the proxy.

Every key belongs to exactly one group; the group decides which provider
keys the caller can use.

Examples:
  # Issue a key
  proxyctl keys create --group 6f1c... --name billing

  # Pin a specific provider key for one provider
  proxyctl keys create --group 6f1c... --name ci --override openai=<provider-key-id>

  # Revoke a key
  proxyctl keys revoke <key-id>`,
}

var keysCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Issue a new API key",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEnv(cmd, func(ctx context.Context, e *env) error {
			full, key, err := auth.NewIssuer(e.db, e.vault, e.cache).Issue(ctx, auth.IssueParams{
				GroupID:            keysFlags.group,
				Name:               keysFlags.name,
				Overrides:          keysFlags.overrides,
				RateLimitPerMinute: keysFlags.rateLimit,
			})
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Key ID: %s\n", key.ID)
			fmt.Fprintf(out, "Group:  %s\n", key.GroupID)
			fmt.Fprintf(out, "Key:    %s\n", full)
			return nil
		})
	},
}

var keysRevealCmd = &cobra.Command{
	Use:   "reveal <key-id>",
	Short: "Print the full value of an API key",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEnv(cmd, func(ctx context.Context, e *env) error {
			secret, err := auth.NewIssuer(e.db, e.vault, e.cache).Reveal(ctx, args[0])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), secret.Reveal())
			return nil
		})
	},
}

var keysRevokeCmd = &cobra.Command{
	Use:   "revoke <key-id>",
	Short: "Revoke an API key",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEnv(cmd, func(ctx context.Context, e *env) error {
			changed, err := auth.NewIssuer(e.db, e.vault, e.cache).Revoke(ctx, args[0])
			if err != nil {
				return err
			}
			if !changed {
				fmt.Fprintf(cmd.OutOrStdout(), "Key %s was already revoked\n", args[0])
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Revoked %s\n", args[0])
			return nil
		})
	},
}

func init() {
	rootCmd.AddCommand(keysCmd)
	keysCmd.AddCommand(keysCreateCmd, keysRevealCmd, keysRevokeCmd)

	keysCreateCmd.Flags().StringVar(&keysFlags.group, "group", "", "owning group ID")
	keysCreateCmd.Flags().StringVar(&keysFlags.name, "name", "", "display name")
	keysCreateCmd.Flags().IntVar(&keysFlags.rateLimit, "rate-limit", 0, "requests per minute (0 uses the proxy default)")
	keysCreateCmd.Flags().StringToStringVar(&keysFlags.overrides, "override", nil, "provider=provider-key-id pins")
	_ = keysCreateCmd.MarkFlagRequired("group")
}
