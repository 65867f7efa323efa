package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/mrmushfiq/llm0-tenant-proxy/internal/gateway/providers"
	"github.com/mrmushfiq/llm0-tenant-proxy/internal/gateway/tenant"
)

var providerKeysFlags struct {
	group     string
	provider  string
	name      string
	key       string
	isDefault bool
}

var providerKeysCmd = &cobra.Command{
	Use:   "provider-keys",
	Short: "Manage upstream provider keys for a group",
	Long: `Store and revoke the upstream credentials a group's callers use.

Keys are encrypted with ENCRYPTION_KEY before they are written. When --key
is omitted the value is read from PROVIDER_API_KEY.

Examples:
  proxyctl provider-keys add --group 6f1c... --provider anthropic --key sk-ant-...
  proxyctl provider-keys revoke --group 6f1c... <provider-key-id>`,
}

var providerKeysAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Store a provider key",
	RunE: func(cmd *cobra.Command, args []string) error {
		key := providerKeysFlags.key
		if key == "" {
			key = os.Getenv("PROVIDER_API_KEY")
		}
		return withEnv(cmd, func(ctx context.Context, e *env) error {
			catalog, err := providers.LoadCatalog(e.cfg.ProviderCatalog)
			if err != nil {
				return err
			}
			if err := checkProvider(catalog, providerKeysFlags.provider); err != nil {
				return err
			}

			stored, err := tenant.NewRegistrar(e.db, e.vault).Add(ctx, tenant.ProviderKeyParams{
				GroupID:  providerKeysFlags.group,
				Provider: providerKeysFlags.provider,
				Name:     providerKeysFlags.name,
				Key:      key,
				Default:  providerKeysFlags.isDefault,
			})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Stored %s key %s (...%s) for group %s\n",
				stored.ProviderID, stored.ID, stored.KeySuffix, stored.GroupID)
			return nil
		})
	},
}

var providerKeysRevokeCmd = &cobra.Command{
	Use:   "revoke <provider-key-id>",
	Short: "Revoke a provider key",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEnv(cmd, func(ctx context.Context, e *env) error {
			changed, err := tenant.NewRegistrar(e.db, e.vault).Revoke(ctx, providerKeysFlags.group, args[0])
			if err != nil {
				return err
			}
			if !changed {
				return fmt.Errorf("no active provider key %s in group %s", args[0], providerKeysFlags.group)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Revoked %s\n", args[0])
			return nil
		})
	},
}

// checkProvider rejects names the catalog does not know or that need no key
func checkProvider(catalog *providers.Catalog, name string) error {
	spec, ok := catalog.Provider(name)
	if !ok {
		return fmt.Errorf("unknown provider %q (known: %s)", name, strings.Join(catalog.Names(), ", "))
	}
	if !spec.RequiresKey {
		return fmt.Errorf("provider %q is local and takes no key", name)
	}
	return nil
}

func init() {
	rootCmd.AddCommand(providerKeysCmd)
	providerKeysCmd.AddCommand(providerKeysAddCmd, providerKeysRevokeCmd)

	providerKeysCmd.PersistentFlags().StringVar(&providerKeysFlags.group, "group", "", "group ID")
	_ = providerKeysCmd.MarkPersistentFlagRequired("group")

	providerKeysAddCmd.Flags().StringVar(&providerKeysFlags.provider, "provider", "", "catalog provider name")
	providerKeysAddCmd.Flags().StringVar(&providerKeysFlags.name, "name", "", "display name (defaults to the provider)")
	providerKeysAddCmd.Flags().StringVar(&providerKeysFlags.key, "key", "", "upstream API key")
	providerKeysAddCmd.Flags().BoolVar(&providerKeysFlags.isDefault, "default", false, "make this the group's default key for the provider")
	_ = providerKeysAddCmd.MarkFlagRequired("provider")
}
