package main

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/mrmushfiq/llm0-tenant-proxy/internal/gateway/usage"
	"github.com/mrmushfiq/llm0-tenant-proxy/internal/shared/models"
)

var pricingCmd = &cobra.Command{
	Use:   "pricing",
	Short: "Inspect the model pricing table",
}

var pricingListCmd = &cobra.Command{
	Use:   "list",
	Short: "List per-1K-token rates",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEnv(cmd, func(ctx context.Context, e *env) error {
			p := usage.NewPricing(e.db, nil, e.logger)
			if err := p.Refresh(ctx); err != nil {
				return err
			}
			return writePricing(cmd.OutOrStdout(), p.All())
		})
	},
}

func writePricing(w io.Writer, rows []models.ModelPricing) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "PROVIDER\tMODEL\tINPUT/1K\tOUTPUT/1K\tCACHE/1K")
	for _, r := range rows {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
			r.Provider, r.Model,
			r.InputPer1kTokens.String(), r.OutputPer1kTokens.String(), r.CachePer1kTokens.String())
	}
	return tw.Flush()
}

func init() {
	rootCmd.AddCommand(pricingCmd)
	pricingCmd.AddCommand(pricingListCmd)
}
