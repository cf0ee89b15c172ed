package main

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"milestonepay/internal/app"
	"milestonepay/internal/domain"
	"milestonepay/internal/money"
	"milestonepay/internal/multisig"
)

func multisigCmd() *cobra.Command {
	ms := &cobra.Command{
		Use:   "multisig",
		Short: "Stage, approve and inspect multisig payouts",
		Long: `Mutating commands act as the signer given with --as, which must be a configured
global signer whose key is held by the wallet bridge.`,
	}
	ms.AddCommand(multisigStatusCmd())
	ms.AddCommand(multisigListCmd())
	ms.AddCommand(multisigInitiateCmd())
	ms.AddCommand(multisigApproveCmd())
	ms.AddCommand(multisigCancelCmd())
	return ms
}

// withCoordinator fails early when no signers are configured and, for
// mutations, when signer is not a global signer.
func withCoordinator(ctx context.Context, signer string, fn func(context.Context, *multisig.Coordinator) error) error {
	return withApp(ctx, func(ctx context.Context, a *app.App) error {
		if a.Coordinator == nil {
			return errors.New("multisig is not configured; set multisig.signers and multisig.threshold")
		}
		if signer != "" && !a.Authorizer.IsGlobal(signer) {
			return fmt.Errorf("%s is not a global signer", signer)
		}
		return fn(ctx, a.Coordinator)
	})
}

func printMultisig(rec domain.MultisigTransaction) error {
	if viper.GetBool("json") {
		return printJSON(rec)
	}
	fmt.Printf("call %s: %s (%d/%d approvals)\n", rec.CallHash, rec.Status, rec.Approvals, rec.Threshold)
	if rec.Timepoint != nil {
		fmt.Printf("timepoint: %d-%d\n", rec.Timepoint.Height, rec.Timepoint.Index)
	}
	if rec.TransactionProof != "" {
		fmt.Printf("proof: %s\n", rec.TransactionProof)
	}
	return nil
}

func multisigStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status <call-hash>",
		Short: "Reconcile a call with chain storage",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCoordinator(cmd.Context(), "", func(ctx context.Context, c *multisig.Coordinator) error {
				view, err := c.Status(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(view)
				}
				if err := printMultisig(view.Transaction); err != nil {
					return err
				}
				if view.OnChain != nil {
					fmt.Printf("on chain: %d approvals, timepoint %d-%d\n", len(view.OnChain.Approvers), view.OnChain.Timepoint.Height, view.OnChain.Timepoint.Index)
				} else {
					fmt.Println("on chain: no pending entry")
				}
				fmt.Printf("in sync: %t\n", view.InSync)
				if view.Note != "" {
					fmt.Println(view.Note)
				}
				return nil
			})
		},
	}
}

func multisigListCmd() *cobra.Command {
	var status string
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List recorded multisig calls",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCoordinator(cmd.Context(), "", func(ctx context.Context, c *multisig.Coordinator) error {
				items, err := c.List(ctx, status, limit)
				if err != nil {
					return err
				}
				return printJSONOrTable(items, table.Row{"Call hash", "Status", "Approvals", "Currency", "Transfers", "Initiator", "Updated"}, func(tw table.Writer) {
					for _, it := range items {
						tw.AppendRow(table.Row{
							it.CallHash,
							it.Status,
							fmt.Sprintf("%d/%d", it.Approvals, it.Threshold),
							it.Currency,
							len(it.Transfers),
							shortAddress(it.Initiator),
							it.UpdatedAt,
						})
					}
				})
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "filter by status")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum rows")
	return cmd
}

// parseTransfers reads "address=amount" pairs in display units.
func parseTransfers(currency string, pairs []string) (domain.CallSet, error) {
	c, err := money.ParseCurrency(currency)
	if err != nil {
		return domain.CallSet{}, err
	}
	set := domain.CallSet{Currency: c}
	for _, p := range pairs {
		addr, amount, ok := strings.Cut(p, "=")
		if !ok {
			return domain.CallSet{}, fmt.Errorf("transfer %q: expected address=amount", p)
		}
		a, err := money.Parse(amount, c)
		if err != nil {
			return domain.CallSet{}, fmt.Errorf("transfer %q: %w", p, err)
		}
		set.Transfers = append(set.Transfers, domain.Transfer{Recipient: strings.TrimSpace(addr), Amount: a})
	}
	return set, nil
}

func multisigInitiateCmd() *cobra.Command {
	var signer, currency string
	var transfers []string
	cmd := &cobra.Command{
		Use:   "initiate",
		Short: "Stage a batch of transfers as a multisig call",
		RunE: func(cmd *cobra.Command, args []string) error {
			set, err := parseTransfers(currency, transfers)
			if err != nil {
				return err
			}
			return withCoordinator(cmd.Context(), signer, func(ctx context.Context, c *multisig.Coordinator) error {
				rec, err := c.Initiate(ctx, set, signer)
				if err != nil {
					return err
				}
				return printMultisig(rec)
			})
		},
	}
	cmd.Flags().StringVar(&signer, "as", "", "initiating signer address")
	cmd.Flags().StringVar(&currency, "currency", "USDC", "USDC or DOT")
	cmd.Flags().StringArrayVar(&transfers, "transfer", nil, "recipient=amount, repeatable")
	_ = cmd.MarkFlagRequired("as")
	_ = cmd.MarkFlagRequired("transfer")
	return cmd
}

func multisigApproveCmd() *cobra.Command {
	var signer string
	cmd := &cobra.Command{
		Use:   "approve <call-hash>",
		Short: "Approve a staged call; the final approval executes it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCoordinator(cmd.Context(), signer, func(ctx context.Context, c *multisig.Coordinator) error {
				rec, err := c.Approve(ctx, args[0], signer)
				if err != nil {
					return err
				}
				return printMultisig(rec)
			})
		},
	}
	cmd.Flags().StringVar(&signer, "as", "", "approving signer address")
	_ = cmd.MarkFlagRequired("as")
	return cmd
}

func multisigCancelCmd() *cobra.Command {
	var signer string
	cmd := &cobra.Command{
		Use:   "cancel <call-hash>",
		Short: "Cancel a staged call (initiator only)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCoordinator(cmd.Context(), signer, func(ctx context.Context, c *multisig.Coordinator) error {
				rec, err := c.Cancel(ctx, args[0], signer)
				if err != nil {
					return err
				}
				return printMultisig(rec)
			})
		},
	}
	cmd.Flags().StringVar(&signer, "as", "", "initiating signer address")
	_ = cmd.MarkFlagRequired("as")
	return cmd
}
