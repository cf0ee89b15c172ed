package main

import (
	"context"
	"fmt"
	"os"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"milestonepay/internal/app"
	"milestonepay/internal/domain"
	"milestonepay/internal/engine"
	"milestonepay/internal/money"
)

func projectCmd() *cobra.Command {
	prj := &cobra.Command{
		Use:   "project",
		Short: "Manage projects",
		Long:  "Projects come from the hackathon registry as a YAML import; payment state is only changed through confirmations.",
	}
	prj.AddCommand(projectImportCmd())
	prj.AddCommand(projectListCmd())
	prj.AddCommand(projectShowCmd())
	return prj
}

func projectImportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "import <file.yml>",
		Short: "Create or refresh projects from a YAML file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			items, err := engine.ParseProjectImport(data)
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				projects, err := a.Engine.ImportProjects(ctx, items, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(projects)
				}
				fmt.Printf("imported %d projects\n", len(projects))
				return nil
			})
		},
	}
	return cmd
}

func projectListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List projects",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				items, err := a.Engine.Repo.ListProjects(ctx)
				if err != nil {
					return err
				}
				return printJSONOrTable(items, table.Row{"ID", "Name", "Hackathon end", "M2", "Team"}, func(tw table.Writer) {
					for _, p := range items {
						tw.AppendRow(table.Row{p.ID, p.Name, p.HackathonEndDate, p.M2Status, len(p.Team)})
					}
				})
			})
		},
	}
	return cmd
}

func projectShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <project-id>",
		Short: "Show a project with its team, payments and program week",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				view, err := a.Engine.ProjectView(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(view)
				}
				p := view.Project
				fmt.Printf("%s (%s)\n", p.Name, p.ID)
				fmt.Printf("hackathon end: %s, week %d (roadmap open: %t, submission open: %t)\n",
					p.HackathonEndDate, view.Week, view.RoadmapOpen, view.SubmissionOpen)
				fmt.Printf("milestone 2: %s\n", p.M2Status)
				if p.SubmissionURL != "" {
					fmt.Printf("submission: %s\n", p.SubmissionURL)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.SetStyle(table.StyleLight)
				tw.SetTitle("Team")
				tw.AppendHeader(table.Row{"Name", "Address"})
				for _, m := range p.Team {
					tw.AppendRow(table.Row{m.Name, m.Address})
				}
				tw.Render()
				renderPayments(view.Payments)
				return nil
			})
		},
	}
	return cmd
}

func paymentsCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "payments", Short: "Project ledgers"}
	cmd.AddCommand(&cobra.Command{
		Use:   "list <project-id>",
		Short: "List confirmed payments of a project",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				if _, err := a.Engine.Repo.GetProject(ctx, args[0]); err != nil {
					return fmt.Errorf("project %s: %w", args[0], err)
				}
				items, err := a.Engine.Repo.ListPayments(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				renderPayments(items)
				return nil
			})
		},
	})
	return cmd
}

func renderPayments(items []domain.PaymentRecord) {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.SetStyle(table.StyleLight)
	tw.SetTitle("Payments")
	tw.AppendHeader(table.Row{"Milestone", "Amount", "Paid", "Confirmed by", "Recipients", "Proof"})
	for _, p := range items {
		tw.AppendRow(table.Row{
			p.Milestone,
			money.Format(p.Amount, p.Currency) + " " + string(p.Currency),
			p.PaidDate,
			shortAddress(p.ConfirmedBy),
			len(p.Recipients),
			p.TransactionProof,
		})
	}
	tw.Render()
}
