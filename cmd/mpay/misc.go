package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"milestonepay/internal/app"
	"milestonepay/internal/config"
	"milestonepay/internal/domain"
	"milestonepay/internal/server"
	"milestonepay/internal/siws"
	"milestonepay/internal/timeline"
)

func weekCmd() *cobra.Command {
	var endDate, projectID, at string
	cmd := &cobra.Command{
		Use:   "week",
		Short: "Show the program week and which windows are open",
		RunE: func(cmd *cobra.Command, args []string) error {
			now := time.Now()
			if at != "" {
				t, err := timeline.ParseDate(at)
				if err != nil {
					return err
				}
				now = t
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				ref := endDate
				if ref == "" && projectID != "" {
					p, err := a.Engine.Repo.GetProject(ctx, projectID)
					if err != nil {
						return fmt.Errorf("project %s: %w", projectID, err)
					}
					ref = p.HackathonEndDate
				}
				if ref == "" {
					ref = a.Config.Program.ReferenceEndDate
				}
				if ref == "" {
					return errors.New("no reference date; pass --end-date or --project, or set program.reference_end_date")
				}
				end, err := timeline.ParseDate(ref)
				if err != nil {
					return err
				}
				week := timeline.CurrentWeek(end, now)
				out := map[string]any{
					"reference_end_date": ref,
					"week":               week,
					"roadmap_open":       timeline.RoadmapOpen(week),
					"submission_open":    timeline.SubmissionOpen(week),
				}
				return printJSONOrTable(out, table.Row{"Reference", "Week", "Roadmap (1-4)", "Submission (5-6)"}, func(tw table.Writer) {
					tw.AppendRow(table.Row{ref, week, timeline.RoadmapOpen(week), timeline.SubmissionOpen(week)})
				})
			})
		},
	}
	cmd.Flags().StringVar(&endDate, "end-date", "", "hackathon end date (YYYY-MM-DD)")
	cmd.Flags().StringVar(&projectID, "project", "", "use the project's hackathon end date")
	cmd.Flags().StringVar(&at, "at", "", "evaluate at this date instead of today")
	return cmd
}

// statementCmd prints the canonical text a wallet must sign for an intent.
func statementCmd() *cobra.Command {
	var projectID, milestone, callHash string
	cmd := &cobra.Command{
		Use:   "statement <intent>",
		Short: "Print the statement text to sign for an operation",
		Long: `Intents: sign_in, update_team, update_roadmap, submit_milestone2, confirm_payment,
initiate_multisig, approve_multisig, cancel_multisig.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := app.LoadConfig(viper.GetString("workspace"), viper.GetString("config"))
			if err != nil {
				return err
			}
			text, err := siws.NewGrammar(cfg.ServiceName).Statement(domain.Intent(args[0]), map[string]string{
				domain.ParamProject:   projectID,
				domain.ParamMilestone: milestone,
				domain.ParamCallHash:  callHash,
			})
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(map[string]string{"domain": cfg.Auth.ExpectedDomain, "statement": text})
			}
			fmt.Println(text)
			return nil
		},
	}
	cmd.Flags().StringVar(&projectID, "project", "", "project id")
	cmd.Flags().StringVar(&milestone, "milestone", "", "M1, M2 or BOUNTY")
	cmd.Flags().StringVar(&callHash, "call-hash", "", "multisig call hash")
	return cmd
}

func tokenCmd() *cobra.Command {
	tok := &cobra.Command{Use: "token", Short: "Read-only API tokens"}
	var subject string
	var ttl time.Duration
	issue := &cobra.Command{
		Use:   "issue",
		Short: "Issue a bearer token for the read routes",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := app.LoadConfig(viper.GetString("workspace"), viper.GetString("config"))
			if err != nil {
				return err
			}
			if cfg.Auth.JWTSecret == "" {
				return errors.New("auth.jwt_secret (MPAY_AUTH_JWT_SECRET) is required to issue tokens")
			}
			if ttl <= 0 {
				ttl = cfg.Auth.TokenTTL
			}
			token, err := server.IssueReadToken(cfg.Auth.JWTSecret, subject, ttl, time.Now())
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(map[string]any{"token": token, "subject": subject, "expires_in": ttl.String()})
			}
			fmt.Println(token)
			return nil
		},
	}
	issue.Flags().StringVar(&subject, "subject", "dashboard", "token subject")
	issue.Flags().DurationVar(&ttl, "ttl", 0, "lifetime (default auth.token_ttl)")
	tok.AddCommand(issue)
	return tok
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Inspect the service config",
		Long:  "Config lives in <workspace>/milestonepay.yml; MPAY_* environment variables override it.",
	}
	cfg.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show the effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := app.LoadConfig(viper.GetString("workspace"), viper.GetString("config"))
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				cp := *c
				if cp.Auth.JWTSecret != "" {
					cp.Auth.JWTSecret = "<redacted>"
				}
				return printJSON(cp)
			}
			out, err := c.Marshal()
			if err != nil {
				return err
			}
			fmt.Print(out)
			return nil
		},
	})
	cfg.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Validate the config",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := app.LoadConfig(viper.GetString("workspace"), viper.GetString("config"))
			if viper.GetBool("json") {
				return printJSON(map[string]any{"ok": err == nil, "error": fmt.Sprint(err)})
			}
			if err != nil {
				return err
			}
			fmt.Println("config OK")
			return nil
		},
	})
	var force bool
	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Write a starter milestonepay.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists; use --force to overwrite", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Println("wrote", path)
			return nil
		},
	}
	initCmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	cfg.AddCommand(initCmd)
	return cfg
}

func logCmd() *cobra.Command {
	log := &cobra.Command{
		Use:   "log",
		Short: "Event log",
		Long:  "Everything that changed: imports, team and roadmap edits, payments and multisig steps.",
	}
	var n int
	var projectID, evtType string
	tail := &cobra.Command{
		Use:   "tail",
		Short: "Show the latest events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				events, err := a.Engine.Repo.LatestEventsFrom(ctx, n, 0, projectID, evtType)
				if err != nil {
					return err
				}
				return printJSONOrTable(events, table.Row{"ID", "Time", "Type", "Project", "Entity", "Actor"}, func(tw table.Writer) {
					for _, e := range events {
						tw.AppendRow(table.Row{e.ID, e.TS, e.Type, e.ProjectID, e.EntityKind + ":" + e.EntityID, shortAddress(e.ActorID)})
					}
				})
			})
		},
	}
	tail.Flags().IntVar(&n, "n", 20, "number of events")
	tail.Flags().StringVar(&projectID, "project", "", "project filter")
	tail.Flags().StringVar(&evtType, "type", "", "event type filter")
	log.AddCommand(tail)
	return log
}
