package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"milestonepay/internal/app"
	"milestonepay/internal/db"
)

var rootCmd = &cobra.Command{
	Use:   "mpay",
	Short: "Milestone Pay CLI",
	Long: `Milestone Pay records milestone payouts for hackathon projects and coordinates
the multisig transfers that pay them.
- Statements: every change over the API is authorized by a wallet-signed statement naming the operation.
- Ledger: per-project payments; M1 before M2, each once; bounties unique by proof.
- Timeline: roadmap edits in weeks 1-4 after the hackathon, M2 submission in weeks 5-6.
- Multisig: batch transfers staged, approved and executed through a threshold account on Asset Hub.
- Event log: every change, view with 'mpay log tail'.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		_, err := db.EnsureWorkspace(viper.GetString("workspace"))
		return err
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("MPAY")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().String("config", "", "config file (default <workspace>/milestonepay.yml)")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-operator", "actor recorded on imports")
	rootCmd.PersistentFlags().Bool("verbose", false, "debug logging")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
	_ = viper.BindPFlag("verbose", rootCmd.PersistentFlags().Lookup("verbose"))
}

func registerCommands() {
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(projectCmd())
	rootCmd.AddCommand(paymentsCmd())
	rootCmd.AddCommand(multisigCmd())
	rootCmd.AddCommand(weekCmd())
	rootCmd.AddCommand(statementCmd())
	rootCmd.AddCommand(tokenCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(logCmd())
}

func serveCmd() *cobra.Command {
	var addr string
	var trace bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			level := slog.LevelInfo
			if viper.GetBool("verbose") {
				level = slog.LevelDebug
			}
			logger := app.NewLogger(os.Stderr, true, level)
			a, err := app.Open(app.Options{
				Workspace:  viper.GetString("workspace"),
				ConfigPath: viper.GetString("config"),
				Logger:     logger,
			})
			if err != nil {
				return err
			}
			defer a.Close()
			if trace {
				shutdown, err := app.StartTracing(os.Stderr, a.Config.ServiceName)
				if err != nil {
					return err
				}
				defer func() {
					ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					_ = shutdown(ctx)
				}()
			}
			handler, err := a.Handler()
			if err != nil {
				return err
			}
			if addr == "" {
				addr = a.Config.Server.Addr
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			go a.Webhooks.Run(ctx)

			srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
			go func() {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(shutdownCtx)
			}()
			logger.Info("serving Milestone Pay API",
				"addr", addr, "base_path", a.Config.Server.BasePath, "multisig", a.Coordinator != nil, "environment", a.Config.Environment)
			fmt.Printf("Serving Milestone Pay API on http://%s%s (OpenAPI at /openapi.json, Swagger UI at /docs)\n", addr, a.Config.Server.BasePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default server.addr)")
	cmd.Flags().BoolVar(&trace, "trace", false, "write spans for chain and wallet calls to stderr")
	return cmd
}

// --- helpers ---

// withApp opens the workspace for a one-shot command. Nonces stay in memory
// so a running server keeps its badger lock.
func withApp(ctx context.Context, fn func(context.Context, *app.App) error) error {
	level := slog.LevelWarn
	if viper.GetBool("verbose") {
		level = slog.LevelDebug
	}
	a, err := app.Open(app.Options{
		Workspace:      viper.GetString("workspace"),
		ConfigPath:     viper.GetString("config"),
		Logger:         app.NewLogger(os.Stderr, false, level),
		InMemoryNonces: true,
	})
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

// printJSONOrTable prints v as JSON with --json, otherwise renders the table
// built by rows.
func printJSONOrTable(v any, header table.Row, rows func(table.Writer)) error {
	if viper.GetBool("json") || rows == nil {
		return printJSON(v)
	}
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.SetStyle(table.StyleLight)
	tw.AppendHeader(header)
	rows(tw)
	tw.Render()
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func shortAddress(addr string) string {
	if len(addr) <= 14 {
		return addr
	}
	return addr[:6] + "…" + addr[len(addr)-6:]
}
