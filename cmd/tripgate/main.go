package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"tripgate/internal/app"
	"tripgate/internal/config"
	"tripgate/internal/db"
	"tripgate/internal/domain"
	"tripgate/internal/engine"
	"tripgate/internal/repo"
	"tripgate/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "tripgate",
	Short: "tripgate CLI",
	Long: `tripgate reviews itinerary changes before they land.
- Schedules: one list of timed items per trip and date.
- Suggestions: rule findings (overlaps, tight buffers, overloaded days) with actions that fix them.
- Gate: every action is checked against the resulting schedule; risky ones wait for an approval.
- History: applied changes can be undone and redone per day.
- Tasks: batch optimizations run in the background and report progress.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		return nil
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Println("error:", err)
		stop()
		os.Exit(1)
	}
}

func initConfig() {
	workspace, _ := rootCmd.PersistentFlags().GetString("workspace")
	_ = godotenv.Load(filepath.Join(workspace, ".env"))
	viper.SetEnvPrefix("TRIPGATE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().String("config", "", "path to tripgate.yml (defaults to the workspace copy)")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	rootCmd.PersistentFlags().String("trip", "", "trip id (defaults to TRIPGATE_DEFAULT_TRIP)")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
	_ = viper.BindPFlag("default-trip", rootCmd.PersistentFlags().Lookup("trip"))
}

func registerCommands() {
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(tripCmd())
	rootCmd.AddCommand(scheduleCmd())
	rootCmd.AddCommand(suggestionsCmd())
	rootCmd.AddCommand(optimizeCmd())
	rootCmd.AddCommand(approvalsCmd())
	rootCmd.AddCommand(historyCmd())
	rootCmd.AddCommand(tasksCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(serveCmd())
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Inspect service config",
		Long:  "Config is tripgate.yml in the workspace: approval window and threshold, rule limits, and the task bus.",
	}
	cfg.AddCommand(configInitCmd())
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configValidateCmd())
	return cfg
}

func configInitCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default tripgate.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists; use --force to overwrite", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Printf("Wrote %s\n", path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	return cmd
}

func configShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show loaded config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := app.ResolveConfig(viper.GetString("workspace"), viper.GetString("config"))
			if err != nil {
				return err
			}
			return printJSONOrTable(cfg)
		},
	}
	return cmd
}

func configValidateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate config",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := app.ResolveConfig(viper.GetString("workspace"), viper.GetString("config"))
			if viper.GetBool("json") {
				return printJSON(map[string]any{"ok": err == nil, "error": fmt.Sprint(err)})
			}
			if err != nil {
				return err
			}
			fmt.Println("config OK")
			return nil
		},
	}
	return cmd
}

func tripCmd() *cobra.Command {
	trip := &cobra.Command{Use: "trip", Short: "Manage the default trip"}
	trip.AddCommand(&cobra.Command{
		Use:   "use <id>",
		Short: "Set the default trip for this workspace",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			tripID := strings.TrimSpace(args[0])
			if tripID == "" {
				return fmt.Errorf("trip id is required")
			}
			workspace := viper.GetString("workspace")
			if err := setEnvValue(filepath.Join(workspace, ".env"), "TRIPGATE_DEFAULT_TRIP", tripID); err != nil {
				return err
			}
			fmt.Printf("Set TRIPGATE_DEFAULT_TRIP=%s in %s/.env\n", tripID, workspace)
			return nil
		},
	})
	return trip
}

func scheduleCmd() *cobra.Command {
	sc := &cobra.Command{Use: "schedule", Short: "Read and replace day schedules"}
	sc.AddCommand(scheduleShowCmd())
	sc.AddCommand(scheduleSaveCmd())
	return sc
}

func scheduleShowCmd() *cobra.Command {
	var date string
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show a day schedule",
		RunE: func(cmd *cobra.Command, args []string) error {
			tripID, err := requireTrip()
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				day, err := e.GetSchedule(ctx, tripID, date)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(day)
				}
				printSchedule(day)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&date, "date", "", "date (YYYY-MM-DD)")
	_ = cmd.MarkFlagRequired("date")
	return cmd
}

func scheduleSaveCmd() *cobra.Command {
	var date, filePath string
	cmd := &cobra.Command{
		Use:   "save",
		Short: "Replace a day schedule from a JSON array of items",
		RunE: func(cmd *cobra.Command, args []string) error {
			tripID, err := requireTrip()
			if err != nil {
				return err
			}
			data, err := os.ReadFile(filePath)
			if err != nil {
				return err
			}
			var items []domain.ScheduleItem
			if err := json.Unmarshal(data, &items); err != nil {
				return fmt.Errorf("parse %s: %w", filePath, err)
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.SaveSchedule(ctx, tripID, domain.DaySchedule{Date: date, Items: items}, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				printSchedule(res.Schedule)
				printSuggestions(res.Suggestions)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&date, "date", "", "date (YYYY-MM-DD)")
	cmd.Flags().StringVar(&filePath, "file", "", "path to JSON items")
	_ = cmd.MarkFlagRequired("date")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func suggestionsCmd() *cobra.Command {
	sg := &cobra.Command{Use: "suggestions", Short: "Evaluate, list and apply suggestions"}
	sg.AddCommand(&cobra.Command{
		Use:   "evaluate",
		Short: "Re-run the rules for the trip",
		RunE: func(cmd *cobra.Command, args []string) error {
			tripID, err := requireTrip()
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Evaluate(ctx, tripID, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				printSuggestions(items)
				return nil
			})
		},
	})
	sg.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List active suggestions",
		RunE: func(cmd *cobra.Command, args []string) error {
			tripID, err := requireTrip()
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				list, err := e.ListSuggestions(ctx, tripID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(list)
				}
				printSuggestions(list.Suggestions)
				fmt.Printf("blockers=%d warn=%d info=%d applied=%d\n", list.Stats["blocker"], list.Stats["warn"], list.Stats["info"], len(list.Applied))
				return nil
			})
		},
	})
	sg.AddCommand(suggestionApplyCmd())
	return sg
}

func suggestionApplyCmd() *cobra.Command {
	var actionID, sessionID string
	var preview bool
	cmd := &cobra.Command{
		Use:   "apply <suggestion-id>",
		Short: "Preview or apply an action",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				var (
					res domain.ApplyResult
					err error
				)
				if preview {
					res, err = e.Preview(ctx, args[0], actionID)
				} else {
					res, err = e.Apply(ctx, engine.ApplyOptions{
						SuggestionID: args[0],
						ActionID:     actionID,
						SessionID:    sessionID,
						ActorID:      viper.GetString("actor-id"),
					})
				}
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				fmt.Printf("%s (%s)\n", res.Status, res.GateStatus)
				for _, c := range res.AppliedChanges {
					fmt.Printf("  %s %s: %s\n", c.Date, c.Type, c.Description)
				}
				for _, w := range res.Warnings {
					fmt.Printf("  warning: %s\n", w.Message)
				}
				if res.Approval != nil {
					fmt.Printf("approval %s pending until %s\n", res.Approval.ID, res.Approval.ExpiresAt)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&actionID, "action", "", "action id")
	cmd.Flags().StringVar(&sessionID, "session", "", "session token for approvals")
	cmd.Flags().BoolVar(&preview, "preview", false, "compute without persisting")
	_ = cmd.MarkFlagRequired("action")
	return cmd
}

func optimizeCmd() *cobra.Command {
	var limit int
	var preview bool
	cmd := &cobra.Command{
		Use:   "optimize",
		Short: "Apply the primary action of the riskiest blockers",
		RunE: func(cmd *cobra.Command, args []string) error {
			tripID, err := requireTrip()
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.AutoOptimize(ctx, engine.AutoOptimizeOptions{
					TripID:  tripID,
					Preview: preview,
					Limit:   limit,
					ActorID: viper.GetString("actor-id"),
				})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Suggestion", "Severity", "Applied", "Reason"})
				for _, it := range res.Suggestions {
					reason := it.Reason
					if it.Error != "" {
						reason = it.Error
					}
					tw.AppendRow(table.Row{it.Title, it.Severity, it.Applied, reason})
				}
				tw.Render()
				fmt.Printf("applied %d\n", res.AppliedCount)
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 0, "maximum suggestions to apply (0 uses the configured default)")
	cmd.Flags().BoolVar(&preview, "preview", false, "simulate without persisting")
	return cmd
}

func approvalsCmd() *cobra.Command {
	ap := &cobra.Command{Use: "approvals", Short: "Review pending approvals"}
	ap.AddCommand(approvalsListCmd())
	ap.AddCommand(&cobra.Command{
		Use:   "show <id>",
		Short: "Show an approval",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				a, err := e.GetApproval(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(a)
			})
		},
	})
	ap.AddCommand(approvalsDecideCmd())
	ap.AddCommand(approvalsCancelCmd())
	ap.AddCommand(&cobra.Command{
		Use:   "sweep",
		Short: "Expire overdue pending approvals",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				n, err := e.SweepExpiredApprovals(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]int{"expired": n})
				}
				fmt.Printf("expired %d approvals\n", n)
				return nil
			})
		},
	})
	return ap
}

func approvalsListCmd() *cobra.Command {
	var f repo.ApprovalFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List approvals, riskiest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.ListApprovals(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Kind", "Risk", "Status", "Requested By", "Expires"})
				for _, a := range items {
					tw.AppendRow(table.Row{a.ID, a.Kind, a.RiskLevel, a.Status, a.RequestedBy, a.ExpiresAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.Status, "status", "pending", "status filter (empty for all)")
	cmd.Flags().StringVar(&f.SessionID, "session", "", "session token filter")
	cmd.Flags().IntVar(&f.Limit, "limit", 50, "maximum rows")
	return cmd
}

func approvalsDecideCmd() *cobra.Command {
	var approve, reject, resume bool
	var note string
	cmd := &cobra.Command{
		Use:   "decide <id>",
		Short: "Approve or reject a pending approval",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if approve == reject {
				return fmt.Errorf("exactly one of --approve or --reject is required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.DecideApproval(ctx, engine.DecideOptions{
					ID:           args[0],
					Approved:     approve,
					DecisionNote: note,
					ResumeAgent:  resume,
					ActorID:      viper.GetString("actor-id"),
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(res)
			})
		},
	}
	cmd.Flags().BoolVar(&approve, "approve", false, "approve the request")
	cmd.Flags().BoolVar(&reject, "reject", false, "reject the request")
	cmd.Flags().BoolVar(&resume, "resume", true, "resume the waiting operation")
	cmd.Flags().StringVar(&note, "note", "", "decision note")
	return cmd
}

func approvalsCancelCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "cancel <id>",
		Short: "Withdraw a pending approval",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				a, err := e.CancelApproval(ctx, args[0], reason, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(a)
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "reason")
	return cmd
}

func historyCmd() *cobra.Command {
	var date string
	h := &cobra.Command{Use: "history", Short: "Undo and redo applied changes"}
	h.PersistentFlags().StringVar(&date, "date", "", "date (YYYY-MM-DD)")
	_ = h.MarkPersistentFlagRequired("date")
	h.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List ledger entries for a day",
		RunE: func(cmd *cobra.Command, args []string) error {
			tripID, err := requireTrip()
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				hist, err := e.History(ctx, tripID, date)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(hist)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Seq", "Action", "At", "State"})
				for _, en := range hist.Entries {
					state := "live"
					switch {
					case en.Abandoned:
						state = "abandoned"
					case en.Seq > hist.Cursor:
						state = "undone"
					}
					tw.AppendRow(table.Row{en.Seq, en.ActionType, en.Timestamp, state})
				}
				tw.Render()
				fmt.Printf("cursor=%d canUndo=%t canRedo=%t\n", hist.Cursor, hist.CanUndo, hist.CanRedo)
				return nil
			})
		},
	})
	step := func(use, short string, fn func(engine.Engine) func(context.Context, string, string, string) (domain.DaySchedule, error)) *cobra.Command {
		return &cobra.Command{
			Use:   use,
			Short: short,
			RunE: func(cmd *cobra.Command, args []string) error {
				tripID, err := requireTrip()
				if err != nil {
					return err
				}
				return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
					day, err := fn(e)(ctx, tripID, date, viper.GetString("actor-id"))
					if err != nil {
						return err
					}
					if viper.GetBool("json") {
						return printJSON(day)
					}
					printSchedule(day)
					return nil
				})
			},
		}
	}
	h.AddCommand(step("undo", "Restore the schedule before the last change", func(e engine.Engine) func(context.Context, string, string, string) (domain.DaySchedule, error) {
		return e.Undo
	}))
	h.AddCommand(step("redo", "Reapply the last undone change", func(e engine.Engine) func(context.Context, string, string, string) (domain.DaySchedule, error) {
		return e.Redo
	}))
	return h
}

func tasksCmd() *cobra.Command {
	tk := &cobra.Command{Use: "tasks", Short: "Inspect async tasks"}
	var status string
	list := &cobra.Command{
		Use:   "list",
		Short: "List tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.ListTasks(ctx, status, 50)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Kind", "Status", "Progress", "Updated"})
				for _, t := range items {
					tw.AppendRow(table.Row{t.ID, t.Kind, t.Status, fmt.Sprintf("%d/%d", t.Progress.Processed, t.Progress.Total), t.UpdatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	list.Flags().StringVar(&status, "status", "", "status filter")
	tk.AddCommand(list)
	tk.AddCommand(&cobra.Command{
		Use:   "show <id>",
		Short: "Show a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.PollTask(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	})
	tk.AddCommand(&cobra.Command{
		Use:   "cancel <id>",
		Short: "Request cancellation of a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.CancelTask(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	})
	return tk
}

func logCmd() *cobra.Command {
	lg := &cobra.Command{Use: "log", Short: "Event log"}
	var n int
	tail := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			tripID := viper.GetString("default-trip")
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				events, err := e.Repo.LatestEvents(ctx, tripID, n)
				if err != nil {
					return err
				}
				return printJSONOrTable(events)
			})
		},
	}
	tail.Flags().IntVar(&n, "n", 20, "number of events")
	lg.AddCommand(tail)
	return lg
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	var allowActorHeader, devLogin bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			rt, err := app.Open(ctx, viper.GetString("workspace"), viper.GetString("config"))
			if err != nil {
				return err
			}
			defer rt.Close()
			e := rt.Engine
			authCfg := server.AuthConfig{
				JWTSecret:              viper.GetString("jwt-secret"),
				AllowLegacyActorHeader: allowActorHeader,
				EnableDevLogin:         devLogin,
				Logger:                 rt.Logger,
			}
			if authCfg.JWTSecret == "" && !allowActorHeader {
				return fmt.Errorf("TRIPGATE_JWT_SECRET is required for bearer auth")
			}
			if e.Config.IsProduction() && (allowActorHeader || devLogin) {
				return fmt.Errorf("--allow-actor-header and --dev-login are not allowed in production")
			}
			handler, err := server.New(server.Config{Engine: e, BasePath: basePath, Auth: authCfg, Logger: rt.Logger})
			if err != nil {
				return err
			}
			go server.RunApprovalSweeper(ctx, e, e.Config.SweepInterval(), rt.Logger)
			srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
			go func() {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(shutdownCtx)
			}()
			rt.Logger.Info("serving tripgate API", "addr", addr, "base_path", basePath, "openapi", basePath+"/openapi.json", "docs", "/docs")
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/api", "API base path")
	cmd.Flags().BoolVar(&allowActorHeader, "allow-actor-header", false, "accept X-Actor-Id without a token (development only)")
	cmd.Flags().BoolVar(&devLogin, "dev-login", false, "expose POST /auth/dev/login (development only)")
	return cmd
}

// --- helpers ---

func requireTrip() (string, error) {
	tripID := strings.TrimSpace(viper.GetString("default-trip"))
	if tripID == "" {
		return "", fmt.Errorf("trip not specified; use --trip or tripgate trip use <id>")
	}
	return tripID, nil
}

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	rt, err := app.Open(ctx, viper.GetString("workspace"), viper.GetString("config"))
	if err != nil {
		return err
	}
	defer rt.Close()
	return fn(ctx, rt.Engine)
}

func printSchedule(day domain.DaySchedule) {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.SetTitle(day.Date)
	tw.AppendHeader(table.Row{"ID", "Place", "Start", "End", "Booked"})
	for _, it := range day.Items {
		tw.AppendRow(table.Row{it.ID, it.PlaceName, it.StartTime, it.EndTime, it.Booked})
	}
	tw.AppendFooter(table.Row{"", "Total", fmt.Sprintf("%d min", day.TotalDuration), fmt.Sprintf("%.2f", day.TotalCost), ""})
	tw.Render()
}

func printSuggestions(items []domain.Suggestion) {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"ID", "Severity", "Risk", "Title", "Actions"})
	for _, sg := range items {
		actions := make([]string, 0, len(sg.Actions))
		for _, a := range sg.Actions {
			actions = append(actions, a.ID)
		}
		tw.AppendRow(table.Row{sg.ID, sg.Severity, sg.RiskLevel, sg.Title, strings.Join(actions, ",")})
	}
	tw.Render()
}

func printJSONOrTable(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func setEnvValue(path, key, value string) error {
	var lines []string
	seen := false
	f, err := os.Open(path)
	if err == nil {
		scanner := bufio.NewScanner(f)
		for scanner.Scan() {
			line := scanner.Text()
			if strings.HasPrefix(line, key+"=") {
				lines = append(lines, fmt.Sprintf("%s=%s", key, value))
				seen = true
			} else {
				lines = append(lines, line)
			}
		}
		if err := scanner.Err(); err != nil {
			f.Close()
			return err
		}
		f.Close()
	} else if !os.IsNotExist(err) {
		return err
	}
	if !seen {
		lines = append(lines, fmt.Sprintf("%s=%s", key, value))
	}
	content := strings.Join(lines, "\n")
	if content != "" && !strings.HasSuffix(content, "\n") {
		content += "\n"
	}
	return os.WriteFile(path, []byte(content), 0o644)
}
