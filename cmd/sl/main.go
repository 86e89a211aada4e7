package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"signline/internal/config"
	"signline/internal/db"
	"signline/internal/domain"
	"signline/internal/engine"
	"signline/internal/migrate"
	"signline/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "sl",
	Short: "Signline CLI",
	Long: `Signline is the contract layer of the sign-engineering calculation
service: idempotent mutations, optimistic concurrency tokens, response
envelopes with confidence scores, and an async submission pipeline with
circuit-broken dispatch to the PM system and email notifier.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		return nil
	},
}

func main() {
	cobra.OnInitialize(initViper)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initViper() {
	viper.SetEnvPrefix("SIGNLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
}

func registerCommands() {
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(projectCmd())
	rootCmd.AddCommand(taskCmd())
	rootCmd.AddCommand(deadletterCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(serveCmd())
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{Use: "config", Short: "Manage signline.yml"}
	cfg.AddCommand(&cobra.Command{
		Use:   "init",
		Short: "Write a default signline.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Println("wrote", path)
			return nil
		},
	})
	cfg.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show the effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadOptional(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			return printJSON(cfg)
		},
	})
	return cfg
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Project counts by status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				counts, err := e.StatusCounts(ctx)
				if err != nil {
					return err
				}
				return printJSON(map[string]any{"projects": counts})
			})
		},
	}
}

func projectCmd() *cobra.Command {
	prj := &cobra.Command{Use: "project", Short: "Manage projects"}
	prj.AddCommand(projectCreateCmd())
	prj.AddCommand(projectListCmd())
	prj.AddCommand(projectShowCmd())
	prj.AddCommand(projectUpdateCmd())
	prj.AddCommand(projectCalculateCmd())
	prj.AddCommand(projectSubmitCmd())
	return prj
}

func projectCreateCmd() *cobra.Command {
	var name, desc, inputsJSON, key string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a project",
		RunE: func(cmd *cobra.Command, args []string) error {
			inputs, err := parseInputsFlag(inputsJSON)
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				env, duplicate, err := e.CreateProject(ctx, key, engine.CreateOptions{
					Name:        name,
					Description: desc,
					Inputs:      inputs,
					ActorID:     viper.GetString("actor-id"),
				})
				if err != nil {
					return err
				}
				if duplicate {
					fmt.Fprintln(os.Stderr, "replayed from idempotency key")
				}
				return printJSON(env)
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "project name")
	cmd.Flags().StringVar(&desc, "description", "", "description")
	cmd.Flags().StringVar(&inputsJSON, "inputs", "", "calculation inputs as JSON")
	cmd.Flags().StringVar(&key, "idempotency-key", "", "dedup retried creates")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func projectListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List projects",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.ListProjects(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Status", "Number", "Confidence", "Updated"})
				for _, p := range items {
					number := ""
					if p.ProjectNumber != nil {
						number = *p.ProjectNumber
					}
					tw.AppendRow(table.Row{p.ID, p.Name, p.Status, number, fmt.Sprintf("%.3f", p.Confidence), p.UpdatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func projectShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show a project with its concurrency token",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := e.GetProject(ctx, args[0])
				if err != nil {
					return err
				}
				view := engine.ProjectView(p)
				return printJSON(view)
			})
		},
	}
	return cmd
}

func projectUpdateCmd() *cobra.Command {
	var name, desc, status, inputsJSON, ifMatch string
	cmd := &cobra.Command{
		Use:   "update <id>",
		Short: "Update a project (conditional)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			inputs, err := parseInputsFlag(inputsJSON)
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				token, err := resolveToken(ctx, e, args[0], ifMatch)
				if err != nil {
					return err
				}
				opts := engine.UpdateOptions{ID: args[0], IfMatch: token, Inputs: inputs, ActorID: viper.GetString("actor-id")}
				if cmd.Flags().Changed("name") {
					opts.Name = &name
				}
				if cmd.Flags().Changed("description") {
					opts.Description = &desc
				}
				if cmd.Flags().Changed("status") {
					opts.Status = &status
				}
				env, err := e.UpdateProject(ctx, opts)
				if err != nil {
					return err
				}
				return printJSON(env)
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "new name")
	cmd.Flags().StringVar(&desc, "description", "", "new description")
	cmd.Flags().StringVar(&status, "status", "", "new status (draft, active, submitted, accepted, rejected)")
	cmd.Flags().StringVar(&inputsJSON, "inputs", "", "replacement inputs as JSON")
	cmd.Flags().StringVar(&ifMatch, "if-match", "", "expected concurrency token (defaults to the stored one)")
	return cmd
}

func projectCalculateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "calculate <id>",
		Short: "Run the calculation and print the envelope",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				env, err := e.CalculateProject(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(env)
			})
		},
	}
}

func projectSubmitCmd() *cobra.Command {
	var ifMatch, key, notify string
	var wait bool
	cmd := &cobra.Command{
		Use:   "submit <id>",
		Short: "Submit a project through the async pipeline",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				token, err := resolveToken(ctx, e, args[0], ifMatch)
				if err != nil {
					return err
				}
				env, duplicate, err := e.SubmitProject(ctx, key, engine.SubmitOptions{
					ID:          args[0],
					IfMatch:     token,
					NotifyEmail: notify,
					ActorID:     viper.GetString("actor-id"),
				})
				if err != nil {
					return err
				}
				if duplicate {
					fmt.Fprintln(os.Stderr, "replayed from idempotency key")
				}
				if !wait {
					return printJSON(env)
				}
				taskID, _ := env.Result.(map[string]any)["task_id"].(string)
				rec, err := pollTask(ctx, e, taskID, 100*time.Millisecond, 600)
				if err != nil {
					return err
				}
				return printJSON(rec)
			})
		},
	}
	cmd.Flags().StringVar(&ifMatch, "if-match", "", "expected concurrency token (defaults to the stored one)")
	cmd.Flags().StringVar(&key, "idempotency-key", "", "dedup retried submits")
	cmd.Flags().StringVar(&notify, "notify-email", "", "send a confirmation email")
	cmd.Flags().BoolVar(&wait, "wait", false, "block until the pipeline finishes")
	return cmd
}

func taskCmd() *cobra.Command {
	task := &cobra.Command{Use: "task", Short: "Inspect and cancel tasks"}
	task.AddCommand(&cobra.Command{
		Use:   "show <task-id>",
		Short: "Show task state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				rec, err := e.Tasks.GetStatus(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(rec)
			})
		},
	})
	waitCmd := &cobra.Command{
		Use:   "wait <task-id>",
		Short: "Poll a task until it reaches a terminal state",
		Args:  cobra.ExactArgs(1),
	}
	var intervalMS, attempts int
	waitCmd.RunE = func(cmd *cobra.Command, args []string) error {
		return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
			rec, err := pollTask(ctx, e, args[0], time.Duration(intervalMS)*time.Millisecond, attempts)
			if err != nil {
				return err
			}
			return printJSON(rec)
		})
	}
	waitCmd.Flags().IntVar(&intervalMS, "interval-ms", 500, "poll interval")
	waitCmd.Flags().IntVar(&attempts, "attempts", 120, "max polls before giving up")
	task.AddCommand(waitCmd)
	task.AddCommand(&cobra.Command{
		Use:   "cancel <task-id>",
		Short: "Cancel a task (idempotent)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				state, err := e.Tasks.Cancel(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(map[string]string{"task_id": args[0], "state": state})
			})
		},
	})
	return task
}

func deadletterCmd() *cobra.Command {
	dl := &cobra.Command{Use: "deadletter", Short: "Inspect the dead-letter queue"}
	var service string
	var all bool
	list := &cobra.Command{
		Use:   "list",
		Short: "List dead letters",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				letters, err := e.Repo.ListDeadLetters(ctx, service, all)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(letters)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Service", "Reason", "Retries", "Enqueued", "Replayed"})
				for _, l := range letters {
					replayed := ""
					if l.ReplayedAt != nil {
						replayed = *l.ReplayedAt
					}
					tw.AppendRow(table.Row{l.ID, l.ServiceName, l.Reason, l.RetryCount, l.EnqueuedAt, replayed})
				}
				tw.Render()
				return nil
			})
		},
	}
	list.Flags().StringVar(&service, "service", "", "filter by service")
	list.Flags().BoolVar(&all, "all", false, "include replayed entries")
	dl.AddCommand(list)
	return dl
}

func logCmd() *cobra.Command {
	log := &cobra.Command{Use: "log", Short: "Audit events"}
	var n int
	var evtType, project string
	tail := &cobra.Command{
		Use:   "tail",
		Short: "Latest events, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				events, err := e.Repo.ListEvents(ctx, n, project, evtType)
				if err != nil {
					return err
				}
				return printJSON(events)
			})
		},
	}
	tail.Flags().IntVar(&n, "n", 20, "number of events")
	tail.Flags().StringVar(&evtType, "type", "", "event type filter")
	tail.Flags().StringVar(&project, "project", "", "project id filter")
	log.AddCommand(tail)
	return log
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			cfg, err := config.LoadOptional(workspace)
			if err != nil {
				return err
			}
			log := zerolog.New(os.Stderr).With().Timestamp().Logger()
			e := engine.New(conn, cfg, log)
			defer e.Close()
			sweepCtx, stopSweep := context.WithCancel(cmd.Context())
			defer stopSweep()
			go e.Idem.RunSweeper(sweepCtx, time.Duration(cfg.Idempotency.SweepIntervalSeconds)*time.Second)

			handler, err := server.New(server.Config{
				Engine:         e,
				BasePath:       basePath,
				RateLimitRPS:   cfg.Server.RateLimitRPS,
				RateLimitBurst: cfg.Server.RateLimitBurst,
				Log:            log,
			})
			if err != nil {
				return err
			}
			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			fmt.Printf("Serving Signline API on http://%s%s (OpenAPI at /openapi.json)\n", addr, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v1", "API base path")
	return cmd
}

// --- helpers ---

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		return err
	}
	e := engine.New(conn, cfg, zerolog.New(os.Stderr).Level(zerolog.WarnLevel))
	defer e.Close()
	return fn(ctx, e)
}

func resolveToken(ctx context.Context, e engine.Engine, projectID, flag string) (string, error) {
	if flag != "" {
		return flag, nil
	}
	p, err := e.GetProject(ctx, projectID)
	if err != nil {
		return "", err
	}
	return p.Token, nil
}

func pollTask(ctx context.Context, e engine.Engine, taskID string, interval time.Duration, attempts int) (domain.TaskRecord, error) {
	var rec domain.TaskRecord
	var err error
	for i := 0; i < attempts; i++ {
		rec, err = e.Tasks.GetStatus(ctx, taskID)
		if err != nil {
			return rec, err
		}
		if domain.TerminalTask(rec.State) {
			return rec, nil
		}
		select {
		case <-ctx.Done():
			return rec, ctx.Err()
		case <-time.After(interval):
		}
	}
	return rec, fmt.Errorf("task %s still %s after %d polls", taskID, rec.State, attempts)
}

func parseInputsFlag(raw string) (map[string]any, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	var inputs map[string]any
	if err := json.Unmarshal([]byte(raw), &inputs); err != nil {
		return nil, fmt.Errorf("--inputs must be a JSON object: %w", err)
	}
	return inputs, nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
