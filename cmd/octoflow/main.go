package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"octoflow/internal/config"
	"octoflow/internal/db"
	"octoflow/internal/domain"
	"octoflow/internal/migrate"
	"octoflow/internal/repo"
	"octoflow/internal/server"
	"octoflow/internal/workflow"
)

var rootCmd = &cobra.Command{
	Use:   "octoflow",
	Short: "Octoflow CLI",
	Long: `Octoflow runs versioned workflows over external entities.
Core concepts:
- Workflow: a named, versioned state machine loaded from YAML.
- Process: one workflow attached to one target entity; at most one per pair.
- Task: a pending manual step; completing it fires a transition and the
  process advances through automatic transitions until the next pause.
- Assignment: tasks are routed to users and groups by resolvers, with a
  workflow-level default when nothing matches.`,
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
	if err := rootCmd.Execute(); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("OCTOFLOW")
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
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(workflowCmd())
	rootCmd.AddCommand(processCmd())
	rootCmd.AddCommand(taskCmd())
	rootCmd.AddCommand(permCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(serveCmd())
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			applied, err := migrate.Apply(conn)
			if err != nil {
				return err
			}
			for _, m := range applied {
				fmt.Println("applied", m.Name)
			}
			current, _, err := migrate.Status(conn)
			if err != nil {
				return err
			}
			fmt.Printf("%s at schema version %d\n", db.Path(workspace), current)
			return nil
		},
	}
}

func workflowCmd() *cobra.Command {
	wf := &cobra.Command{Use: "workflow", Short: "Inspect registered workflows"}
	wf.AddCommand(workflowListCmd())
	wf.AddCommand(workflowShowCmd())
	return wf
}

func workflowListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List workflows",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e workflow.Engine) error {
				defs := e.Registry.All()
				if viper.GetBool("json") {
					return printJSON(defs)
				}
				t := newTable("NAME", "VERSION", "DISPLAY NAME", "TARGET", "STATES", "TRANSITIONS")
				for _, d := range defs {
					t.AppendRow(table.Row{d.Name, d.EffectiveVersion(), d.DisplayName(), d.TargetType, len(d.States), len(d.Transitions)})
				}
				fmt.Println(t.Render())
				return nil
			})
		},
	}
}

func workflowShowCmd() *cobra.Command {
	var version int
	cmd := &cobra.Command{
		Use:   "show <name>",
		Short: "Show a workflow definition",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e workflow.Engine) error {
				def, err := e.Registry.Lookup(args[0], version)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(def)
				}
				fmt.Printf("%s v%d (%s)\n", def.Name, def.EffectiveVersion(), def.DisplayName())
				t := newTable("TRANSITION", "SOURCE", "DESTINATION", "MANUAL", "CREATES TASK")
				for _, tr := range def.Transitions {
					t.AppendRow(table.Row{tr.Name, tr.Source, tr.Destination, tr.Manual, tr.CreatesTask()})
				}
				fmt.Println(t.Render())
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&version, "version", 0, "workflow version (default latest registered v1)")
	return cmd
}

func processCmd() *cobra.Command {
	proc := &cobra.Command{Use: "process", Short: "Manage processes"}
	proc.AddCommand(processOpenCmd())
	proc.AddCommand(processListCmd())
	proc.AddCommand(processShowCmd())
	proc.AddCommand(processAdvanceCmd())
	return proc
}

func processOpenCmd() *cobra.Command {
	var targetType, targetID, name, state string
	var version int
	cmd := &cobra.Command{
		Use:   "open",
		Short: "Open a process for a target entity",
		RunE: func(cmd *cobra.Command, args []string) error {
			if targetType == "" || targetID == "" || name == "" {
				return fmt.Errorf("--target-type, --target-id and --workflow required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e workflow.Engine) error {
				def, err := e.Registry.Lookup(name, version)
				if err != nil {
					return err
				}
				p, err := e.Open(ctx, def, targetRef(targetType, targetID), state, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSON(p)
			})
		},
	}
	cmd.Flags().StringVar(&targetType, "target-type", "", "target entity type")
	cmd.Flags().StringVar(&targetID, "target-id", "", "target entity id")
	cmd.Flags().StringVar(&name, "workflow", "", "workflow name")
	cmd.Flags().IntVar(&version, "version", 0, "workflow version")
	cmd.Flags().StringVar(&state, "state", "", "initial state override")
	return cmd
}

func processListCmd() *cobra.Command {
	var targetType, targetID, name, state string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List processes",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e workflow.Engine) error {
				items, err := e.Repo.ListProcesses(ctx, repo.ProcessFilters{
					TargetType:   targetType,
					TargetID:     targetID,
					WorkflowName: name,
					State:        state,
				})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				t := newTable("ID", "TARGET", "WORKFLOW", "STATE", "UPDATED")
				for _, p := range items {
					t.AppendRow(table.Row{p.ID, p.Target.Type + "/" + p.Target.ID, fmt.Sprintf("%s v%d", p.WorkflowName, p.WorkflowVersion), p.State, p.UpdatedAt})
				}
				fmt.Println(t.Render())
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&targetType, "target-type", "", "target entity type")
	cmd.Flags().StringVar(&targetID, "target-id", "", "target entity id")
	cmd.Flags().StringVar(&name, "workflow", "", "workflow name")
	cmd.Flags().StringVar(&state, "state", "", "process state")
	return cmd
}

func processShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show a process",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e workflow.Engine) error {
				p, err := e.Repo.GetProcess(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(p)
			})
		},
	}
}

func processAdvanceCmd() *cobra.Command {
	var transition string
	cmd := &cobra.Command{
		Use:   "advance <id>",
		Short: "Advance a process",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e workflow.Engine) error {
				actor := viper.GetString("actor-id")
				if transition != "" {
					if _, err := e.AdvanceOnce(ctx, args[0], transition, actor); err != nil {
						return err
					}
				}
				p, err := e.Advance(ctx, args[0], actor)
				if err != nil {
					return err
				}
				return printJSON(p)
			})
		},
	}
	cmd.Flags().StringVar(&transition, "transition", "", "named transition to fire before advancing")
	return cmd
}

func taskCmd() *cobra.Command {
	task := &cobra.Command{
		Use:   "task",
		Short: "Manage tasks",
		Long:  "Tasks pause a process on a manual transition. Completing one fires the chosen transition and the process moves on.",
	}
	task.AddCommand(taskListCmd())
	task.AddCommand(taskShowCmd())
	task.AddCommand(taskCompleteCmd())
	return task
}

func taskListCmd() *cobra.Command {
	var processID, state string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e workflow.Engine) error {
				items, err := e.Repo.ListTasks(ctx, repo.TaskFilters{ProcessID: processID, State: state})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				t := newTable("ID", "PROCESS", "TASK", "STATE", "USERS", "GROUPS")
				for _, item := range items {
					t.AppendRow(table.Row{item.ID, item.ProcessID, item.Task, item.State, strings.Join(item.Users, ","), strings.Join(item.Groups, ",")})
				}
				fmt.Println(t.Render())
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&processID, "process", "", "process id")
	cmd.Flags().StringVar(&state, "state", "", "task state")
	return cmd
}

func taskShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e workflow.Engine) error {
				t, err := e.Repo.GetTask(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(t)
			})
		},
	}
}

func taskCompleteCmd() *cobra.Command {
	var transition, reason string
	cmd := &cobra.Command{
		Use:   "complete <id>",
		Short: "Complete a task by firing a transition",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if transition == "" {
				return fmt.Errorf("--transition required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e workflow.Engine) error {
				var data map[string]any
				if reason != "" {
					data = map[string]any{"reason": reason}
				}
				t, err := e.Complete(ctx, args[0], transition, viper.GetString("actor-id"), data)
				if err != nil {
					return err
				}
				return printJSON(t)
			})
		},
	}
	cmd.Flags().StringVar(&transition, "transition", "", "transition name")
	cmd.Flags().StringVar(&reason, "reason", "", "completion reason, stored on the task")
	return cmd
}

func permCmd() *cobra.Command {
	perm := &cobra.Command{Use: "perm", Short: "Manage workflow permissions"}
	perm.AddCommand(permDeclareCmd())
	perm.AddCommand(permGrantCmd())
	perm.AddCommand(permRevokeCmd())
	perm.AddCommand(permListCmd())
	return perm
}

func permDeclareCmd() *cobra.Command {
	var id, targetType, description string
	cmd := &cobra.Command{
		Use:   "declare",
		Short: "Declare a permission string",
		Long:  "Only declared permissions are enforced; workflows whose permission strings are not declared stay open to everyone.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if id == "" {
				return fmt.Errorf("--id required")
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				return r.DeclarePermission(ctx, id, targetType, description)
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "permission id, e.g. octoflow.can_write_my_workflow")
	cmd.Flags().StringVar(&targetType, "target-type", "", "target entity type")
	cmd.Flags().StringVar(&description, "description", "", "description")
	return cmd
}

func permGrantCmd() *cobra.Command {
	var user, perm string
	cmd := &cobra.Command{
		Use:   "grant",
		Short: "Grant a permission to a user",
		RunE: func(cmd *cobra.Command, args []string) error {
			if user == "" || perm == "" {
				return fmt.Errorf("--user and --perm required")
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				return r.GrantPermission(ctx, user, perm)
			})
		},
	}
	cmd.Flags().StringVar(&user, "user", "", "user id")
	cmd.Flags().StringVar(&perm, "perm", "", "permission id")
	return cmd
}

func permRevokeCmd() *cobra.Command {
	var user, perm string
	cmd := &cobra.Command{
		Use:   "revoke",
		Short: "Revoke a permission from a user",
		RunE: func(cmd *cobra.Command, args []string) error {
			if user == "" || perm == "" {
				return fmt.Errorf("--user and --perm required")
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				return r.RevokePermission(ctx, user, perm)
			})
		},
	}
	cmd.Flags().StringVar(&user, "user", "", "user id")
	cmd.Flags().StringVar(&perm, "perm", "", "permission id")
	return cmd
}

func permListCmd() *cobra.Command {
	var user string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List a user's permissions",
		RunE: func(cmd *cobra.Command, args []string) error {
			if user == "" {
				return fmt.Errorf("--user required")
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				perms, err := r.UserPermissions(cmd.Context(), user)
				if err != nil {
					return err
				}
				return printJSON(perms)
			})
		},
	}
	cmd.Flags().StringVar(&user, "user", "", "user id")
	return cmd
}

func logCmd() *cobra.Command {
	log := &cobra.Command{Use: "log", Short: "Inspect the event log"}
	log.AddCommand(logTailCmd())
	return log
}

func logTailCmd() *cobra.Command {
	var n int
	var evtType, processID string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				events, err := r.LatestEvents(ctx, n, processID, evtType)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(events)
				}
				t := newTable("TS", "TYPE", "PROCESS", "ENTITY", "ACTOR")
				for _, e := range events {
					t.AppendRow(table.Row{e.TS, e.Type, e.ProcessID, e.EntityKind + "/" + e.EntityID, e.ActorID})
				}
				fmt.Println(t.Render())
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	cmd.Flags().StringVar(&processID, "process", "", "process id filter")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	var devHeaderAuth bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			cfg, err := config.LoadOptional(workspace)
			if err != nil {
				return err
			}
			e, conn, err := buildEngine(workspace, cfg)
			if err != nil {
				return err
			}
			defer conn.Close()
			if addr == "" {
				addr = cfg.Server.Addr
			}
			if basePath == "" {
				basePath = cfg.Server.BasePath
			}
			secret := os.Getenv("OCTOFLOW_JWT_SECRET")
			if secret == "" {
				secret = cfg.Auth.JWTSecret
			}
			if secret == "" && !devHeaderAuth {
				return fmt.Errorf("OCTOFLOW_JWT_SECRET is required for bearer auth")
			}
			authCfg := server.AuthConfig{
				JWTSecret:       secret,
				Superusers:      cfg.Auth.Superusers,
				AllowUserHeader: devHeaderAuth,
				Logger:          e.Log,
			}
			handler, err := server.New(server.Config{Engine: e, BasePath: basePath, Auth: authCfg})
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
			fmt.Printf("Serving Octoflow API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n", addr, basePath, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default from config)")
	cmd.Flags().StringVar(&basePath, "base-path", "", "API base path (default from config)")
	cmd.Flags().BoolVar(&devHeaderAuth, "dev-header-auth", false, "accept X-User-Id header without a token (development only)")
	return cmd
}

// --- helpers ---

func buildEngine(workspace string, cfg *config.Config) (workflow.Engine, *sql.DB, error) {
	conn, err := db.Open(db.Config{Workspace: workspace, BusyTimeoutMS: cfg.Storage.BusyTimeoutMS})
	if err != nil {
		return workflow.Engine{}, nil, err
	}
	if err := migrate.Migrate(conn); err != nil {
		conn.Close()
		return workflow.Engine{}, nil, err
	}
	log := logrus.New()
	registry := workflow.NewRegistry(log)
	if cfg.Workflows.Dir != "" {
		defs, err := workflow.LoadDir(cfg.Workflows.Dir)
		if err != nil && !os.IsNotExist(err) {
			conn.Close()
			return workflow.Engine{}, nil, err
		}
		for _, d := range defs {
			if err := registry.Register(d); err != nil {
				conn.Close()
				return workflow.Engine{}, nil, err
			}
		}
	}
	e := workflow.New(conn, registry, log)
	e.Perms = repo.Repo{DB: conn}
	e.Resolver = &workflow.Resolver{Cache: workflow.NewAssignCache(cfg.Assignment.CacheSize)}
	return e, conn, nil
}

func withEngine(ctx context.Context, fn func(context.Context, workflow.Engine) error) error {
	workspace := viper.GetString("workspace")
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		return err
	}
	e, conn, err := buildEngine(workspace, cfg)
	if err != nil {
		return err
	}
	defer conn.Close()
	return fn(ctx, e)
}

func withRepo(ctx context.Context, fn func(context.Context, repo.Repo) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	return fn(ctx, repo.Repo{DB: conn})
}

func newTable(headers ...any) table.Writer {
	t := table.NewWriter()
	t.SetStyle(table.StyleLight)
	t.AppendHeader(table.Row(headers))
	return t
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func targetRef(targetType, targetID string) domain.TargetRef {
	return domain.TargetRef{Type: targetType, ID: targetID}
}
