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
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"careline/internal/config"
	"careline/internal/db"
	"careline/internal/dispatch"
	"careline/internal/engine"
	"careline/internal/intent"
	"careline/internal/llm"
	"careline/internal/migrate"
	"careline/internal/repo"
	"careline/internal/server"
	"careline/internal/worker"
)

var rootCmd = &cobra.Command{
	Use:   "careline",
	Short: "Careline CLI",
	Long: `Careline lets care organization staff manage members through a
governed assistant. Member mutations always pass the same path: a
confirmed draft becomes a plan, the plan becomes a job, and the worker
executes it only if the organization enabled the action.`,
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
	viper.SetEnvPrefix("CARELINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	rootCmd.PersistentFlags().String("tenant", "", "tenant id")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
	_ = viper.BindPFlag("tenant", rootCmd.PersistentFlags().Lookup("tenant"))
}

func registerCommands() {
	rootCmd.AddCommand(checkCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(workerCmd())
	rootCmd.AddCommand(tenantCmd())
	rootCmd.AddCommand(memberCmd())
	rootCmd.AddCommand(draftCmd())
	rootCmd.AddCommand(jobCmd())
	rootCmd.AddCommand(workItemCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(tokenCmd())
}

func checkCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Verify catalog integrity",
		Long:  "Runs the same catalog and handler cross-checks the server runs at boot, and prints every violation found.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cat := intent.Default()
			if err := cat.Verify(engine.HandlerKeys()); err != nil {
				var ie *intent.IntegrityError
				if errors.As(err, &ie) {
					for _, v := range ie.Violations {
						fmt.Println("violation:", v)
					}
				}
				return err
			}
			fmt.Printf("catalog ok: %d intents, %d handlers\n", len(cat.Keys()), len(engine.HandlerKeys()))
			return nil
		},
	}
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				secret := os.Getenv("CARELINE_JWT_SECRET")
				if secret == "" {
					secret = e.Config.Auth.JWTSecret
				}
				if secret == "" {
					return fmt.Errorf("CARELINE_JWT_SECRET is required for bearer auth")
				}
				if addr == "" {
					addr = e.Config.Server.Addr
				}
				if basePath == "" {
					basePath = e.Config.Server.BasePath
				}
				client := llm.NewOpenAIClient(e.Config.LLM.BaseURL, e.Config.APIKey(), e.Config.LLM.Model, e.Config.LLM.Timeout.Std(), e.Log)
				d := dispatch.New(e, client)
				handler, err := server.New(server.Config{
					Engine:     e,
					Dispatcher: d,
					BasePath:   basePath,
					Auth:       server.AuthConfig{JWTSecret: secret},
				})
				if err != nil {
					return err
				}
				w := worker.New(e)
				go w.Run(ctx)

				srv := &http.Server{Addr: addr, Handler: handler}
				go func() {
					<-ctx.Done()
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					srv.Shutdown(shutdownCtx)
				}()
				fmt.Printf("Serving Careline API on http://%s%s (OpenAPI at %s/openapi.json)\n", addr, basePath, basePath)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default from config)")
	cmd.Flags().StringVar(&basePath, "base-path", "", "API base path (default from config)")
	return cmd
}

func workerCmd() *cobra.Command {
	var once bool
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Run the job worker",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				w := worker.New(e)
				if once {
					n, err := w.RunOnce(ctx)
					if err != nil {
						return err
					}
					fmt.Printf("processed %d job(s)\n", n)
					return nil
				}
				fmt.Println("worker running, ctrl-c to stop")
				err := w.Run(ctx)
				if errors.Is(err, context.Canceled) {
					return nil
				}
				return err
			})
		},
	}
	cmd.Flags().BoolVar(&once, "once", false, "process one batch and exit")
	return cmd
}

func tenantCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "tenant", Short: "Manage tenants"}
	cmd.AddCommand(tenantCreateCmd())
	cmd.AddCommand(tenantListCmd())
	cmd.AddCommand(tenantPolicyCmd())
	return cmd
}

func tenantCreateCmd() *cobra.Command {
	var id, name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a tenant",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.CreateTenant(ctx, id, name, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "tenant id")
	cmd.Flags().StringVar(&name, "name", "", "tenant name")
	_ = cmd.MarkFlagRequired("id")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func tenantListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List tenants",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				tenants, err := r.ListTenants(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(tenants)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Status", "Created"})
				for _, t := range tenants {
					tw.AppendRow(table.Row{t.ID, t.Name, t.Status, t.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func tenantPolicyCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "policy", Short: "Manage policy settings"}
	cmd.AddCommand(tenantPolicySetCmd())
	cmd.AddCommand(tenantPolicyListCmd())
	return cmd
}

func tenantPolicySetCmd() *cobra.Command {
	var key string
	var enabled bool
	cmd := &cobra.Command{
		Use:   "set",
		Short: "Enable or disable a governed action for a tenant",
		RunE: func(cmd *cobra.Command, args []string) error {
			tenantID, err := requireTenant()
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := e.SetPolicy(ctx, tenantID, key, enabled, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	cmd.Flags().StringVar(&key, "key", "", "action key or event type")
	cmd.Flags().BoolVar(&enabled, "enabled", false, "enable the action")
	_ = cmd.MarkFlagRequired("key")
	return cmd
}

func tenantPolicyListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List policy settings",
		RunE: func(cmd *cobra.Command, args []string) error {
			tenantID, err := requireTenant()
			if err != nil {
				return err
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				policies, err := r.ListPolicySettings(ctx, tenantID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(policies)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Key", "Enabled", "Updated"})
				for _, p := range policies {
					tw.AppendRow(table.Row{p.Key, p.Enabled, p.UpdatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func memberCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "member", Short: "Manage members"}
	cmd.AddCommand(memberAddCmd())
	cmd.AddCommand(memberListCmd())
	return cmd
}

func memberAddCmd() *cobra.Command {
	var first, last, phone, birth string
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Add a member directly",
		RunE: func(cmd *cobra.Command, args []string) error {
			tenantID, err := requireTenant()
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				m, err := e.AddMember(ctx, tenantID, engine.MemberAddOptions{
					FirstName: first,
					LastName:  last,
					Phone:     phone,
					BirthDate: birth,
					ActorID:   viper.GetString("actor-id"),
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(m)
			})
		},
	}
	cmd.Flags().StringVar(&first, "first-name", "", "first name")
	cmd.Flags().StringVar(&last, "last-name", "", "last name")
	cmd.Flags().StringVar(&phone, "phone", "", "contact phone")
	cmd.Flags().StringVar(&birth, "birth-date", "", "birth date (YYYY-MM-DD)")
	_ = cmd.MarkFlagRequired("first-name")
	return cmd
}

func memberListCmd() *cobra.Command {
	var status string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List members",
		RunE: func(cmd *cobra.Command, args []string) error {
			tenantID, err := requireTenant()
			if err != nil {
				return err
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				members, err := r.ListMembers(ctx, tenantID, repo.MemberFilters{Status: status})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(members)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Phone", "Status", "Since"})
				for _, m := range members {
					since := ""
					if m.StatusAt != nil {
						since = *m.StatusAt
					}
					tw.AppendRow(table.Row{m.ID, strings.TrimSpace(m.FirstName + " " + m.LastName), m.Phone, m.Status, since})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "filter by status")
	return cmd
}

func draftCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "draft", Short: "Inspect drafts"}
	var session, status string
	list := &cobra.Command{
		Use:   "list",
		Short: "List drafts",
		RunE: func(cmd *cobra.Command, args []string) error {
			tenantID, err := requireTenant()
			if err != nil {
				return err
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				drafts, err := r.ListDrafts(ctx, tenantID, repo.DraftFilters{SessionID: session, Status: status})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(drafts)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Intent", "Status", "Missing", "Updated"})
				for _, d := range drafts {
					tw.AppendRow(table.Row{d.ID, d.IntentKey, d.Status, d.MissingJSON, d.UpdatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	list.Flags().StringVar(&session, "session", "", "filter by session id")
	list.Flags().StringVar(&status, "status", "", "filter by status")
	cmd.AddCommand(list)
	return cmd
}

func jobCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "job", Short: "Inspect jobs"}
	var status string
	list := &cobra.Command{
		Use:   "list",
		Short: "List jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			tenantID, err := requireTenant()
			if err != nil {
				return err
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				jobs, err := r.ListJobs(ctx, tenantID, repo.JobFilters{Status: status})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(jobs)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Intent", "Status", "Attempts", "Error"})
				for _, j := range jobs {
					lastErr := ""
					if j.LastError != nil {
						lastErr = *j.LastError
					}
					tw.AppendRow(table.Row{j.ID, j.IntentKey, j.Status, fmt.Sprintf("%d/%d", j.Attempts, j.MaxAttempts), lastErr})
				}
				tw.Render()
				return nil
			})
		},
	}
	list.Flags().StringVar(&status, "status", "", "filter by status")
	cmd.AddCommand(list)
	return cmd
}

func workItemCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "workitem", Short: "Inspect work items"}
	var trigger string
	list := &cobra.Command{
		Use:   "list",
		Short: "List work items",
		RunE: func(cmd *cobra.Command, args []string) error {
			tenantID, err := requireTenant()
			if err != nil {
				return err
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListWorkItems(ctx, tenantID, repo.WorkItemFilters{Trigger: trigger})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Trigger", "Entity", "Priority", "Title"})
				for _, w := range items {
					tw.AppendRow(table.Row{w.ID, w.Trigger, w.EntityID, w.Priority, w.Title})
				}
				tw.Render()
				return nil
			})
		},
	}
	list.Flags().StringVar(&trigger, "trigger", "", "filter by trigger")
	cmd.AddCommand(list)
	return cmd
}

func logCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "log", Short: "Inspect the event log"}
	var n int
	tail := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			tenantID, err := requireTenant()
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				evts, err := e.Events.List(ctx, tenantID, n)
				if err != nil {
					return err
				}
				return printJSONOrTable(evts)
			})
		},
	}
	tail.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.AddCommand(tail)
	return cmd
}

func tokenCmd() *cobra.Command {
	var user string
	var roles []string
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a JWT for API access",
		RunE: func(cmd *cobra.Command, args []string) error {
			tenantID, err := requireTenant()
			if err != nil {
				return err
			}
			secret := os.Getenv("CARELINE_JWT_SECRET")
			if secret == "" {
				return fmt.Errorf("CARELINE_JWT_SECRET is required")
			}
			token, err := server.IssueToken(secret, user, tenantID, roles)
			if err != nil {
				return err
			}
			fmt.Println(token)
			return nil
		},
	}
	cmd.Flags().StringVar(&user, "user", "local-user", "subject claim")
	cmd.Flags().StringSliceVar(&roles, "role", nil, "roles claim")
	return cmd
}

// --- helpers ---

func requireTenant() (string, error) {
	tenantID := viper.GetString("tenant")
	if tenantID == "" {
		return "", fmt.Errorf("--tenant required")
	}
	return tenantID, nil
}

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
	cfg, err := config.Load(workspace)
	if err != nil {
		return err
	}
	cat := intent.Default()
	if err := cat.Verify(engine.HandlerKeys()); err != nil {
		return err
	}
	log, err := zap.NewProduction()
	if err != nil {
		return err
	}
	defer log.Sync()
	e := engine.New(conn, cfg, cat, log)
	e.Nudge = make(chan struct{}, 1)
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
