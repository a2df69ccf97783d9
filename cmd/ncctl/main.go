// Command ncctl is the operator CLI for the coordination facade, in local
// or hosted store mode: it wraps the same engine.Facade the HTTP and MCP
// surfaces use,
// so agents running a CLI and agents calling the API see the same jobs,
// locks, and notepad.
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

	"nervecenter/internal/config"
	"nervecenter/internal/db"
	"nervecenter/internal/domain"
	"nervecenter/internal/engine"
	"nervecenter/internal/migrate"
	"nervecenter/internal/rag"
	"nervecenter/internal/server"
	"nervecenter/internal/store"
	"nervecenter/internal/store/localstore"
	"nervecenter/internal/store/sqlstore"
	"nervecenter/internal/toolsurface"
)

var rootCmd = &cobra.Command{
	Use:   "ncctl",
	Short: "Nerve Center CLI",
	Long: `Nerve Center coordinates many agents working the same project.
Core concepts:
- Project: the shared workspace every job, lock, and note belongs to.
- Job: a unit of work with a priority and dependencies; agents claim the
  highest priority job whose dependencies are already done.
- Lock: a soft, TTL-bounded claim on a file path so two agents don't edit
  the same file at once.
- Notepad: an append-only shared scratchpad; finalize_session archives it
  and starts a fresh one.
- Store mode: local (single JSON file, this process only) or hosted
  (shared sqlite reachable from many processes).`,
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
	viper.SetEnvPrefix("NERVECENTER")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("agent-id", "local-agent", "agent identifier")
	rootCmd.PersistentFlags().String("project", "", "project name")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("agent-id", rootCmd.PersistentFlags().Lookup("agent-id"))
	_ = viper.BindPFlag("project", rootCmd.PersistentFlags().Lookup("project"))
}

func registerCommands() {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(jobCmd())
	rootCmd.AddCommand(lockCmd())
	rootCmd.AddCommand(sessionCmd())
	rootCmd.AddCommand(contextCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(mcpCmd())
}

func initCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default nervecenter.yml in the workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			name := viper.GetString("project")
			if name == "" {
				return fmt.Errorf("--project is required")
			}
			path := config.Path(workspace)
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists", path)
			}
			return os.WriteFile(path, []byte(config.GenerateDefault(name)), 0o644)
		},
	}
	return cmd
}

func jobCmd() *cobra.Command {
	job := &cobra.Command{
		Use:   "job",
		Short: "Manage jobs",
		Long:  "Jobs flow todo -> in_progress -> done/cancelled. Claiming picks the highest priority job whose dependencies are all done.",
	}
	job.AddCommand(jobPostCmd())
	job.AddCommand(jobListCmd())
	job.AddCommand(jobClaimCmd())
	job.AddCommand(jobCompleteCmd())
	job.AddCommand(jobCancelCmd())
	return job
}

func jobPostCmd() *cobra.Command {
	var title, description, priority string
	var deps []string
	cmd := &cobra.Command{
		Use:   "post",
		Short: "Post a new job",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withFacade(cmd.Context(), func(ctx context.Context, f *engine.Facade, projectID string) error {
				res, err := f.PostJob(ctx, projectID, title, description, priority, deps)
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{"job": res.Job, "completion_key": res.CompletionKey})
			})
		},
	}
	cmd.Flags().StringVar(&title, "title", "", "job title")
	cmd.Flags().StringVar(&description, "description", "", "job description")
	cmd.Flags().StringVar(&priority, "priority", "medium", "priority (low, medium, high, critical)")
	cmd.Flags().StringArrayVar(&deps, "depends-on", nil, "dependency job id (repeatable)")
	_ = cmd.MarkFlagRequired("title")
	return cmd
}

func jobListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withFacade(cmd.Context(), func(ctx context.Context, f *engine.Facade, projectID string) error {
				jobs, err := f.ListJobs(ctx, projectID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(jobs)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Title", "Priority", "Status", "Assignee"})
				for _, j := range jobs {
					assignee := ""
					if j.AssignedTo != nil {
						assignee = *j.AssignedTo
					}
					tw.AppendRow(table.Row{j.ID, j.Title, j.Priority, j.Status, assignee})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func jobClaimCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "claim",
		Short: "Claim the next available job",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withFacade(cmd.Context(), func(ctx context.Context, f *engine.Facade, projectID string) error {
				job, claimed, err := f.ClaimNextJob(ctx, projectID, viper.GetString("agent-id"))
				if err != nil {
					return err
				}
				if !claimed {
					return printJSONOrTable(map[string]any{"status": "NO_JOBS_AVAILABLE"})
				}
				return printJSONOrTable(job)
			})
		},
	}
	return cmd
}

func jobCompleteCmd() *cobra.Command {
	var outcome, key string
	cmd := &cobra.Command{
		Use:   "complete <job-id>",
		Short: "Complete a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withFacade(cmd.Context(), func(ctx context.Context, f *engine.Facade, projectID string) error {
				job, err := f.CompleteJob(ctx, projectID, viper.GetString("agent-id"), args[0], outcome, key)
				if err != nil {
					return err
				}
				return printJSONOrTable(job)
			})
		},
	}
	cmd.Flags().StringVar(&outcome, "outcome", "", "outcome summary")
	cmd.Flags().StringVar(&key, "completion-key", "", "completion key (if not the assignee)")
	return cmd
}

func jobCancelCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "cancel <job-id>",
		Short: "Cancel a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withFacade(cmd.Context(), func(ctx context.Context, f *engine.Facade, projectID string) error {
				job, err := f.CancelJob(ctx, projectID, args[0], reason)
				if err != nil {
					return err
				}
				return printJSONOrTable(job)
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "cancellation reason")
	return cmd
}

func lockCmd() *cobra.Command {
	lock := &cobra.Command{
		Use:   "lock",
		Short: "Manage file locks",
		Long:  "Locks are soft, TTL-bounded claims on a file path. Propose returns the incumbent instead of blocking when denied.",
	}
	lock.AddCommand(lockProposeCmd())
	lock.AddCommand(lockListCmd())
	lock.AddCommand(lockUnlockCmd())
	lock.AddCommand(lockForceUnlockCmd())
	return lock
}

func lockProposeCmd() *cobra.Command {
	var intent, prompt string
	cmd := &cobra.Command{
		Use:   "propose <file-path>",
		Short: "Propose access to a file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withFacade(cmd.Context(), func(ctx context.Context, f *engine.Facade, projectID string) error {
				res, err := f.ProposeFileAccess(ctx, projectID, viper.GetString("agent-id"), args[0], intent, prompt)
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{"granted": res.Granted, "lock": res.Lock})
			})
		},
	}
	cmd.Flags().StringVar(&intent, "intent", "edit", "intent (read, edit, delete)")
	cmd.Flags().StringVar(&prompt, "user-prompt", "", "the prompt driving this access")
	return cmd
}

func lockListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List live locks",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withFacade(cmd.Context(), func(ctx context.Context, f *engine.Facade, projectID string) error {
				locks, err := f.ListLocks(ctx, projectID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(locks)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"File", "Agent", "Intent", "Updated"})
				for _, l := range locks {
					tw.AppendRow(table.Row{l.FilePath, l.AgentID, l.Intent, l.UpdatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func lockUnlockCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "unlock <file-path>",
		Short: "Release a lock",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withFacade(cmd.Context(), func(ctx context.Context, f *engine.Facade, projectID string) error {
				return f.Unlock(ctx, projectID, args[0])
			})
		},
	}
	return cmd
}

func lockForceUnlockCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "force-unlock <file-path>",
		Short: "Forcibly release a stuck lock",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withFacade(cmd.Context(), func(ctx context.Context, f *engine.Facade, projectID string) error {
				return f.ForceUnlock(ctx, projectID, args[0], reason)
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "stale", "reason for forcing the unlock")
	return cmd
}

func sessionCmd() *cobra.Command {
	session := &cobra.Command{
		Use:   "session",
		Short: "Manage the shared session notepad",
	}
	session.AddCommand(sessionSyncCmd())
	session.AddCommand(sessionFinalizeCmd())
	return session
}

func sessionSyncCmd() *cobra.Command {
	var text string
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Append a note to the shared notepad",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withFacade(cmd.Context(), func(ctx context.Context, f *engine.Facade, projectID string) error {
				return f.UpdateSharedContext(ctx, projectID, viper.GetString("agent-id"), text)
			})
		},
	}
	cmd.Flags().StringVar(&text, "text", "", "note text")
	_ = cmd.MarkFlagRequired("text")
	return cmd
}

func sessionFinalizeCmd() *cobra.Command {
	var title string
	cmd := &cobra.Command{
		Use:   "finalize",
		Short: "Archive the session and reset live state",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withFacade(cmd.Context(), func(ctx context.Context, f *engine.Facade, projectID string) error {
				res, err := f.FinalizeSession(ctx, projectID, title)
				if err != nil {
					return err
				}
				return printJSONOrTable(res)
			})
		},
	}
	cmd.Flags().StringVar(&title, "title", "Session", "archive title")
	return cmd
}

func contextCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "context",
		Short: "Print the core context (jobs, locks, notepad)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withFacade(cmd.Context(), func(ctx context.Context, f *engine.Facade, projectID string) error {
				out, err := f.GetCoreContext(ctx, projectID)
				if err != nil {
					return err
				}
				fmt.Println(out)
				return nil
			})
		},
	}
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd.Context(), func(ctx context.Context, st store.Store, cfg *config.Config) error {
				f := engine.New(st, cfg)
				ragSvc := rag.New(st, func(ctx context.Context, name string) (domain.Project, error) {
					return f.ResolveProject(ctx, name, cfg.Project.Owner)
				})
				authCfg := server.AuthConfig{JWTSecret: os.Getenv("NERVECENTER_JWT_SECRET")}
				handler, err := server.New(server.Config{Facade: f, RAG: ragSvc, Store: st, BasePath: basePath, Auth: authCfg})
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
				fmt.Printf("Serving Nerve Center API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n", addr, basePath, basePath)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v1", "API base path")
	return cmd
}

func mcpCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "mcp",
		Short: "Start the MCP tool-surface server over stdio",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd.Context(), func(ctx context.Context, st store.Store, cfg *config.Config) error {
				f := engine.New(st, cfg)
				ragSvc := rag.New(st, func(ctx context.Context, name string) (domain.Project, error) {
					return f.ResolveProject(ctx, name, cfg.Project.Owner)
				})
				projectName := viper.GetString("project")
				if projectName == "" {
					projectName = cfg.Project.Name
				}
				return toolsurface.Serve(f, ragSvc, projectName, cfg.Project.Owner, viper.GetString("agent-id"))
			})
		},
	}
	return cmd
}

// --- helpers ---

func withFacade(ctx context.Context, fn func(context.Context, *engine.Facade, string) error) error {
	return withStore(ctx, func(ctx context.Context, st store.Store, cfg *config.Config) error {
		f := engine.New(st, cfg)
		projectName := viper.GetString("project")
		if projectName == "" {
			projectName = cfg.Project.Name
		}
		project, err := f.ResolveProject(ctx, projectName, cfg.Project.Owner)
		if err != nil {
			return err
		}
		return fn(ctx, f, project.ID)
	})
}

func withStore(ctx context.Context, fn func(context.Context, store.Store, *config.Config) error) error {
	workspace := viper.GetString("workspace")
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		return err
	}
	if cfg == nil {
		cfg = config.Default(viper.GetString("project"))
	}

	var st store.Store
	switch cfg.Store.Mode {
	case "hosted":
		conn, err := db.Open(db.Config{Workspace: workspace, Path: cfg.Store.DSN})
		if err != nil {
			return err
		}
		defer conn.Close()
		if err := migrate.Migrate(conn); err != nil {
			return err
		}
		st = sqlstore.New(conn)
	default:
		ls, err := localstore.New(cfg.Store.StateFile, cfg.Store.HistoryDir)
		if err != nil {
			return err
		}
		st = ls
	}
	return fn(ctx, st, cfg)
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
