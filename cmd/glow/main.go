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

	"glow/internal/config"
	"glow/internal/credstore"
	"glow/internal/db"
	"glow/internal/domain"
	"glow/internal/engine"
	"glow/internal/guard"
	"glow/internal/metrics"
	"glow/internal/migrate"
	"glow/internal/repo"
	"glow/internal/scheduler"
	"glow/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "glow",
	Short: "Glow CLI",
	Long: `Glow runs asynchronous jobs behind a polling API with scoped credentials.
- Workspace: the .glow directory holding the database; glow.yml configures
  the server, scheduler, and job kinds.
- Jobs: submitted work items; states go pending -> running -> completed,
  with failed, and cancelling -> cancelled as exits.
- Tokens: personal access tokens; the secret is shown once at issuance.
- Apps: third-party grants exchanged for short-lived delegated tokens.
- Audit log: append-only diary of every issuance, revocation, and
  transition; view with 'glow log tail'.`,
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
	viper.SetEnvPrefix("GLOW")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "acting principal identifier")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
}

func registerCommands() {
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(principalCmd())
	rootCmd.AddCommand(tokenCmd())
	rootCmd.AddCommand(appCmd())
	rootCmd.AddCommand(jobCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(statusCmd())
}

// localActor is the principal the CLI acts as. The CLI talks to the local
// database directly, so it carries admin like a local operator.
func localActor() domain.Principal {
	return domain.Principal{ID: viper.GetString("actor-id"), Scopes: []string{domain.ScopeAdmin}, Source: "cli"}
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server and scheduler",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			if _, err := db.EnsureWorkspace(workspace); err != nil {
				return err
			}
			cfg, err := config.Load(workspace)
			if err != nil {
				return err
			}
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			jwtSecret := os.Getenv("GLOW_JWT_SECRET")
			if jwtSecret == "" {
				return fmt.Errorf("GLOW_JWT_SECRET is required for app token exchange")
			}

			r := repo.Repo{DB: conn}
			eng := engine.New(r)
			store := credstore.New(r)
			g := guard.New(store, jwtSecret)
			m := metrics.New()
			sched := scheduler.New(eng, cfg, m)
			registerBuiltinHandlers(sched, cfg)

			if !cmd.Flags().Changed("addr") && cfg.Server.Addr != "" {
				addr = cfg.Server.Addr
			}
			if !cmd.Flags().Changed("base-path") && cfg.Server.BasePath != "" {
				basePath = cfg.Server.BasePath
			}
			handler, err := server.New(server.Config{
				Engine:   eng,
				Store:    store,
				Guard:    g,
				App:      cfg,
				Metrics:  m,
				BasePath: basePath,
			})
			if err != nil {
				return err
			}

			runCtx, stop := context.WithCancel(cmd.Context())
			defer stop()
			go sched.Run(runCtx)
			server.StartWebhookDispatcher(runCtx, r, cfg.Webhooks)

			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			fmt.Printf("Serving Glow API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n", addr, basePath, basePath)
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

func principalCmd() *cobra.Command {
	p := &cobra.Command{Use: "principal", Short: "Manage principals"}
	p.AddCommand(principalCreateCmd())
	p.AddCommand(principalListCmd())
	return p
}

func principalCreateCmd() *cobra.Command {
	var id string
	var scopes []string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create principal",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				p := domain.Principal{
					ID:        id,
					Scopes:    scopes,
					CreatedAt: time.Now().UTC().Format(time.RFC3339),
				}
				for _, s := range scopes {
					if !domain.KnownScope(s) {
						return fmt.Errorf("unknown scope %s", s)
					}
				}
				if err := r.InsertPrincipal(ctx, p); err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "principal id")
	cmd.Flags().StringSliceVar(&scopes, "scopes", []string{domain.ScopeJobsRead, domain.ScopeJobsWrite}, "capability scopes")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}

func principalListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List principals",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListPrincipals(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Scopes", "Created"})
				for _, p := range items {
					tw.AppendRow(table.Row{p.ID, strings.Join(p.Scopes, ","), p.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func tokenCmd() *cobra.Command {
	t := &cobra.Command{Use: "token", Short: "Manage personal access tokens"}
	t.AddCommand(tokenIssueCmd())
	t.AddCommand(tokenListCmd())
	t.AddCommand(tokenRevokeCmd())
	return t
}

func tokenIssueCmd() *cobra.Command {
	var owner, name string
	var scopes []string
	var ttlSeconds int
	cmd := &cobra.Command{
		Use:   "issue",
		Short: "Issue personal access token",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd.Context(), func(ctx context.Context, store credstore.Store) error {
				if owner == "" {
					owner = viper.GetString("actor-id")
					if err := ensureActor(ctx, store.Repo); err != nil {
						return err
					}
				}
				t, secret, err := store.IssueToken(ctx, owner, name, scopes, time.Duration(ttlSeconds)*time.Second)
				if err != nil {
					return err
				}
				fmt.Printf("Secret (shown once): %s\n", secret)
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().StringVar(&owner, "owner", "", "token owner (defaults to --actor-id)")
	cmd.Flags().StringVar(&name, "name", "", "token name")
	cmd.Flags().StringSliceVar(&scopes, "scopes", nil, "capability scopes")
	cmd.Flags().IntVar(&ttlSeconds, "ttl", 0, "lifetime in seconds, 0 for no expiry")
	return cmd
}

func tokenListCmd() *cobra.Command {
	var owner string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List personal access tokens",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListTokens(ctx, owner)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Owner", "Name", "Scopes", "Expires", "Revoked"})
				for _, t := range items {
					expires := ""
					if t.ExpiresAt != nil {
						expires = *t.ExpiresAt
					}
					tw.AppendRow(table.Row{t.ID, t.Owner, t.Name, strings.Join(t.Scopes, ","), expires, t.Revoked})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&owner, "owner", "", "filter by owner")
	return cmd
}

func tokenRevokeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "revoke <token-id>",
		Short: "Revoke personal access token",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd.Context(), func(ctx context.Context, store credstore.Store) error {
				if err := store.RevokeToken(ctx, args[0], localActor()); err != nil {
					return err
				}
				t, err := store.Repo.GetToken(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	return cmd
}

func appCmd() *cobra.Command {
	a := &cobra.Command{Use: "app", Short: "Manage authorized third-party apps"}
	a.AddCommand(appGrantCmd())
	a.AddCommand(appListCmd())
	a.AddCommand(appRevokeCmd())
	a.AddCommand(appTokenCmd())
	return a
}

func appGrantCmd() *cobra.Command {
	var owner, clientID string
	var scopes []string
	cmd := &cobra.Command{
		Use:   "grant",
		Short: "Record authorized app grant",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd.Context(), func(ctx context.Context, store credstore.Store) error {
				if owner == "" {
					owner = viper.GetString("actor-id")
					if err := ensureActor(ctx, store.Repo); err != nil {
						return err
					}
				}
				g, err := store.RecordGrant(ctx, owner, clientID, scopes)
				if err != nil {
					return err
				}
				return printJSONOrTable(g)
			})
		},
	}
	cmd.Flags().StringVar(&owner, "owner", "", "grant owner (defaults to --actor-id)")
	cmd.Flags().StringVar(&clientID, "client-id", "", "app client id")
	cmd.Flags().StringSliceVar(&scopes, "scopes", nil, "granted scopes")
	_ = cmd.MarkFlagRequired("client-id")
	return cmd
}

func appListCmd() *cobra.Command {
	var owner string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List authorized app grants",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListGrants(ctx, owner)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Owner", "Client", "Scopes", "Granted", "Revoked"})
				for _, g := range items {
					tw.AppendRow(table.Row{g.ID, g.Owner, g.ClientID, strings.Join(g.Scopes, ","), g.GrantedAt, g.Revoked})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&owner, "owner", "", "filter by owner")
	return cmd
}

func appRevokeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "revoke <grant-id>",
		Short: "Revoke authorized app grant",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd.Context(), func(ctx context.Context, store credstore.Store) error {
				if err := store.RevokeGrant(ctx, args[0], localActor()); err != nil {
					return err
				}
				g, err := store.Repo.GetGrant(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(g)
			})
		},
	}
	return cmd
}

func appTokenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token <grant-id>",
		Short: "Exchange grant for delegated app token",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			jwtSecret := os.Getenv("GLOW_JWT_SECRET")
			if jwtSecret == "" {
				return fmt.Errorf("GLOW_JWT_SECRET is required for app token exchange")
			}
			workspace := viper.GetString("workspace")
			cfg, err := config.Load(workspace)
			if err != nil {
				return err
			}
			return withStore(cmd.Context(), func(ctx context.Context, store credstore.Store) error {
				g := guard.New(store, jwtSecret)
				token, err := g.ExchangeAppToken(ctx, args[0], localActor(), cfg.AppTokenTTL())
				if err != nil {
					return err
				}
				fmt.Println(token)
				return nil
			})
		},
	}
	return cmd
}

func jobCmd() *cobra.Command {
	j := &cobra.Command{Use: "job", Short: "Manage jobs"}
	j.AddCommand(jobSubmitCmd())
	j.AddCommand(jobListCmd())
	j.AddCommand(jobShowCmd())
	j.AddCommand(jobCancelCmd())
	return j
}

func jobSubmitCmd() *cobra.Command {
	var kind, params string
	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit job",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				if err := ensureActor(ctx, e.Repo); err != nil {
					return err
				}
				j, err := e.SubmitJob(ctx, viper.GetString("actor-id"), kind, json.RawMessage(params))
				if err != nil {
					return err
				}
				return printJSONOrTable(j)
			})
		},
	}
	cmd.Flags().StringVar(&kind, "kind", "", "job kind")
	cmd.Flags().StringVar(&params, "params", "{}", "parameters JSON")
	_ = cmd.MarkFlagRequired("kind")
	return cmd
}

func jobListCmd() *cobra.Command {
	var state string
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListJobs(ctx, repo.JobFilters{State: state, Limit: limit})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Owner", "Kind", "State", "Updated"})
				for _, j := range items {
					tw.AppendRow(table.Row{j.ID, j.Owner, j.Kind, j.State, j.UpdatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&state, "state", "", "state filter")
	cmd.Flags().IntVar(&limit, "n", 50, "number of jobs")
	return cmd
}

func jobShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <job-id>",
		Short: "Show job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				j, err := r.GetJob(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(j)
			})
		},
	}
	return cmd
}

func jobCancelCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cancel <job-id>",
		Short: "Request job cancellation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				j, err := e.Cancel(ctx, args[0], localActor())
				if err != nil {
					return err
				}
				return printJSONOrTable(j)
			})
		},
	}
	return cmd
}

func logCmd() *cobra.Command {
	l := &cobra.Command{Use: "log", Short: "Inspect the audit log"}
	l.AddCommand(logTailCmd())
	return l
}

func logTailCmd() *cobra.Command {
	var n int
	var evtType, actor string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail audit entries",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				entries, err := r.ListAudit(ctx, repo.AuditFilters{Type: evtType, Actor: actor, Limit: n})
				if err != nil {
					return err
				}
				return printJSONOrTable(entries)
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of entries")
	cmd.Flags().StringVar(&evtType, "type", "", "entry type filter")
	cmd.Flags().StringVar(&actor, "actor", "", "actor filter")
	return cmd
}

func statusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Job counts by state",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				counts, err := r.CountJobsByState(ctx)
				if err != nil {
					return err
				}
				return printJSONOrTable(counts)
			})
		},
	}
	return cmd
}

// --- helpers ---

// ensureActor registers the CLI's acting principal on first use so local
// commands work in a fresh workspace.
func ensureActor(ctx context.Context, r repo.Repo) error {
	actor := localActor()
	return r.EnsurePrincipal(ctx, domain.Principal{
		ID:        actor.ID,
		Scopes:    actor.Scopes,
		CreatedAt: time.Now().UTC().Format(time.RFC3339),
	})
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

func withStore(ctx context.Context, fn func(context.Context, credstore.Store) error) error {
	return withRepo(ctx, func(ctx context.Context, r repo.Repo) error {
		return fn(ctx, credstore.New(r))
	})
}

func withEngine(ctx context.Context, fn func(context.Context, *engine.Engine) error) error {
	return withRepo(ctx, func(ctx context.Context, r repo.Repo) error {
		workspace := viper.GetString("workspace")
		cfg, err := config.Load(workspace)
		if err != nil {
			return err
		}
		e := engine.New(r)
		for kind := range cfg.Kinds {
			e.RegisterKind(kind, nil)
		}
		return fn(ctx, e)
	})
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
