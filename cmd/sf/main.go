package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"schemaflow/internal/config"
	"schemaflow/internal/db"
	"schemaflow/internal/domain"
	"schemaflow/internal/events"
	"schemaflow/internal/git"
	"schemaflow/internal/llm"
	"schemaflow/internal/migrate"
	"schemaflow/internal/orchestrator"
	"schemaflow/internal/server"
	"schemaflow/internal/stage"
	"schemaflow/internal/store"
)

var rootCmd = &cobra.Command{
	Use:   "sf",
	Short: "SchemaFlow CLI",
	Long: `SchemaFlow turns a natural-language backend description into a reviewed
database design and a ready-to-push repository plan.

Pipeline: prompt -> requirements -> database design -> structural
validation -> risk review -> (optional human approval) -> git strategy.
Medium and high risk designs pause behind an approval token; record a
decision with 'sf approve' and resume with 'sf continue'.`,
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
	viper.SetEnvPrefix("SCHEMAFLOW")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().Bool("debug", false, "verbose logging")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("debug", rootCmd.PersistentFlags().Lookup("debug"))
}

func registerCommands() {
	rootCmd.AddCommand(orchestrateCmd())
	rootCmd.AddCommand(continueCmd())
	rootCmd.AddCommand(approveCmd())
	rootCmd.AddCommand(pendingCmd())
	rootCmd.AddCommand(stageCmd())
	rootCmd.AddCommand(validateCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(configCmd())
}

func orchestrateCmd() *cobra.Command {
	var language string
	cmd := &cobra.Command{
		Use:   "orchestrate [prompt]",
		Short: "Run the full pipeline on a prompt",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withOrchestrator(cmd.Context(), func(ctx context.Context, o *orchestrator.Orchestrator) error {
				res := o.Run(ctx, args[0], language)
				return printResult(res)
			})
		},
	}
	cmd.Flags().StringVar(&language, "language", "", "target language for the repo plan (python, node, java, go)")
	return cmd
}

func continueCmd() *cobra.Command {
	var token, language string
	cmd := &cobra.Command{
		Use:   "continue",
		Short: "Resume a paused run after a decision was recorded",
		RunE: func(cmd *cobra.Command, args []string) error {
			if token == "" {
				return fmt.Errorf("--token required")
			}
			return withOrchestrator(cmd.Context(), func(ctx context.Context, o *orchestrator.Orchestrator) error {
				res := o.Continue(ctx, token, language)
				return printResult(res)
			})
		},
	}
	cmd.Flags().StringVar(&token, "token", "", "approval token")
	cmd.Flags().StringVar(&language, "language", "", "override the language captured at pause time")
	return cmd
}

func approveCmd() *cobra.Command {
	var token, comments, by string
	var reject bool
	cmd := &cobra.Command{
		Use:   "approve",
		Short: "Record a human decision for a paused run",
		RunE: func(cmd *cobra.Command, args []string) error {
			if token == "" {
				return fmt.Errorf("--token required")
			}
			return withStore(cmd.Context(), func(ctx context.Context, s *store.SQLite) error {
				d := domain.ApprovalDecision{
					Approved:   !reject,
					Comments:   comments,
					ApprovedBy: by,
				}
				if err := s.RecordDecision(ctx, token, d); err != nil {
					if errors.Is(err, store.ErrNotFound) {
						return fmt.Errorf("invalid or expired approval token")
					}
					return err
				}
				verb := "approved"
				if reject {
					verb = "rejected"
				}
				fmt.Printf("Decision recorded (%s). Run 'sf continue --token %s' to finish.\n", verb, token)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&token, "token", "", "approval token")
	cmd.Flags().BoolVar(&reject, "reject", false, "record a rejection instead of an approval")
	cmd.Flags().StringVar(&comments, "comments", "", "reviewer comments")
	cmd.Flags().StringVar(&by, "by", "", "approver identity")
	return cmd
}

func pendingCmd() *cobra.Command {
	pending := &cobra.Command{
		Use:   "pending",
		Short: "Inspect runs waiting for approval",
	}
	pending.AddCommand(pendingListCmd())
	pending.AddCommand(pendingShowCmd())
	return pending
}

func pendingListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List open approval gates",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd.Context(), func(ctx context.Context, s *store.SQLite) error {
				items, err := s.List(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				t := table.NewWriter()
				t.SetOutputMirror(os.Stdout)
				t.AppendHeader(table.Row{"TOKEN", "LANGUAGE", "CREATED", "PROMPT"})
				for _, p := range items {
					prompt := p.Prompt
					if len(prompt) > 60 {
						prompt = prompt[:57] + "..."
					}
					t.AppendRow(table.Row{p.Token, p.Language, p.CreatedAt, prompt})
				}
				t.Render()
				return nil
			})
		},
	}
	return cmd
}

func pendingShowCmd() *cobra.Command {
	var token string
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show the frozen artifacts behind a token",
		RunE: func(cmd *cobra.Command, args []string) error {
			if token == "" {
				return fmt.Errorf("--token required")
			}
			return withStore(cmd.Context(), func(ctx context.Context, s *store.SQLite) error {
				state, err := s.Get(ctx, token)
				if err != nil {
					if errors.Is(err, store.ErrNotFound) {
						return fmt.Errorf("invalid or expired approval token")
					}
					return err
				}
				out := map[string]any{
					"token":      state.Token,
					"prompt":     state.Prompt,
					"language":   state.Language,
					"created_at": state.CreatedAt,
				}
				for key, raw := range map[string]string{
					"requirements":    state.RequirementsJSON,
					"database_design": state.DesignJSON,
					"review":          state.ReviewJSON,
				} {
					var v any
					if err := json.Unmarshal([]byte(raw), &v); err == nil {
						out[key] = v
					}
				}
				if d, err := s.GetDecision(ctx, token); err == nil {
					out["decision"] = d
				}
				return printJSON(out)
			})
		},
	}
	cmd.Flags().StringVar(&token, "token", "", "approval token")
	return cmd
}

func stageCmd() *cobra.Command {
	st := &cobra.Command{
		Use:   "stage",
		Short: "Run a single pipeline stage",
	}
	st.AddCommand(stageRequirementsCmd())
	st.AddCommand(stageDesignCmd())
	st.AddCommand(stageReviewCmd())
	st.AddCommand(stageStrategyCmd())
	return st
}

func stageRequirementsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "requirements [prompt]",
		Short: "Extract structured requirements from a prompt",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStages(cmd.Context(), func(ctx context.Context, stages orchestrator.Stages) error {
				req, err := stages.Requirements.Interpret(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(req)
			})
		},
	}
	return cmd
}

func stageDesignCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "design",
		Short: "Design a database schema from requirements JSON",
		RunE: func(cmd *cobra.Command, args []string) error {
			var req domain.Requirements
			if err := readJSONInput(file, &req); err != nil {
				return err
			}
			return withStages(cmd.Context(), func(ctx context.Context, stages orchestrator.Stages) error {
				design, err := stages.Design.Design(ctx, req)
				if err != nil {
					return err
				}
				return printJSON(design)
			})
		},
	}
	cmd.Flags().StringVar(&file, "file", "-", "requirements JSON file, or - for stdin")
	return cmd
}

func stageReviewCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "review",
		Short: "Review a database design JSON",
		RunE: func(cmd *cobra.Command, args []string) error {
			var design domain.SchemaDesign
			if err := readJSONInput(file, &design); err != nil {
				return err
			}
			return withStages(cmd.Context(), func(ctx context.Context, stages orchestrator.Stages) error {
				review, err := stages.Review.Review(ctx, design)
				if err != nil {
					return err
				}
				return printJSON(review)
			})
		},
	}
	cmd.Flags().StringVar(&file, "file", "-", "design JSON file, or - for stdin")
	return cmd
}

func stageStrategyCmd() *cobra.Command {
	var language, description string
	cmd := &cobra.Command{
		Use:   "strategy",
		Short: "Propose a git strategy and repo layout",
		RunE: func(cmd *cobra.Command, args []string) error {
			lang := strings.ToLower(strings.TrimSpace(language))
			if lang == "" {
				lang = "python"
			}
			pc := stage.ProjectContext{
				Type:        "backend",
				Framework:   stage.Framework(lang),
				Language:    lang,
				Description: description,
			}
			return withStages(cmd.Context(), func(ctx context.Context, stages orchestrator.Stages) error {
				strategy, err := stages.Strategy.Propose(ctx, pc)
				if err != nil {
					return err
				}
				return printJSON(strategy)
			})
		},
	}
	cmd.Flags().StringVar(&language, "language", "python", "target language")
	cmd.Flags().StringVar(&description, "description", "", "project description for the README")
	return cmd
}

func validateCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Structurally validate a database design JSON (no model call)",
		RunE: func(cmd *cobra.Command, args []string) error {
			var design domain.SchemaDesign
			if err := readJSONInput(file, &design); err != nil {
				return err
			}
			return printJSON(stage.Validate(design))
		},
	}
	cmd.Flags().StringVar(&file, "file", "-", "design JSON file, or - for stdin")
	return cmd
}

func logCmd() *cobra.Command {
	log := &cobra.Command{
		Use:   "log",
		Short: "Pipeline event log",
	}
	log.AddCommand(logTailCmd())
	return log
}

func logTailCmd() *cobra.Command {
	var n int
	var evtType, token string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDB(cmd.Context(), func(ctx context.Context, conn *sql.DB) error {
				w := events.Writer{DB: conn}
				items, err := w.Latest(ctx, n, evtType, token)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				t := table.NewWriter()
				t.SetOutputMirror(os.Stdout)
				t.AppendHeader(table.Row{"ID", "TS", "TYPE", "STAGE", "TOKEN"})
				for _, e := range items {
					t.AppendRow(table.Row{e.ID, e.TS, e.Type, e.Stage, e.Token})
				}
				t.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	cmd.Flags().StringVar(&token, "token", "", "approval token filter")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			if _, err := db.EnsureWorkspace(workspace); err != nil {
				return err
			}
			cfg, err := config.LoadOptional(workspace)
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
			logger, err := newLogger()
			if err != nil {
				return err
			}
			defer logger.Sync()

			stages, err := buildStages(cfg, logger)
			if err != nil {
				return err
			}
			s := store.NewSQLite(conn)
			ew := events.Writer{DB: conn}
			o := &orchestrator.Orchestrator{
				Stages:          stages,
				Store:           s,
				Git:             buildExecutor(cmd.Context(), cfg, logger),
				Events:          ew,
				Logger:          logger,
				DefaultLanguage: cfg.DefaultLanguage,
			}
			handler, err := server.New(server.Config{
				Orchestrator: o,
				Stages:       stages,
				Store:        s,
				Events:       ew,
				BasePath:     basePath,
				Auth:         server.AuthConfig{JWTSecret: os.Getenv("SCHEMAFLOW_JWT_SECRET")},
				Logger:       logger,
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
			fmt.Printf("Serving SchemaFlow API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n", addr, basePath, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	return cmd
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Manage workspace config",
	}
	cfg.AddCommand(&cobra.Command{
		Use:   "init",
		Short: "Write a default schemaflow.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Printf("Wrote %s\n", path)
			return nil
		},
	})
	cfg.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show the effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := config.LoadOptional(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			return printJSON(c)
		},
	})
	return cfg
}

// --- helpers ---

func newLogger() (*zap.Logger, error) {
	if viper.GetBool("debug") {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

func buildStages(cfg *config.Config, logger *zap.Logger) (orchestrator.Stages, error) {
	client, err := llm.New(cfg, logger)
	if err != nil {
		return orchestrator.Stages{}, err
	}
	return orchestrator.Stages{
		Requirements: stage.Requirements{LLM: client},
		Design:       stage.Design{LLM: client},
		Review:       stage.Review{LLM: client},
		Strategy:     stage.Strategy{LLM: client},
	}, nil
}

func buildExecutor(ctx context.Context, cfg *config.Config, logger *zap.Logger) git.Executor {
	token := cfg.GitToken()
	if cfg.Git.Simulate || token == "" {
		return git.Simulator{Repository: cfg.Git.Repository}
	}
	client, err := git.NewClient(ctx, token, cfg.Git.Repository, logger)
	if err != nil {
		logger.Warn("falling back to simulated git execution", zap.Error(err))
		return git.Simulator{Repository: cfg.Git.Repository}
	}
	return client
}

func withDB(ctx context.Context, fn func(context.Context, *sql.DB) error) error {
	workspace := viper.GetString("workspace")
	if _, err := db.EnsureWorkspace(workspace); err != nil {
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
	return fn(ctx, conn)
}

func withStore(ctx context.Context, fn func(context.Context, *store.SQLite) error) error {
	return withDB(ctx, func(ctx context.Context, conn *sql.DB) error {
		return fn(ctx, store.NewSQLite(conn))
	})
}

func withStages(ctx context.Context, fn func(context.Context, orchestrator.Stages) error) error {
	cfg, err := config.LoadOptional(viper.GetString("workspace"))
	if err != nil {
		return err
	}
	logger, err := newLogger()
	if err != nil {
		return err
	}
	defer logger.Sync()
	stages, err := buildStages(cfg, logger)
	if err != nil {
		return err
	}
	return fn(ctx, stages)
}

func withOrchestrator(ctx context.Context, fn func(context.Context, *orchestrator.Orchestrator) error) error {
	cfg, err := config.LoadOptional(viper.GetString("workspace"))
	if err != nil {
		return err
	}
	logger, err := newLogger()
	if err != nil {
		return err
	}
	defer logger.Sync()
	stages, err := buildStages(cfg, logger)
	if err != nil {
		return err
	}
	return withDB(ctx, func(ctx context.Context, conn *sql.DB) error {
		o := &orchestrator.Orchestrator{
			Stages:          stages,
			Store:           store.NewSQLite(conn),
			Git:             buildExecutor(ctx, cfg, logger),
			Events:          events.Writer{DB: conn},
			Logger:          logger,
			DefaultLanguage: cfg.DefaultLanguage,
		}
		return fn(ctx, o)
	})
}

func printResult(res domain.OrchestrationResult) error {
	if err := printJSON(res); err != nil {
		return err
	}
	if res.Status == domain.StatusPendingApproval {
		fmt.Fprintf(os.Stderr, "\nPending approval. Next:\n  sf approve --token %s [--reject]\n  sf continue --token %s\n", res.ApprovalToken, res.ApprovalToken)
	}
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func readJSONInput(path string, v any) error {
	var data []byte
	var err error
	if path == "" || path == "-" {
		data, err = io.ReadAll(os.Stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("invalid JSON input: %w", err)
	}
	return nil
}
