package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"dealboard/internal/app"
	"dealboard/internal/config"
	"dealboard/internal/db"
	"dealboard/internal/logging"
	"dealboard/internal/migrate"
	"dealboard/internal/repo"
)

var logger = logrus.New()

var rootCmd = &cobra.Command{
	Use:   "dealboard",
	Short: "Dealboard CLI",
	Long: `Dealboard keeps a sales pipeline as a board of ordered stages holding ordered deal cards.
- Workspace: a .dealboard directory holding the SQLite database and local attachments.
- Board: the pipeline; its config (stages, WIP policy, scoring, webhooks) is stored in the DB.
- Stages: columns in board order, optionally with a WIP limit.
- Deals: cards with a value, owner and contact, moved between stages.
- Activity: the per-deal history written by every change.
- Event log: board-wide change feed, view with 'dealboard log tail'.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		l, err := logging.New(viper.GetString("log-level"), viper.GetString("log-format"), os.Stderr)
		if err != nil {
			return err
		}
		logger = l
		_, err = db.EnsureWorkspace(viper.GetString("workspace"))
		return err
	},
}

func main() {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		fmt.Fprintln(os.Stderr, "warning: .env not loaded:", err)
	}
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("DEALBOARD")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	flags := rootCmd.PersistentFlags()
	flags.StringP("workspace", "w", ".", "workspace directory")
	flags.Bool("json", false, "output JSON")
	flags.String("actor-id", "local-user", "actor identifier")
	flags.String("board", "", "board id (overrides config default)")
	flags.String("log-level", "warn", "log level (debug, info, warn, error)")
	flags.String("log-format", "text", "log format (text, json)")
	flags.String("gcs-credentials", "", "GCS service account JSON for attachment storage")
	for _, name := range []string{"workspace", "json", "actor-id", "board", "log-level", "log-format", "gcs-credentials"} {
		_ = viper.BindPFlag(name, flags.Lookup(name))
	}
}

func registerCommands() {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(boardsCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(stageCmd())
	rootCmd.AddCommand(dealCmd())
	rootCmd.AddCommand(commentCmd())
	rootCmd.AddCommand(attachCmd())
	rootCmd.AddCommand(activityCmd())
	rootCmd.AddCommand(analyticsCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(serveCmd())
}

func initCmd() *cobra.Command {
	var boardID string
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create dealboard.yml and the board",
		Long:  "Writes a default dealboard.yml into the workspace (unless one exists) and creates the board in the DB.",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			path := config.Path(workspace)
			if _, err := os.Stat(path); err == nil && !force {
				logger.WithField("path", path).Info("config exists, keeping it")
			} else {
				if boardID == "" {
					boardID = "main"
				}
				if err := os.WriteFile(path, []byte(config.GenerateDefault(boardID)), 0o644); err != nil {
					return err
				}
				fmt.Fprintf(cmd.ErrOrStderr(), "Wrote %s\n", path)
			}
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				b, err := rt.Engine.Repo.GetBoard(ctx, rt.Engine.BoardID)
				if err != nil {
					return err
				}
				return printJSONOrTable(b)
			})
		},
	}
	cmd.Flags().StringVar(&boardID, "id", "", "board id for a new config")
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing dealboard.yml")
	return cmd
}

func boardsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "boards",
		Short: "List boards in the workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListBoards(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"ID", "Name", "Created"})
				for _, b := range items {
					tw.AppendRow(table.Row{b.ID, b.Name, b.CreatedAt.Format("2006-01-02 15:04")})
				}
				fmt.Println(tw.Render())
				return nil
			})
		},
	}
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show schema version and board summary",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				schema, err := migrate.Status(ctx, rt.DB)
				if err != nil {
					return err
				}
				snap := rt.Engine.Snapshot()
				counts := map[string]int{}
				for _, d := range snap.Deals {
					counts[d.StageID]++
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{
						"board_id": rt.Engine.BoardID,
						"schema":   schema,
						"stages":   len(snap.Stages),
						"deals":    len(snap.Deals),
						"by_stage": counts,
					})
				}
				fmt.Printf("Board: %s (schema v%d)\n", rt.Engine.BoardID, schema.Current)
				fmt.Printf("Deals: %d\n", len(snap.Deals))
				for _, st := range snap.Stages {
					fmt.Printf("  %s: %d\n", st.Name, counts[st.ID])
				}
				return nil
			})
		},
	}
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Manage board config",
	}
	cfg.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show board config stored in DB",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				if viper.GetBool("json") {
					return printJSON(rt.Config)
				}
				data, err := rt.Config.Marshal()
				if err != nil {
					return err
				}
				fmt.Print(string(data))
				return nil
			})
		},
	})
	cfg.AddCommand(configImportCmd())
	return cfg
}

func configImportCmd() *cobra.Command {
	var filePath string
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Import board config from YAML into the DB",
		Long:  "Replaces the stored config. Stages already on the board are kept; the WIP policy, terminal stages and scoring apply immediately.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.FromFile(filePath)
			if err != nil {
				return err
			}
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				if err := rt.Engine.ImportConfig(ctx, cfg, actorID()); err != nil {
					return err
				}
				return printJSONOrTable(rt.Engine.Config)
			})
		},
	}
	cmd.Flags().StringVar(&filePath, "file", "", "path to YAML config")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func logCmd() *cobra.Command {
	log := &cobra.Command{
		Use:   "log",
		Short: "Event log",
	}
	log.AddCommand(logTailCmd())
	return log
}

func logTailCmd() *cobra.Command {
	var n int
	var evtType, entityKind, entityID string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				events, err := rt.Engine.Repo.LatestEvents(ctx, n, rt.Engine.BoardID, evtType, entityKind, entityID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(events)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"ID", "TS", "Type", "Entity", "Actor"})
				for _, evt := range events {
					tw.AppendRow(table.Row{evt.ID, evt.TS, evt.Type, evt.EntityKind + ":" + evt.EntityID, evt.ActorID})
				}
				fmt.Println(tw.Render())
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	cmd.Flags().StringVar(&entityKind, "entity-kind", "", "entity kind")
	cmd.Flags().StringVar(&entityID, "entity-id", "", "entity id")
	return cmd
}

// --- helpers ---

func actorID() string {
	return viper.GetString("actor-id")
}

func withRuntime(ctx context.Context, fn func(context.Context, *app.Runtime) error) error {
	rt, err := app.Open(ctx, app.Options{
		Workspace:      viper.GetString("workspace"),
		BoardID:        viper.GetString("board"),
		ActorID:        actorID(),
		GCSCredentials: viper.GetString("gcs-credentials"),
		Logger:         logger,
	})
	if err != nil {
		return err
	}
	defer rt.Close()
	return fn(ctx, rt)
}

func withRepo(ctx context.Context, fn func(context.Context, repo.Repo) error) error {
	conn, err := db.Open(db.Config{Workspace: viper.GetString("workspace")})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.MigrateContext(ctx, conn); err != nil {
		return err
	}
	return fn(ctx, repo.Repo{DB: conn})
}

func newTable() table.Writer {
	tw := table.NewWriter()
	tw.SetStyle(table.StyleLight)
	return tw
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
