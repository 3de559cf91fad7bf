package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"fetchline/internal/config"
	"fetchline/internal/dates"
	"fetchline/internal/db"
	"fetchline/internal/domain"
	"fetchline/internal/graph"
	"fetchline/internal/migrate"
	"fetchline/internal/planner"
	"fetchline/internal/server"
	"fetchline/internal/store"
)

var rootCmd = &cobra.Command{
	Use:   "fl",
	Short: "Fetchline CLI",
	Long: `Fetchline plans temporal coverage and freshness for graph-connected data.
Core concepts:
- Graph: nodes and edges whose parameter slots and cases can carry a connectable id.
- Target: one addressable slot; 'fl target list' enumerates them.
- Snapshot: one cached slice of fetched data for a target, possibly context-partitioned.
- Generation: slices fetched together, identified by a shared query signature.
- Window: the inclusive date range a query asks about, e.g. window(1-Nov-25:7-Nov-25).
- Analyse: classifies every target against the window (needs_fetch, covered_stable,
  stale_candidate, file_only_gap, unfetchable_gap) and aggregates one outcome.`,
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
	viper.SetEnvPrefix("FETCHLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	rootCmd.PersistentFlags().String("graph", "", "graph id (when multiple graphs exist)")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
	_ = viper.BindPFlag("graph", rootCmd.PersistentFlags().Lookup("graph"))
}

func registerCommands() {
	rootCmd.AddCommand(graphCmd())
	rootCmd.AddCommand(targetCmd())
	rootCmd.AddCommand(snapshotCmd())
	rootCmd.AddCommand(connectionCmd())
	rootCmd.AddCommand(latencyCmd())
	rootCmd.AddCommand(registryCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(analyseCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(serveCmd())
}

// withStore opens the workspace database, migrates, and runs fn.
func withStore(ctx context.Context, fn func(ctx context.Context, s store.Store) error) error {
	conn, err := db.Open(db.Config{Workspace: viper.GetString("workspace")})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	return fn(ctx, store.New(conn))
}

func newPlanner(s store.Store) *planner.Planner {
	cacheSize := 0
	requireComplete := false
	cfg, err := config.LoadOptional(viper.GetString("workspace"))
	if err == nil && cfg != nil {
		cacheSize = cfg.Planner.CacheSize
		requireComplete = cfg.Planner.RequireCompleteMECE
	}
	p := planner.New(s, s, cacheSize)
	p.RequireCompleteMECE = requireComplete
	return p
}

func graphCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "graph", Short: "Manage graph documents"}
	cmd.AddCommand(graphImportCmd())
	cmd.AddCommand(graphShowCmd())
	return cmd
}

func graphImportCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Import a graph YAML document (bumps its version)",
		RunE: func(cmd *cobra.Command, args []string) error {
			if file == "" {
				return fmt.Errorf("--file required")
			}
			g, err := graph.FromFile(file)
			if err != nil {
				return err
			}
			return withStore(cmd.Context(), func(ctx context.Context, s store.Store) error {
				stored, err := s.UpsertGraph(ctx, g, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				fmt.Printf("graph %s imported at version %d\n", stored.ID, stored.Version)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&file, "file", "", "graph yaml file")
	return cmd
}

func graphShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show the stored graph",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd.Context(), func(ctx context.Context, s store.Store) error {
				g, err := resolveGraph(ctx, s)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(g)
				}
				doc, err := g.ToYAML()
				if err != nil {
					return err
				}
				fmt.Printf("# version %d\n%s", g.Version, doc)
				return nil
			})
		},
	}
}

func targetCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "target", Short: "Inspect fetch targets"}
	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "Enumerate addressable data slots",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd.Context(), func(ctx context.Context, s store.Store) error {
				g, err := resolveGraph(ctx, s)
				if err != nil {
					return err
				}
				targets := graph.Enumerate(g)
				if viper.GetBool("json") {
					return printJSON(targets)
				}
				t := table.NewWriter()
				t.SetOutputMirror(os.Stdout)
				t.AppendHeader(table.Row{"KEY", "TYPE", "OWNER", "SLOT", "COND#"})
				for _, tg := range targets {
					cond := ""
					if tg.ConditionalIndex != nil {
						cond = strconv.Itoa(*tg.ConditionalIndex)
					}
					t.AppendRow(table.Row{tg.Key(), tg.Type, tg.TargetID, tg.Slot, cond})
				}
				t.Render()
				return nil
			})
		},
	})
	return cmd
}

// snapshotDoc is the human-editable import shape; dates use the boundary
// literal format D-Mon-YY.
type snapshotDoc struct {
	TargetKey      string   `yaml:"target_key" json:"target_key"`
	Kind           string   `yaml:"kind" json:"kind"`
	SliceDSL       string   `yaml:"slice_dsl" json:"slice_dsl"`
	From           string   `yaml:"from" json:"from"`
	To             string   `yaml:"to" json:"to"`
	Dates          []string `yaml:"dates" json:"dates"`
	RetrievedAt    string   `yaml:"retrieved_at" json:"retrieved_at"`
	QuerySignature string   `yaml:"query_signature" json:"query_signature"`
}

func (d snapshotDoc) toSnapshot() (domain.Snapshot, error) {
	snap := domain.Snapshot{
		TargetKey:      d.TargetKey,
		Kind:           domain.SnapshotKind(d.Kind),
		SliceDSL:       d.SliceDSL,
		RetrievedAt:    d.RetrievedAt,
		QuerySignature: d.QuerySignature,
	}
	var err error
	if snap.From, err = dates.Parse(d.From); err != nil {
		return snap, fmt.Errorf("snapshot for %s: from: %w", d.TargetKey, err)
	}
	if snap.To, err = dates.Parse(d.To); err != nil {
		return snap, fmt.Errorf("snapshot for %s: to: %w", d.TargetKey, err)
	}
	for _, raw := range d.Dates {
		cd, err := dates.Parse(raw)
		if err != nil {
			return snap, fmt.Errorf("snapshot for %s: dates: %w", d.TargetKey, err)
		}
		snap.Dates = append(snap.Dates, cd)
	}
	return snap, nil
}

func snapshotCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "snapshot", Short: "Manage cached snapshots"}
	cmd.AddCommand(snapshotImportCmd())
	cmd.AddCommand(snapshotListCmd())
	return cmd
}

func snapshotImportCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Import fetched slices from a YAML file",
		RunE: func(cmd *cobra.Command, args []string) error {
			if file == "" {
				return fmt.Errorf("--file required")
			}
			data, err := os.ReadFile(file)
			if err != nil {
				return err
			}
			var docs []snapshotDoc
			if err := yaml.Unmarshal(data, &docs); err != nil {
				return fmt.Errorf("invalid snapshot yaml: %w", err)
			}
			snaps := make([]domain.Snapshot, 0, len(docs))
			for _, d := range docs {
				snap, err := d.toSnapshot()
				if err != nil {
					return err
				}
				snaps = append(snaps, snap)
			}
			return withStore(cmd.Context(), func(ctx context.Context, s store.Store) error {
				imported, err := s.ImportSnapshots(ctx, snaps, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				fmt.Printf("%d snapshot(s) imported\n", len(imported))
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&file, "file", "", "snapshot yaml file")
	return cmd
}

func snapshotListCmd() *cobra.Command {
	var target string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List cached slices for a target",
		RunE: func(cmd *cobra.Command, args []string) error {
			if target == "" {
				return fmt.Errorf("--target required")
			}
			return withStore(cmd.Context(), func(ctx context.Context, s store.Store) error {
				snaps, found, err := s.GetSnapshots(ctx, target)
				if err != nil {
					return err
				}
				if !found {
					fmt.Printf("no file for target %s\n", target)
					return nil
				}
				if viper.GetBool("json") {
					return printJSON(snaps)
				}
				t := table.NewWriter()
				t.SetOutputMirror(os.Stdout)
				t.AppendHeader(table.Row{"ID", "SLICE", "FROM", "TO", "DAYS", "RETRIEVED", "SIGNATURE"})
				for _, snap := range snaps {
					t.AppendRow(table.Row{
						snap.ID, snap.SliceDSL, snap.From, snap.To,
						len(snap.Dates), snap.RetrievedAt, snap.QuerySignature,
					})
				}
				t.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&target, "target", "", "target key")
	return cmd
}

func connectionCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "connection", Short: "Manage connection state"}
	var live, fileOnly bool
	set := &cobra.Command{
		Use:   "set <target-key>",
		Short: "Mark a target live or file-only",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if live == fileOnly {
				return fmt.Errorf("exactly one of --live or --file-only required")
			}
			return withStore(cmd.Context(), func(ctx context.Context, s store.Store) error {
				return s.SetConnection(ctx, args[0], live, viper.GetString("actor-id"))
			})
		},
	}
	set.Flags().BoolVar(&live, "live", false, "target has a live connection")
	set.Flags().BoolVar(&fileOnly, "file-only", false, "target is file-only")
	cmd.AddCommand(set)
	return cmd
}

func latencyCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "latency", Short: "Manage latency models"}
	var t95 int
	set := &cobra.Command{
		Use:   "set <target-key>",
		Short: "Set the t95 maturity threshold in days",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd.Context(), func(ctx context.Context, s store.Store) error {
				return s.SetLatency(ctx, args[0], t95, viper.GetString("actor-id"))
			})
		},
	}
	set.Flags().IntVar(&t95, "t95", 0, "days after which a date's data is mature")
	cmd.AddCommand(set)
	return cmd
}

func registryCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "registry", Short: "Manage the context registry"}
	cmd.AddCommand(&cobra.Command{
		Use:   "set <key> <values-csv>",
		Short: "Replace the expected value set for a context key",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			values := strings.Split(args[1], ",")
			return withStore(cmd.Context(), func(ctx context.Context, s store.Store) error {
				return s.SetRegistry(ctx, args[0], values, viper.GetString("actor-id"))
			})
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show expected context value sets",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd.Context(), func(ctx context.Context, s store.Store) error {
				view, err := s.LoadRegistry(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(view)
				}
				for key, values := range view {
					fmt.Printf("%s: %s\n", key, strings.Join(values, ","))
				}
				return nil
			})
		},
	})
	return cmd
}

func configCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "config", Short: "Manage fetchline.yml"}
	cmd.AddCommand(&cobra.Command{
		Use:   "init",
		Short: "Write a default fetchline.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists", path)
			}
			return os.WriteFile(path, []byte(config.GenerateDefault()), 0o644)
		},
	})
	var file string
	importCmd := &cobra.Command{
		Use:   "import",
		Short: "Persist config registry, latency and connections into the DB",
		RunE: func(cmd *cobra.Command, args []string) error {
			var cfg *config.Config
			var err error
			if file != "" {
				cfg, err = config.FromFile(file)
			} else {
				cfg, err = config.Load(viper.GetString("workspace"))
			}
			if err != nil {
				return err
			}
			actor := viper.GetString("actor-id")
			return withStore(cmd.Context(), func(ctx context.Context, s store.Store) error {
				for key, values := range cfg.ContextRegistry {
					if err := s.SetRegistry(ctx, key, values, actor); err != nil {
						return err
					}
				}
				for target, t95 := range cfg.Latency.Models {
					if err := s.SetLatency(ctx, target, t95, actor); err != nil {
						return err
					}
				}
				for _, target := range cfg.Connections.Live {
					if err := s.SetConnection(ctx, target, true, actor); err != nil {
						return err
					}
				}
				fmt.Println("config imported")
				return nil
			})
		},
	}
	importCmd.Flags().StringVar(&file, "file", "", "config file (defaults to workspace fetchline.yml)")
	cmd.AddCommand(importCmd)
	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show the workspace config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			return printJSON(cfg)
		},
	})
	return cmd
}

func analyseCmd() *cobra.Command {
	var dsl, today, reason string
	cmd := &cobra.Command{
		Use:   "analyse",
		Short: "Classify cached coverage of a query window",
		RunE: func(cmd *cobra.Command, args []string) error {
			if dsl == "" {
				return fmt.Errorf("--dsl required")
			}
			return withStore(cmd.Context(), func(ctx context.Context, s store.Store) error {
				g, err := resolveGraph(ctx, s)
				if err != nil {
					return err
				}
				p := newPlanner(s)
				if today != "" {
					fixed, err := dates.Parse(today)
					if err != nil {
						return fmt.Errorf("--today: %w", err)
					}
					p.Today = func() dates.CalendarDate { return fixed }
				}
				res, err := p.Analyse(ctx, g, dsl, reason)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				printResult(res)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&dsl, "dsl", "", `query, e.g. "window(1-Nov-25:7-Nov-25) & context(channel:google)"`)
	cmd.Flags().StringVar(&today, "today", "", "fixed today as D-Mon-YY (defaults to wall clock)")
	cmd.Flags().StringVar(&reason, "reason", "cli", "why the analysis was requested")
	return cmd
}

func printResult(res domain.PlannerResult) {
	fmt.Printf("outcome: %s\n", res.Outcome)
	fmt.Printf("tooltip: %s\n", res.Summaries.ButtonTooltip)
	if res.Summaries.ShowToast {
		fmt.Printf("toast:   %s\n", res.Summaries.ToastMessage)
	}
	sections := []struct {
		name  string
		items []domain.PlanItem
	}{
		{"fetch plan", res.FetchPlanItems},
		{"stale candidates", res.StaleCandidates},
		{"unfetchable gaps", res.UnfetchableGaps},
		{"auto-aggregation", res.AutoAggregationItems},
	}
	for _, sec := range sections {
		if len(sec.items) == 0 {
			continue
		}
		fmt.Printf("\n%s:\n", sec.name)
		t := table.NewWriter()
		t.SetOutputMirror(os.Stdout)
		t.AppendHeader(table.Row{"TARGET", "CLASS", "MISSING", "DETAIL"})
		for _, it := range sec.items {
			t.AppendRow(table.Row{it.Target.Key(), it.Classification, len(it.MissingDates), it.Detail})
		}
		t.Render()
	}
}

func logCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "log", Short: "Event diary"}
	var limit int
	tail := &cobra.Command{
		Use:   "tail",
		Short: "Show the latest events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd.Context(), func(ctx context.Context, s store.Store) error {
				evts, err := s.TailEvents(ctx, limit)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(evts)
				}
				t := table.NewWriter()
				t.SetOutputMirror(os.Stdout)
				t.AppendHeader(table.Row{"ID", "TS", "TYPE", "ENTITY", "ACTOR"})
				for _, e := range evts {
					t.AppendRow(table.Row{e.ID, e.TS, e.Type, e.EntityKind + "/" + e.EntityID, e.ActorID})
				}
				t.Render()
				return nil
			})
		},
	}
	tail.Flags().IntVar(&limit, "limit", 20, "number of events")
	cmd.AddCommand(tail)
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, jwtSecret string
	var allowLegacy bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			conn, err := db.Open(db.Config{Workspace: viper.GetString("workspace")})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			s := store.New(conn)
			handler, err := server.New(server.Config{
				Store:   s,
				Planner: newPlanner(s),
				Auth: server.AuthConfig{
					JWTSecret:              jwtSecret,
					AllowLegacyActorHeader: allowLegacy,
				},
			})
			if err != nil {
				return err
			}
			log.Printf("fetchline api listening on %s", addr)
			srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
			return srv.ListenAndServe()
		},
	}
	cmd.Flags().StringVar(&addr, "addr", ":8137", "listen address")
	cmd.Flags().StringVar(&jwtSecret, "jwt-secret", os.Getenv("FETCHLINE_JWT_SECRET"), "HS256 secret for bearer tokens")
	cmd.Flags().BoolVar(&allowLegacy, "allow-legacy-actor-header", false, "accept X-Actor-ID without a token")
	return cmd
}

func resolveGraph(ctx context.Context, s store.Store) (graph.Graph, error) {
	if id := viper.GetString("graph"); id != "" {
		return s.GetGraph(ctx, id)
	}
	return s.SingleGraph(ctx)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
