package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"tapestry/internal/action"
	"tapestry/internal/agent"
	"tapestry/internal/config"
	"tapestry/internal/graph"
	"tapestry/internal/logging"
	"tapestry/internal/pattern"
	"tapestry/internal/persist"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"
)

var (
	// Global flags
	verbose    bool
	workspace  string
	configPath string

	// Logger
	logger *zap.Logger
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "tapestry",
	Short: "tapestry - declarative pattern runtime over a knowledge graph",
	Long: `tapestry executes declarative, versioned workflow patterns whose steps
dispatch to registered actions and external capability providers. Results
accumulate in a shared knowledge graph that is snapshotted with integrity
checks and rotating backups.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		zcfg := zap.NewProductionConfig()
		if verbose {
			zcfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		var err error
		logger, err = zcfg.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
		logging.CloseAll()
	},
}

// runtime bundles the wired core components for one CLI invocation.
type runtime struct {
	cfg      *config.Config
	graph    *graph.Graph
	agents   *agent.Runtime
	registry *action.Registry
	loader   *pattern.Loader
	engine   *pattern.Engine
	persist  *persist.Manager
	archive  *agent.TelemetryArchive
}

// buildRuntime wires the full core: config, logging, graph (restored from
// the primary snapshot when one exists), provider runtime with stub
// providers, dispatch table, pattern loader, and engine.
func buildRuntime() (*runtime, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if err := logging.Initialize(workspace); err != nil {
		logger.Warn("logging init failed", zap.Error(err))
	}

	snapshotDir := resolvePath(cfg.Persistence.SnapshotDir)
	pm := persist.NewManager(snapshotDir, cfg.Persistence.RetentionCount)

	var g *graph.Graph
	if _, err := os.Stat(pm.PrimaryPath()); err == nil {
		g, err = pm.Load(pm.PrimaryPath())
		if err != nil {
			return nil, fmt.Errorf("failed to restore graph snapshot: %w", err)
		}
		logger.Info("graph restored",
			zap.String("path", pm.PrimaryPath()),
			zap.Int("nodes", g.NodeCount()),
			zap.Int("edges", g.EdgeCount()))
	} else {
		g = graph.New()
	}

	agents := agent.NewRuntime(cfg.Telemetry.WindowSize)
	var archive *agent.TelemetryArchive
	if cfg.Telemetry.ArchivePath != "" {
		archive, err = agent.NewTelemetryArchive(resolvePath(cfg.Telemetry.ArchivePath))
		if err != nil {
			logger.Warn("telemetry archive unavailable", zap.Error(err))
		} else {
			agents.SetArchive(archive)
		}
	}
	registerStubProviders(agents)

	registry := action.NewRegistry(g, agents)
	loader := pattern.NewLoader(resolvePath(cfg.Patterns.Dir))
	if cfg.Patterns.Watch {
		if err := loader.Watch(); err != nil {
			logger.Warn("pattern watcher unavailable", zap.Error(err))
		}
	}
	engine := pattern.NewEngine(loader, registry, agents, cfg.Engine)

	return &runtime{
		cfg:      cfg,
		graph:    g,
		agents:   agents,
		registry: registry,
		loader:   loader,
		engine:   engine,
		persist:  pm,
		archive:  archive,
	}, nil
}

func (rt *runtime) close() {
	_ = rt.loader.Close()
	if rt.archive != nil {
		_ = rt.archive.Close()
	}
}

func resolvePath(p string) string {
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(workspace, p)
}

// runCmd executes one pattern (optionally several concurrent invocations).
var runCmd = &cobra.Command{
	Use:   "run [pattern-id]",
	Short: "Execute a pattern against the knowledge graph",
	Long: `Loads the named pattern definition, executes its steps in order, and
prints the execution result as JSON. With --parallel N, launches N
independent invocations of the same pattern, each with its own context.`,
	Args: cobra.ExactArgs(1),
	RunE: runPattern,
}

var (
	runContext  []string
	runParallel int
	runSave     bool
)

func runPattern(cmd *cobra.Command, args []string) error {
	rt, err := buildRuntime()
	if err != nil {
		return err
	}
	defer rt.close()

	patternID := args[0]
	baseCtx := make(map[string]interface{})
	for _, kv := range runContext {
		parts := strings.SplitN(kv, "=", 2)
		if len(parts) != 2 {
			return fmt.Errorf("invalid --context entry %q (want key=value)", kv)
		}
		baseCtx[parts[0]] = parts[1]
	}

	if runParallel <= 1 {
		result, err := rt.engine.ExecutePatternByID(patternID, baseCtx)
		if err != nil {
			return err
		}
		printJSON(result)
	} else {
		// Independent concurrent invocations; each owns its context.
		var eg errgroup.Group
		results := make([]*pattern.Result, runParallel)
		for i := 0; i < runParallel; i++ {
			i := i
			ctx := make(map[string]interface{}, len(baseCtx)+1)
			for k, v := range baseCtx {
				ctx[k] = v
			}
			ctx["invocation"] = i
			eg.Go(func() error {
				res, err := rt.engine.ExecutePatternByID(patternID, ctx)
				if err != nil {
					return err
				}
				results[i] = res
				return nil
			})
		}
		if err := eg.Wait(); err != nil {
			return err
		}
		printJSON(results)
	}

	if runSave {
		saveRes, err := rt.persist.SaveWithBackup(rt.graph.Snapshot())
		if err != nil {
			return fmt.Errorf("failed to save graph: %w", err)
		}
		logger.Info("graph saved",
			zap.String("checksum", saveRes.Checksum),
			zap.Int("backups_removed", saveRes.BackupsRemoved))
	}
	return nil
}

// patternsCmd groups pattern definition management.
var patternsCmd = &cobra.Command{
	Use:   "patterns",
	Short: "Inspect and validate pattern definitions",
}

var patternsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List pattern definition files",
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := buildRuntime()
		if err != nil {
			return err
		}
		defer rt.close()

		dir := resolvePath(rt.cfg.Patterns.Dir)
		entries, err := os.ReadDir(dir)
		if err != nil {
			return fmt.Errorf("failed to read pattern directory %s: %w", dir, err)
		}
		for _, e := range entries {
			ext := filepath.Ext(e.Name())
			if ext == ".yaml" || ext == ".yml" || ext == ".json" {
				fmt.Println(strings.TrimSuffix(e.Name(), ext))
			}
		}
		return nil
	},
}

var patternsValidateCmd = &cobra.Command{
	Use:   "validate [pattern-id]",
	Short: "Validate a pattern definition and its action references",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := buildRuntime()
		if err != nil {
			return err
		}
		defer rt.close()

		p, err := rt.engine.GetPattern(args[0])
		if err != nil {
			return err
		}
		unknown := rt.engine.ValidateActions(p)
		printJSON(map[string]interface{}{
			"pattern_id":      p.ID,
			"version":         p.Version,
			"steps":           len(p.Steps),
			"unknown_actions": unknown,
			"valid":           len(unknown) == 0,
		})
		return nil
	},
}

// graphCmd groups knowledge graph persistence operations.
var graphCmd = &cobra.Command{
	Use:   "graph",
	Short: "Snapshot, verify, and check the knowledge graph",
}

var graphSaveCmd = &cobra.Command{
	Use:   "save",
	Short: "Snapshot the graph with a checksummed backup",
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := buildRuntime()
		if err != nil {
			return err
		}
		defer rt.close()

		result, err := rt.persist.SaveWithBackup(rt.graph.Snapshot())
		if err != nil {
			return err
		}
		printJSON(result)
		return nil
	},
}

var graphVerifyCmd = &cobra.Command{
	Use:   "verify [path]",
	Short: "Verify the integrity of a stored snapshot",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := buildRuntime()
		if err != nil {
			return err
		}
		defer rt.close()

		path := rt.persist.PrimaryPath()
		if len(args) == 1 {
			path = args[0]
		}
		printJSON(rt.persist.VerifyIntegrity(path))
		return nil
	},
}

var graphBackupsCmd = &cobra.Command{
	Use:   "backups",
	Short: "List retained snapshot backups, most recent first",
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := buildRuntime()
		if err != nil {
			return err
		}
		defer rt.close()

		backups, err := rt.persist.ListBackups()
		if err != nil {
			return err
		}
		printJSON(backups)
		return nil
	},
}

var graphCheckOlderThan time.Duration

var graphCheckCmd = &cobra.Command{
	Use:   "check",
	Short: "Run the standing graph invariant checker",
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := buildRuntime()
		if err != nil {
			return err
		}
		defer rt.close()

		printJSON(rt.graph.CheckInvariants(graphCheckOlderThan))
		return nil
	},
}

// telemetryCmd groups observability output.
var telemetryCmd = &cobra.Command{
	Use:   "telemetry",
	Short: "Execution telemetry",
}

var telemetrySummaryCmd = &cobra.Command{
	Use:   "summary",
	Short: "Aggregate execution telemetry from the archive",
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := buildRuntime()
		if err != nil {
			return err
		}
		defer rt.close()

		if rt.archive == nil {
			return fmt.Errorf("no telemetry archive configured (set telemetry.archive_path)")
		}
		summary, err := rt.archive.SummarySince(time.Time{})
		if err != nil {
			return err
		}
		printJSON(summary)
		return nil
	},
}

func printJSON(v interface{}) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to render output: %v\n", err)
		return
	}
	fmt.Println(string(data))
}

func main() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	rootCmd.PersistentFlags().StringVar(&workspace, "workspace", ".", "workspace directory")
	rootCmd.PersistentFlags().StringVar(&configPath, "config", filepath.Join(".tapestry", "config.yaml"), "config file path")

	runCmd.Flags().StringArrayVar(&runContext, "context", nil, "initial context entries (key=value)")
	runCmd.Flags().IntVar(&runParallel, "parallel", 1, "number of independent concurrent invocations")
	runCmd.Flags().BoolVar(&runSave, "save", false, "snapshot the graph after the run")
	graphCheckCmd.Flags().DurationVar(&graphCheckOlderThan, "older-than", time.Hour, "orphan age threshold")

	patternsCmd.AddCommand(patternsListCmd, patternsValidateCmd)
	graphCmd.AddCommand(graphSaveCmd, graphVerifyCmd, graphBackupsCmd, graphCheckCmd)
	telemetryCmd.AddCommand(telemetrySummaryCmd)
	rootCmd.AddCommand(runCmd, patternsCmd, graphCmd, telemetryCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
