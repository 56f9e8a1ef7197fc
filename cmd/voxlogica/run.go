package main

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/voxlogica-project/voxlogica2/internal/config"
	"github.com/voxlogica-project/voxlogica2/internal/engine"
	"github.com/voxlogica-project/voxlogica2/internal/parser"
	"github.com/voxlogica-project/voxlogica2/internal/policy"
	"github.com/voxlogica-project/voxlogica2/internal/reducer"
	"github.com/voxlogica-project/voxlogica2/internal/registry"
	"github.com/voxlogica-project/voxlogica2/internal/storage"
	_ "github.com/voxlogica-project/voxlogica2/internal/stdlib"
)

func newRunCommand(log **slog.Logger) *cobra.Command {
	var (
		executeFlag       bool
		noExecute         bool
		noCache           bool
		executionStrategy string
		strict            bool
		saveTaskGraph     string
		saveTaskGraphJSON string
		saveSyntax        string
	)

	cmd := &cobra.Command{
		Use:   "run FILE",
		Short: "run or analyze an IMGQL program",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			src, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("read %s: %w", args[0], err)
			}

			prog, err := parser.ParseProgramContentWithLogger(string(src), *log)
			if err != nil {
				return fmt.Errorf("parse: %w", err)
			}

			if saveSyntax != "" {
				if err := os.WriteFile(saveSyntax, []byte(prog.String()), 0o644); err != nil {
					return fmt.Errorf("save-syntax: %w", err)
				}
			}

			cfg := config.FromEnv()
			reg := registry.New(*log)
			red := reducer.New(reg, reducer.Config{Logger: *log, ReadFile: readFileRelativeTo(args[0])})

			wp, err := red.ReduceProgram(prog)
			if err != nil {
				return fmt.Errorf("reduce: %w", err)
			}
			symPlan := wp.ToSymbolicPlan()

			roots, err := policy.NewReadRoots(cfg.ServeDataDir, cfg.ExtraReadRoots)
			if err != nil {
				return fmt.Errorf("read roots: %w", err)
			}
			polEngine := &policy.Engine{Legacy: !strict, ServeMode: cfg.ServeMode, Roots: roots}
			if err := policy.EnforceOrRaise(polEngine.ValidateWorkplan(symPlan, reg, nil)); err != nil {
				return err
			}

			if saveTaskGraph != "" {
				if err := os.WriteFile(saveTaskGraph, []byte(symPlan.RenderDOT()), 0o644); err != nil {
					return fmt.Errorf("save-task-graph: %w", err)
				}
			}
			if saveTaskGraphJSON != "" {
				data, err := symPlan.RenderJSON()
				if err != nil {
					return fmt.Errorf("save-task-graph-as-json: %w", err)
				}
				if err := os.WriteFile(saveTaskGraphJSON, data, 0o644); err != nil {
					return fmt.Errorf("save-task-graph-as-json: %w", err)
				}
			}

			// --no-execute wins if either flag was given; --execute=false
			// (an explicit, if unusual, spelling of the same thing) also
			// skips execution.
			skipExecution := noExecute || (cmd.Flags().Changed("execute") && !executeFlag)
			if skipExecution {
				return nil
			}

			backend, err := openBackend(cfg, noCache)
			if err != nil {
				return err
			}
			defer backend.Close()
			// Read-through stays off: a run recomputes instead of serving a
			// stale durable row (see DESIGN.md, Open Question decisions).
			store := storage.NewMaterializationStore(backend, false, !noCache)

			runtimeScope := &policy.RuntimeScope{ServeMode: cfg.ServeMode, Roots: roots}
			var strat engine.Strategy
			if executionStrategy == "dask" {
				strat = engine.NewLiftedStrategy(*log, runtimeScope)
			} else {
				strat = engine.NewStrictStrategy(*log, runtimeScope)
			}

			prepared, err := strat.Compile(symPlan, reg, store)
			if err != nil {
				return fmt.Errorf("compile: %w", err)
			}
			result, err := strat.Run(prepared, nil)
			if err != nil {
				return fmt.Errorf("run: %w", err)
			}
			if !result.Success {
				for id, msg := range result.FailedOperations {
					fmt.Fprintf(os.Stderr, "node %s failed: %s\n", id, msg)
				}
				return fmt.Errorf("run: %d/%d operations failed", len(result.FailedOperations), result.TotalOperations)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&executeFlag, "execute", true, "execute the plan after reducing it")
	cmd.Flags().BoolVar(&noExecute, "no-execute", false, "analyze only, do not execute")
	cmd.Flags().BoolVar(&noCache, "no-cache", false, "bypass the durable result store")
	cmd.Flags().StringVar(&executionStrategy, "execution-strategy", "strict", "dask|strict")
	cmd.Flags().BoolVar(&strict, "strict", false, "enforce strict (non-legacy) policy checks")
	cmd.Flags().StringVar(&saveTaskGraph, "save-task-graph", "", "render the symbolic plan as Graphviz DOT to PATH")
	cmd.Flags().StringVar(&saveTaskGraphJSON, "save-task-graph-as-json", "", "render the symbolic plan as JSON to PATH")
	cmd.Flags().StringVar(&saveSyntax, "save-syntax", "", "write the parsed program's rendered syntax to PATH")

	return cmd
}

// readFileRelativeTo builds a reducer.Config.ReadFile that resolves
// relative file imports against the directory containing the entry file.
func readFileRelativeTo(entryFile string) func(string) (string, error) {
	base := filepath.Dir(entryFile)
	return func(path string) (string, error) {
		if !filepath.IsAbs(path) {
			path = filepath.Join(base, path)
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return "", err
		}
		return string(data), nil
	}
}

// openBackend picks the ResultsDatabase backend: no-cache when requested,
// SQLite when a durable store path is configured, otherwise in-memory.
func openBackend(cfg *config.Config, noCache bool) (storage.ResultsDatabase, error) {
	if noCache {
		return storage.NoCacheDatabase{}, nil
	}
	runtimeVersionTag := cfg.RuntimeVersion
	if runtimeVersionTag == "" {
		runtimeVersionTag = runtimeVersion
	}
	if cfg.StorePath != "" {
		return storage.OpenSQLiteDatabase(cfg.StorePath, runtimeVersionTag)
	}
	return storage.NewMemoryDatabase(runtimeVersionTag), nil
}
