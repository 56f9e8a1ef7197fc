package main

import (
	"bufio"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/spf13/cobra"

	"github.com/voxlogica-project/voxlogica2/internal/config"
	"github.com/voxlogica-project/voxlogica2/internal/engine"
	"github.com/voxlogica-project/voxlogica2/internal/parser"
	"github.com/voxlogica-project/voxlogica2/internal/plan"
	"github.com/voxlogica-project/voxlogica2/internal/policy"
	"github.com/voxlogica-project/voxlogica2/internal/reducer"
	"github.com/voxlogica-project/voxlogica2/internal/registry"
	"github.com/voxlogica-project/voxlogica2/internal/storage"
)

// newReplCommand starts an interactive session that re-reduces the
// accumulated source buffer after every line and runs only the goals the
// new line introduced: since nodes are content-
// addressed, re-reducing everything already seen is a cache hit in the
// materialization store, not wasted work.
func newReplCommand(log **slog.Logger) *cobra.Command {
	var executionStrategy string
	var strict bool
	var watch []string

	cmd := &cobra.Command{
		Use:   "repl",
		Short: "interactive session",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRepl(cmd.InOrStdin(), cmd.OutOrStdout(), *log, executionStrategy, strict, watch)
		},
	}

	cmd.Flags().StringVar(&executionStrategy, "execution-strategy", "strict", "dask|strict")
	cmd.Flags().BoolVar(&strict, "strict", false, "enforce strict (non-legacy) policy checks")
	cmd.Flags().StringArrayVar(&watch, "watch", nil, "hot-reload a namespace's exported *.imgql commands from a directory (NAMESPACE=DIR, repeatable)")
	return cmd
}

func runRepl(in io.Reader, out io.Writer, log *slog.Logger, executionStrategy string, strict bool, watch []string) error {
	cfg := config.FromEnv()
	reg := registry.New(log)

	// Each --watch NAMESPACE=DIR entry seeds the namespace's exported
	// commands from DIR's *.imgql files and keeps them fresh while the
	// session runs; the next re-reduction of the buffer picks up the edit.
	stopWatch := make(chan struct{})
	defer close(stopWatch)
	for _, w := range watch {
		name, dir, ok := strings.Cut(w, "=")
		if !ok {
			return fmt.Errorf("--watch %q: expected NAMESPACE=DIR", w)
		}
		if err := reg.ImportNamespace(name); err != nil {
			return fmt.Errorf("--watch %q: %w", w, err)
		}
		if err := reg.ReloadNamespaceExports(name, dir); err != nil {
			return fmt.Errorf("--watch %q: %w", w, err)
		}
		registry.WatchNamespaceDir(reg, name, dir, log, stopWatch)
	}

	roots, err := policy.NewReadRoots(cfg.ServeDataDir, cfg.ExtraReadRoots)
	if err != nil {
		return fmt.Errorf("read roots: %w", err)
	}
	polEngine := &policy.Engine{Legacy: !strict, ServeMode: cfg.ServeMode, Roots: roots}

	backend, err := openBackend(cfg, false)
	if err != nil {
		return err
	}
	defer backend.Close()
	// Line-to-line memoization needs only the store's own in-memory entries,
	// which persist across iterations; read-through stays off, matching the
	// strict strategy's default policy (see DESIGN.md, Open Question
	// decisions).
	store := storage.NewMaterializationStore(backend, false, true)

	runtimeScope := &policy.RuntimeScope{ServeMode: cfg.ServeMode, Roots: roots}
	var strat engine.Strategy
	if executionStrategy == "dask" {
		strat = engine.NewLiftedStrategy(log, runtimeScope)
	} else {
		strat = engine.NewStrictStrategy(log, runtimeScope)
	}

	var buffer strings.Builder
	prevGoals := 0

	scanner := bufio.NewScanner(in)
	fmt.Fprint(out, "imgql> ")
	for scanner.Scan() {
		line := scanner.Text()
		if strings.TrimSpace(line) == "" {
			fmt.Fprint(out, "imgql> ")
			continue
		}

		candidate := buffer.String() + line + "\n"
		prog, err := parser.ParseProgramContentWithLogger(candidate, log)
		if err != nil {
			fmt.Fprintf(out, "parse error: %v\n", err)
			fmt.Fprint(out, "imgql> ")
			continue
		}

		red := reducer.New(reg, reducer.Config{Logger: log})
		wp, err := red.ReduceProgram(prog)
		if err != nil {
			fmt.Fprintf(out, "reduce error: %v\n", err)
			fmt.Fprint(out, "imgql> ")
			continue
		}
		symPlan := wp.ToSymbolicPlan()
		if err := policy.EnforceOrRaise(polEngine.ValidateWorkplan(symPlan, reg, nil)); err != nil {
			fmt.Fprintf(out, "policy error: %v\n", err)
			fmt.Fprint(out, "imgql> ")
			continue
		}

		prepared, err := strat.Compile(symPlan, reg, store)
		if err != nil {
			fmt.Fprintf(out, "compile error: %v\n", err)
			fmt.Fprint(out, "imgql> ")
			continue
		}

		var newTargets []plan.NodeId
		for _, g := range symPlan.Goals[prevGoals:] {
			newTargets = append(newTargets, g.Target)
		}

		result, err := strat.Run(prepared, newTargets)
		if err != nil {
			fmt.Fprintf(out, "run error: %v\n", err)
			fmt.Fprint(out, "imgql> ")
			continue
		}
		if !result.Success {
			for id, msg := range result.FailedOperations {
				fmt.Fprintf(out, "node %s failed: %s\n", id, msg)
			}
		}

		buffer.WriteString(line + "\n")
		prevGoals = len(symPlan.Goals)
		fmt.Fprint(out, "imgql> ")
	}
	fmt.Fprintln(out)
	return scanner.Err()
}
